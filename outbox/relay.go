package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Message is a pending outbox row claimed by the relay.
type Message struct {
	ID       string
	Topic    string
	Payload  []byte
	Attempts int
}

// Store is the persistence surface the relay drains.
type Store interface {
	ClaimPending(ctx context.Context, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, attempts int) error
}

// PGStore implements Store against the outbox table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// ClaimPending fetches a batch of pending rows oldest-first. Delivery is
// at-least-once: a crash between publish and MarkProcessed redelivers.
func (s *PGStore) ClaimPending(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim pending: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts); err != nil {
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate messages: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkProcessed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET status='processed', processed_at=now() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, id string, attempts int) error {
	status := StatusPending
	if attempts >= maxAttempts {
		status = StatusDead
	}
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET status=$1, attempts=$2 WHERE id=$3`, status, attempts, id)
	if err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

const (
	maxAttempts  = 10
	defaultBatch = 50
)

// Relay drains pending outbox rows through the publisher.
type Relay struct {
	store     Store
	publisher Publisher
	log       *zap.SugaredLogger
	interval  time.Duration
	batch     int
}

func NewRelay(store Store, publisher Publisher, log *zap.SugaredLogger, interval time.Duration) *Relay {
	return &Relay{
		store:     store,
		publisher: publisher,
		log:       log,
		interval:  interval,
		batch:     defaultBatch,
	}
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.DrainOnce(ctx); err != nil {
				r.log.Warnw("outbox drain failed", "err", err)
			}
		}
	}
}

// DrainOnce delivers one batch. Publish failures are recorded and retried on
// a later pass; they never bubble into domain operations.
func (r *Relay) DrainOnce(ctx context.Context) error {
	msgs, err := r.store.ClaimPending(ctx, r.batch)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := r.publisher.Publish(ctx, m.Topic, m.Payload); err != nil {
			r.log.Warnw("publish failed", "topic", m.Topic, "id", m.ID, "attempt", m.Attempts+1, "err", err)
			if err := r.store.MarkFailed(ctx, m.ID, m.Attempts+1); err != nil {
				return err
			}
			continue
		}
		if err := r.store.MarkProcessed(ctx, m.ID); err != nil {
			return err
		}
	}
	return nil
}
