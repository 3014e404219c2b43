package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/fault"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx so reads can run
// inside or outside a transaction.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Load fetches a contract with its milestones and signatures.
func Load(ctx context.Context, q Querier, id string) (Contract, error) {
	const query = `
		SELECT id, booking_id, customer_id, artisan_id, scope_of_work,
		       deliverables, exclusions, materials_responsibility,
		       total_amount, platform_fee, artisan_earnings,
		       start_date, estimated_end_date, status,
		       customer_signed_at, customer_signed_ip,
		       artisan_signed_at, artisan_signed_ip,
		       created_at, updated_at
		FROM contracts
		WHERE id = $1
	`

	var (
		c                Contract
		customerSignedAt *time.Time
		customerIP       *string
		artisanSignedAt  *time.Time
		artisanIP        *string
	)
	err := q.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.BookingID, &c.CustomerID, &c.ArtisanID, &c.ScopeOfWork,
		&c.Deliverables, &c.Exclusions, &c.MaterialsResponsibility,
		&c.TotalAmount, &c.PlatformFee, &c.ArtisanEarnings,
		&c.StartDate, &c.EstimatedEndDate, &c.Status,
		&customerSignedAt, &customerIP,
		&artisanSignedAt, &artisanIP,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, fault.NotFoundf("contract %s not found", id)
		}
		return Contract{}, fmt.Errorf("contract: load: %w", err)
	}

	if customerSignedAt != nil {
		c.CustomerSignature = &Signature{SignerID: c.CustomerID, SignedAt: *customerSignedAt, IP: deref(customerIP)}
	}
	if artisanSignedAt != nil {
		c.ArtisanSignature = &Signature{SignerID: c.ArtisanID, SignedAt: *artisanSignedAt, IP: deref(artisanIP)}
	}

	milestones, err := loadMilestones(ctx, q, id)
	if err != nil {
		return Contract{}, err
	}
	c.Milestones = milestones
	return c, nil
}

func loadMilestones(ctx context.Context, q Querier, contractID string) ([]Milestone, error) {
	rows, err := q.Query(ctx, `
		SELECT number, title, percentage, amount
		FROM contract_milestones
		WHERE contract_id = $1
		ORDER BY number
	`, contractID)
	if err != nil {
		return nil, fmt.Errorf("contract: load milestones: %w", err)
	}
	defer rows.Close()

	out := make([]Milestone, 0, 4)
	for rows.Next() {
		var m Milestone
		if err := rows.Scan(&m.Number, &m.Title, &m.Percentage, &m.Amount); err != nil {
			return nil, fmt.Errorf("contract: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: iterate milestones: %w", err)
	}
	return out, nil
}

// History returns the append-only status log, oldest first.
func History(ctx context.Context, q Querier, contractID string) ([]HistoryEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT status, note, actor_id::text, created_at
		FROM contract_status_history
		WHERE contract_id = $1
		ORDER BY id
	`, contractID)
	if err != nil {
		return nil, fmt.Errorf("contract: load history: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0, 8)
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Status, &e.Note, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("contract: scan history: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: iterate history: %w", err)
	}
	return out, nil
}

// lockForUpdate serializes all transitions for one contract on its row lock
// and returns the current status as the optimistic precondition.
func lockForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error) {
	const query = `
		SELECT id, booking_id, customer_id, artisan_id, status,
		       total_amount, platform_fee, artisan_earnings,
		       customer_signed_at IS NOT NULL, artisan_signed_at IS NOT NULL
		FROM contracts
		WHERE id = $1
		FOR UPDATE
	`
	var (
		c              Contract
		customerSigned bool
		artisanSigned  bool
	)
	err := tx.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.BookingID, &c.CustomerID, &c.ArtisanID, &c.Status,
		&c.TotalAmount, &c.PlatformFee, &c.ArtisanEarnings,
		&customerSigned, &artisanSigned,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, fault.NotFoundf("contract %s not found", id)
		}
		return Contract{}, fmt.Errorf("contract: lock: %w", err)
	}
	if customerSigned {
		c.CustomerSignature = &Signature{SignerID: c.CustomerID}
	}
	if artisanSigned {
		c.ArtisanSignature = &Signature{SignerID: c.ArtisanID}
	}
	return c, nil
}

// AppendHistoryTx writes one audit row inside the caller's transaction.
func AppendHistoryTx(ctx context.Context, tx pgx.Tx, contractID string, status Status, note string, actorID *string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO contract_status_history (contract_id, status, note, actor_id)
		VALUES ($1, $2, $3, $4::uuid)
	`, contractID, status, note, actorID)
	if err != nil {
		return fmt.Errorf("contract: append history: %w", err)
	}
	return nil
}

// TransitionTx moves a locked contract to the next status and records the
// audit row. Callers hold the tx; other packages (escrow, dispute) use this
// to advance the co-owned contract within their own transactions.
func TransitionTx(ctx context.Context, tx pgx.Tx, contractID string, to Status, note string, actorID *string) error {
	c, err := lockForUpdate(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if !CanTransition(c.Status, to) {
		return fault.Conflictf(string(c.Status), "contract %s cannot move to %s", contractID, to)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE contracts SET status=$1, updated_at=now() WHERE id=$2
	`, to, contractID); err != nil {
		return fmt.Errorf("contract: update status: %w", err)
	}
	return AppendHistoryTx(ctx, tx, contractID, to, note, actorID)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
