package contract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"escrowflow/booking"
	"escrowflow/fault"
	"escrowflow/money"
	"escrowflow/outbox"
)

// MilestoneTerms is the caller-supplied portion of a milestone.
type MilestoneTerms struct {
	Title      string
	Percentage int
}

// DraftParams carries the terms for a new contract draft.
type DraftParams struct {
	BookingID               string
	ScopeOfWork             string
	Deliverables            []string
	Exclusions              []string
	MaterialsResponsibility string
	TotalAmount             int64
	PlatformFee             int64
	StartDate               *time.Time
	EstimatedEndDate        *time.Time
	Milestones              []MilestoneTerms
}

// Service enforces the contract state machine. Every transition appends a
// status-history row in the same transaction.
type Service struct {
	pool     *pgxpool.Pool
	bookings booking.Reader
	outbox   outbox.Enqueuer
	log      *zap.SugaredLogger
	now      func() time.Time
}

func NewService(pool *pgxpool.Pool, bookings booking.Reader, ob outbox.Enqueuer, log *zap.SugaredLogger) *Service {
	return &Service{
		pool:     pool,
		bookings: bookings,
		outbox:   ob,
		log:      log,
		now:      time.Now,
	}
}

// WithClock overrides the service clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateDraft validates the terms against the booking and persists the draft
// with its computed milestone amounts.
func (s *Service) CreateDraft(ctx context.Context, actorID string, params DraftParams) (Contract, error) {
	if err := validateDraft(params); err != nil {
		return Contract{}, err
	}

	bk, err := s.bookings.GetByID(ctx, params.BookingID)
	if err != nil {
		return Contract{}, err
	}
	if bk.Status != booking.StatusAccepted {
		return Contract{}, fault.Conflictf(bk.Status, "booking %s is not accepted", bk.ID)
	}
	if actorID != bk.CustomerID && actorID != bk.ArtisanID {
		return Contract{}, fault.Authorizationf("actor %s is not a party to booking %s", actorID, bk.ID)
	}

	percentages := make([]int, len(params.Milestones))
	for i, m := range params.Milestones {
		percentages[i] = m.Percentage
	}
	amounts, err := money.SplitByPercent(params.TotalAmount, percentages)
	if err != nil {
		return Contract{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c := Contract{
		BookingID:               bk.ID,
		CustomerID:              bk.CustomerID,
		ArtisanID:               bk.ArtisanID,
		ScopeOfWork:             params.ScopeOfWork,
		Deliverables:            params.Deliverables,
		Exclusions:              params.Exclusions,
		MaterialsResponsibility: params.MaterialsResponsibility,
		TotalAmount:             params.TotalAmount,
		PlatformFee:             params.PlatformFee,
		ArtisanEarnings:         params.TotalAmount - params.PlatformFee,
		StartDate:               params.StartDate,
		EstimatedEndDate:        params.EstimatedEndDate,
		Status:                  StatusDraft,
	}

	const insertSQL = `
		INSERT INTO contracts (
			booking_id, customer_id, artisan_id, scope_of_work,
			deliverables, exclusions, materials_responsibility,
			total_amount, platform_fee, artisan_earnings,
			start_date, estimated_end_date, status
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,'draft')
		RETURNING id, created_at, updated_at
	`
	if err := tx.QueryRow(ctx, insertSQL,
		c.BookingID, c.CustomerID, c.ArtisanID, c.ScopeOfWork,
		c.Deliverables, c.Exclusions, c.MaterialsResponsibility,
		c.TotalAmount, c.PlatformFee, c.ArtisanEarnings,
		c.StartDate, c.EstimatedEndDate,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Contract{}, fmt.Errorf("contract: insert: %w", err)
	}

	for i, terms := range params.Milestones {
		m := Milestone{
			Number:     i + 1,
			Title:      terms.Title,
			Percentage: terms.Percentage,
			Amount:     amounts[i],
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO contract_milestones (contract_id, number, title, percentage, amount)
			VALUES ($1,$2,$3,$4,$5)
		`, c.ID, m.Number, m.Title, m.Percentage, m.Amount); err != nil {
			return Contract{}, fmt.Errorf("contract: insert milestone %d: %w", m.Number, err)
		}
		c.Milestones = append(c.Milestones, m)
	}

	if err := AppendHistoryTx(ctx, tx, c.ID, StatusDraft, "draft created", &actorID); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit draft: %w", err)
	}

	s.log.Infow("contract draft created", "contract_id", c.ID, "booking_id", c.BookingID, "total", c.TotalAmount)
	return c, nil
}

// Send moves a draft out for signatures.
func (s *Service) Send(ctx context.Context, actorID, contractID string) error {
	return s.partyTransition(ctx, actorID, contractID, func(c Contract) (Status, string, error) {
		if c.Status != StatusDraft {
			return "", "", fault.Conflictf(string(c.Status), "only draft contracts can be sent")
		}
		return StatusPendingSignatures, "sent for signatures", nil
	})
}

// Sign records one party's signature; the contract becomes signed once both
// parties have signed, in either order.
func (s *Service) Sign(ctx context.Context, actorID, contractID, ip string) (Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := lockForUpdate(ctx, tx, contractID)
	if err != nil {
		return Contract{}, err
	}
	if c.Status != StatusPendingSignatures {
		return Contract{}, fault.Conflictf(string(c.Status), "contract %s is not awaiting signatures", contractID)
	}

	party, ok := c.PartyOf(actorID)
	if !ok {
		return Contract{}, fault.Authorizationf("actor %s is not a party to contract %s", actorID, contractID)
	}

	var column, ipColumn string
	switch party {
	case PartyCustomer:
		if c.CustomerSignature != nil {
			return Contract{}, fault.Conflictf(string(c.Status), "customer already signed contract %s", contractID)
		}
		column, ipColumn = "customer_signed_at", "customer_signed_ip"
		c.CustomerSignature = &Signature{SignerID: actorID, SignedAt: s.now(), IP: ip}
	case PartyArtisan:
		if c.ArtisanSignature != nil {
			return Contract{}, fault.Conflictf(string(c.Status), "artisan already signed contract %s", contractID)
		}
		column, ipColumn = "artisan_signed_at", "artisan_signed_ip"
		c.ArtisanSignature = &Signature{SignerID: actorID, SignedAt: s.now(), IP: ip}
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE contracts SET %s=now(), %s=$1, updated_at=now() WHERE id=$2
	`, column, ipColumn), ip, contractID); err != nil {
		return Contract{}, fmt.Errorf("contract: record signature: %w", err)
	}

	if err := AppendHistoryTx(ctx, tx, contractID, c.Status, fmt.Sprintf("%s signed", party), &actorID); err != nil {
		return Contract{}, err
	}

	bothSigned := c.CustomerSignature != nil && c.ArtisanSignature != nil
	if bothSigned {
		if _, err := tx.Exec(ctx, `
			UPDATE contracts SET status=$1, updated_at=now() WHERE id=$2
		`, StatusSigned, contractID); err != nil {
			return Contract{}, fmt.Errorf("contract: mark signed: %w", err)
		}
		if err := AppendHistoryTx(ctx, tx, contractID, StatusSigned, "both parties signed", &actorID); err != nil {
			return Contract{}, err
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicSigned, map[string]any{
			"contract_id": contractID,
			"booking_id":  c.BookingID,
		}); err != nil {
			return Contract{}, err
		}
		c.Status = StatusSigned
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit signature: %w", err)
	}

	s.log.Infow("contract signed", "contract_id", contractID, "party", party, "complete", bothSigned)
	return Load(ctx, s.pool, contractID)
}

// Cancel is legal only before signatures complete.
func (s *Service) Cancel(ctx context.Context, actorID, contractID, reason string) error {
	return s.partyTransition(ctx, actorID, contractID, func(c Contract) (Status, string, error) {
		if !Cancellable(c.Status) {
			return "", "", fault.Conflictf(string(c.Status), "contract %s can no longer be cancelled", contractID)
		}
		note := "cancelled"
		if reason = strings.TrimSpace(reason); reason != "" {
			note = "cancelled: " + reason
		}
		return StatusCancelled, note, nil
	})
}

// Get returns the contract with milestones and signatures.
func (s *Service) Get(ctx context.Context, actorID, contractID string) (Contract, error) {
	c, err := Load(ctx, s.pool, contractID)
	if err != nil {
		return Contract{}, err
	}
	if _, ok := c.PartyOf(actorID); !ok {
		return Contract{}, fault.Authorizationf("actor %s is not a party to contract %s", actorID, contractID)
	}
	return c, nil
}

// GetHistory returns the append-only status log.
func (s *Service) GetHistory(ctx context.Context, contractID string) ([]HistoryEntry, error) {
	return History(ctx, s.pool, contractID)
}

// partyTransition wraps the lock/authorize/decide/update/history dance shared
// by Send and Cancel.
func (s *Service) partyTransition(ctx context.Context, actorID, contractID string, decide func(Contract) (Status, string, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := lockForUpdate(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if _, ok := c.PartyOf(actorID); !ok {
		return fault.Authorizationf("actor %s is not a party to contract %s", actorID, contractID)
	}

	next, note, err := decide(c)
	if err != nil {
		return err
	}
	if !CanTransition(c.Status, next) {
		return fault.Conflictf(string(c.Status), "contract %s cannot move to %s", contractID, next)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE contracts SET status=$1, updated_at=now() WHERE id=$2
	`, next, contractID); err != nil {
		return fmt.Errorf("contract: update status: %w", err)
	}
	if err := AppendHistoryTx(ctx, tx, contractID, next, note, &actorID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("contract: commit transition: %w", err)
	}
	s.log.Infow("contract transitioned", "contract_id", contractID, "status", next)
	return nil
}

func validateDraft(params DraftParams) error {
	if params.BookingID == "" {
		return fault.Validationf("booking id required")
	}
	if strings.TrimSpace(params.ScopeOfWork) == "" {
		return fault.Validationf("scope of work required")
	}
	if params.TotalAmount <= 0 {
		return fault.Validationf("total amount must be positive")
	}
	if params.PlatformFee < 0 || params.PlatformFee >= params.TotalAmount {
		return fault.Validationf("platform fee must be within [0, total amount)")
	}
	if len(params.Milestones) == 0 {
		return fault.Validationf("at least one milestone required")
	}
	if params.StartDate != nil && params.EstimatedEndDate != nil && params.EstimatedEndDate.Before(*params.StartDate) {
		return fault.Validationf("estimated end date precedes start date")
	}
	return nil
}
