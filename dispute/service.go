package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"escrowflow/auth"
	"escrowflow/contract"
	"escrowflow/escrow"
	"escrowflow/fault"
	"escrowflow/outbox"
)

// LedgerEngine is the slice of the escrow engine the dispute service drives.
type LedgerEngine interface {
	ApplyDisputeDecision(ctx context.Context, escrowID string, d escrow.Decision) (escrow.Ledger, error)
	Get(ctx context.Context, escrowID string) (escrow.Ledger, error)
}

// Service runs the dispute lifecycle: open freezes the escrow, the parties
// exchange responses under deadlines, and an admin decision splits the
// remaining balance.
type Service struct {
	pool   *pgxpool.Pool
	engine LedgerEngine
	outbox outbox.Enqueuer
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewService(pool *pgxpool.Pool, engine LedgerEngine, ob outbox.Enqueuer, log *zap.SugaredLogger) *Service {
	return &Service{
		pool:   pool,
		engine: engine,
		outbox: ob,
		log:    log,
		now:    time.Now,
	}
}

// WithClock overrides the service clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Open files a dispute against an active contract. In one transaction it
// freezes the escrow, marks the contract disputed, and snapshots the terms
// the decision will be judged against. At most one unresolved dispute may
// exist per contract.
func (s *Service) Open(ctx context.Context, actor auth.Actor, contractID string, category Category, description string) (Dispute, error) {
	if !KnownCategory(category) {
		return Dispute{}, fault.Validationf("unknown dispute category %q", category)
	}
	if strings.TrimSpace(description) == "" {
		return Dispute{}, fault.Validationf("dispute description required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := contract.Load(ctx, tx, contractID)
	if err != nil {
		return Dispute{}, err
	}
	if _, ok := c.PartyOf(actor.ID); !ok {
		return Dispute{}, fault.Authorizationf("actor %s is not a party to contract %s", actor.ID, contractID)
	}
	if c.Status != contract.StatusActive {
		return Dispute{}, fault.Conflictf(string(c.Status), "only active contracts can be disputed")
	}

	l, err := escrow.LoadByContract(ctx, tx, contractID)
	if err != nil {
		return Dispute{}, err
	}
	if err := escrow.TransitionToDisputedTx(ctx, tx, l.ID, &actor.ID); err != nil {
		return Dispute{}, err
	}
	if err := contract.TransitionTx(ctx, tx, contractID, contract.StatusDisputed, "dispute opened", &actor.ID); err != nil {
		return Dispute{}, err
	}

	snapshot, err := json.Marshal(snapshotOf(c))
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: snapshot contract: %w", err)
	}

	deadline := s.now().Add(ResponseWindow)
	d, err := scanDispute(tx.QueryRow(ctx, `
		INSERT INTO disputes (
			contract_id, escrow_id, customer_id, artisan_id, opened_by,
			category, description, artisan_response_deadline, contract_snapshot
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING`+disputeColumns,
		contractID, l.ID, c.CustomerID, c.ArtisanID, actor.ID,
		category, description, deadline, snapshot,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return Dispute{}, fault.Conflictf(string(contract.StatusDisputed), "contract %s already has an open dispute", contractID)
		}
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}

	if err := AppendTimelineTx(ctx, tx, d.ID, "opened", &actor.ID, map[string]any{
		"category": category,
	}); err != nil {
		return Dispute{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, TopicOpened, map[string]any{
		"dispute_id":  d.ID,
		"contract_id": contractID,
		"escrow_id":   l.ID,
	}); err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit open: %w", err)
	}

	s.log.Infow("dispute opened", "dispute_id", d.ID, "contract_id", contractID, "category", category)
	return d, nil
}

// SubmitArtisanResponse records the artisan's side and starts the customer's
// counter window. Late responses are accepted until the sweep escalates.
func (s *Service) SubmitArtisanResponse(ctx context.Context, actor auth.Actor, disputeID, response string) (Dispute, error) {
	if strings.TrimSpace(response) == "" {
		return Dispute{}, fault.Validationf("response text required")
	}

	return s.transition(ctx, disputeID, func(tx pgx.Tx, d Dispute) (Dispute, error) {
		if actor.ID != d.ArtisanID {
			return Dispute{}, fault.Authorizationf("only the artisan may respond to dispute %s", disputeID)
		}
		if d.Status != StatusArtisanResponsePending {
			return Dispute{}, fault.Conflictf(string(d.Status), "dispute %s is not awaiting the artisan", disputeID)
		}

		counterDeadline := s.now().Add(ResponseWindow)
		if _, err := tx.Exec(ctx, `
			UPDATE disputes
			SET artisan_response=$1, artisan_response_at=now(),
			    customer_counter_deadline=$2, status=$3, updated_at=now()
			WHERE id=$4
		`, response, counterDeadline, StatusCustomerCounterPending, disputeID); err != nil {
			return Dispute{}, fmt.Errorf("dispute: record response: %w", err)
		}
		if err := AppendTimelineTx(ctx, tx, disputeID, "artisan_responded", &actor.ID, nil); err != nil {
			return Dispute{}, err
		}

		d.Status = StatusCustomerCounterPending
		return d, nil
	})
}

// SubmitCustomerCounter records the customer's rebuttal and hands the dispute
// to review.
func (s *Service) SubmitCustomerCounter(ctx context.Context, actor auth.Actor, disputeID, counter string) (Dispute, error) {
	if strings.TrimSpace(counter) == "" {
		return Dispute{}, fault.Validationf("counter text required")
	}

	return s.transition(ctx, disputeID, func(tx pgx.Tx, d Dispute) (Dispute, error) {
		if actor.ID != d.CustomerID {
			return Dispute{}, fault.Authorizationf("only the customer may counter dispute %s", disputeID)
		}
		if d.Status != StatusCustomerCounterPending {
			return Dispute{}, fault.Conflictf(string(d.Status), "dispute %s is not awaiting the customer", disputeID)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE disputes
			SET customer_counter=$1, customer_counter_at=now(), status=$2, updated_at=now()
			WHERE id=$3
		`, counter, StatusUnderReview, disputeID); err != nil {
			return Dispute{}, fmt.Errorf("dispute: record counter: %w", err)
		}
		if err := AppendTimelineTx(ctx, tx, disputeID, "customer_countered", &actor.ID, nil); err != nil {
			return Dispute{}, err
		}

		d.Status = StatusUnderReview
		return d, nil
	})
}

// EvidenceParams describes one exhibit upload.
type EvidenceParams struct {
	MediaType   string
	URL         string
	Description string
}

// AttachEvidence stores an exhibit for either party. Legal at any point
// before resolution.
func (s *Service) AttachEvidence(ctx context.Context, actor auth.Actor, disputeID string, params EvidenceParams) (Dispute, error) {
	if params.URL == "" || params.MediaType == "" {
		return Dispute{}, fault.Validationf("evidence media type and url required")
	}

	return s.transition(ctx, disputeID, func(tx pgx.Tx, d Dispute) (Dispute, error) {
		var party string
		switch actor.ID {
		case d.CustomerID:
			party = "customer"
		case d.ArtisanID:
			party = "artisan"
		default:
			return Dispute{}, fault.Authorizationf("actor %s is not a party to dispute %s", actor.ID, disputeID)
		}
		if d.Status == StatusResolved {
			return Dispute{}, fault.Conflictf(string(d.Status), "dispute %s is resolved", disputeID)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO dispute_evidence (dispute_id, party, uploaded_by, media_type, url, description)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, disputeID, party, actor.ID, params.MediaType, params.URL, params.Description); err != nil {
			return Dispute{}, fmt.Errorf("dispute: insert evidence: %w", err)
		}
		if err := AppendTimelineTx(ctx, tx, disputeID, "evidence_attached", &actor.ID, map[string]any{
			"party":      party,
			"media_type": params.MediaType,
		}); err != nil {
			return Dispute{}, err
		}
		return d, nil
	})
}

// Ruling is an admin's resolution of a dispute.
type Ruling struct {
	Decision             string
	CustomerRefundAmount int64
	ArtisanPaymentAmount int64
	Notes                string
}

// Decide applies an admin ruling. The escrow engine moves the money first;
// only after it reports the ledger settled is the dispute marked resolved. A
// crash between the two steps is recovered by retrying Decide, which finds
// the ledger already settled and finishes the bookkeeping.
func (s *Service) Decide(ctx context.Context, actor auth.Actor, disputeID string, ruling Ruling) (Dispute, error) {
	if actor.Role != auth.RoleAdmin {
		return Dispute{}, fault.Authorizationf("only admins may decide disputes")
	}
	if strings.TrimSpace(ruling.Decision) == "" {
		return Dispute{}, fault.Validationf("decision text required")
	}

	pre, err := Load(ctx, s.pool, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if pre.Status != StatusUnderReview && pre.Status != StatusEscalated {
		return Dispute{}, fault.Conflictf(string(pre.Status), "dispute %s is not ready for a decision", disputeID)
	}

	l, err := s.engine.ApplyDisputeDecision(ctx, pre.EscrowID, escrow.Decision{
		CustomerRefundAmount: ruling.CustomerRefundAmount,
		ArtisanPaymentAmount: ruling.ArtisanPaymentAmount,
		DecidedBy:            actor.ID,
		Notes:                ruling.Notes,
	})
	if err != nil {
		// A previous Decide may have settled the ledger and crashed before
		// resolving the dispute; the conflict carries the settled state.
		settled := fault.Is(err, fault.KindConflict) &&
			(fault.CurrentState(err) == string(escrow.StatusResolved) ||
				fault.CurrentState(err) == string(escrow.StatusPartialRefund))
		if !settled {
			return Dispute{}, err
		}
		if l, err = s.engine.Get(ctx, pre.EscrowID); err != nil {
			return Dispute{}, err
		}
	}

	// Record what the ledger actually applied, not this call's input: on the
	// recovery path the crashed attempt's amounts are already on the ledger
	// and a retried ruling may not match them. The dispute payment is the
	// released amount minus what milestone payouts account for.
	refund := l.RefundedAmount
	payment := l.ReleasedAmount
	for _, r := range l.Releases {
		if r.Status == escrow.ReleaseCompleted {
			payment -= r.Amount
		}
	}

	return s.transition(ctx, disputeID, func(tx pgx.Tx, d Dispute) (Dispute, error) {
		if d.Status != StatusUnderReview && d.Status != StatusEscalated {
			return Dispute{}, fault.Conflictf(string(d.Status), "dispute %s is not ready for a decision", disputeID)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE disputes
			SET status=$1, decision=$2, customer_refund_amount=$3,
			    artisan_payment_amount=$4, decided_by=$5, decision_notes=$6,
			    updated_at=now()
			WHERE id=$7
		`, StatusResolved, ruling.Decision, refund,
			payment, actor.ID, ruling.Notes, disputeID); err != nil {
			return Dispute{}, fmt.Errorf("dispute: record decision: %w", err)
		}
		if err := AppendTimelineTx(ctx, tx, disputeID, "decided", &actor.ID, map[string]any{
			"customer_refund_amount": refund,
			"artisan_payment_amount": payment,
		}); err != nil {
			return Dispute{}, err
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicResolved, map[string]any{
			"dispute_id":  disputeID,
			"contract_id": d.ContractID,
			"escrow_id":   d.EscrowID,
		}); err != nil {
			return Dispute{}, err
		}

		d.Status = StatusResolved
		d.CustomerRefundAmount = &refund
		d.ArtisanPaymentAmount = &payment
		s.log.Infow("dispute decided", "dispute_id", disputeID,
			"refund", refund, "payment", payment)
		return d, nil
	})
}

// RunDeadlineSweep escalates disputes whose response window has lapsed.
// Returns how many were escalated. Safe to run concurrently; each dispute is
// claimed with a row lock.
func (s *Service) RunDeadlineSweep(ctx context.Context) (int, error) {
	now := s.now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("dispute: begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, contract_id, escrow_id FROM disputes
		WHERE (status=$1 AND artisan_response_deadline < $3)
		   OR (status=$2 AND customer_counter_deadline < $3)
		FOR UPDATE SKIP LOCKED
	`, StatusArtisanResponsePending, StatusCustomerCounterPending, now)
	if err != nil {
		return 0, fmt.Errorf("dispute: select lapsed: %w", err)
	}

	type lapsed struct{ id, contractID, escrowID string }
	var batch []lapsed
	for rows.Next() {
		var l lapsed
		if err := rows.Scan(&l.id, &l.contractID, &l.escrowID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("dispute: scan lapsed: %w", err)
		}
		batch = append(batch, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("dispute: iterate lapsed: %w", err)
	}

	for _, l := range batch {
		if _, err := tx.Exec(ctx, `
			UPDATE disputes SET status=$1, auto_escalated_at=$2, updated_at=now() WHERE id=$3
		`, StatusEscalated, now, l.id); err != nil {
			return 0, fmt.Errorf("dispute: escalate %s: %w", l.id, err)
		}
		if err := AppendTimelineTx(ctx, tx, l.id, "auto_escalated", nil, map[string]any{
			"lapsed_at": now,
		}); err != nil {
			return 0, err
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicEscalated, map[string]any{
			"dispute_id":  l.id,
			"contract_id": l.contractID,
			"escrow_id":   l.escrowID,
		}); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("dispute: commit sweep: %w", err)
	}
	if len(batch) > 0 {
		s.log.Infow("disputes escalated", "count", len(batch))
	}
	return len(batch), nil
}

// Get returns the dispute with evidence. Parties and admins only.
func (s *Service) Get(ctx context.Context, actor auth.Actor, disputeID string) (Dispute, error) {
	d, err := Load(ctx, s.pool, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if actor.Role != auth.RoleAdmin && actor.ID != d.CustomerID && actor.ID != d.ArtisanID {
		return Dispute{}, fault.Authorizationf("actor %s is not a party to dispute %s", actor.ID, disputeID)
	}
	return d, nil
}

// GetTimeline returns the append-only event log.
func (s *Service) GetTimeline(ctx context.Context, disputeID string) ([]TimelineEntry, error) {
	return Timeline(ctx, s.pool, disputeID)
}

// transition wraps the lock/decide/commit dance shared by the response and
// decision paths.
func (s *Service) transition(ctx context.Context, disputeID string, apply func(tx pgx.Tx, d Dispute) (Dispute, error)) (Dispute, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := lockForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	out, err := apply(tx, d)
	if err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit transition: %w", err)
	}
	return out, nil
}

func snapshotOf(c contract.Contract) map[string]any {
	milestones := make([]map[string]any, 0, len(c.Milestones))
	for _, m := range c.Milestones {
		milestones = append(milestones, map[string]any{
			"number":     m.Number,
			"title":      m.Title,
			"percentage": m.Percentage,
			"amount":     m.Amount,
		})
	}
	return map[string]any{
		"contract_id":      c.ID,
		"scope_of_work":    c.ScopeOfWork,
		"deliverables":     c.Deliverables,
		"total_amount":     c.TotalAmount,
		"platform_fee":     c.PlatformFee,
		"artisan_earnings": c.ArtisanEarnings,
		"milestones":       milestones,
		"status":           c.Status,
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
