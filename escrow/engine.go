package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"escrowflow/contract"
	"escrowflow/fault"
	"escrowflow/gateway"
	"escrowflow/outbox"
)

// Engine enforces legal escrow ledger transitions. Gateway calls and ledger
// writes are never one atomic step; each money move is a saga: write the
// intent, call the gateway under a deterministic reference, write the
// outcome. A failed gateway call leaves the ledger state unchanged.
type Engine struct {
	pool   *pgxpool.Pool
	gw     gateway.PaymentGateway
	outbox outbox.Enqueuer
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewEngine(pool *pgxpool.Pool, gw gateway.PaymentGateway, ob outbox.Enqueuer, log *zap.SugaredLogger) *Engine {
	return &Engine{
		pool:   pool,
		gw:     gw,
		outbox: ob,
		log:    log,
		now:    time.Now,
	}
}

// WithClock overrides the engine clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CreateForContract opens the ledger for a signed contract. Idempotent: if a
// ledger already exists it is returned unchanged.
func (e *Engine) CreateForContract(ctx context.Context, actorID, contractID string) (Ledger, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Ledger{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := contract.Load(ctx, tx, contractID)
	if err != nil {
		return Ledger{}, err
	}
	if actorID != c.CustomerID {
		return Ledger{}, fault.Authorizationf("only the customer may create escrow for contract %s", contractID)
	}

	// Idempotency before the status gate: a retry after success must see
	// the existing ledger, not a conflict from the now-active contract.
	existing, err := LoadByContract(ctx, tx, contractID)
	if err == nil {
		return existing, nil
	}
	if !fault.Is(err, fault.KindNotFound) {
		return Ledger{}, err
	}

	if c.Status != contract.StatusSigned {
		return Ledger{}, fault.Conflictf(string(c.Status), "contract %s is not signed", contractID)
	}

	var l Ledger
	if err := tx.QueryRow(ctx, `
		INSERT INTO escrow_ledgers (contract_id, total_amount, platform_fee, milestone_count)
		VALUES ($1, $2, $3, $4)
		RETURNING id, contract_id, total_amount, platform_fee,
		          funded_amount, released_amount, refunded_amount,
		          milestone_count, status, funding_reference, created_at, updated_at
	`, contractID, c.TotalAmount, c.PlatformFee, len(c.Milestones)).Scan(
		&l.ID, &l.ContractID, &l.TotalAmount, &l.PlatformFee,
		&l.FundedAmount, &l.ReleasedAmount, &l.RefundedAmount,
		&l.MilestoneCount, &l.Status, &l.FundingReference, &l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return Ledger{}, fmt.Errorf("escrow: insert ledger: %w", err)
	}

	if err := AppendHistoryTx(ctx, tx, l.ID, StatusCreated, "ledger created", &actorID); err != nil {
		return Ledger{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Ledger{}, fmt.Errorf("escrow: commit create: %w", err)
	}

	e.log.Infow("escrow created", "escrow_id", l.ID, "contract_id", contractID, "total", l.TotalAmount)
	return l, nil
}

// InitiateFunding asks the gateway for a charge authorization URL. No ledger
// state changes until the charge is verified by Fund.
func (e *Engine) InitiateFunding(ctx context.Context, actorID, escrowID string) (string, error) {
	l, err := Load(ctx, e.pool, escrowID)
	if err != nil {
		return "", err
	}
	c, err := contract.Load(ctx, e.pool, l.ContractID)
	if err != nil {
		return "", err
	}
	if actorID != c.CustomerID {
		return "", fault.Authorizationf("only the customer may fund escrow %s", escrowID)
	}
	if l.Status != StatusCreated {
		return "", fault.Conflictf(string(l.Status), "escrow %s is not awaiting funding", escrowID)
	}

	return e.gw.InitializeCharge(ctx, l.TotalAmount, gateway.FundReference(l.ContractID), map[string]string{
		"contract_id": l.ContractID,
		"escrow_id":   l.ID,
	})
}

// Fund verifies the charge under the given reference and, on success, marks
// the ledger funded and the contract active. A retry with the reference that
// already funded the ledger is a no-op returning the current ledger.
func (e *Engine) Fund(ctx context.Context, actorID, escrowID, reference string) (Ledger, error) {
	if reference == "" {
		return Ledger{}, fault.Validationf("gateway reference required")
	}

	pre, err := Load(ctx, e.pool, escrowID)
	if err != nil {
		return Ledger{}, err
	}
	c, err := contract.Load(ctx, e.pool, pre.ContractID)
	if err != nil {
		return Ledger{}, err
	}
	if actorID != c.CustomerID {
		return Ledger{}, fault.Authorizationf("only the customer may fund escrow %s", escrowID)
	}
	if pre.Status != StatusCreated {
		if pre.FundingReference != nil && *pre.FundingReference == reference {
			return pre, nil
		}
		return Ledger{}, fault.Conflictf(string(pre.Status), "escrow %s is not awaiting funding", escrowID)
	}

	// Externally blocking I/O happens outside any transaction.
	charge, err := e.gw.VerifyCharge(ctx, reference)
	if err != nil {
		return Ledger{}, err
	}
	if !charge.Success {
		return Ledger{}, fault.Validationf("charge %s was not successful", reference)
	}
	if charge.Amount < pre.TotalAmount {
		return Ledger{}, fault.Validationf("charge %s amount %d below contract total %d", reference, charge.Amount, pre.TotalAmount)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Ledger{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := lockForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Ledger{}, err
	}
	if l.Status != StatusCreated {
		// Raced with another funder; the reference check above covers the
		// idempotent replay, anything else is a genuine conflict.
		if l.FundingReference != nil && *l.FundingReference == reference {
			return l, nil
		}
		return Ledger{}, fault.Conflictf(string(l.Status), "escrow %s is not awaiting funding", escrowID)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE escrow_ledgers
		SET funded_amount=total_amount, status=$1, funding_reference=$2, updated_at=now()
		WHERE id=$3
	`, StatusFunded, reference, escrowID); err != nil {
		return Ledger{}, fmt.Errorf("escrow: mark funded: %w", err)
	}
	if err := recordReceipt(ctx, tx, reference, "charge", l.TotalAmount, true, nil); err != nil {
		return Ledger{}, err
	}
	if err := AppendHistoryTx(ctx, tx, escrowID, StatusFunded, "escrow funded", &actorID); err != nil {
		return Ledger{}, err
	}
	if err := contract.TransitionTx(ctx, tx, l.ContractID, contract.StatusActive, "escrow funded", &actorID); err != nil {
		return Ledger{}, err
	}
	if err := e.outbox.Enqueue(ctx, tx, TopicFunded, map[string]any{
		"escrow_id":   escrowID,
		"contract_id": l.ContractID,
	}); err != nil {
		return Ledger{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Ledger{}, fmt.Errorf("escrow: commit funding: %w", err)
	}

	e.log.Infow("escrow funded", "escrow_id", escrowID, "reference", reference)
	return Load(ctx, e.pool, escrowID)
}

// RequestRelease moves the ledger into milestone_n_pending. Legal only from
// the state immediately preceding milestone n and only for the artisan.
// At-most-one-in-flight: a second request while pending conflicts.
func (e *Engine) RequestRelease(ctx context.Context, actorID, escrowID string, n int) (Ledger, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Ledger{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := lockForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Ledger{}, err
	}
	if n < 1 || n > l.MilestoneCount {
		return Ledger{}, fault.Validationf("milestone %d out of range [1, %d]", n, l.MilestoneCount)
	}

	c, err := contract.Load(ctx, tx, l.ContractID)
	if err != nil {
		return Ledger{}, err
	}
	if actorID != c.ArtisanID {
		return Ledger{}, fault.Authorizationf("only the artisan may request a release")
	}

	if l.Status != RequestPrecondition(n) {
		return Ledger{}, fault.Conflictf(string(l.Status), "milestone %d cannot be requested", n)
	}

	next := MilestonePending(n)
	if _, err := tx.Exec(ctx, `
		UPDATE escrow_ledgers SET status=$1, updated_at=now() WHERE id=$2
	`, next, escrowID); err != nil {
		return Ledger{}, fmt.Errorf("escrow: mark pending: %w", err)
	}
	if err := AppendHistoryTx(ctx, tx, escrowID, next, fmt.Sprintf("milestone %d release requested", n), &actorID); err != nil {
		return Ledger{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Ledger{}, fmt.Errorf("escrow: commit request: %w", err)
	}

	l.Status = next
	e.log.Infow("release requested", "escrow_id", escrowID, "milestone", n)
	return l, nil
}

// ApproveRelease settles milestone n. Approval pays the artisan and advances
// the sequence; rejection is a recorded signal with no state change, left to
// prompt a dispute filing.
func (e *Engine) ApproveRelease(ctx context.Context, actorID, escrowID string, n int, approve bool) (Ledger, error) {
	intent, err := e.prepareRelease(ctx, actorID, escrowID, n, approve)
	if err != nil || !approve {
		return intent.ledger, err
	}

	transferRef, gwErr := e.gw.Payout(ctx, intent.amount, intent.artisanID, intent.reference)
	if gwErr != nil {
		if failErr := e.failRelease(ctx, escrowID, n); failErr != nil {
			e.log.Errorw("mark release failed", "escrow_id", escrowID, "milestone", n, "err", failErr)
		}
		return Ledger{}, gwErr
	}

	return e.completeRelease(ctx, actorID, escrowID, n, intent, transferRef)
}

type releaseIntent struct {
	ledger    Ledger
	amount    int64
	artisanID string
	reference string
}

// prepareRelease validates the approval and writes the intent row. For a
// rejection it records the signal and returns with approve=false.
func (e *Engine) prepareRelease(ctx context.Context, actorID, escrowID string, n int, approve bool) (releaseIntent, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return releaseIntent{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := lockForUpdate(ctx, tx, escrowID)
	if err != nil {
		return releaseIntent{}, err
	}
	if n < 1 || n > l.MilestoneCount {
		return releaseIntent{}, fault.Validationf("milestone %d out of range [1, %d]", n, l.MilestoneCount)
	}
	if l.Status != MilestonePending(n) {
		return releaseIntent{}, fault.Conflictf(string(l.Status), "milestone %d is not awaiting approval", n)
	}

	c, err := contract.Load(ctx, tx, l.ContractID)
	if err != nil {
		return releaseIntent{}, err
	}
	if actorID != c.CustomerID {
		return releaseIntent{}, fault.Authorizationf("only the customer may approve a release")
	}

	if !approve {
		if err := AppendHistoryTx(ctx, tx, escrowID, l.Status, fmt.Sprintf("milestone %d release rejected", n), &actorID); err != nil {
			return releaseIntent{}, err
		}
		if err := e.outbox.Enqueue(ctx, tx, TopicMilestoneRejected, map[string]any{
			"escrow_id":   escrowID,
			"contract_id": l.ContractID,
			"milestone":   n,
		}); err != nil {
			return releaseIntent{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return releaseIntent{}, fmt.Errorf("escrow: commit rejection: %w", err)
		}
		e.log.Infow("release rejected", "escrow_id", escrowID, "milestone", n)
		return releaseIntent{ledger: l}, nil
	}

	var amount int64
	found := false
	for _, m := range c.Milestones {
		if m.Number == n {
			amount, found = m.Amount, true
			break
		}
	}
	if !found {
		return releaseIntent{}, fault.Validationf("contract %s has no milestone %d", l.ContractID, n)
	}

	reference := gateway.PayoutReference(l.ContractID, n)

	// Intent row. The unique (escrow_id, milestone_number) constraint plus
	// the status gate above guarantee at most one settlement per milestone;
	// a retry after a gateway failure revives the failed row.
	if _, err := tx.Exec(ctx, `
		INSERT INTO escrow_releases (escrow_id, milestone_number, amount, released_by, payout_reference)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (escrow_id, milestone_number)
		DO UPDATE SET status='processing', released_by=EXCLUDED.released_by
		WHERE escrow_releases.status = 'failed'
	`, escrowID, n, amount, actorID, reference); err != nil {
		return releaseIntent{}, fmt.Errorf("escrow: write release intent: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return releaseIntent{}, fmt.Errorf("escrow: commit intent: %w", err)
	}

	return releaseIntent{ledger: l, amount: amount, artisanID: c.ArtisanID, reference: reference}, nil
}

func (e *Engine) failRelease(ctx context.Context, escrowID string, n int) error {
	_, err := e.pool.Exec(ctx, `
		UPDATE escrow_releases SET status='failed'
		WHERE escrow_id=$1 AND milestone_number=$2 AND status='processing'
	`, escrowID, n)
	return err
}

func (e *Engine) completeRelease(ctx context.Context, actorID, escrowID string, n int, intent releaseIntent, transferRef string) (Ledger, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Ledger{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := lockForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Ledger{}, err
	}
	if l.Status != MilestonePending(n) {
		// The payout went through but the ledger moved underneath us.
		// Record the receipt so a retry cannot double-pay, then surface
		// the conflict for reconciliation.
		if err := recordReceipt(ctx, tx, intent.reference, "payout", intent.amount, true, &transferRef); err != nil {
			return Ledger{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Ledger{}, fmt.Errorf("escrow: commit receipt: %w", err)
		}
		return Ledger{}, fault.Conflictf(string(l.Status), "ledger moved during milestone %d payout", n)
	}

	next := AfterRelease(n, l.MilestoneCount)
	if _, err := tx.Exec(ctx, `
		UPDATE escrow_releases
		SET status='completed', transfer_ref=$1, completed_at=now()
		WHERE escrow_id=$2 AND milestone_number=$3
	`, transferRef, escrowID, n); err != nil {
		return Ledger{}, fmt.Errorf("escrow: complete release: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE escrow_ledgers
		SET released_amount = released_amount + $1, status=$2, updated_at=now()
		WHERE id=$3
	`, intent.amount, next, escrowID); err != nil {
		return Ledger{}, fmt.Errorf("escrow: apply release: %w", err)
	}
	if err := recordReceipt(ctx, tx, intent.reference, "payout", intent.amount, true, &transferRef); err != nil {
		return Ledger{}, err
	}
	if err := AppendHistoryTx(ctx, tx, escrowID, next, fmt.Sprintf("milestone %d released", n), &actorID); err != nil {
		return Ledger{}, err
	}
	if next == StatusCompleted {
		if err := contract.TransitionTx(ctx, tx, l.ContractID, contract.StatusCompleted, "all milestones released", &actorID); err != nil {
			return Ledger{}, err
		}
	}
	if err := e.outbox.Enqueue(ctx, tx, TopicMilestoneReleased, map[string]any{
		"escrow_id":   escrowID,
		"contract_id": l.ContractID,
		"milestone":   n,
	}); err != nil {
		return Ledger{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Ledger{}, fmt.Errorf("escrow: commit release: %w", err)
	}

	e.log.Infow("milestone released", "escrow_id", escrowID, "milestone", n, "amount", intent.amount, "status", next)
	return Load(ctx, e.pool, escrowID)
}

// ApplyDisputeDecision is the only entry point that moves amounts while the
// ledger is disputed. The decision's sum may not exceed the un-released
// balance; refund and payout each run as their own receipt-guarded saga so a
// crash between them resumes where it stopped.
func (e *Engine) ApplyDisputeDecision(ctx context.Context, escrowID string, d Decision) (Ledger, error) {
	if d.CustomerRefundAmount < 0 || d.ArtisanPaymentAmount < 0 {
		return Ledger{}, fault.Validationf("decision amounts must be non-negative")
	}

	pre, err := Load(ctx, e.pool, escrowID)
	if err != nil {
		return Ledger{}, err
	}
	if pre.Status != StatusDisputed {
		return Ledger{}, fault.Conflictf(string(pre.Status), "escrow %s is not disputed", escrowID)
	}
	remaining := pre.FundedAmount - pre.ReleasedAmount
	if d.CustomerRefundAmount+d.ArtisanPaymentAmount > remaining {
		return Ledger{}, fault.Validationf("decision total %d exceeds un-released balance %d",
			d.CustomerRefundAmount+d.ArtisanPaymentAmount, remaining)
	}

	c, err := contract.Load(ctx, e.pool, pre.ContractID)
	if err != nil {
		return Ledger{}, err
	}

	// Each leg claims its receipt row before touching the gateway. A crash
	// between the call and the outcome write leaves an unsuccessful claim; the
	// retry revives it and repeats the call under the same reference, which
	// the gateway recognizes instead of moving the money twice.
	refundRef := gateway.RefundReference(pre.ContractID)
	if d.CustomerRefundAmount > 0 {
		claimed, err := claimReceipt(ctx, e.pool, refundRef, "refund", d.CustomerRefundAmount)
		if err != nil {
			return Ledger{}, err
		}
		if claimed {
			chargeRef := gateway.FundReference(pre.ContractID)
			if pre.FundingReference != nil {
				chargeRef = *pre.FundingReference
			}
			if err := e.gw.Refund(ctx, d.CustomerRefundAmount, chargeRef, refundRef); err != nil {
				return Ledger{}, err
			}
			if err := e.writeReceipt(ctx, refundRef, "refund", d.CustomerRefundAmount, nil); err != nil {
				return Ledger{}, err
			}
		}
	}

	payoutRef := gateway.DisputePayoutReference(pre.ContractID)
	var transferRef *string
	if d.ArtisanPaymentAmount > 0 {
		claimed, err := claimReceipt(ctx, e.pool, payoutRef, "payout", d.ArtisanPaymentAmount)
		if err != nil {
			return Ledger{}, err
		}
		if claimed {
			ref, err := e.gw.Payout(ctx, d.ArtisanPaymentAmount, c.ArtisanID, payoutRef)
			if err != nil {
				return Ledger{}, err
			}
			transferRef = &ref
			if err := e.writeReceipt(ctx, payoutRef, "payout", d.ArtisanPaymentAmount, transferRef); err != nil {
				return Ledger{}, err
			}
		}
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Ledger{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := lockForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Ledger{}, err
	}
	if l.Status != StatusDisputed {
		return Ledger{}, fault.Conflictf(string(l.Status), "escrow %s is not disputed", escrowID)
	}

	final := StatusResolved
	if d.CustomerRefundAmount > 0 && d.ArtisanPaymentAmount > 0 {
		final = StatusPartialRefund
	}

	if _, err := tx.Exec(ctx, `
		UPDATE escrow_ledgers
		SET refunded_amount = refunded_amount + $1,
		    released_amount = released_amount + $2,
		    status=$3, updated_at=now()
		WHERE id=$4
	`, d.CustomerRefundAmount, d.ArtisanPaymentAmount, final, escrowID); err != nil {
		return Ledger{}, fmt.Errorf("escrow: apply decision: %w", err)
	}
	note := fmt.Sprintf("dispute decision applied: refund %d, payment %d", d.CustomerRefundAmount, d.ArtisanPaymentAmount)
	if err := AppendHistoryTx(ctx, tx, escrowID, final, note, &d.DecidedBy); err != nil {
		return Ledger{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Ledger{}, fmt.Errorf("escrow: commit decision: %w", err)
	}

	e.log.Infow("dispute decision applied", "escrow_id", escrowID, "refund", d.CustomerRefundAmount, "payment", d.ArtisanPaymentAmount, "status", final)
	return Load(ctx, e.pool, escrowID)
}

// writeReceipt records a gateway outcome outside a larger transaction.
func (e *Engine) writeReceipt(ctx context.Context, reference, purpose string, amount int64, externalRef *string) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := recordReceipt(ctx, tx, reference, purpose, amount, true, externalRef); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Get returns the ledger with its releases; the actor must be a contract
// party or an admin check must have happened at the boundary.
func (e *Engine) Get(ctx context.Context, escrowID string) (Ledger, error) {
	return Load(ctx, e.pool, escrowID)
}

// GetByContract returns the ledger owned by the contract.
func (e *Engine) GetByContract(ctx context.Context, contractID string) (Ledger, error) {
	return LoadByContract(ctx, e.pool, contractID)
}

// GetHistory returns the append-only status log.
func (e *Engine) GetHistory(ctx context.Context, escrowID string) ([]HistoryEntry, error) {
	return History(ctx, e.pool, escrowID)
}
