package escrow

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/booking"
	"escrowflow/contract"
	"escrowflow/fault"
	"escrowflow/gateway"
	"escrowflow/logging"
	"escrowflow/outbox"
)

// scriptedGateway is an in-process stand-in for the payment provider. Every
// call is recorded; payouts can be made to fail on demand.
type scriptedGateway struct {
	failPayouts   atomic.Bool
	payoutCalls   atomic.Int64
	refundCalls   atomic.Int64
	lastRefundRef atomic.Value
}

func (g *scriptedGateway) InitializeCharge(_ context.Context, amount int64, reference string, _ map[string]string) (string, error) {
	return "https://gateway.test/pay/" + reference, nil
}

func (g *scriptedGateway) VerifyCharge(_ context.Context, reference string) (gateway.Charge, error) {
	return gateway.Charge{Success: true, Amount: 1_000_000_000}, nil
}

func (g *scriptedGateway) Payout(_ context.Context, amount int64, _ string, reference string) (string, error) {
	g.payoutCalls.Add(1)
	if g.failPayouts.Load() {
		return "", fault.Gateway("transfer declined", nil)
	}
	return "trf_" + reference, nil
}

func (g *scriptedGateway) Refund(_ context.Context, amount int64, transaction, reference string) error {
	g.refundCalls.Add(1)
	g.lastRefundRef.Store(reference)
	return nil
}

// TestEscrowLifecycle_Integration walks a three-milestone 30/40/30 split of
// 100,000 through funding, release, a gateway outage, and completion against
// a real PostgreSQL via DATABASE_URL.
func TestEscrowLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	customerID, artisanID, c := seedSignedContract(ctx, t, pool)

	gw := &scriptedGateway{}
	eng := NewEngine(pool, gw, outbox.NewWriter(), logging.NewTest())

	l, err := eng.CreateForContract(ctx, customerID, c.ID)
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if l.Status != StatusCreated || l.MilestoneCount != 3 {
		t.Fatalf("unexpected ledger after create: status=%s count=%d", l.Status, l.MilestoneCount)
	}

	// create is idempotent
	again, err := eng.CreateForContract(ctx, customerID, c.ID)
	if err != nil || again.ID != l.ID {
		t.Fatalf("expected same ledger on repeat create, got id=%s err=%v", again.ID, err)
	}

	// artisan cannot fund
	if _, err := eng.Fund(ctx, artisanID, l.ID, gateway.FundReference(c.ID)); !fault.Is(err, fault.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}

	ref := gateway.FundReference(c.ID)
	l, err = eng.Fund(ctx, customerID, l.ID, ref)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if l.Status != StatusFunded || l.FundedAmount != 100_000 {
		t.Fatalf("unexpected ledger after fund: status=%s funded=%d", l.Status, l.FundedAmount)
	}

	// re-fund with the same reference is a no-op
	if _, err := eng.Fund(ctx, customerID, l.ID, ref); err != nil {
		t.Fatalf("idempotent re-fund: %v", err)
	}

	// funding flips the contract active
	cNow, err := contract.Load(ctx, pool, c.ID)
	if err != nil || cNow.Status != contract.StatusActive {
		t.Fatalf("expected active contract, got status=%v err=%v", cNow.Status, err)
	}

	// concurrent release requests for milestone 1: exactly one wins
	var wins, conflicts atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			_, err := eng.RequestRelease(gctx, artisanID, l.ID, 1)
			switch {
			case err == nil:
				wins.Add(1)
			case fault.Is(err, fault.KindConflict):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent request: %v", err)
	}
	if wins.Load() != 1 || conflicts.Load() != 3 {
		t.Fatalf("expected 1 win / 3 conflicts, got %d / %d", wins.Load(), conflicts.Load())
	}

	// gateway outage: approval fails, ledger stays pending, nothing released
	gw.failPayouts.Store(true)
	if _, err := eng.ApproveRelease(ctx, customerID, l.ID, 1, true); !fault.Is(err, fault.KindGateway) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	l, err = eng.Get(ctx, l.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if l.Status != MilestonePending(1) || l.ReleasedAmount != 0 {
		t.Fatalf("outage must not move the ledger: status=%s released=%d", l.Status, l.ReleasedAmount)
	}

	// retry after recovery reuses the deterministic reference and succeeds
	gw.failPayouts.Store(false)
	l, err = eng.ApproveRelease(ctx, customerID, l.ID, 1, true)
	if err != nil {
		t.Fatalf("retry approve: %v", err)
	}
	if l.Status != MilestoneReleased(1) || l.ReleasedAmount != 30_000 {
		t.Fatalf("unexpected ledger after milestone 1: status=%s released=%d", l.Status, l.ReleasedAmount)
	}

	// approving the same milestone again conflicts and moves no money
	if _, err := eng.ApproveRelease(ctx, customerID, l.ID, 1, true); !fault.Is(err, fault.KindConflict) {
		t.Fatalf("expected conflict on double approve, got %v", err)
	}
	l, _ = eng.Get(ctx, l.ID)
	if l.ReleasedAmount != 30_000 {
		t.Fatalf("double approve moved money: released=%d", l.ReleasedAmount)
	}

	// milestone 2: rejection records the signal without a state change
	if _, err := eng.RequestRelease(ctx, artisanID, l.ID, 2); err != nil {
		t.Fatalf("request milestone 2: %v", err)
	}
	l, err = eng.ApproveRelease(ctx, customerID, l.ID, 2, false)
	if err != nil {
		t.Fatalf("reject milestone 2: %v", err)
	}
	if l.Status != MilestonePending(2) {
		t.Fatalf("rejection must not move the ledger, got %s", l.Status)
	}

	// the customer can still approve after a rejection
	if l, err = eng.ApproveRelease(ctx, customerID, l.ID, 2, true); err != nil {
		t.Fatalf("approve milestone 2: %v", err)
	}
	if l.ReleasedAmount != 70_000 {
		t.Fatalf("expected 70000 released, got %d", l.ReleasedAmount)
	}

	// milestone 3 completes the sequence and the contract
	if _, err := eng.RequestRelease(ctx, artisanID, l.ID, 3); err != nil {
		t.Fatalf("request milestone 3: %v", err)
	}
	if l, err = eng.ApproveRelease(ctx, customerID, l.ID, 3, true); err != nil {
		t.Fatalf("approve milestone 3: %v", err)
	}
	if l.Status != StatusCompleted || l.ReleasedAmount != 100_000 {
		t.Fatalf("unexpected final ledger: status=%s released=%d", l.Status, l.ReleasedAmount)
	}
	cNow, _ = contract.Load(ctx, pool, c.ID)
	if cNow.Status != contract.StatusCompleted {
		t.Fatalf("expected completed contract, got %s", cNow.Status)
	}

	// conservation: funded == released + refunded at completion
	if l.FundedAmount != l.ReleasedAmount+l.RefundedAmount {
		t.Fatalf("conservation violated: funded=%d released=%d refunded=%d",
			l.FundedAmount, l.ReleasedAmount, l.RefundedAmount)
	}

	// exactly one completed release row per milestone
	var completed int
	if err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM escrow_releases WHERE escrow_id=$1 AND status='completed'
	`, l.ID).Scan(&completed); err != nil {
		t.Fatalf("count releases: %v", err)
	}
	if completed != 3 {
		t.Fatalf("expected 3 completed releases, got %d", completed)
	}
}

// TestDisputeDecision_Integration freezes a funded ledger and applies a split
// decision, checking the cap and the receipt-guarded money moves.
func TestDisputeDecision_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	customerID, artisanID, c := seedSignedContract(ctx, t, pool)

	gw := &scriptedGateway{}
	eng := NewEngine(pool, gw, outbox.NewWriter(), logging.NewTest())

	l, err := eng.CreateForContract(ctx, customerID, c.ID)
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if l, err = eng.Fund(ctx, customerID, l.ID, gateway.FundReference(c.ID)); err != nil {
		t.Fatalf("fund: %v", err)
	}

	// release milestone 1 so 70,000 remains in escrow
	if _, err := eng.RequestRelease(ctx, artisanID, l.ID, 1); err != nil {
		t.Fatalf("request: %v", err)
	}
	if l, err = eng.ApproveRelease(ctx, customerID, l.ID, 1, true); err != nil {
		t.Fatalf("approve: %v", err)
	}

	var adminID string
	if err := pool.QueryRow(ctx, `SELECT gen_random_uuid()::text`).Scan(&adminID); err != nil {
		t.Fatalf("gen admin id: %v", err)
	}

	// decisions are illegal outside the disputed state
	if _, err := eng.ApplyDisputeDecision(ctx, l.ID, Decision{CustomerRefundAmount: 1, DecidedBy: adminID}); !fault.Is(err, fault.KindConflict) {
		t.Fatalf("expected conflict outside dispute, got %v", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := TransitionToDisputedTx(ctx, tx, l.ID, &customerID); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit freeze: %v", err)
	}

	// the decision may not exceed the un-released balance
	if _, err := eng.ApplyDisputeDecision(ctx, l.ID, Decision{
		CustomerRefundAmount: 50_000,
		ArtisanPaymentAmount: 30_000,
		DecidedBy:            adminID,
	}); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("expected validation error on over-cap decision, got %v", err)
	}

	l, err = eng.ApplyDisputeDecision(ctx, l.ID, Decision{
		CustomerRefundAmount: 40_000,
		ArtisanPaymentAmount: 30_000,
		DecidedBy:            adminID,
	})
	if err != nil {
		t.Fatalf("apply decision: %v", err)
	}
	if l.Status != StatusPartialRefund {
		t.Fatalf("expected partial_refund, got %s", l.Status)
	}
	if l.RefundedAmount != 40_000 || l.ReleasedAmount != 60_000 {
		t.Fatalf("unexpected amounts: refunded=%d released=%d", l.RefundedAmount, l.ReleasedAmount)
	}
	if l.FundedAmount != l.ReleasedAmount+l.RefundedAmount {
		t.Fatalf("conservation violated after decision")
	}
	if gw.refundCalls.Load() != 1 || gw.payoutCalls.Load() != 2 {
		t.Fatalf("unexpected gateway calls: refunds=%d payouts=%d", gw.refundCalls.Load(), gw.payoutCalls.Load())
	}
}

// TestDisputeDecisionRefundRunsOnce_Integration interrupts a split decision
// between the refund and payout legs and retries it, checking that the refund
// is issued exactly once and under its deterministic reference.
func TestDisputeDecisionRefundRunsOnce_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	customerID, _, c := seedSignedContract(ctx, t, pool)

	gw := &scriptedGateway{}
	eng := NewEngine(pool, gw, outbox.NewWriter(), logging.NewTest())

	l, err := eng.CreateForContract(ctx, customerID, c.ID)
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if l, err = eng.Fund(ctx, customerID, l.ID, gateway.FundReference(c.ID)); err != nil {
		t.Fatalf("fund: %v", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := TransitionToDisputedTx(ctx, tx, l.ID, &customerID); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit freeze: %v", err)
	}

	var adminID string
	if err := pool.QueryRow(ctx, `SELECT gen_random_uuid()::text`).Scan(&adminID); err != nil {
		t.Fatalf("gen admin id: %v", err)
	}

	// first attempt dies after the refund leg: the payout is declined
	gw.failPayouts.Store(true)
	decision := Decision{
		CustomerRefundAmount: 40_000,
		ArtisanPaymentAmount: 60_000,
		DecidedBy:            adminID,
	}
	if _, err := eng.ApplyDisputeDecision(ctx, l.ID, decision); !fault.Is(err, fault.KindGateway) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if gw.refundCalls.Load() != 1 {
		t.Fatalf("expected 1 refund call after interrupted attempt, got %d", gw.refundCalls.Load())
	}
	if ref := gw.lastRefundRef.Load(); ref != gateway.RefundReference(c.ID) {
		t.Fatalf("refund must carry its deterministic reference, got %v", ref)
	}

	// the interrupted attempt must not have touched the ledger
	if l, err = eng.Get(ctx, l.ID); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if l.Status != StatusDisputed || l.RefundedAmount != 0 {
		t.Fatalf("interrupted decision moved the ledger: status=%s refunded=%d", l.Status, l.RefundedAmount)
	}

	// the retry completes the payout but must not refund again
	gw.failPayouts.Store(false)
	if l, err = eng.ApplyDisputeDecision(ctx, l.ID, decision); err != nil {
		t.Fatalf("retry decision: %v", err)
	}
	if l.Status != StatusPartialRefund || l.RefundedAmount != 40_000 || l.ReleasedAmount != 60_000 {
		t.Fatalf("unexpected ledger after retry: status=%s refunded=%d released=%d",
			l.Status, l.RefundedAmount, l.ReleasedAmount)
	}
	if gw.refundCalls.Load() != 1 {
		t.Fatalf("retried decision refunded twice: %d refund calls", gw.refundCalls.Load())
	}

	// the receipt row pins the move even for a direct re-apply
	if _, err := eng.ApplyDisputeDecision(ctx, l.ID, decision); !fault.Is(err, fault.KindConflict) {
		t.Fatalf("expected conflict on settled ledger, got %v", err)
	}
	if gw.refundCalls.Load() != 1 {
		t.Fatalf("settled ledger still reached the gateway: %d refund calls", gw.refundCalls.Load())
	}
}

func seedSignedContract(ctx context.Context, t *testing.T, pool *pgxpool.Pool) (customerID, artisanID string, c contract.Contract) {
	t.Helper()

	var bookingID string
	if err := pool.QueryRow(ctx, `SELECT gen_random_uuid()::text`).Scan(&customerID); err != nil {
		t.Fatalf("gen customer id: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT gen_random_uuid()::text`).Scan(&artisanID); err != nil {
		t.Fatalf("gen artisan id: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO bookings (customer_id, artisan_id, status) VALUES ($1,$2,'accepted') RETURNING id
	`, customerID, artisanID).Scan(&bookingID); err != nil {
		t.Fatalf("seed booking: %v", err)
	}

	svc := contract.NewService(pool, booking.NewRepository(pool), outbox.NewWriter(), logging.NewTest())
	c, err := svc.CreateDraft(ctx, customerID, contract.DraftParams{
		BookingID:   bookingID,
		ScopeOfWork: fmt.Sprintf("Kitchen renovation %s", bookingID[:8]),
		TotalAmount: 100_000,
		PlatformFee: 10_000,
		Milestones: []contract.MilestoneTerms{
			{Title: "demolition", Percentage: 30},
			{Title: "installation", Percentage: 40},
			{Title: "finishing", Percentage: 30},
		},
	})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if err := svc.Send(ctx, customerID, c.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.Sign(ctx, customerID, c.ID, "203.0.113.7"); err != nil {
		t.Fatalf("customer sign: %v", err)
	}
	if c, err = svc.Sign(ctx, artisanID, c.ID, "198.51.100.4"); err != nil {
		t.Fatalf("artisan sign: %v", err)
	}
	return customerID, artisanID, c
}
