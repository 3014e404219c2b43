package contract

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/booking"
	"escrowflow/fault"
	"escrowflow/logging"
	"escrowflow/outbox"
)

// TestContractLifecycle_Integration runs against a real PostgreSQL via
// DATABASE_URL with migrations applied.
func TestContractLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var customerID, artisanID, bookingID string
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

	svc := NewService(pool, booking.NewRepository(pool), outbox.NewWriter(), logging.NewTest())

	c, err := svc.CreateDraft(ctx, customerID, DraftParams{
		BookingID:   bookingID,
		ScopeOfWork: "Rewire apartment",
		TotalAmount: 100_000,
		PlatformFee: 10_000,
		Milestones: []MilestoneTerms{
			{Title: "first fix", Percentage: 30},
			{Title: "second fix", Percentage: 40},
			{Title: "certification", Percentage: 30},
		},
	})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if got := len(c.Milestones); got != 3 {
		t.Fatalf("expected 3 milestones, got %d", got)
	}
	var sum int64
	for _, m := range c.Milestones {
		sum += m.Amount
	}
	if sum != c.TotalAmount {
		t.Fatalf("milestone amounts sum %d, want %d", sum, c.TotalAmount)
	}

	// cannot sign a draft
	if _, err := svc.Sign(ctx, customerID, c.ID, "203.0.113.7"); !fault.Is(err, fault.KindConflict) {
		t.Fatalf("expected conflict signing draft, got %v", err)
	}

	if err := svc.Send(ctx, artisanID, c.ID); err != nil {
		t.Fatalf("send: %v", err)
	}

	// either party may sign first
	if _, err := svc.Sign(ctx, artisanID, c.ID, "198.51.100.4"); err != nil {
		t.Fatalf("artisan sign: %v", err)
	}
	// same party signing twice conflicts
	if _, err := svc.Sign(ctx, artisanID, c.ID, "198.51.100.4"); !fault.Is(err, fault.KindConflict) {
		t.Fatalf("expected conflict on duplicate signature, got %v", err)
	}

	signed, err := svc.Sign(ctx, customerID, c.ID, "203.0.113.7")
	if err != nil {
		t.Fatalf("customer sign: %v", err)
	}
	if signed.Status != StatusSigned {
		t.Fatalf("expected status signed, got %s", signed.Status)
	}
	if signed.CustomerSignature == nil || signed.ArtisanSignature == nil {
		t.Fatal("expected both signatures recorded")
	}

	// cancel after signing is illegal
	if err := svc.Cancel(ctx, customerID, c.ID, "changed my mind"); !fault.Is(err, fault.KindConflict) {
		t.Fatalf("expected conflict cancelling signed contract, got %v", err)
	}

	// contract.signed fact enqueued exactly once
	var events int
	if err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox WHERE topic='contract.signed' AND payload->>'contract_id'=$1
	`, c.ID).Scan(&events); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if events != 1 {
		t.Fatalf("expected 1 contract.signed event, got %d", events)
	}

	// history is append-only and ordered
	history, err := svc.GetHistory(ctx, c.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) < 4 {
		t.Fatalf("expected at least 4 history entries, got %d", len(history))
	}
	if history[0].Status != StatusDraft || history[len(history)-1].Status != StatusSigned {
		t.Fatalf("unexpected history bounds: first=%s last=%s", history[0].Status, history[len(history)-1].Status)
	}
}
