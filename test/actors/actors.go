// Package actors holds the concurrent workloads for the stress harness. Each
// actor loops one real service operation until stopped; domain faults
// (conflicts, authorization) are expected under contention and ignored, only
// the invariant oracles judge the run.
package actors

import (
	"context"
	"math/rand"
	"time"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/outbox"
)

func wait(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-time.After(d):
		return true
	}
}

func jitter(base, spread int) time.Duration {
	return time.Duration(base+rand.Intn(spread)) * time.Millisecond
}

// Requester hammers RequestRelease with random milestone numbers. At most one
// request per milestone can win; the rest must conflict, never corrupt.
func Requester(ctx context.Context, eng *escrow.Engine, artisanID, escrowID string, count int, stop <-chan struct{}) error {
	for {
		n := 1 + rand.Intn(count)
		_, _ = eng.RequestRelease(ctx, artisanID, escrowID, n)
		if !wait(ctx, stop, jitter(10, 30)) {
			return nil
		}
	}
}

// Approver races approvals and occasional rejections against the requesters.
func Approver(ctx context.Context, eng *escrow.Engine, customerID, escrowID string, count int, stop <-chan struct{}) error {
	for {
		n := 1 + rand.Intn(count)
		approve := rand.Intn(4) != 0
		_, _ = eng.ApproveRelease(ctx, customerID, escrowID, n, approve)
		if !wait(ctx, stop, jitter(20, 40)) {
			return nil
		}
	}
}

// Disputer keeps trying to freeze the contract mid-flight. Exactly one Open
// can ever succeed; once it does every milestone operation must conflict.
func Disputer(ctx context.Context, svc *dispute.Service, customer auth.Actor, contractID string, stop <-chan struct{}) error {
	for {
		_, _ = svc.Open(ctx, customer, contractID, dispute.CategoryQuality, "stress: freeze attempt")
		if !wait(ctx, stop, jitter(150, 150)) {
			return nil
		}
	}
}

// OutboxWorker drains pending events through the relay, competing with the
// other workers for the same rows.
func OutboxWorker(ctx context.Context, relay *outbox.Relay, stop <-chan struct{}) error {
	for {
		_ = relay.DrainOnce(ctx)
		if !wait(ctx, stop, jitter(50, 100)) {
			return nil
		}
	}
}

// Sweeper runs the deadline sweep on a tight loop so escalation races the
// response submissions.
func Sweeper(ctx context.Context, svc *dispute.Service, stop <-chan struct{}) error {
	for {
		_, _ = svc.RunDeadlineSweep(ctx)
		if !wait(ctx, stop, jitter(200, 200)) {
			return nil
		}
	}
}

// Reader hammers consistent reads while writers churn.
func Reader(ctx context.Context, eng *escrow.Engine, escrowID string, stop <-chan struct{}) error {
	for {
		_, _ = eng.Get(ctx, escrowID)
		_, _ = eng.GetHistory(ctx, escrowID)
		if !wait(ctx, stop, jitter(15, 30)) {
			return nil
		}
	}
}
