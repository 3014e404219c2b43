// Package milestone coordinates the request/approve handshake on top of the
// escrow engine. It owns role and range checks; the engine owns state.
package milestone

import (
	"context"

	"go.uber.org/zap"

	"escrowflow/auth"
	"escrowflow/escrow"
	"escrowflow/fault"
)

// Engine is the slice of the escrow engine the workflow drives.
type Engine interface {
	RequestRelease(ctx context.Context, actorID, escrowID string, n int) (escrow.Ledger, error)
	ApproveRelease(ctx context.Context, actorID, escrowID string, n int, approve bool) (escrow.Ledger, error)
	Get(ctx context.Context, escrowID string) (escrow.Ledger, error)
}

// NextAction tells a client which milestone can move and what it is waiting
// for.
type NextAction struct {
	Milestone int    `json:"milestone"`
	Awaiting  string `json:"awaiting"` // "request" or "approval"
}

type Workflow struct {
	engine Engine
	log    *zap.SugaredLogger
}

func NewWorkflow(engine Engine, log *zap.SugaredLogger) *Workflow {
	return &Workflow{engine: engine, log: log}
}

// Request submits milestone n for customer approval. Artisan role only; the
// engine additionally verifies the actor is the contract's artisan.
func (w *Workflow) Request(ctx context.Context, actor auth.Actor, escrowID string, n int) (escrow.Ledger, error) {
	if actor.Role != auth.RoleArtisan {
		return escrow.Ledger{}, fault.Authorizationf("only artisans may request a release")
	}
	if n < 1 {
		return escrow.Ledger{}, fault.Validationf("milestone number must be positive, got %d", n)
	}
	return w.engine.RequestRelease(ctx, actor.ID, escrowID, n)
}

// Approve settles milestone n. Customer role only. approve=false records the
// rejection without changing state.
func (w *Workflow) Approve(ctx context.Context, actor auth.Actor, escrowID string, n int, approve bool) (escrow.Ledger, error) {
	if actor.Role != auth.RoleCustomer {
		return escrow.Ledger{}, fault.Authorizationf("only customers may approve a release")
	}
	if n < 1 {
		return escrow.Ledger{}, fault.Validationf("milestone number must be positive, got %d", n)
	}
	return w.engine.ApproveRelease(ctx, actor.ID, escrowID, n, approve)
}

// Next derives the actionable milestone from the ledger state. Returns a
// conflict when the sequence is finished or frozen.
func (w *Workflow) Next(ctx context.Context, escrowID string) (NextAction, error) {
	l, err := w.engine.Get(ctx, escrowID)
	if err != nil {
		return NextAction{}, err
	}
	n, awaitingApproval, ok := escrow.NextActionable(l.Status, l.MilestoneCount)
	if !ok {
		return NextAction{}, fault.Conflictf(string(l.Status), "escrow %s has no actionable milestone", escrowID)
	}
	action := NextAction{Milestone: n, Awaiting: "request"}
	if awaitingApproval {
		action.Awaiting = "approval"
	}
	return action, nil
}
