package milestone

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/auth"
	"escrowflow/escrow"
	"escrowflow/fault"
	"escrowflow/logging"
)

type fakeEngine struct {
	ledger       escrow.Ledger
	requested    []int
	approved     []int
	lastApproval bool
}

func (f *fakeEngine) RequestRelease(_ context.Context, _, _ string, n int) (escrow.Ledger, error) {
	f.requested = append(f.requested, n)
	return f.ledger, nil
}

func (f *fakeEngine) ApproveRelease(_ context.Context, _, _ string, n int, approve bool) (escrow.Ledger, error) {
	f.approved = append(f.approved, n)
	f.lastApproval = approve
	return f.ledger, nil
}

func (f *fakeEngine) Get(_ context.Context, _ string) (escrow.Ledger, error) {
	return f.ledger, nil
}

func TestRequestRequiresArtisanRole(t *testing.T) {
	eng := &fakeEngine{}
	w := NewWorkflow(eng, logging.NewTest())

	_, err := w.Request(context.Background(), auth.Actor{ID: "u1", Role: auth.RoleCustomer}, "e1", 1)
	assert.True(t, fault.Is(err, fault.KindAuthorization))
	assert.Empty(t, eng.requested, "engine must not be reached")

	_, err = w.Request(context.Background(), auth.Actor{ID: "u2", Role: auth.RoleArtisan}, "e1", 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, eng.requested)
}

func TestApproveRequiresCustomerRole(t *testing.T) {
	eng := &fakeEngine{}
	w := NewWorkflow(eng, logging.NewTest())

	_, err := w.Approve(context.Background(), auth.Actor{ID: "u1", Role: auth.RoleArtisan}, "e1", 1, true)
	assert.True(t, fault.Is(err, fault.KindAuthorization))
	assert.Empty(t, eng.approved)

	_, err = w.Approve(context.Background(), auth.Actor{ID: "u2", Role: auth.RoleCustomer}, "e1", 1, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, eng.approved)
	assert.False(t, eng.lastApproval)
}

func TestMilestoneNumberMustBePositive(t *testing.T) {
	eng := &fakeEngine{}
	w := NewWorkflow(eng, logging.NewTest())

	_, err := w.Request(context.Background(), auth.Actor{ID: "u1", Role: auth.RoleArtisan}, "e1", 0)
	assert.True(t, fault.Is(err, fault.KindValidation))

	_, err = w.Approve(context.Background(), auth.Actor{ID: "u2", Role: auth.RoleCustomer}, "e1", -1, true)
	assert.True(t, fault.Is(err, fault.KindValidation))
}

func TestNextDerivesActionFromState(t *testing.T) {
	eng := &fakeEngine{ledger: escrow.Ledger{Status: escrow.StatusFunded, MilestoneCount: 3}}
	w := NewWorkflow(eng, logging.NewTest())

	next, err := w.Next(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, NextAction{Milestone: 1, Awaiting: "request"}, next)

	eng.ledger.Status = escrow.MilestonePending(2)
	next, err = w.Next(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, NextAction{Milestone: 2, Awaiting: "approval"}, next)

	eng.ledger.Status = escrow.StatusDisputed
	_, err = w.Next(context.Background(), "e1")
	assert.True(t, fault.Is(err, fault.KindConflict))
	assert.Equal(t, string(escrow.StatusDisputed), fault.CurrentState(err))
}
