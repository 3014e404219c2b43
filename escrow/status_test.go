package escrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMilestoneStatusRoundTrip(t *testing.T) {
	n, pending, ok := ParseMilestone(MilestonePending(2))
	assert.True(t, ok)
	assert.True(t, pending)
	assert.Equal(t, 2, n)

	n, pending, ok = ParseMilestone(MilestoneReleased(3))
	assert.True(t, ok)
	assert.False(t, pending)
	assert.Equal(t, 3, n)

	for _, s := range []Status{StatusCreated, StatusFunded, StatusCompleted, StatusDisputed, StatusResolved, StatusCancelled, StatusPartialRefund} {
		_, _, ok := ParseMilestone(s)
		assert.False(t, ok, "%s should not parse as milestone state", s)
	}
}

func TestRequestPrecondition(t *testing.T) {
	assert.Equal(t, StatusFunded, RequestPrecondition(1))
	assert.Equal(t, MilestoneReleased(1), RequestPrecondition(2))
	assert.Equal(t, MilestoneReleased(2), RequestPrecondition(3))
}

func TestAfterRelease(t *testing.T) {
	assert.Equal(t, MilestoneReleased(1), AfterRelease(1, 3))
	assert.Equal(t, MilestoneReleased(2), AfterRelease(2, 3))
	assert.Equal(t, StatusCompleted, AfterRelease(3, 3))
	assert.Equal(t, StatusCompleted, AfterRelease(1, 1))
}

func TestActiveInSequence(t *testing.T) {
	assert.True(t, ActiveInSequence(StatusFunded))
	assert.True(t, ActiveInSequence(MilestonePending(1)))
	assert.True(t, ActiveInSequence(MilestoneReleased(2)))
	for _, s := range []Status{StatusCreated, StatusCompleted, StatusDisputed, StatusResolved, StatusCancelled, StatusPartialRefund} {
		assert.False(t, ActiveInSequence(s), "%s should not be active in sequence", s)
	}
}

func TestNextActionable(t *testing.T) {
	n, approval, ok := NextActionable(StatusFunded, 3)
	assert.True(t, ok)
	assert.Equal(t, 1, n)
	assert.False(t, approval)

	n, approval, ok = NextActionable(MilestonePending(2), 3)
	assert.True(t, ok)
	assert.Equal(t, 2, n)
	assert.True(t, approval)

	n, approval, ok = NextActionable(MilestoneReleased(2), 3)
	assert.True(t, ok)
	assert.Equal(t, 3, n)
	assert.False(t, approval)

	_, _, ok = NextActionable(MilestoneReleased(3), 3)
	assert.False(t, ok, "finished sequence has no actionable milestone")

	for _, s := range []Status{StatusCreated, StatusCompleted, StatusDisputed} {
		_, _, ok := NextActionable(s, 3)
		assert.False(t, ok, "%s should have no actionable milestone", s)
	}
}
