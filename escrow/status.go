package escrow

import "fmt"

// MilestonePending is the state while milestone n awaits customer approval.
func MilestonePending(n int) Status {
	return Status(fmt.Sprintf("milestone_%d_pending", n))
}

// MilestoneReleased is the state after milestone n has been paid out.
func MilestoneReleased(n int) Status {
	return Status(fmt.Sprintf("milestone_%d_released", n))
}

// ParseMilestone decodes a milestone state. ok is false for the fixed states.
func ParseMilestone(s Status) (n int, pending bool, ok bool) {
	if _, err := fmt.Sscanf(string(s), "milestone_%d_pending", &n); err == nil {
		return n, true, true
	}
	if _, err := fmt.Sscanf(string(s), "milestone_%d_released", &n); err == nil {
		return n, false, true
	}
	return 0, false, false
}

// RequestPrecondition is the exact state the ledger must be in before the
// artisan may request release of milestone n.
func RequestPrecondition(n int) Status {
	if n == 1 {
		return StatusFunded
	}
	return MilestoneReleased(n - 1)
}

// AfterRelease is the state the ledger enters once milestone n of count has
// been released.
func AfterRelease(n, count int) Status {
	if n == count {
		return StatusCompleted
	}
	return MilestoneReleased(n)
}

// ActiveInSequence reports whether the ledger is on the funded happy path,
// the only states a dispute may freeze.
func ActiveInSequence(s Status) bool {
	if s == StatusFunded {
		return true
	}
	_, _, ok := ParseMilestone(s)
	return ok
}

// NextActionable derives which milestone can move next and whether it is
// awaiting an approval (pending) or a request. Returns ok=false when the
// sequence is finished or frozen.
func NextActionable(s Status, count int) (n int, awaitingApproval bool, ok bool) {
	if s == StatusFunded {
		return 1, false, true
	}
	if n, pending, isMilestone := ParseMilestone(s); isMilestone {
		if pending {
			return n, true, true
		}
		if n < count {
			return n + 1, false, true
		}
	}
	return 0, false, false
}
