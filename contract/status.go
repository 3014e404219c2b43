package contract

// transitions is the closed table of legal contract moves. Anything absent
// is illegal; there are no backward edges.
var transitions = map[Status][]Status{
	StatusDraft:             {StatusPendingSignatures, StatusCancelled},
	StatusPendingSignatures: {StatusSigned, StatusCancelled},
	StatusSigned:            {StatusActive},
	StatusActive:            {StatusCompleted, StatusDisputed},
}

// CanTransition reports whether moving from -> to is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Cancellable reports whether a contract in the given status may be cancelled.
func Cancellable(s Status) bool {
	return s == StatusDraft || s == StatusPendingSignatures
}
