package booking

import "time"

// Status values the pipeline cares about. The booking service owns the full
// lifecycle; only accepted bookings may grow a contract.
const (
	StatusAccepted = "accepted"
)

// Booking is the read-only projection of a booking used for authorization
// and precondition checks.
type Booking struct {
	ID         string
	CustomerID string
	ArtisanID  string
	Status     string
	CreatedAt  time.Time
}
