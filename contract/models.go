package contract

import "time"

// Status is the contract lifecycle state. Transitions are forward-only.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusPendingSignatures Status = "pending_signatures"
	StatusSigned            Status = "signed"
	StatusActive            Status = "active"
	StatusCompleted         Status = "completed"
	StatusDisputed          Status = "disputed"
	StatusCancelled         Status = "cancelled"
)

// Party identifies which side of the contract an actor is on.
type Party string

const (
	PartyCustomer Party = "customer"
	PartyArtisan  Party = "artisan"
)

// Milestone is a payable portion of the contract. Amount is minor currency
// units, computed from the percentage at draft time with the rounding
// remainder absorbed by the last milestone.
type Milestone struct {
	Number     int
	Title      string
	Percentage int
	Amount     int64
}

// Signature records one party's signing of the contract.
type Signature struct {
	SignerID string
	SignedAt time.Time
	IP       string
}

// Contract mirrors the contracts table plus its milestones and signatures.
type Contract struct {
	ID                      string
	BookingID               string
	CustomerID              string
	ArtisanID               string
	ScopeOfWork             string
	Deliverables            []string
	Exclusions              []string
	MaterialsResponsibility string
	TotalAmount             int64
	PlatformFee             int64
	ArtisanEarnings         int64
	StartDate               *time.Time
	EstimatedEndDate        *time.Time
	Status                  Status
	Milestones              []Milestone
	CustomerSignature       *Signature
	ArtisanSignature        *Signature
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// PartyOf returns which side of the contract the actor is on, if any.
func (c Contract) PartyOf(actorID string) (Party, bool) {
	switch actorID {
	case c.CustomerID:
		return PartyCustomer, true
	case c.ArtisanID:
		return PartyArtisan, true
	default:
		return "", false
	}
}

// HistoryEntry is one append-only status-history row.
type HistoryEntry struct {
	Status    Status
	Note      string
	ActorID   *string
	CreatedAt time.Time
}

const (
	// TopicSigned is published when both parties have signed.
	TopicSigned = "contract.signed"
)
