package dispute

import "time"

// Status is the dispute lifecycle state. Response phases have deadlines; a
// lapsed deadline escalates the dispute to admin review.
type Status string

const (
	StatusArtisanResponsePending Status = "artisan_response_pending"
	StatusCustomerCounterPending Status = "customer_counter_pending"
	StatusUnderReview            Status = "under_review"
	StatusEscalated              Status = "escalated"
	StatusResolved               Status = "resolved"
)

// ResponseWindow is how long each party has to respond before the dispute
// escalates.
const ResponseWindow = 72 * time.Hour

// Category classifies what the dispute is about.
type Category string

const (
	CategoryQuality     Category = "quality"
	CategoryIncomplete  Category = "incomplete_work"
	CategoryOvercharge  Category = "overcharge"
	CategoryAbandonment Category = "abandonment"
	CategoryOther       Category = "other"
)

// KnownCategory reports whether c is one of the accepted categories.
func KnownCategory(c Category) bool {
	switch c {
	case CategoryQuality, CategoryIncomplete, CategoryOvercharge, CategoryAbandonment, CategoryOther:
		return true
	}
	return false
}

// Dispute mirrors the disputes table. ContractSnapshot freezes the terms as
// they stood when the dispute was opened; later contract reads must not
// affect the decision.
type Dispute struct {
	ID                      string
	ContractID              string
	EscrowID                string
	CustomerID              string
	ArtisanID               string
	OpenedBy                string
	Category                Category
	Description             string
	ArtisanResponse         *string
	ArtisanResponseAt       *time.Time
	CustomerCounter         *string
	CustomerCounterAt       *time.Time
	ArtisanResponseDeadline time.Time
	CustomerCounterDeadline *time.Time
	Status                  Status
	Decision                *string
	CustomerRefundAmount    *int64
	ArtisanPaymentAmount    *int64
	DecidedBy               *string
	DecisionNotes           *string
	AutoEscalatedAt         *time.Time
	ContractSnapshot        []byte
	Evidence                []Evidence
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Evidence is one uploaded exhibit attached by either party.
type Evidence struct {
	ID          int64
	DisputeID   string
	Party       string
	UploadedBy  string
	MediaType   string
	URL         string
	Description string
	CreatedAt   time.Time
}

// TimelineEntry is one append-only dispute event.
type TimelineEntry struct {
	Action    string
	ActorID   *string
	Details   map[string]any
	CreatedAt time.Time
}

const (
	// TopicOpened is published when a dispute freezes an escrow.
	TopicOpened = "dispute.opened"
	// TopicEscalated is published when a response deadline lapses.
	TopicEscalated = "dispute.escalated"
	// TopicResolved is published once a decision has been applied.
	TopicResolved = "dispute.resolved"
)
