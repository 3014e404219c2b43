package escrow

import "time"

// Status is the escrow ledger state. The happy path is a strict sequence
// gated by milestone count; disputed/resolved/cancelled/partial_refund are
// recovery states reachable only from an active in-sequence state.
type Status string

const (
	StatusCreated       Status = "created"
	StatusFunded        Status = "funded"
	StatusCompleted     Status = "completed"
	StatusDisputed      Status = "disputed"
	StatusResolved      Status = "resolved"
	StatusCancelled     Status = "cancelled"
	StatusPartialRefund Status = "partial_refund"
)

// Release statuses. A release row is the intent-then-outcome record of one
// payout saga; only completed rows count toward releasedAmount.
const (
	ReleaseProcessing = "processing"
	ReleaseCompleted  = "completed"
	ReleaseFailed     = "failed"
)

// Release is one append-only payout record.
type Release struct {
	ID              string
	MilestoneNumber int
	Amount          int64
	ReleasedBy      string
	PayoutReference string
	TransferRef     *string
	Status          string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// Ledger mirrors the escrow_ledgers table, one per contract.
type Ledger struct {
	ID               string
	ContractID       string
	TotalAmount      int64
	PlatformFee      int64
	FundedAmount     int64
	ReleasedAmount   int64
	RefundedAmount   int64
	MilestoneCount   int
	Status           Status
	FundingReference *string
	Releases         []Release
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HistoryEntry is one append-only escrow status row.
type HistoryEntry struct {
	Status    Status
	Note      string
	ActorID   *string
	CreatedAt time.Time
}

// Decision is the dispute outcome the engine is instructed to apply.
type Decision struct {
	CustomerRefundAmount int64
	ArtisanPaymentAmount int64
	DecidedBy            string
	Notes                string
}

const (
	// TopicFunded is published when the escrow becomes funded.
	TopicFunded = "escrow.funded"
	// TopicMilestoneReleased is published per completed release.
	TopicMilestoneReleased = "milestone.released"
	// TopicMilestoneRejected records a customer's rejection; no state change.
	TopicMilestoneRejected = "milestone.rejected"
)
