package httpapi

import (
	"encoding/json"
	"time"

	"escrowflow/contract"
	"escrowflow/dispute"
	"escrowflow/escrow"
)

// Response shapes. Domain models stay tag-free; the wire format is owned
// here.

type milestoneView struct {
	Number     int    `json:"number"`
	Title      string `json:"title"`
	Percentage int    `json:"percentage"`
	Amount     int64  `json:"amount"`
}

type signatureView struct {
	SignerID string    `json:"signer_id"`
	SignedAt time.Time `json:"signed_at"`
}

type contractView struct {
	ID                string          `json:"id"`
	BookingID         string          `json:"booking_id"`
	CustomerID        string          `json:"customer_id"`
	ArtisanID         string          `json:"artisan_id"`
	ScopeOfWork       string          `json:"scope_of_work"`
	Deliverables      []string        `json:"deliverables,omitempty"`
	TotalAmount       int64           `json:"total_amount"`
	PlatformFee       int64           `json:"platform_fee"`
	ArtisanEarnings   int64           `json:"artisan_earnings"`
	Status            string          `json:"status"`
	Milestones        []milestoneView `json:"milestones"`
	CustomerSignature *signatureView  `json:"customer_signature,omitempty"`
	ArtisanSignature  *signatureView  `json:"artisan_signature,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

func viewContract(c contract.Contract) contractView {
	v := contractView{
		ID:              c.ID,
		BookingID:       c.BookingID,
		CustomerID:      c.CustomerID,
		ArtisanID:       c.ArtisanID,
		ScopeOfWork:     c.ScopeOfWork,
		Deliverables:    c.Deliverables,
		TotalAmount:     c.TotalAmount,
		PlatformFee:     c.PlatformFee,
		ArtisanEarnings: c.ArtisanEarnings,
		Status:          string(c.Status),
		CreatedAt:       c.CreatedAt,
	}
	for _, m := range c.Milestones {
		v.Milestones = append(v.Milestones, milestoneView{
			Number: m.Number, Title: m.Title, Percentage: m.Percentage, Amount: m.Amount,
		})
	}
	if s := c.CustomerSignature; s != nil {
		v.CustomerSignature = &signatureView{SignerID: s.SignerID, SignedAt: s.SignedAt}
	}
	if s := c.ArtisanSignature; s != nil {
		v.ArtisanSignature = &signatureView{SignerID: s.SignerID, SignedAt: s.SignedAt}
	}
	return v
}

type releaseView struct {
	MilestoneNumber int        `json:"milestone_number"`
	Amount          int64      `json:"amount"`
	Status          string     `json:"status"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

type ledgerView struct {
	ID             string        `json:"id"`
	ContractID     string        `json:"contract_id"`
	TotalAmount    int64         `json:"total_amount"`
	PlatformFee    int64         `json:"platform_fee"`
	FundedAmount   int64         `json:"funded_amount"`
	ReleasedAmount int64         `json:"released_amount"`
	RefundedAmount int64         `json:"refunded_amount"`
	MilestoneCount int           `json:"milestone_count"`
	Status         string        `json:"status"`
	Releases       []releaseView `json:"releases"`
	CreatedAt      time.Time     `json:"created_at"`
}

func viewLedger(l escrow.Ledger) ledgerView {
	v := ledgerView{
		ID:             l.ID,
		ContractID:     l.ContractID,
		TotalAmount:    l.TotalAmount,
		PlatformFee:    l.PlatformFee,
		FundedAmount:   l.FundedAmount,
		ReleasedAmount: l.ReleasedAmount,
		RefundedAmount: l.RefundedAmount,
		MilestoneCount: l.MilestoneCount,
		Status:         string(l.Status),
		CreatedAt:      l.CreatedAt,
	}
	for _, r := range l.Releases {
		v.Releases = append(v.Releases, releaseView{
			MilestoneNumber: r.MilestoneNumber, Amount: r.Amount, Status: r.Status, CompletedAt: r.CompletedAt,
		})
	}
	return v
}

type evidenceView struct {
	Party       string    `json:"party"`
	MediaType   string    `json:"media_type"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type disputeView struct {
	ID                      string          `json:"id"`
	ContractID              string          `json:"contract_id"`
	EscrowID                string          `json:"escrow_id"`
	OpenedBy                string          `json:"opened_by"`
	Category                string          `json:"category"`
	Description             string          `json:"description"`
	ArtisanResponse         *string         `json:"artisan_response,omitempty"`
	CustomerCounter         *string         `json:"customer_counter,omitempty"`
	ArtisanResponseDeadline time.Time       `json:"artisan_response_deadline"`
	CustomerCounterDeadline *time.Time      `json:"customer_counter_deadline,omitempty"`
	Status                  string          `json:"status"`
	Decision                *string         `json:"decision,omitempty"`
	CustomerRefundAmount    *int64          `json:"customer_refund_amount,omitempty"`
	ArtisanPaymentAmount    *int64          `json:"artisan_payment_amount,omitempty"`
	ContractSnapshot        json.RawMessage `json:"contract_snapshot"`
	Evidence                []evidenceView  `json:"evidence"`
	CreatedAt               time.Time       `json:"created_at"`
}

func viewDispute(d dispute.Dispute) disputeView {
	v := disputeView{
		ID:                      d.ID,
		ContractID:              d.ContractID,
		EscrowID:                d.EscrowID,
		OpenedBy:                d.OpenedBy,
		Category:                string(d.Category),
		Description:             d.Description,
		ArtisanResponse:         d.ArtisanResponse,
		CustomerCounter:         d.CustomerCounter,
		ArtisanResponseDeadline: d.ArtisanResponseDeadline,
		CustomerCounterDeadline: d.CustomerCounterDeadline,
		Status:                  string(d.Status),
		Decision:                d.Decision,
		CustomerRefundAmount:    d.CustomerRefundAmount,
		ArtisanPaymentAmount:    d.ArtisanPaymentAmount,
		ContractSnapshot:        json.RawMessage(d.ContractSnapshot),
		CreatedAt:               d.CreatedAt,
	}
	for _, e := range d.Evidence {
		v.Evidence = append(v.Evidence, evidenceView{
			Party: e.Party, MediaType: e.MediaType, URL: e.URL, Description: e.Description, CreatedAt: e.CreatedAt,
		})
	}
	return v
}
