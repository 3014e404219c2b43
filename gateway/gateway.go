// Package gateway adapts the external payment processor. The processor owns
// funds custody; this service only initializes charges, verifies them, and
// executes payouts/refunds, always under a deterministic reference so retries
// can be reconciled.
package gateway

import (
	"context"
	"fmt"
)

// Charge is the verified state of a charge on the gateway side.
type Charge struct {
	Success bool
	Amount  int64
}

// PaymentGateway is the narrow contract the escrow engine depends on. Every
// money move carries a deterministic merchant reference so the processor can
// recognize a retry; Refund additionally names the charge transaction the
// money flows back onto.
type PaymentGateway interface {
	InitializeCharge(ctx context.Context, amount int64, reference string, metadata map[string]string) (authorizationURL string, err error)
	VerifyCharge(ctx context.Context, reference string) (Charge, error)
	Payout(ctx context.Context, amount int64, destination, reference string) (transferRef string, err error)
	Refund(ctx context.Context, amount int64, transaction, reference string) error
}

// Deterministic references: contract id + milestone + purpose. Retrying an
// operation always presents the same reference to the gateway.

func FundReference(contractID string) string {
	return fmt.Sprintf("fund-%s", contractID)
}

func PayoutReference(contractID string, milestone int) string {
	return fmt.Sprintf("payout-%s-m%d", contractID, milestone)
}

func RefundReference(contractID string) string {
	return fmt.Sprintf("refund-%s-dispute", contractID)
}

func DisputePayoutReference(contractID string) string {
	return fmt.Sprintf("payout-%s-dispute", contractID)
}
