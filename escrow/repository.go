package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/contract"
	"escrowflow/fault"
)

// Load fetches a ledger with its releases.
func Load(ctx context.Context, q contract.Querier, id string) (Ledger, error) {
	l, err := scanLedger(q.QueryRow(ctx, `
		SELECT id, contract_id, total_amount, platform_fee,
		       funded_amount, released_amount, refunded_amount,
		       milestone_count, status, funding_reference, created_at, updated_at
		FROM escrow_ledgers
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ledger{}, fault.NotFoundf("escrow %s not found", id)
		}
		return Ledger{}, fmt.Errorf("escrow: load: %w", err)
	}

	l.Releases, err = loadReleases(ctx, q, id)
	if err != nil {
		return Ledger{}, err
	}
	return l, nil
}

// LoadByContract fetches the ledger owned by a contract, if any.
func LoadByContract(ctx context.Context, q contract.Querier, contractID string) (Ledger, error) {
	l, err := scanLedger(q.QueryRow(ctx, `
		SELECT id, contract_id, total_amount, platform_fee,
		       funded_amount, released_amount, refunded_amount,
		       milestone_count, status, funding_reference, created_at, updated_at
		FROM escrow_ledgers
		WHERE contract_id = $1
	`, contractID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ledger{}, fault.NotFoundf("no escrow for contract %s", contractID)
		}
		return Ledger{}, fmt.Errorf("escrow: load by contract: %w", err)
	}

	l.Releases, err = loadReleases(ctx, q, l.ID)
	if err != nil {
		return Ledger{}, err
	}
	return l, nil
}

func scanLedger(row pgx.Row) (Ledger, error) {
	var l Ledger
	err := row.Scan(
		&l.ID, &l.ContractID, &l.TotalAmount, &l.PlatformFee,
		&l.FundedAmount, &l.ReleasedAmount, &l.RefundedAmount,
		&l.MilestoneCount, &l.Status, &l.FundingReference, &l.CreatedAt, &l.UpdatedAt,
	)
	return l, err
}

func loadReleases(ctx context.Context, q contract.Querier, escrowID string) ([]Release, error) {
	rows, err := q.Query(ctx, `
		SELECT id, milestone_number, amount, released_by::text, payout_reference,
		       transfer_ref, status, created_at, completed_at
		FROM escrow_releases
		WHERE escrow_id = $1
		ORDER BY milestone_number
	`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("escrow: load releases: %w", err)
	}
	defer rows.Close()

	out := make([]Release, 0, 4)
	for rows.Next() {
		var r Release
		if err := rows.Scan(&r.ID, &r.MilestoneNumber, &r.Amount, &r.ReleasedBy, &r.PayoutReference,
			&r.TransferRef, &r.Status, &r.CreatedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan release: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate releases: %w", err)
	}
	return out, nil
}

// lockForUpdate serializes all ledger transitions on the row lock.
func lockForUpdate(ctx context.Context, tx pgx.Tx, id string) (Ledger, error) {
	l, err := scanLedger(tx.QueryRow(ctx, `
		SELECT id, contract_id, total_amount, platform_fee,
		       funded_amount, released_amount, refunded_amount,
		       milestone_count, status, funding_reference, created_at, updated_at
		FROM escrow_ledgers
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ledger{}, fault.NotFoundf("escrow %s not found", id)
		}
		return Ledger{}, fmt.Errorf("escrow: lock: %w", err)
	}
	return l, nil
}

// AppendHistoryTx writes one audit row inside the caller's transaction.
func AppendHistoryTx(ctx context.Context, tx pgx.Tx, escrowID string, status Status, note string, actorID *string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO escrow_status_history (escrow_id, status, note, actor_id)
		VALUES ($1, $2, $3, $4::uuid)
	`, escrowID, status, note, actorID)
	if err != nil {
		return fmt.Errorf("escrow: append history: %w", err)
	}
	return nil
}

// History returns the append-only status log, oldest first.
func History(ctx context.Context, q contract.Querier, escrowID string) ([]HistoryEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT status, note, actor_id::text, created_at
		FROM escrow_status_history
		WHERE escrow_id = $1
		ORDER BY id
	`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("escrow: load history: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0, 8)
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Status, &e.Note, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan history: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate history: %w", err)
	}
	return out, nil
}

// recordReceipt stores the outcome of one gateway-facing money move, keyed by
// the deterministic reference. Safe to call on retries: an unsuccessful claim
// row is flipped to its outcome, a successful one is never rewritten.
func recordReceipt(ctx context.Context, tx pgx.Tx, reference, purpose string, amount int64, success bool, externalRef *string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO gateway_receipts (reference, purpose, amount, success, external_ref)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (reference) DO UPDATE
		SET success = EXCLUDED.success, external_ref = EXCLUDED.external_ref
		WHERE NOT gateway_receipts.success
	`, reference, purpose, amount, success, externalRef)
	if err != nil {
		return fmt.Errorf("escrow: record receipt: %w", err)
	}
	return nil
}

// claimReceipt writes the intent row for a gateway-facing money move before
// the gateway is called. Returns true when the caller owns the move: the row
// was inserted fresh or an unsuccessful claim from a crashed attempt was
// revived. A reference whose receipt is already successful returns false and
// the move must be skipped. Reviving is safe because the same reference goes
// to the gateway, which dedupes the repeated call.
func claimReceipt(ctx context.Context, q contract.Querier, reference, purpose string, amount int64) (bool, error) {
	var success bool
	err := q.QueryRow(ctx, `
		INSERT INTO gateway_receipts (reference, purpose, amount, success)
		VALUES ($1, $2, $3, false)
		ON CONFLICT (reference) DO UPDATE SET amount = EXCLUDED.amount
		WHERE NOT gateway_receipts.success
		RETURNING success
	`, reference, purpose, amount).Scan(&success)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("escrow: claim receipt: %w", err)
	}
	return true, nil
}

// TransitionToDisputedTx freezes an active ledger inside the dispute
// service's transaction. Only in-sequence states with no payout in flight may
// be frozen; a processing release must finish its saga first.
func TransitionToDisputedTx(ctx context.Context, tx pgx.Tx, escrowID string, actorID *string) error {
	l, err := lockForUpdate(ctx, tx, escrowID)
	if err != nil {
		return err
	}
	if !ActiveInSequence(l.Status) {
		return fault.Conflictf(string(l.Status), "escrow %s cannot be disputed", escrowID)
	}

	var processing int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM escrow_releases WHERE escrow_id=$1 AND status='processing'
	`, escrowID).Scan(&processing); err != nil {
		return fmt.Errorf("escrow: check in-flight releases: %w", err)
	}
	if processing > 0 {
		return fault.Conflictf(string(l.Status), "escrow %s has a payout in flight", escrowID)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE escrow_ledgers SET status=$1, updated_at=now() WHERE id=$2
	`, StatusDisputed, escrowID); err != nil {
		return fmt.Errorf("escrow: mark disputed: %w", err)
	}
	return AppendHistoryTx(ctx, tx, escrowID, StatusDisputed, "dispute opened", actorID)
}
