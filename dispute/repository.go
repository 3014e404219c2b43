package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/contract"
	"escrowflow/fault"
)

const disputeColumns = `
	id, contract_id, escrow_id, customer_id, artisan_id, opened_by,
	category, description,
	artisan_response, artisan_response_at,
	customer_counter, customer_counter_at,
	artisan_response_deadline, customer_counter_deadline,
	status, decision, customer_refund_amount, artisan_payment_amount,
	decided_by, decision_notes, auto_escalated_at, contract_snapshot,
	created_at, updated_at`

// Load fetches a dispute with its evidence.
func Load(ctx context.Context, q contract.Querier, id string) (Dispute, error) {
	d, err := scanDispute(q.QueryRow(ctx, `SELECT`+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, fault.NotFoundf("dispute %s not found", id)
		}
		return Dispute{}, fmt.Errorf("dispute: load: %w", err)
	}
	d.Evidence, err = loadEvidence(ctx, q, id)
	if err != nil {
		return Dispute{}, err
	}
	return d, nil
}

// lockForUpdate serializes dispute transitions on the row lock.
func lockForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	d, err := scanDispute(tx.QueryRow(ctx, `SELECT`+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, fault.NotFoundf("dispute %s not found", id)
		}
		return Dispute{}, fmt.Errorf("dispute: lock: %w", err)
	}
	return d, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID, &d.ContractID, &d.EscrowID, &d.CustomerID, &d.ArtisanID, &d.OpenedBy,
		&d.Category, &d.Description,
		&d.ArtisanResponse, &d.ArtisanResponseAt,
		&d.CustomerCounter, &d.CustomerCounterAt,
		&d.ArtisanResponseDeadline, &d.CustomerCounterDeadline,
		&d.Status, &d.Decision, &d.CustomerRefundAmount, &d.ArtisanPaymentAmount,
		&d.DecidedBy, &d.DecisionNotes, &d.AutoEscalatedAt, &d.ContractSnapshot,
		&d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}

func loadEvidence(ctx context.Context, q contract.Querier, disputeID string) ([]Evidence, error) {
	rows, err := q.Query(ctx, `
		SELECT id, dispute_id, party, uploaded_by::text, media_type, url, description, created_at
		FROM dispute_evidence
		WHERE dispute_id = $1
		ORDER BY id
	`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: load evidence: %w", err)
	}
	defer rows.Close()

	out := make([]Evidence, 0, 4)
	for rows.Next() {
		var e Evidence
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.Party, &e.UploadedBy, &e.MediaType, &e.URL, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan evidence: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate evidence: %w", err)
	}
	return out, nil
}

// AppendTimelineTx writes one append-only event row in the caller's
// transaction. details may be nil.
func AppendTimelineTx(ctx context.Context, tx pgx.Tx, disputeID, action string, actorID *string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO dispute_timeline (dispute_id, action, actor_id, details)
		VALUES ($1, $2, $3::uuid, $4)
	`, disputeID, action, actorID, details)
	if err != nil {
		return fmt.Errorf("dispute: append timeline: %w", err)
	}
	return nil
}

// Timeline returns the append-only event log, oldest first.
func Timeline(ctx context.Context, q contract.Querier, disputeID string) ([]TimelineEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT action, actor_id::text, details, created_at
		FROM dispute_timeline
		WHERE dispute_id = $1
		ORDER BY id
	`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: load timeline: %w", err)
	}
	defer rows.Close()

	out := make([]TimelineEntry, 0, 8)
	for rows.Next() {
		var e TimelineEntry
		if err := rows.Scan(&e.Action, &e.ActorID, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan timeline: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate timeline: %w", err)
	}
	return out, nil
}
