package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/fault"
)

// Reader abstracts booking lookups for the services that gate on them.
type Reader interface {
	GetByID(ctx context.Context, id string) (Booking, error)
}

// Repository provides read access to the bookings projection.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a booking by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Booking, error) {
	const query = `
		SELECT id, customer_id, artisan_id, status, created_at
		FROM bookings
		WHERE id = $1
	`

	var b Booking
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&b.ID,
		&b.CustomerID,
		&b.ArtisanID,
		&b.Status,
		&b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Booking{}, fault.NotFoundf("booking %s not found", id)
		}
		return Booking{}, fmt.Errorf("booking: query by id: %w", err)
	}

	return b, nil
}
