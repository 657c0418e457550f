package channels

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-guestbook/backend/internal/apperr"
	"github.com/aura-guestbook/backend/internal/models"
)

// Repository is the pgx-backed AssignmentStore.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a channel assignment repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns the event's assignment row.
func (r *Repository) Get(ctx context.Context, eventID uuid.UUID) (*models.ChannelAssignment, error) {
	const q = `SELECT event_id, channel_number, provisioned_at, country_code FROM channel_assignments WHERE event_id = $1`
	var a models.ChannelAssignment
	err := r.pool.QueryRow(ctx, q, eventID).Scan(&a.EventID, &a.ChannelNumber, &a.ProvisionedAt, &a.CountryCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "channel assignment not found")
		}
		return nil, err
	}
	return &a, nil
}

// Claim marks the row as being provisioned by token. Claims older than staleBefore are taken over.
func (r *Repository) Claim(ctx context.Context, eventID, token uuid.UUID, staleBefore time.Time) (bool, error) {
	const q = `UPDATE channel_assignments SET claim_token = $2, claimed_at = NOW(), last_attempt_at = NOW()
		WHERE event_id = $1 AND channel_number IS NULL
		AND (claim_token IS NULL OR claimed_at < $3)`
	tag, err := r.pool.Exec(ctx, q, eventID, token, staleBefore)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Complete sets the number if token still holds the claim and no number is set.
func (r *Repository) Complete(ctx context.Context, eventID, token uuid.UUID, number, countryCode string, at time.Time) (bool, error) {
	const q = `UPDATE channel_assignments
		SET channel_number = $3, country_code = $4, provisioned_at = $5, claim_token = NULL, claimed_at = NULL
		WHERE event_id = $1 AND claim_token = $2 AND channel_number IS NULL`
	tag, err := r.pool.Exec(ctx, q, eventID, token, number, countryCode, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseClaim drops token's claim so another caller may try.
func (r *Repository) ReleaseClaim(ctx context.Context, eventID, token uuid.UUID) error {
	const q = `UPDATE channel_assignments SET claim_token = NULL, claimed_at = NULL WHERE event_id = $1 AND claim_token = $2`
	_, err := r.pool.Exec(ctx, q, eventID, token)
	return err
}

// ListDue returns events dated in [from, before) that still have no number. Events never tried
// come first, then the least recently tried, so rows that keep failing cannot fill every batch.
func (r *Repository) ListDue(ctx context.Context, from, before time.Time, limit int) ([]DueEvent, error) {
	const q = `SELECT e.id, e.event_date, v.country_code
		FROM channel_assignments ca
		JOIN events e ON e.id = ca.event_id
		JOIN venues v ON v.id = e.venue_id
		WHERE ca.channel_number IS NULL AND e.event_date >= $1 AND e.event_date < $2
		ORDER BY ca.last_attempt_at ASC NULLS FIRST, e.event_date ASC, e.id ASC
		LIMIT $3`
	rows, err := r.pool.Query(ctx, q, from, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []DueEvent
	for rows.Next() {
		var d DueEvent
		if err := rows.Scan(&d.EventID, &d.EventDate, &d.CountryCode); err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	return list, rows.Err()
}
