package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-guestbook/backend/internal/apperr"
	"github.com/aura-guestbook/backend/internal/models"
)

const eventColumns = `id, owner_id, venue_id, display_name, event_date, custom_greeting_path, generated_greeting_path, created_at, updated_at`

// Repository handles event and venue persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an event repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanEvent(row pgx.Row) (*models.Event, error) {
	var e models.Event
	err := row.Scan(&e.ID, &e.OwnerID, &e.VenueID, &e.DisplayName, &e.EventDate, &e.CustomGreetingPath, &e.GeneratedGreetingPath, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "event not found")
		}
		return nil, err
	}
	return &e, nil
}

// Create inserts the event and its empty channel assignment in one transaction.
func (r *Repository) Create(ctx context.Context, e *models.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `INSERT INTO events (id, owner_id, venue_id, display_name, event_date)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		RETURNING id, created_at, updated_at`
	if err := tx.QueryRow(ctx, q, e.OwnerID, e.VenueID, e.DisplayName, e.EventDate).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO channel_assignments (event_id) VALUES ($1)`, e.ID); err != nil {
		return fmt.Errorf("insert channel assignment: %w", err)
	}
	return tx.Commit(ctx)
}

// GetByID returns an event by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`
	return scanEvent(r.pool.QueryRow(ctx, q, id))
}

// List returns events, optionally only those owned by ownerID, soonest first.
func (r *Repository) List(ctx context.Context, ownerID *uuid.UUID) ([]models.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events`
	var args []interface{}
	if ownerID != nil {
		q += ` WHERE owner_id = $1`
		args = append(args, *ownerID)
	}
	rows, err := r.pool.Query(ctx, q+` ORDER BY event_date ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *e)
	}
	return list, rows.Err()
}

// IsOwner reports whether userID owns the event. A missing event is not owned.
func (r *Repository) IsOwner(ctx context.Context, eventID, userID uuid.UUID) (bool, error) {
	const q = `SELECT 1 FROM events WHERE id = $1 AND owner_id = $2`
	var exists int
	err := r.pool.QueryRow(ctx, q, eventID, userID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetCustomGreeting replaces the custom greeting only.
func (r *Repository) SetCustomGreeting(ctx context.Context, id uuid.UUID, objectPath string) (*models.Event, error) {
	q := `UPDATE events SET custom_greeting_path = $2, updated_at = NOW() WHERE id = $1 RETURNING ` + eventColumns
	return scanEvent(r.pool.QueryRow(ctx, q, id, objectPath))
}

// ClearCustomGreeting removes the custom greeting; the generated greeting is untouched.
func (r *Repository) ClearCustomGreeting(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	q := `UPDATE events SET custom_greeting_path = NULL, updated_at = NOW() WHERE id = $1 RETURNING ` + eventColumns
	return scanEvent(r.pool.QueryRow(ctx, q, id))
}

// SetGeneratedGreeting records the synthesized greeting produced for the event.
func (r *Repository) SetGeneratedGreeting(ctx context.Context, id uuid.UUID, objectPath *string) (*models.Event, error) {
	q := `UPDATE events SET generated_greeting_path = $2, updated_at = NOW() WHERE id = $1 RETURNING ` + eventColumns
	return scanEvent(r.pool.QueryRow(ctx, q, id, objectPath))
}

// CreateVenue inserts a venue.
func (r *Repository) CreateVenue(ctx context.Context, v *models.Venue) error {
	const q = `INSERT INTO venues (id, name, country_code) VALUES (gen_random_uuid(), $1, $2) RETURNING id, created_at`
	return r.pool.QueryRow(ctx, q, v.Name, v.CountryCode).Scan(&v.ID, &v.CreatedAt)
}

// GetVenue returns a venue by ID.
func (r *Repository) GetVenue(ctx context.Context, id uuid.UUID) (*models.Venue, error) {
	const q = `SELECT id, name, country_code, created_at FROM venues WHERE id = $1`
	var v models.Venue
	err := r.pool.QueryRow(ctx, q, id).Scan(&v.ID, &v.Name, &v.CountryCode, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "venue not found")
		}
		return nil, err
	}
	return &v, nil
}

// Reschedule moves the event date. A channel already assigned is kept.
func (r *Repository) Reschedule(ctx context.Context, id uuid.UUID, date time.Time) (*models.Event, error) {
	q := `UPDATE events SET event_date = $2, updated_at = NOW() WHERE id = $1 RETURNING ` + eventColumns
	return scanEvent(r.pool.QueryRow(ctx, q, id, date))
}
