package messages

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

const messageColumns = `id, event_id, recording_path, enhanced_recording_path, photo_path, caller_number, caller_name,
	duration_seconds, recorded_at, COALESCE(notes,''), COALESCE(tags,'{}'), is_favorite, is_deleted, deleted_at, created_at`

// Repository handles message persistence. Every mutator is a single-row UPDATE returning the new state.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a messages repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.EventID, &m.RecordingPath, &m.EnhancedRecordingPath, &m.PhotoPath, &m.CallerNumber, &m.CallerName,
		&m.DurationSeconds, &m.RecordedAt, &m.Notes, &m.Tags, &m.IsFavorite, &m.IsDeleted, &m.DeletedAt, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "message not found")
		}
		return nil, err
	}
	return &m, nil
}

// GetByID returns a message by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	return scanMessage(r.pool.QueryRow(ctx, q, id))
}

// ListByEvent returns an event's messages matching filter in insertion order.
func (r *Repository) ListByEvent(ctx context.Context, eventID uuid.UUID, filter Filter) ([]models.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE event_id = $1`
	switch filter {
	case FilterFavorites:
		q += ` AND is_deleted = false AND is_favorite = true`
	case FilterTrashed:
		q += ` AND is_deleted = true`
	default:
		q += ` AND is_deleted = false`
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := r.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *m)
	}
	return list, rows.Err()
}

// SetFavorite sets is_favorite.
func (r *Repository) SetFavorite(ctx context.Context, id uuid.UUID, favorite bool) (*models.Message, error) {
	q := `UPDATE messages SET is_favorite = $1 WHERE id = $2 RETURNING ` + messageColumns
	return scanMessage(r.pool.QueryRow(ctx, q, favorite, id))
}

// SoftDelete flips is_deleted and deleted_at together. An already-deleted message keeps its original deleted_at.
func (r *Repository) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) (*models.Message, error) {
	q := `UPDATE messages SET is_deleted = true, deleted_at = COALESCE(deleted_at, $1) WHERE id = $2 RETURNING ` + messageColumns
	return scanMessage(r.pool.QueryRow(ctx, q, at, id))
}

// Restore clears is_deleted and deleted_at together.
func (r *Repository) Restore(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	q := `UPDATE messages SET is_deleted = false, deleted_at = NULL WHERE id = $1 RETURNING ` + messageColumns
	return scanMessage(r.pool.QueryRow(ctx, q, id))
}

// Rename sets caller_name; nil clears it.
func (r *Repository) Rename(ctx context.Context, id uuid.UUID, name *string) (*models.Message, error) {
	q := `UPDATE messages SET caller_name = $1 WHERE id = $2 RETURNING ` + messageColumns
	return scanMessage(r.pool.QueryRow(ctx, q, name, id))
}

// SetTags replaces the tag set.
func (r *Repository) SetTags(ctx context.Context, id uuid.UUID, tags []string) (*models.Message, error) {
	if tags == nil {
		tags = []string{}
	}
	q := `UPDATE messages SET tags = $1 WHERE id = $2 RETURNING ` + messageColumns
	return scanMessage(r.pool.QueryRow(ctx, q, tags, id))
}

// AttachPhoto sets photo_path; nil detaches. The previous object is left in storage.
func (r *Repository) AttachPhoto(ctx context.Context, id uuid.UUID, photoPath *string) (*models.Message, error) {
	q := `UPDATE messages SET photo_path = $1 WHERE id = $2 RETURNING ` + messageColumns
	return scanMessage(r.pool.QueryRow(ctx, q, photoPath, id))
}
