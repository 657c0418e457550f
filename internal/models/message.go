package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is one guest voice message left on an event's guestbook line.
type Message struct {
	ID                    uuid.UUID  `json:"id"`
	EventID               uuid.UUID  `json:"event_id"`
	RecordingPath         string     `json:"recording_path"`
	EnhancedRecordingPath *string    `json:"enhanced_recording_path,omitempty"`
	PhotoPath             *string    `json:"photo_path,omitempty"`
	CallerNumber          string     `json:"caller_number"`
	CallerName            *string    `json:"caller_name,omitempty"`
	DurationSeconds       int        `json:"duration_seconds"`
	RecordedAt            *time.Time `json:"recorded_at,omitempty"`
	Notes                 string     `json:"notes"`
	Tags                  []string   `json:"tags"`
	IsFavorite            bool       `json:"is_favorite"`
	IsDeleted             bool       `json:"is_deleted"`
	DeletedAt             *time.Time `json:"deleted_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

// Timestamp returns RecordedAt, falling back to CreatedAt.
func (m *Message) Timestamp() time.Time {
	if m.RecordedAt != nil && !m.RecordedAt.IsZero() {
		return *m.RecordedAt
	}
	return m.CreatedAt
}

// PlaybackPath returns the enhanced recording when present, else the original.
func (m *Message) PlaybackPath() string {
	if m.EnhancedRecordingPath != nil && *m.EnhancedRecordingPath != "" {
		return *m.EnhancedRecordingPath
	}
	return m.RecordingPath
}

// DisplayName returns the caller name or "" when unknown.
func (m *Message) DisplayName() string {
	if m.CallerName == nil {
		return ""
	}
	return *m.CallerName
}

// Eligible reports whether the message can be exported or played.
func (m *Message) Eligible() bool {
	return !m.IsDeleted && m.RecordingPath != ""
}
