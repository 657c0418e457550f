package models

import (
	"time"

	"github.com/google/uuid"
)

// Venue hosts events; its country decides the channel number format.
type Venue struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	CountryCode string    `json:"country_code"`
	CreatedAt   time.Time `json:"created_at"`
}

// Event is a guestbook event. Greeting paths feed greeting resolution.
type Event struct {
	ID                    uuid.UUID `json:"id"`
	OwnerID               uuid.UUID `json:"owner_id"`
	VenueID               uuid.UUID `json:"venue_id"`
	DisplayName           string    `json:"display_name"`
	EventDate             time.Time `json:"event_date"`
	CustomGreetingPath    *string   `json:"custom_greeting_path,omitempty"`
	GeneratedGreetingPath *string   `json:"generated_greeting_path,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// ChannelAssignment holds the inbound number dedicated to an event. ChannelNumber is set at most once.
type ChannelAssignment struct {
	EventID       uuid.UUID  `json:"event_id"`
	ChannelNumber *string    `json:"channel_number,omitempty"`
	ProvisionedAt *time.Time `json:"provisioned_at,omitempty"`
	CountryCode   *string    `json:"country_code,omitempty"`
}

// Provisioned reports whether a number has been assigned.
func (a *ChannelAssignment) Provisioned() bool {
	return a != nil && a.ChannelNumber != nil && *a.ChannelNumber != ""
}
