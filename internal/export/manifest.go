package export

import (
	"bytes"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aura-guestbook/backend/internal/models"
)

// Entry is one member of the bundle.
type Entry struct {
	MessageID  uuid.UUID `json:"message_id"`
	SourcePath string    `json:"source_path"`
	MemberName string    `json:"member_name"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Manifest is the eligible messages of one run, frozen at job start, with their member names.
type Manifest []Entry

// BuildManifest keeps eligible messages, orders them oldest first (id breaks ties)
// and assigns collision-free member names in that order.
func BuildManifest(list []models.Message) Manifest {
	eligible := make([]models.Message, 0, len(list))
	for i := range list {
		if list[i].Eligible() {
			eligible = append(eligible, list[i])
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if c := eligible[i].Timestamp().Compare(eligible[j].Timestamp()); c != 0 {
			return c < 0
		}
		return bytes.Compare(eligible[i].ID[:], eligible[j].ID[:]) < 0
	})

	names := NewNameAllocator()
	out := make(Manifest, 0, len(eligible))
	for i := range eligible {
		m := &eligible[i]
		out = append(out, Entry{
			MessageID:  m.ID,
			SourcePath: m.PlaybackPath(),
			MemberName: names.Next(MemberBase(m.DisplayName())),
			RecordedAt: m.Timestamp(),
		})
	}
	return out
}
