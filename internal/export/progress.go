package export

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle of an export job.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// ReasonCancelled is the failure reason of a cancelled job.
const ReasonCancelled = "export cancelled"

// Progress is one observable state of a job. Processed never decreases within a run.
type Progress struct {
	JobID         string    `json:"job_id"`
	EventID       uuid.UUID `json:"event_id"`
	Status        Status    `json:"status"`
	Processed     int       `json:"processed"`
	Total         int       `json:"total"`
	CurrentAction string    `json:"current_action,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Artifact      *Artifact `json:"artifact,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Terminal reports whether no further progress will follow.
func (p Progress) Terminal() bool {
	return p.Status == StatusComplete || p.Status == StatusFailed
}

// Percent is Processed/Total as 0-100; an empty run is 100 once complete.
func (p Progress) Percent() int {
	if p.Total == 0 {
		if p.Status == StatusComplete {
			return 100
		}
		return 0
	}
	return p.Processed * 100 / p.Total
}
