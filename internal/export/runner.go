// Package export builds a downloadable bundle of an event's voice messages.
package export

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aura-guestbook/backend/internal/access"
	"github.com/aura-guestbook/backend/internal/apperr"
	"github.com/aura-guestbook/backend/internal/messages"
	"github.com/aura-guestbook/backend/internal/models"
	"github.com/aura-guestbook/backend/pkg/storage"
)

var exportMembers = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "guestbook_export_members_total",
	Help: "Export bundle members by outcome.",
}, []string{"outcome"})

// DefaultMaxMemberBytes bounds one buffered member.
const DefaultMaxMemberBytes = 200 * 1024 * 1024

// MessageSource lists an event's messages.
type MessageSource interface {
	ListByEvent(ctx context.Context, eventID uuid.UUID, filter messages.Filter) ([]models.Message, error)
}

// EventSource loads the event being exported.
type EventSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
}

// Granter issues signed URLs.
type Granter interface {
	Grant(ctx context.Context, objectPath string, class storage.AccessClass) (access.Grant, error)
}

// Fetcher downloads a signed URL whole, refusing bodies over maxBytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string, maxBytes int64) ([]byte, error)
}

// Skip records a member left out of the bundle.
type Skip struct {
	MessageID  uuid.UUID   `json:"message_id"`
	MemberName string      `json:"member_name"`
	Kind       apperr.Kind `json:"kind"`
	Reason     string      `json:"reason"`
}

// Artifact describes a finished bundle.
type Artifact struct {
	Name        string     `json:"name"`
	Members     []string   `json:"members"`
	Skipped     []Skip     `json:"skipped,omitempty"`
	Size        int64      `json:"size"`
	Key         string     `json:"key,omitempty"`
	DownloadURL string     `json:"download_url,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// RunnerOptions configure a Runner.
type RunnerOptions struct {
	MaxMemberBytes int64
	Logger         *zap.Logger
}

// Runner produces bundles. It never mutates messages.
type Runner struct {
	messages  MessageSource
	events    EventSource
	grants    Granter
	fetcher   Fetcher
	maxMember int64
	logger    *zap.Logger
}

// NewRunner creates a runner.
func NewRunner(msgs MessageSource, evs EventSource, grants Granter, fetcher Fetcher, opts RunnerOptions) *Runner {
	if opts.MaxMemberBytes <= 0 {
		opts.MaxMemberBytes = DefaultMaxMemberBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runner{messages: msgs, events: evs, grants: grants, fetcher: fetcher, maxMember: opts.MaxMemberBytes, logger: opts.Logger}
}

// Run writes the bundle for eventID to dst, one manifest entry at a time in manifest order.
// A member whose grant or download fails is skipped and recorded; only a failure to write the
// bundle itself, or cancellation, ends the run with an error. report receives running progress.
func (r *Runner) Run(ctx context.Context, eventID uuid.UUID, dst io.Writer, report func(Progress)) (*Artifact, error) {
	if report == nil {
		report = func(Progress) {}
	}
	ev, err := r.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	list, err := r.messages.ListByEvent(ctx, eventID, messages.FilterActive)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "load messages")
	}
	manifest := BuildManifest(list)
	total := len(manifest)
	report(Progress{Status: StatusRunning, Total: total, CurrentAction: "preparing"})

	cw := &countingWriter{w: dst}
	zw := zip.NewWriter(cw)
	art := &Artifact{Name: ArtifactName(ev.DisplayName), Members: make([]string, 0, total)}
	for i, entry := range manifest {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report(Progress{Status: StatusRunning, Processed: i, Total: total, CurrentAction: "fetching " + entry.MemberName})

		data, err := r.fetchMember(ctx, entry)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			exportMembers.WithLabelValues("skipped").Inc()
			r.logger.Warn("export member skipped", zap.String("event_id", eventID.String()),
				zap.String("message_id", entry.MessageID.String()), zap.String("reason", err.Error()))
			art.Skipped = append(art.Skipped, Skip{
				MessageID:  entry.MessageID,
				MemberName: entry.MemberName,
				Kind:       apperr.KindOf(err),
				Reason:     err.Error(),
			})
			continue
		}
		// Audio is stored, not deflated.
		w, err := zw.CreateHeader(&zip.FileHeader{Name: entry.MemberName, Method: zip.Store, Modified: entry.RecordedAt.UTC()})
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err, "write bundle entry")
		}
		if _, err := w.Write(data); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err, "write bundle entry")
		}
		exportMembers.WithLabelValues("added").Inc()
		art.Members = append(art.Members, entry.MemberName)
	}
	if err := zw.Close(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "finish bundle")
	}
	art.Size = cw.n
	report(Progress{Status: StatusRunning, Processed: total, Total: total, CurrentAction: "finalizing"})
	r.logger.Info("export bundle written", zap.String("event_id", eventID.String()),
		zap.Int("members", len(art.Members)), zap.Int("skipped", len(art.Skipped)), zap.Int64("bytes", art.Size))
	return art, nil
}

// fetchMember buffers the whole member so a failed transfer never leaves a partial entry.
func (r *Runner) fetchMember(ctx context.Context, e Entry) ([]byte, error) {
	g, err := r.grants.Grant(ctx, e.SourcePath, storage.ClassMedia)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			return nil, apperr.Wrap(apperr.KindUpstreamGrant, err, "grant")
		}
		return nil, err
	}
	data, err := r.fetcher.Fetch(ctx, g.URL, r.maxMember)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransfer, err, "download")
	}
	return data, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
