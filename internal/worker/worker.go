package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aura-guestbook/backend/internal/access"
	"github.com/aura-guestbook/backend/internal/apperr"
	"github.com/aura-guestbook/backend/internal/export"
	"github.com/aura-guestbook/backend/pkg/queue"
	"github.com/aura-guestbook/backend/pkg/storage"
)

var exportRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "guestbook_export_runs_total",
	Help: "Finished export jobs by status.",
}, []string{"status"})

// Bundler writes an event's bundle.
type Bundler interface {
	Run(ctx context.Context, eventID uuid.UUID, dst io.Writer, report func(export.Progress)) (*export.Artifact, error)
}

// ProgressTracker stores job progress and relays cancel requests.
type ProgressTracker interface {
	Publish(ctx context.Context, p export.Progress) error
	Get(ctx context.Context, jobID string) (*export.Progress, error)
	WatchCancel(ctx context.Context, jobID string, onCancel func()) (stop func(), err error)
}

// Uploader writes the finished bundle to private storage under a download file name.
type Uploader interface {
	UploadAttachment(ctx context.Context, class storage.AccessClass, key, contentType, filename string, body io.Reader, contentLength int64) (string, error)
}

// Granter signs the download URL.
type Granter interface {
	Grant(ctx context.Context, objectPath string, class storage.AccessClass) (access.Grant, error)
}

// JobQueue is the job source.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// ExportProcessor runs archive export jobs: bundle to a temp file, upload it, publish the result.
type ExportProcessor struct {
	bundler  Bundler
	tracker  ProgressTracker
	uploader Uploader
	grants   Granter
	queue    JobQueue
	tempDir  string
	logger   *zap.Logger
}

// NewExportProcessor creates an export processor. tempDir "" uses the OS default.
func NewExportProcessor(b Bundler, t ProgressTracker, u Uploader, g Granter, q JobQueue, tempDir string, logger *zap.Logger) *ExportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportProcessor{bundler: b, tracker: t, uploader: u, grants: g, queue: q, tempDir: tempDir, logger: logger}
}

// errRetry marks failures worth another attempt of the whole job.
var errRetry = errors.New("retryable export failure")

// Process executes one export job. It returns an error only when the job should be retried;
// every other outcome is published as a terminal status.
func (p *ExportProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeArchiveExport {
		return p.reject(ctx, job, export.Progress{JobID: job.ID}, fmt.Errorf("unknown job type %q", job.Type))
	}
	var payload queue.ArchiveExportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return p.reject(ctx, job, export.Progress{JobID: job.ID}, fmt.Errorf("unmarshal payload: %w", err))
	}
	base := export.Progress{JobID: job.ID, EventID: payload.EventID}
	if payload.EventID == uuid.Nil {
		return p.reject(ctx, job, base, errors.New("payload has no event"))
	}

	if cur, err := p.tracker.Get(ctx, job.ID); err == nil && cur.Terminal() {
		p.logger.Info("export job already finished", zap.String("job_id", job.ID), zap.String("status", string(cur.Status)))
		return nil
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch, err := p.tracker.WatchCancel(jobCtx, job.ID, cancel)
	if err != nil {
		p.logger.Warn("cancel watch unavailable", zap.String("job_id", job.ID), zap.Error(err))
	} else {
		defer stopWatch()
	}

	f, err := os.CreateTemp(p.tempDir, "export-*.zip")
	if err != nil {
		return p.fail(ctx, job, base, fmt.Errorf("%w: temp file: %v", errRetry, err))
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	last := base
	report := func(pr export.Progress) {
		pr.JobID, pr.EventID = job.ID, payload.EventID
		last = pr
		p.logger.Debug("export progress", zap.String("job_id", job.ID), zap.Int("percent", pr.Percent()),
			zap.String("action", pr.CurrentAction))
		if err := p.tracker.Publish(ctx, pr); err != nil {
			p.logger.Warn("publish progress", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	art, err := p.bundler.Run(jobCtx, payload.EventID, f, report)
	if err != nil {
		if jobCtx.Err() != nil && ctx.Err() == nil {
			return p.finish(ctx, last, export.StatusFailed, export.ReasonCancelled, nil)
		}
		if ctx.Err() != nil || apperr.Retryable(err) {
			// Worker shutdown or a transient failure: let another attempt pick it up.
			return p.fail(ctx, job, last, fmt.Errorf("%w: %v", errRetry, err))
		}
		return p.finish(ctx, last, export.StatusFailed, failureReason(err), nil)
	}

	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return p.fail(ctx, job, last, fmt.Errorf("%w: %v", errRetry, err))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return p.fail(ctx, job, last, fmt.Errorf("%w: %v", errRetry, err))
	}
	key := storage.ExportKey(payload.EventID, job.ID)
	if _, err := p.uploader.UploadAttachment(jobCtx, storage.ClassMedia, key, "application/zip", art.Name, f, size); err != nil {
		if jobCtx.Err() != nil && ctx.Err() == nil {
			return p.finish(ctx, last, export.StatusFailed, export.ReasonCancelled, nil)
		}
		return p.fail(ctx, job, last, fmt.Errorf("%w: upload bundle: %v", errRetry, err))
	}
	art.Key = key
	if g, err := p.grants.Grant(ctx, key, storage.ClassMedia); err == nil {
		art.DownloadURL = g.URL
		if !g.ExpiresAt.IsZero() {
			exp := g.ExpiresAt
			art.ExpiresAt = &exp
		}
	} else {
		p.logger.Warn("bundle grant failed; status endpoint will retry", zap.String("job_id", job.ID), zap.Error(err))
	}
	return p.finish(ctx, last, export.StatusComplete, "", art)
}

// reject ends a job that no attempt could run. It is not retried.
func (p *ExportProcessor) reject(ctx context.Context, job *queue.Job, base export.Progress, err error) error {
	p.logger.Error("export job rejected", zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.Error(err))
	if job.ID == "" {
		return nil
	}
	return p.finish(ctx, base, export.StatusFailed, "invalid export request", nil)
}

func failureReason(err error) string {
	if apperr.KindOf(err) == apperr.KindInternal {
		return "could not build the archive"
	}
	return apperr.PublicMessage(err)
}

func (p *ExportProcessor) finish(ctx context.Context, last export.Progress, status export.Status, reason string, art *export.Artifact) error {
	last.Status, last.Reason, last.Artifact = status, reason, art
	last.CurrentAction = ""
	last.UpdatedAt = time.Now().UTC()
	if status == export.StatusComplete {
		last.Processed = last.Total
	}
	exportRuns.WithLabelValues(string(status)).Inc()
	if err := p.tracker.Publish(ctx, last); err != nil {
		p.logger.Error("publish final progress", zap.String("job_id", last.JobID), zap.Error(err))
	}
	p.logger.Info("export job finished", zap.String("job_id", last.JobID), zap.String("status", string(status)), zap.String("reason", reason))
	return nil
}

// fail returns err for a retry, or publishes it as terminal on the last attempt.
func (p *ExportProcessor) fail(ctx context.Context, job *queue.Job, last export.Progress, err error) error {
	if job.LastAttempt() {
		_ = p.finish(ctx, last, export.StatusFailed, "export failed; please try again", nil)
		return err
	}
	last.Status, last.CurrentAction = export.StatusQueued, "retrying"
	if pubErr := p.tracker.Publish(ctx, last); pubErr != nil {
		p.logger.Warn("publish retry progress", zap.String("job_id", job.ID), zap.Error(pubErr))
	}
	return err
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ExportProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("export worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(context.Background(), job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			sleep(ctx, queue.RetryBackoff)
			continue
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
