package export

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-guestbook/backend/internal/apperr"
	"github.com/aura-guestbook/backend/internal/middleware"
	"github.com/aura-guestbook/backend/pkg/queue"
	"github.com/aura-guestbook/backend/pkg/response"
	"github.com/aura-guestbook/backend/pkg/storage"
)

const (
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Enqueuer queues export jobs.
type Enqueuer interface {
	EnqueueExport(ctx context.Context, payload queue.ArchiveExportPayload) (string, error)
}

// JobTracker is the progress store the handler reads.
type JobTracker interface {
	Publish(ctx context.Context, p Progress) error
	Get(ctx context.Context, jobID string) (*Progress, error)
	Subscribe(jobID string, handler func(Progress)) (cancel func(), err error)
	RequestCancel(ctx context.Context, jobID string) error
}

// Ownership answers whether a user owns an event.
type Ownership interface {
	IsOwner(ctx context.Context, eventID, userID uuid.UUID) (bool, error)
}

// TokenValidator resolves a bearer token to the caller.
type TokenValidator func(token string) (userID uuid.UUID, role string, err error)

// Handler handles export HTTP endpoints.
type Handler struct {
	queue    Enqueuer
	tracker  JobTracker
	events   Ownership
	grants   Granter
	validate TokenValidator
	logger   *zap.Logger

	// ping is how often an open stream pings the client and re-reads the job snapshot.
	ping time.Duration
}

// NewHandler creates an export handler.
func NewHandler(q Enqueuer, t JobTracker, events Ownership, grants Granter, validate TokenValidator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{queue: q, tracker: t, events: events, grants: grants, validate: validate, logger: logger, ping: pingInterval}
}

// Start handles POST /events/:id/exports. The event has been authorized by the route.
func (h *Handler) Start(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	userID, _ := middleware.Caller(c)
	ctx := c.Request.Context()
	jobID, err := h.queue.EnqueueExport(ctx, queue.ArchiveExportPayload{EventID: eventID, RequestedBy: userID})
	if err != nil {
		h.logger.Error("enqueue export failed", zap.Error(err), zap.String("event_id", eventID.String()))
		response.ServiceUnavailable(c, "could not start export")
		return
	}
	p := Progress{JobID: jobID, EventID: eventID, Status: StatusQueued, UpdatedAt: time.Now().UTC()}
	if err := h.tracker.Publish(ctx, p); err != nil {
		h.logger.Warn("publish queued progress", zap.Error(err), zap.String("job_id", jobID))
	}
	c.JSON(http.StatusAccepted, response.Body{Success: true, Data: p})
}

// Status handles GET /exports/:jobId.
func (h *Handler) Status(c *gin.Context) {
	userID, role := middleware.Caller(c)
	p, err := h.load(c.Request.Context(), c.Param("jobId"), userID, role)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, h.withFreshURL(c.Request.Context(), p))
}

// Cancel handles DELETE /exports/:jobId. A finished job is left as it is.
func (h *Handler) Cancel(c *gin.Context) {
	userID, role := middleware.Caller(c)
	ctx := c.Request.Context()
	p, err := h.load(ctx, c.Param("jobId"), userID, role)
	if err != nil {
		response.Error(c, err)
		return
	}
	if p.Terminal() {
		response.Conflict(c, "export already finished")
		return
	}
	if err := h.tracker.RequestCancel(ctx, p.JobID); err != nil {
		h.logger.Error("request cancel failed", zap.Error(err), zap.String("job_id", p.JobID))
		response.Internal(c, "failed to cancel export")
		return
	}
	c.JSON(http.StatusAccepted, response.Body{Success: true, Data: gin.H{"job_id": p.JobID, "cancel_requested": true}})
}

// Stream handles GET /exports/:jobId/stream?token=. Sends the current state, then every update,
// and closes after the terminal one.
func (h *Handler) Stream(c *gin.Context) {
	userID, role, err := h.validate(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	jobID := c.Param("jobId")
	current, err := h.load(c.Request.Context(), jobID, userID, role)
	if err != nil {
		response.Error(c, err)
		return
	}

	updates := make(chan Progress, 64)
	done := make(chan struct{})
	stop, err := h.tracker.Subscribe(jobID, func(p Progress) {
		if p.Terminal() {
			select {
			case updates <- p:
			case <-done:
			}
			return
		}
		select {
		case updates <- p:
		default:
			// Intermediate states may be dropped for a slow reader; the terminal one never is.
		}
	})
	if err != nil {
		h.logger.Warn("subscribe progress", zap.Error(err), zap.String("job_id", jobID))
		response.ServiceUnavailable(c, "progress stream unavailable")
		return
	}
	defer stop()
	defer close(done)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Re-read after subscribing so an update between load and subscribe is not lost.
	if latest, err := h.tracker.Get(c.Request.Context(), jobID); err == nil {
		current = latest
	}
	closed := readUntilClose(conn, h.ping)
	h.writeLoop(c.Request.Context(), conn, *current, updates, closed)
}

// writeLoop sends first, then updates, until a terminal state has been sent. Each ping tick also
// re-reads the snapshot, so a terminal state whose pub/sub message was lost still ends the stream.
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, first Progress, updates <-chan Progress, closed <-chan struct{}) {
	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()

	send := func(p Progress) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(h.withFreshURL(ctx, &p)) == nil
	}
	finish := func(p Progress) {
		if send(p) {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}
	}
	if first.Terminal() {
		finish(first)
		return
	}
	if !send(first) {
		return
	}
	last := first
	for {
		select {
		case <-closed:
			return
		case p := <-updates:
			if p.Terminal() {
				finish(p)
				return
			}
			if p.Status == last.Status && p.Processed < last.Processed {
				continue
			}
			last = p
			if !send(p) {
				return
			}
		case <-ticker.C:
			if snap, err := h.tracker.Get(ctx, first.JobID); err == nil && snap.Terminal() {
				finish(*snap)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readUntilClose drains client frames so pongs and close frames are processed.
func readUntilClose(conn *websocket.Conn, ping time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(2 * ping))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * ping))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return done
}

func (h *Handler) load(ctx context.Context, jobID string, userID uuid.UUID, role string) (*Progress, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, apperr.New(apperr.KindValidation, "invalid job id")
	}
	p, err := h.tracker.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if role == middleware.RoleAdmin {
		return p, nil
	}
	ok, err := h.events.IsOwner(ctx, p.EventID, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "check event owner")
	}
	if !ok {
		// Same answer as a missing job so job ids cannot be probed.
		return nil, apperr.New(apperr.KindNotFound, "export job not found")
	}
	return p, nil
}

// withFreshURL re-signs a finished bundle so the link in a status response is always usable.
func (h *Handler) withFreshURL(ctx context.Context, p *Progress) *Progress {
	if p.Status != StatusComplete || p.Artifact == nil || p.Artifact.Key == "" || h.grants == nil {
		return p
	}
	g, err := h.grants.Grant(ctx, p.Artifact.Key, storage.ClassMedia)
	if err != nil {
		return p
	}
	art := *p.Artifact
	art.DownloadURL = g.URL
	art.ExpiresAt = nil
	if !g.ExpiresAt.IsZero() {
		exp := g.ExpiresAt
		art.ExpiresAt = &exp
	}
	out := *p
	out.Artifact = &art
	return &out
}
