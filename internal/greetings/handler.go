package greetings

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-guestbook/backend/internal/events"
	"github.com/aura-guestbook/backend/pkg/response"
)

// Handler handles greeting HTTP endpoints. Routes sit behind events.RequireEventOwner.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a greetings handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// Get handles GET /events/:id/greeting.
func (h *Handler) Get(c *gin.Context) {
	v, err := h.svc.Get(c.Request.Context(), events.EventID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, v)
}

// Upload handles PUT /events/:id/greeting (multipart field "file").
func (h *Handler) Upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "file is required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, "unreadable upload")
		return
	}
	defer f.Close()
	v, err := h.svc.Upload(c.Request.Context(), events.EventID(c), fh.Header.Get("Content-Type"), f, fh.Size)
	if err != nil {
		h.logger.Info("greeting upload rejected", zap.Error(err))
		response.Error(c, err)
		return
	}
	response.OK(c, v)
}

// GeneratedRequest is the body for PUT /events/:id/greeting/generated. A null path removes it.
type GeneratedRequest struct {
	Path *string `json:"path"`
}

// SetGenerated handles PUT /events/:id/greeting/generated (admin; called by the voice synthesis pipeline).
func (h *Handler) SetGenerated(c *gin.Context) {
	var req GeneratedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	v, err := h.svc.SetGenerated(c.Request.Context(), events.EventID(c), req.Path)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, v)
}

// Clear handles DELETE /events/:id/greeting ("use automated voice").
func (h *Handler) Clear(c *gin.Context) {
	v, err := h.svc.Clear(c.Request.Context(), events.EventID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, v)
}
