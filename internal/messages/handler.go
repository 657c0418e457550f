package messages

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-guestbook/backend/internal/apperr"
	"github.com/aura-guestbook/backend/internal/middleware"
	"github.com/aura-guestbook/backend/pkg/response"
)

// Handler handles message archive HTTP endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a messages handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the message routes on an authenticated group.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/events/:id/messages", h.List)
	r.GET("/messages/:id", h.Get)
	r.GET("/messages/:id/playback", h.Playback)
	r.PATCH("/messages/:id/favorite", h.SetFavorite)
	r.DELETE("/messages/:id", h.SoftDelete)
	r.POST("/messages/:id/restore", h.Restore)
	r.PATCH("/messages/:id/name", h.Rename)
	r.PATCH("/messages/:id/tags", h.SetTags)
	r.PUT("/messages/:id/photo", h.UploadPhoto)
	r.POST("/messages/:id/compensate", h.Compensate)
}

// List handles GET /events/:id/messages?filter=&q=&tags=a,b&sort=.
func (h *Handler) List(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	filter, err := ParseFilter(c.Query("filter"))
	if err != nil {
		response.Error(c, err)
		return
	}
	sortBy, err := ParseSort(c.Query("sort"))
	if err != nil {
		response.Error(c, err)
		return
	}
	q := Query{Filter: filter, Search: c.Query("q"), Sort: sortBy}
	if raw := c.Query("tags"); raw != "" {
		q.Tags = strings.Split(raw, ",")
	}
	list, err := h.svc.List(c.Request.Context(), actor(c), eventID, q)
	if err != nil {
		h.fail(c, err, "list messages")
		return
	}
	response.OK(c, list)
}

// Get handles GET /messages/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}
	m, err := h.svc.Get(c.Request.Context(), actor(c), id)
	if err != nil {
		h.fail(c, err, "get message")
		return
	}
	response.OK(c, m)
}

// Playback handles GET /messages/:id/playback.
func (h *Handler) Playback(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}
	p, err := h.svc.Playback(c.Request.Context(), actor(c), id)
	if err != nil {
		h.fail(c, err, "playback grant")
		return
	}
	response.OK(c, p)
}

type favoriteRequest struct {
	Favorite *bool `json:"favorite" binding:"required"`
}

// SetFavorite handles PATCH /messages/:id/favorite.
func (h *Handler) SetFavorite(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}
	var req favoriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	h.mutation(c, "set favorite")(h.svc.SetFavorite(c.Request.Context(), actor(c), id, *req.Favorite))
}

// SoftDelete handles DELETE /messages/:id.
func (h *Handler) SoftDelete(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}
	h.mutation(c, "delete message")(h.svc.SoftDelete(c.Request.Context(), actor(c), id))
}

// Restore handles POST /messages/:id/restore.
func (h *Handler) Restore(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}
	h.mutation(c, "restore message")(h.svc.Restore(c.Request.Context(), actor(c), id))
}

type renameRequest struct {
	Name string `json:"name"`
}

// Rename handles PATCH /messages/:id/name.
func (h *Handler) Rename(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	h.mutation(c, "rename message")(h.svc.Rename(c.Request.Context(), actor(c), id, req.Name))
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

// SetTags handles PATCH /messages/:id/tags.
func (h *Handler) SetTags(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}
	var req tagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	h.mutation(c, "set tags")(h.svc.SetTags(c.Request.Context(), actor(c), id, req.Tags))
}

// UploadPhoto handles PUT /messages/:id/photo (multipart field "file").
func (h *Handler) UploadPhoto(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}
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
	h.mutation(c, "upload photo")(h.svc.UploadPhoto(c.Request.Context(), actor(c), id, fh.Header.Get("Content-Type"), f, fh.Size))
}

// Compensate handles POST /messages/:id/compensate with a Mutation previously returned by a mutator.
func (h *Handler) Compensate(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}
	var m Mutation
	if err := c.ShouldBindJSON(&m); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if m.Before.ID != id {
		response.BadRequest(c, "mutation does not belong to this message")
		return
	}
	out, err := h.svc.Compensate(c.Request.Context(), actor(c), m)
	if err != nil {
		h.fail(c, err, "compensate mutation")
		return
	}
	response.OK(c, out)
}

func (h *Handler) mutation(c *gin.Context, what string) func(*Mutation, error) {
	return func(m *Mutation, err error) {
		if err != nil {
			h.fail(c, err, what)
			return
		}
		response.OK(c, m)
	}
}

func (h *Handler) fail(c *gin.Context, err error, what string) {
	if apperr.HTTPStatus(err) >= 500 {
		h.logger.Error(what+" failed", zap.Error(err), zap.String("path", c.Request.URL.Path))
	}
	response.Error(c, err)
}

func messageID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid message id")
		return uuid.Nil, false
	}
	return id, true
}

func actor(c *gin.Context) Actor {
	id, role := middleware.Caller(c)
	return Actor{UserID: id, Role: role}
}
