package events

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-guestbook/backend/internal/apperr"
	"github.com/aura-guestbook/backend/internal/channels"
	"github.com/aura-guestbook/backend/internal/middleware"
	"github.com/aura-guestbook/backend/internal/models"
	"github.com/aura-guestbook/backend/pkg/response"
)

// Store is the event persistence the handler needs.
type Store interface {
	Create(ctx context.Context, e *models.Event) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
	List(ctx context.Context, ownerID *uuid.UUID) ([]models.Event, error)
	IsOwner(ctx context.Context, eventID, userID uuid.UUID) (bool, error)
	GetVenue(ctx context.Context, id uuid.UUID) (*models.Venue, error)
	CreateVenue(ctx context.Context, v *models.Venue) error
	Reschedule(ctx context.Context, id uuid.UUID, date time.Time) (*models.Event, error)
}

// Provisioner acquires the event's channel when due.
type Provisioner interface {
	ProvisionIfDue(ctx context.Context, eventID uuid.UUID, eventDate time.Time, countryCode string) (channels.Result, error)
}

// Assignments reads an event's channel.
type Assignments interface {
	Get(ctx context.Context, eventID uuid.UUID) (*models.ChannelAssignment, error)
}

// CreateRequest is the body for POST /events.
type CreateRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
	VenueID     string `json:"venue_id" binding:"required,uuid"`
	EventDate   string `json:"event_date" binding:"required"` // RFC3339 or YYYY-MM-DD
}

// RescheduleRequest is the body for PATCH /events/:id.
type RescheduleRequest struct {
	EventDate string `json:"event_date" binding:"required"`
}

// CreateVenueRequest is the body for POST /venues.
type CreateVenueRequest struct {
	Name        string `json:"name" binding:"required"`
	CountryCode string `json:"country_code" binding:"required,len=2"`
}

// Provisioning is the channel outcome reported alongside a created or rescheduled event.
type Provisioning struct {
	channels.Result
	Error string `json:"error,omitempty"`
}

// EventView is an event with its channel.
type EventView struct {
	*models.Event
	Channel      *models.ChannelAssignment `json:"channel,omitempty"`
	Provisioning *Provisioning             `json:"provisioning,omitempty"`
}

// Handler handles event HTTP endpoints.
type Handler struct {
	repo        Store
	provisioner Provisioner
	assignments Assignments
	logger      *zap.Logger
}

// NewHandler creates an events handler.
func NewHandler(repo Store, provisioner Provisioner, assignments Assignments, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, provisioner: provisioner, assignments: assignments, logger: logger}
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// Create handles POST /events. The event is created even when channel provisioning fails.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	date, err := parseDate(req.EventDate)
	if err != nil {
		response.BadRequest(c, "invalid event_date")
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		response.BadRequest(c, "display_name is required")
		return
	}
	userID, _ := middleware.Caller(c)
	venueID := uuid.MustParse(req.VenueID)

	ctx := c.Request.Context()
	venue, err := h.repo.GetVenue(ctx, venueID)
	if err != nil {
		response.Error(c, err)
		return
	}
	e := &models.Event{OwnerID: userID, VenueID: venue.ID, DisplayName: name, EventDate: date}
	if err := h.repo.Create(ctx, e); err != nil {
		h.logger.Error("create event failed", zap.Error(err))
		response.Internal(c, "failed to create event")
		return
	}
	view := EventView{Event: e, Provisioning: h.provision(ctx, e, venue.CountryCode)}
	response.Created(c, view)
}

// Reschedule handles PATCH /events/:id (behind RequireEventOwner). Moving an event closer may make it due for a channel.
func (h *Handler) Reschedule(c *gin.Context) {
	eventID := EventID(c)
	var req RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	date, err := parseDate(req.EventDate)
	if err != nil {
		response.BadRequest(c, "invalid event_date")
		return
	}
	ctx := c.Request.Context()
	e, err := h.repo.Reschedule(ctx, eventID, date)
	if err != nil {
		response.Error(c, err)
		return
	}
	view := EventView{Event: e}
	if venue, err := h.repo.GetVenue(ctx, e.VenueID); err == nil {
		view.Provisioning = h.provision(ctx, e, venue.CountryCode)
	}
	response.OK(c, view)
}

// provision never fails the caller; the sweep retries anything left unprovisioned.
func (h *Handler) provision(ctx context.Context, e *models.Event, countryCode string) *Provisioning {
	if h.provisioner == nil {
		return nil
	}
	res, err := h.provisioner.ProvisionIfDue(ctx, e.ID, e.EventDate, countryCode)
	p := &Provisioning{Result: res}
	if err != nil {
		h.logger.Warn("channel provisioning failed; sweep will retry", zap.String("event_id", e.ID.String()), zap.Error(err))
		p.Error = apperr.PublicMessage(err)
	}
	return p
}

// GetByID handles GET /events/:id (behind RequireEventOwner).
func (h *Handler) GetByID(c *gin.Context) {
	eventID := EventID(c)
	e, err := h.repo.GetByID(c.Request.Context(), eventID)
	if err != nil {
		response.Error(c, err)
		return
	}
	view := EventView{Event: e}
	if h.assignments != nil {
		if a, err := h.assignments.Get(c.Request.Context(), eventID); err == nil {
			view.Channel = a
		}
	}
	response.OK(c, view)
}

// List handles GET /events. Admins see every event; owners see their own.
func (h *Handler) List(c *gin.Context) {
	userID, role := middleware.Caller(c)
	var owner *uuid.UUID
	if role != middleware.RoleAdmin {
		owner = &userID
	}
	list, err := h.repo.List(c.Request.Context(), owner)
	if err != nil {
		h.logger.Error("list events failed", zap.Error(err))
		response.Internal(c, "failed to list events")
		return
	}
	response.OK(c, list)
}

// CreateVenue handles POST /venues (admin only).
func (h *Handler) CreateVenue(c *gin.Context) {
	var req CreateVenueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	v := &models.Venue{Name: strings.TrimSpace(req.Name), CountryCode: strings.ToUpper(req.CountryCode)}
	if err := h.repo.CreateVenue(c.Request.Context(), v); err != nil {
		h.logger.Error("create venue failed", zap.Error(err))
		response.Internal(c, "failed to create venue")
		return
	}
	response.Created(c, v)
}
