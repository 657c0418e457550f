package events

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-guestbook/backend/internal/apperr"
	"github.com/aura-guestbook/backend/internal/channels"
	"github.com/aura-guestbook/backend/internal/middleware"
	"github.com/aura-guestbook/backend/internal/models"
)

type memStore struct {
	events map[uuid.UUID]*models.Event
	venues map[uuid.UUID]*models.Venue
}

func newMemStore() *memStore {
	return &memStore{events: map[uuid.UUID]*models.Event{}, venues: map[uuid.UUID]*models.Venue{}}
}

func (s *memStore) Create(_ context.Context, e *models.Event) error {
	e.ID = uuid.New()
	s.events[e.ID] = e
	return nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Event, error) {
	if e, ok := s.events[id]; ok {
		return e, nil
	}
	return nil, apperr.New(apperr.KindNotFound, "event not found")
}

func (s *memStore) List(_ context.Context, ownerID *uuid.UUID) ([]models.Event, error) {
	var out []models.Event
	for _, e := range s.events {
		if ownerID == nil || e.OwnerID == *ownerID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *memStore) IsOwner(_ context.Context, eventID, userID uuid.UUID) (bool, error) {
	e, ok := s.events[eventID]
	return ok && e.OwnerID == userID, nil
}

func (s *memStore) GetVenue(_ context.Context, id uuid.UUID) (*models.Venue, error) {
	if v, ok := s.venues[id]; ok {
		return v, nil
	}
	return nil, apperr.New(apperr.KindNotFound, "venue not found")
}

func (s *memStore) CreateVenue(_ context.Context, v *models.Venue) error {
	v.ID = uuid.New()
	s.venues[v.ID] = v
	return nil
}

func (s *memStore) Reschedule(_ context.Context, id uuid.UUID, date time.Time) (*models.Event, error) {
	e, err := s.GetByID(context.Background(), id)
	if err != nil {
		return nil, err
	}
	e.EventDate = date
	return e, nil
}

type stubProvisioner struct {
	res     channels.Result
	err     error
	country string
}

func (p *stubProvisioner) ProvisionIfDue(_ context.Context, _ uuid.UUID, _ time.Time, country string) (channels.Result, error) {
	p.country = country
	return p.res, p.err
}

func newRouter(h *Handler, store *memStore, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserID, userID)
		c.Set(middleware.ContextUserRole, "owner")
		c.Next()
	})
	r.POST("/events", h.Create)
	r.GET("/events/:id", RequireEventOwner(store), h.GetByID)
	return r
}

func TestCreateSurvivesProvisioningFailure(t *testing.T) {
	store := newMemStore()
	venue := &models.Venue{Name: "Hall", CountryCode: "NZ"}
	require.NoError(t, store.CreateVenue(context.Background(), venue))
	prov := &stubProvisioner{res: channels.Result{DaysUntilEvent: 4}, err: apperr.New(apperr.KindProvisioning, "down")}
	owner := uuid.New()
	r := newRouter(NewHandler(store, prov, nil, nil), store, owner)

	body, _ := json.Marshal(CreateRequest{DisplayName: "Sam & Alex", VenueID: venue.ID.String(), EventDate: "2030-01-02"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body)))

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Len(t, store.events, 1)
	assert.Equal(t, "NZ", prov.country)

	var out struct {
		Data struct {
			ID           uuid.UUID `json:"id"`
			OwnerID      uuid.UUID `json:"owner_id"`
			Provisioning struct {
				Acquired       bool   `json:"acquired"`
				DaysUntilEvent int    `json:"days_until_event"`
				Error          string `json:"error"`
			} `json:"provisioning"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, owner, out.Data.OwnerID)
	assert.False(t, out.Data.Provisioning.Acquired)
	assert.Equal(t, 4, out.Data.Provisioning.DaysUntilEvent)
	assert.NotEmpty(t, out.Data.Provisioning.Error)
}

func TestCreateRejectsUnknownVenue(t *testing.T) {
	store := newMemStore()
	r := newRouter(NewHandler(store, &stubProvisioner{}, nil, nil), store, uuid.New())

	body, _ := json.Marshal(CreateRequest{DisplayName: "X", VenueID: uuid.NewString(), EventDate: "2030-01-02"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body)))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, store.events)
}

func TestGetRequiresOwner(t *testing.T) {
	store := newMemStore()
	e := &models.Event{OwnerID: uuid.New(), DisplayName: "Mine"}
	require.NoError(t, store.Create(context.Background(), e))

	r := newRouter(NewHandler(store, nil, nil, nil), store, uuid.New())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events/"+e.ID.String(), nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	r = newRouter(NewHandler(store, nil, nil, nil), store, e.OwnerID)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events/"+e.ID.String(), nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("2030-05-06")
	require.NoError(t, err)
	assert.Equal(t, 6, d.Day())

	_, err = parseDate("tomorrow")
	assert.Error(t, err)
}
