package greetings

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-guestbook/backend/internal/access"
	"github.com/aura-guestbook/backend/internal/apperr"
	"github.com/aura-guestbook/backend/internal/models"
	"github.com/aura-guestbook/backend/pkg/storage"
)

// Store is the event persistence greetings need.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
	SetCustomGreeting(ctx context.Context, id uuid.UUID, objectPath string) (*models.Event, error)
	ClearCustomGreeting(ctx context.Context, id uuid.UUID) (*models.Event, error)
	SetGeneratedGreeting(ctx context.Context, id uuid.UUID, objectPath *string) (*models.Event, error)
}

// Uploader writes validated objects to private storage.
type Uploader interface {
	Upload(ctx context.Context, class storage.AccessClass, key, contentType string, body io.Reader, contentLength int64) (string, error)
}

// Granter issues signed URLs.
type Granter interface {
	Grant(ctx context.Context, objectPath string, class storage.AccessClass) (access.Grant, error)
}

type invalidator interface {
	Invalidate(objectPath string, class storage.AccessClass)
}

// View is a resolution with a playable URL when one could be issued.
type View struct {
	Resolution
	URL         string     `json:"url,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Unavailable bool       `json:"unavailable,omitempty"` // a greeting exists but could not be signed
}

// Service manages an event's greeting.
type Service struct {
	store    Store
	uploader Uploader
	grants   Granter
	maxBytes int64
	logger   *zap.Logger
}

// NewService creates a greeting service. maxBytes <= 0 uses the 10MB default.
func NewService(store Store, uploader Uploader, grants Granter, maxBytes int64, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBytes <= 0 {
		maxBytes = storage.DefaultMaxUploadBytes
	}
	return &Service{store: store, uploader: uploader, grants: grants, maxBytes: maxBytes, logger: logger}
}

// Get resolves the event's greeting and signs it for playback.
func (s *Service) Get(ctx context.Context, eventID uuid.UUID) (*View, error) {
	e, err := s.store.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, e), nil
}

// Upload validates an audio file and makes it the custom greeting. The generated greeting is kept.
// A rejected upload writes nothing.
func (s *Service) Upload(ctx context.Context, eventID uuid.UUID, declared string, body io.Reader, size int64) (*View, error) {
	br := bufio.NewReaderSize(body, storage.SniffBytes)
	head, err := br.Peek(storage.SniffBytes)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, apperr.Wrap(apperr.KindValidation, err, "unreadable upload")
	}
	checked, err := storage.ValidateAudio(declared, head, size, s.maxBytes)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, err.Error())
	}
	prev, err := s.store.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	key := storage.GreetingKey(eventID, checked.Ext)
	if _, err := s.uploader.Upload(ctx, storage.ClassMedia, key, checked.ContentType, br, size); err != nil {
		return nil, apperr.Wrap(apperr.KindTransfer, err, "store greeting")
	}
	e, err := s.store.SetCustomGreeting(ctx, eventID, key)
	if err != nil {
		return nil, err
	}
	if prev.CustomGreetingPath != nil && *prev.CustomGreetingPath != key {
		s.forget(*prev.CustomGreetingPath)
	}
	s.logger.Info("custom greeting uploaded", zap.String("event_id", eventID.String()), zap.String("key", key))
	return s.view(ctx, e), nil
}

// Clear removes the custom greeting so callers hear the generated one, or none.
func (s *Service) Clear(ctx context.Context, eventID uuid.UUID) (*View, error) {
	e, err := s.store.ClearCustomGreeting(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, e), nil
}

// SetGenerated records the synthesized greeting for the event, or removes it when objectPath is nil.
// The path must name a media object.
func (s *Service) SetGenerated(ctx context.Context, eventID uuid.UUID, objectPath *string) (*View, error) {
	if objectPath != nil {
		p := strings.TrimSpace(*objectPath)
		if p == "" {
			objectPath = nil
		} else if class, ok := storage.ClassOf(p); !ok || class != storage.ClassMedia {
			return nil, apperr.Newf(apperr.KindValidation, "greeting path %q is not a media object", p)
		} else {
			objectPath = &p
		}
	}
	e, err := s.store.SetGeneratedGreeting(ctx, eventID, objectPath)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, e), nil
}

// forget drops a cached grant for a greeting that is no longer referenced.
func (s *Service) forget(objectPath string) {
	if inv, ok := s.grants.(invalidator); ok {
		inv.Invalidate(objectPath, storage.ClassMedia)
	}
}

func (s *Service) view(ctx context.Context, e *models.Event) *View {
	v := &View{Resolution: Resolve(e)}
	if v.Path == nil || s.grants == nil {
		return v
	}
	g, err := s.grants.Grant(ctx, *v.Path, storage.ClassMedia)
	if err != nil {
		s.logger.Warn("greeting grant failed", zap.String("event_id", e.ID.String()), zap.Error(err))
		v.Unavailable = true
		return v
	}
	v.URL = g.URL
	if !g.ExpiresAt.IsZero() {
		exp := g.ExpiresAt
		v.ExpiresAt = &exp
	}
	return v
}
