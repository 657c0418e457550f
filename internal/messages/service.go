package messages

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-guestbook/backend/internal/access"
	"github.com/aura-guestbook/backend/internal/apperr"
	"github.com/aura-guestbook/backend/internal/models"
	"github.com/aura-guestbook/backend/pkg/storage"
)

const (
	maxNameLength = 200
	maxTags       = 50
	maxTagLength  = 50
)

// RoleAdmin may act on any event.
const RoleAdmin = "admin"

// Store is the message persistence the service needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error)
	ListByEvent(ctx context.Context, eventID uuid.UUID, filter Filter) ([]models.Message, error)
	SetFavorite(ctx context.Context, id uuid.UUID, favorite bool) (*models.Message, error)
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) (*models.Message, error)
	Restore(ctx context.Context, id uuid.UUID) (*models.Message, error)
	Rename(ctx context.Context, id uuid.UUID, name *string) (*models.Message, error)
	SetTags(ctx context.Context, id uuid.UUID, tags []string) (*models.Message, error)
	AttachPhoto(ctx context.Context, id uuid.UUID, photoPath *string) (*models.Message, error)
}

// EventOwnership answers whether a user owns an event.
type EventOwnership interface {
	IsOwner(ctx context.Context, eventID, userID uuid.UUID) (bool, error)
}

// Granter issues signed URLs.
type Granter interface {
	Grant(ctx context.Context, objectPath string, class storage.AccessClass) (access.Grant, error)
}

// Uploader writes validated objects to private storage.
type Uploader interface {
	Upload(ctx context.Context, class storage.AccessClass, key, contentType string, body io.Reader, contentLength int64) (string, error)
}

// Actor is the already-authenticated caller.
type Actor struct {
	UserID uuid.UUID
	Role   string
}

// Op names a mutation so it can be compensated.
type Op string

const (
	OpFavorite Op = "favorite"
	OpDelete   Op = "delete"
	OpRestore  Op = "restore"
	OpRename   Op = "rename"
	OpTags     Op = "tags"
	OpPhoto    Op = "photo"
)

// Mutation is the result of a mutator: the message before and after. A caller that applied the
// change optimistically can hand it back to Compensate to restore the previous field value.
type Mutation struct {
	Op     Op             `json:"op"`
	Before models.Message `json:"before"`
	After  models.Message `json:"after"`
}

// Playback is what a player needs to render one message.
type Playback struct {
	MessageID uuid.UUID     `json:"message_id"`
	Audio     access.Grant  `json:"audio"`
	Photo     *access.Grant `json:"photo,omitempty"`
}

// Service applies owner actions to messages. Writes are last-writer-wins.
type Service struct {
	store    Store
	events   EventOwnership
	grants   Granter
	uploader Uploader
	maxPhoto int64
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a message service.
func NewService(store Store, events EventOwnership, grants Granter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, events: events, grants: grants, maxPhoto: storage.DefaultMaxUploadBytes, logger: logger, now: time.Now}
}

// SetUploader enables photo uploads. maxBytes <= 0 keeps the default limit.
func (s *Service) SetUploader(u Uploader, maxBytes int64) {
	s.uploader = u
	if maxBytes > 0 {
		s.maxPhoto = maxBytes
	}
}

// List returns an event's messages filtered, searched and sorted.
func (s *Service) List(ctx context.Context, actor Actor, eventID uuid.UUID, q Query) ([]models.Message, error) {
	if err := s.authorize(ctx, actor, eventID); err != nil {
		return nil, err
	}
	if q.Filter == "" {
		q.Filter = FilterActive
	}
	list, err := s.store.ListByEvent(ctx, eventID, q.Filter)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "list messages")
	}
	return Apply(list, q), nil
}

// Get returns one message.
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*models.Message, error) {
	return s.load(ctx, actor, id)
}

// SetFavorite marks or unmarks a favorite.
func (s *Service) SetFavorite(ctx context.Context, actor Actor, id uuid.UUID, favorite bool) (*Mutation, error) {
	return s.mutate(ctx, actor, id, OpFavorite, func(ctx context.Context, _ *models.Message) (*models.Message, error) {
		return s.store.SetFavorite(ctx, id, favorite)
	})
}

// SoftDelete moves a message to the trash. The recording object is untouched.
func (s *Service) SoftDelete(ctx context.Context, actor Actor, id uuid.UUID) (*Mutation, error) {
	at := s.now().UTC()
	return s.mutate(ctx, actor, id, OpDelete, func(ctx context.Context, _ *models.Message) (*models.Message, error) {
		return s.store.SoftDelete(ctx, id, at)
	})
}

// Restore takes a message out of the trash.
func (s *Service) Restore(ctx context.Context, actor Actor, id uuid.UUID) (*Mutation, error) {
	return s.mutate(ctx, actor, id, OpRestore, func(ctx context.Context, _ *models.Message) (*models.Message, error) {
		return s.store.Restore(ctx, id)
	})
}

// Rename sets the caller name; a blank name clears it.
func (s *Service) Rename(ctx context.Context, actor Actor, id uuid.UUID, name string) (*Mutation, error) {
	value, err := normalizeName(&name)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, actor, id, OpRename, func(ctx context.Context, _ *models.Message) (*models.Message, error) {
		return s.store.Rename(ctx, id, value)
	})
}

// SetTags replaces the tag set. Tags are trimmed and de-duplicated, keeping first occurrence order.
func (s *Service) SetTags(ctx context.Context, actor Actor, id uuid.UUID, tags []string) (*Mutation, error) {
	clean, err := normalizeTags(tags)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, actor, id, OpTags, func(ctx context.Context, _ *models.Message) (*models.Message, error) {
		return s.store.SetTags(ctx, id, clean)
	})
}

// AttachPhoto points the message at an uploaded photo object.
func (s *Service) AttachPhoto(ctx context.Context, actor Actor, id uuid.UUID, photoPath string) (*Mutation, error) {
	photoPath = strings.TrimSpace(photoPath)
	return s.mutate(ctx, actor, id, OpPhoto, func(ctx context.Context, before *models.Message) (*models.Message, error) {
		if err := checkPhotoPath(before, photoPath); err != nil {
			return nil, err
		}
		return s.store.AttachPhoto(ctx, id, &photoPath)
	})
}

// UploadPhoto validates an image, stores it under the event's photo folder and attaches it.
// Nothing is written when validation fails.
func (s *Service) UploadPhoto(ctx context.Context, actor Actor, id uuid.UUID, declared string, body io.Reader, size int64) (*Mutation, error) {
	if s.uploader == nil {
		return nil, apperr.New(apperr.KindInternal, "photo storage not configured")
	}
	m, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(body, storage.SniffBytes)
	head, err := br.Peek(storage.SniffBytes)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, apperr.Wrap(apperr.KindValidation, err, "unreadable upload")
	}
	checked, err := storage.ValidateImage(declared, head, size, s.maxPhoto)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, err.Error())
	}
	key := storage.PhotoKey(m.EventID, m.ID, checked.Ext)
	if _, err := s.uploader.Upload(ctx, storage.ClassImage, key, checked.ContentType, br, size); err != nil {
		return nil, apperr.Wrap(apperr.KindTransfer, err, "store photo")
	}
	return s.AttachPhoto(ctx, actor, id, key)
}

// Compensate writes back the field a mutation changed, as it was before.
// The Before values come from the caller, so they pass the same checks as a forward mutation.
func (s *Service) Compensate(ctx context.Context, actor Actor, m Mutation) (*models.Message, error) {
	id := m.Before.ID
	current, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	var out *models.Message
	switch m.Op {
	case OpFavorite:
		out, err = s.store.SetFavorite(ctx, id, m.Before.IsFavorite)
	case OpDelete, OpRestore:
		if m.Before.IsDeleted && m.Before.DeletedAt != nil {
			if _, err = s.store.Restore(ctx, id); err == nil {
				out, err = s.store.SoftDelete(ctx, id, *m.Before.DeletedAt)
			}
		} else {
			out, err = s.store.Restore(ctx, id)
		}
	case OpRename:
		name, verr := normalizeName(m.Before.CallerName)
		if verr != nil {
			return nil, verr
		}
		out, err = s.store.Rename(ctx, id, name)
	case OpTags:
		tags, verr := normalizeTags(m.Before.Tags)
		if verr != nil {
			return nil, verr
		}
		out, err = s.store.SetTags(ctx, id, tags)
	case OpPhoto:
		var photo *string
		if m.Before.PhotoPath != nil && strings.TrimSpace(*m.Before.PhotoPath) != "" {
			p := strings.TrimSpace(*m.Before.PhotoPath)
			if verr := checkPhotoPath(current, p); verr != nil {
				return nil, verr
			}
			photo = &p
		}
		out, err = s.store.AttachPhoto(ctx, id, photo)
	default:
		return nil, apperr.Newf(apperr.KindValidation, "unknown mutation %q", m.Op)
	}
	if err != nil {
		return nil, storeErr(err, "compensate "+string(m.Op))
	}
	s.logger.Info("mutation compensated", zap.String("message_id", id.String()), zap.String("op", string(m.Op)))
	return out, nil
}

// Playback returns signed URLs for the preferred recording and the photo, if any.
// A failed photo grant is dropped; a failed audio grant fails the call.
func (s *Service) Playback(ctx context.Context, actor Actor, id uuid.UUID) (*Playback, error) {
	m, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if m.PlaybackPath() == "" {
		return nil, apperr.New(apperr.KindNotFound, "message has no playable recording")
	}
	audio, err := s.grants.Grant(ctx, m.PlaybackPath(), storage.ClassMedia)
	if err != nil {
		return nil, err
	}
	out := &Playback{MessageID: m.ID, Audio: audio}
	if m.PhotoPath != nil && *m.PhotoPath != "" {
		photo, err := s.grants.Grant(ctx, *m.PhotoPath, storage.ClassImage)
		if err != nil {
			s.logger.Warn("photo grant failed", zap.String("message_id", m.ID.String()), zap.Error(err))
		} else {
			out.Photo = &photo
		}
	}
	return out, nil
}

func (s *Service) mutate(ctx context.Context, actor Actor, id uuid.UUID, op Op, apply func(context.Context, *models.Message) (*models.Message, error)) (*Mutation, error) {
	before, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	after, err := apply(ctx, before)
	if err != nil {
		return nil, storeErr(err, string(op))
	}
	return &Mutation{Op: op, Before: *before, After: *after}, nil
}

func (s *Service) load(ctx context.Context, actor Actor, id uuid.UUID) (*models.Message, error) {
	m, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr(err, "load message")
	}
	if err := s.authorize(ctx, actor, m.EventID); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) authorize(ctx context.Context, actor Actor, eventID uuid.UUID) error {
	if actor.Role == RoleAdmin {
		return nil
	}
	if actor.UserID == uuid.Nil {
		return apperr.New(apperr.KindAuthorization, "missing caller")
	}
	ok, err := s.events.IsOwner(ctx, eventID, actor.UserID)
	if err != nil {
		return storeErr(err, "check event owner")
	}
	if !ok {
		return apperr.New(apperr.KindAuthorization, "not the event owner")
	}
	return nil
}

func storeErr(err error, msg string) error {
	if apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	return apperr.Wrap(apperr.KindInternal, err, msg)
}

// normalizeName trims a caller name; blank clears it.
func normalizeName(name *string) (*string, error) {
	if name == nil {
		return nil, nil
	}
	v := strings.TrimSpace(*name)
	if utf8.RuneCountInString(v) > maxNameLength {
		return nil, apperr.Newf(apperr.KindValidation, "name longer than %d characters", maxNameLength)
	}
	if v == "" {
		return nil, nil
	}
	return &v, nil
}

// checkPhotoPath accepts only image objects stored under the message's own photo folder.
func checkPhotoPath(m *models.Message, p string) error {
	if class, ok := storage.ClassOf(p); !ok || class != storage.ClassImage {
		return apperr.Newf(apperr.KindValidation, "photo path %q is not an image object", p)
	}
	if !storage.WithinPrefix(p, storage.PhotoPrefix(m.EventID, m.ID)) {
		return apperr.Newf(apperr.KindValidation, "photo path %q does not belong to this message", p)
	}
	return nil
}

func normalizeTags(tags []string) ([]string, error) {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if utf8.RuneCountInString(t) > maxTagLength {
			return nil, apperr.Newf(apperr.KindValidation, "tag longer than %d characters", maxTagLength)
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) > maxTags {
		return nil, apperr.Newf(apperr.KindValidation, "at most %d tags", maxTags)
	}
	return out, nil
}
