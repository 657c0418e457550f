package messages

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-guestbook/backend/internal/access"
	"github.com/aura-guestbook/backend/internal/apperr"
	"github.com/aura-guestbook/backend/internal/models"
	"github.com/aura-guestbook/backend/pkg/storage"
)

type memStore struct {
	mu   sync.Mutex
	byID map[uuid.UUID]models.Message
	fail error
}

func newMemStore(msgs ...models.Message) *memStore {
	s := &memStore{byID: make(map[uuid.UUID]models.Message)}
	for _, m := range msgs {
		s.byID[m.ID] = m
	}
	return s
}

func (s *memStore) update(id uuid.UUID, fn func(m *models.Message)) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	m, ok := s.byID[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "message not found")
	}
	fn(&m)
	s.byID[id] = m
	out := m
	return &out, nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "message not found")
	}
	return &m, nil
}

func (s *memStore) ListByEvent(_ context.Context, eventID uuid.UUID, filter Filter) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.byID {
		if m.EventID == eventID && filter.Matches(&m) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) SetFavorite(_ context.Context, id uuid.UUID, favorite bool) (*models.Message, error) {
	return s.update(id, func(m *models.Message) { m.IsFavorite = favorite })
}

func (s *memStore) SoftDelete(_ context.Context, id uuid.UUID, at time.Time) (*models.Message, error) {
	return s.update(id, func(m *models.Message) {
		if !m.IsDeleted {
			m.IsDeleted = true
			m.DeletedAt = &at
		}
	})
}

func (s *memStore) Restore(_ context.Context, id uuid.UUID) (*models.Message, error) {
	return s.update(id, func(m *models.Message) {
		m.IsDeleted = false
		m.DeletedAt = nil
	})
}

func (s *memStore) Rename(_ context.Context, id uuid.UUID, name *string) (*models.Message, error) {
	return s.update(id, func(m *models.Message) { m.CallerName = name })
}

func (s *memStore) SetTags(_ context.Context, id uuid.UUID, tags []string) (*models.Message, error) {
	return s.update(id, func(m *models.Message) { m.Tags = tags })
}

func (s *memStore) AttachPhoto(_ context.Context, id uuid.UUID, photoPath *string) (*models.Message, error) {
	return s.update(id, func(m *models.Message) { m.PhotoPath = photoPath })
}

type owners map[uuid.UUID]uuid.UUID

func (o owners) IsOwner(_ context.Context, eventID, userID uuid.UUID) (bool, error) {
	return o[eventID] == userID, nil
}

type stubGranter struct {
	failPaths map[string]bool
}

func (g stubGranter) Grant(_ context.Context, objectPath string, class storage.AccessClass) (access.Grant, error) {
	if g.failPaths[objectPath] {
		return access.Grant{}, apperr.Wrap(apperr.KindUpstreamGrant, errors.New("boom"), "issue grant")
	}
	return access.Grant{URL: "https://signed/" + string(class) + "/" + objectPath}, nil
}

type recordingUploader struct {
	keys []string
}

func (u *recordingUploader) Upload(_ context.Context, _ storage.AccessClass, key, _ string, body io.Reader, _ int64) (string, error) {
	_, _ = io.Copy(io.Discard, body)
	u.keys = append(u.keys, key)
	return key, nil
}

type fixture struct {
	svc     *Service
	store   *memStore
	owner   Actor
	eventID uuid.UUID
	msg     models.Message
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	eventID := uuid.New()
	ownerID := uuid.New()
	name := "Aunt May"
	msg := models.Message{
		ID:              uuid.New(),
		EventID:         eventID,
		RecordingPath:   "recordings/a.mp3",
		CallerNumber:    "+15550100",
		CallerName:      &name,
		DurationSeconds: 42,
		Notes:           "lovely toast",
		Tags:            []string{"family"},
		CreatedAt:       time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	store := newMemStore(msg)
	svc := NewService(store, owners{eventID: ownerID}, stubGranter{}, nil)
	svc.now = func() time.Time { return time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC) }
	return &fixture{
		svc:     svc,
		store:   store,
		owner:   Actor{UserID: ownerID, Role: "owner"},
		eventID: eventID,
		msg:     msg,
	}
}

func (f *fixture) photo(name string) string {
	return storage.PhotoPrefix(f.eventID, f.msg.ID) + name
}

func assertLifecycle(t *testing.T, m models.Message) {
	t.Helper()
	assert.Equal(t, m.IsDeleted, m.DeletedAt != nil, "is_deleted must track deleted_at")
}

func TestMutatorsKeepLifecycleInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.msg.ID

	steps := []func() (*Mutation, error){
		func() (*Mutation, error) { return f.svc.SetFavorite(ctx, f.owner, id, true) },
		func() (*Mutation, error) { return f.svc.SoftDelete(ctx, f.owner, id) },
		func() (*Mutation, error) { return f.svc.SoftDelete(ctx, f.owner, id) },
		func() (*Mutation, error) { return f.svc.Rename(ctx, f.owner, id, "Uncle Ben") },
		func() (*Mutation, error) { return f.svc.Restore(ctx, f.owner, id) },
		func() (*Mutation, error) { return f.svc.SetTags(ctx, f.owner, id, []string{"a"}) },
		func() (*Mutation, error) { return f.svc.Restore(ctx, f.owner, id) },
		func() (*Mutation, error) { return f.svc.AttachPhoto(ctx, f.owner, id, f.photo("x.jpg")) },
	}
	for i, step := range steps {
		m, err := step()
		require.NoError(t, err, "step %d", i)
		assertLifecycle(t, m.Before)
		assertLifecycle(t, m.After)
	}
}

func TestSoftDeleteRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	del, err := f.svc.SoftDelete(ctx, f.owner, f.msg.ID)
	require.NoError(t, err)
	assert.True(t, del.After.IsDeleted)
	require.NotNil(t, del.After.DeletedAt)

	res, err := f.svc.Restore(ctx, f.owner, del.After.ID)
	require.NoError(t, err)
	assert.Equal(t, f.msg, res.After)
}

func TestListFiltersAndSorts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := f.msg.CreatedAt
	john := "John Smith"
	older := models.Message{ID: uuid.New(), EventID: f.eventID, RecordingPath: "recordings/b.mp3", CallerName: &john,
		DurationSeconds: 90, Tags: []string{"friends"}, IsFavorite: true, CreatedAt: base.Add(-time.Hour)}
	trashedAt := base
	trashed := models.Message{ID: uuid.New(), EventID: f.eventID, RecordingPath: "recordings/c.mp3",
		IsDeleted: true, DeletedAt: &trashedAt, CreatedAt: base.Add(time.Hour)}
	other := models.Message{ID: uuid.New(), EventID: uuid.New(), RecordingPath: "recordings/d.mp3", CreatedAt: base}
	for _, m := range []models.Message{older, trashed, other} {
		f.store.byID[m.ID] = m
	}

	list, err := f.svc.List(ctx, f.owner, f.eventID, Query{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, f.msg.ID, list[0].ID, "newest first by default")

	list, err = f.svc.List(ctx, f.owner, f.eventID, Query{Filter: FilterFavorites})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, older.ID, list[0].ID)

	list, err = f.svc.List(ctx, f.owner, f.eventID, Query{Filter: FilterTrashed})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, trashed.ID, list[0].ID)

	list, err = f.svc.List(ctx, f.owner, f.eventID, Query{Sort: SortLongest})
	require.NoError(t, err)
	assert.Equal(t, older.ID, list[0].ID)

	list, err = f.svc.List(ctx, f.owner, f.eventID, Query{Search: "TOAST"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, f.msg.ID, list[0].ID)

	list, err = f.svc.List(ctx, f.owner, f.eventID, Query{Tags: []string{"family", "friends"}})
	require.NoError(t, err)
	assert.Len(t, list, 2, "tags match any selected tag")
}

func TestSortTieBreaksByID(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := models.Message{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), CreatedAt: at}
	b := models.Message{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), CreatedAt: at}

	for _, s := range []Sort{SortNewest, SortOldest, SortLongest, SortShortest} {
		got := Apply([]models.Message{b, a}, Query{Sort: s})
		assert.Equal(t, a.ID, got[0].ID, s)
		got = Apply([]models.Message{a, b}, Query{Sort: s})
		assert.Equal(t, a.ID, got[0].ID, s)
	}
}

func TestRenameAndTagValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.svc.Rename(ctx, f.owner, f.msg.ID, "   ")
	require.NoError(t, err)
	assert.Nil(t, m.After.CallerName)

	_, err = f.svc.Rename(ctx, f.owner, f.msg.ID, strings.Repeat("x", maxNameLength+1))
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	m, err = f.svc.SetTags(ctx, f.owner, f.msg.ID, []string{" b ", "a", "", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, m.After.Tags)

	_, err = f.svc.SetTags(ctx, f.owner, f.msg.ID, []string{strings.Repeat("t", maxTagLength+1)})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.AttachPhoto(ctx, f.owner, f.msg.ID, "recordings/not-a-photo.mp3")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	for _, p := range []string{
		storage.PhotoPrefix(uuid.New(), f.msg.ID) + "p.jpg",
		storage.PhotoPrefix(f.eventID, uuid.New()) + "p.jpg",
		f.photo("../../other/p.jpg"),
		storage.PhotoPrefix(f.eventID, f.msg.ID),
	} {
		_, err = f.svc.AttachPhoto(ctx, f.owner, f.msg.ID, p)
		assert.True(t, apperr.Is(err, apperr.KindValidation), p)
	}
	stored, _ := f.store.GetByID(ctx, f.msg.ID)
	assert.Nil(t, stored.PhotoPath)
}

func TestCompensateRestoresPreviousValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ren, err := f.svc.Rename(ctx, f.owner, f.msg.ID, "Someone Else")
	require.NoError(t, err)
	out, err := f.svc.Compensate(ctx, f.owner, *ren)
	require.NoError(t, err)
	assert.Equal(t, f.msg.CallerName, out.CallerName)

	del, err := f.svc.SoftDelete(ctx, f.owner, f.msg.ID)
	require.NoError(t, err)
	out, err = f.svc.Compensate(ctx, f.owner, *del)
	require.NoError(t, err)
	assert.False(t, out.IsDeleted)
	assert.Nil(t, out.DeletedAt)

	del, err = f.svc.SoftDelete(ctx, f.owner, f.msg.ID)
	require.NoError(t, err)
	res, err := f.svc.Restore(ctx, f.owner, f.msg.ID)
	require.NoError(t, err)
	out, err = f.svc.Compensate(ctx, f.owner, *res)
	require.NoError(t, err)
	assert.True(t, out.IsDeleted)
	assert.Equal(t, del.After.DeletedAt, out.DeletedAt)
}

func TestCompensateRejectsForgedValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	attached, err := f.svc.AttachPhoto(ctx, f.owner, f.msg.ID, f.photo("mine.jpg"))
	require.NoError(t, err)

	foreign := storage.PhotoPrefix(uuid.New(), uuid.New()) + "theirs.jpg"
	recording := "recordings/other-event.mp3"
	for _, p := range []string{foreign, recording} {
		forged := *attached
		forged.Before.PhotoPath = &p
		_, err = f.svc.Compensate(ctx, f.owner, forged)
		assert.True(t, apperr.Is(err, apperr.KindValidation), p)
	}

	long := strings.Repeat("n", maxNameLength+1)
	forged := Mutation{Op: OpRename, Before: f.msg}
	forged.Before.CallerName = &long
	_, err = f.svc.Compensate(ctx, f.owner, forged)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	forged = Mutation{Op: OpTags, Before: f.msg}
	forged.Before.Tags = []string{strings.Repeat("t", maxTagLength+1)}
	_, err = f.svc.Compensate(ctx, f.owner, forged)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	stored, _ := f.store.GetByID(ctx, f.msg.ID)
	require.NotNil(t, stored.PhotoPath)
	assert.Equal(t, f.photo("mine.jpg"), *stored.PhotoPath)
	assert.Equal(t, f.msg.CallerName, stored.CallerName)
	assert.Equal(t, f.msg.Tags, stored.Tags)

	out, err := f.svc.Compensate(ctx, f.owner, *attached)
	require.NoError(t, err)
	assert.Nil(t, out.PhotoPath)
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stranger := Actor{UserID: uuid.New(), Role: "owner"}
	_, err := f.svc.SetFavorite(ctx, stranger, f.msg.ID, true)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	_, err = f.svc.List(ctx, stranger, f.eventID, Query{})
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	stored, _ := f.store.GetByID(ctx, f.msg.ID)
	assert.False(t, stored.IsFavorite, "rejected mutation must not write")

	admin := Actor{UserID: uuid.New(), Role: RoleAdmin}
	_, err = f.svc.SetFavorite(ctx, admin, f.msg.ID, true)
	assert.NoError(t, err)
}

func TestStoreFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	f.store.fail = errors.New("connection reset")

	_, err := f.svc.SetFavorite(context.Background(), f.owner, f.msg.ID, true)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func TestPlaybackPrefersEnhanced(t *testing.T) {
	f := newFixture(t)
	enhanced := "enhanced/a.mp3"
	photo := f.photo("a.jpg")
	m := f.msg
	m.EnhancedRecordingPath = &enhanced
	m.PhotoPath = &photo
	f.store.byID[m.ID] = m

	p, err := f.svc.Playback(context.Background(), f.owner, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://signed/media/enhanced/a.mp3", p.Audio.URL)
	require.NotNil(t, p.Photo)
	assert.Equal(t, "https://signed/image/"+photo, p.Photo.URL)

	f.svc.grants = stubGranter{failPaths: map[string]bool{enhanced: true}}
	_, err = f.svc.Playback(context.Background(), f.owner, m.ID)
	assert.True(t, apperr.Is(err, apperr.KindUpstreamGrant))
}

func TestUploadPhoto(t *testing.T) {
	f := newFixture(t)
	up := &recordingUploader{}
	f.svc.SetUploader(up, 0)
	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

	m, err := f.svc.UploadPhoto(context.Background(), f.owner, f.msg.ID, "image/png", bytes.NewReader(png), int64(len(png)))
	require.NoError(t, err)
	require.Len(t, up.keys, 1)
	require.NotNil(t, m.After.PhotoPath)
	assert.Equal(t, up.keys[0], *m.After.PhotoPath)

	_, err = f.svc.UploadPhoto(context.Background(), f.owner, f.msg.ID, "image/png", bytes.NewReader(png), 12*1024*1024)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Len(t, up.keys, 1, "rejected upload must not be stored")
}
