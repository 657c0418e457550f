package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-guestbook/backend/internal/apperr"
	"github.com/aura-guestbook/backend/internal/models"
)

type row struct {
	number      *string
	country     *string
	at          *time.Time
	claim       uuid.UUID
	claimedAt   time.Time
	lastAttempt *time.Time
	date        time.Time
}

// memStore applies the same conditions as the SQL updates under one mutex.
type memStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*row
	sets int
	now  func() time.Time
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{rows: make(map[uuid.UUID]*row), now: now}
}

func (s *memStore) add(eventID uuid.UUID, date time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[eventID] = &row{date: date}
}

func (s *memStore) Get(_ context.Context, eventID uuid.UUID) (*models.ChannelAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[eventID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "channel assignment not found")
	}
	return &models.ChannelAssignment{EventID: eventID, ChannelNumber: r.number, ProvisionedAt: r.at, CountryCode: r.country}, nil
}

func (s *memStore) Claim(_ context.Context, eventID, token uuid.UUID, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows[eventID]
	if r == nil || r.number != nil || (r.claim != uuid.Nil && !r.claimedAt.Before(staleBefore)) {
		return false, nil
	}
	now := s.now()
	r.claim, r.claimedAt, r.lastAttempt = token, now, &now
	return true, nil
}

func (s *memStore) Complete(_ context.Context, eventID, token uuid.UUID, number, country string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows[eventID]
	if r == nil || r.claim != token || r.number != nil {
		return false, nil
	}
	r.number, r.country, r.at = &number, &country, &at
	r.claim = uuid.Nil
	s.sets++
	return true, nil
}

func (s *memStore) ReleaseClaim(_ context.Context, eventID, token uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.rows[eventID]; r != nil && r.claim == token {
		r.claim = uuid.Nil
	}
	return nil
}

func (s *memStore) ListDue(_ context.Context, from, before time.Time, limit int) ([]DueEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type due struct {
		DueEvent
		tried *time.Time
	}
	var all []due
	for id, r := range s.rows {
		if r.number == nil && !r.date.Before(from) && r.date.Before(before) {
			all = append(all, due{DueEvent{EventID: id, EventDate: r.date, CountryCode: "US"}, r.lastAttempt})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if (a.tried == nil) != (b.tried == nil) {
			return a.tried == nil
		}
		if a.tried != nil && !a.tried.Equal(*b.tried) {
			return a.tried.Before(*b.tried)
		}
		if !a.EventDate.Equal(b.EventDate) {
			return a.EventDate.Before(b.EventDate)
		}
		return a.EventID.String() < b.EventID.String()
	})
	out := make([]DueEvent, 0, limit)
	for _, d := range all {
		if len(out) == limit {
			break
		}
		out = append(out, d.DueEvent)
	}
	return out, nil
}

type fakeAcquirer struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (a *fakeAcquirer) AcquireChannel(ctx context.Context, country string) (string, error) {
	n := a.calls.Add(1)
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if a.err != nil {
		return "", a.err
	}
	return fmt.Sprintf("+1555%07d", n), nil
}

var fixedNow = time.Date(2026, 3, 1, 15, 30, 0, 0, time.UTC)

func newProvisioner(store AssignmentStore, acq Acquirer) *Provisioner {
	return NewProvisioner(store, acq, Options{Now: func() time.Time { return fixedNow }})
}

func TestDaysUntil(t *testing.T) {
	assert.Equal(t, 0, DaysUntil(fixedNow, fixedNow.Add(time.Hour)))
	assert.Equal(t, 1, DaysUntil(fixedNow, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 45, DaysUntil(fixedNow, fixedNow.AddDate(0, 0, 45)))
	assert.Equal(t, -3, DaysUntil(fixedNow, fixedNow.AddDate(0, 0, -3)))
}

func TestProvisionTenDaysOutAcquires(t *testing.T) {
	store := newMemStore(func() time.Time { return fixedNow })
	eventID := uuid.New()
	date := fixedNow.AddDate(0, 0, 10)
	store.add(eventID, date)
	acq := &fakeAcquirer{}

	res, err := newProvisioner(store, acq).ProvisionIfDue(context.Background(), eventID, date, "us")
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	require.NotNil(t, res.ChannelNumber)
	assert.Equal(t, 10, res.DaysUntilEvent)

	a, _ := store.Get(context.Background(), eventID)
	assert.Equal(t, res.ChannelNumber, a.ChannelNumber)
	require.NotNil(t, a.CountryCode)
	assert.Equal(t, "US", *a.CountryCode)
}

func TestProvisionFortyFiveDaysOutWaits(t *testing.T) {
	store := newMemStore(func() time.Time { return fixedNow })
	eventID := uuid.New()
	date := fixedNow.AddDate(0, 0, 45)
	store.add(eventID, date)
	acq := &fakeAcquirer{}

	res, err := newProvisioner(store, acq).ProvisionIfDue(context.Background(), eventID, date, "US")
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Nil(t, res.ChannelNumber)
	assert.Equal(t, 45, res.DaysUntilEvent)
	assert.Zero(t, acq.calls.Load())
}

func TestProvisionPastEventStillAcquires(t *testing.T) {
	store := newMemStore(func() time.Time { return fixedNow })
	eventID := uuid.New()
	date := fixedNow.AddDate(0, 0, -2)
	store.add(eventID, date)

	res, err := newProvisioner(store, &fakeAcquirer{}).ProvisionIfDue(context.Background(), eventID, date, "GB")
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.Equal(t, -2, res.DaysUntilEvent)
}

func TestProvisionTwiceSetsOneNumber(t *testing.T) {
	store := newMemStore(func() time.Time { return fixedNow })
	eventID := uuid.New()
	date := fixedNow.AddDate(0, 0, 5)
	store.add(eventID, date)
	acq := &fakeAcquirer{}
	p := newProvisioner(store, acq)

	first, err := p.ProvisionIfDue(context.Background(), eventID, date, "US")
	require.NoError(t, err)
	second, err := p.ProvisionIfDue(context.Background(), eventID, date, "US")
	require.NoError(t, err)

	assert.True(t, first.Acquired)
	assert.False(t, second.Acquired)
	assert.Equal(t, first.ChannelNumber, second.ChannelNumber)
	assert.EqualValues(t, 1, acq.calls.Load())
	assert.Equal(t, 1, store.sets)
}

func TestConcurrentProvisionAcquiresOnce(t *testing.T) {
	store := newMemStore(func() time.Time { return fixedNow })
	eventID := uuid.New()
	date := fixedNow.AddDate(0, 0, 3)
	store.add(eventID, date)
	acq := &fakeAcquirer{delay: 20 * time.Millisecond}
	p := newProvisioner(store, acq)

	var wg sync.WaitGroup
	var acquired atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.ProvisionIfDue(context.Background(), eventID, date, "US")
			assert.NoError(t, err)
			if res.Acquired {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, acquired.Load())
	assert.EqualValues(t, 1, acq.calls.Load())
	assert.Equal(t, 1, store.sets)
}

func TestProvisionFailureReleasesClaim(t *testing.T) {
	store := newMemStore(func() time.Time { return fixedNow })
	eventID := uuid.New()
	date := fixedNow.AddDate(0, 0, 3)
	store.add(eventID, date)
	acq := &fakeAcquirer{err: errors.New("no inventory")}
	p := newProvisioner(store, acq)

	_, err := p.ProvisionIfDue(context.Background(), eventID, date, "US")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindProvisioning))

	acq.err = nil
	res, err := p.ProvisionIfDue(context.Background(), eventID, date, "US")
	require.NoError(t, err)
	assert.True(t, res.Acquired, "a failed attempt must not block the next one")
}

func TestProvisionTimesOut(t *testing.T) {
	store := newMemStore(func() time.Time { return fixedNow })
	eventID := uuid.New()
	date := fixedNow.AddDate(0, 0, 3)
	store.add(eventID, date)
	acq := &fakeAcquirer{delay: time.Second}
	p := NewProvisioner(store, acq, Options{UpstreamTimeout: 20 * time.Millisecond, Now: func() time.Time { return fixedNow }})

	start := time.Now()
	_, err := p.ProvisionIfDue(context.Background(), eventID, date, "US")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestProvisionRequiresCountry(t *testing.T) {
	store := newMemStore(func() time.Time { return fixedNow })
	eventID := uuid.New()
	date := fixedNow.AddDate(0, 0, 3)
	store.add(eventID, date)

	_, err := newProvisioner(store, &fakeAcquirer{}).ProvisionIfDue(context.Background(), eventID, date, " ")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

type memLock struct {
	held bool
}

func (l *memLock) Acquire(context.Context) (bool, error) {
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *memLock) Release(context.Context) error {
	l.held = false
	return nil
}

func TestSweepProvisionsDueEvents(t *testing.T) {
	store := newMemStore(func() time.Time { return fixedNow })
	soon, later := uuid.New(), uuid.New()
	store.add(soon, fixedNow.AddDate(0, 0, 12))
	store.add(later, fixedNow.AddDate(0, 0, 60))
	lock := &memLock{}
	s := NewSweeper(newProvisioner(store, &fakeAcquirer{}), store, lock, nil)

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Considered)
	assert.Equal(t, 1, report.Acquired)
	assert.False(t, lock.held)

	a, _ := store.Get(context.Background(), later)
	assert.False(t, a.Provisioned())
}

func TestSweepIgnoresEventsPastLookback(t *testing.T) {
	store := newMemStore(func() time.Time { return fixedNow })
	recent, stale := uuid.New(), uuid.New()
	store.add(recent, fixedNow.AddDate(0, 0, -2))
	store.add(stale, fixedNow.AddDate(0, 0, -40))
	acq := &fakeAcquirer{}
	s := NewSweeper(newProvisioner(store, acq), store, nil, nil)
	s.SetLookback(7)

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Considered)
	assert.EqualValues(t, 1, acq.calls.Load())

	a, _ := store.Get(context.Background(), stale)
	assert.False(t, a.Provisioned())
}

func TestSweepRotatesPastFailingEvents(t *testing.T) {
	store := newMemStore(func() time.Time { return fixedNow })
	first, second := uuid.New(), uuid.New()
	store.add(first, fixedNow.AddDate(0, 0, 3))
	store.add(second, fixedNow.AddDate(0, 0, 4))
	acq := &fakeAcquirer{err: errors.New("no numbers in region")}
	s := NewSweeper(newProvisioner(store, acq), store, nil, nil)
	s.batch = 1

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	due, err := store.ListDue(context.Background(), fixedNow.AddDate(0, 0, -7), fixedNow.AddDate(0, 0, 30), 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, second, due[0].EventID, "an event that was just tried moves behind untried ones")

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.EqualValues(t, 2, acq.calls.Load(), "each sweep tried a different event")
}

func TestSweepSkipsWhenLocked(t *testing.T) {
	store := newMemStore(func() time.Time { return fixedNow })
	store.add(uuid.New(), fixedNow.AddDate(0, 0, 1))
	s := NewSweeper(newProvisioner(store, &fakeAcquirer{}), store, &memLock{held: true}, nil)

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Zero(t, report.Considered)
}
