// Package channels assigns each event its inbound telephony number once the event is near enough.
package channels

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aura-guestbook/backend/internal/apperr"
	"github.com/aura-guestbook/backend/internal/models"
)

const (
	// DefaultThresholdDays is how close an event must be before a number is acquired.
	DefaultThresholdDays   = 30
	defaultClaimTimeout    = 2 * time.Minute
	defaultUpstreamTimeout = 15 * time.Second
)

var provisionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "guestbook_channel_provision_total",
	Help: "Channel provisioning attempts by outcome.",
}, []string{"outcome"})

// Acquirer is the telephony provisioning boundary.
type Acquirer interface {
	AcquireChannel(ctx context.Context, countryCode string) (string, error)
}

// AssignmentStore persists channel assignments with compare-and-swap semantics.
// Claim succeeds only while channel_number is null and no live claim exists;
// Complete sets the number only for the holder of the claim and only while it is still null.
type AssignmentStore interface {
	Get(ctx context.Context, eventID uuid.UUID) (*models.ChannelAssignment, error)
	Claim(ctx context.Context, eventID, token uuid.UUID, staleBefore time.Time) (bool, error)
	Complete(ctx context.Context, eventID, token uuid.UUID, number, countryCode string, at time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, eventID, token uuid.UUID) error
	ListDue(ctx context.Context, from, before time.Time, limit int) ([]DueEvent, error)
}

// DueEvent is an event without a number, with its venue's current country.
type DueEvent struct {
	EventID     uuid.UUID
	EventDate   time.Time
	CountryCode string
}

// Result reports what one provisioning call did.
type Result struct {
	Acquired       bool    `json:"acquired"`
	ChannelNumber  *string `json:"channel_number,omitempty"`
	DaysUntilEvent int     `json:"days_until_event"`
}

// Options configure a Provisioner. Zero values take the defaults.
type Options struct {
	ThresholdDays   int
	ClaimTimeout    time.Duration
	UpstreamTimeout time.Duration
	Logger          *zap.Logger
	Now             func() time.Time
}

// Provisioner acquires at most one channel per event.
type Provisioner struct {
	store     AssignmentStore
	acquirer  Acquirer
	threshold int
	claimTTL  time.Duration
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewProvisioner creates a provisioner.
func NewProvisioner(store AssignmentStore, acquirer Acquirer, opts Options) *Provisioner {
	if opts.ThresholdDays <= 0 {
		opts.ThresholdDays = DefaultThresholdDays
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = defaultClaimTimeout
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = defaultUpstreamTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Provisioner{
		store:     store,
		acquirer:  acquirer,
		threshold: opts.ThresholdDays,
		claimTTL:  opts.ClaimTimeout,
		timeout:   opts.UpstreamTimeout,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// ThresholdDays returns the configured threshold.
func (p *Provisioner) ThresholdDays() int { return p.threshold }

// DaysUntil counts whole UTC calendar days from now to the event date. Past dates are negative.
func DaysUntil(now, eventDate time.Time) int {
	y, m, d := now.UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	y, m, d = eventDate.UTC().Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return int(day.Sub(today).Hours() / 24)
}

// ProvisionIfDue acquires a number for the event when it is fewer than the threshold days away
// and none is assigned yet. Further away, it does nothing and leaves the event to the sweep.
// A second call for an event that already has a number, or one being acquired, takes no action.
func (p *Provisioner) ProvisionIfDue(ctx context.Context, eventID uuid.UUID, eventDate time.Time, countryCode string) (Result, error) {
	now := p.now()
	res := Result{DaysUntilEvent: DaysUntil(now, eventDate)}
	if res.DaysUntilEvent >= p.threshold {
		provisionOutcomes.WithLabelValues("not_due").Inc()
		return res, nil
	}
	countryCode = strings.ToUpper(strings.TrimSpace(countryCode))
	if countryCode == "" {
		provisionOutcomes.WithLabelValues("failed").Inc()
		return res, apperr.New(apperr.KindValidation, "venue has no country configured")
	}

	current, err := p.store.Get(ctx, eventID)
	if err != nil {
		return res, apperr.Wrap(apperr.KindProvisioning, err, "read channel assignment")
	}
	if current.Provisioned() {
		provisionOutcomes.WithLabelValues("already_set").Inc()
		res.ChannelNumber = current.ChannelNumber
		return res, nil
	}

	token := uuid.New()
	claimed, err := p.store.Claim(ctx, eventID, token, now.Add(-p.claimTTL))
	if err != nil {
		return res, apperr.Wrap(apperr.KindProvisioning, err, "claim channel assignment")
	}
	if !claimed {
		provisionOutcomes.WithLabelValues("in_flight").Inc()
		if latest, err := p.store.Get(ctx, eventID); err == nil && latest.Provisioned() {
			res.ChannelNumber = latest.ChannelNumber
		}
		return res, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	number, err := p.acquirer.AcquireChannel(callCtx, countryCode)
	cancel()
	if err != nil {
		p.release(eventID, token)
		provisionOutcomes.WithLabelValues("failed").Inc()
		p.logger.Warn("channel acquisition failed", zap.String("event_id", eventID.String()),
			zap.String("country", countryCode), zap.Error(err))
		return res, apperr.Wrap(apperr.KindProvisioning, err, "acquire channel")
	}

	ok, err := p.store.Complete(ctx, eventID, token, number, countryCode, p.now().UTC())
	if err != nil || !ok {
		// The number was bought but could not be recorded; it needs manual release at the provider.
		p.release(eventID, token)
		provisionOutcomes.WithLabelValues("orphaned").Inc()
		p.logger.Error("acquired channel not recorded", zap.String("event_id", eventID.String()),
			zap.String("channel_number", number), zap.Bool("claim_lost", err == nil), zap.Error(err))
		if err == nil {
			err = apperr.New(apperr.KindProvisioning, "channel claim expired before completion")
		}
		return res, apperr.Wrap(apperr.KindProvisioning, err, "record channel")
	}

	provisionOutcomes.WithLabelValues("acquired").Inc()
	p.logger.Info("channel acquired", zap.String("event_id", eventID.String()), zap.String("channel_number", number),
		zap.Int("days_until_event", res.DaysUntilEvent))
	res.Acquired = true
	res.ChannelNumber = &number
	return res, nil
}

func (p *Provisioner) release(eventID, token uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.ReleaseClaim(ctx, eventID, token); err != nil {
		p.logger.Warn("release channel claim", zap.String("event_id", eventID.String()), zap.Error(err))
	}
}
