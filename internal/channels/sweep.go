package channels

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSweepBatch   = 500
	defaultLookbackDays = 7
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	Considered int  `json:"considered"`
	Acquired   int  `json:"acquired"`
	Failed     int  `json:"failed"`
	Skipped    bool `json:"skipped"` // another instance held the lock
}

// Sweeper provisions every event that came within the threshold without a number.
// It backstops ProvisionIfDue calls that were too early or failed.
type Sweeper struct {
	provisioner *Provisioner
	store       AssignmentStore
	lock        Lock
	batch       int
	lookback    int // days
	logger      *zap.Logger
}

// NewSweeper creates a sweeper. lock may be nil for single-instance deployments.
func NewSweeper(p *Provisioner, store AssignmentStore, lock Lock, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{provisioner: p, store: store, lock: lock, batch: defaultSweepBatch, lookback: defaultLookbackDays, logger: logger}
}

// SetLookback sets how many days past the event date a sweep keeps trying. Values below zero are ignored.
func (s *Sweeper) SetLookback(days int) {
	if days >= 0 {
		s.lookback = days
	}
}

// Name identifies the job in logs.
func (s *Sweeper) Name() string { return "channel_sweep" }

// Run performs one sweep. Per-event failures are counted and logged, not returned.
func (s *Sweeper) Run(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx)
		if err != nil {
			return report, err
		}
		if !ok {
			s.logger.Info("channel sweep skipped; lock held elsewhere")
			report.Skipped = true
			return report, nil
		}
		defer func() {
			if err := s.lock.Release(context.Background()); err != nil {
				s.logger.Warn("release sweep lock", zap.Error(err))
			}
		}()
	}

	now := s.provisioner.now().UTC()
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	due, err := s.store.ListDue(ctx, today.AddDate(0, 0, -s.lookback), today.AddDate(0, 0, s.provisioner.ThresholdDays()), s.batch)
	if err != nil {
		return report, err
	}
	for _, ev := range due {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Considered++
		res, err := s.provisioner.ProvisionIfDue(ctx, ev.EventID, ev.EventDate, ev.CountryCode)
		if err != nil {
			report.Failed++
			continue
		}
		if res.Acquired {
			report.Acquired++
		}
	}
	s.logger.Info("channel sweep finished", zap.Int("considered", report.Considered),
		zap.Int("acquired", report.Acquired), zap.Int("failed", report.Failed))
	return report, nil
}
