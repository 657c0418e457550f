package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-guestbook/backend/internal/apperr"
)

const (
	snapshotPrefix  = "export:job:"
	progressPrefix  = "export:progress:"
	cancelPrefix    = "export:cancel:"
	publishTimeout  = 5 * time.Second
	defaultSnapshot = 24 * time.Hour
)

// Tracker keeps the latest progress of each job in Redis and fans updates out over pub/sub,
// so any API instance can answer status and stream requests for jobs running on any worker.
type Tracker struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewTracker creates a Redis-backed tracker. Snapshots expire after ttl.
func NewTracker(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Tracker {
	if ttl <= 0 {
		ttl = defaultSnapshot
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{client: client, ttl: ttl, logger: logger}
}

// Publish stores p as the job's snapshot and notifies subscribers.
func (t *Tracker) Publish(ctx context.Context, p Progress) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	pipe := t.client.TxPipeline()
	pipe.Set(ctx, snapshotPrefix+p.JobID, body, t.ttl)
	pipe.Publish(ctx, progressPrefix+p.JobID, body)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	return nil
}

// Get returns the job's latest snapshot.
func (t *Tracker) Get(ctx context.Context, jobID string) (*Progress, error) {
	raw, err := t.client.Get(ctx, snapshotPrefix+jobID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperr.New(apperr.KindNotFound, "export job not found")
		}
		return nil, err
	}
	var p Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return &p, nil
}

// Subscribe calls handler for each update of jobID until cancel is called.
func (t *Tracker) Subscribe(jobID string, handler func(Progress)) (cancel func(), err error) {
	return t.subscribe(progressPrefix+jobID, func(payload string) {
		var p Progress
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return
		}
		handler(p)
	})
}

// RequestCancel asks the worker running jobID to stop.
func (t *Tracker) RequestCancel(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	pipe := t.client.TxPipeline()
	pipe.Set(ctx, cancelPrefix+jobID, "1", t.ttl)
	pipe.Publish(ctx, cancelPrefix+jobID, "1")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	return nil
}

// WatchCancel calls onCancel once when a cancel is requested for jobID, including one requested
// before the watch started.
func (t *Tracker) WatchCancel(ctx context.Context, jobID string, onCancel func()) (stop func(), err error) {
	stop, err = t.subscribe(cancelPrefix+jobID, func(string) { onCancel() })
	if err != nil {
		return nil, err
	}
	n, err := t.client.Exists(ctx, cancelPrefix+jobID).Result()
	if err != nil {
		t.logger.Warn("read cancel flag", zap.String("job_id", jobID), zap.Error(err))
	} else if n > 0 {
		onCancel()
	}
	return stop, nil
}

func (t *Tracker) subscribe(channel string, handler func(payload string)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := t.client.Subscribe(ctx, channel)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Payload)
			}
		}
	}()
	return cancelCtx, nil
}
