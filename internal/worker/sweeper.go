package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/datarun/lmis/internal/lock"
	"github.com/datarun/lmis/internal/metrics"
	"go.uber.org/zap"
)

const sweepLockKey = "lmis:inbox:sweep"

// Releaser returns PROCESSING records claimed before cutoff to RECEIVED.
type Releaser interface {
	ReleaseStuck(ctx context.Context, cutoff, at time.Time) (int64, error)
}

// Sweeper recovers records whose relay died between claim and completion.
// Locker is optional; with it only one process sweeps at a time.
type Sweeper struct {
	Inbox      Releaser
	Locker     lock.Locker
	StuckAfter time.Duration
	Interval   time.Duration
	Log        *zap.Logger

	now func() time.Time
}

func NewSweeper(inbox Releaser, locker lock.Locker, stuckAfter time.Duration, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		Inbox:      inbox,
		Locker:     locker,
		StuckAfter: stuckAfter,
		Interval:   time.Minute,
		Log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SweepOnce releases stuck records and returns how many were released. It returns 0
// without touching the store when another process holds the sweep lock.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	if s.StuckAfter <= 0 {
		return 0, fmt.Errorf("sweeper: stuck_after must be positive, got %s", s.StuckAfter)
	}

	if s.Locker != nil {
		release, err := s.Locker.Obtain(ctx, sweepLockKey, s.StuckAfter)
		if errors.Is(err, lock.ErrBusy) {
			s.Log.Debug("sweep lock held elsewhere")
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("obtain sweep lock: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.Log.Warn("release sweep lock", zap.Error(err))
			}
		}()
	}

	now := s.now()
	n, err := s.Inbox.ReleaseStuck(ctx, now.Add(-s.StuckAfter), now)
	if err != nil {
		return 0, fmt.Errorf("release stuck: %w", err)
	}
	if n > 0 {
		metrics.SweptTotal.Add(float64(n))
		s.Log.Warn("released stuck records", zap.Int64("count", n), zap.Duration("stuck_after", s.StuckAfter))
	}
	return n, nil
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.Interval <= 0 {
		return errors.New("sweeper: interval must be positive")
	}
	tick := time.NewTicker(s.Interval)
	defer tick.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.Log.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}
