package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datarun/lmis/internal/lock"
	"github.com/datarun/lmis/internal/model"
)

type fakeLocker struct {
	err      error
	obtained int
	released int
}

func (l *fakeLocker) Obtain(_ context.Context, _ string, _ time.Duration) (lock.Release, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.obtained++
	return func(context.Context) error { l.released++; return nil }, nil
}

func processing(inbox *memInbox, id string, claimedAt time.Time) {
	inbox.add(id, "stock", `{}`, claimedAt)
	ok, _ := inbox.Claim(context.Background(), id, claimedAt)
	if !ok {
		panic("claim " + id)
	}
}

func TestSweepOnce_ReleasesOnlyStuckRecords(t *testing.T) {
	inbox := newMemInbox()
	processing(inbox, "old", t0)
	processing(inbox, "fresh", t0.Add(55*time.Minute))
	locker := &fakeLocker{}

	s := NewSweeper(inbox, locker, 10*time.Minute, nil)
	s.now = func() time.Time { return t0.Add(time.Hour) }

	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, model.StatusReceived, inbox.get("old").Status)
	assert.Equal(t, model.StatusProcessing, inbox.get("fresh").Status)
	assert.Equal(t, 1, locker.obtained)
	assert.Equal(t, 1, locker.released)
}

func TestSweepOnce_SkipsWhenLockBusy(t *testing.T) {
	inbox := newMemInbox()
	processing(inbox, "old", t0)

	s := NewSweeper(inbox, &fakeLocker{err: lock.ErrBusy}, time.Minute, nil)
	s.now = func() time.Time { return t0.Add(time.Hour) }

	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, inbox.released)
	assert.Equal(t, model.StatusProcessing, inbox.get("old").Status)
}

func TestSweepOnce_WithoutLocker(t *testing.T) {
	inbox := newMemInbox()
	processing(inbox, "old", t0)

	s := NewSweeper(inbox, nil, time.Minute, nil)
	s.now = func() time.Time { return t0.Add(time.Hour) }

	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSweepOnce_Errors(t *testing.T) {
	inbox := newMemInbox()
	inbox.releaseErr = errors.New("db down")

	_, err := NewSweeper(inbox, nil, 0, nil).SweepOnce(context.Background())
	assert.Error(t, err)

	_, err = NewSweeper(inbox, nil, time.Minute, nil).SweepOnce(context.Background())
	assert.ErrorContains(t, err, "db down")

	_, err = NewSweeper(inbox, &fakeLocker{err: errors.New("redis down")}, time.Minute, nil).SweepOnce(context.Background())
	assert.ErrorContains(t, err, "redis down")
}
