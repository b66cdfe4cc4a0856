package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/datarun/lmis/internal/dispatcher"
	"github.com/datarun/lmis/internal/mapping"
	"github.com/datarun/lmis/internal/metrics"
	"github.com/datarun/lmis/internal/model"
	"github.com/datarun/lmis/internal/repository"
	"github.com/datarun/lmis/internal/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Inbox is the part of the inbox store the relay needs.
type Inbox interface {
	ListReceived(ctx context.Context, limit int) ([]model.InboxRecord, error)
	Claim(ctx context.Context, id string, at time.Time) (bool, error)
	Unclaim(ctx context.Context, id string, at time.Time) error
	Complete(ctx context.Context, c model.Completion) error
}

// Contracts resolves mapping contracts; it returns repository.ErrNotFound for unknown ones.
type Contracts interface {
	Get(ctx context.Context, name string, version int) (*model.MappingContract, error)
}

// Sender delivers a mapped payload to the destination. Ready is false while the
// destination is known to be down; Send then returns dispatcher.ErrBreakerOpen.
type Sender interface {
	Ready() bool
	Send(ctx context.Context, body []byte) (dispatcher.Result, error)
}

// Stats summarizes one RunOnce.
type Stats struct {
	Listed   int
	Sent     int
	Failed   int
	Skipped  int // claimed by another runner
	Deferred int // claimed, then handed back untouched because the breaker opened
}

// Relay:
// - reads RECEIVED records oldest first,
// - claims each one atomically,
// - maps it through its contract and POSTs it to the destination,
// - writes the final status and one log entry per attempt.
type Relay struct {
	// Dependencies
	Inbox     Inbox
	Contracts Contracts
	Dispatch  Sender
	Log       *zap.Logger

	// Behavior
	BatchSize    int           // max records per run
	Workers      int           // records processed in parallel within a run
	Interval     time.Duration // time between runs
	Trigger      <-chan struct{}
	FinalizeWait time.Duration // bound on writing the outcome of an attempt

	now func() time.Time
}

// NewRelay builds a relay with sane defaults.
func NewRelay(inbox Inbox, contracts Contracts, dispatch Sender, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		Inbox:        inbox,
		Contracts:    contracts,
		Dispatch:     dispatch,
		Log:          log,
		BatchSize:    100,
		Workers:      8,
		Interval:     15 * time.Second,
		FinalizeWait: 10 * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run processes batches on every tick and trigger until ctx is cancelled. A failed run is
// logged and the next tick tries again.
func (r *Relay) Run(ctx context.Context) error {
	if r.Interval <= 0 {
		return errors.New("relay: interval must be positive")
	}

	tick := time.NewTicker(r.Interval)
	defer tick.Stop()

	r.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			r.runLogged(ctx)
		case <-r.Trigger:
			r.runLogged(ctx)
		}
	}
}

func (r *Relay) runLogged(ctx context.Context) {
	st, err := r.RunOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.RunsTotal.WithLabelValues("error").Inc()
		r.Log.Error("relay run failed", zap.Error(err),
			zap.Int("sent", st.Sent), zap.Int("failed", st.Failed))
		return
	}
	metrics.RunsTotal.WithLabelValues("ok").Inc()
	if st.Listed > 0 {
		r.Log.Info("relay run finished",
			zap.Int("listed", st.Listed), zap.Int("sent", st.Sent),
			zap.Int("failed", st.Failed), zap.Int("skipped", st.Skipped), zap.Int("deferred", st.Deferred))
	}
}

// RunOnce processes one batch. Mapping and dispatch failures are recorded per record and
// never abort the batch. A store failure stops the run and is returned; records already
// in flight still finish. While the breaker is open no record is claimed, so the rest of
// the batch stays RECEIVED for a later run.
func (r *Relay) RunOnce(ctx context.Context) (Stats, error) {
	batch := r.BatchSize
	if batch <= 0 {
		batch = 100
	}
	workers := r.Workers
	if workers <= 0 {
		workers = 1
	}

	recs, err := r.Inbox.ListReceived(ctx, batch)
	if err != nil {
		return Stats{}, fmt.Errorf("list received: %w", err)
	}

	var (
		mu    sync.Mutex
		stats = Stats{Listed: len(recs)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	halted := func() bool { return gctx.Err() != nil || !r.Dispatch.Ready() }
	for _, rec := range recs {
		if halted() {
			break
		}
		rec := rec
		g.Go(func() error {
			// checked again: the slot may have opened after a failure elsewhere
			if halted() {
				return nil
			}
			// ctx, not gctx: a sibling's store error must not abort a POST in flight
			status, err := r.processOne(ctx, rec)
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case model.StatusSent:
				stats.Sent++
			case model.StatusFailed:
				stats.Failed++
			case model.StatusReceived:
				stats.Deferred++
			case "":
				if err == nil {
					stats.Skipped++
				}
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, ctx.Err()
}

// processOne runs a single attempt. It returns the final status it recorded, RECEIVED when
// the record was handed back without a call, "" when it was skipped, and an error only for
// store failures.
func (r *Relay) processOne(ctx context.Context, rec model.InboxRecord) (model.InboxStatus, error) {
	log := r.Log.With(zap.String("inbox_id", rec.ID), zap.String("contract", rec.ContractName))

	claimed, err := r.Inbox.Claim(ctx, rec.ID, r.now())
	if err != nil {
		return "", fmt.Errorf("claim %s: %w", rec.ID, err)
	}
	if !claimed {
		metrics.ClaimConflictsTotal.Inc()
		log.Debug("record claimed by another runner")
		return "", nil
	}

	attempt := rec.Attempts + 1

	body, err := r.mapRecord(ctx, rec)
	if err != nil {
		var me *mapping.Error
		if !errors.As(err, &me) {
			// contract lookup hit the store; the record stays PROCESSING for the sweep
			return "", err
		}
		log.Warn("mapping failed", zap.String("kind", string(me.Kind)), zap.String("field", me.Field))
		return r.finish(ctx, rec, attempt, model.StatusFailed, model.ErrorKindMapping, nil, me.Error())
	}

	res, err := r.Dispatch.Send(ctx, body)
	if errors.Is(err, dispatcher.ErrBreakerOpen) {
		// no call was made, so this was not an attempt
		log.Debug("breaker open, record handed back")
		return r.unclaim(ctx, rec)
	}
	metrics.DispatchDuration.WithLabelValues(metrics.StatusClass(res.StatusCode)).Observe(res.Duration.Seconds())
	if err != nil {
		var code *int
		if res.StatusCode > 0 {
			c := res.StatusCode
			code = &c
		}
		log.Warn("dispatch failed", zap.Int("status_code", res.StatusCode), zap.Error(err))
		return r.finish(ctx, rec, attempt, model.StatusFailed, model.ErrorKindDispatch, code, err.Error())
	}

	code := res.StatusCode
	return r.finish(ctx, rec, attempt, model.StatusSent, model.ErrorKindNone, &code,
		fmt.Sprintf("delivered: HTTP %d", res.StatusCode))
}

func (r *Relay) mapRecord(ctx context.Context, rec model.InboxRecord) ([]byte, error) {
	c, err := r.Contracts.Get(ctx, rec.ContractName, rec.ContractVersion)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &mapping.Error{
			Kind:   mapping.KindContractNotFound,
			Field:  rec.ContractName,
			Detail: fmt.Sprintf("version %d", rec.ContractVersion),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load contract %s: %w", rec.ContractName, err)
	}

	def, err := mapping.Parse(c.Definition)
	if err != nil {
		return nil, err
	}
	return mapping.Marshal(def, rec.Payload)
}

func (r *Relay) unclaim(ctx context.Context, rec model.InboxRecord) (model.InboxStatus, error) {
	uctx, cancel := r.detached(ctx)
	defer cancel()
	if err := r.Inbox.Unclaim(uctx, rec.ID, r.now()); err != nil {
		return "", fmt.Errorf("unclaim %s: %w", rec.ID, err)
	}
	return model.StatusReceived, nil
}

// detached bounds store writes that must happen even when ctx was cancelled.
func (r *Relay) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	wait := r.FinalizeWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), wait)
}

// finish writes the outcome of an attempt. It runs detached from ctx so that a
// cancelled run still records attempts whose HTTP call already happened.
func (r *Relay) finish(
	ctx context.Context,
	rec model.InboxRecord,
	attempt int,
	status model.InboxStatus,
	kind model.ErrorKind,
	code *int,
	message string,
) (model.InboxStatus, error) {
	now := r.now()
	outcome := model.OutcomeSuccess
	lastError := ""
	if status == model.StatusFailed {
		outcome = model.OutcomeFailure
		lastError = message
	}

	c := model.Completion{
		InboxID:   rec.ID,
		Status:    status,
		LastError: lastError,
		At:        now,
		Entry: model.LogEntry{
			ID:           util.NewAt(now),
			InboxID:      rec.ID,
			Attempt:      attempt,
			Outcome:      outcome,
			ErrorKind:    kind,
			ResponseCode: code,
			Message:      message,
			CreatedAt:    now,
		},
	}

	fctx, cancel := r.detached(ctx)
	defer cancel()

	metricKind := string(kind)
	if metricKind == "" {
		metricKind = "none"
	}

	if err := r.Inbox.Complete(fctx, c); err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			metrics.AttemptsTotal.WithLabelValues(outcome.String(), metricKind).Inc()
			r.Log.Warn("record released before completion", zap.String("inbox_id", rec.ID))
			return status, nil
		}
		return "", fmt.Errorf("complete %s: %w", rec.ID, err)
	}

	metrics.AttemptsTotal.WithLabelValues(outcome.String(), metricKind).Inc()
	return status, nil
}
