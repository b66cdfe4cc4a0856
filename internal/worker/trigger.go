package worker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/datarun/lmis/internal/kafka"
	"github.com/datarun/lmis/internal/model"
	"go.uber.org/zap"
)

// MessageSource is the consumer side of the inbox topic.
type MessageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// Trigger turns inbox events into relay wake-ups. Events only say "something arrived";
// the relay always reads the store, so wake-ups are coalesced into a buffer of one.
type Trigger struct {
	src MessageSource
	log *zap.Logger
	ch  chan struct{}
}

func NewTrigger(src MessageSource, log *zap.Logger) *Trigger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Trigger{src: src, log: log, ch: make(chan struct{}, 1)}
}

// C is the channel to hand to Relay.Trigger.
func (t *Trigger) C() <-chan struct{} { return t.ch }

// Run consumes events until ctx is cancelled or the source fails.
func (t *Trigger) Run(ctx context.Context) error {
	for {
		m, err := t.src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var ev model.InboxEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			t.log.Warn("skip malformed inbox event", zap.Int64("offset", m.Offset), zap.Error(err))
		} else {
			t.log.Debug("inbox event", zap.String("inbox_id", ev.ID), zap.String("contract", ev.ContractName))
		}

		select {
		case t.ch <- struct{}{}:
		default:
		}

		if err := t.src.Commit(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
