package events

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

type outboxStore interface {
	Claim(ctx context.Context, limit int, lease time.Duration) ([]outboxEntry, error)
	MarkDispatched(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string, dead bool) error
	Wake() <-chan struct{}
}

// Dispatcher moves committed outbox rows to a Publisher. A row is marked
// dispatched only after Publish returned nil, so a crash in between causes a
// duplicate, never a loss. A row that failed MaxAttempts times is parked.
type Dispatcher struct {
	store       outboxStore
	publisher   Publisher
	logger      zerolog.Logger
	interval    time.Duration
	lease       time.Duration
	batch       int
	maxAttempts int
}

func NewDispatcher(store *Outbox, publisher Publisher, logger zerolog.Logger) *Dispatcher {
	return newDispatcher(store, publisher, logger)
}

func newDispatcher(store outboxStore, publisher Publisher, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		publisher:   publisher,
		logger:      logger.With().Str("component", "outbox_dispatcher").Logger(),
		interval:    5 * time.Second,
		lease:       2 * time.Minute,
		batch:       100,
		maxAttempts: 10,
	}
}

// Run dispatches on every wake-up and on a fixed interval until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("outbox dispatch failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.store.Wake():
		}
	}
}

// DispatchOnce publishes one leased batch and returns how many rows were
// dispatched. A failing row does not hold back the rows after it.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	entries, err := d.store.Claim(ctx, d.batch, d.lease)
	if err != nil {
		return 0, err
	}
	sent := 0
	var storeErrs []error
	for _, e := range entries {
		if perr := d.publisher.Publish(ctx, e.Event); perr != nil {
			dead := e.Attempts+1 >= d.maxAttempts
			if dead {
				d.logger.Error().Err(perr).Int64("outbox_id", e.ID).Int("attempts", e.Attempts+1).
					Msg("publish keeps failing; outbox row parked")
			} else {
				d.logger.Warn().Err(perr).Int64("outbox_id", e.ID).Msg("publish failed; will retry")
			}
			if err := d.store.MarkFailed(ctx, e.ID, perr.Error(), dead); err != nil {
				storeErrs = append(storeErrs, err)
			}
			continue
		}
		if err := d.store.MarkDispatched(ctx, e.ID); err != nil {
			storeErrs = append(storeErrs, err)
			continue
		}
		sent++
	}
	if sent > 0 {
		d.logger.Debug().Int("count", sent).Msg("outbox dispatched")
	}
	return sent, errors.Join(storeErrs...)
}
