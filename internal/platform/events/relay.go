package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RelayConfig names the stream and consumer group position of one relay
// process.
type RelayConfig struct {
	Stream   string
	Group    string
	Consumer string
	// MinIdle is how long an entry may sit unacknowledged with another
	// consumer before this one claims it.
	MinIdle    time.Duration
	Block      time.Duration
	Batch      int64
	RetryDelay time.Duration
}

// Relay reads the event stream through a consumer group and fans each entry
// out to its handlers. An entry is acknowledged only after all handlers
// succeeded; failed entries stay pending and are re-read, reaching only the
// handlers that failed.
type Relay struct {
	client    *redis.Client
	cfg       RelayConfig
	out       *fanout
	validator PayloadValidator
	logger    zerolog.Logger
}

func NewRelay(client *redis.Client, cfg RelayConfig, validator PayloadValidator, logger zerolog.Logger, handlers ...Handler) *Relay {
	if cfg.MinIdle == 0 {
		cfg.MinIdle = time.Minute
	}
	if cfg.Block == 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Batch == 0 {
		cfg.Batch = 50
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Relay{
		client:    client,
		cfg:       cfg,
		out:       newFanout(handlers),
		validator: validator,
		logger:    logger.With().Str("component", "event_relay").Str("consumer", cfg.Consumer).Logger(),
	}
}

// EnsureGroup creates the stream and group if they do not exist.
func (r *Relay) EnsureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.cfg.Stream, r.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", r.cfg.Group, err)
	}
	return nil
}

// Run consumes until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.EnsureGroup(ctx); err != nil {
		return err
	}
	for ctx.Err() == nil {
		failed := false

		// Own pending entries first, then entries abandoned by dead consumers,
		// then new ones.
		pending, err := r.read(ctx, "0", 0)
		if err == nil {
			failed = r.processAll(ctx, pending) || failed
		}
		claimed, _, cerr := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.cfg.Stream,
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			MinIdle:  r.cfg.MinIdle,
			Start:    "0-0",
			Count:    r.cfg.Batch,
		}).Result()
		if cerr == nil {
			failed = r.processAll(ctx, claimed) || failed
		}
		fresh, ferr := r.read(ctx, ">", r.cfg.Block)
		if ferr == nil {
			failed = r.processAll(ctx, fresh) || failed
		}

		for _, e := range []error{err, cerr, ferr} {
			if e != nil && !errors.Is(e, redis.Nil) && ctx.Err() == nil {
				r.logger.Error().Err(e).Msg("stream read failed")
				failed = true
			}
		}
		if failed {
			select {
			case <-ctx.Done():
			case <-time.After(r.cfg.RetryDelay):
			}
		}
	}
	return nil
}

func (r *Relay) read(ctx context.Context, id string, block time.Duration) ([]redis.XMessage, error) {
	if block == 0 {
		block = -1 // no BLOCK argument
	}
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		Streams:  []string{r.cfg.Stream, id},
		Count:    r.cfg.Batch,
		Block:    block,
	}).Result()
	if err != nil {
		return nil, err
	}
	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

// processAll handles and acknowledges msgs; it reports whether any failed.
func (r *Relay) processAll(ctx context.Context, msgs []redis.XMessage) bool {
	failed := false
	for _, msg := range msgs {
		ack, err := r.process(ctx, msg)
		if err != nil {
			failed = true
		}
		if ack {
			if err := r.client.XAck(ctx, r.cfg.Stream, r.cfg.Group, msg.ID).Err(); err != nil {
				r.logger.Error().Err(err).Str("entry", msg.ID).Msg("xack failed")
			}
		}
	}
	return failed
}

// process decides the fate of one entry. Undecodable and PHI-bearing entries
// are acknowledged without delivery so they are never retried; handler
// failures are left pending.
func (r *Relay) process(ctx context.Context, msg redis.XMessage) (ack bool, err error) {
	evt, err := decodeMessage(msg)
	if err != nil {
		r.logger.Error().Err(err).Str("entry", msg.ID).Msg("dropping malformed stream entry")
		return true, err
	}
	if err := r.Deliver(ctx, evt); err != nil {
		var dropped *droppedError
		if errors.As(err, &dropped) {
			return true, err
		}
		r.logger.Warn().Err(err).Str("entry", msg.ID).Str("event_id", evt.EventID.String()).
			Msg("delivery failed; entry left pending")
		return false, err
	}
	return true, nil
}

type droppedError struct{ err error }

func (e *droppedError) Error() string { return "event dropped: " + e.err.Error() }
func (e *droppedError) Unwrap() error { return e.err }

// Deliver validates evt and passes it to every handler that has not yet
// accepted it. One handler failing does not keep evt from the others.
func (r *Relay) Deliver(ctx context.Context, evt QuestionnaireSubmitted) error {
	if r.validator != nil {
		if err := r.validator.ValidatePayload(evt); err != nil {
			r.logger.Error().Str("severity", "critical").Str("event_id", evt.EventID.String()).
				Msg("relayed event failed PHI validation; not delivered")
			return &droppedError{err: err}
		}
	}
	return r.out.deliver(ctx, evt)
}
