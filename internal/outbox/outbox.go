// Package outbox is the runtime dispatch loop over the durable queue
// store: lane classification, retry backoff with jittered delay, replay
// modes, and timeout recovery.
package outbox

import (
	"context"
	"hash/fnv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/axiomorient/axiomme/internal/config"
	"github.com/axiomorient/axiomme/internal/model"
	"github.com/axiomorient/axiomme/internal/store"
)

// LaneOf classifies an event type into its reporting/backpressure lane.
// Embedding-upsert events occupy a distinct lane from the rest of the
// semantic pipeline so a slow embedding provider cannot starve ordinary
// reindex and OM traffic.
func LaneOf(eventType string) model.Lane {
	if strings.HasPrefix(eventType, "embedding_") {
		return model.LaneEmbedding
	}
	return model.LaneSemantic
}

// Handler processes one outbox event. A non-nil error causes a retry
// (subject to the event type's retry policy) or a dead-letter transition
// once attempts are exhausted.
type Handler func(ctx context.Context, ev model.OutboxEvent) error

// Dispatcher drains due events and routes them to registered handlers.
type Dispatcher struct {
	db       *store.DB
	cfg      config.Config
	handlers map[string]Handler
	limiter  *rate.Limiter
}

// New constructs a dispatcher. ratePerSecond bounds how many events are
// pulled from the queue per second across all lanes; pass 0 for
// unlimited.
func New(db *store.DB, cfg config.Config, ratePerSecond float64) *Dispatcher {
	var lim *rate.Limiter
	if ratePerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return &Dispatcher{db: db, cfg: cfg, handlers: make(map[string]Handler), limiter: lim}
}

// Register binds a handler to an event type.
func (d *Dispatcher) Register(eventType string, h Handler) {
	d.handlers[eventType] = h
}

// retryConfigFor resolves the retry policy for an event type, falling
// back to the default policy.
func (d *Dispatcher) retryConfigFor(eventType string) config.RetryConfig {
	if rc, ok := d.cfg.EventRetry[eventType]; ok {
		return rc
	}
	return d.cfg.DefaultRetry
}

// jitteredDelay computes the next retry delay from an exponential
// backoff curve, seeded deterministically by the event id so replays of
// the same event produce the same jitter (useful for tests and for
// avoiding thundering-herd retries across many events scheduled at once).
func jitteredDelay(rc config.RetryConfig, attempt int, eventID int64) float64 {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(rc.BaseSeconds * float64(time.Second))
	b.MaxInterval = time.Duration(rc.CapSeconds * float64(time.Second))
	b.Multiplier = 2
	b.RandomizationFactor = 0

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = b.MaxInterval
	}

	h := fnv.New64a()
	h.Write([]byte{byte(eventID), byte(eventID >> 8), byte(eventID >> 16), byte(eventID >> 24)})
	jitterFrac := float64(h.Sum64()%1000) / 1000.0 // [0, 1)
	jittered := d.Seconds() * (0.5 + 0.5*jitterFrac) // [50%, 100%) of the backoff delay
	if jittered > rc.CapSeconds {
		jittered = rc.CapSeconds
	}
	return jittered
}

// processOne dispatches a single event to its handler and applies the
// retry/dead-letter/done transition based on the outcome.
func (d *Dispatcher) processOne(ctx context.Context, ev model.OutboxEvent) error {
	h, ok := d.handlers[ev.EventType]
	if !ok {
		return d.db.MarkOutboxStatus(ev.Id, model.OutboxDeadLetter, false)
	}

	if err := d.db.MarkOutboxStatus(ev.Id, model.OutboxProcessing, true); err != nil {
		return err
	}

	rc := d.retryConfigFor(ev.EventType)
	attempt := ev.AttemptCount + 1

	herr := h(ctx, ev)
	if herr == nil {
		return d.db.MarkOutboxStatus(ev.Id, model.OutboxDone, false)
	}

	if attempt >= rc.MaxAttempts {
		return d.db.MarkOutboxStatus(ev.Id, model.OutboxDeadLetter, false)
	}
	delay := jitteredDelay(rc, attempt, ev.Id)
	return d.db.RequeueWithDelay(ev.Id, delay)
}

// RunOnce drains up to limit due "new" events, processing them with bounded
// fan-out via errgroup. Used both by the steady-state worker loop and by
// replay tooling.
func (d *Dispatcher) RunOnce(ctx context.Context, limit int) error {
	events, err := d.db.FetchOutbox(model.OutboxNew, limit)
	if err != nil {
		return err
	}
	return d.dispatchAll(ctx, events)
}

// omReplayScanFactor bounds how far ReplayOmOnly overscans the due set
// before filtering to om_-prefixed event types and truncating to limit,
// since the store has no OM-type-specific index.
const omReplayScanFactor = 4

// ReplayOmOnly re-dispatches due (new, optionally dead-letter) OM-related
// events, for recovery after an OM schema migration. It overscans the due
// set (limit*omReplayScanFactor) and filters to om_-prefixed event types
// in memory, then truncates to limit. Replay only ever targets due
// events: a "done" event already succeeded and re-dispatching it would
// just repeat completed work instead of recovering anything.
func (d *Dispatcher) ReplayOmOnly(ctx context.Context, limit int, includeDeadLetter bool) error {
	filtered, err := d.fetchDueOmEvents(model.OutboxNew, limit*omReplayScanFactor, limit)
	if err != nil {
		return err
	}
	if includeDeadLetter && len(filtered) < limit {
		remaining := limit - len(filtered)
		deadLetter, err := d.fetchDueOmEvents(model.OutboxDeadLetter, remaining*omReplayScanFactor, remaining)
		if err != nil {
			return err
		}
		filtered = append(filtered, deadLetter...)
	}
	return d.dispatchAll(ctx, filtered)
}

func (d *Dispatcher) fetchDueOmEvents(status model.OutboxStatus, scanLimit, keep int) ([]model.OutboxEvent, error) {
	events, err := d.db.FetchOutbox(status, scanLimit)
	if err != nil {
		return nil, err
	}
	var filtered []model.OutboxEvent
	for _, ev := range events {
		if strings.HasPrefix(ev.EventType, "om_") {
			filtered = append(filtered, ev)
			if len(filtered) >= keep {
				break
			}
		}
	}
	return filtered, nil
}

// ReplayAll re-dispatches every due event (new, optionally dead-letter),
// for a full recovery replay after a catastrophic downstream failure.
func (d *Dispatcher) ReplayAll(ctx context.Context, limit int, includeDeadLetter bool) error {
	events, err := d.db.FetchOutbox(model.OutboxNew, limit)
	if err != nil {
		return err
	}
	if includeDeadLetter && len(events) < limit {
		deadLetter, err := d.db.FetchOutbox(model.OutboxDeadLetter, limit-len(events))
		if err != nil {
			return err
		}
		events = append(events, deadLetter...)
	}
	return d.dispatchAll(ctx, events)
}

func (d *Dispatcher) dispatchAll(ctx context.Context, events []model.OutboxEvent) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, ev := range events {
		ev := ev
		g.Go(func() error {
			if d.limiter != nil {
				if err := d.limiter.Wait(gctx); err != nil {
					return err
				}
			}
			return d.processOne(gctx, ev)
		})
	}
	return g.Wait()
}

// RecoverStuck resets events stuck in "processing" past the configured
// timeout back to "new", for pickup by the next RunOnce.
func (d *Dispatcher) RecoverStuck() (int64, error) {
	return d.db.RecoverStuckProcessing(d.cfg.OutboxTimeoutSeconds)
}
