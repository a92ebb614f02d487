// Package om runs the observational-memory write-path state machine:
// pending-token accounting, the threshold/interval/block-after decision
// triple, buffered-reflection activation, and the idempotent reflection
// apply. Inference itself (observer summarization, reflector synthesis)
// is injected by the caller, since this package owns only the state
// machine around it.
package om

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"

	"github.com/mdombrov-33/go-promptguard/detector"
	"golang.org/x/sync/errgroup"

	"github.com/axiomorient/axiomme/internal/axerr"
	"github.com/axiomorient/axiomme/internal/config"
	"github.com/axiomorient/axiomme/internal/model"
	"github.com/axiomorient/axiomme/internal/store"
)

// Message is one observed unit of conversation content.
type Message struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

// Observer summarizes a batch of newly observed messages into an
// observation chunk.
type Observer func(ctx context.Context, scopeKey string, rec model.OmRecord, batch []Message) (text string, tokens int, err error)

// Reflector folds buffered observation chunks into the record's active
// observations, producing the text to apply.
type Reflector func(ctx context.Context, scopeKey string, rec model.OmRecord, chunks []model.OmObservationChunk) (text string, err error)

// EventObserverBufferRequested and EventReflectRequested are the outbox
// event types the write path hands async observer/reflector work off to
// when it defers rather than running inline.
const (
	EventObserverBufferRequested = "om_observer_buffer_requested"
	EventReflectRequested        = "om_reflect_requested"
)

// Runtime drives the OM state machine for one workspace.
type Runtime struct {
	db      *store.DB
	cfg     config.OmConfig
	observe Observer
	reflect Reflector
	screen  func(ctx context.Context, text string) bool // true if flagged as an injection attempt

	bufMu   sync.Mutex
	pending map[string][]Message
}

// New constructs an OM runtime. observer/reflector may be nil, in which
// case messages still accumulate but no summarization or reflection runs
// (useful for workspaces that disable OM inference but still want the
// durable accounting).
func New(db *store.DB, cfg config.OmConfig, observer Observer, reflector Reflector) *Runtime {
	guard := detector.New(
		detector.WithThreshold(0.6),
		detector.WithAllDetectors(),
		detector.WithMaxInputLength(4000),
	)
	screen := func(ctx context.Context, text string) bool {
		if text == "" {
			return false
		}
		result := guard.Detect(ctx, text)
		return !result.Safe
	}
	return &Runtime{db: db, cfg: cfg, observe: observer, reflect: reflector, screen: screen, pending: make(map[string][]Message)}
}

// Outcome reports what the state machine did in response to one message.
type Outcome struct {
	ObserverRan      bool
	ObserverEnqueued bool
	ReflectionReady  bool
}

// observerBufferPayload is the outbox payload for a deferred observer
// pass: the batch of messages accumulated since the buffer's last
// boundary crossing, carried inline since this codebase has no durable
// message log to re-read from at handler time.
type observerBufferPayload struct {
	ScopeKey        string    `json:"scope_key"`
	GenerationCount int64     `json:"generation_count"`
	Messages        []Message `json:"messages"`
}

// reflectRequestPayload is the outbox payload for a reflection apply,
// carrying the generation the record was at when the reflection was
// enqueued so a replay of the same event is recognized as idempotent
// rather than silently re-applied against an already-advanced record.
type reflectRequestPayload struct {
	ScopeKey        string `json:"scope_key"`
	GenerationCount int64  `json:"generation_count"`
}

func omEventUri(scopeKey string) string {
	return fmt.Sprintf("axiom://session/__om__/%s", scopeKey)
}

// crossesBufferBoundary reports whether pendingTokens has crossed a new
// multiple of bufferTokens since the buffer was last marked at
// lastBoundaryTokens. This is a token-boundary crossing, not a message
// count: a scope that accumulates few, large messages must trigger the
// interval path exactly as readily as one accumulating many small ones.
func crossesBufferBoundary(pendingTokens, lastBoundaryTokens, bufferTokens int) bool {
	if bufferTokens <= 0 {
		return false
	}
	return pendingTokens/bufferTokens > lastBoundaryTokens/bufferTokens
}

// OnMessage feeds one message into a scope's OM record. Three triggers
// are evaluated, in priority order:
//
//   - block_after exceeded: the pending token budget is structurally
//     full. The observer runs synchronously no matter what (there is
//     nothing else in flight that would otherwise clear it) and a
//     reflection is forced through synchronously as well, so the write
//     path never rejects a message outright.
//   - threshold reached: pending tokens crossed buffer_tokens *
//     activation_ratio. The observer runs synchronously.
//   - interval triggered: pending tokens crossed a buffer_tokens
//     boundary without reaching the activation threshold. The observer
//     pass is deferred by enqueueing an outbox event, so a burst of
//     small messages does not stall the caller on inference latency.
func (r *Runtime) OnMessage(ctx context.Context, scope model.OmScope, scopeKey string, msg Message) (Outcome, error) {
	if !r.cfg.Enabled {
		return Outcome{}, nil
	}

	if r.screen != nil && r.screen(ctx, msg.Text) {
		return Outcome{}, axerr.NewOm(axerr.Observer, axerr.Schema, scopeKey,
			"observed message flagged by injection screen", nil)
	}

	rec, ok := r.db.GetOmRecord(scopeKey)
	if !ok {
		rec = model.OmRecord{Scope: scope, ScopeKey: scopeKey}
		if err := r.db.PutOmRecord(rec); err != nil {
			return Outcome{}, err
		}
	}

	if msg.Tokens <= 0 {
		msg.Tokens = estimateTokens(msg.Text)
	}
	r.bufferMessage(scopeKey, msg)

	rec.PendingMessageTokens += msg.Tokens
	rec.LastActivatedMessageIds = append(rec.LastActivatedMessageIds, msg.ID)
	if len(rec.LastActivatedMessageIds) > r.cfg.ObserverMaxMessages {
		rec.LastActivatedMessageIds = rec.LastActivatedMessageIds[len(rec.LastActivatedMessageIds)-r.cfg.ObserverMaxMessages:]
	}

	thresholdHit := float64(rec.PendingMessageTokens) >= float64(r.cfg.BufferTokens)*r.cfg.ActivationRatio
	intervalTriggered := crossesBufferBoundary(rec.PendingMessageTokens, rec.LastBufferedAtTokens, r.cfg.BufferTokens)
	blockAfterExceeded := r.cfg.ObserverBlockAfter > 0 && rec.PendingMessageTokens >= r.cfg.ObserverBlockAfter

	out := Outcome{}

	if blockAfterExceeded {
		if r.observe != nil {
			if err := r.runObserverSync(ctx, scopeKey, &rec); err != nil {
				return out, err
			}
			out.ObserverRan = true
		}
		if err := r.db.PutOmRecord(rec); err != nil {
			return out, err
		}
		if r.reflect != nil {
			eventID, err := r.enqueueReflectRequest(scopeKey, rec.GenerationCount)
			if err != nil {
				return out, err
			}
			if _, err := r.ApplyPendingReflection(ctx, scopeKey, eventID, rec.GenerationCount); err != nil {
				return out, err
			}
			out.ReflectionReady = true
		}
		return out, nil
	}

	if thresholdHit {
		if r.observe != nil {
			if err := r.runObserverSync(ctx, scopeKey, &rec); err != nil {
				return out, err
			}
			out.ObserverRan = true
		}
	} else if intervalTriggered {
		rec.LastBufferedAtTokens = rec.PendingMessageTokens
		if _, err := r.enqueueObserverBufferRequest(scopeKey, rec.GenerationCount); err != nil {
			return out, err
		}
		out.ObserverEnqueued = true
	}

	if err := r.db.PutOmRecord(rec); err != nil {
		return out, err
	}
	return out, nil
}

// runObserverSync drains the in-memory pending batch for scopeKey and
// runs the observer over it inline, appending the resulting observation
// chunk and clearing the pending-token counter.
func (r *Runtime) runObserverSync(ctx context.Context, scopeKey string, rec *model.OmRecord) error {
	batch := r.drainMessageBuffer(scopeKey)
	return r.runObserverBatch(ctx, scopeKey, rec, batch)
}

func (r *Runtime) runObserverBatch(ctx context.Context, scopeKey string, rec *model.OmRecord, batch []Message) error {
	if r.observe == nil {
		return nil
	}
	text, tokens, err := r.observe(ctx, scopeKey, *rec, batch)
	if err != nil {
		return axerr.NewOm(axerr.Observer, axerr.Tool, scopeKey, "observer invocation failed", err)
	}
	seq, err := r.db.NextChunkSeq(scopeKey)
	if err != nil {
		return err
	}
	chunk := model.OmObservationChunk{
		RecordId: scopeKey, Seq: seq, Observations: text,
		TokenCount: tokens, MessageTokens: rec.PendingMessageTokens, MessageIds: rec.LastActivatedMessageIds,
	}
	if err := r.db.AppendObservationChunk(chunk); err != nil {
		return err
	}
	rec.PendingMessageTokens = 0
	rec.LastBufferedAtTokens = 0
	rec.ObserverTriggerCountTotal++
	rec.LastObservedAt = 0

	if tokens >= r.cfg.ReflectorObservationTokens {
		rec.IsBufferingObservation = true
		rec.LastBufferedAtTokens = tokens
		if r.reflect != nil {
			if _, err := r.enqueueReflectRequest(scopeKey, rec.GenerationCount); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyBufferedObserver is the async counterpart to runObserverSync,
// invoked by the outbox handler for EventObserverBufferRequested. It is
// a no-op if the record has already moved past the generation the event
// was enqueued at, since a synchronous threshold or block-after pass
// (or another replayed event) may have already cleared the buffer.
func (r *Runtime) ApplyBufferedObserver(ctx context.Context, scopeKey string, generation int64, batch []Message) error {
	if r.observe == nil {
		return nil
	}
	rec, ok := r.db.GetOmRecord(scopeKey)
	if !ok {
		return axerr.New(axerr.NotFound, scopeKey, "no om record for scope")
	}
	if rec.GenerationCount != generation {
		return nil
	}
	if err := r.runObserverBatch(ctx, scopeKey, &rec, batch); err != nil {
		return err
	}
	return r.db.PutOmRecord(rec)
}

func (r *Runtime) enqueueObserverBufferRequest(scopeKey string, generation int64) (int64, error) {
	batch := r.drainMessageBuffer(scopeKey)
	payload, err := json.Marshal(observerBufferPayload{ScopeKey: scopeKey, GenerationCount: generation, Messages: batch})
	if err != nil {
		return 0, err
	}
	return r.db.Enqueue(EventObserverBufferRequested, omEventUri(scopeKey), string(payload), model.LaneSemantic)
}

func (r *Runtime) enqueueReflectRequest(scopeKey string, generation int64) (int64, error) {
	payload, err := json.Marshal(reflectRequestPayload{ScopeKey: scopeKey, GenerationCount: generation})
	if err != nil {
		return 0, err
	}
	return r.db.Enqueue(EventReflectRequested, omEventUri(scopeKey), string(payload), model.LaneSemantic)
}

// DecodeObserverBufferPayload unmarshals an EventObserverBufferRequested
// outbox event's payload for the handler registered against it.
func DecodeObserverBufferPayload(payloadJson string) (scopeKey string, generation int64, batch []Message, err error) {
	var p observerBufferPayload
	if err := json.Unmarshal([]byte(payloadJson), &p); err != nil {
		return "", 0, nil, err
	}
	return p.ScopeKey, p.GenerationCount, p.Messages, nil
}

// DecodeReflectRequestPayload unmarshals an EventReflectRequested outbox
// event's payload for the handler registered against it.
func DecodeReflectRequestPayload(payloadJson string) (scopeKey string, generation int64, err error) {
	var p reflectRequestPayload
	if err := json.Unmarshal([]byte(payloadJson), &p); err != nil {
		return "", 0, err
	}
	return p.ScopeKey, p.GenerationCount, nil
}

func (r *Runtime) bufferMessage(scopeKey string, msg Message) {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	r.pending[scopeKey] = append(r.pending[scopeKey], msg)
}

func (r *Runtime) drainMessageBuffer(scopeKey string) []Message {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	batch := r.pending[scopeKey]
	delete(r.pending, scopeKey)
	return batch
}

// ApplyPendingReflection folds every buffered chunk into the record's
// active observations via the reflector, then applies the result through
// the generation-counter-gated idempotent transaction, keyed by the
// triggering outbox event id so replays of the same event are no-ops.
// expectedGeneration must be the generation_count observed when the
// reflection was enqueued (carried in the outbox event payload), not a
// value re-read at apply time, or every replay would see the
// already-advanced generation and silently re-apply.
func (r *Runtime) ApplyPendingReflection(ctx context.Context, scopeKey string, outboxEventID, expectedGeneration int64) (store.ReflectionOutcome, error) {
	rec, ok := r.db.GetOmRecord(scopeKey)
	if !ok {
		return "", axerr.New(axerr.NotFound, scopeKey, "no om record for scope")
	}
	if r.reflect == nil {
		return "", axerr.New(axerr.Internal, scopeKey, "no reflector configured")
	}

	chunks, err := r.db.ChunksUpToSeq(scopeKey, math.MaxInt64)
	if err != nil {
		return "", err
	}
	text, err := r.reflect(ctx, scopeKey, rec, chunks)
	if err != nil {
		return "", axerr.NewOm(axerr.Reflector, axerr.Tool, scopeKey, "reflector invocation failed", err)
	}

	outcome, err := r.db.ApplyReflection(outboxEventID, scopeKey, expectedGeneration, func(target *model.OmRecord) {
		target.ActiveObservations = text
		target.ReflectorTriggerCountTotal++
	})
	if err != nil {
		return "", err
	}
	if outcome == store.Applied {
		var maxApplied int64
		for _, c := range chunks {
			if c.Seq > maxApplied {
				maxApplied = c.Seq
			}
		}
		if maxApplied > 0 {
			if err := r.db.DeleteChunksUpToSeq(scopeKey, maxApplied); err != nil {
				return outcome, err
			}
		}
	}
	return outcome, nil
}

// AggregateThreads folds reflections across multiple threads with bounded
// parallelism, so a workspace with many concurrent session threads never
// spawns more OM inference calls at once than the host can usefully run.
func (r *Runtime) AggregateThreads(ctx context.Context, threadScopeKeys []string, pending func(scopeKey string) (outboxEventID, expectedGeneration int64)) error {
	limit := len(threadScopeKeys)
	if avail := runtime.GOMAXPROCS(0); avail < limit {
		limit = avail
	}
	if limit > 4 {
		limit = 4
	}
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, key := range threadScopeKeys {
		key := key
		g.Go(func() error {
			eventID, gen := pending(key)
			_, err := r.ApplyPendingReflection(gctx, key, eventID, gen)
			return err
		})
	}
	return g.Wait()
}

// estimateTokens is a coarse, provider-agnostic token estimate used where
// callers have not already computed an exact count.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(strings.Fields(text)) * 4 / 3) + 1
}
