// Package events fans routing events out to logging and metrics sinks
// without ever blocking the request path.
package events

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Kind names an event.
type Kind string

const (
	RouteCompleted  Kind = "route.completed"
	ProviderAttempt Kind = "provider.attempt"
	TokenTransition Kind = "token.transition"
	OutcomeRecorded Kind = "outcome.recorded"
)

const defaultBufferLen = 1024

// Event is a flat record; fields irrelevant to a Kind stay zero.
type Event struct {
	Kind       Kind
	Time       time.Time
	RequestID  string
	ProviderID string
	Mode       string
	Code       string
	OK         bool
	LatencyMs  int64
	Candidates int
	Quotes     int
	TokenID    string
	From       string
	To         string
}

// Sink consumes events on the emitter goroutine.
type Sink interface {
	Handle(ctx context.Context, e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event)

// Handle implements Sink.
func (f SinkFunc) Handle(ctx context.Context, e Event) { f(ctx, e) }

// Emitter buffers events for its sinks. Emit drops events when the buffer
// is full.
type Emitter struct {
	ch      chan Event
	sinks   []Sink
	dropped atomic.Uint64
	now     func() time.Time
}

// NewEmitter creates an Emitter. A non-positive buffer selects the default.
func NewEmitter(buffer int, sinks ...Sink) *Emitter {
	if buffer <= 0 {
		buffer = defaultBufferLen
	}
	return &Emitter{ch: make(chan Event, buffer), sinks: sinks, now: time.Now}
}

// Emit queues e and returns immediately. A nil Emitter discards.
func (em *Emitter) Emit(e Event) {
	if em == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = em.now().UTC()
	}
	select {
	case em.ch <- e:
	default:
		if n := em.dropped.Add(1); n&(n-1) == 0 {
			zap.L().Warn("events: buffer full, dropping", zap.String("kind", string(e.Kind)), zap.Uint64("dropped", n))
		}
	}
}

// Dropped returns how many events were discarded.
func (em *Emitter) Dropped() uint64 { return em.dropped.Load() }

// Run dispatches events until ctx is done, then flushes what is buffered.
func (em *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case e := <-em.ch:
			em.dispatch(ctx, e)
		case <-ctx.Done():
			flush := context.WithoutCancel(ctx)
			for {
				select {
				case e := <-em.ch:
					em.dispatch(flush, e)
				default:
					return nil
				}
			}
		}
	}
}

func (em *Emitter) dispatch(ctx context.Context, e Event) {
	for _, s := range em.sinks {
		s.Handle(ctx, e)
	}
}
