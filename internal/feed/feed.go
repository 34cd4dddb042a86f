// Package feed carries the facts emitted by every successful ledger transition.
//
// A fact holds the full post-transition view of one entity, which is enough for an
// external indexer to rebuild arbiter, transaction and claim projections by merging
// facts in order, without re-deriving any business rule.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names the entity a fact describes.
type Kind string

const (
	KindArbiter      Kind = "arbiter"
	KindTransaction  Kind = "transaction"
	KindClaim        Kind = "claim"
	KindPolicy       Kind = "policy"
	KindNotification Kind = "notification" // addressed to an arbiter, not an indexer
)

// Well known events that downstream consumers react to.
const (
	EventArbitrationRequested = "arbitration_requested"
)

// Fact is a single read-model update.
type Fact struct {
	ID        uuid.UUID      `json:"id"`
	Kind      Kind           `json:"kind"`
	EntityID  string         `json:"entityId"`
	Event     string         `json:"event"`
	Fields    map[string]any `json:"fields"`
	Timestamp time.Time      `json:"timestamp"`
}

// New stamps a fact with a fresh id.
func New(kind Kind, entityID, event string, fields map[string]any, at time.Time) Fact {
	return Fact{
		ID:        uuid.New(),
		Kind:      kind,
		EntityID:  entityID,
		Event:     event,
		Fields:    fields,
		Timestamp: at.UTC(),
	}
}

// Publisher accepts facts from the ledgers. Implementations must not block or perform I/O.
type Publisher interface {
	Publish(f Fact)
}

// Sink consumes batches of facts outside the protocol critical section.
type Sink interface {
	Consume(ctx context.Context, facts []Fact) error
}

// Discard drops every fact.
type Discard struct{}

func (Discard) Publish(Fact) {}

// Queue is an unbounded in-memory buffer between the ledgers and the dispatcher.
type Queue struct {
	mu    sync.Mutex
	buf   []Fact
	ready chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Publish appends a fact and signals the dispatcher.
func (q *Queue) Publish(f Fact) {
	q.mu.Lock()
	q.buf = append(q.buf, f)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Drain removes and returns everything buffered so far.
func (q *Queue) Drain() []Fact {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.buf
	q.buf = nil
	return out
}

// Len reports the number of buffered facts.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Ready fires after at least one Publish since the last receive.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Recorder keeps every published fact; it is both a Publisher and a Sink.
type Recorder struct {
	mu    sync.Mutex
	facts []Fact
}

func (r *Recorder) Publish(f Fact) {
	r.mu.Lock()
	r.facts = append(r.facts, f)
	r.mu.Unlock()
}

func (r *Recorder) Consume(_ context.Context, facts []Fact) error {
	r.mu.Lock()
	r.facts = append(r.facts, facts...)
	r.mu.Unlock()
	return nil
}

// Facts returns a copy of the recorded facts.
func (r *Recorder) Facts() []Fact {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Fact, len(r.facts))
	copy(out, r.facts)
	return out
}

// Events lists the event names recorded for kind, in order.
func (r *Recorder) Events(kind Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, f := range r.facts {
		if f.Kind == kind {
			out = append(out, f.Event)
		}
	}
	return out
}

var (
	_ Publisher = Discard{}
	_ Publisher = (*Queue)(nil)
	_ Publisher = (*Recorder)(nil)
	_ Sink      = (*Recorder)(nil)
)
