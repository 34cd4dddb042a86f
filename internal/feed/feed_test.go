package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type flakySink struct {
	failures int
	got      []Fact
}

func (s *flakySink) Consume(_ context.Context, facts []Fact) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("unavailable")
	}
	s.got = append(s.got, facts...)
	return nil
}

func TestQueueDrain(t *testing.T) {
	q := NewQueue()
	q.Publish(New(KindArbiter, "a", "registered", nil, time.Now()))
	q.Publish(New(KindArbiter, "a", "staked", nil, time.Now()))

	select {
	case <-q.Ready():
	default:
		t.Fatal("ready should fire after publish")
	}

	facts := q.Drain()
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %d", len(facts))
	}
	if q.Len() != 0 {
		t.Fatal("queue should be empty after drain")
	}
	if facts[0].ID == facts[1].ID {
		t.Fatal("facts must carry distinct ids")
	}
}

func TestDispatcherRetriesFailedBatch(t *testing.T) {
	q := NewQueue()
	sink := &flakySink{failures: 1}
	d := NewDispatcher(q, time.Millisecond, zerolog.Nop(), sink)

	q.Publish(New(KindClaim, "c1", "created", nil, time.Now()))
	if err := d.Flush(context.Background()); err == nil {
		t.Fatal("first flush should surface the sink error")
	}

	q.Publish(New(KindClaim, "c1", "withdrawn", nil, time.Now()))
	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("second flush should succeed: %v", err)
	}
	if len(sink.got) != 2 {
		t.Fatalf("expected both facts delivered in order, got %d", len(sink.got))
	}
	if sink.got[0].Event != "created" || sink.got[1].Event != "withdrawn" {
		t.Fatalf("unexpected order: %s, %s", sink.got[0].Event, sink.got[1].Event)
	}
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	q := NewQueue()
	rec := &Recorder{}
	d := NewDispatcher(q, 5*time.Millisecond, zerolog.Nop(), rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	q.Publish(New(KindPolicy, "minStakeAmount", "updated", nil, time.Now()))
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	if len(rec.Facts()) != 1 {
		t.Fatalf("final flush should deliver pending facts, got %d", len(rec.Facts()))
	}
}

func TestDispatcherIsolatesFailingSink(t *testing.T) {
	q := NewQueue()
	healthy := &Recorder{}
	down := &flakySink{failures: 1 << 30}
	d := NewDispatcher(q, time.Millisecond, zerolog.Nop(), healthy, down)
	d.MaxBacklog = 3

	for i := 0; i < 5; i++ {
		q.Publish(New(KindArbiter, "a", "staked", nil, time.Now()))
		if err := d.Flush(context.Background()); err == nil {
			t.Fatal("flush should surface the failing sink")
		}
	}

	if got := len(healthy.Facts()); got != 5 {
		t.Fatalf("healthy sink should receive each fact once, got %d", got)
	}
	if len(d.pending[0]) != 0 {
		t.Fatalf("healthy sink should hold no backlog, got %d", len(d.pending[0]))
	}
	if len(d.pending[1]) != 3 || d.Backlog() != 3 {
		t.Fatalf("failing sink backlog should be capped at 3, got %d", len(d.pending[1]))
	}

	down.failures = 0
	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("recovered sink should drain: %v", err)
	}
	if len(down.got) != 3 || d.Backlog() != 0 {
		t.Fatalf("recovered sink should get the retained facts, got %d backlog %d", len(down.got), d.Backlog())
	}
	if len(healthy.Facts()) != 5 {
		t.Fatal("healthy sink must not see redelivered facts")
	}
}
