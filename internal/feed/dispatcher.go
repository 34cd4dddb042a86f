package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxBacklog caps the facts held for one failing sink.
const DefaultMaxBacklog = 10_000

// Dispatcher moves facts from a Queue to its sinks. Each sink has its own backlog: a
// failed batch is retried on the next flush for that sink only, so sinks must tolerate
// redelivery of facts they already stored. A backlog past MaxBacklog drops its oldest
// facts.
type Dispatcher struct {
	queue    *Queue
	sinks    []Sink
	interval time.Duration
	logger   zerolog.Logger

	// MaxBacklog bounds each sink's backlog; zero or less disables the cap.
	MaxBacklog int

	pending [][]Fact
}

// NewDispatcher wires a queue to sinks. interval bounds the retry cadence after a failure.
func NewDispatcher(queue *Queue, interval time.Duration, logger zerolog.Logger, sinks ...Sink) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Dispatcher{
		queue:      queue,
		sinks:      sinks,
		interval:   interval,
		logger:     logger.With().Str("component", "feed_dispatcher").Logger(),
		MaxBacklog: DefaultMaxBacklog,
		pending:    make([][]Fact, len(sinks)),
	}
}

// Run flushes whenever facts arrive until ctx is cancelled, then performs a final flush.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.Flush(flushCtx); err != nil {
				d.logger.Error().Err(err).Int("pending", d.Backlog()).Msg("final flush failed")
			}
			return ctx.Err()
		case <-d.queue.Ready():
		case <-ticker.C:
		}

		if err := d.Flush(ctx); err != nil {
			d.logger.Warn().Err(err).Int("pending", d.Backlog()).Msg("flush failed; will retry")
		}
	}
}

// Flush delivers queued facts to every sink. A failing sink keeps its batch for the next
// call; the others are unaffected. The returned error joins every sink failure.
func (d *Dispatcher) Flush(ctx context.Context) error {
	drained := d.queue.Drain()

	var errs []error
	for i, sink := range d.sinks {
		batch := append(d.pending[i], drained...)
		if len(batch) == 0 {
			continue
		}
		if err := sink.Consume(ctx, batch); err != nil {
			d.pending[i] = d.trim(i, batch)
			errs = append(errs, fmt.Errorf("sink %d (%T): %w", i, sink, err))
			continue
		}
		d.pending[i] = nil
		d.logger.Debug().Int("sink", i).Int("facts", len(batch)).Msg("facts dispatched")
	}
	return errors.Join(errs...)
}

// Backlog is the number of facts waiting across all sinks.
func (d *Dispatcher) Backlog() int {
	n := 0
	for _, p := range d.pending {
		n += len(p)
	}
	return n
}

func (d *Dispatcher) trim(i int, batch []Fact) []Fact {
	if d.MaxBacklog <= 0 || len(batch) <= d.MaxBacklog {
		return batch
	}
	dropped := len(batch) - d.MaxBacklog
	d.logger.Error().
		Int("sink", i).
		Str("sink_type", fmt.Sprintf("%T", d.sinks[i])).
		Int("dropped", dropped).
		Msg("sink backlog full; dropping oldest facts")
	return append([]Fact(nil), batch[dropped:]...)
}

// LogSink writes facts to a logger; used when no database is configured.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Consume(_ context.Context, facts []Fact) error {
	for _, f := range facts {
		s.Logger.Info().
			Str("kind", string(f.Kind)).
			Str("entity", f.EntityID).
			Str("event", f.Event).
			Time("at", f.Timestamp).
			Msg("fact")
	}
	return nil
}

var _ Sink = LogSink{}
