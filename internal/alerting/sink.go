package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"arbiter-escrow/internal/feed"
)

const rememberSent = 4096

// Sink turns arbitration-request facts into notifications. The dispatcher redelivers a
// batch this sink failed on, so the ids of recently delivered facts are remembered and
// skipped.
type Sink struct {
	notifier Notifier
	channels []string
	logger   zerolog.Logger

	sent  map[uuid.UUID]struct{}
	order []uuid.UUID
}

// NewSink wraps a notifier.
func NewSink(notifier Notifier, channels []string, logger zerolog.Logger) *Sink {
	return &Sink{
		notifier: notifier,
		channels: channels,
		logger:   logger.With().Str("component", "notify_sink").Logger(),
		sent:     make(map[uuid.UUID]struct{}),
	}
}

// Consume implements feed.Sink.
func (s *Sink) Consume(ctx context.Context, facts []feed.Fact) error {
	var errs []error
	for _, f := range facts {
		if f.Kind != feed.KindNotification || f.Event != feed.EventArbitrationRequested {
			continue
		}
		if _, ok := s.sent[f.ID]; ok {
			continue
		}
		note, err := s.notification(f)
		if err != nil {
			s.logger.Warn().Err(err).Str("fact", f.ID.String()).Msg("drop malformed notification fact")
			s.remember(f.ID)
			continue
		}
		if err := s.notifier.Notify(ctx, note); err != nil {
			errs = append(errs, err)
			continue
		}
		s.remember(f.ID)
	}
	return errors.Join(errs...)
}

func (s *Sink) notification(f feed.Fact) (Notification, error) {
	arbiter, _ := f.Fields["arbiterId"].(string)
	tx, _ := f.Fields["transactionId"].(string)
	if !common.IsHexAddress(arbiter) || tx == "" {
		return Notification{}, fmt.Errorf("missing arbiterId or transactionId")
	}
	return Notification{
		ArbiterID:     common.HexToAddress(arbiter),
		TransactionID: common.HexToHash(tx),
		RequestedAt:   f.Timestamp,
		Channels:      s.channels,
	}, nil
}

func (s *Sink) remember(id uuid.UUID) {
	s.sent[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > rememberSent {
		delete(s.sent, s.order[0])
		s.order = s.order[1:]
	}
}

var _ feed.Sink = (*Sink)(nil)
