package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"arbiter-escrow/internal/api"
	"arbiter-escrow/internal/attestation"
	"arbiter-escrow/internal/feed"
	"arbiter-escrow/internal/scheduler"
	"arbiter-escrow/internal/storage"
)

// ErrLockHeld is returned when another instance already owns the fact log.
var ErrLockHeld = errors.New("advisory lock held by another instance")

// Options wires the runtime components. Nil components are not started.
type Options struct {
	Dispatcher *feed.Dispatcher
	Poller     *attestation.Poller
	Scheduler  *scheduler.Scheduler
	API        *api.Server

	Listen          string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration

	Locker  storage.AdvisoryLocker
	LockKey int64
}

// Service runs the fact dispatcher, the ZK poller and the HTTP API side by side.
type Service struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs the runtime.
func New(opts Options, logger zerolog.Logger) *Service {
	return &Service{opts: opts, logger: logger.With().Str("component", "service").Logger()}
}

// Run blocks until ctx is cancelled or a component fails. Cancellation is not an error.
func (s *Service) Run(ctx context.Context) error {
	if s.opts.Dispatcher == nil {
		return fmt.Errorf("dispatcher not configured")
	}

	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if unlock != nil {
		defer unlock()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.opts.Dispatcher.Run(ctx)
	})
	if s.opts.Poller != nil && s.opts.Scheduler != nil {
		g.Go(func() error {
			return s.opts.Scheduler.Run(ctx, s.opts.Poller.Tick)
		})
	} else {
		s.logger.Warn().Msg("attestation.base_url not configured; ZK results must be supplied out of band")
	}
	if s.opts.API != nil {
		g.Go(func() error {
			return s.opts.API.ListenAndServe(ctx, s.opts.Listen, s.opts.ReadTimeout, s.opts.ShutdownTimeout)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), error) {
	if s.opts.LockKey == 0 || s.opts.Locker == nil {
		return nil, nil
	}
	unlock, acquired, err := s.opts.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("%w: key %d", ErrLockHeld, s.opts.LockKey)
	}
	s.logger.Debug().Int64("key", s.opts.LockKey).Msg("advisory lock acquired")
	return unlock, nil
}
