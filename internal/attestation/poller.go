package attestation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Poller moves finished proofs from the ZK service into the registry. Its Tick method
// matches scheduler.TickFunc.
type Poller struct {
	fetcher  ZKFetcher
	registry *Registry
	logger   zerolog.Logger
}

// NewPoller wires a fetcher to a registry.
func NewPoller(fetcher ZKFetcher, registry *Registry, logger zerolog.Logger) *Poller {
	return &Poller{
		fetcher:  fetcher,
		registry: registry,
		logger:   logger.With().Str("component", "zk_poller").Logger(),
	}
}

// Tick fetches every pending evidence once. Failures are collected and returned after
// the remaining evidence has been tried.
func (p *Poller) Tick(ctx context.Context, at time.Time) error {
	pending := p.registry.Pending()
	if len(pending) == 0 {
		return nil
	}

	var errs []error
	ready := 0
	for _, evidence := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, ok, err := p.fetcher.FetchZK(ctx, evidence)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch %s: %w", evidence.Hex(), err))
			continue
		}
		if !ok {
			continue
		}
		p.registry.Put(res)
		ready++
	}

	p.logger.Info().Time("tick", at).Int("pending", len(pending)).Int("ready", ready).Msg("zk poll finished")
	return errors.Join(errs...)
}
