package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"arbiter-escrow/internal/alerting"
	"arbiter-escrow/internal/api"
	"arbiter-escrow/internal/attestation"
	"arbiter-escrow/internal/chain"
	"arbiter-escrow/internal/config"
	"arbiter-escrow/internal/feed"
	"arbiter-escrow/internal/protocol"
	"arbiter-escrow/internal/scheduler"
	"arbiter-escrow/internal/service"
	"arbiter-escrow/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newEngine builds the protocol from the configured genesis state with owner as the
// policy owner.
func (a *App) newEngine(owner common.Address, opts protocol.Options) (*protocol.Engine, error) {
	net, err := chain.Network(a.Config.Chain.Network)
	if err != nil {
		return nil, err
	}
	values, err := a.Config.Policy.Resolve()
	if err != nil {
		return nil, err
	}
	if opts.Signatures == nil {
		opts.Signatures = attestation.SignatureService{}
	}
	opts.Logger = a.Logger
	return protocol.New(protocol.Config{
		Owner:        owner,
		FeeCollector: a.Config.Policy.FeeCollector,
		Policy:       values,
		Network:      net,
	}, opts)
}

func (a *App) newNotifier() alerting.Notifier {
	var out alerting.Multi
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		out = append(out, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	if a.Config.Alerting.Webhook.Enabled {
		cfg := a.Config.Alerting.Webhook
		out = append(out, alerting.NewWebhookNotifier(cfg.URL, cfg.Timeout, a.Logger))
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running arbitration service.
func (a *App) Run(ctx context.Context) error {
	if a.Config.Policy.Owner == (common.Address{}) {
		return errors.New("policy.owner must be configured to run the service")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	var sinks []feed.Sink
	var locker storage.AdvisoryLocker
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; facts are only logged")
		sinks = append(sinks, feed.LogSink{Logger: a.Logger})
	} else {
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		sinks = append(sinks, store)
		locker = store
	}
	if a.Config.Alerting.Enabled {
		if notifier := a.newNotifier(); notifier != nil {
			sinks = append(sinks, alerting.NewSink(notifier, a.Config.Alerting.Channels, a.Logger))
		} else {
			a.Logger.Warn().Msg("alerting enabled but no channel configured")
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	queue := feed.NewQueue()
	engine, err := a.newEngine(a.Config.Policy.Owner, protocol.Options{Publisher: queue, Registerer: reg})
	if err != nil {
		return fmt.Errorf("init protocol: %w", err)
	}

	dispatcher := feed.NewDispatcher(queue, a.Config.Dispatcher.Interval, a.Logger, sinks...)
	dispatcher.MaxBacklog = a.Config.Dispatcher.MaxBacklog

	opts := service.Options{
		Dispatcher:      dispatcher,
		API:             api.New(engine, api.Options{RateLimit: a.Config.API.RateLimit, Burst: a.Config.API.Burst, Gatherer: reg}, a.Logger),
		Listen:          a.Config.API.Listen,
		ReadTimeout:     a.Config.API.ReadTimeout,
		ShutdownTimeout: a.Config.API.ShutdownTimeout,
		Locker:          locker,
		LockKey:         a.Config.Dispatcher.AdvisoryLockKey,
	}
	if att := a.Config.Attestation; att.BaseURL != "" {
		client := attestation.NewClient(attestation.ClientOptions{
			BaseURL:   att.BaseURL,
			APIKey:    att.APIKey,
			Timeout:   att.RequestTimeout,
			UserAgent: att.UserAgent,
		}, a.Logger)
		sched, err := scheduler.New(scheduler.Options{
			Name:      "zk_poller",
			Interval:  att.PollInterval,
			Immediate: true,
		}, a.Logger)
		if err != nil {
			return err
		}
		opts.Poller = attestation.NewPoller(client, engine.Registry(), a.Logger)
		opts.Scheduler = sched
	}

	a.Logger.Info().
		Str("owner", a.Config.Policy.Owner.Hex()).
		Str("network", a.Config.Chain.Network).
		Str("listen", a.Config.API.Listen).
		Msg("starting arbitration service")
	err = service.New(opts, a.Logger).Run(ctx)
	if err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("arbitration service stopped")
	return nil
}

// ExportOptions hold parameters for exporting the fact log.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	// Kinds restricts the CSV to these fact kinds; empty keeps all.
	Kinds []string
}

// ShowOptions configure the show command. Kind is a projection kind or "facts".
type ShowOptions struct {
	Kind  string
	Limit int
}

// SimulateOptions configure the in-memory timeout scenario.
type SimulateOptions struct {
	// Notify pushes the arbitration-request notification through the configured channels.
	Notify bool
}
