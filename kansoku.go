// Package kansoku is the public API for embedding the Kansoku call-lifecycle
// engine.
//
// Consumers construct an App, optionally hand it a PBX client for the
// polling sources, and run it until their context is cancelled:
//
//	app, err := kansoku.New(ctx,
//	    kansoku.WithVersion(version),
//	    kansoku.WithLogger(logger),
//	    kansoku.WithPBXClient(myPBX),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the root.
// Public types are aliases of the internal ones they expose.
package kansoku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kansoku/internal/config"
	"github.com/ashita-ai/kansoku/internal/pbx"
	"github.com/ashita-ai/kansoku/internal/poller"
	"github.com/ashita-ai/kansoku/internal/push"
	"github.com/ashita-ai/kansoku/internal/service/calls"
	"github.com/ashita-ai/kansoku/internal/service/dispatch"
	"github.com/ashita-ai/kansoku/internal/service/ingest"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/storage/memory"
	"github.com/ashita-ai/kansoku/internal/telemetry"
	"github.com/ashita-ai/kansoku/migrations"
)

// pbxBurst is the token bucket size in front of the PBX client.
const pbxBurst = 2

// App is the Kansoku engine lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        storage.Store
	db           *storage.DB // nil with the memory store
	writer       *ingest.Writer
	dispatcher   *dispatch.Dispatcher
	poller       *poller.Poller // nil without a PBX client
	consumer     *push.Consumer // nil when push is disabled
	rdb          *redis.Client
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration, connects the store, runs migrations and wires the
// writer, dispatcher, pollers and push consumer. It does not start any
// goroutines; call Run.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	var cfg config.Config
	if o.cfg != nil {
		cfg = *o.cfg
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	} else {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kansoku starting", "version", version, "store", cfg.Store)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{cfg: cfg, otelShutdown: otelShutdown, logger: logger, version: version}
	if err := a.openStore(ctx); err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	a.writer = ingest.NewWriter(a.store, logger)
	manager := calls.New(calls.Config{
		PhoneRegion:       cfg.PhoneRegion,
		DefaultSlaSeconds: cfg.DefaultSlaSeconds,
		WrapUpWindow:      cfg.WrapUpWindow,
	}, logger)
	a.dispatcher = dispatch.New(a.store, manager, dispatch.Config{
		Interval:       cfg.DispatchInterval,
		BatchSize:      cfg.BatchSize,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		LeaseTimeout:   cfg.LeaseTimeout,
	}, logger)
	if mem, ok := a.store.(*memory.Store); ok {
		mem.OnInsert(func(string) { a.dispatcher.Wake() })
	}

	if o.pbxClient != nil {
		a.poller = poller.New(pbx.RateLimited(o.pbxClient, cfg.PBXRateLimitRPS, pbxBurst), a.writer, poller.Config{
			Interval:      cfg.PollInterval,
			Lookback:      cfg.ReconciliationLookback,
			ActiveCalls:   cfg.ActiveCallsEnabled,
			CallHistory:   cfg.CallHistoryEnabled,
			CallLog:       cfg.CallLogEnabled,
			CallLogReport: cfg.CallLogReport,
		}, logger)
	} else {
		logger.Info("pbx polling: disabled (no client)")
	}

	if cfg.PushEnabled {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.rdb = redis.NewClient(redisOpts)
		a.consumer = push.NewConsumer(a.rdb, a.writer, push.Config{
			Stream:   cfg.PushStream,
			Group:    cfg.PushGroup,
			Consumer: cfg.PushConsumer,
		}, logger)
		logger.Info("push channel: enabled", "stream", cfg.PushStream, "group", cfg.PushGroup)
	}

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.cfg.Store == config.StoreMemory {
		a.store = memory.New()
		a.logger.Warn("store: memory", "risk", "inbox and projections are lost on restart")
		return nil
	}
	db, err := storage.New(ctx, a.cfg.DatabaseURL, a.cfg.NotifyURL, a.logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(context.Background())
		return fmt.Errorf("migrations: %w", err)
	}
	a.db = db
	a.store = db
	return nil
}

// Ingest validates env and appends it to the inbox. A duplicate returns
// Inserted=false and no error.
func (a *App) Ingest(ctx context.Context, env Envelope) (IngestResult, error) {
	return a.writer.Write(ctx, env)
}

// Backlog counts inbox rows not yet processed or dead-lettered.
func (a *App) Backlog(ctx context.Context) (int64, error) {
	return a.store.CountBacklog(ctx)
}

// Run starts the dispatcher, the pollers, the push consumer and the inbox
// listener, then blocks until ctx is cancelled or one of them fails. Resources
// are released before Run returns.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.dispatcher.Run(ctx) })
	if a.poller != nil {
		g.Go(func() error { return a.poller.Run(ctx) })
	}
	if a.consumer != nil {
		g.Go(func() error { return a.consumer.Run(ctx) })
	}
	if a.db != nil {
		g.Go(func() error {
			err := a.db.ListenInbox(ctx, func(string) { a.dispatcher.Wake() })
			if errors.Is(err, storage.ErrNotifyUnavailable) {
				a.logger.Info("inbox notifications: disabled (no notify connection)")
				return nil
			}
			return err
		})
	}

	err := g.Wait()
	a.logger.Info("kansoku stopped", "version", a.version)
	return err
}

func (a *App) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		a.db.Close(context.Background())
	}
	_ = a.otelShutdown(context.Background())
}
