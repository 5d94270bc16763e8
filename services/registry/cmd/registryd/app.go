package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"registryd/pkg/bus"
	"registryd/pkg/db"
	gos3 "registryd/pkg/s3"
	"registryd/pkg/telemetry"
	"registryd/services/registry"
	"registryd/services/registry/api"
	"registryd/services/registry/archive"
	"registryd/services/registry/health"
	"registryd/services/registry/internal/config"
	"registryd/services/registry/ledger"
	"registryd/services/registry/reconcile"
	"registryd/services/registry/scanner"
	"registryd/services/registry/scheduler"
)

const (
	jobScan   = "ledger-scan"
	jobHealth = "health-check"

	eventsStream = "REGISTRY"
)

type app struct {
	cfg       config.Config
	logger    zerolog.Logger
	store     *registry.Store
	events    *bus.Bus
	scheduler *scheduler.Scheduler
}

// withApp loads configuration, wires every dependency and hands the result
// to fn. Resources are released when fn returns.
func withApp(ctx context.Context, runMigrations bool, fn func(context.Context, *app) error) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := telemetry.NewLogger(serviceName, cfg.LogLevel, os.Stdout)

	shutdownTelemetry, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown")
		}
	}()

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if runMigrations {
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	a, err := newApp(ctx, cfg, logger, pool)
	if err != nil {
		return err
	}
	defer a.events.Close()

	return fn(ctx, a)
}

// newApp wires the service. On error every connection it opened is closed.
func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger, pool *pgxpool.Pool) (_ *app, err error) {
	var undo closers
	defer undo.closeIf(&err)

	orm, err := db.OpenORM(pool)
	if err != nil {
		return nil, fmt.Errorf("open orm: %w", err)
	}
	store, err := registry.NewStore(pool, orm)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: store}
	if err := a.seedSources(ctx); err != nil {
		return nil, err
	}

	var events registry.Publisher
	if cfg.NATSURL != "" {
		b, connErr := bus.New(cfg.NATSURL)
		if connErr != nil {
			return nil, fmt.Errorf("connect nats: %w", connErr)
		}
		undo.add(b.Close)
		if err := b.EnsureStream(eventsStream, registry.StatusSubject); err != nil {
			return nil, fmt.Errorf("ensure stream: %w", err)
		}
		a.events = b
		events = b
	}

	var archiver scanner.Archiver
	if cfg.ArchiveBucket != "" {
		client, err := gos3.NewClient(ctx, gos3.Config{
			Endpoint:       cfg.S3Endpoint,
			Region:         cfg.S3Region,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			DisableTLS:     cfg.S3DisableTLS,
			ForcePathStyle: cfg.S3ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 client: %w", err)
		}
		arc, err := archive.New(client, cfg.ArchiveBucket)
		if err != nil {
			return nil, err
		}
		archiver = arc
	}

	baseURLs := map[registry.Network]string{}
	if cfg.LedgerMainnetURL != "" {
		baseURLs[registry.Mainnet] = cfg.LedgerMainnetURL
	}
	if cfg.LedgerPreprodURL != "" {
		baseURLs[registry.Preprod] = cfg.LedgerPreprodURL
	}
	ledgers := ledger.NewRegistry(ledger.Options{
		HTTPClient:        &http.Client{Timeout: 30 * time.Second, Transport: telemetry.Transport(nil)},
		RequestsPerSecond: cfg.LedgerRPS,
		Burst:             cfg.LedgerBurst,
		MaxRetries:        cfg.LedgerMaxRetries,
		RetryBase:         cfg.LedgerRetryBase,
		BaseURLs:          baseURLs,
	})

	verifier := health.NewVerifier(&http.Client{Transport: telemetry.Transport(nil)}, health.Config{
		Timeout: cfg.ProbeTimeout,
	})

	scan, err := scanner.New(store, ledgers, verifier, scanner.Options{
		PageSize: cfg.LedgerPageSize,
		Archiver: archiver,
		Events:   events,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	batcher, err := reconcile.New(store, verifier, reconcile.Options{
		Config: reconcile.Config{
			RecheckAfter: cfg.HealthRecheckAfter,
			Concurrency:  cfg.ProbeConcurrency,
		},
		Events: events,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(scheduler.Options{AcquireTimeout: cfg.JobAcquireTimeout, Logger: logger})
	if err := sched.Add(scheduler.Job{
		Name:         jobScan,
		Interval:     cfg.ScanInterval,
		InitialDelay: cfg.ScanInitialDelay,
		Run:          scan.Run,
	}); err != nil {
		return nil, err
	}
	if err := sched.Add(scheduler.Job{
		Name:         jobHealth,
		Interval:     cfg.HealthInterval,
		InitialDelay: cfg.HealthInitialDelay,
		Run:          batcher.Run,
	}); err != nil {
		return nil, err
	}
	a.scheduler = sched

	return a, nil
}

// closers undoes a partially wired app.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

// closeIf runs the closers in reverse order when *err is set.
func (c *closers) closeIf(err *error) {
	if *err == nil {
		return
	}
	for i := len(*c) - 1; i >= 0; i-- {
		(*c)[i]()
	}
}

func (a *app) seedSources(ctx context.Context) error {
	specs, problems, err := config.LoadSources(a.cfg.SourcesFile)
	if err != nil {
		return err
	}
	for _, p := range problems {
		a.logger.Warn().Err(p).Str("file", a.cfg.SourcesFile).Msg("skipping source")
	}
	if len(specs) == 0 {
		return nil
	}
	if err := a.store.EnsureSources(ctx, specs); err != nil {
		return fmt.Errorf("seed sources: %w", err)
	}
	a.logger.Info().Int("count", len(specs)).Msg("sources seeded")
	return nil
}

// serve runs the HTTP API and the scheduler until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	handler, err := api.New(a.store, api.Config{
		ServiceName:       serviceName,
		AllowedOrigins:    a.cfg.AllowedOrigins,
		RequestsPerMinute: a.cfg.RequestsPerMinute,
	}, a.logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("server shutdown")
		}
		return nil
	})
	return g.Wait()
}

func migrate(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := telemetry.NewLogger(serviceName, cfg.LogLevel, os.Stdout)

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info().Msg("migrations applied")
	return nil
}
