package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/assetflow/internal/approval"
	"github.com/pitabwire/assetflow/internal/catalog"
	"github.com/pitabwire/assetflow/internal/config"
	"github.com/pitabwire/assetflow/internal/definition"
	"github.com/pitabwire/assetflow/internal/ledger"
	"github.com/pitabwire/assetflow/internal/lock"
	"github.com/pitabwire/assetflow/internal/notify"
	"github.com/pitabwire/assetflow/internal/observability"
	"github.com/pitabwire/assetflow/internal/openapi"
	"github.com/pitabwire/assetflow/internal/progress"
	"github.com/pitabwire/assetflow/internal/roster"
	"github.com/pitabwire/assetflow/internal/transport"
	"github.com/pitabwire/assetflow/migrations"
)

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if code := run(configPath); code != 0 {
				return fmt.Errorf("server exited with status %d", code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	return cmd
}

// stores groups the persistence drivers selected by configuration.
type stores struct {
	workflows definition.Store
	catalog   catalog.Store
	rosters   roster.Store
	ledgers   ledger.Store
	health    observability.HealthChecker
	close     func()
}

func run(configPath string) int {
	// Step 1: Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 2: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "assetflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(registry)

	// Step 3: Open stores.
	st, err := openStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer st.close()

	// Step 4: Per-asset lock.
	locker, lockCloser, err := buildLocker(ctx, cfg.Lock, logger)
	if err != nil {
		logger.Error("lock initialization failed", zap.Error(err))
		return 1
	}
	defer lockCloser()

	// Step 5: Notification dispatcher.
	sink, natsConn, err := buildSink(cfg.Notify, logger)
	if err != nil {
		logger.Error("notification sink initialization failed", zap.Error(err))
		return 1
	}
	dispatcher, err := notify.NewDispatcher(sink, notify.Options{
		Workers:        cfg.Notify.Workers,
		MaxAttempts:    cfg.Notify.MaxAttempts,
		InitialBackoff: cfg.Notify.InitialBackoff,
		MaxBackoff:     cfg.Notify.MaxBackoff,

		BreakerThreshold: cfg.Notify.BreakerThreshold,
		BreakerCooldown:  cfg.Notify.BreakerCooldown,
	}, metrics, logger)
	if err != nil {
		logger.Error("dispatcher initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Services.
	catalogSvc := catalog.NewService(st.catalog, st.workflows, st.ledgers, logger)
	workflowSvc := definition.NewService(st.workflows, st.catalog, st.ledgers, logger)
	rosterSvc := roster.NewService(st.rosters, catalogSvc, st.workflows, logger)
	engine := approval.NewEngine(approval.Deps{
		Catalog:    catalogSvc,
		Workflows:  st.workflows,
		Roster:     st.rosters,
		Ledgers:    st.ledgers,
		Locker:     locker,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Logger:     logger,
	})
	aggregator := progress.NewAggregator(catalogSvc, st.workflows, st.ledgers)

	// Step 7: Seed workflows from YAML.
	if len(cfg.Workflows.Directories) > 0 {
		files, err := definition.NewLoader().LoadAll(cfg.Workflows.Directories)
		if err != nil {
			logger.Error("workflow seed loading failed", zap.Error(err))
			return 1
		}
		result, err := workflowSvc.Seed(ctx, files, metrics)
		if err != nil {
			logger.Error("workflow seeding failed", zap.Error(err))
			return 1
		}
		logger.Info("workflow seeds applied",
			zap.Int("files", result.Files),
			zap.Int("created", result.Created),
			zap.Int("skipped", result.Skipped),
		)
	}

	// Step 8: API document and HTTP router.
	doc, err := openapi.Load()
	if err != nil {
		logger.Error("API document load failed", zap.Error(err))
		return 1
	}

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL).WithLogger(logger)

	readiness := observability.ReadinessChecks{Store: st.health}
	if hc, ok := locker.(observability.HealthChecker); ok {
		readiness.Lock = hc
	}
	if natsConn != nil {
		readiness.Notifier = notify.HealthCheck(natsConn)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Engine:       engine,
		Catalog:      catalogSvc,
		Workflows:    workflowSvc,
		Roster:       rosterSvc,
		Progress:     aggregator,
		API:          doc,
		Metrics:      metrics,
		Gatherer:     registry,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("lock", cfg.Lock.Driver),
		zap.String("notify", cfg.Notify.Sink),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Let queued notifications finish before closing their transport.
	drainCtx, drainCancel := context.WithTimeout(shutdownCtx, cfg.Notify.DrainTimeout)
	if err := dispatcher.Close(drainCtx); err != nil {
		logger.Warn("notification drain incomplete", zap.Error(err))
	}
	drainCancel()
	if natsConn != nil {
		if err := natsConn.Drain(); err != nil {
			logger.Warn("nats drain failed", zap.Error(err))
		}
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// openStores builds every store on the configured driver.
func openStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (stores, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Info("using in-memory stores")
		workflows := definition.NewMemoryStore()
		return stores{
			workflows: workflows,
			catalog:   catalog.NewMemoryStore(),
			rosters:   roster.NewMemoryStore(),
			ledgers:   ledger.NewMemoryStore(),
			health:    workflows,
			close:     func() {},
		}, nil
	case config.DriverPostgres:
		dsn := cfg.DSN()
		if dsn == "" {
			return stores{}, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}
		if cfg.AutoMigrate {
			if err := migrations.Up(dsn); err != nil {
				return stores{}, err
			}
			logger.Info("database schema up to date")
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return stores{}, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return stores{}, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return stores{}, fmt.Errorf("store: ping: %w", err)
		}

		workflows := definition.NewPgStore(pool)
		return stores{
			workflows: workflows,
			catalog:   catalog.NewPgStore(pool),
			rosters:   roster.NewPgStore(pool),
			ledgers:   ledger.NewPgStore(pool),
			health:    workflows,
			close:     pool.Close,
		}, nil
	default:
		return stores{}, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildLocker returns the per-asset lock and a closer for its client.
func buildLocker(ctx context.Context, cfg config.LockConfig, logger *zap.Logger) (lock.Locker, func(), error) {
	switch cfg.Driver {
	case config.LockLocal:
		return lock.NewLocalLocker(), func() {}, nil
	case config.LockRedis:
		addr := cfg.Addr()
		if addr == "" {
			return nil, nil, fmt.Errorf("lock: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("lock: ping redis: %w", err)
		}
		logger.Info("using redis asset lock", zap.String("addr", addr))
		locker := lock.NewRedisLocker(client, lock.RedisOptions{
			Prefix:       cfg.KeyPrefix,
			TTL:          cfg.TTL,
			WaitTimeout:  cfg.WaitTimeout,
			PollInterval: cfg.PollInterval,
		})
		return locker, func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported lock driver: %q", cfg.Driver)
	}
}

// buildSink returns the notification sink. The NATS connection is returned
// so readiness and shutdown can use it; it is nil for the log sink.
func buildSink(cfg config.NotifyConfig, logger *zap.Logger) (notify.Sink, *nats.Conn, error) {
	switch cfg.Sink {
	case config.SinkLog:
		return notify.NewLogSink(logger), nil, nil
	case config.SinkNATS:
		url := cfg.URL()
		if url == "" {
			return nil, nil, fmt.Errorf("notify: %s environment variable not set", cfg.URLEnv)
		}
		conn, err := notify.Connect(url, logger)
		if err != nil {
			return nil, nil, err
		}
		return notify.NewNATSSink(conn, cfg.SubjectPrefix), conn, nil
	default:
		return nil, nil, fmt.Errorf("unsupported notification sink: %q", cfg.Sink)
	}
}
