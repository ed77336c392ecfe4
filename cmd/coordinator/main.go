package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	r "github.com/redis/go-redis/v9"

	"github.com/izavyalov-dev/signup-broker/allocator"
	"github.com/izavyalov-dev/signup-broker/internal/artifacts"
	"github.com/izavyalov-dev/signup-broker/internal/config"
	"github.com/izavyalov-dev/signup-broker/internal/observability"
	"github.com/izavyalov-dev/signup-broker/leasequeue"
	"github.com/izavyalov-dev/signup-broker/ledger"
	"github.com/izavyalov-dev/signup-broker/mutex"
	"github.com/izavyalov-dev/signup-broker/orchestrator"
	"github.com/izavyalov-dev/signup-broker/provider/httpapi"
	"github.com/izavyalov-dev/signup-broker/sequence"
	"github.com/izavyalov-dev/signup-broker/state"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "release-leases":
		err = runReleaseLeases(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: coordinator <serve|migrate|release-leases> [flags]")
}

func runServe(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	flags.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres DSN")
	flags.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Listen address")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the phone lease queue (optional)")
	flags.StringVar(&cfg.Batches.RunnerCommand, "runner-cmd", cfg.Batches.RunnerCommand, "Command used to launch a runner")
	flags.StringVar(&cfg.Batches.WorkerCommand, "worker-cmd", cfg.Batches.WorkerCommand, "Shell command a runner executes per attempt")
	_ = flags.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wired, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer wired.close()

	logger := observability.NewLogger("coordinator")
	handler := orchestrator.NewHTTPHandler(wired.service, observability.NewLogger("coordinator.http"))
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		wired.registry.Run(ctx, cfg.Alias.StaleSweepPeriod, cfg.Alias.ReservationTTL)
	}()
	go func() {
		defer wg.Done()
		wired.leases.Run(ctx, cfg.Leases.SweepInterval)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server started", "event", "server_started", "addr", cfg.ListenAddr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
		stop()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http shutdown", "event", "server_shutdown_failed", "error", shutdownErr)
	}
	if shutdownErr := wired.service.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("batches not reconciled before shutdown", "event", "batch_shutdown_failed", "error", shutdownErr)
	}
	wg.Wait()
	logger.Info("server stopped", "event", "server_stopped")

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runMigrate(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	flags := flag.NewFlagSet("migrate", flag.ExitOnError)
	flags.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres DSN")
	_ = flags.Parse(args)

	if cfg.DatabaseURL == "" {
		return errors.New("database-url or DATABASE_URL required")
	}
	ctx := context.Background()
	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return state.NewStore(db).ApplyMigrations(ctx)
}

// runReleaseLeases performs one release sweep and exits.
func runReleaseLeases(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	flags := flag.NewFlagSet("release-leases", flag.ExitOnError)
	flags.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres DSN")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the phone lease queue (optional)")
	_ = flags.Parse(args)

	ctx := context.Background()
	wired, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer wired.close()

	released, err := wired.leases.Sweep(ctx)
	if err != nil {
		return err
	}
	pending, err := wired.leases.Pending(ctx)
	if err != nil {
		return err
	}
	observability.NewLogger("coordinator").Info("lease sweep completed",
		"event", "lease_sweep_completed",
		"released", released,
		"pending", pending,
	)
	return nil
}

type app struct {
	db       *sql.DB
	rdb      *r.Client
	registry *allocator.Registry
	leases   *leasequeue.Queue
	service  *orchestrator.Service
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	_ = a.db.Close()
}

func build(ctx context.Context, cfg config.Config) (*app, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database-url or DATABASE_URL required")
	}
	format, err := allocator.ParseBaseAddress(cfg.Alias.BaseAddress, cfg.Alias.Tag)
	if err != nil {
		return nil, err
	}

	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	store := state.NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	metrics := observability.NewMetrics(nil)
	locker := mutex.NewLocker(store,
		mutex.WithStaleAfter(cfg.Locks.StaleAfter),
		mutex.WithLogger(observability.NewLogger("coordinator.mutex")),
	)
	registry := allocator.NewRegistry(store, locker, observability.NewLogger("coordinator.registry"), metrics)
	aliases := allocator.New(allocator.Config{
		Format:          format,
		MaxMintAttempts: cfg.Alias.MaxMintAttempts,
		Logger:          observability.NewLogger("coordinator.allocator"),
		Metrics:         metrics,
	}, store, registry, locker, sequence.NewCounter(store, locker, observability.NewLogger("coordinator.sequence")))

	numbers := httpapi.NewClient(httpapi.Options{
		BaseURL:     cfg.Provider.BaseURL,
		APIKey:      cfg.Provider.APIKey,
		Service:     cfg.Provider.Service,
		Country:     cfg.Provider.Country,
		Operator:    cfg.Provider.Operator,
		StripPrefix: cfg.Provider.StripPrefix,
	})

	a := &app{db: db, registry: registry}
	var leaseStore leasequeue.Store = store
	if cfg.RedisAddr != "" {
		a.rdb = r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		leaseStore = leasequeue.NewRedisStore(a.rdb, "")
	}
	a.leases = leasequeue.New(leasequeue.Config{
		MinimumHold: cfg.Leases.MinimumHold,
		SweepBatch:  cfg.Leases.SweepBatch,
		Logger:      observability.NewLogger("coordinator.leases"),
		Metrics:     metrics,
	}, leaseStore, numbers)

	accountant := ledger.NewAccountant(ledger.Config{
		DefaultUnitFee: cfg.Ledger.DefaultUnitFee,
		VerifyBalance:  cfg.Ledger.VerifyBalance,
		Logger:         observability.NewLogger("coordinator.ledger"),
		Metrics:        metrics,
	}, store)

	reporter, err := batchReporter(ctx, cfg.Artifacts, observability.NewLogger("coordinator"))
	if err != nil {
		a.close()
		return nil, err
	}

	a.service = orchestrator.NewService(orchestrator.Config{
		MaxConcurrency: cfg.Batches.MaxConcurrency,
		MaxBatchSize:   cfg.Batches.MaxBatchSize,
		LaunchStagger:  cfg.Batches.LaunchStagger,
		AttemptTimeout: cfg.Batches.AttemptTimeout,
		ReservationTTL: cfg.Alias.ReservationTTL,
		Logger:         observability.NewLogger("coordinator.batches"),
		Metrics:        metrics,
	}, orchestrator.Dependencies{
		Aliases:  aliases,
		Sweeper:  registry,
		Leases:   a.leases,
		Ledger:   accountant,
		Provider: numbers,
		Driver: orchestrator.ProcessDriver{
			Command:        cfg.Batches.RunnerCommand,
			CoordinatorURL: cfg.Batches.CoordinatorURL,
			LogDir:         cfg.Batches.LogDir,
			WorkerCommand:  cfg.Batches.WorkerCommand,
			S3Bucket:       cfg.Artifacts.S3Bucket,
			S3Prefix:       cfg.Artifacts.S3Prefix,
			S3Region:       cfg.Artifacts.S3Region,
		},
		Reporter: reporter,
	})
	return a, nil
}

func batchReporter(ctx context.Context, cfg config.ArtifactConfig, logger *slog.Logger) (orchestrator.BatchReporter, error) {
	if cfg.S3Bucket == "" {
		return orchestrator.NoopBatchReporter{}, nil
	}
	uploader, err := artifacts.NewS3Uploader(ctx, artifacts.S3Config{
		Bucket: cfg.S3Bucket,
		Prefix: cfg.S3Prefix,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 uploader: %w", err)
	}
	logger.Info("batch summaries go to s3", "event", "batch_reporter_configured", "bucket", cfg.S3Bucket)
	return uploader, nil
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}
