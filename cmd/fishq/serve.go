package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/fishqueue/internal/config"
	"github.com/hochfrequenz/fishqueue/internal/controller"
	"github.com/hochfrequenz/fishqueue/internal/coordinator"
	"github.com/hochfrequenz/fishqueue/internal/httpapi"
	"github.com/hochfrequenz/fishqueue/internal/lease"
	"github.com/hochfrequenz/fishqueue/internal/logging"
	"github.com/hochfrequenz/fishqueue/internal/notify"
	"github.com/hochfrequenz/fishqueue/internal/observer"
	"github.com/hochfrequenz/fishqueue/internal/runstore"
	"github.com/hochfrequenz/fishqueue/internal/scheduler"
	"github.com/hochfrequenz/fishqueue/internal/sprt"
	"github.com/hochfrequenz/fishqueue/internal/tracing"
)

// version is set at build time
var version = "dev"

var (
	servePort   int
	serveMemory bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveMemory, "memory", false, "keep runs in memory only")
	rootCmd.AddCommand(serveCmd)
}

func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

func openStore(cfg config.StoreConfig) (runstore.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return runstore.NewMemory(), nil
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		return runstore.NewSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func schedulerLimits(cfg config.SchedulerConfig) scheduler.Limits {
	return scheduler.Limits{
		MaxSliceGames:    cfg.MaxSliceGames,
		GamesPerCore:     cfg.GamesPerCore,
		MinWorkerVersion: cfg.MinWorkerVersion,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveMemory {
		cfg.Store.Driver = config.DriverMemory
	}

	logger, closeLog, err := logging.Open(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	shutdownTracing, err := tracing.Init("fishqueue", version, cfg.Tracing.Enabled, os.Stdout)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(ctx)
	}()

	store, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	model, err := sprt.ModelByName(cfg.Stats.Model)
	if err != nil {
		return err
	}

	leases := lease.NewManager(cfg.Lease.TTL.Duration, lease.WithLogger(logger))
	sched := scheduler.New(store, leases, schedulerLimits(cfg.Scheduler), logger)
	ctl := controller.New(controller.Options{
		Store:     store,
		Leases:    leases,
		Scheduler: sched,
		Engine:    sprt.New(model),
		Logger:    logger,
	})

	obs := observer.New(cfg.Server.HeartbeatTimeout.Duration, 10*time.Minute)
	ctl.Subscribe(obs.Listen)

	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.Notifications.SlackWebhook != "" {
		notifier = notify.NewMultiNotifier(notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	dispatcher := notify.NewDispatcher(notifier, 64, logger)
	ctl.Subscribe(dispatcher.Listen)

	coord := coordinator.New(coordinator.Config{
		HeartbeatInterval: cfg.Server.HeartbeatInterval.Duration,
		HeartbeatTimeout:  cfg.Server.HeartbeatTimeout.Duration,
	}, ctl, logger)

	server := httpapi.New(httpapi.Options{
		Controller:    ctl,
		Coordinator:   coord,
		WebSocketPath: cfg.Server.WebSocketPath,
		Observer:      obs,
		Logger:        logger,
	})

	sweeper, err := lease.NewSweeper(cfg.Lease.SweepSchedule, func(ctx context.Context) error {
		report, err := ctl.Sweep(ctx)
		if report.Reclaimed > 0 || report.Finished > 0 {
			logger.Info("sweep", "runs", report.Runs, "reclaimed", report.Reclaimed, "finished", report.Finished)
		}
		return err
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(cfg.Server.Addr())
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return coord.Run(ctx) })
	g.Go(func() error { return sweeper.Start(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error {
		err := config.Watch(ctx, path, func(next *config.Config) {
			sched.SetLimits(schedulerLimits(next.Scheduler))
			logger.Info("scheduler limits updated",
				"max_slice_games", next.Scheduler.MaxSliceGames,
				"games_per_core", next.Scheduler.GamesPerCore,
				"min_worker_version", next.Scheduler.MinWorkerVersion)
		}, logger)
		if err != nil && !errors.Is(err, context.Canceled) {
			// no config directory to watch; limits stay fixed
			logger.Warn("config hot reload disabled", "path", path, "error", err)
		}
		return nil
	})

	logger.Info("fishqueue started",
		"addr", cfg.Server.Addr(),
		"store", cfg.Store.Driver,
		"model", model.Name(),
		"lease_ttl", cfg.Lease.TTL.Duration)

	return g.Wait()
}
