package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/foreman/internal/api"
	"github.com/mattjoyce/foreman/internal/auth"
	"github.com/mattjoyce/foreman/internal/broker"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/erp"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/lock"
	"github.com/mattjoyce/foreman/internal/log"
	"github.com/mattjoyce/foreman/internal/monitor"
	"github.com/mattjoyce/foreman/internal/robot"
	"github.com/mattjoyce/foreman/internal/simulation"
	"github.com/mattjoyce/foreman/internal/storage"
	"github.com/mattjoyce/foreman/internal/task"
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("foreman starting", "version", version, "config", cfg.SourcePath)

	if err := storage.RequireLocalFilesystem(cfg.Service.LockPath, "dispatcher lock", "service.lock_path"); err != nil {
		logger.Error("refusing lock path", "error", err)
		return 1
	}
	pidLock, err := lock.Acquire(cfg.Service.LockPath)
	if err != nil {
		logger.Error("failed to acquire lock (another dispatcher may be running)", "path", cfg.Service.LockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired lock", "path", pidLock.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	store := task.NewStore(db)
	catalog := robot.NewStore(db)
	hub := events.NewHub(256)

	// One in-process broker backs both the dispatcher and the simulated
	// robots when the memory driver is selected.
	var mem *broker.MemoryBroker
	if cfg.Broker.Driver == config.BrokerMemory {
		mem = broker.NewMemoryBroker()
	}

	client := broker.NewClient(newTransport(cfg.Broker, mem, ""), cfg.Broker.BufferSize)
	defer client.Close()

	notifier := erp.New(erp.Config{
		Enabled: cfg.ERP.Enabled,
		BaseURL: cfg.ERP.BaseURL,
		Token:   cfg.ERP.Token,
		Timeout: cfg.ERP.Timeout,
	})
	logger.Info("erp notifier configured", "erp", notifier.String())

	svc := dispatch.New(store, client, notifier, hub, dispatch.Config{
		QueueCheckInterval: cfg.Service.QueueCheckInterval,
	})
	mon := monitor.New(svc, client, hub, monitor.Config{
		Interval:      cfg.Monitor.Interval,
		TaskTimeout:   cfg.Monitor.TaskTimeout,
		HealthTimeout: cfg.Monitor.HealthTimeout,
		Acknowledge:   cfg.Monitor.AckEnabled(),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Every background component runs in g so shutdown can wait for all of
	// them before the deferred closes release the database and broker.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		connectWithRetry(gctx, client, cfg.Broker.ReconnectWait, logger)
		return nil
	})

	g.Go(func() error {
		if err := svc.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return nil
	})

	mon.Start(gctx)

	var fleet *simulation.Fleet
	if cfg.Simulation.Enabled {
		simClient := broker.NewClient(newTransport(cfg.Broker, mem, "-sim"), cfg.Broker.BufferSize)
		defer simClient.Close()
		fleet = simulation.NewFleet(simClient, simulation.Config{
			Robots:       cfg.Simulation.Robots,
			WorkDuration: cfg.Simulation.WorkDuration,
			FailEvery:    cfg.Simulation.FailEvery,
		})
		g.Go(func() error {
			if !connectWithRetry(gctx, simClient, cfg.Broker.ReconnectWait, logger.With("client", "simulation")) {
				return nil
			}
			if gctx.Err() != nil {
				return nil
			}
			if err := fleet.Start(gctx); err != nil {
				logger.Error("failed to start simulated robots", "error", err)
				return nil
			}
			logger.Info("simulated robots started", "count", len(fleet.Robots()))
			return nil
		})
	}

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{
				Token:  t.Token,
				Scopes: t.Scopes,
			})
		}
		apiConfig := api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}
		apiServer := api.New(apiConfig, svc, mon, catalog, client, hub, log.Get())
		g.Go(func() error {
			if err := apiServer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("foreman running (press Ctrl+C to stop)")

	exitCode := awaitShutdown(gctx, sigCh, g, cancel, logger)

	mon.Stop()
	if fleet != nil {
		fleet.Stop()
	}
	svc.Wait()

	logger.Info("foreman stopped")
	return exitCode
}

// awaitShutdown blocks until a signal arrives or a component in g fails,
// then cancels the rest and waits for every component to return. It returns
// the process exit code.
func awaitShutdown(ctx context.Context, sigCh <-chan os.Signal, g *errgroup.Group, cancel context.CancelFunc, logger *slog.Logger) int {
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
	}
	cancel()

	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	return 0
}

// newTransport builds the transport for the configured driver. suffix is
// appended to the NATS client name so auxiliary connections are told apart.
func newTransport(cfg config.BrokerConfig, mem *broker.MemoryBroker, suffix string) broker.Transport {
	if cfg.Driver == config.BrokerMemory && mem != nil {
		return mem.Transport()
	}
	return broker.NewNATSTransport(broker.NATSConfig{
		URL:            cfg.URL,
		ClientName:     cfg.ClientName + suffix,
		Username:       cfg.Username,
		Password:       cfg.Password,
		Token:          cfg.Token,
		ConnectTimeout: cfg.ConnectTimeout,
		ReconnectWait:  cfg.ReconnectWait,
		MaxReconnects:  cfg.MaxReconnectAttempts(),
		PublishTimeout: cfg.PublishTimeout,
	})
}

// connectWithRetry dials until the client connects or ctx ends. The service
// keeps running degraded in between: queue checks and discovery are skipped.
func connectWithRetry(ctx context.Context, client *broker.Client, wait time.Duration, logger *slog.Logger) bool {
	if wait <= 0 {
		wait = time.Second
	}
	for {
		err := client.Connect(ctx)
		if err == nil {
			return true
		}
		logger.Warn("broker unavailable, retrying", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}
