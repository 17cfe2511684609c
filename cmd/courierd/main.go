package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	apiPkg "github.com/h1v3-io/courier/internal/api"
	"github.com/h1v3-io/courier/internal/config"
	"github.com/h1v3-io/courier/internal/coords"
	"github.com/h1v3-io/courier/internal/dispatch"
	"github.com/h1v3-io/courier/internal/events"
	"github.com/h1v3-io/courier/internal/hub"
	"github.com/h1v3-io/courier/internal/logbuf"
	"github.com/h1v3-io/courier/internal/queue"
	"github.com/h1v3-io/courier/internal/scheduler"
	"github.com/h1v3-io/courier/internal/webhook"
	"github.com/h1v3-io/courier/pkg/protocol"
)

func main() {
	configPath := flag.String("config", os.Getenv("COURIER_CONFIG"), "Path to config JSON file (default: COURIER_* environment)")
	platformURL := flag.String("platform-url", os.Getenv("COURIER_PLATFORM_URL"), "Dashboard URL for platform mode")
	deskID := flag.String("desk-id", os.Getenv("COURIER_DESK_ID"), "Desk ID for platform mode")
	platformKey := flag.String("platform-key", os.Getenv("COURIER_PLATFORM_KEY"), "API key for platform auth")
	dataDir := flag.String("data-dir", os.Getenv("COURIER_DATA_DIR"), "Data directory for platform mode")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Load config (3 modes: file, platform, env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else if *platformURL != "" {
		slog.Info("loading config from platform", "url", *platformURL, "desk_id", *deskID)
		cfg, err = config.LoadFromPlatform(config.PlatformOptions{
			PlatformURL: *platformURL,
			DeskID:      *deskID,
			APIKey:      *platformKey,
			DataDir:     *dataDir,
		})
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Set up logging
	logLevel := cfg.SlogLevel()
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))
	slog.SetDefault(logger)

	logger.Info("courierd starting", "store", cfg.Store.Driver, "data_dir", cfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Queue store
	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open queue store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	q := queue.New(store, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		TTL:         cfg.Queue.TTL.Duration,
		Logger:      logger,
	})
	defer q.Close()

	// 2. Coordinates
	b := cfg.Coordinates.Bounds
	reg := coords.New(coords.Options{
		PrimaryPath: cfg.Coordinates.PrimaryPath,
		BackupPath:  cfg.Coordinates.BackupPath,
		EnvPrefix:   cfg.Coordinates.EnvPrefix,
		EnvCount:    cfg.Coordinates.EnvCount,
		Bounds: protocol.Bounds{
			Min: protocol.Point{X: b.MinX, Y: b.MinY},
			Max: protocol.Point{X: b.MaxX, Y: b.MaxY},
		},
		Logger: logger.With("component", "coords"),
	})
	res := reg.Load(ctx)
	if !res.Success {
		logger.Error("no coordinate source could be loaded", "error", res.Error)
		os.Exit(1)
	}
	if report := reg.ValidateAll(res.Config); !report.Valid {
		for _, e := range report.Errors {
			logger.Warn("invalid coordinates", "problem", e)
		}
	}

	// 3. Delivery events
	var publisher events.Publisher = events.NoOpPublisher{}
	if cfg.Comms.URL != "" {
		nc, err := events.Connect(cfg.Comms.URL, cfg.Comms.Name, logger)
		if err != nil {
			logger.Error("failed to connect comms", "error", err)
			os.Exit(1)
		}
		defer nc.Drain()
		publisher = events.NewCommsPublisher(nc, cfg.Comms.SubjectPrefix, logger)
	}

	// 4. Dispatcher + hub
	device := dispatch.NewSimulatedDevice(cfg.Dispatch.DeviceLatency.Duration)
	disp := dispatch.New(q, reg, dispatch.NewExclusive(device), publisher, dispatch.Config{
		Timeout:      cfg.Dispatch.Timeout.Duration,
		PollInterval: cfg.Dispatch.PollInterval.Duration,
		BackoffBase:  cfg.Dispatch.BackoffBase.Duration,
		BackoffMax:   cfg.Dispatch.BackoffMax.Duration,
	}, logger)
	h := hub.New(hub.Options{Coords: reg, Queue: q, Dispatcher: disp, Logger: logger})

	n := h.RegisterFromSnapshot()
	logger.Info("agents registered from coordinates", "count", n, "source", res.Source)

	if _, err := h.Recover(ctx); err != nil {
		logger.Error("failed to recover in-flight messages", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			safeGo(logger, name, fn)
		}()
	}

	// 5. Maintenance
	sched := scheduler.New(logger)
	if err := h.ScheduleMaintenance(sched, cfg.Queue.CleanupSchedule, cfg.Queue.PurgeAfter.Duration); err != nil {
		logger.Error("failed to schedule maintenance", "error", err)
		os.Exit(1)
	}
	run("scheduler", func() { sched.Start(ctx) })

	if cfg.Coordinates.Watch {
		run("coords-watch", func() {
			err := reg.Watch(ctx, func(ok bool) {
				if ok {
					h.RegisterFromSnapshot()
				}
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("coordinate watch stopped", "error", err)
			}
		})
	}

	run("dispatcher", func() {
		if err := h.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("dispatcher stopped", "error", err)
		}
	})

	// 6. API server, with webhook intake when endpoints are configured
	apiCfg := apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}
	if len(cfg.Webhooks) > 0 {
		endpoints := make(map[string]webhook.EndpointConfig, len(cfg.Webhooks))
		for name, wh := range cfg.Webhooks {
			endpoints[name] = webhook.EndpointConfig{
				Secret:      wh.Secret,
				BearerToken: wh.BearerToken,
				Recipient:   wh.Recipient,
				Priority:    wh.Priority,
			}
		}
		apiCfg.Webhooks = webhook.New(endpoints, h, logger)
		logger.Info("webhook intake enabled", "endpoints", len(endpoints))
	}
	apiSrv := apiPkg.NewServer(h, apiCfg, logger.With("component", "api"), logBuf)
	run("api-server", func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server failed", "error", err)
			cancel()
		}
	})

	// 7. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()
	if left := q.FlushPending(context.Background()); left > 0 {
		logger.Warn("status updates lost at shutdown", "count", left)
	}
	logger.Info("courierd stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (queue.Store, error) {
	if cfg.Store.Driver == "postgres" {
		store, err := queue.NewPostgresStore(ctx, cfg.QueueDSN())
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := queue.NewSQLiteStore(cfg.QueueDSN())
	if err != nil {
		return nil, err
	}
	return store, nil
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
