package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailproof/pkg/api"
	"mailproof/pkg/check"
	"mailproof/pkg/config"
	"mailproof/pkg/logging"
	"mailproof/pkg/mailer"
	"mailproof/pkg/ratelimit"
	"mailproof/pkg/resolver"
	"mailproof/pkg/scheduler"
	"mailproof/pkg/store"
	"mailproof/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to configuration file (optional; env vars always apply)")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	// Parse configuration: YAML file when given, environment always wins.
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("mailproof starting",
		"version", version,
		"build_time", buildTime,
	)

	// Initialize telemetry
	ctx := context.Background()
	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	// Persistence
	st, err := store.NewSQLiteStore(&cfg.Database, logger)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		os.Exit(1)
	}

	// Validation pipeline
	res := resolver.New(&cfg.DNS, logger)
	profile := cfg.Profile
	engine := check.NewEngine(res, &profile, &cfg.DNS, logger)

	// Outbound mail
	ml, err := mailer.New(&cfg.SMTP, logger, metrics)
	if err != nil {
		logger.Error("Failed to initialize mailer", "error", err)
		os.Exit(1)
	}

	// Background polling
	sched := scheduler.New(st, engine, ml, &cfg.Jobs, logger, metrics)
	if err := sched.Resume(ctx); err != nil {
		logger.Error("Failed to resume pending requests", "error", err)
		os.Exit(1)
	}

	// Expected-profile hot reload, only when a config file is in play.
	var watcher *config.Watcher
	if *configPath != "" {
		watcher, err = config.NewWatcher(*configPath, cfg, logger.Logger)
		if err != nil {
			logger.Error("Failed to start config watcher", "error", err)
			os.Exit(1)
		}
		watcher.OnProfileChange(func(p *config.Profile) {
			engine.SetProfile(p)
			logger.Info("Expected DNS profile applied")
		})
	}

	// Edge
	limiter := ratelimit.NewLimiter(&cfg.RateLimit, logger)
	server := api.New(&api.Config{
		ListenAddress: cfg.Server.ListenAddress(),
		Store:         st,
		Engine:        engine,
		Scheduler:     sched,
		Mailer:        ml,
		Limiter:       limiter,
		Metrics:       metrics,
		Jobs:          &cfg.Jobs,
		CheckDNS:      &cfg.CheckDNS,
		Logger:        logger,
		Version:       version,
	})

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(serverCtx); err != nil {
			errChan <- err
		}
	}()
	if watcher != nil {
		go func() {
			if err := watcher.Start(serverCtx); err != nil {
				logger.Error("Config watcher exited", "error", err)
			}
		}()
	}

	// Retention sweep for terminal rows.
	retentionDone := make(chan struct{})
	go func() {
		defer close(retentionDone)
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().UTC().AddDate(0, 0, -cfg.Database.RetentionDays)
				removed, err := st.CleanupOld(ctx, cutoff)
				if err != nil {
					logger.Error("Retention cleanup failed", "error", err)
					continue
				}
				if removed > 0 {
					logger.Info("Retention cleanup removed rows", "count", removed)
				}
			case <-serverCtx.Done():
				return
			}
		}
	}()

	logger.Info("mailproof is running",
		"address", cfg.Server.ListenAddress(),
		"dns_servers", cfg.DNS.Servers,
		"max_active_jobs", cfg.Jobs.MaxActiveJobs,
	)

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errChan:
		logger.Error("Server error", "error", err)
	}
	serverCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", "error", err)
	}
	sched.Stop()
	limiter.Stop()
	if watcher != nil {
		_ = watcher.Close()
	}
	if err := st.Close(); err != nil {
		logger.Error("Error closing store", "error", err)
	}
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}
	<-retentionDone

	logger.Info("mailproof stopped")
}
