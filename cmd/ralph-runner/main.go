// Package main is the entry point for the ralph-runner supervisor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/config"
	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/events"
	"github.com/ralphdev/ralph/internal/runner"
	"github.com/ralphdev/ralph/internal/runner/api"
	"github.com/ralphdev/ralph/internal/runner/singleton"
	"github.com/ralphdev/ralph/internal/runner/streaming"
	"github.com/ralphdev/ralph/internal/runner/watchdog"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		intervalMs    = flag.Int("interval", 0, "poll interval in milliseconds (default 5000)")
		concurrency   = flag.Int("concurrency", 0, "max concurrent executions (0 = derive from stored config and free memory)")
		maxRetries    = flag.Int("max-retries", 0, "launch attempts before terminal failure (default 3)")
		timeoutMs     = flag.Int("timeout", 0, "launch timeout in milliseconds (default 60000)")
		projectRoot   = flag.String("project-root", "", "git repository root (default: current directory)")
		configPath    = flag.String("config", "", "path to config file")
		showVersion   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("ralph-runner " + version)
		return 0
	}

	// 1. Load configuration
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadWithPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	// Flags override file and environment settings.
	if *intervalMs > 0 {
		cfg.Runner.PollIntervalMs = *intervalMs
	}
	if *concurrency > 0 {
		cfg.Runner.MaxConcurrency = *concurrency
	}
	if *maxRetries > 0 {
		cfg.Runner.MaxRetries = *maxRetries
	}
	if *timeoutMs > 0 {
		cfg.Runner.LaunchTimeoutMs = *timeoutMs
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting ralph-runner...",
		zap.Int("poll_interval_ms", cfg.Runner.PollIntervalMs),
		zap.Int("max_concurrency", cfg.Runner.MaxConcurrency))

	// 3. Acquire the host-wide singleton
	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		log.Error("Could not create data dir", zap.Error(err))
		return 1
	}
	guard, alreadyRunning, err := singleton.Acquire(cfg.Store.DataDir, log)
	if err != nil {
		log.Error("Singleton acquisition failed", zap.Error(err))
		return 1
	}
	if alreadyRunning {
		log.Info("Another ralph-runner is already active; exiting")
		return 0
	}
	defer guard.Release()

	// 4. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Event bus: NATS when configured, in-memory otherwise
	provided, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("Failed to initialize event bus", zap.Error(err))
		return 1
	}
	defer cleanup()

	// 6. Build the supervisor service
	root := *projectRoot
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			log.Error("Could not determine working directory", zap.Error(err))
			return 1
		}
	}
	root, _ = filepath.Abs(root)

	service, err := runner.NewService(cfg, root, provided.Bus, log)
	if err != nil {
		log.Error("Failed to build runner service", zap.Error(err))
		return 1
	}

	if err := service.Start(ctx); err != nil {
		log.Error("Failed to start runner service", zap.Error(err))
		return 1
	}
	log.Info("Runner service started", zap.String("project_root", root))

	// 7. Operator API
	var server *api.Server
	if cfg.Server.Enabled {
		hub := streaming.NewHub(provided.Bus, log)
		server = api.NewServer(cfg.Server, service, hub, log)
		server.Start()
	}

	// 8. Parent watchdog, when launched under one
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var dog *watchdog.Watchdog
	if watchdog.Enabled() {
		dog = watchdog.New(os.Stdin, watchdog.DefaultTimeout, func(reason string) {
			log.Warn("Shutting down on parent watchdog", zap.String("reason", reason))
			quit <- syscall.SIGTERM
		}, log)
		dog.Start()
	}

	// 9. Wait for shutdown
	<-quit
	log.Info("Shutting down ralph-runner...")

	if dog != nil {
		dog.Stop()
	}
	cancel()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("API server shutdown error", zap.Error(err))
		}
		shutdownCancel()
	}

	if err := service.Stop(); err != nil {
		log.Error("Runner service stop error", zap.Error(err))
	}

	log.Info("ralph-runner stopped")
	return 0
}

// version is stamped by the build.
var version = "dev"
