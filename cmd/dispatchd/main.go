// Package main is the entry point for the dispatch daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dispatchcore/llmdispatch/internal/config"
	"github.com/dispatchcore/llmdispatch/internal/observability"
	"github.com/dispatchcore/llmdispatch/internal/pool"
	"github.com/dispatchcore/llmdispatch/internal/ratelimit"
	"github.com/dispatchcore/llmdispatch/internal/registry"
	"github.com/dispatchcore/llmdispatch/internal/router"
	"github.com/dispatchcore/llmdispatch/internal/tokens"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	pricingPath string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	app := initApplication(cfg, flags, logger)

	run(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("DISPATCH_CONFIG_PATH", "configs/dispatch.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("DISPATCH_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("DISPATCH_LOG_FORMAT", "json"),
		"Log format (json, console)")
	pricingPath := flag.String("pricing", getEnvOrDefault("DISPATCH_PRICING_PATH", ""),
		"Optional pricing override file (JSON)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		pricingPath: *pricingPath,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("dispatchd version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting dispatchd",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load configuration", observability.Error(err))
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		observability.String("strategy", cfg.Router.Strategy),
		observability.String("rate_limit_algorithm", cfg.RateLimit.Algorithm),
		observability.Int("deployments", len(cfg.Deployments)),
	)

	return cfg
}

// application holds all application components.
type application struct {
	registry *registry.Registry
	router   *router.Router
	limiter  ratelimit.Limiter
	pool     *pool.Pool
	sweeper  *registry.Sweeper
	pricing  *tokens.Pricing
	metrics  *observability.Metrics
	config   *config.Config
}

// initApplication builds all application components from config.
func initApplication(cfg *config.Config, flags cliFlags, logger observability.Logger) *application {
	metrics := observability.NewMetrics("dispatch")

	pricing, err := tokens.NewPricing()
	if err != nil {
		logger.Error("failed to load pricing table", observability.Error(err))
		os.Exit(1)
	}
	if flags.pricingPath != "" {
		if err := pricing.LoadFile(flags.pricingPath); err != nil {
			logger.Error("failed to load pricing overrides", observability.Error(err))
			os.Exit(1)
		}
	}

	reg := registry.New(registry.HealthPolicy{
		FailureThreshold: cfg.Router.FailureThreshold,
		CooldownTime:     cfg.Router.CooldownTime.Duration(),
	}, registry.WithLogger(logger), registry.WithMetrics(metrics))

	registerDeployments(reg, cfg, pricing, logger)

	rt, err := router.New(reg, cfg.Router,
		router.WithLogger(logger),
		router.WithMetrics(metrics),
	)
	if err != nil {
		logger.Error("failed to create router", observability.Error(err))
		os.Exit(1)
	}

	limiter, err := ratelimit.New(cfg.RateLimit, logger, metrics)
	if err != nil {
		logger.Error("failed to create rate limiter", observability.Error(err))
		os.Exit(1)
	}

	poolOpts := []pool.Option{
		pool.WithLogger(logger),
		pool.WithMetrics(metrics),
	}
	for _, d := range cfg.Deployments {
		if d.MaxConnections > 0 {
			poolOpts = append(poolOpts, pool.WithBackendLimit(d.ID, d.MaxConnections))
		}
	}
	slotPool := pool.New(cfg.Pool, poolOpts...)

	sweeper := registry.NewSweeper(reg, cfg.Router.HealthCheckInterval.Duration(),
		registry.WithSweeperLogger(logger),
	)

	return &application{
		registry: reg,
		router:   rt,
		limiter:  limiter,
		pool:     slotPool,
		sweeper:  sweeper,
		pricing:  pricing,
		metrics:  metrics,
		config:   cfg,
	}
}

// registerDeployments loads the configured deployments into the
// registry, filling cost attributes from the pricing table when the
// config leaves them zero.
func registerDeployments(
	reg *registry.Registry,
	cfg *config.Config,
	pricing *tokens.Pricing,
	logger observability.Logger,
) {
	for _, dc := range cfg.Deployments {
		d := registry.NewDeployment(dc.ID, dc.Model, dc.Endpoint, cfg.Router.LatencyWindowSize)
		if dc.Weight > 0 {
			d.Weight = dc.Weight
		}
		d.Priority = dc.Priority
		d.InputCostPerToken = dc.InputCostPerToken
		d.OutputCostPerToken = dc.OutputCostPerToken
		d.RPMLimit = dc.RPMLimit
		d.TPMLimit = dc.TPMLimit

		if d.InputCostPerToken == 0 && d.OutputCostPerToken == 0 {
			if price, ok := pricing.Price(dc.Model); ok {
				d.InputCostPerToken = price.InputCostPerToken
				d.OutputCostPerToken = price.OutputCostPerToken
			}
		}

		if err := reg.Register(d); err != nil {
			logger.Error("failed to register deployment",
				observability.String("id", dc.ID),
				observability.Error(err),
			)
			os.Exit(1)
		}
	}
}

// run starts background components and blocks until shutdown.
func run(app *application, configPath string, logger observability.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.sweeper.Start(ctx)

	metricsServer := startMetricsServerIfEnabled(app, logger)
	watcher := startConfigWatcher(app, configPath, logger)

	waitForShutdown(app, watcher, metricsServer, logger)
}

// startMetricsServerIfEnabled starts the metrics server if enabled.
func startMetricsServerIfEnabled(app *application, logger observability.Logger) *http.Server {
	if !app.config.Metrics.Enabled {
		return nil
	}

	addr := app.config.Metrics.Address
	if addr == "" {
		addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", app.metrics.Handler())
	mux.HandleFunc("/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if app.registry.Len() == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	logger.Info("starting metrics server", observability.String("address", addr))

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", observability.Error(err))
		}
	}()

	return server
}

// startConfigWatcher watches the config file and applies router and
// health policy changes on reload.
func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		logger.Info("configuration changed, reloading")

		if err := app.router.SetConfig(newCfg.Router); err != nil {
			logger.Error("failed to apply router configuration", observability.Error(err))
			return
		}
		app.registry.SetPolicy(registry.HealthPolicy{
			FailureThreshold: newCfg.Router.FailureThreshold,
			CooldownTime:     newCfg.Router.CooldownTime.Duration(),
		})
		for _, d := range newCfg.Deployments {
			if d.MaxConnections > 0 {
				app.pool.SetBackendLimit(d.ID, d.MaxConnections)
			}
		}

		logger.Info("configuration reloaded",
			observability.String("strategy", newCfg.Router.Strategy),
		)
	}, config.WithWatcherLogger(logger))

	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
	}

	return watcher
}

// waitForShutdown waits for a signal and stops components in order.
func waitForShutdown(
	app *application,
	watcher *config.Watcher,
	metricsServer *http.Server,
	logger observability.Logger,
) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	app.sweeper.Stop()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server gracefully", observability.Error(err))
		}
	}

	if err := app.limiter.Close(); err != nil {
		logger.Error("failed to close rate limiter", observability.Error(err))
	}
	if err := app.pool.Close(); err != nil {
		logger.Error("failed to close pool", observability.Error(err))
	}

	logger.Info("dispatchd stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
