// Package main implements fitoptd, the daemon hosting the data optimization
// core of the fitness app: response cache, query executor, realtime
// subscriptions, predictive prefetching, route preloading and usage
// monitoring, with a diagnostics HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/devblac/sport-tracker-sub010/backend"
	"github.com/devblac/sport-tracker-sub010/backend/memory"
	"github.com/devblac/sport-tracker-sub010/backend/natsrt"
	"github.com/devblac/sport-tracker-sub010/backend/postgres"
	"github.com/devblac/sport-tracker-sub010/backend/wsrt"
	"github.com/devblac/sport-tracker-sub010/config"
	"github.com/devblac/sport-tracker-sub010/diagnostics"
	"github.com/devblac/sport-tracker-sub010/engine"
	"github.com/devblac/sport-tracker-sub010/health"
	"github.com/devblac/sport-tracker-sub010/kvstore"
	"github.com/devblac/sport-tracker-sub010/metric"
	"github.com/devblac/sport-tracker-sub010/natsclient"
	"github.com/devblac/sport-tracker-sub010/prefetch"
	"github.com/devblac/sport-tracker-sub010/preload"

	"github.com/nats-io/nats.go/jetstream"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fitoptd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return nil
	}

	logger := setupLogger(os.Stderr, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		return validateConfig(cliCfg.ConfigPaths, stdout)
	}

	cfg, err := loadConfig(cliCfg.ConfigPaths, true)
	if err != nil {
		return err
	}

	logger.Info("Starting fitoptd",
		"build_time", BuildTime,
		"config_paths", cliCfg.ConfigPaths,
		"config_version", cfg.Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := assemble(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close(cliCfg.ShutdownTimeout)

	return d.serve(ctx, cliCfg.ShutdownTimeout)
}

// loadConfig merges the layers over the defaults and the environment
func loadConfig(paths []string, validate bool) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(validate)
	for _, path := range paths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// validateConfig prints the validation report and fails on errors
func validateConfig(paths []string, stdout io.Writer) error {
	cfg, err := loadConfig(paths, false)
	if err != nil {
		return err
	}

	result := engine.Check(cfg.Config)
	if err := cfg.Validate(); err != nil && len(result.Errors) == 0 {
		result.Errors = append(result.Errors, err.Error())
		result.Status = "errors"
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("invalid configuration: %d errors", len(result.Errors))
	}
	return nil
}

// daemon holds everything run starts, in the order it must be released
type daemon struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	engine   *engine.Engine
	server   *diagnostics.Server
	manager  *config.Manager
	nats     *natsclient.Client
	closers  []func() error
}

func (d *daemon) addCloser(fn func() error) {
	d.closers = append(d.closers, fn)
}

// assemble connects the backends and wires the engine. Partially built
// resources are released when a later step fails.
func assemble(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *daemon, err error) {
	d := &daemon{
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
	}
	defer func() {
		if err != nil {
			d.close(5 * time.Second)
		}
	}()

	if len(cfg.NATS.URLs) > 0 {
		if d.nats, err = connectNATS(ctx, cfg.NATS, logger); err != nil {
			return nil, err
		}
	}

	deps := engine.Deps{
		Registry: d.registry,
		Logger:   logger,
	}

	if deps.Backend, deps.Ping, err = d.openExecutor(ctx, cfg.Postgres); err != nil {
		return nil, err
	}
	if deps.Realtime, err = d.openRealtime(ctx, cfg, deps.Backend); err != nil {
		return nil, err
	}
	if deps.Store, err = d.openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}

	if origin := cfg.Preload.Origin; origin != "" {
		deps.Loader = preload.HTTPLoader{Origin: origin}
		deps.Static = prefetch.HTTPFetcher{Origin: origin}
	} else {
		logger.Info("No preload origin configured, route and static targets are not fetched")
	}

	if cfg.NATS.ConfigBucket != "" && d.nats != nil {
		if d.manager, err = config.NewConfigManager(ctx, cfg, d.nats, logger); err != nil {
			return nil, fmt.Errorf("create config manager: %w", err)
		}
		if err = d.manager.Start(ctx); err != nil {
			return nil, fmt.Errorf("start config manager: %w", err)
		}
		// remote edits of the component sections win over the file
		cfg = d.manager.GetConfig().Get()
	}

	if d.engine, err = engine.New(cfg.Config, deps); err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	if d.nats != nil {
		d.engine.RegisterCheck("nats", natsCheck(d.nats))
	}

	if cfg.Diagnostics.Enabled {
		if d.server, err = diagnostics.NewServer(cfg.Diagnostics, d.engine, d.registry, logger); err != nil {
			return nil, fmt.Errorf("create diagnostics server: %w", err)
		}
	}
	return d, nil
}

func connectNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait),
		natsclient.WithPingInterval(cfg.PingInterval),
		natsclient.WithTimeout(cfg.ConnectTimeout),
		natsclient.WithDrainTimeout(cfg.DrainTimeout),
		natsclient.WithCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitMaxBackoff),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, natsclient.WithToken(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}

	client, err := natsclient.NewClient(cfg.URLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS")
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, cfg.WaitTimeout)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

// natsCheck reports the bus connection; a reconnecting client is degraded
// because subscriptions resume on their own
func natsCheck(client *natsclient.Client) health.Check {
	return func() health.Status {
		switch status := client.Status(); status {
		case natsclient.StatusConnected:
			return health.NewHealthy("nats", "connected")
		case natsclient.StatusReconnecting, natsclient.StatusConnecting:
			return health.NewDegraded("nats", status.String())
		default:
			return health.NewUnhealthy("nats", fmt.Sprintf("%s after %d failures", status, client.Failures()))
		}
	}
}

// openExecutor returns PostgreSQL when a DSN is configured and the
// in-memory backend otherwise
func (d *daemon) openExecutor(ctx context.Context, cfg config.PostgresConfig) (backend.Executor, func(context.Context) error, error) {
	if cfg.DSN == "" {
		d.logger.Warn("No PostgreSQL DSN configured, using the in-memory backend")
		return memory.New(memory.WithLogger(d.logger)), nil, nil
	}

	connCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	pool, err := postgres.Connect(connCtx, cfg.DSN, cfg.MaxConns, d.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	d.addCloser(func() error {
		pool.Close()
		return nil
	})
	return postgres.New(pool, d.logger), pool.Ping, nil
}

// openRealtime picks NATS, then websocket, then the in-memory backend when
// it doubles as the executor
func (d *daemon) openRealtime(ctx context.Context, cfg *config.Config, exec backend.Executor) (backend.Realtime, error) {
	switch {
	case cfg.NATS.Realtime:
		if d.nats == nil {
			return nil, fmt.Errorf("nats realtime selected without nats urls")
		}
		return natsrt.New(d.nats, cfg.NATS.SubjectPrefix, d.logger), nil

	case cfg.WebSocket.URL != "":
		dialCtx, cancel := context.WithTimeout(ctx, cfg.WebSocket.DialTimeout)
		defer cancel()
		client, err := wsrt.Dial(dialCtx, cfg.WebSocket.URL,
			wsrt.WithLogger(d.logger), wsrt.WithWriteTimeout(cfg.WebSocket.WriteTimeout))
		if err != nil {
			return nil, fmt.Errorf("dial realtime websocket: %w", err)
		}
		d.addCloser(client.Close)
		return client, nil
	}

	if mem, ok := exec.(*memory.Backend); ok {
		return mem, nil
	}
	d.logger.Warn("No realtime backend configured, change events come only from this process")
	return memory.New(memory.WithLogger(d.logger)), nil
}

func (d *daemon) openStore(ctx context.Context, cfg config.StoreConfig) (kvstore.Store, error) {
	switch cfg.Kind {
	case config.StoreBolt:
		store, err := kvstore.OpenBolt(cfg.Path, cfg.Bucket, d.logger)
		if err != nil {
			return nil, fmt.Errorf("open model store: %w", err)
		}
		d.addCloser(store.Close)
		return store, nil

	case config.StoreNATS:
		if d.nats == nil {
			return nil, fmt.Errorf("nats model store selected without nats urls")
		}
		bucket, err := d.nats.OpenBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "fitoptd prediction models",
		})
		if err != nil {
			return nil, fmt.Errorf("open model bucket: %w", err)
		}
		store := kvstore.NewNATSStore(bucket)
		d.addCloser(store.Close)
		return store, nil
	}

	d.logger.Info("Prediction models are kept in memory only")
	return kvstore.NewMemoryStore(), nil
}

// serve starts the engine and the diagnostics server and blocks until ctx ends
func (d *daemon) serve(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := d.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if d.server != nil {
		if err := d.server.Start(); err != nil {
			return fmt.Errorf("start diagnostics server: %w", err)
		}
		d.logger.Info("Diagnostics listening", "addr", d.server.Addr())
	}
	if d.manager != nil {
		go d.logConfigChanges(d.manager.OnChange("*"))
	}

	d.logger.Info("fitoptd started")
	<-ctx.Done()
	d.logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	if d.server != nil {
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("Diagnostics shutdown failed", "error", err)
			firstErr = err
		}
	}
	if err := d.engine.Stop(remaining(shutdownCtx, shutdownTimeout)); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("graceful shutdown failed: %w", firstErr)
	}
	d.logger.Info("fitoptd shutdown complete")
	return nil
}

// logConfigChanges reports remote edits. Components read their settings at
// construction, so an edit applies on the next start.
func (d *daemon) logConfigChanges(updates <-chan config.Update) {
	for update := range updates {
		d.logger.Warn("Configuration section changed remotely, restart to apply",
			"section", update.Path,
			"version", update.Config.Get().Version)
	}
}

// close releases the config manager, the stores and the connections
func (d *daemon) close(timeout time.Duration) {
	if d.engine != nil {
		// no-op after a clean serve
		_ = d.engine.Stop(timeout)
	}
	if d.manager != nil {
		_ = d.manager.Stop(timeout)
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("Failed to release resource", "error", err)
		}
	}
	d.closers = nil
	if d.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = d.nats.Close(ctx)
	}
}

func remaining(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 {
			return left
		}
		return time.Millisecond
	}
	return fallback
}
