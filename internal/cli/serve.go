package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/offload/internal/api"
	"github.com/seantiz/offload/internal/config"
	"github.com/seantiz/offload/internal/engine"
	"github.com/seantiz/offload/internal/executor"
	"github.com/seantiz/offload/internal/processor"
	"github.com/seantiz/offload/internal/retention"
	"github.com/seantiz/offload/internal/store"
	"github.com/seantiz/offload/internal/telemetry"
)

const storeOpenTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the task dispatcher",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("listen-addr", config.DefaultListenAddr, "HTTP listen address")
	f.String("store", config.DefaultStore, "task store: sqlite | redis")
	f.String("redis-addr", config.DefaultRedisAddr, "Redis address (host:port) when --store=redis")
	f.Int("queue-capacity", 0, "maximum queued tasks before submit blocks; 0 is unbounded")
	f.Duration("poll-interval", config.DefaultPollInterval, "dispatcher wait on an empty queue")
	f.Duration("task-timeout", config.DefaultTaskTimeout, "per-task execution timeout; 0 disables")
	f.Duration("stop-timeout", config.DefaultStopTimeout, "how long shutdown waits for the running task")
	f.Int("workers", config.DefaultWorkers, "number of dispatcher loops; more than 1 relaxes FIFO completion")
	f.String("isolation", config.DefaultIsolation, "handler isolation: process | inline")
	f.Duration("store-retry-max-elapsed", config.DefaultRetryMaxElapsed, "how long outcome writes are retried while the store is unavailable")
	f.Duration("retention", 0, "purge completed tasks older than this; 0 keeps them")
	f.String("retention-schedule", config.DefaultRetentionSchedule, "cron schedule for retention sweeps")
	f.String("tls-cert", "", "TLS certificate file")
	f.String("tls-key", "", "TLS private key file")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("listen_addr", f, "listen-addr")
	bindFlag("store", f, "store")
	bindFlag("redis_addr", f, "redis-addr")
	bindFlag("queue_capacity", f, "queue-capacity")
	bindFlag("poll_interval", f, "poll-interval")
	bindFlag("task_timeout", f, "task-timeout")
	bindFlag("stop_timeout", f, "stop-timeout")
	bindFlag("workers", f, "workers")
	bindFlag("isolation", f, "isolation")
	bindFlag("store_retry_max_elapsed", f, "store-retry-max-elapsed")
	bindFlag("retention", f, "retention")
	bindFlag("retention_schedule", f, "retention-schedule")
	bindFlag("tls_cert", f, "tls-cert")
	bindFlag("tls_key", f, "tls-key")
	bindFlag("otel_endpoint", f, "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := buildLogger(os.Stdout, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, appName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	reg := newRegistry()
	exec, err := newExecutor(cfg, reg, logger)
	if err != nil {
		return err
	}

	eng := engine.New(st, reg, exec, logger,
		engine.WithPollInterval(cfg.PollInterval),
		engine.WithTaskTimeout(cfg.TaskTimeout),
		engine.WithWorkers(cfg.Workers),
		engine.WithQueueCapacity(cfg.QueueCapacity),
		engine.WithRetryMaxElapsed(cfg.RetryMaxElapsed),
	)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	var srvOpts []api.Option
	if cfg.TLSEnabled() {
		srvOpts = append(srvOpts, api.WithTLS(cfg.TLSCert, cfg.TLSKey))
	}
	srv := api.NewServer(cfg.ListenAddr, eng, logger, srvOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	if cfg.Retention > 0 {
		janitor, err := retention.NewJanitor(st, cfg.Retention, cfg.RetentionSchedule, logger)
		if err != nil {
			stop()
			_ = g.Wait()
			_ = eng.Stop(cfg.StopTimeout)
			return fmt.Errorf("retention: %w", err)
		}
		g.Go(func() error { return janitor.Run(gctx) })
	}

	logger.Info("offload started",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("store", cfg.Store),
		slog.String("isolation", cfg.Isolation),
		slog.Int("workers", cfg.Workers),
		slog.Int("routes", len(reg.Routes())),
	)

	runErr := g.Wait()

	logger.Info("shutting down, draining in-flight task...")
	if err := eng.Stop(cfg.StopTimeout); err != nil {
		if errors.Is(err, engine.ErrStopTimeout) {
			logger.Warn("dispatcher did not finish before stop timeout", slog.Duration("stop_timeout", cfg.StopTimeout))
		} else {
			logger.Error("stop engine", slog.String("error", err.Error()))
		}
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("stopped cleanly")
	return nil
}

// openStore opens the configured task store.
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, storeOpenTimeout)
	defer cancel()

	switch cfg.Store {
	case config.StoreRedis:
		s, err := store.NewRedisStore(ctx, store.NewRedisClient(cfg.RedisAddr))
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		return s, nil
	default:
		path, err := store.SQLitePath(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("data dir: %w", err)
		}
		s, err := store.NewSQLiteStore(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		return s, nil
	}
}

// newRegistry returns the registry of routes this binary serves. The worker
// command builds the same registry so both sides agree on route names.
func newRegistry() *processor.Registry {
	reg := processor.NewRegistry()
	processor.RegisterBuiltins(reg)
	return reg
}

// newExecutor builds the executor for the configured isolation mode.
func newExecutor(cfg config.Config, reg *processor.Registry, logger *slog.Logger) (executor.Executor, error) {
	if cfg.Isolation == config.IsolationInline {
		return executor.NewInlineExecutor(reg), nil
	}
	p, err := executor.NewSelfProcessExecutor([]string{workerCmd.Name()},
		executor.WithLogger(logger),
		executor.WithEnv(
			envPrefix+"_LOG_LEVEL="+cfg.LogLevel,
			envPrefix+"_LOG_FORMAT="+cfg.LogFormat,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("process executor: %w", err)
	}
	return p, nil
}
