// jobs-service is the HTTP API server exposing the Service-level API
// (C8), the Orchestration-Controls API (C9), and the Key-Value-Store
// middleware over a configurable Controller dialect (C5) and Worker pool
// (C4).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/dcm-common/orchestra/internal/abort"
	"github.com/dcm-common/orchestra/internal/api"
	"github.com/dcm-common/orchestra/internal/config"
	"github.com/dcm-common/orchestra/internal/controller"
	"github.com/dcm-common/orchestra/internal/daemon"
	"github.com/dcm-common/orchestra/internal/dispatcher"
	"github.com/dcm-common/orchestra/internal/health"
	"github.com/dcm-common/orchestra/internal/job"
	"github.com/dcm-common/orchestra/internal/kv"
	"github.com/dcm-common/orchestra/internal/notification"
	"github.com/dcm-common/orchestra/internal/observability"
	"github.com/dcm-common/orchestra/internal/registry"
	"github.com/dcm-common/orchestra/internal/serviceadapter"
	"github.com/dcm-common/orchestra/internal/worker"
	dockerspawner "github.com/dcm-common/orchestra/internal/worker/spawner/docker"
	"github.com/dcm-common/orchestra/internal/worker/spawner/native"
)

func main() {
	svcCfg := config.LoadServiceConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.SlogLevel(svcCfg.LogLevel),
	})))

	if err := run(svcCfg); err != nil {
		slog.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(svcCfg *config.ServiceConfig) error {
	ctx := context.Background()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	dispatcherCfg := dispatcher.LoadConfigFromEnv()
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)

	ctrl, kvStore, healthChecker, closeController, err := buildController(svcCfg.Controller)
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	defer closeController()

	callables := job.NewRegistry()
	callables.Register(job.DemoName, job.Demo, nil)

	activeJobs := worker.NewActiveJobs()
	spawner, closeSpawner, err := buildSpawner(svcCfg.Worker, callables, activeJobs)
	if err != nil {
		return fmt.Errorf("spawner: %w", err)
	}
	defer closeSpawner()

	pool := worker.New(worker.Config{
		Slots:          svcCfg.Worker.PoolSize,
		Controller:     ctrl,
		Spawner:        spawner,
		WorkerInterval: svcCfg.Worker.WorkerInterval,
		Dispatcher:     eventDispatcher,
		Metrics:        metrics,
	})
	if svcCfg.Worker.AtStartup {
		pool.Start(ctx)
	}
	defer pool.Stop(10 * time.Second)

	maintenanceDaemon := daemon.New("controller-maintenance", slog.Default())
	maintenanceDaemon.Start(func() error {
		_, err := ctrl.Status(ctx)
		return err
	}, svcCfg.Daemon.Interval, true)
	defer maintenanceDaemon.StopTimeout(10 * time.Second)

	var notifyClient abort.NotifyClient
	if notifyURL := os.Getenv("ORCHESTRA_NOTIFICATION_URL"); notifyURL != "" {
		notifyClient = notification.NewRemoteClient(notifyURL, 5*time.Second)
	}

	coordinator := abort.New(abort.Config{
		Controller:   ctrl,
		ActiveJobs:   activeJobs,
		Notify:       notifyClient,
		AbortTimeout: svcCfg.Abort.Timeout,
		Metrics:      metrics,
	})

	adapter := serviceadapter.New(serviceadapter.Config{
		Controller: ctrl,
		Abort:      coordinator,
	})

	router := api.NewRouter(api.RouterConfig{
		Adapter:       adapter,
		Controller:    ctrl,
		Pool:          pool,
		Daemon:        maintenanceDaemon,
		KV:            kvStore,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Dispatcher:    eventDispatcher,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: mark unhealthy so the load balancer stops routing traffic.
	healthChecker.SetShuttingDown()
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: stop accepting new work, finish requests already in flight.
	slog.Info("starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: stop leasing new jobs and let the maintenance daemon settle.
	slog.Info("stopping worker pool")
	pool.Stop(20 * time.Second)
	maintenanceDaemon.StopTimeout(5 * time.Second)

	// Phase 4: drain the callback dispatcher.
	slog.Info("draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("dispatcher shutdown error", "error", err)
	}

	stats := eventDispatcher.Stats()
	slog.Info("dispatcher stats", "delivered", stats.Delivered, "failed", stats.Failed, "dropped", stats.Dropped)
	slog.Info("shutdown complete")
	return nil
}

// buildController selects the Controller dialect named by cfg.Backend
// (spec §6.5 ORCHESTRA_CONTROLLER) and wires the health checker's
// readiness probe to it. For the "kv" dialect it also returns the
// underlying kv.Store so the Key-Value-Store middleware (spec §6.3) can
// be mounted against the same backend the Controller uses.
func buildController(cfg config.ControllerConfig) (controller.Controller, kv.Store, *health.Checker, func(), error) {
	switch cfg.Backend {
	case "sqlite":
		dsn := cfg.Args
		if dsn == "" {
			dsn = "file:/data/orchestra.db?_journal=WAL&_busy_timeout=5000"
		}
		ctrl, err := controller.OpenSQLite(controller.SQLiteConfig{DSN: dsn})
		if err != nil {
			return nil, nil, nil, nil, err
		}
		checker := health.NewChecker(health.NewControllerReadiness(func(ctx context.Context) error {
			_, err := ctrl.Status(ctx)
			return err
		}))
		return ctrl, nil, checker, func() { _ = ctrl.Close() }, nil

	case "http":
		ctrl := controller.NewHTTP(controller.HTTPConfig{BaseURL: cfg.Args})
		checker := health.NewChecker(health.NewControllerReadiness(func(ctx context.Context) error {
			_, err := ctrl.Status(ctx)
			return err
		}))
		return ctrl, nil, checker, func() { _ = ctrl.Close() }, nil

	case "kv", "":
		store := kv.NewMemory(30*time.Second, slog.Default())
		q := registry.NewQueue(store, 30*time.Second)
		reg := registry.NewRegistry(store, 0)
		ctrl := controller.NewKV(q, reg, controller.KVConfig{})
		checker := health.NewChecker(health.NewControllerReadiness(func(ctx context.Context) error {
			_, err := ctrl.Status(ctx)
			return err
		}))
		return ctrl, store, checker, func() { _ = ctrl.Close(); _ = store.Close() }, nil

	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown ORCHESTRA_CONTROLLER backend %q", cfg.Backend)
	}
}

// buildSpawner selects the Worker's process-isolation mechanism named by
// cfg.MPMethod (spec §5).
func buildSpawner(cfg config.WorkerConfig, callables *job.Registry, active *worker.ActiveJobs) (worker.Spawner, func(), error) {
	switch cfg.MPMethod {
	case "native":
		self, err := os.Executable()
		if err != nil {
			self, err = exec.LookPath(os.Args[0])
			if err != nil {
				return nil, nil, fmt.Errorf("native spawner: resolve self binary: %w", err)
			}
		}
		return native.New(self), func() {}, nil

	case "docker":
		image := cfg.Args
		if image == "" {
			return nil, nil, errors.New("docker spawner: ORCHESTRA_WORKER_ARGS must name the worker image")
		}
		spawner, err := dockerspawner.New(dockerspawner.Config{Image: image})
		if err != nil {
			return nil, nil, err
		}
		return spawner, func() {}, nil

	case "embedded", "":
		return worker.NewEmbeddedSpawner(callables, active), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown ORCHESTRA_MP_METHOD %q", cfg.MPMethod)
	}
}
