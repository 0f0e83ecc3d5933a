// notification-service is the HTTP server for the Notification API
// (spec §6.4): subscriber registration, topic subscription, and
// broadcast notify, backing the Abort Coordinator's cross-replica
// broadcast path (C7).
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dcm-common/orchestra/internal/config"
	"github.com/dcm-common/orchestra/internal/notification"
	"github.com/dcm-common/orchestra/internal/observability"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.SlogLevel(config.GetEnv("ORCHESTRA_LOGLEVEL", "info")),
	})))

	if err := run(); err != nil {
		slog.Error("notification-service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	port := config.GetEnv("PORT", "8090")
	metricsPort := config.GetEnv("METRICS_PORT", "9091")
	broadcastTimeout := config.GetDurationEnv("NOTIFICATION_BROADCAST_TIMEOUT", 5*time.Second)
	deliverTimeout := config.GetDurationEnv("NOTIFICATION_DELIVER_TIMEOUT", 5*time.Second)

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	store, closeStore := buildStore()
	defer closeStore()

	server := notification.NewServer(store, notification.NewHTTPDeliverer(deliverTimeout), broadcastTimeout).
		WithMetrics(metrics)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)

	apiServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:         ":" + metricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting notification API server", "port", port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	go func() {
		slog.Info("starting metrics server", "port", metricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("server failed to start", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("API server shutdown error", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server shutdown error", "error", err)
	}
	slog.Info("shutdown complete")
	return nil
}

// buildStore selects the SubscriberStore backend: Redis when
// NOTIFICATION_REDIS_URL is set, so multiple notification-service
// replicas share one subscriber table behind a load balancer, otherwise
// an in-memory Store suited to single-instance deployments.
func buildStore() (notification.SubscriberStore, func()) {
	redisURL := config.GetEnv("NOTIFICATION_REDIS_URL", "")
	if redisURL == "" {
		return notification.NewStore(), func() {}
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		slog.Error("invalid NOTIFICATION_REDIS_URL, falling back to in-memory store", "error", err)
		return notification.NewStore(), func() {}
	}
	client := redis.NewClient(opts)
	store := notification.NewRedisStore(client, config.GetEnv("NOTIFICATION_REDIS_PREFIX", "orchestra:notify:"))
	return store, func() { _ = client.Close() }
}
