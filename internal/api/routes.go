package api

import (
	"net/http"

	"github.com/dcm-common/orchestra/internal/controller"
	"github.com/dcm-common/orchestra/internal/daemon"
	"github.com/dcm-common/orchestra/internal/dispatcher"
	"github.com/dcm-common/orchestra/internal/health"
	"github.com/dcm-common/orchestra/internal/kv"
	"github.com/dcm-common/orchestra/internal/observability"
	"github.com/dcm-common/orchestra/internal/serviceadapter"
	"github.com/dcm-common/orchestra/internal/worker"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Adapter       *serviceadapter.Adapter
	Controller    controller.Controller
	Pool          *worker.Pool
	Daemon        *daemon.Daemon
	KV            kv.Store
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Dispatcher    dispatcher.Dispatcher
	Callable      string
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(Config{
		Adapter:    cfg.Adapter,
		Controller: cfg.Controller,
		Pool:       cfg.Pool,
		Daemon:     cfg.Daemon,
		KV:         cfg.KV,
		Dispatcher: cfg.Dispatcher,
		Metrics:    cfg.Metrics,
		Health:     cfg.HealthChecker,
		Callable:   cfg.Callable,
	})

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required.
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	authMiddleware := AuthMiddleware(cfg.APIKey)

	// Orchestration-Controls API - operator surface, auth required.
	mux.Handle("GET /orchestration", authMiddleware(http.HandlerFunc(handler.GetOrchestration)))
	mux.Handle("PUT /orchestration", authMiddleware(http.HandlerFunc(handler.PutOrchestration)))
	mux.Handle("POST /orchestration", authMiddleware(http.HandlerFunc(handler.PostOrchestration)))
	mux.Handle("DELETE /orchestration", authMiddleware(http.HandlerFunc(handler.DeleteOrchestration)))

	// Service-level job endpoints.
	mux.HandleFunc("POST /{job}", handler.PostJob)
	mux.HandleFunc("DELETE /{job}", handler.DeleteJob)
	mux.HandleFunc("GET /report", handler.GetReport)
	mux.HandleFunc("GET /progress", handler.GetProgress)
	mux.HandleFunc("GET /progress/ws", handler.ProgressWebSocket)

	// Key-Value-Store middleware, only wired when a Store is configured.
	if cfg.KV != nil {
		mux.HandleFunc("GET /db/{key}", handler.GetKey)
		mux.HandleFunc("POST /db/{key}", handler.PutKey)
		mux.HandleFunc("DELETE /db/{key}", handler.DeleteKey)
		mux.HandleFunc("POST /db", handler.PostKey)
		mux.HandleFunc("OPTIONS /db", handler.ListKeys)
	}

	// Apply middleware chain (order matters: innermost first, so Recovery
	// ends up outermost).
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
