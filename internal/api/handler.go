// Package api provides the HTTP surface of the jobs service: the
// Orchestration-Controls API (C9), the service-level job endpoints
// consumed by the ServiceAdapter (C8), and the Key-Value-Store HTTP
// middleware.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dcm-common/orchestra/internal/apperrors"
	"github.com/dcm-common/orchestra/internal/controller"
	"github.com/dcm-common/orchestra/internal/daemon"
	"github.com/dcm-common/orchestra/internal/dispatcher"
	"github.com/dcm-common/orchestra/internal/health"
	"github.com/dcm-common/orchestra/internal/kv"
	"github.com/dcm-common/orchestra/internal/observability"
	"github.com/dcm-common/orchestra/internal/report"
	"github.com/dcm-common/orchestra/internal/serviceadapter"
	"github.com/dcm-common/orchestra/internal/worker"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion.
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains the HTTP handlers of the jobs service.
type Handler struct {
	adapter    *serviceadapter.Adapter
	controller controller.Controller
	pool       *worker.Pool
	daemon     *daemon.Daemon
	kv         kv.Store
	dispatcher dispatcher.Dispatcher
	metrics    *observability.Metrics
	health     *health.Checker
	callable   string // JobConfig.Properties key naming the job callable
}

// Config configures a Handler.
type Config struct {
	Adapter    *serviceadapter.Adapter
	Controller controller.Controller
	Pool       *worker.Pool // optional; nil reports zero-valued ready/idle/running in GET /orchestration
	Daemon     *daemon.Daemon
	KV         kv.Store // optional; nil disables /db
	Dispatcher dispatcher.Dispatcher
	Metrics    *observability.Metrics
	Health     *health.Checker
	Callable   string
}

// NewHandler creates a new API handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Callable == "" {
		cfg.Callable = "callable"
	}
	return &Handler{
		adapter:    cfg.Adapter,
		controller: cfg.Controller,
		pool:       cfg.Pool,
		daemon:     cfg.Daemon,
		kv:         cfg.KV,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		health:     cfg.Health,
		callable:   cfg.Callable,
	}
}

// -- health -----------------------------------------------------------

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())
	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

// -- service-level endpoints (consumed by the ServiceAdapter) -----------

// jobSubmission is the callbackUrl a service embeds on top of an
// otherwise service-defined request body when submitting a job.
type jobSubmission struct {
	CallbackURL string `json:"callbackUrl"`
}

// PostJob handles POST /{job}: submits a job under the callable named by
// the path segment and returns its Token.
func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) {
	job := r.PathValue("job")
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read request body: "+err.Error())
		return
	}

	var envelope jobSubmission
	if len(body) > 0 {
		if err := json.Unmarshal(body, &envelope); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	token, err := h.adapter.Submit(r.Context(), body, map[string]any{h.callable: job}, envelope.CallbackURL)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, token)
}

// GetReport handles GET /report?token=.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.writeError(w, http.StatusBadRequest, "missing query parameter 'token'")
		return
	}
	rep, err := h.adapter.GetReport(r.Context(), token)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, reportStatusCode(rep.Progress.Status), rep)
}

// GetProgress handles GET /progress?token=.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.writeError(w, http.StatusBadRequest, "missing query parameter 'token'")
		return
	}
	progress, err := h.adapter.Poll(r.Context(), token)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, reportStatusCode(progress.Status), progress)
}

// reportStatusCode returns 200 once a job has reached a terminal state,
// 503 (backend still producing it) otherwise.
func reportStatusCode(status report.Status) int {
	if status == report.StatusCompleted || status == report.StatusAborted {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// deleteJobBody is the optional body of DELETE /{job}.
type deleteJobBody struct {
	Origin string `json:"origin"`
	Reason string `json:"reason"`
}

// DeleteJob handles DELETE /{job}?token=&broadcast=&re-queue=: aborts the
// job named by token. broadcast=false is set by the Notification
// service's own relay to avoid re-broadcasting an abort it just
// delivered.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.writeError(w, http.StatusBadRequest, "missing query parameter 'token'")
		return
	}
	broadcast := queryBool(r, "broadcast", true)
	reQueue := queryBool(r, "re-queue", false)

	var body deleteJobBody
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	result, err := h.adapter.Abort(r.Context(), token, true, reQueue, broadcast, body.Origin, body.Reason)
	if err != nil {
		if errors.Is(err, apperrors.ErrBackendUnavailable) {
			h.writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// -- Orchestration-Controls API -----------------------------------------

// GetOrchestration handles GET /orchestration.
func (h *Handler) GetOrchestration(w http.ResponseWriter, r *http.Request) {
	status, err := h.controller.Status(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	var pool worker.PoolStatus
	if h.pool != nil {
		pool = h.pool.Status()
	}

	resp := map[string]any{
		"queue":    map[string]any{"size": status.QueueSize},
		"registry": map[string]any{"size": status.RegistrySize},
		"orchestrator": map[string]any{
			"ready":   pool.Ready,
			"idle":    pool.Idle,
			"running": pool.Running,
			"jobs":    status.Jobs,
		},
	}
	if h.daemon != nil {
		ds := h.daemon.Status()
		resp["daemon"] = map[string]any{
			"active": ds.Active,
			"status": daemonStatusString(ds),
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func daemonStatusString(s daemon.Status) string {
	if s.Running {
		return "running"
	}
	return "stopped"
}

// putOrchestrationBody is the optional body of PUT /orchestration.
type putOrchestrationBody struct {
	Orchestrator map[string]any `json:"orchestrator"`
	Daemon       map[string]any `json:"daemon"`
}

// PutOrchestration handles PUT /orchestration?until-idle=<bool>: manually
// (re)starts the Worker pool. When "until-idle" is present it starts a
// background watcher that stops the pool once the Queue drains and
// returns immediately; otherwise, if a maintenance Daemon is configured,
// the request blocks until DELETE /orchestration stops it.
func (h *Handler) PutOrchestration(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		h.writeError(w, http.StatusServiceUnavailable, "orchestrator not configured")
		return
	}

	var body putOrchestrationBody
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	if h.pool.Status().Running {
		h.writeText(w, http.StatusServiceUnavailable, "BUSY (already running)")
		return
	}

	h.pool.Start(context.Background())

	if _, untilIdle := r.URL.Query()["until-idle"]; untilIdle {
		go h.stopPoolOnIdle()
		h.writeText(w, http.StatusOK, "OK")
		return
	}

	if h.daemon != nil {
		if !h.daemon.Status().Active {
			h.daemon.Start(h.controllerMaintenance, 5*time.Second, true)
		}
		h.waitUntilDaemonStopped(r.Context())
	}
	h.writeText(w, http.StatusOK, "OK")
}

func (h *Handler) stopPoolOnIdle() {
	for {
		time.Sleep(500 * time.Millisecond)
		if h.pool.Status().Idle {
			h.pool.Stop(5 * time.Second)
			return
		}
	}
}

func (h *Handler) waitUntilDaemonStopped(ctx context.Context) {
	for h.daemon.Status().Active {
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// controllerMaintenance is the background loop run alongside the Worker
// pool: it periodically calls Status to surface Controller
// unavailability early rather than only when a Worker leases.
func (h *Handler) controllerMaintenance() error {
	_, err := h.controller.Status(context.Background())
	return err
}

// PostOrchestration handles POST /orchestration: administrative
// submission of a raw JobConfig, bypassing the per-service callable
// routing of POST /{job}.
func (h *Handler) PostOrchestration(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var wire struct {
		RequestBody json.RawMessage `json:"request_body"`
		Properties  map[string]any  `json:"properties"`
		CallbackURL string          `json:"callback_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	token, err := h.adapter.Submit(r.Context(), wire.RequestBody, wire.Properties, wire.CallbackURL)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, token)
}

// deleteOrchestrationBody is the body of DELETE /orchestration.
type deleteOrchestrationBody struct {
	Mode    string `json:"mode"`
	Options struct {
		Token   string `json:"token"`
		Reason  string `json:"reason"`
		Origin  string `json:"origin"`
		Block   bool   `json:"block"`
		ReQueue bool   `json:"re_queue"`
	} `json:"options"`
}

// DeleteOrchestration handles DELETE /orchestration: stop/kill the pool
// and Daemon, or forward an abort request.
func (h *Handler) DeleteOrchestration(w http.ResponseWriter, r *http.Request) {
	var body deleteOrchestrationBody
	body.Mode = "stop"
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Mode == "" {
		body.Mode = "stop"
	}

	switch body.Mode {
	case "abort":
		if h.adapter == nil {
			h.writeError(w, http.StatusServiceUnavailable, "abort coordinator not configured")
			return
		}
		if _, err := h.adapter.Abort(r.Context(), body.Options.Token, body.Options.Block, body.Options.ReQueue, true, body.Options.Origin, body.Options.Reason); err != nil {
			h.handleError(w, r, err)
			return
		}
	case "stop":
		if h.daemon != nil {
			h.daemon.Stop(true)
		}
		if h.pool != nil {
			h.pool.Stop(10 * time.Second)
		}
	case "kill":
		if h.daemon != nil {
			h.daemon.Stop(true)
		}
		if h.pool != nil {
			h.pool.Stop(0)
		}
	default:
		h.writeText(w, http.StatusBadRequest, "unknown 'mode="+body.Mode+"'")
		return
	}
	h.writeText(w, http.StatusOK, "OK")
}

// -- helpers -------------------------------------------------------------

func queryBool(r *http.Request, key string, def bool) bool {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(text))
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError translates an internal error to an HTTP response via
// apperrors' sentinel-to-status mapping.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
