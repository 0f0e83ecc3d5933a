package notification

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dcm-common/orchestra/internal/observability"
)

// Server exposes the Notification API (spec §6.4) over HTTP:
// registration, subscription, and broadcast notify.
type Server struct {
	store     SubscriberStore
	deliverer Deliverer
	timeout   time.Duration
	metrics   *observability.Metrics // optional
}

// NewServer constructs a Notification API server over store.
func NewServer(store SubscriberStore, deliverer Deliverer, broadcastTimeout time.Duration) *Server {
	if broadcastTimeout <= 0 {
		broadcastTimeout = 5 * time.Second
	}
	return &Server{store: store, deliverer: deliverer, timeout: broadcastTimeout}
}

// WithMetrics attaches metrics recording to the server, returning it for
// chaining in a construction call.
func (s *Server) WithMetrics(m *observability.Metrics) *Server {
	s.metrics = m
	return s
}

func (s *Server) recordSubscriberCount(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.RecordNotificationSubscribers(ctx, int64(s.store.Count()))
	}
}

// Router returns the mux serving /registration, /subscription, /notify.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /registration", s.handleRegister)
	mux.HandleFunc("DELETE /registration", s.handleDeregister)
	mux.HandleFunc("POST /subscription", s.handleSubscribe)
	mux.HandleFunc("POST /notify", s.handleNotify)
	return mux
}

type registerRequest struct {
	BaseURL string `json:"baseUrl"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sub := s.store.Register(req.BaseURL)
	s.recordSubscriberCount(r.Context())
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}
	s.store.Deregister(token)
	s.recordSubscriberCount(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	topic := r.URL.Query().Get("topic")
	scope := r.URL.Query().Get("scope")
	if token == "" || topic == "" {
		http.Error(w, "token and topic are required", http.StatusBadRequest)
		return
	}
	if err := s.store.Subscribe(token, topic, scope); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		http.Error(w, "topic is required", http.StatusBadRequest)
		return
	}
	var payload NotifyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	scopeToken, _ := payload.JSON["token"].(string)

	results := s.store.Broadcast(r.Context(), s.deliverer, topic, scopeToken, payload, s.timeout)
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			slog.Warn("notification broadcast delivery failed", "subscriber", res.Subscriber.BaseURL, "error", res.Err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"delivered": len(results) - failed,
		"failed":    failed,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
