package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dcm-common/orchestra/internal/report"
	"github.com/gorilla/websocket"
)

// progressUpgrader accepts connections from any origin: the progress
// stream carries no session state, only a job Token supplied as a query
// parameter.
var progressUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// progressPollInterval is how often the live-progress stream re-polls the
// ServiceAdapter for a token's Progress.
const progressPollInterval = 500 * time.Millisecond

// ProgressWebSocket handles GET /progress/ws?token=: streams Progress
// updates for token as JSON text frames until it reaches a terminal
// status or the client disconnects.
func (h *Handler) ProgressWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.writeError(w, http.StatusBadRequest, "missing query parameter 'token'")
		return
	}

	conn, err := progressUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("progress websocket: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Detect client-initiated close without blocking the poll loop.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			progress, err := h.adapter.Poll(r.Context(), token)
			if err != nil {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"`+err.Error()+`"}`))
				return
			}
			payload, err := json.Marshal(progress)
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			if progress.Status == report.StatusCompleted || progress.Status == report.StatusAborted {
				return
			}
		}
	}
}
