package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/dcm-common/orchestra/internal/kv"
	"github.com/google/uuid"
)

// GetKey handles GET /db/{key}?pop=<bool>.
func (h *Handler) GetKey(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	pop := queryBool(r, "pop", false)

	value, err := h.kv.Read(r.Context(), key, pop)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "key not found: "+key)
			return
		}
		h.handleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

// PutKey handles POST /db/{key}: writes the request body as key's value.
func (h *Handler) PutKey(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	h.writeKey(w, r, key)
}

// PostKey handles POST /db: writes the request body under a fresh,
// randomly-generated key and returns it.
func (h *Handler) PostKey(w http.ResponseWriter, r *http.Request) {
	key := uuid.NewString()
	h.writeKey(w, r, key)
}

func (h *Handler) writeKey(w http.ResponseWriter, r *http.Request, key string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read request body: "+err.Error())
		return
	}
	if err := h.kv.Write(r.Context(), key, body, 0); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

// DeleteKey handles DELETE /db/{key}.
func (h *Handler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := h.kv.Delete(r.Context(), key); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ListKeys handles OPTIONS /db: returns the live key set.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.kv.Keys(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	h.writeJSON(w, http.StatusOK, keys)
}
