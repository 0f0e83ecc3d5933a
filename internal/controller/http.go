package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dcm-common/orchestra/internal/apperrors"
	"github.com/dcm-common/orchestra/internal/registry"
	"github.com/dcm-common/orchestra/internal/report"
	"github.com/dcm-common/orchestra/pkg/backoff"
	"github.com/dcm-common/orchestra/pkg/circuitbreaker"
)

// HTTPConfig configures the remote Controller dialect: a thin client over
// the Orchestration-Controls API (spec §4.5, §6.1).
type HTTPConfig struct {
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
	RetryConfig backoff.Config
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// HTTP is the remote Controller dialect, translating the same
// lease/refresh/complete/fail/abort_mark operations into calls against a
// peer replica's Orchestration-Controls API.
type HTTP struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewHTTP constructs an HTTP Controller client for a single peer base URL.
func NewHTTP(cfg HTTPConfig) *HTTP {
	cfg = cfg.withDefaults()
	return &HTTP{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
}

func (h *HTTP) Close() error { return nil }

// do performs req with jittered exponential backoff retry, guarded by a
// circuit breaker over the remote peer (spec §4.1's retry/backoff pattern
// applied to the Controller's remote dialect).
func (h *HTTP) do(ctx context.Context, method, path string, body any, out any) error {
	if !h.breaker.Allow() {
		return apperrors.BackendUnavailable("controller.http."+method, fmt.Errorf("circuit open for %s", h.cfg.BaseURL))
	}

	var lastErr error
	for attempt := 1; attempt <= h.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt-1, &h.cfg.RetryConfig)):
			}
		}

		var reader *bytes.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return apperrors.Internal("controller.http.marshal", err)
			}
			reader = bytes.NewReader(raw)
		} else {
			reader = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, h.cfg.BaseURL+path, reader)
		if err != nil {
			return apperrors.Internal("controller.http.newrequest", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.client.Do(req)
		if err != nil {
			lastErr = err
			h.breaker.RecordFailure()
			continue
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return apperrors.NotFound("job", path)
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("peer returned %d", resp.StatusCode)
			h.breaker.RecordFailure()
			continue
		}
		if resp.StatusCode >= 400 {
			return apperrors.Internal("controller.http", fmt.Errorf("peer returned %d", resp.StatusCode))
		}

		h.breaker.RecordSuccess()
		if out != nil {
			return json.NewDecoder(resp.Body).Decode(out)
		}
		return nil
	}
	return apperrors.BackendUnavailable("controller.http."+method, lastErr)
}

func (h *HTTP) Submit(ctx context.Context, cfg registry.JobConfig) error {
	return h.do(ctx, http.MethodPost, "/orchestration", cfg, nil)
}

type leaseRequest struct {
	Mode    string        `json:"mode"`
	Slot    string        `json:"slot"`
	TTL     time.Duration `json:"ttl"`
}

func (h *HTTP) Lease(ctx context.Context, slot string, ttl time.Duration) (LeasedJob, error) {
	var out LeasedJob
	err := h.do(ctx, http.MethodPut, "/orchestration/lease", leaseRequest{Mode: "lease", Slot: slot, TTL: ttl}, &out)
	return out, err
}

func (h *HTTP) Refresh(ctx context.Context, token, slot string, ttl time.Duration) error {
	return h.do(ctx, http.MethodPut, "/orchestration/lease", map[string]any{
		"mode": "refresh", "token": token, "slot": slot, "ttl": ttl,
	}, nil)
}

func (h *HTTP) Push(ctx context.Context, token, slot string, snapshot report.Report, progress report.Progress) error {
	return h.do(ctx, http.MethodPut, "/orchestration/lease", map[string]any{
		"mode": "push", "token": token, "slot": slot, "report": snapshot, "progress": progress,
	}, nil)
}

func (h *HTTP) Complete(ctx context.Context, token, slot string, snapshot report.Report) error {
	return h.do(ctx, http.MethodPut, "/orchestration/lease", map[string]any{
		"mode": "complete", "token": token, "slot": slot, "report": snapshot,
	}, nil)
}

func (h *HTTP) Fail(ctx context.Context, token, slot, reason string, requeue bool) error {
	return h.do(ctx, http.MethodPut, "/orchestration/lease", map[string]any{
		"mode": "fail", "token": token, "slot": slot, "reason": reason, "requeue": requeue,
	}, nil)
}

func (h *HTTP) AbortMark(ctx context.Context, token, reason, origin string, reQueue bool) error {
	return h.do(ctx, http.MethodDelete, "/orchestration", map[string]any{
		"mode": "abort",
		"options": map[string]any{"token": token, "reason": reason, "origin": origin, "re_queue": reQueue},
	}, nil)
}

func (h *HTTP) GetInfo(ctx context.Context, token string) (registry.JobInfo, error) {
	var out registry.JobInfo
	err := h.do(ctx, http.MethodGet, "/orchestration/jobs/"+token, nil, &out)
	return out, err
}

func (h *HTTP) Status(ctx context.Context) (Status, error) {
	var out Status
	err := h.do(ctx, http.MethodGet, "/orchestration", nil, &out)
	return out, err
}
