// Package abort implements the Abort Coordinator (C7): local in-process
// cancellation, cross-replica broadcast via the Notification service, and
// child-job cascade over HTTP, per spec §4.7. All three paths are
// idempotent on token.
package abort

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dcm-common/orchestra/internal/controller"
	"github.com/dcm-common/orchestra/internal/jobctx"
	"github.com/dcm-common/orchestra/internal/observability"
	"github.com/dcm-common/orchestra/internal/report"
)

// ActiveJobs resolves a token to the locally-running JobContext, if this
// replica currently holds its lease. Abort's local and child-cascade
// paths only act when the lookup succeeds; the cross-replica broadcast
// path covers the case where a different replica holds it.
type ActiveJobs interface {
	Lookup(token string) (*jobctx.Context, bool)
}

// NotifyClient is the cross-replica broadcast transport: a thin wrapper
// around the Notification service's `POST /notify?topic=` (spec §6.4).
type NotifyClient interface {
	Notify(ctx context.Context, topic string, payload map[string]any) error
}

// Result is returned by Abort, reporting whether the job reached a
// terminal aborted/completed state before the caller gave up waiting.
type Result struct {
	Token     string
	Status    report.Status
	TimedOut  bool // true if block=true but ORCHESTRA_ABORT_TIMEOUT elapsed first
}

// Coordinator implements the three abort paths of spec §4.7.
type Coordinator struct {
	controller   controller.Controller
	activeJobs   ActiveJobs
	notify       NotifyClient
	httpClient   *http.Client
	abortTimeout time.Duration
	pollInterval time.Duration
	metrics      *observability.Metrics
}

// Config configures a Coordinator.
type Config struct {
	Controller   controller.Controller
	ActiveJobs   ActiveJobs
	Notify       NotifyClient // nil disables cross-replica broadcast
	AbortTimeout time.Duration
	PollInterval time.Duration
	HTTPTimeout  time.Duration
	Metrics      *observability.Metrics // optional
}

// New constructs a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.AbortTimeout <= 0 {
		cfg.AbortTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	return &Coordinator{
		controller:   cfg.Controller,
		activeJobs:   cfg.ActiveJobs,
		notify:       cfg.Notify,
		httpClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		abortTimeout: cfg.AbortTimeout,
		pollInterval: cfg.PollInterval,
		metrics:      cfg.Metrics,
	}
}

// Abort dispatches all three paths for token and, if block is true, waits
// up to ORCHESTRA_ABORT_TIMEOUT for the job to reach a terminal state
// (spec §4.7 "Synchronous contract"). broadcast is false when this call
// already originated from the Notification service's relay, preventing
// an infinite abort<->notify loop across replicas.
func (c *Coordinator) Abort(ctx context.Context, token string, block, reQueue, broadcast bool, origin, reason string) (Result, error) {
	// 1. Local in-process: if this replica holds the job, flip its flag
	// immediately so the worker observes it on its next poll without
	// waiting on the Registry round-trip.
	if jc, ok := c.activeJobs.Lookup(token); ok {
		jc.RequestAbort()
		c.cascadeToChildren(ctx, jc, origin, reason)
	}

	// 2. Persist the abort request so any replica's lease-holding worker
	// (local or not) observes it via Registry polling. When reQueue is
	// set, the job does not converge on aborted: the Controller resets its
	// record and returns it to queued state instead (spec §3 invariant 3's
	// running→queued transition).
	if err := c.controller.AbortMark(ctx, token, reason, origin, reQueue); err != nil {
		return Result{}, err
	}

	// 3. Cross-replica: broadcast so a replica that doesn't share this
	// process's Registry (e.g. the HTTP Controller dialect, spec S5) also
	// learns about the abort.
	if c.notify != nil && broadcast {
		payload := map[string]any{
			"json": map[string]any{"token": token, "origin": origin, "reason": reason},
		}
		start := time.Now()
		err := c.notify.Notify(ctx, "abort", payload)
		if c.metrics != nil {
			c.metrics.RecordAbortBroadcast(ctx, time.Since(start).Seconds())
		}
		if err != nil {
			slog.Warn("abort broadcast failed", "token", token, "error", err)
		}
	}

	if !block {
		return Result{Token: token}, nil
	}
	return c.waitForTerminal(ctx, token, reQueue)
}

// waitForTerminal polls until token reaches a state the caller is waiting
// for: aborted or completed for a plain abort, queued or completed when
// reQueue is set (a requeued job never reaches aborted).
func (c *Coordinator) waitForTerminal(ctx context.Context, token string, reQueue bool) (Result, error) {
	deadline := time.Now().Add(c.abortTimeout)
	for {
		info, err := c.controller.GetInfo(ctx, token)
		if err == nil {
			wantStatus := report.StatusAborted
			if reQueue {
				wantStatus = report.StatusQueued
			}
			if info.Status == wantStatus || info.Status == report.StatusCompleted {
				return Result{Token: token, Status: info.Status}, nil
			}
		}
		if time.Now().After(deadline) {
			status := report.StatusQueued
			if err == nil {
				status = info.Status
			}
			return Result{Token: token, Status: status, TimedOut: true}, nil
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// cascadeToChildren aborts each of jc's children over HTTP, snapshotting
// their latest report before the delete attempt (spec §4.7.3). Failures
// are logged as WARNING into the parent's Report rather than aborting the
// cascade (spec S6: one bad child must not block the parent's own abort).
func (c *Coordinator) cascadeToChildren(ctx context.Context, jc *jobctx.Context, origin, reason string) {
	for _, child := range jc.Children() {
		if child.LatestSnapshot != nil {
			jc.SetChildReport(child.Token, child.Host, *child.LatestSnapshot)
		}

		if err := c.deleteChild(ctx, child, origin, reason); err != nil {
			jc.Log(report.LogCategoryWarning, "abort",
				fmt.Sprintf("child cascade failed for %s@%s: %v", child.Token, child.Host, err))
			continue
		}
		jc.Log(report.LogCategoryEvent, "abort", fmt.Sprintf("child cascade delivered to %s@%s", child.Token, child.Host))
	}
}

func (c *Coordinator) deleteChild(ctx context.Context, child jobctx.ChildJob, origin, reason string) error {
	target, err := url.Parse(child.Host)
	if err != nil {
		return err
	}
	q := target.Query()
	q.Set("token", child.Token)
	q.Set("broadcast", "false")
	target.RawQuery = q.Encode()

	reqCtx := ctx
	if child.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, child.Timeout)
		defer cancel()
	}

	body := fmt.Sprintf(`{"origin":%q,"reason":%q}`, origin, reason)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodDelete, target.String(), strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("child returned status " + resp.Status)
	}
	return nil
}
