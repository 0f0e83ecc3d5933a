// Package serviceadapter implements the ServiceAdapter (C8): the public
// facade between HTTP handlers and the orchestration core, grounded on
// the teacher's job.Service validate-then-delegate shape.
package serviceadapter

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dcm-common/orchestra/internal/abort"
	"github.com/dcm-common/orchestra/internal/apperrors"
	"github.com/dcm-common/orchestra/internal/controller"
	"github.com/dcm-common/orchestra/internal/registry"
	"github.com/dcm-common/orchestra/internal/report"
)

// Validator checks a raw submission body before it is enqueued. An Adapter
// holds at most one (Config.Validate); Submit rejects any body for which it
// returns an error.
type Validator func(body json.RawMessage) error

// Config configures an Adapter.
type Config struct {
	Controller  controller.Controller
	Abort       *abort.Coordinator
	TokenTTL    time.Duration
	Validate    Validator // nil accepts any body
	DefaultHost string
}

// Adapter is the ServiceAdapter (C8).
type Adapter struct {
	controller  controller.Controller
	abort       *abort.Coordinator
	tokenTTL    time.Duration
	validate    Validator
	defaultHost string
}

// New constructs an Adapter.
func New(cfg Config) *Adapter {
	return &Adapter{
		controller:  cfg.Controller,
		abort:       cfg.Abort,
		tokenTTL:    cfg.TokenTTL,
		validate:    cfg.Validate,
		defaultHost: cfg.DefaultHost,
	}
}

// Submit validates requestBody, allocates a Token, enqueues a JobConfig,
// and returns the token (spec §4.8 "submit").
func (a *Adapter) Submit(ctx context.Context, requestBody json.RawMessage, properties map[string]any, callbackURL string) (report.Token, error) {
	if a.validate != nil {
		if err := a.validate(requestBody); err != nil {
			return report.Token{}, apperrors.Validation("request_body", err.Error())
		}
	}

	token := report.NewToken(a.tokenTTL)
	cfg := registry.JobConfig{
		OriginalBody: requestBody,
		RequestBody:  requestBody,
		Properties:   properties,
		Token:        token,
		CallbackURL:  callbackURL,
	}
	if err := a.controller.Submit(ctx, cfg); err != nil {
		return report.Token{}, err
	}
	slog.Info("job submitted", "token", token.Value)
	return token, nil
}

// Poll reads the Registry's Progress for token, the cheap path that avoids
// transferring the full Report (spec §4.8 "poll").
func (a *Adapter) Poll(ctx context.Context, token string) (report.Progress, error) {
	info, err := a.controller.GetInfo(ctx, token)
	if err != nil {
		return report.Progress{}, err
	}
	return info.Progress, nil
}

// GetInfo returns the full JobInfo record for token, or a NotFound error.
func (a *Adapter) GetInfo(ctx context.Context, token string) (registry.JobInfo, error) {
	return a.controller.GetInfo(ctx, token)
}

// GetReport returns the most recently flushed Report for token. During an
// in-flight job this may lag the worker's in-memory state by up to
// registry_push_interval (spec §4.8 "get_report").
func (a *Adapter) GetReport(ctx context.Context, token string) (report.Report, error) {
	info, err := a.controller.GetInfo(ctx, token)
	if err != nil {
		return report.Report{}, err
	}
	return info.Report, nil
}

// Abort requests cancellation of token via the Abort Coordinator (spec
// §4.8 "abort" delegates to C7).
func (a *Adapter) Abort(ctx context.Context, token string, block, requeue, broadcast bool, origin, reason string) (abort.Result, error) {
	if a.abort == nil {
		return abort.Result{}, apperrors.Internal("serviceadapter.abort", nil)
	}
	return a.abort.Abort(ctx, token, block, requeue, broadcast, origin, reason)
}

// ProgressHook is invoked by Run at each polling tick with the current
// Progress for token.
type ProgressHook func(token string, progress report.Progress)

// Run spawns a polling loop over tokens, invoking hook at the configured
// cadence, for services that surface a live UI in addition to the plain
// HTTP facade (spec §4.8 "run(hooks)"). It blocks until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context, tokens func() []string, interval time.Duration, hook ProgressHook) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, token := range tokens() {
				progress, err := a.Poll(ctx, token)
				if err != nil {
					slog.Debug("run: poll failed", "token", token, "error", err)
					continue
				}
				hook(token, progress)
			}
		}
	}
}

// Status summarizes Queue/Registry/Controller state, forwarded from C5
// for the Orchestration-Controls API.
func (a *Adapter) Status(ctx context.Context) (controller.Status, error) {
	return a.controller.Status(ctx)
}
