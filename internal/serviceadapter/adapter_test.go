package serviceadapter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dcm-common/orchestra/internal/abort"
	"github.com/dcm-common/orchestra/internal/apperrors"
	"github.com/dcm-common/orchestra/internal/controller"
	"github.com/dcm-common/orchestra/internal/jobctx"
	"github.com/dcm-common/orchestra/internal/kv"
	"github.com/dcm-common/orchestra/internal/registry"
	"github.com/dcm-common/orchestra/internal/report"
)

func newAdapter(t *testing.T, validate Validator) (*Adapter, *controller.KV) {
	t.Helper()
	store := kv.NewMemory(0, nil)
	t.Cleanup(func() { store.Close() })
	q := registry.NewQueue(store, time.Minute)
	r := registry.NewRegistry(store, 0)
	c := controller.NewKV(q, r, controller.KVConfig{})
	coord := abort.New(abort.Config{Controller: c, ActiveJobs: noActiveJobs{}})
	return New(Config{Controller: c, Abort: coord, Validate: validate}), c
}

type noActiveJobs struct{}

func (noActiveJobs) Lookup(string) (*jobctx.Context, bool) { return nil, false }

func TestSubmitRejectsInvalidBody(t *testing.T) {
	a, _ := newAdapter(t, func(body json.RawMessage) error {
		return errors.New("bad body")
	})
	_, err := a.Submit(context.Background(), json.RawMessage(`{}`), nil, "")
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitThenPollReturnsQueuedProgress(t *testing.T) {
	a, c := newAdapter(t, nil)
	ctx := context.Background()

	token, err := a.Submit(ctx, json.RawMessage(`{"demo":{"duration":1}}`), nil, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := c.Lease(ctx, "worker-a", time.Minute); err != nil {
		t.Fatalf("lease: %v", err)
	}

	progress, err := a.Poll(ctx, token.Value)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if progress.Status != report.StatusQueued {
		t.Fatalf("expected queued progress before any worker write, got %s", progress.Status)
	}
}

func TestGetInfoUnknownTokenReturnsNotFound(t *testing.T) {
	a, _ := newAdapter(t, nil)
	_, err := a.GetInfo(context.Background(), "missing")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAbortWithoutCoordinatorFails(t *testing.T) {
	store := kv.NewMemory(0, nil)
	defer store.Close()
	q := registry.NewQueue(store, time.Minute)
	r := registry.NewRegistry(store, 0)
	c := controller.NewKV(q, r, controller.KVConfig{})
	a := New(Config{Controller: c})

	_, err := a.Abort(context.Background(), "tok", false, false, true, "user", "manual")
	if err == nil {
		t.Fatal("expected error when no Abort Coordinator is configured")
	}
}
