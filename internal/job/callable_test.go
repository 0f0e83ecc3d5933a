package job

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dcm-common/orchestra/internal/jobctx"
	"github.com/dcm-common/orchestra/internal/report"
)

func TestRegistryLookupUnknownName(t *testing.T) {
	r := NewRegistry()
	if _, _, err := r.Lookup("missing"); err == nil {
		t.Fatal("expected error for unknown callable name")
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register("noop", func(ctx context.Context, jc *jobctx.Context, body json.RawMessage) error {
		called = true
		return nil
	}, nil)

	fn, _, err := r.Lookup("noop")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	jc := jobctx.New("tok", "host", "owner", time.Hour, nil)
	if err := fn(context.Background(), jc, nil); err != nil {
		t.Fatalf("callable returned error: %v", err)
	}
	if !called {
		t.Fatal("expected callable to run")
	}
}

func TestDemoCompletesWithExpectedLogsAndData(t *testing.T) {
	jc := jobctx.New("tok", "host", "owner", time.Hour, nil)
	body := []byte(`{"demo":{"duration":0,"success":true}}`)

	if err := Demo(context.Background(), jc, body); err != nil {
		t.Fatalf("demo: %v", err)
	}

	snap := jc.Snapshot()
	if snap.Progress.Status != report.StatusCompleted || snap.Progress.Numeric != 100 {
		t.Fatalf("expected completed/100, got %+v", snap.Progress)
	}

	events := snap.Log[report.LogCategoryEvent]
	if len(events) != 2 {
		t.Fatalf("expected 2 EVENT log entries (accept, terminate), got %d", len(events))
	}

	var result demoResult
	if err := json.Unmarshal(snap.Data, &result); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success=true in data")
	}
}

func TestDemoAbortsCooperatively(t *testing.T) {
	jc := jobctx.New("tok", "host", "owner", time.Hour, nil)
	jc.RequestAbort()

	body := []byte(`{"demo":{"duration":5,"success":true}}`)
	if err := Demo(context.Background(), jc, body); err != nil {
		t.Fatalf("demo: %v", err)
	}

	if jc.Progress().Status != report.StatusAborted {
		t.Fatalf("expected aborted status, got %s", jc.Progress().Status)
	}
}
