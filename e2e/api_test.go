//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dcm-common/orchestra/internal/abort"
	"github.com/dcm-common/orchestra/internal/api"
	"github.com/dcm-common/orchestra/internal/controller"
	"github.com/dcm-common/orchestra/internal/dispatcher"
	"github.com/dcm-common/orchestra/internal/health"
	"github.com/dcm-common/orchestra/internal/job"
	"github.com/dcm-common/orchestra/internal/kv"
	"github.com/dcm-common/orchestra/internal/registry"
	"github.com/dcm-common/orchestra/internal/report"
	"github.com/dcm-common/orchestra/internal/serviceadapter"
	"github.com/dcm-common/orchestra/internal/testutil"
	"github.com/dcm-common/orchestra/internal/worker"
)

// stack bundles every component api.NewRouter needs, wired over the
// embedded Spawner and an in-memory KV Controller so these tests need no
// external services (Docker, Postgres, Redis).
type stack struct {
	pool       *worker.Pool
	dispatcher dispatcher.Dispatcher
	server     *httptest.Server
}

func newTestStack(t *testing.T) *stack {
	t.Helper()

	store := kv.NewMemory(0, nil)
	q := registry.NewQueue(store, 30*time.Second)
	reg := registry.NewRegistry(store, 0)
	ctrl := controller.NewKV(q, reg, controller.KVConfig{})

	callables := job.NewRegistry()
	callables.Register(job.DemoName, job.Demo, nil)
	active := worker.NewActiveJobs()

	eventDispatcher := dispatcher.NewMemory(dispatcher.MemoryConfig{BufferSize: 100, Workers: 2}, nil)

	pool := worker.New(worker.Config{
		Slots:          2,
		Controller:     ctrl,
		Spawner:        worker.NewEmbeddedSpawner(callables, active),
		WorkerInterval: 20 * time.Millisecond,
		Dispatcher:     eventDispatcher,
	})
	pool.Start(context.Background())

	coordinator := abort.New(abort.Config{Controller: ctrl, ActiveJobs: active})
	adapter := serviceadapter.New(serviceadapter.Config{Controller: ctrl, Abort: coordinator})
	healthChecker := health.NewChecker(health.NewControllerReadiness(func(ctx context.Context) error {
		_, err := ctrl.Status(ctx)
		return err
	}))

	router := api.NewRouter(api.RouterConfig{
		Adapter:       adapter,
		Controller:    ctrl,
		Pool:          pool,
		KV:            store,
		HealthChecker: healthChecker,
		Dispatcher:    eventDispatcher,
	})

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		pool.Stop(2 * time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eventDispatcher.Close(ctx)
		_ = ctrl.Close()
		_ = store.Close()
	})

	return &stack{pool: pool, dispatcher: eventDispatcher, server: server}
}

func TestAPI_Readyz(t *testing.T) {
	s := newTestStack(t)

	resp, err := http.Get(s.server.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var result health.Response
	_ = json.NewDecoder(resp.Body).Decode(&result)
	if result.Status != health.StatusHealthy {
		t.Errorf("expected healthy status, got %s", result.Status)
	}
}

func TestAPI_Livez(t *testing.T) {
	s := newTestStack(t)

	resp, err := http.Get(s.server.URL + "/livez")
	if err != nil {
		t.Fatalf("livez request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}

func submitDemo(t *testing.T, baseURL string, extra map[string]any) report.Token {
	t.Helper()
	reqBody := map[string]any{"demo": extra}
	body, _ := json.Marshal(reqBody)

	resp, err := http.Post(baseURL+"/demo", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("submit job failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", resp.StatusCode)
	}

	var token report.Token
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if token.Value == "" {
		t.Fatal("expected non-empty token value")
	}
	return token
}

func TestAPI_SubmitAndComplete(t *testing.T) {
	s := newTestStack(t)

	token := submitDemo(t, s.server.URL, map[string]any{"duration": 0, "success": true})

	var rep report.Report
	testutil.MustWaitFor(t, func() bool {
		resp, err := http.Get(s.server.URL + "/report?token=" + token.Value)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&rep) == nil
	}, testutil.WithTimeout(10*time.Second), testutil.WithInterval(50*time.Millisecond))

	if rep.Progress.Status != report.StatusCompleted {
		t.Fatalf("expected job to complete, got status %q", rep.Progress.Status)
	}
}

func TestAPI_SubmitAndAbort(t *testing.T) {
	s := newTestStack(t)

	token := submitDemo(t, s.server.URL, map[string]any{"duration": 30, "success": true})

	testutil.MustWaitFor(t, func() bool {
		resp, err := http.Get(s.server.URL + "/progress?token=" + token.Value)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var p report.Progress
		_ = json.NewDecoder(resp.Body).Decode(&p)
		return p.Status == report.StatusRunning
	}, testutil.WithTimeout(10*time.Second), testutil.WithInterval(50*time.Millisecond))

	req, _ := http.NewRequest(http.MethodDelete, s.server.URL+"/demo?token="+token.Value, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("abort request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var rep report.Report
	testutil.MustWaitFor(t, func() bool {
		resp, err := http.Get(s.server.URL + "/report?token=" + token.Value)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&rep) == nil
	}, testutil.WithTimeout(10*time.Second), testutil.WithInterval(50*time.Millisecond))

	if rep.Progress.Status != report.StatusAborted {
		t.Fatalf("expected job to be aborted, got status %q", rep.Progress.Status)
	}
}

func TestAPI_MissingToken(t *testing.T) {
	s := newTestStack(t)

	resp, err := http.Get(s.server.URL + "/report")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
}

func TestAPI_SubmitWithCallback(t *testing.T) {
	var mu sync.Mutex
	delivered := false
	var received map[string]any

	callbackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered = true
		_ = json.NewDecoder(r.Body).Decode(&received)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer callbackServer.Close()

	s := newTestStack(t)

	reqBody := map[string]any{
		"callbackUrl": callbackServer.URL,
		"demo":        map[string]any{"duration": 0, "success": true},
	}
	body, _ := json.Marshal(reqBody)

	resp, err := http.Post(s.server.URL+"/demo", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("submit job failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", resp.StatusCode)
	}

	testutil.MustWaitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered
	}, testutil.WithTimeout(10*time.Second), testutil.WithInterval(50*time.Millisecond))

	mu.Lock()
	defer mu.Unlock()
	if received == nil {
		t.Fatal("expected a callback payload")
	}
}

func TestAPI_ConcurrentJobs(t *testing.T) {
	s := newTestStack(t)

	numJobs := 5
	var wg sync.WaitGroup
	errs := make(chan error, numJobs)

	for i := 0; i < numJobs; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			reqBody := map[string]any{"demo": map[string]any{"duration": 0, "success": true}}
			body, _ := json.Marshal(reqBody)

			resp, err := http.Post(s.server.URL+"/demo", "application/json", bytes.NewReader(body))
			if err != nil {
				errs <- fmt.Errorf("job %d: %w", idx, err)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusCreated {
				errs <- fmt.Errorf("job %d: expected 201, got %d", idx, resp.StatusCode)
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestAPI_Orchestration_GetStatus(t *testing.T) {
	s := newTestStack(t)

	resp, err := http.Get(s.server.URL + "/orchestration")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if _, ok := status["queue"]; !ok {
		t.Error("expected a 'queue' field in the orchestration status")
	}
}
