package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dcm-common/orchestra/internal/apperrors"
	"github.com/dcm-common/orchestra/internal/kv"
	"github.com/dcm-common/orchestra/internal/report"
)

func newConfig(t *testing.T) JobConfig {
	t.Helper()
	return JobConfig{
		RequestBody: []byte(`{"demo":{"duration":0,"success":true}}`),
		Token:       report.NewToken(0),
	}
}

func TestQueueLeaseExclusivity(t *testing.T) {
	store := kv.NewMemory(0, nil)
	defer store.Close()
	q := NewQueue(store, time.Minute)

	cfg := newConfig(t)
	if err := q.Enqueue(context.Background(), cfg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	entry, err := q.Lease(context.Background(), "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if entry.Token.Value != cfg.Token.Value {
		t.Fatalf("leased wrong token: %s", entry.Token.Value)
	}

	if _, err := q.Lease(context.Background(), "worker-b", time.Minute); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected no eligible entries while leased, got %v", err)
	}
}

func TestQueueLeaseExpiryAllowsRelease(t *testing.T) {
	store := kv.NewMemory(0, nil)
	defer store.Close()
	q := NewQueue(store, time.Minute)

	cfg := newConfig(t)
	if err := q.Enqueue(context.Background(), cfg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Lease(context.Background(), "worker-a", time.Millisecond); err != nil {
		t.Fatalf("lease: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	entry, err := q.Lease(context.Background(), "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("expected re-lease after expiry: %v", err)
	}
	if entry.LeaseOwner != "worker-b" {
		t.Fatalf("expected worker-b to hold lease, got %s", entry.LeaseOwner)
	}
}

// TestQueueLeaseConcurrentSlotsClaimDistinctEntries pits many concurrent
// callers (e.g. Worker Pool slots) against a single-entry Queue: exactly
// one must win the lease, the rest must observe kv.ErrNotFound rather than
// both overwrite-claiming the same entry (spec §3 invariant 2).
func TestQueueLeaseConcurrentSlotsClaimDistinctEntries(t *testing.T) {
	store := kv.NewMemory(0, nil)
	defer store.Close()
	q := NewQueue(store, time.Minute)

	cfg := newConfig(t)
	if err := q.Enqueue(context.Background(), cfg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const slots = 16
	var wg sync.WaitGroup
	wins := make(chan QueueEntry, slots)
	for i := 0; i < slots; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			owner := "slot-" + string(rune('a'+slot))
			entry, err := q.Lease(context.Background(), owner, time.Minute)
			if err != nil {
				if errors.Is(err, kv.ErrNotFound) {
					return
				}
				t.Errorf("slot %d: unexpected lease error: %v", slot, err)
				return
			}
			wins <- entry
		}(i)
	}
	wg.Wait()
	close(wins)

	var claims []QueueEntry
	for entry := range wins {
		claims = append(claims, entry)
	}
	if len(claims) != 1 {
		t.Fatalf("expected exactly one slot to claim the single entry, got %d", len(claims))
	}
	if claims[0].Token.Value != cfg.Token.Value {
		t.Fatalf("claimed wrong token: %s", claims[0].Token.Value)
	}
}

func TestQueueRequeueResetsLeaseAndStatus(t *testing.T) {
	store := kv.NewMemory(0, nil)
	defer store.Close()
	q := NewQueue(store, time.Minute)

	cfg := newConfig(t)
	if err := q.Enqueue(context.Background(), cfg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Lease(context.Background(), "worker-a", time.Minute); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := q.Requeue(context.Background(), cfg.Token.Value, 0); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	entry, err := q.Get(context.Background(), cfg.Token.Value)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.LeaseOwner != "" {
		t.Fatalf("expected lease cleared after requeue, got owner %q", entry.LeaseOwner)
	}
	if entry.RequeueCount != 1 {
		t.Fatalf("expected requeue count 1, got %d", entry.RequeueCount)
	}
}

func TestQueueRequeueCapRemovesEntry(t *testing.T) {
	store := kv.NewMemory(0, nil)
	defer store.Close()
	q := NewQueue(store, time.Minute)

	cfg := newConfig(t)
	if err := q.Enqueue(context.Background(), cfg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := q.Lease(context.Background(), "worker", time.Minute); err != nil {
			t.Fatalf("lease %d: %v", i, err)
		}
		if err := q.Requeue(context.Background(), cfg.Token.Value, 2); err != nil && i == 0 {
			t.Fatalf("requeue %d: %v", i, err)
		}
	}

	if _, err := q.Get(context.Background(), cfg.Token.Value); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected entry removed after requeue cap, got %v", err)
	}
}

func TestRegistryCASWriteRejectsMismatchedOwner(t *testing.T) {
	store := kv.NewMemory(0, nil)
	defer store.Close()
	reg := NewRegistry(store, 0)

	token := report.NewToken(0)
	info := JobInfo{Token: token, Status: report.StatusRunning}
	if err := reg.CASWrite(context.Background(), "worker-a", info); err != nil {
		t.Fatalf("first CAS write: %v", err)
	}

	info.Status = report.StatusCompleted
	if err := reg.CASWrite(context.Background(), "worker-b", info); !errors.Is(err, apperrors.ErrLeaseLost) {
		t.Fatalf("expected LEASE_LOST for mismatched owner, got %v", err)
	}

	if err := reg.CASWrite(context.Background(), "worker-a", info); err != nil {
		t.Fatalf("expected owning worker to write successfully: %v", err)
	}
}

// TestRegistryCASWriteFirstRegistrationIsAtomic pits many concurrent
// first-time registrations of the same token against each other: exactly
// one caller's owner must win, the rest must see ErrLeaseLost rather than
// all succeeding and silently overwriting each other's Owner.
func TestRegistryCASWriteFirstRegistrationIsAtomic(t *testing.T) {
	store := kv.NewMemory(0, nil)
	defer store.Close()
	reg := NewRegistry(store, 0)

	token := report.NewToken(0)

	const callers = 16
	var wg sync.WaitGroup
	oks := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			owner := "worker-" + string(rune('a'+idx))
			info := JobInfo{Token: token, Status: report.StatusRunning}
			if err := reg.CASWrite(context.Background(), owner, info); err == nil {
				oks <- owner
			} else if !errors.Is(err, apperrors.ErrLeaseLost) {
				t.Errorf("caller %d: unexpected error: %v", idx, err)
			}
		}(i)
	}
	wg.Wait()
	close(oks)

	var winners []string
	for owner := range oks {
		winners = append(winners, owner)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one first-registration to win, got %d: %v", len(winners), winners)
	}

	got, err := reg.Get(context.Background(), token.Value)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Owner != winners[0] {
		t.Fatalf("expected stored owner %q to match the winning caller, got %q", winners[0], got.Owner)
	}
}

func TestRegistryAbortFlagBypassesCAS(t *testing.T) {
	store := kv.NewMemory(0, nil)
	defer store.Close()
	reg := NewRegistry(store, 0)

	token := report.NewToken(0)
	info := JobInfo{Token: token, Status: report.StatusRunning, Owner: "worker-a"}
	if err := reg.Put(context.Background(), info); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := reg.SetAbortRequested(context.Background(), token.Value); err != nil {
		t.Fatalf("set abort requested: %v", err)
	}

	got, err := reg.Get(context.Background(), token.Value)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.AbortRequested {
		t.Fatal("expected abort_requested to be set")
	}
}
