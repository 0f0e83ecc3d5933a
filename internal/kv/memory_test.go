package kv

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestMemoryWriteRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(0, nil)
	defer m.Close()

	if err := m.Write(ctx, "a", []byte("1"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := m.Read(ctx, "a", false)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "1" {
		t.Errorf("got %q, want %q", got, "1")
	}

	// Value present after non-popping read.
	if _, err := m.Read(ctx, "a", false); err != nil {
		t.Fatalf("second Read: %v", err)
	}
}

func TestMemoryReadPop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(0, nil)
	defer m.Close()

	_ = m.Write(ctx, "a", []byte("1"), 0)

	if _, err := m.Read(ctx, "a", true); err != nil {
		t.Fatalf("Read pop: %v", err)
	}
	if _, err := m.Read(ctx, "a", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after pop, got %v", err)
	}
}

func TestMemoryReadMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(0, nil)
	defer m.Close()

	if _, err := m.Read(ctx, "missing", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryTTLPassiveExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(0, nil)
	defer m.Close()

	if err := m.Write(ctx, "a", []byte("1"), 10*time.Millisecond); err != nil {
		t.Fatalf("Write: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if _, err := m.Read(ctx, "a", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after ttl expiry, got %v", err)
	}
}

func TestMemoryActiveSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(5*time.Millisecond, nil)
	defer m.Close()

	_ = m.Write(ctx, "a", []byte("1"), 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	keys, err := m.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected active sweep to evict expired key, got %v", keys)
	}
}

func TestMemoryDeleteIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(0, nil)
	defer m.Close()

	if err := m.Delete(ctx, "never-written"); err != nil {
		t.Errorf("Delete on missing key should be idempotent, got %v", err)
	}
	_ = m.Write(ctx, "a", []byte("1"), 0)
	if err := m.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := m.Delete(ctx, "a"); err != nil {
		t.Errorf("second Delete should be idempotent, got %v", err)
	}
}

func TestMemoryKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(0, nil)
	defer m.Close()

	_ = m.Write(ctx, "a", []byte("1"), 0)
	_ = m.Write(ctx, "b", []byte("2"), 0)

	keys, err := m.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("got %d keys, want 2", len(keys))
	}
}

func TestMemoryNext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(0, nil)
	defer m.Close()

	if _, err := m.Next(ctx, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on empty store, got %v", err)
	}

	_ = m.Write(ctx, "a", []byte("1"), 0)
	e, err := m.Next(ctx, true)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if e.Key != "a" || string(e.Value) != "1" {
		t.Errorf("got %+v, want key=a value=1", e)
	}
	if _, err := m.Next(ctx, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after popping only entry, got %v", err)
	}
}

func TestMemoryUpdateRejectsWhenDeclined(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(0, nil)
	defer m.Close()

	_ = m.Write(ctx, "a", []byte("1"), 0)

	err := m.Update(ctx, "a", 0, func(old []byte, exists bool) ([]byte, bool, error) {
		if !exists || string(old) != "1" {
			t.Fatalf("expected to see existing value 1, got %q exists=%v", old, exists)
		}
		return nil, false, ErrCASRejected
	})
	if !errors.Is(err, ErrCASRejected) {
		t.Fatalf("expected ErrCASRejected, got %v", err)
	}

	got, _ := m.Read(ctx, "a", false)
	if string(got) != "1" {
		t.Errorf("declined Update must not modify the value, got %q", got)
	}
}

func TestMemoryUpdateSerializesConcurrentCallers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(0, nil)
	defer m.Close()

	_ = m.Write(ctx, "counter", []byte("0"), 0)

	const iterations = 200
	var wg sync.WaitGroup
	for i := 0; i < iterations; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Update(ctx, "counter", 0, func(old []byte, exists bool) ([]byte, bool, error) {
				n, _ := strconv.Atoi(string(old))
				return []byte(strconv.Itoa(n + 1)), true, nil
			})
		}()
	}
	wg.Wait()

	got, _ := m.Read(ctx, "counter", false)
	if strconv.Itoa(iterations) != string(got) {
		t.Errorf("expected %d read-modify-write increments to be lost-update-free, got %q", iterations, got)
	}
}

func TestMemoryWriteIsolatesCallerSlice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(0, nil)
	defer m.Close()

	buf := []byte("original")
	_ = m.Write(ctx, "a", buf, 0)
	buf[0] = 'X'

	got, _ := m.Read(ctx, "a", false)
	if string(got) != "original" {
		t.Errorf("Write should copy input, got %q", got)
	}
}
