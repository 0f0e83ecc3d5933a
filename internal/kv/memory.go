package kv

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// entry is the internal representation of a stored value with an optional
// expiration time.
type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiration
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is an in-process, mutex-guarded Store. It is the default backend
// for tests and single-replica deployments.
type Memory struct {
	mu   sync.Mutex
	data map[string]entry

	sweepInterval time.Duration
	logger        *slog.Logger

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewMemory constructs a Memory store. If sweepInterval is positive, a
// background goroutine actively evicts expired entries at that cadence;
// otherwise expiry is purely passive (checked on access).
func NewMemory(sweepInterval time.Duration, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Memory{
		data:          make(map[string]entry),
		sweepInterval: sweepInterval,
		logger:        logger,
		stopSweep:     make(chan struct{}),
	}
	if sweepInterval > 0 {
		go m.sweepLoop()
	}
	return m
}

func (m *Memory) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Memory) sweep() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.data {
		if e.expired(now) {
			delete(m.data, k)
		}
	}
}

func (m *Memory) Write(_ context.Context, key string, value []byte, ttl time.Duration) error {
	cp := make([]byte, len(value))
	copy(cp, value)

	e := entry{value: cp}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = e
	return nil
}

func (m *Memory) Read(_ context.Context, key string, pop bool) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok || e.expired(time.Now()) {
		delete(m.data, key)
		return nil, ErrNotFound
	}
	if pop {
		delete(m.data, key)
	}

	cp := make([]byte, len(e.value))
	copy(cp, e.value)
	return cp, nil
}

func (m *Memory) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if ok && e.expired(time.Now()) {
		delete(m.data, key)
		ok = false
	}
	var old []byte
	if ok {
		old = make([]byte, len(e.value))
		copy(old, e.value)
	}

	newValue, write, err := fn(old, ok)
	if err != nil {
		return err
	}
	if !write {
		return nil
	}

	cp := make([]byte, len(newValue))
	copy(cp, newValue)
	ne := entry{value: cp}
	if ttl > 0 {
		ne.expiresAt = time.Now().Add(ttl)
	}
	m.data[key] = ne
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Keys(_ context.Context) ([]string, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.data))
	for k, e := range m.data {
		if e.expired(now) {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Next returns one live entry chosen uniformly at random, approximating a
// fair rotation without maintaining strict FIFO order.
func (m *Memory) Next(_ context.Context, pop bool) (Entry, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	live := make([]string, 0, len(m.data))
	for k, e := range m.data {
		if !e.expired(now) {
			live = append(live, k)
		}
	}
	if len(live) == 0 {
		return Entry{}, ErrNotFound
	}

	key := live[rand.Intn(len(live))]
	e := m.data[key]
	if pop {
		delete(m.data, key)
	}

	cp := make([]byte, len(e.value))
	copy(cp, e.value)
	return Entry{Key: key, Value: cp}, nil
}

func (m *Memory) Close() error {
	m.sweepOnce.Do(func() {
		if m.sweepInterval > 0 {
			close(m.stopSweep)
		}
	})
	return nil
}
