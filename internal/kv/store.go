// Package kv defines the Store contract shared by every KV-backed
// component (Queue, Registry, Controller) and its backend implementations:
// in-memory, on-disk, SQL, and HTTP-proxied.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Read and Next when no entry is available.
var ErrNotFound = errors.New("kv: key not found")

// ErrCASRejected is returned by Update when the UpdateFunc declines to
// write, typically because it inspected the current value and found it
// already claimed by another caller.
var ErrCASRejected = errors.New("kv: compare-and-swap rejected")

// UpdateFunc inspects the current value at a key (nil, false if absent)
// and decides whether to replace it. Returning write=false leaves the
// key untouched; returning a non-nil error aborts the Update with that
// error and also leaves the key untouched.
type UpdateFunc func(old []byte, exists bool) (newValue []byte, write bool, err error)

// Entry is a single key/value pair returned by Next.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the minimal contract every KV backend must satisfy. All
// operations are serializable within a single backend instance; concurrent
// callers observe linearizable semantics on the same key.
type Store interface {
	// Write idempotently replaces the value at key. A zero ttl means the
	// entry never expires.
	Write(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Read returns the value at key, or ErrNotFound if absent or expired.
	// If pop is true, the read is an atomic read-and-delete.
	Read(ctx context.Context, key string, pop bool) ([]byte, error)

	// Delete idempotently removes key. It is not an error if key is absent.
	Delete(ctx context.Context, key string) error

	// Keys returns the unordered set of live keys.
	Keys(ctx context.Context) ([]string, error)

	// Next returns one entry from a non-deterministic but fair rotation
	// over live keys, or ErrNotFound if the store is empty. If pop is
	// true, the returned entry is also deleted.
	Next(ctx context.Context, pop bool) (Entry, error)

	// Update atomically reads the current value at key and applies fn to
	// it: the read, fn's decision, and any resulting write are a single
	// critical section with respect to every other Write/Update/Delete on
	// the same key, on this backend. Callers use it to implement
	// compare-and-set logic (claim-if-unclaimed, write-if-owner) without
	// a separate read-decide-write race window.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error

	// Close releases any resources held by the backend.
	Close() error
}
