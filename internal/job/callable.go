// Package job implements the job-callable registry (spec §9,
// "Replacing dynamic dispatch of job callables"): jobs are looked up by a
// registered name in a table {name -> (callable, input schema)} populated
// at startup, rather than any runtime class-based dispatch.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dcm-common/orchestra/internal/jobctx"
)

// Func is a registered job callable. It receives the JobContext (for
// progress/log/data/abort polling) and the validated request body. It
// must poll ctx.AbortRequested() at cooperative checkpoints and return
// promptly once true (spec §5 "Cancellation").
type Func func(ctx context.Context, jc *jobctx.Context, body json.RawMessage) error

// Schema is an opaque JSON Schema document registered with a job callable
// and returned by Lookup. Nothing in this module validates a request body
// against it.
type Schema json.RawMessage

// entry pairs a callable with its declared input schema.
type entry struct {
	fn     Func
	schema Schema
}

// Registry is the process-wide table of registered job callables,
// populated once at startup (spec §9).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty callable registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a callable under name. Re-registering the same name
// replaces the previous entry, which is useful for tests.
func (r *Registry) Register(name string, fn Func, schema Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{fn: fn, schema: schema}
}

// Lookup returns the callable and schema registered under name.
func (r *Registry) Lookup(name string) (Func, Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, nil, fmt.Errorf("job: no callable registered for %q", name)
	}
	return e.fn, e.schema, nil
}

// Names returns the registered callable names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}
