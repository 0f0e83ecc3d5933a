package worker

import (
	"sync"

	"github.com/dcm-common/orchestra/internal/jobctx"
)

// ActiveJobs tracks the JobContext of every job currently executing
// in-process via the EmbeddedSpawner, keyed by token. The Abort
// Coordinator (C7) consults it to flip a job's abort flag immediately
// rather than waiting on the Registry round-trip (spec §4.7 "local
// in-process" path). Jobs running under the native or docker Spawner
// variants never appear here: their only local process is a child the
// Coordinator can't reach directly, so abort for those reaches the
// worker slot solely through the Registry's AbortRequested flag.
type ActiveJobs struct {
	mu    sync.RWMutex
	byTok map[string]*jobctx.Context
}

// NewActiveJobs returns an empty registry.
func NewActiveJobs() *ActiveJobs {
	return &ActiveJobs{byTok: make(map[string]*jobctx.Context)}
}

func (a *ActiveJobs) register(token string, jc *jobctx.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byTok[token] = jc
}

func (a *ActiveJobs) unregister(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byTok, token)
}

// Lookup implements abort.ActiveJobs.
func (a *ActiveJobs) Lookup(token string) (*jobctx.Context, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	jc, ok := a.byTok[token]
	return jc, ok
}
