// Package jobctx implements the JobContext (C3): the thread-safe runtime
// handle a Worker hands to a job callable. It owns the mutable Report
// buffer, debounces flushes to the Registry, carries the cooperative abort
// flag, and tracks child job handles, per spec §4.3.
package jobctx

import (
	"sync"
	"time"

	"github.com/dcm-common/orchestra/internal/report"
)

// Flusher pushes a Report snapshot to the Registry under CAS guard. Workers
// supply the concrete implementation (wrapping internal/registry.Registry).
type Flusher interface {
	Flush(token string, leaseOwner string, snapshot report.Report, progress report.Progress, status report.Status) error
}

// ChildJob is a handle to a job spawned by the current job, addressed by
// host-qualified identifier rather than object reference (spec §9: "cycles
// are impossible by construction").
type ChildJob struct {
	Token          string
	Host           string
	Timeout        time.Duration
	LatestSnapshot *report.Report // copied into the parent's Report by the Abort Coordinator before the cascade
}

// Context is the per-job runtime handle created inside a Worker once a
// lease is won. Report, push, children.add, and the job callable itself
// never interleave mutations of the Report: they all go through mu.
type Context struct {
	mu sync.Mutex

	token      string
	host       string
	leaseOwner string

	report   report.Report
	progress report.Progress

	children []ChildJob

	abortRequested bool

	flusher       Flusher
	pushInterval  time.Duration
	lastFlush     time.Time
}

// New creates a Context for token running on host, owned by leaseOwner.
func New(token, host, leaseOwner string, pushInterval time.Duration, flusher Flusher) *Context {
	return &Context{
		token:        token,
		host:         host,
		leaseOwner:   leaseOwner,
		report:       report.New(host, token),
		progress:     report.NewProgress(),
		flusher:      flusher,
		pushInterval: pushInterval,
	}
}

// Log appends a log message under category. Safe for concurrent use.
func (c *Context) Log(category report.LogCategory, origin, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.AppendLog(category, report.NewLogMessage(origin, body))
}

// SetProgress updates status/verbose/numeric. Numeric is clamped to
// [0,100] and, while status is running, is never allowed to regress
// (invariant 4: progress is non-decreasing while running).
func (c *Context) SetProgress(status report.Status, verbose string, numeric int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if status == report.StatusRunning && numeric < c.progress.Numeric {
		numeric = c.progress.Numeric
	}
	c.progress = report.Progress{Status: status, Verbose: verbose, Numeric: numeric}
	c.progress.Clamp()
	c.report.Progress = c.progress
}

// Progress returns a copy of the current progress.
func (c *Context) Progress() report.Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// SetData attaches the job's opaque result payload to the Report.
func (c *Context) SetData(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report.SetData(v)
}

// AddChild registers a child job handle.
func (c *Context) AddChild(child ChildJob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children = append(c.children, child)
}

// Children returns a copy of the registered child handles.
func (c *Context) Children() []ChildJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChildJob, len(c.children))
	copy(out, c.children)
	return out
}

// SetChildReport records a child's latest Report snapshot under the
// parent's Report.Children, keyed by its ReportIdentifier.
func (c *Context) SetChildReport(token, host string, child report.Report) {
	id, err := report.NewIdentifier(token, host)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.SetChild(id, child)
}

// RequestAbort sets the cooperative abort flag. Idempotent.
func (c *Context) RequestAbort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortRequested = true
}

// AbortRequested reports whether abort has been requested. Job callables
// must poll this at cooperative checkpoints (spec §5 "Cancellation").
func (c *Context) AbortRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortRequested
}

// Snapshot returns a copy of the current Report.
func (c *Context) Snapshot() report.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}

// Push flushes the current Report/Progress to the Registry. If force is
// false, the flush is debounced by pushInterval unless no flush has
// happened yet (spec §4.3: "debounced by registry_push_interval unless
// forced").
func (c *Context) Push(force bool) error {
	c.mu.Lock()
	if !force && !c.lastFlush.IsZero() && time.Since(c.lastFlush) < c.pushInterval {
		c.mu.Unlock()
		return nil
	}
	snapshot := c.report
	progress := c.progress
	status := progress.Status
	c.lastFlush = time.Now()
	c.mu.Unlock()

	if c.flusher == nil {
		return nil
	}
	return c.flusher.Flush(c.token, c.leaseOwner, snapshot, progress, status)
}

// Token returns the job's token value.
func (c *Context) Token() string { return c.token }

// Host returns the host this job is executing on.
func (c *Context) Host() string { return c.host }
