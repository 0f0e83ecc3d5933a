// Package worker implements the Worker (C4): a pool of slots, each
// executing one job at a time in an isolated child process, applying
// timeouts, pushing progress to the Registry on an interval, and honoring
// abort signals, per spec §4.4.
package worker

import (
	"context"

	"github.com/dcm-common/orchestra/internal/registry"
	"github.com/dcm-common/orchestra/internal/report"
)

// Spawner abstracts "isolated child process" (spec §5's configurable
// process-creation method). `native` re-invokes the service binary via
// os/exec with no inherited file descriptors; `docker` runs the job in a
// container for stronger isolation; `embedded` runs it on a goroutine
// within the Worker's own process, used by tests and single-binary
// deployments that don't need process-level isolation.
type Spawner interface {
	// Spawn starts execution of callable against cfg, returning a Process
	// handle the Worker slot drives through its lease/push/refresh/abort
	// loop. host identifies where the job is actually executing, recorded
	// on Registry writes and used to address child-job abort cascades.
	Spawn(ctx context.Context, callable string, cfg registry.JobConfig, host string) (Process, error)
}

// Process is a handle to a running job-callable invocation, regardless of
// which isolation mechanism spawned it.
type Process interface {
	// Updates streams Report snapshots as the job progresses. The channel
	// is closed once the process has exited and its final snapshot (if
	// any) has been delivered.
	Updates() <-chan report.Report

	// RequestAbort asks the process to cancel cooperatively. Non-blocking.
	RequestAbort() error

	// Kill hard-terminates the process without waiting for cooperative
	// shutdown, used once abort_grace elapses.
	Kill() error

	// Wait blocks until the process exits, returning its final Report and
	// an error if it crashed or exceeded its timeout. A clean cooperative
	// abort is not itself an error.
	Wait() (report.Report, error)
}
