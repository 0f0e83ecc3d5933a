// Package controller implements the Controller (C5): the component that
// coordinates the Queue and Registry with Workers, leasing jobs with a TTL
// lock, refreshing leases, and handing off completion/failure/abort
// transitions. Two dialects share one contract (spec §4.5): a local
// SQLite-backed implementation and a thin HTTP client over the
// Orchestration-Controls API (§6.1).
package controller

import (
	"context"
	"time"

	"github.com/dcm-common/orchestra/internal/registry"
	"github.com/dcm-common/orchestra/internal/report"
)

// LeasedJob is returned by Lease: the token and its immutable JobConfig.
type LeasedJob struct {
	Token  string
	Config registry.JobConfig
}

// Status summarizes Queue/Registry/Controller state for the
// Orchestration-Controls API (spec §6.1 GET /orchestration).
type Status struct {
	QueueSize    int
	RegistrySize int
	Jobs         []string // tokens currently leased
}

// Controller is the contract exposed to Workers (spec §4.5) plus the
// submission and introspection operations needed by the ServiceAdapter and
// the Orchestration-Controls API.
type Controller interface {
	// Submit enqueues a freshly validated JobConfig.
	Submit(ctx context.Context, cfg registry.JobConfig) error

	// Lease claims the oldest eligible Queue entry for slot, or returns
	// ErrNotFound-classified error if nothing is eligible.
	Lease(ctx context.Context, slot string, ttl time.Duration) (LeasedJob, error)

	// Refresh extends slot's lease on token. Returns ErrLeaseLost if the
	// lease was already reassigned.
	Refresh(ctx context.Context, token, slot string, ttl time.Duration) error

	// Push writes an in-flight Report/Progress snapshot to the Registry
	// under slot's lease, without terminating the job.
	Push(ctx context.Context, token, slot string, snapshot report.Report, progress report.Progress) error

	// Complete marks token completed with its final Report and releases
	// the Queue entry.
	Complete(ctx context.Context, token, slot string, snapshot report.Report) error

	// Fail marks token failed. If requeue is true the Queue entry is
	// returned to queued state (bounded by the configured requeue cap);
	// otherwise the Registry is marked aborted with reason logged.
	Fail(ctx context.Context, token, slot, reason string, requeue bool) error

	// AbortMark records an abort request against token, settable from any
	// replica regardless of lease ownership (spec §3 invariant exemption).
	// If reQueue is true the job is not left aborted: its Queue entry is
	// reset and returned to queued state instead (spec §3 invariant 3's
	// running→queued transition), bounded by the same requeue cap Fail's
	// requeue path uses. If the cap is already hit, AbortMark falls back
	// to a plain abort.
	AbortMark(ctx context.Context, token, reason, origin string, reQueue bool) error

	// GetInfo reads the current Registry record for token.
	GetInfo(ctx context.Context, token string) (registry.JobInfo, error)

	// Status summarizes current Queue/Registry/lease state.
	Status(ctx context.Context) (Status, error)

	// Close releases resources held by the Controller.
	Close() error
}
