package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/dcm-common/orchestra/internal/job"
	"github.com/dcm-common/orchestra/internal/jobctx"
	"github.com/dcm-common/orchestra/internal/registry"
	"github.com/dcm-common/orchestra/internal/report"
)

// EmbeddedSpawner runs job callables on a goroutine within the Worker's
// own process rather than forking a child process. It trades the crash
// isolation spec §4.4 asks for against simplicity, and is the Spawner
// used by tests and single-binary deployments where the registered
// callables are trusted code, not arbitrary user payloads.
type EmbeddedSpawner struct {
	callables *job.Registry
	active    *ActiveJobs // optional, registers each spawned JobContext for local abort lookup
}

// NewEmbeddedSpawner constructs a Spawner dispatching through callables.
// active may be nil, in which case the Abort Coordinator's local
// in-process path is unavailable and abort relies on Registry polling.
func NewEmbeddedSpawner(callables *job.Registry, active *ActiveJobs) *EmbeddedSpawner {
	return &EmbeddedSpawner{callables: callables, active: active}
}

type embeddedProcess struct {
	jc      *jobctx.Context
	updates chan report.Report
	done    chan struct{}
	final   report.Report
	err     error
	cancel  context.CancelFunc
}

// channelFlusher relays JobContext.Push snapshots onto a Process's
// Updates channel instead of writing straight to the Registry; the
// Worker slot owns the actual Registry write so it can apply the CAS
// lease id.
type channelFlusher struct{ ch chan report.Report }

func (f channelFlusher) Flush(token, leaseOwner string, snapshot report.Report, progress report.Progress, status report.Status) error {
	select {
	case f.ch <- snapshot:
	default:
		// Drop if the slot hasn't drained the last push yet; the next
		// push carries a superseding snapshot anyway.
	}
	return nil
}

// Spawn runs the named callable on a new goroutine, wiring its JobContext
// to stream Report snapshots back through the returned Process.
func (s *EmbeddedSpawner) Spawn(ctx context.Context, callable string, cfg registry.JobConfig, host string) (Process, error) {
	fn, _, err := s.callables.Lookup(callable)
	if err != nil {
		return nil, err
	}

	childCtx, cancel := context.WithCancel(ctx)
	updates := make(chan report.Report, 1)
	jc := jobctx.New(cfg.Token.Value, host, "", 0, channelFlusher{ch: updates})

	p := &embeddedProcess{jc: jc, updates: updates, done: make(chan struct{}), cancel: cancel}

	if s.active != nil {
		s.active.register(cfg.Token.Value, jc)
	}

	go func() {
		defer close(p.done)
		defer cancel()
		defer func() {
			if s.active != nil {
				s.active.unregister(cfg.Token.Value)
			}
			if r := recover(); r != nil {
				p.err = fmt.Errorf("worker: job callable panicked: %v", r)
				jc.SetProgress(report.StatusAborted, "panic", jc.Progress().Numeric)
				jc.Log(report.LogCategoryError, "worker", p.err.Error())
			}
			_ = jc.Push(true)
			p.final = jc.Snapshot()
			close(updates)
		}()

		jc.SetProgress(report.StatusRunning, "", 0)
		if err := fn(childCtx, jc, cfg.RequestBody); err != nil {
			if errors.Is(childCtx.Err(), context.Canceled) && jc.AbortRequested() {
				jc.SetProgress(report.StatusAborted, err.Error(), jc.Progress().Numeric)
				return
			}
			p.err = err
			jc.SetProgress(report.StatusAborted, err.Error(), jc.Progress().Numeric)
			jc.Log(report.LogCategoryError, "worker", err.Error())
			return
		}
		if jc.Progress().Status == report.StatusRunning {
			jc.SetProgress(report.StatusCompleted, "", 100)
		}
	}()

	return p, nil
}

func (p *embeddedProcess) Updates() <-chan report.Report { return p.updates }

func (p *embeddedProcess) RequestAbort() error {
	p.jc.RequestAbort()
	return nil
}

func (p *embeddedProcess) Kill() error {
	p.cancel()
	return nil
}

func (p *embeddedProcess) Wait() (report.Report, error) {
	<-p.done
	return p.final, p.err
}
