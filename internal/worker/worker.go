package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dcm-common/orchestra/internal/apperrors"
	"github.com/dcm-common/orchestra/internal/controller"
	"github.com/dcm-common/orchestra/internal/daemon"
	"github.com/dcm-common/orchestra/internal/dispatcher"
	"github.com/dcm-common/orchestra/internal/kv"
	"github.com/dcm-common/orchestra/internal/observability"
	"github.com/dcm-common/orchestra/internal/report"
	"github.com/dcm-common/orchestra/pkg/cloudevent"
	"github.com/google/uuid"
)

// Config governs every slot's lease loop (spec §4.4).
type Config struct {
	Slots                int
	Controller           controller.Controller
	Spawner              Spawner
	LockTTL              time.Duration // passed to Controller.Lease
	WorkerInterval       time.Duration // how long Lease blocks before retrying when empty
	RegistryPushInterval time.Duration
	LockRefreshInterval  time.Duration
	MessageInterval      time.Duration // abort-flag poll cadence
	AbortGrace           time.Duration // cooperative-to-hard-kill grace period
	ProcessTimeout       time.Duration // 0 = unbounded
	CallableProperty     string        // JobConfig.Properties key naming the job callable, default "callable"
	Requeue              bool          // requeue policy applied on crash/timeout without explicit abort
	Logger               *slog.Logger
	Metrics              *observability.Metrics // optional
	Dispatcher           dispatcher.Dispatcher  // optional, delivers JobConfig.CallbackURL on termination
}

// Pool runs Config.Slots independent lease loops, each wrapped in its own
// Daemon so a panicking slot restarts without taking down the others
// (spec §4.4, §4.6).
type Pool struct {
	cfg     Config
	logger  *slog.Logger
	daemons []*daemon.Daemon
}

// New constructs a Pool. Call Start to begin leasing.
func New(cfg Config) *Pool {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.WorkerInterval <= 0 {
		cfg.WorkerInterval = time.Second
	}
	if cfg.RegistryPushInterval <= 0 {
		cfg.RegistryPushInterval = 2 * time.Second
	}
	if cfg.LockRefreshInterval <= 0 {
		cfg.LockRefreshInterval = cfg.LockTTL / 2
	}
	if cfg.MessageInterval <= 0 {
		cfg.MessageInterval = 500 * time.Millisecond
	}
	if cfg.AbortGrace <= 0 {
		cfg.AbortGrace = 5 * time.Second
	}
	if cfg.CallableProperty == "" {
		cfg.CallableProperty = "callable"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{cfg: cfg, logger: cfg.Logger}
}

// Start launches one Daemon-supervised slot per configured slot count.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Slots; i++ {
		slot := &slotWorker{id: slotID(i), cfg: p.cfg, logger: p.logger}
		d := daemon.New(slot.id, p.logger)
		d.Start(func() error { return slot.runOnce(ctx) }, 0, true)
		p.daemons = append(p.daemons, d)
	}
}

// Stop gracefully stops every slot, waiting up to timeout each.
func (p *Pool) Stop(timeout time.Duration) {
	for _, d := range p.daemons {
		d.StopTimeout(timeout)
	}
}

// PoolStatus summarizes the Worker pool for the Orchestration-Controls API
// (spec §6.1 GET /orchestration "orchestrator" field).
type PoolStatus struct {
	Ready   bool
	Idle    bool
	Running bool
	Slots   int
}

// Status reports whether the pool is active, and how many of its slots are
// currently supervising a lease loop.
func (p *Pool) Status() PoolStatus {
	running := 0
	for _, d := range p.daemons {
		if d.Status().Running {
			running++
		}
	}
	return PoolStatus{
		Ready:   len(p.daemons) > 0,
		Idle:    running == 0,
		Running: running > 0,
		Slots:   len(p.daemons),
	}
}

func slotID(i int) string {
	return "slot-" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

// slotWorker runs one lease/execute/release cycle at a time.
type slotWorker struct {
	id     string
	cfg    Config
	logger *slog.Logger
}

// runOnce leases at most one job and drives it to a terminal state before
// returning. The Daemon wrapping it calls runOnce again immediately (it
// is supervised with interval 0, daemon=true) so the slot is always
// either leasing or executing.
func (s *slotWorker) runOnce(ctx context.Context) error {
	leased, err := s.cfg.Controller.Lease(ctx, s.id, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) || errors.Is(err, apperrors.ErrNotFound) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.WorkerInterval):
			}
			return nil
		}
		return err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordJobLeased(ctx)
	}
	s.execute(ctx, leased)
	return nil
}

func (s *slotWorker) execute(ctx context.Context, leased controller.LeasedJob) {
	callable, _ := leased.Config.Properties[s.cfg.CallableProperty].(string)
	if callable == "" {
		callable = "demo"
	}

	procCtx := ctx
	var cancelTimeout context.CancelFunc
	if s.cfg.ProcessTimeout > 0 {
		procCtx, cancelTimeout = context.WithTimeout(ctx, s.cfg.ProcessTimeout)
		defer cancelTimeout()
	}

	host := s.id
	proc, err := s.cfg.Spawner.Spawn(procCtx, callable, leased.Config, host)
	if err != nil {
		s.logger.Error("worker: spawn failed", "slot", s.id, "token", leased.Token, "error", err)
		_ = s.cfg.Controller.Fail(ctx, leased.Token, s.id, err.Error(), s.cfg.Requeue)
		return
	}

	pushTicker := time.NewTicker(s.cfg.RegistryPushInterval)
	refreshTicker := time.NewTicker(s.cfg.LockRefreshInterval)
	abortTicker := time.NewTicker(s.cfg.MessageInterval)
	defer pushTicker.Stop()
	defer refreshTicker.Stop()
	defer abortTicker.Stop()

	var latest report.Report
	abortSent := false
	var abortDeadline <-chan time.Time

	for {
		select {
		case snapshot, ok := <-proc.Updates():
			if !ok {
				s.finish(ctx, leased, proc)
				return
			}
			latest = snapshot

		case <-pushTicker.C:
			if err := s.cfg.Controller.Push(ctx, leased.Token, s.id, latest, latest.Progress); err != nil {
				s.logger.Warn("worker: push failed", "slot", s.id, "token", leased.Token, "error", err)
			}

		case <-refreshTicker.C:
			if err := s.cfg.Controller.Refresh(ctx, leased.Token, s.id, s.cfg.LockTTL); err != nil {
				s.logger.Error("worker: lease refresh failed, killing job", "slot", s.id, "token", leased.Token, "error", err)
				if s.cfg.Metrics != nil {
					s.cfg.Metrics.RecordLeaseRefreshFailure(ctx)
				}
				_ = proc.Kill()
				for range proc.Updates() {
					// drain until the process goroutine closes it; the
					// final snapshot is irrelevant, the lease is already gone.
				}
				// Per spec §4.4 "lease refresh failure aborts the job
				// immediately without re-queue (another worker will pick
				// it up)": no Fail call here. Another replica's lease
				// on the Queue is authoritative once ours expired.
				return
			}

		case <-abortTicker.C:
			if !abortSent {
				info, err := s.cfg.Controller.GetInfo(ctx, leased.Token)
				if err == nil && info.AbortRequested {
					abortSent = true
					_ = proc.RequestAbort()
					abortDeadline = time.After(s.cfg.AbortGrace)
				}
			}

		case <-abortDeadline:
			_ = proc.Kill()

		case <-ctx.Done():
			_ = proc.Kill()
			return
		}
	}
}

func (s *slotWorker) finish(ctx context.Context, leased controller.LeasedJob, proc Process) {
	final, err := proc.Wait()
	if err != nil {
		s.logger.Error("worker: job failed", "slot", s.id, "token", leased.Token, "error", err)
		_ = s.cfg.Controller.Fail(ctx, leased.Token, s.id, err.Error(), s.cfg.Requeue)
		s.recordRequeue(ctx)
		if !s.cfg.Requeue {
			s.deliverCallback(leased)
		}
		return
	}

	switch final.Progress.Status {
	case report.StatusCompleted:
		if err := s.cfg.Controller.Complete(ctx, leased.Token, s.id, final); err != nil {
			s.logger.Error("worker: complete failed", "slot", s.id, "token", leased.Token, "error", err)
		}
		s.deliverCallback(leased)
	case report.StatusAborted:
		if err := s.cfg.Controller.Fail(ctx, leased.Token, s.id, final.Progress.Verbose, false); err != nil {
			s.logger.Error("worker: abort-fail failed", "slot", s.id, "token", leased.Token, "error", err)
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordJobAborted(ctx)
		}
		s.deliverCallback(leased)
	default:
		// Process exited without reaching a terminal Progress status
		// (e.g. killed mid-flight); treat as a crash subject to requeue
		// policy.
		if err := s.cfg.Controller.Fail(ctx, leased.Token, s.id, "worker exited without terminal status", s.cfg.Requeue); err != nil {
			s.logger.Error("worker: crash-fail failed", "slot", s.id, "token", leased.Token, "error", err)
		}
		s.recordRequeue(ctx)
		if !s.cfg.Requeue {
			s.deliverCallback(leased)
		}
	}
}

// deliverCallback dispatches a termination callback carrying the job's
// Token to JobConfig.CallbackURL, if one was given at submission (spec
// §6.2 "Callback POST <callbackUrl> with JobToken on termination").
func (s *slotWorker) deliverCallback(leased controller.LeasedJob) {
	if s.cfg.Dispatcher == nil || leased.Config.CallbackURL == "" {
		return
	}
	token := leased.Config.Token
	data := map[string]any{"value": token.Value, "expires": token.Expires}
	if token.ExpiresAt != nil {
		data["expiresAt"] = token.ExpiresAt.Format(time.RFC3339)
	}
	event := cloudevent.New("orchestra.job.terminated", "orchestra/worker/"+s.id, leased.Token, uuid.NewString(), data)
	if err := s.cfg.Dispatcher.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: leased.Config.CallbackURL,
	}); err != nil {
		s.logger.Warn("worker: callback dispatch failed", "slot", s.id, "token", leased.Token, "error", err)
	}
}

func (s *slotWorker) recordRequeue(ctx context.Context) {
	if s.cfg.Metrics != nil && s.cfg.Requeue {
		s.cfg.Metrics.RecordJobRequeued(ctx)
	}
}
