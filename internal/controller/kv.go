package controller

import (
	"context"
	"errors"
	"time"

	"github.com/dcm-common/orchestra/internal/apperrors"
	"github.com/dcm-common/orchestra/internal/registry"
	"github.com/dcm-common/orchestra/internal/report"
)

// KVConfig configures the generic KV-backed Controller dialect, which
// drives the Queue/Registry abstraction (C2) over any kv.Store backend
// (memory, disk, SQL, HTTP-proxy — spec §4.1).
type KVConfig struct {
	RequeueCap int // 0 = unbounded
}

// KV is a Controller built directly on the Queue/Registry pair (C2),
// suited to single-replica deployments or any of the pluggable kv.Store
// backends that don't need SQLite's literal schema.
type KV struct {
	queue    *registry.Queue
	registry *registry.Registry
	cfg      KVConfig
}

// NewKV constructs a KV-backed Controller over an existing Queue/Registry.
func NewKV(queue *registry.Queue, reg *registry.Registry, cfg KVConfig) *KV {
	return &KV{queue: queue, registry: reg, cfg: cfg}
}

func (k *KV) Close() error { return nil }

func (k *KV) Submit(ctx context.Context, cfg registry.JobConfig) error {
	return k.queue.Enqueue(ctx, cfg)
}

func (k *KV) Lease(ctx context.Context, slot string, ttl time.Duration) (LeasedJob, error) {
	entry, err := k.queue.Lease(ctx, slot, ttl)
	if err != nil {
		return LeasedJob{}, err
	}

	now := time.Now().UTC()
	info := registry.JobInfo{
		Token:          entry.Token,
		Config:         entry.Config,
		Progress:       report.NewProgress(),
		Report:         report.New(entry.Token.Value, entry.Token.Value),
		Status:         report.StatusRunning,
		StartedAt:      &now,
		Owner:          slot,
		LeaseExpiresAt: now.Add(ttl),
	}
	if err := k.registry.CASWrite(ctx, slot, info); err != nil {
		return LeasedJob{}, err
	}
	return LeasedJob{Token: entry.Token.Value, Config: entry.Config}, nil
}

func (k *KV) Refresh(ctx context.Context, token, slot string, ttl time.Duration) error {
	if err := k.queue.Refresh(ctx, token, slot, ttl); err != nil {
		return err
	}
	info, err := k.registry.Get(ctx, token)
	if err != nil {
		return err
	}
	info.LeaseExpiresAt = time.Now().UTC().Add(ttl)
	return k.registry.CASWrite(ctx, slot, info)
}

func (k *KV) Push(ctx context.Context, token, slot string, snapshot report.Report, progress report.Progress) error {
	info, err := k.registry.Get(ctx, token)
	if err != nil {
		return err
	}
	info.Report = snapshot
	info.Progress = progress
	info.Status = progress.Status
	return k.registry.CASWrite(ctx, slot, info)
}

func (k *KV) Complete(ctx context.Context, token, slot string, snapshot report.Report) error {
	info, err := k.registry.Get(ctx, token)
	if err != nil {
		return err
	}
	info.Report = snapshot
	info.Progress = snapshot.Progress
	info.Status = report.StatusCompleted
	if err := k.registry.CASWrite(ctx, slot, info); err != nil {
		return err
	}
	return k.queue.Remove(ctx, token)
}

func (k *KV) Fail(ctx context.Context, token, slot, reason string, requeue bool) error {
	info, err := k.registry.Get(ctx, token)
	if err != nil {
		return err
	}

	if requeue {
		if err := k.queue.Requeue(ctx, token, k.cfg.RequeueCap); err != nil {
			return err
		}
		// Requeue may have hit the cap and removed the entry; check.
		if _, getErr := k.queue.Get(ctx, token); errors.Is(getErr, apperrors.ErrNotFound) {
			requeue = false
		}
	}

	if requeue {
		info.Status = report.StatusQueued
		info.StartedAt = nil
		info.Owner = ""
	} else {
		info.Status = report.StatusAborted
		info.Report.AppendLog(report.LogCategoryError, report.NewLogMessage(slot, reason))
		if err := k.queue.Remove(ctx, token); err != nil {
			return err
		}
	}
	return k.registry.CASWrite(ctx, slot, info)
}

func (k *KV) AbortMark(ctx context.Context, token, reason, origin string, reQueue bool) error {
	if err := k.registry.SetAbortRequested(ctx, token); err != nil {
		return err
	}
	info, err := k.registry.Get(ctx, token)
	if err != nil {
		return err
	}
	info.Report.AppendLog(report.LogCategoryEvent, report.NewLogMessage(origin, "abort: "+reason))

	if reQueue {
		if err := k.queue.Requeue(ctx, token, k.cfg.RequeueCap); err != nil {
			return err
		}
		// Requeue may have hit the cap and removed the entry; fall back to
		// a plain abort in that case, same as Fail does.
		if _, getErr := k.queue.Get(ctx, token); errors.Is(getErr, apperrors.ErrNotFound) {
			reQueue = false
		}
	}

	if reQueue {
		info.Status = report.StatusQueued
		info.StartedAt = nil
		info.Owner = ""
		info.AbortRequested = false
	}
	return k.registry.Put(ctx, info)
}

func (k *KV) GetInfo(ctx context.Context, token string) (registry.JobInfo, error) {
	return k.registry.Get(ctx, token)
}

func (k *KV) Status(ctx context.Context) (Status, error) {
	queueSize, err := k.queue.Size(ctx)
	if err != nil {
		return Status{}, err
	}
	registrySize, err := k.registry.Size(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{QueueSize: queueSize, RegistrySize: registrySize}, nil
}
