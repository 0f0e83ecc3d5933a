// Package registry implements the Queue and Registry KV-backed stores (C2):
// the Queue holds pending JobConfig records keyed by token, the Registry
// holds JobInfo records (status, report, metadata) keyed by token. Both
// wrap a kv.Store and add the domain-specific envelope, TTL policy, and
// CAS-guarded writes described in spec §3/§4.2.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/dcm-common/orchestra/internal/apperrors"
	"github.com/dcm-common/orchestra/internal/kv"
	"github.com/dcm-common/orchestra/internal/report"
)

// JobConfig is the immutable payload enqueued for a job, per spec §3.
type JobConfig struct {
	OriginalBody json.RawMessage   `json:"original_body,omitempty"`
	RequestBody  json.RawMessage   `json:"request_body"`
	Properties   map[string]any    `json:"properties,omitempty"`
	Token        report.Token      `json:"token"`
	CallbackURL  string            `json:"callback_url,omitempty"`
}

// QueueEntry is the Queue-side envelope around a JobConfig.
type QueueEntry struct {
	Token        report.Token `json:"token"`
	Config       JobConfig    `json:"config"`
	EnqueuedAt   time.Time    `json:"enqueued_at"`
	LeaseOwner   string       `json:"lease_owner,omitempty"`
	LeaseExpires time.Time    `json:"lease_expires_at,omitempty"`
	RequeueCount int          `json:"requeue_count"`
}

// Leased reports whether the entry currently has a non-expired lease.
func (q QueueEntry) Leased(now time.Time) bool {
	return q.LeaseOwner != "" && q.LeaseExpires.After(now)
}

// JobInfo is the Registry record for a token: status, report, and ownership
// metadata per spec §3. Mutated only by the worker holding the lease.
type JobInfo struct {
	Token          report.Token   `json:"token"`
	Host           string         `json:"host"`
	Config         JobConfig      `json:"config"`
	Progress       report.Progress `json:"progress"`
	Report         report.Report  `json:"report"`
	Status         report.Status  `json:"status"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Owner          string         `json:"owner,omitempty"`
	LeaseExpiresAt time.Time      `json:"lease_expires_at,omitempty"`
	AbortRequested bool           `json:"abort_requested,omitempty"`
}

// Queue holds pending JobConfig records keyed by token.
type Queue struct {
	store   kv.Store
	lockTTL time.Duration
}

// NewQueue wraps store as a Queue with the given lock TTL: an abandoned
// lease (never refreshed) expires after lockTTL, making the entry eligible
// for re-lease again.
func NewQueue(store kv.Store, lockTTL time.Duration) *Queue {
	return &Queue{store: store, lockTTL: lockTTL}
}

// Enqueue writes a freshly submitted JobConfig to the Queue.
func (q *Queue) Enqueue(ctx context.Context, cfg JobConfig) error {
	entry := QueueEntry{
		Token:      cfg.Token,
		Config:     cfg,
		EnqueuedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return apperrors.Internal("registry.enqueue.marshal", err)
	}
	ttl := time.Duration(0)
	if cfg.Token.Expires && cfg.Token.ExpiresAt != nil {
		ttl = time.Until(*cfg.Token.ExpiresAt)
	}
	if err := q.store.Write(ctx, cfg.Token.Value, raw, ttl); err != nil {
		return apperrors.BackendUnavailable("registry.enqueue", err)
	}
	return nil
}

// Get reads the QueueEntry for token without removing it.
func (q *Queue) Get(ctx context.Context, token string) (QueueEntry, error) {
	raw, err := q.store.Read(ctx, token, false)
	if err != nil {
		if err == kv.ErrNotFound {
			return QueueEntry{}, apperrors.NotFound("queue entry", token)
		}
		return QueueEntry{}, apperrors.BackendUnavailable("registry.queue.get", err)
	}
	var entry QueueEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return QueueEntry{}, apperrors.Internal("registry.queue.get.unmarshal", err)
	}
	return entry, nil
}

// Size returns the number of entries currently in the Queue.
func (q *Queue) Size(ctx context.Context) (int, error) {
	keys, err := q.store.Keys(ctx)
	if err != nil {
		return 0, apperrors.BackendUnavailable("registry.queue.size", err)
	}
	return len(keys), nil
}

// Tokens returns all tokens currently queued.
func (q *Queue) Tokens(ctx context.Context) ([]string, error) {
	keys, err := q.store.Keys(ctx)
	if err != nil {
		return nil, apperrors.BackendUnavailable("registry.queue.tokens", err)
	}
	return keys, nil
}

// Lease attempts to claim the oldest eligible entry (never leased, or whose
// lease has expired), tie-broken by token lexicographic order, per spec
// §4.5 "Fair dispatch". Returns kv.ErrNotFound when nothing is eligible.
//
// The scan that ranks candidates is not itself atomic (Keys+Read still
// span multiple calls), but the claim of whichever candidate is picked is:
// each attempt goes through store.Update, which re-checks the lease state
// under the backend's own per-key critical section immediately before
// writing. A candidate another caller claims in the gap between the scan
// and the claim attempt is rejected instead of overwritten, and Lease
// falls through to the next-best candidate rather than failing outright.
func (q *Queue) Lease(ctx context.Context, owner string, ttl time.Duration) (QueueEntry, error) {
	keys, err := q.store.Keys(ctx)
	if err != nil {
		return QueueEntry{}, apperrors.BackendUnavailable("registry.queue.lease", err)
	}
	now := time.Now().UTC()

	candidates := make([]QueueEntry, 0, len(keys))
	for _, key := range keys {
		raw, err := q.store.Read(ctx, key, false)
		if err != nil {
			continue
		}
		var entry QueueEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		if entry.Leased(now) {
			continue
		}
		candidates = append(candidates, entry)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].EnqueuedAt.Equal(candidates[j].EnqueuedAt) {
			return candidates[i].EnqueuedAt.Before(candidates[j].EnqueuedAt)
		}
		return candidates[i].Token.Value < candidates[j].Token.Value
	})

	for _, candidate := range candidates {
		claimed, err := q.claim(ctx, candidate.Token.Value, owner, ttl, now)
		if err != nil {
			if errors.Is(err, kv.ErrCASRejected) {
				continue
			}
			return QueueEntry{}, err
		}
		return claimed, nil
	}
	return QueueEntry{}, kv.ErrNotFound
}

// claim atomically re-validates and leases a single candidate token,
// failing with kv.ErrCASRejected if it was already leased or removed
// since the caller last read it.
func (q *Queue) claim(ctx context.Context, token, owner string, ttl time.Duration, now time.Time) (QueueEntry, error) {
	var claimed QueueEntry
	err := q.store.Update(ctx, token, q.lockTTL, func(old []byte, exists bool) ([]byte, bool, error) {
		if !exists {
			return nil, false, kv.ErrCASRejected
		}
		var entry QueueEntry
		if err := json.Unmarshal(old, &entry); err != nil {
			return nil, false, apperrors.Internal("registry.queue.lease.unmarshal", err)
		}
		if entry.Leased(now) {
			return nil, false, kv.ErrCASRejected
		}
		entry.LeaseOwner = owner
		entry.LeaseExpires = now.Add(ttl)
		raw, err := json.Marshal(entry)
		if err != nil {
			return nil, false, apperrors.Internal("registry.queue.lease.marshal", err)
		}
		claimed = entry
		return raw, true, nil
	})
	if err != nil {
		if errors.Is(err, kv.ErrCASRejected) {
			return QueueEntry{}, err
		}
		return QueueEntry{}, apperrors.BackendUnavailable("registry.queue.lease.claim", err)
	}
	return claimed, nil
}

// Refresh extends an existing lease. Returns apperrors.ErrLeaseLost if owner
// no longer holds the lease (another worker leased it after expiry).
func (q *Queue) Refresh(ctx context.Context, token, owner string, ttl time.Duration) error {
	entry, err := q.Get(ctx, token)
	if err != nil {
		return err
	}
	if entry.LeaseOwner != owner {
		return apperrors.LeaseLost(token)
	}
	entry.LeaseExpires = time.Now().UTC().Add(ttl)
	raw, err := json.Marshal(entry)
	if err != nil {
		return apperrors.Internal("registry.queue.refresh.marshal", err)
	}
	return q.store.Write(ctx, token, raw, q.lockTTL)
}

// Requeue clears the lease on an entry and bumps its requeue count so the
// entry is eligible for the next lease attempt; the Registry record's
// status is left to the caller. Capped by maxRequeues (0 = unbounded):
// when this requeue would bring the count to maxRequeues, the entry is
// removed instead.
func (q *Queue) Requeue(ctx context.Context, token string, maxRequeues int) error {
	entry, err := q.Get(ctx, token)
	if err != nil {
		return err
	}
	if maxRequeues > 0 && entry.RequeueCount+1 >= maxRequeues {
		return q.Remove(ctx, token)
	}
	entry.LeaseOwner = ""
	entry.LeaseExpires = time.Time{}
	entry.RequeueCount++
	raw, err := json.Marshal(entry)
	if err != nil {
		return apperrors.Internal("registry.queue.requeue.marshal", err)
	}
	return q.store.Write(ctx, token, raw, 0)
}

// Remove deletes a token from the Queue, e.g. once it has moved to a
// terminal Registry state.
func (q *Queue) Remove(ctx context.Context, token string) error {
	if err := q.store.Delete(ctx, token); err != nil {
		return apperrors.BackendUnavailable("registry.queue.remove", err)
	}
	return nil
}

// Registry holds JobInfo records keyed by token.
type Registry struct {
	store    kv.Store
	tokenTTL time.Duration
}

// NewRegistry wraps store as a Registry with the given token TTL (0 = ∞).
func NewRegistry(store kv.Store, tokenTTL time.Duration) *Registry {
	return &Registry{store: store, tokenTTL: tokenTTL}
}

// Put writes info unconditionally (used on initial registration when no
// lease contention is possible yet).
func (r *Registry) Put(ctx context.Context, info JobInfo) error {
	info.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(info)
	if err != nil {
		return apperrors.Internal("registry.put.marshal", err)
	}
	if err := r.store.Write(ctx, info.Token.Value, raw, r.tokenTTL); err != nil {
		return apperrors.BackendUnavailable("registry.put", err)
	}
	return nil
}

// Get reads the JobInfo for token, or apperrors-classified NotFound.
func (r *Registry) Get(ctx context.Context, token string) (JobInfo, error) {
	raw, err := r.store.Read(ctx, token, false)
	if err != nil {
		if err == kv.ErrNotFound {
			return JobInfo{}, apperrors.NotFound("job", token)
		}
		return JobInfo{}, apperrors.BackendUnavailable("registry.get", err)
	}
	var info JobInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return JobInfo{}, apperrors.Internal("registry.get.unmarshal", err)
	}
	return info, nil
}

// CASWrite writes info only if the caller's leaseOwner still matches the
// currently stored owner, or no record exists yet — that first-registration
// case is itself compare-and-set (claims the record iff it still doesn't
// exist by the time the write lands), not an unconditional Put, so two
// callers racing to register the same token cannot both win. Returns
// apperrors.ErrLeaseLost on mismatch, per spec §4.2's CAS guard.
func (r *Registry) CASWrite(ctx context.Context, leaseOwner string, info JobInfo) error {
	info.UpdatedAt = time.Now().UTC()
	info.Owner = leaseOwner

	err := r.store.Update(ctx, info.Token.Value, r.tokenTTL, func(old []byte, exists bool) ([]byte, bool, error) {
		if exists {
			var existing JobInfo
			if err := json.Unmarshal(old, &existing); err != nil {
				return nil, false, apperrors.Internal("registry.cas.unmarshal", err)
			}
			if existing.Owner != "" && existing.Owner != leaseOwner {
				return nil, false, apperrors.LeaseLost(info.Token.Value)
			}
		}
		raw, err := json.Marshal(info)
		if err != nil {
			return nil, false, apperrors.Internal("registry.cas.marshal", err)
		}
		return raw, true, nil
	})
	if err != nil {
		return err
	}
	return nil
}

// Size returns the number of entries currently in the Registry.
func (r *Registry) Size(ctx context.Context) (int, error) {
	keys, err := r.store.Keys(ctx)
	if err != nil {
		return 0, apperrors.BackendUnavailable("registry.size", err)
	}
	return len(keys), nil
}

// SetAbortRequested flags a registry record for cooperative abort. This is
// the one mutation the CAS guard exempts (spec §3 JobInfo: "except
// abort-flag writes"), since any replica handling the abort call may not
// hold the job's lease.
func (r *Registry) SetAbortRequested(ctx context.Context, token string) error {
	info, err := r.Get(ctx, token)
	if err != nil {
		return err
	}
	info.AbortRequested = true
	return r.Put(ctx, info)
}
