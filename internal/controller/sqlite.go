package controller

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dcm-common/orchestra/internal/apperrors"
	"github.com/dcm-common/orchestra/internal/registry"
	"github.com/dcm-common/orchestra/internal/report"
)

// jobState mirrors the `state` column of the jobs table.
type jobState string

const (
	stateQueued    jobState = "queued"
	stateRunning   jobState = "running"
	stateCompleted jobState = "completed"
	stateAborted   jobState = "aborted"
)

// SQLiteConfig configures the local Controller dialect (spec §4.5, §6.6).
type SQLiteConfig struct {
	DSN          string        // e.g. "file:/data/orchestra.db?_journal=WAL"
	LockTTL      time.Duration // default: 30s
	TokenTTL     time.Duration // default: 0 (no expiry)
	MessageTTL   time.Duration // default: 5m
	RequeueCap   int           // 0 = unbounded (spec Open Question (a))
}

func (c SQLiteConfig) withDefaults() SQLiteConfig {
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = 5 * time.Minute
	}
	return c
}

// SQLite is the local Controller dialect: Queue and Registry implemented
// atop a SQLite `jobs` table, with a `messages` table for abort pub/sub
// bookkeeping. Exclusivity is enforced by
// `UPDATE ... WHERE lease_owner = ? AND lease_expires_at > ?` (spec §4.5).
type SQLite struct {
	db  *sql.DB
	cfg SQLiteConfig
}

// OpenSQLite opens (creating if absent) the SQLite-backed Controller
// storage and migrates the jobs/messages schema.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	cfg = cfg.withDefaults()
	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, apperrors.BackendUnavailable("controller.sqlite.open", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	s := &SQLite{db: db, cfg: cfg}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	token TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	payload TEXT NOT NULL,
	lease_owner TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMP,
	report_blob TEXT NOT NULL DEFAULT '{}',
	requeue_count INTEGER NOT NULL DEFAULT 0,
	abort_requested INTEGER NOT NULL DEFAULT 0,
	abort_reason TEXT NOT NULL DEFAULT '',
	enqueued_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	topic TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return apperrors.Internal("controller.sqlite.migrate", err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Submit(ctx context.Context, cfg registry.JobConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return apperrors.Internal("controller.sqlite.submit.marshal", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (token, state, payload, enqueued_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		cfg.Token.Value, stateQueued, string(payload), now, now,
	)
	if err != nil {
		return apperrors.BackendUnavailable("controller.sqlite.submit", err)
	}
	return nil
}

func (s *SQLite) Lease(ctx context.Context, slot string, ttl time.Duration) (LeasedJob, error) {
	now := time.Now().UTC()

	row := s.db.QueryRowContext(ctx, `
		SELECT token, payload FROM jobs
		WHERE state = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		ORDER BY enqueued_at ASC, token ASC
		LIMIT 1`, stateQueued, now)

	var token, payload string
	if err := row.Scan(&token, &payload); err != nil {
		if err == sql.ErrNoRows {
			return LeasedJob{}, apperrors.NotFound("queue entry", "")
		}
		return LeasedJob{}, apperrors.BackendUnavailable("controller.sqlite.lease.scan", err)
	}

	leaseExpires := now.Add(ttl)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, lease_owner = ?, lease_expires_at = ?, updated_at = ?
		WHERE token = ? AND state = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)`,
		stateRunning, slot, leaseExpires, now, token, stateQueued, now,
	)
	if err != nil {
		return LeasedJob{}, apperrors.BackendUnavailable("controller.sqlite.lease.claim", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Another worker won the race between SELECT and UPDATE.
		return LeasedJob{}, apperrors.NotFound("queue entry", "")
	}

	var cfg registry.JobConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return LeasedJob{}, apperrors.Internal("controller.sqlite.lease.unmarshal", err)
	}
	return LeasedJob{Token: token, Config: cfg}, nil
}

func (s *SQLite) Refresh(ctx context.Context, token, slot string, ttl time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?, updated_at = ?
		WHERE token = ? AND lease_owner = ? AND lease_expires_at > ?`,
		now.Add(ttl), now, token, slot, now,
	)
	if err != nil {
		return apperrors.BackendUnavailable("controller.sqlite.refresh", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.LeaseLost(token)
	}
	return nil
}

func (s *SQLite) Push(ctx context.Context, token, slot string, snapshot report.Report, progress report.Progress) error {
	blob, err := json.Marshal(snapshot)
	if err != nil {
		return apperrors.Internal("controller.sqlite.push.marshal", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET report_blob = ?, updated_at = ?
		WHERE token = ? AND lease_owner = ? AND lease_expires_at > ?`,
		string(blob), now, token, slot, now,
	)
	if err != nil {
		return apperrors.BackendUnavailable("controller.sqlite.push", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.LeaseLost(token)
	}
	return nil
}

func (s *SQLite) Complete(ctx context.Context, token, slot string, snapshot report.Report) error {
	blob, err := json.Marshal(snapshot)
	if err != nil {
		return apperrors.Internal("controller.sqlite.complete.marshal", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, report_blob = ?, lease_owner = '', lease_expires_at = NULL, updated_at = ?
		WHERE token = ? AND lease_owner = ? AND lease_expires_at > ?`,
		stateCompleted, string(blob), now, token, slot, now,
	)
	if err != nil {
		return apperrors.BackendUnavailable("controller.sqlite.complete", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.LeaseLost(token)
	}
	return nil
}

func (s *SQLite) Fail(ctx context.Context, token, slot, reason string, requeue bool) error {
	now := time.Now().UTC()

	if requeue {
		var requeueCount int
		row := s.db.QueryRowContext(ctx, `SELECT requeue_count FROM jobs WHERE token = ?`, token)
		if err := row.Scan(&requeueCount); err != nil {
			return apperrors.BackendUnavailable("controller.sqlite.fail.scan", err)
		}
		if s.cfg.RequeueCap > 0 && requeueCount+1 >= s.cfg.RequeueCap {
			requeue = false
		}
	}

	var newState jobState
	var clauses string
	if requeue {
		newState = stateQueued
		clauses = `state = ?, lease_owner = '', lease_expires_at = NULL, requeue_count = requeue_count + 1, updated_at = ?`
	} else {
		newState = stateAborted
		clauses = `state = ?, lease_owner = '', lease_expires_at = NULL, updated_at = ?`
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE jobs SET %s WHERE token = ? AND lease_owner = ?`, clauses),
		newState, now, token, slot,
	)
	if err != nil {
		return apperrors.BackendUnavailable("controller.sqlite.fail", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.LeaseLost(token)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (topic, payload, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		"fail", reason, now, now.Add(s.cfg.MessageTTL),
	)
	return err
}

func (s *SQLite) AbortMark(ctx context.Context, token, reason, origin string, reQueue bool) error {
	now := time.Now().UTC()

	if reQueue {
		var requeueCount int
		row := s.db.QueryRowContext(ctx, `SELECT requeue_count FROM jobs WHERE token = ?`, token)
		if err := row.Scan(&requeueCount); err != nil {
			if err == sql.ErrNoRows {
				return apperrors.NotFound("job", token)
			}
			return apperrors.BackendUnavailable("controller.sqlite.abortmark.scan", err)
		}
		if s.cfg.RequeueCap > 0 && requeueCount+1 >= s.cfg.RequeueCap {
			reQueue = false
		}
	}

	var clauses string
	var args []any
	if reQueue {
		clauses = `state = ?, lease_owner = '', lease_expires_at = NULL, requeue_count = requeue_count + 1, abort_requested = 0, abort_reason = '', updated_at = ?`
		args = []any{stateQueued, now}
	} else {
		clauses = `abort_requested = 1, abort_reason = ?, updated_at = ?`
		args = []any{reason, now}
	}
	args = append(args, token, stateQueued, stateRunning)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE jobs SET %s WHERE token = ? AND state IN (?, ?)`, clauses),
		args...,
	)
	if err != nil {
		return apperrors.BackendUnavailable("controller.sqlite.abortmark", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NotFound("job", token)
	}

	payload, _ := json.Marshal(map[string]any{"token": token, "origin": origin, "reason": reason, "re_queue": reQueue})
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (topic, payload, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		"abort", string(payload), now, now.Add(s.cfg.MessageTTL),
	)
	return err
}

func (s *SQLite) GetInfo(ctx context.Context, token string) (registry.JobInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload, state, report_blob, lease_owner, lease_expires_at, abort_requested, updated_at
		FROM jobs WHERE token = ?`, token)

	var payload, state, reportBlob, owner string
	var leaseExpires sql.NullTime
	var abortRequested int
	var updatedAt time.Time
	if err := row.Scan(&payload, &state, &reportBlob, &owner, &leaseExpires, &abortRequested, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return registry.JobInfo{}, apperrors.NotFound("job", token)
		}
		return registry.JobInfo{}, apperrors.BackendUnavailable("controller.sqlite.getinfo", err)
	}

	var cfg registry.JobConfig
	_ = json.Unmarshal([]byte(payload), &cfg)
	var rep report.Report
	_ = json.Unmarshal([]byte(reportBlob), &rep)

	info := registry.JobInfo{
		Token:          cfg.Token,
		Config:         cfg,
		Report:         rep,
		Progress:       rep.Progress,
		Status:         report.Status(state),
		Owner:          owner,
		UpdatedAt:      updatedAt,
		AbortRequested: abortRequested != 0,
	}
	if leaseExpires.Valid {
		info.LeaseExpiresAt = leaseExpires.Time
	}
	return info, nil
}

func (s *SQLite) Status(ctx context.Context) (Status, error) {
	var queueSize, registrySize int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE state = ?`, stateQueued).Scan(&queueSize); err != nil {
		return Status{}, apperrors.BackendUnavailable("controller.sqlite.status.queue", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&registrySize); err != nil {
		return Status{}, apperrors.BackendUnavailable("controller.sqlite.status.registry", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT token FROM jobs WHERE state = ?`, stateRunning)
	if err != nil {
		return Status{}, apperrors.BackendUnavailable("controller.sqlite.status.jobs", err)
	}
	defer rows.Close()

	var jobs []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			continue
		}
		jobs = append(jobs, token)
	}

	return Status{QueueSize: queueSize, RegistrySize: registrySize, Jobs: jobs}, nil
}
