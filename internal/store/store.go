// Xiaomu is a task queue service for phone-agent automation.
// Copyright (C) 2025 Xiaomu Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store is the durable persistence layer: task rows and their
// append-only event audit, on sqlite for single-node deployments or mysql
// for shared ones. The SQL row is the authoritative fallback behind the
// broker's live status hash; finalization always lands here even when the
// hash has expired.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"xiaomu/pkg/queue"
)

const defaultBusyTimeout = 5 * time.Second

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config selects and locates the database.
type Config struct {
	// Driver is sqlite or mysql.
	Driver string
	// Path is the sqlite database file (":memory:" for tests).
	Path string
	// Host, Port, User, Password, Name configure mysql.
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

// Store wraps a database connection and provides typed accessors.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens (or creates) the database described by cfg, verifies the
// connection, applies the schema, and returns a ready Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite:
		db, err = openSQLite(cfg.Path)
	case DriverMySQL:
		db, err = openMySQL(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, driver: cfg.Driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)
	if path == ":memory:" {
		// Each pooled connection would otherwise open its own empty
		// private database.
		db.SetMaxIdleConns(1)
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func openMySQL(cfg Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&collation=utf8mb4_unicode_ci",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)
	return db, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return pingContext(ctx, s.db)
}

// --------------- Migrations ---------------

// migrate applies the schema. Both dialects use idempotent DDL so restarts
// and concurrent service instances are safe.
func (s *Store) migrate(ctx context.Context) error {
	var stmts []string
	switch s.driver {
	case DriverMySQL:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS tasks (
  id              VARCHAR(64) PRIMARY KEY,
  user            VARCHAR(255),
  type            VARCHAR(255),
  status          VARCHAR(64),
  redis_key       VARCHAR(255),
  created_at      DOUBLE,
  updated_at      DOUBLE,
  last_checkpoint TEXT,
  resume_hint     TEXT,
  retries         INT DEFAULT 0,
  payload_json    MEDIUMTEXT,
  result_summary  MEDIUMTEXT
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`,
			`CREATE TABLE IF NOT EXISTS task_events (
  id               BIGINT AUTO_INCREMENT PRIMARY KEY,
  task_id          VARCHAR(64),
  phase            VARCHAR(255),
  status           VARCHAR(64),
  input            MEDIUMTEXT,
  output           MEDIUMTEXT,
  checkpoint_token TEXT,
  created_at       DOUBLE,
  INDEX idx_task_id (task_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`,
		}
	default:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS tasks (
  id              TEXT PRIMARY KEY,
  user            TEXT,
  type            TEXT,
  status          TEXT,
  redis_key       TEXT,
  created_at      REAL,
  updated_at      REAL,
  last_checkpoint TEXT,
  resume_hint     TEXT,
  retries         INTEGER DEFAULT 0,
  payload_json    TEXT,
  result_summary  TEXT
);`,
			`CREATE TABLE IF NOT EXISTS task_events (
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id          TEXT,
  phase            TEXT,
  status           TEXT,
  input            TEXT,
  output           TEXT,
  checkpoint_token TEXT,
  created_at       REAL
);`,
			`CREATE INDEX IF NOT EXISTS idx_task_id ON task_events(task_id);`,
		}
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Tasks ---------------

// PersistTask upserts the durable row for a task. Re-enqueueing an id keeps
// the row's live columns: status, created_at, result_summary, resume_hint,
// last_checkpoint, and retries all survive the conflict; only the caller-
// supplied identity columns and updated_at are rewritten.
func (s *Store) PersistTask(ctx context.Context, t queue.Task) error {
	_, err := s.db.ExecContext(ctx, taskUpsertSQL(s.driver),
		t.ID, t.User, t.Type, string(t.Status), t.RedisKey, t.CreatedAt, t.UpdatedAt, t.PayloadJSON)
	if err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	return nil
}

func taskUpsertSQL(driver string) string {
	if driver == DriverMySQL {
		return `INSERT INTO tasks (id, user, type, status, redis_key, created_at, updated_at, payload_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  user = VALUES(user),
  type = VALUES(type),
  redis_key = VALUES(redis_key),
  updated_at = VALUES(updated_at),
  payload_json = VALUES(payload_json)`
	}
	return `INSERT INTO tasks (id, user, type, status, redis_key, created_at, updated_at, payload_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  user = excluded.user,
  type = excluded.type,
  redis_key = excluded.redis_key,
  updated_at = excluded.updated_at,
  payload_json = excluded.payload_json`
}

// UpdateTask moves a task to status and rewrites its result summary (even
// to empty, which is how the running transition clears stale results).
// resumeHint and checkpoint only replace the stored values when non-empty.
func (s *Store) UpdateTask(ctx context.Context, id string, status queue.TaskStatus, result, resumeHint, checkpoint string) error {
	const q = `UPDATE tasks SET
  status = ?,
  updated_at = ?,
  result_summary = ?,
  resume_hint = COALESCE(NULLIF(?, ''), resume_hint),
  last_checkpoint = COALESCE(NULLIF(?, ''), last_checkpoint)
WHERE id = ?`

	now := queue.EpochSeconds(time.Now())
	_, err := s.db.ExecContext(ctx, q, string(status), now, result, resumeHint, checkpoint, id)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// LoadTask returns the durable row for id, or ErrNotFound.
func (s *Store) LoadTask(ctx context.Context, id string) (*queue.Task, error) {
	const q = `SELECT id, user, type, status, redis_key, created_at, updated_at,
  last_checkpoint, resume_hint, retries, payload_json, result_summary
FROM tasks WHERE id = ?`

	var row struct {
		id             string
		user           sql.NullString
		typ            sql.NullString
		status         sql.NullString
		redisKey       sql.NullString
		createdAt      sql.NullFloat64
		updatedAt      sql.NullFloat64
		lastCheckpoint sql.NullString
		resumeHint     sql.NullString
		retries        sql.NullInt64
		payloadJSON    sql.NullString
		resultSummary  sql.NullString
	}
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&row.id, &row.user, &row.typ, &row.status, &row.redisKey,
		&row.createdAt, &row.updatedAt, &row.lastCheckpoint, &row.resumeHint,
		&row.retries, &row.payloadJSON, &row.resultSummary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}

	return &queue.Task{
		ID:             row.id,
		User:           fromNullString(row.user),
		Type:           fromNullString(row.typ),
		Status:         queue.TaskStatus(fromNullString(row.status)),
		RedisKey:       fromNullString(row.redisKey),
		CreatedAt:      row.createdAt.Float64,
		UpdatedAt:      row.updatedAt.Float64,
		LastCheckpoint: fromNullString(row.lastCheckpoint),
		ResumeHint:     fromNullString(row.resumeHint),
		Retries:        int(row.retries.Int64),
		PayloadJSON:    fromNullString(row.payloadJSON),
		ResultSummary:  fromNullString(row.resultSummary),
	}, nil
}

// --------------- Task events ---------------

// RecordEvent appends one audit row. A zero CreatedAt is stamped here.
func (s *Store) RecordEvent(ctx context.Context, ev queue.TaskEvent) error {
	const q = `INSERT INTO task_events (task_id, phase, status, input, output, checkpoint_token, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	createdAt := ev.CreatedAt
	if createdAt == 0 {
		createdAt = queue.EpochSeconds(time.Now())
	}
	_, err := s.db.ExecContext(ctx, q,
		ev.TaskID, ev.Phase, string(ev.Status), ev.Input, ev.Output, ev.CheckpointToken, createdAt)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// ListEvents returns up to limit events for a task, newest first.
func (s *Store) ListEvents(ctx context.Context, taskID string, limit int) ([]queue.TaskEvent, error) {
	const q = `SELECT id, task_id, phase, status, input, output, checkpoint_token, created_at
FROM task_events WHERE task_id = ? ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, q, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []queue.TaskEvent
	for rows.Next() {
		var (
			ev                           queue.TaskEvent
			phase, status, input, output sql.NullString
			checkpointToken              sql.NullString
			createdAt                    sql.NullFloat64
		)
		if err := rows.Scan(&ev.ID, &ev.TaskID, &phase, &status, &input, &output, &checkpointToken, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Phase = fromNullString(phase)
		ev.Status = queue.TaskStatus(fromNullString(status))
		ev.Input = fromNullString(input)
		ev.Output = fromNullString(output)
		ev.CheckpointToken = fromNullString(checkpointToken)
		ev.CreatedAt = createdAt.Float64
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// --------------- Internal helpers ---------------

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func fromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
