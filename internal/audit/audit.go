// Package audit keeps a durable journal of task lifecycle events in SQLite.
// The journal is informational: the task store remains the source of truth.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/go-keepalive/internal/bus"
	"github.com/basket/go-keepalive/internal/shared"
)

// Entry is one journal row.
type Entry struct {
	ID                  int64     `json:"id"`
	TaskID              string    `json:"task_id"`
	AccountID           int64     `json:"account_id"`
	Kind                string    `json:"kind"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Detail              string    `json:"detail,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the journal database at path.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db, logger: logger.With("component", "journal")}
	ctx := context.Background()
	if err := j.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := j.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := j.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			account_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_created ON task_events(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init journal schema: %w", err)
		}
	}
	return tx.Commit()
}

// Record appends one event. Details are redacted before they are stored.
func (j *Journal) Record(ctx context.Context, kind string, ev bus.TaskEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	detail := shared.Redact(ev.Detail)
	return retryOnBusy(ctx, 5, func() error {
		_, err := j.db.ExecContext(ctx, `
			INSERT INTO task_events (task_id, account_id, kind, consecutive_failures, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, ev.TaskID, ev.AccountID, kind, ev.ConsecutiveFailures, detail, at.UTC().Format(time.RFC3339Nano))
		return err
	})
}

// Recent returns up to limit events for taskID, newest first.
func (j *Journal) Recent(ctx context.Context, taskID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, task_id, account_id, kind, consecutive_failures, detail, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY id DESC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			created string
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.AccountID, &e.Kind, &e.ConsecutiveFailures, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of journal rows.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_events;`).Scan(&n)
	return n, err
}

// Prune deletes events recorded before cutoff and returns how many went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := j.db.ExecContext(ctx, `DELETE FROM task_events WHERE created_at < ?;`,
			cutoff.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return n, nil
}

// Consume records every task.* event from b until ctx ends. It returns once
// the subscription is released.
func (j *Journal) Consume(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := j.Record(context.WithoutCancel(ctx), ev.Topic, ev.Payload); err != nil {
				j.logger.Error("journal write failed", "task_id", ev.Payload.TaskID, "kind", ev.Topic, "error", err)
			}
		}
	}
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with capped
// exponential backoff and jitter on top of the driver busy timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	return retry.Do(f,
		retry.Context(ctx),
		retry.Attempts(uint(maxRetries)+1),
		retry.LastErrorOnly(true),
		retry.RetryIf(isSQLiteBusy),
		retry.Delay(50*time.Millisecond),
		retry.MaxDelay(500*time.Millisecond),
		retry.MaxJitter(25*time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
	)
}

func isSQLiteBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
