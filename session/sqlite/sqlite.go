// Package sqlite provides a durable session.Backend on SQLite (pure Go
// driver, WAL journal). Each session is stored as one JSON document with its
// access time indexed for TTL sweeps.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NickB03/vana-sub003/core"
	"github.com/NickB03/vana-sub003/logging"
	"github.com/NickB03/vana-sub003/session"
)

// Options configure the backend.
type Options struct {
	// BusyRetries is the number of attempts for statements failing with
	// SQLITE_BUSY or "database is locked".
	BusyRetries   int
	BusyBaseDelay time.Duration
	Logger        logging.Logger
}

// Backend implements session.Backend.
type Backend struct {
	db   *sql.DB
	opts Options
}

var _ session.Backend = (*Backend)(nil)

// Open creates (if needed) and opens the database at path.
func Open(path string, optFns ...func(o *Options)) (*Backend, error) {
	opts := Options{
		BusyRetries:   3,
		BusyBaseDelay: 50 * time.Millisecond,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	b := &Backend{db: db, opts: opts}
	if err := b.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return b, nil
}

func (b *Backend) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		user_id TEXT,
		data TEXT NOT NULL,
		last_access_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_access ON sessions(last_access_at);
	`
	if _, err := b.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *Backend) Close() error { return b.db.Close() }

// Ping verifies database connectivity.
func (b *Backend) Ping(ctx context.Context) error { return b.db.PingContext(ctx) }

// Save upserts the session document.
func (b *Backend) Save(ctx context.Context, sess *core.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	query := `
	INSERT INTO sessions (id, status, user_id, data, last_access_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		user_id = excluded.user_id,
		data = excluded.data,
		last_access_at = excluded.last_access_at,
		updated_at = excluded.updated_at`

	var userID any
	if sess.UserID != "" {
		userID = sess.UserID
	}
	return b.withBusyRetry(ctx, "save", func() error {
		_, err := b.db.ExecContext(ctx, query,
			sess.ID, string(sess.Status), userID, string(data),
			sess.Security.LastAccessAt.UnixNano(), sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano(),
		)
		return err
	})
}

// Load returns the stored session or core.ErrSessionNotFound.
func (b *Backend) Load(ctx context.Context, id string) (*core.Session, error) {
	var data string
	err := b.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	var sess core.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if sess.Messages == nil {
		sess.Messages = []core.Message{}
	}
	return &sess, nil
}

// Delete removes the session row.
func (b *Backend) Delete(ctx context.Context, id string) error {
	return b.withBusyRetry(ctx, "delete", func() error {
		_, err := b.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		return err
	})
}

// ListExpired returns ids last accessed before cutoff.
func (b *Backend) ListExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE last_access_at < ? ORDER BY last_access_at`, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// withBusyRetry retries op with exponential backoff while SQLite reports a
// lock conflict.
func (b *Backend) withBusyRetry(ctx context.Context, op string, fn func() error) error {
	attempts := max(b.opts.BusyRetries, 1)
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isConflict(err) || i == attempts-1 {
			break
		}
		delay := b.opts.BusyBaseDelay * time.Duration(1<<i)
		b.opts.Logger.Debug("sqlite.busy.retry", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("sqlite %s: %w", op, err)
}

// isConflict reports SQLITE_BUSY and "database is locked" failures.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
