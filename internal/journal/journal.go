// Package journal keeps a durable record of every notification and action
// result a session produces, in SQLite (local file: URLs) or libSQL/Turso
// (remote URLs).
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	// Registers "libsql" with database/sql. Handles remote URLs
	// (libsql://, https://, wss://).
	_ "github.com/tursodatabase/libsql-client-go/libsql"

	// Pure-Go SQLite driver; libsql-client-go delegates file: URLs to it.
	_ "modernc.org/sqlite"

	"aeternum/internal/domain"
	"aeternum/internal/retry"
)

// driverName is the database/sql driver to use; tests may replace it.
var driverName = "libsql"

// ErrEmptyURL is returned by Connect and Open for an empty database URL.
var ErrEmptyURL = errors.New("journal: database URL must not be empty")

// writeTimeout bounds each insert; Record* runs on the session loop.
const writeTimeout = 2 * time.Second

// connectRetry covers a remote database that is still waking up.
var connectRetry = retry.Config{MaxRetries: 2, InitialBackoff: 250 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}

// Connect opens a libSQL database and pings it, retrying transient
// failures.
//
// Supported URL schemes:
//
//	Local file:   "file:path/to/aeternum.db"
//	Remote Turso: "libsql://[db-name].turso.io?authToken=[token]"
func Connect(ctx context.Context, dbURL string) (*sql.DB, error) {
	if dbURL == "" {
		return nil, ErrEmptyURL
	}

	db, err := sql.Open(driverName, dbURL)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to open libsql: %w", err)
	}
	if err := retry.Do(ctx, connectRetry, db.PingContext); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: failed to connect to database: %w", err)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS notifications (
		id      TEXT PRIMARY KEY,
		message TEXT NOT NULL,
		level   TEXT NOT NULL,
		at      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS notifications_at ON notifications(at)`,
	`CREATE TABLE IF NOT EXISTS actions (
		id      TEXT PRIMARY KEY,
		action  TEXT NOT NULL,
		result  TEXT NOT NULL,
		success INTEGER NOT NULL,
		at      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS actions_at ON actions(at)`,
}

// Journal implements domain.Recorder on top of a *sql.DB.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets a structured logger. If l is nil it is ignored and the
// default slog logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) {
		if l != nil {
			j.logger = l
		}
	}
}

// Open connects to dbURL and creates the tables if needed.
func Open(ctx context.Context, dbURL string, opts ...Option) (*Journal, error) {
	db, err := Connect(ctx, dbURL)
	if err != nil {
		return nil, err
	}
	j, err := New(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// New wraps an open database and creates the tables if needed. db must not be nil.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Journal, error) {
	if db == nil {
		panic("journal: db must not be nil")
	}
	j := &Journal{db: db}
	for _, o := range opts {
		o(j)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("journal: migrate: %w", err)
		}
	}
	return j, nil
}

func (j *Journal) log() *slog.Logger {
	if j.logger != nil {
		return j.logger
	}
	return slog.Default()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordNotification stores n. A duplicate ID is ignored.
func (j *Journal) RecordNotification(n domain.Notification) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notifications (id, message, level, at) VALUES (?, ?, ?, ?)`,
		n.ID, n.Message, string(n.Level), n.Time.UnixMilli())
	if err != nil {
		j.log().Warn("journal: notification not stored", "id", n.ID, "error", err)
		return fmt.Errorf("journal: record notification: %w", err)
	}
	return nil
}

// RecordAction stores e. A duplicate ID is ignored.
func (j *Journal) RecordAction(e domain.ActionLogEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO actions (id, action, result, success, at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Action, e.Result, boolToInt(e.Success), e.Time.UnixMilli())
	if err != nil {
		j.log().Warn("journal: action not stored", "id", e.ID, "error", err)
		return fmt.Errorf("journal: record action: %w", err)
	}
	return nil
}

// RecentNotifications returns up to n notifications, newest first.
func (j *Journal) RecentNotifications(ctx context.Context, n int) ([]domain.Notification, error) {
	if n <= 0 {
		return []domain.Notification{}, nil
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, message, level, at FROM notifications ORDER BY at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("journal: query notifications: %w", err)
	}
	defer rows.Close()

	out := []domain.Notification{}
	for rows.Next() {
		var (
			nt    domain.Notification
			level string
			at    int64
		)
		if err := rows.Scan(&nt.ID, &nt.Message, &level, &at); err != nil {
			return nil, fmt.Errorf("journal: scan notification: %w", err)
		}
		nt.Level = domain.ParseLevel(level)
		nt.Time = time.UnixMilli(at)
		out = append(out, nt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: query notifications: %w", err)
	}
	return out, nil
}

// RecentActions returns up to n action results, newest first.
func (j *Journal) RecentActions(ctx context.Context, n int) ([]domain.ActionLogEntry, error) {
	if n <= 0 {
		return []domain.ActionLogEntry{}, nil
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, action, result, success, at FROM actions ORDER BY at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("journal: query actions: %w", err)
	}
	defer rows.Close()

	out := []domain.ActionLogEntry{}
	for rows.Next() {
		var (
			e       domain.ActionLogEntry
			success int
			at      int64
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Result, &success, &at); err != nil {
			return nil, fmt.Errorf("journal: scan action: %w", err)
		}
		e.Success = success != 0
		e.Time = time.UnixMilli(at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: query actions: %w", err)
	}
	return out, nil
}

// Stats counts stored rows.
type Stats struct {
	Notifications int
	Actions       int
	Failed        int
}

// Stats reports how many notifications and actions are stored and how many
// of the actions failed.
func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := j.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM notifications),
		(SELECT COUNT(*) FROM actions),
		(SELECT COUNT(*) FROM actions WHERE success = 0)`).Scan(&s.Notifications, &s.Actions, &s.Failed)
	if err != nil {
		return Stats{}, fmt.Errorf("journal: stats: %w", err)
	}
	return s, nil
}

// Prune deletes entries older than cutoff and returns how many rows went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"notifications", "actions"} {
		res, err := j.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE at < ?`, cutoff.UnixMilli())
		if err != nil {
			return total, fmt.Errorf("journal: prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ domain.Recorder = (*Journal)(nil)
