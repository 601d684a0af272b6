// Package audit persists the append-only record of privileged gateway
// activity. Rows are written before the response leaves the gateway; a 2xx
// to the client implies the row exists.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/wopr/fleet/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id          BIGSERIAL PRIMARY KEY,
	ts          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	actor_uid   TEXT NOT NULL,
	username    TEXT NOT NULL,
	email       TEXT NOT NULL DEFAULT '',
	action      TEXT NOT NULL,
	beacon_id   TEXT NOT NULL DEFAULT '',
	access_tier TEXT NOT NULL,
	method      TEXT NOT NULL,
	path        TEXT NOT NULL,
	body_hash   TEXT NOT NULL DEFAULT '',
	status      INTEGER NOT NULL,
	duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	metadata    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts);
CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log(actor_uid);
`

// Log is the Postgres-backed audit store.
type Log struct {
	db *sql.DB
}

// Open connects and applies the schema. An unreachable database is fatal to
// gateway start-up.
func Open(databaseURL string) (*Log, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &Log{db: db}, nil
}

// NewWithDB wraps an existing handle, applying the schema.
func NewWithDB(db *sql.DB) (*Log, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Close releases the pool.
func (l *Log) Close() error { return l.db.Close() }

// Append writes one entry. The caller decides how to handle a failure; the
// gateway treats it as a request failure because the audit row must precede
// the response.
func (l *Log) Append(ctx context.Context, e *core.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	err := l.db.QueryRowContext(ctx,
		`INSERT INTO audit_log
		    (ts, actor_uid, username, email, action, beacon_id, access_tier, method, path, body_hash, status, duration_ms, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id`,
		e.Timestamp, e.ActorUID, e.Username, e.Email, e.Action, e.BeaconID,
		e.AccessTier, e.Method, e.Path, e.BodyHash, e.Status, e.DurationMs, e.Metadata).
		Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Filter narrows an audit query. Zero values are ignored.
type Filter struct {
	ActorUID string
	BeaconID string
	Action   string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Query returns matching entries, newest first.
func (l *Log) Query(ctx context.Context, f Filter) ([]core.AuditEntry, error) {
	query := `SELECT id, ts, actor_uid, username, email, action, beacon_id, access_tier, method, path, body_hash, status, duration_ms, metadata
	            FROM audit_log WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.ActorUID != "" {
		query += ` AND actor_uid = ` + arg(f.ActorUID)
	}
	if f.BeaconID != "" {
		query += ` AND beacon_id = ` + arg(f.BeaconID)
	}
	if f.Action != "" {
		query += ` AND action = ` + arg(f.Action)
	}
	if !f.Since.IsZero() {
		query += ` AND ts >= ` + arg(f.Since)
	}
	if !f.Until.IsZero() {
		query += ` AND ts <= ` + arg(f.Until)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` ORDER BY ts DESC LIMIT ` + arg(limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []core.AuditEntry
	for rows.Next() {
		var e core.AuditEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ActorUID, &e.Username, &e.Email,
			&e.Action, &e.BeaconID, &e.AccessTier, &e.Method, &e.Path,
			&e.BodyHash, &e.Status, &e.DurationMs, &e.Metadata); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
