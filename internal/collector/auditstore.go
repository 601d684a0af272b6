package collector

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/wopr/fleet/internal/core"
)

// auditStoreCap bounds the rows fetched from any single audit store per
// cycle.
const auditStoreCap = 50

// AuditStoreSource fetches error rows from per-service application audit
// databases. Connections are opened lazily and cached.
type AuditStoreSource struct {
	urls  map[string]string
	conns map[string]*sql.DB
	// query is overridable in tests.
	query func(ctx context.Context, db *sql.DB, cutoff time.Time) (*sql.Rows, error)
}

// NewAuditStoreSource builds a source for the configured service → URL map.
func NewAuditStoreSource(urls map[string]string) *AuditStoreSource {
	return &AuditStoreSource{
		urls:  urls,
		conns: make(map[string]*sql.DB),
		query: queryAuditEvents,
	}
}

// Recent returns error/critical rows newer than the window cutoff across
// all configured stores. A failing store contributes nothing.
func (a *AuditStoreSource) Recent(ctx context.Context, window time.Duration) []core.ErrorRecord {
	if len(a.urls) == 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-window)

	var records []core.ErrorRecord
	for service, url := range a.urls {
		recs, err := a.collectOne(ctx, service, url, cutoff)
		if err != nil {
			slog.Warn("audit store collection failed", "service", service, "error", err)
			continue
		}
		records = append(records, recs...)
	}
	return records
}

func (a *AuditStoreSource) collectOne(ctx context.Context, service, url string, cutoff time.Time) ([]core.ErrorRecord, error) {
	db, err := a.conn(service, url)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := a.query(cctx, db, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []core.ErrorRecord
	for rows.Next() {
		var (
			severity, message string
			ts                time.Time
			path              sql.NullString
			status            sql.NullInt64
			durationMs        sql.NullFloat64
		)
		if err := rows.Scan(&severity, &message, &ts, &path, &status, &durationMs); err != nil {
			return nil, err
		}
		records = append(records, core.ErrorRecord{
			Source:      core.SourceAuditStore,
			Service:     service,
			Severity:    severity,
			Timestamp:   ts.UTC(),
			Message:     message,
			RequestPath: path.String,
			StatusCode:  int(status.Int64),
			DurationMs:  durationMs.Float64,
		})
	}
	return records, rows.Err()
}

func (a *AuditStoreSource) conn(service, url string) (*sql.DB, error) {
	if db, ok := a.conns[service]; ok {
		return db, nil
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	a.conns[service] = db
	return db, nil
}

func queryAuditEvents(ctx context.Context, db *sql.DB, cutoff time.Time) (*sql.Rows, error) {
	return db.QueryContext(ctx,
		`SELECT severity, message, created_at, request_path, status_code, duration_ms
		   FROM audit_events
		  WHERE severity IN ('error', 'critical') AND created_at > $1
		  ORDER BY created_at DESC
		  LIMIT $2`,
		cutoff, auditStoreCap)
}
