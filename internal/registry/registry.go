// Package registry is the central directory of beacons. Beacons register
// and heartbeat themselves; staleness is detected by a periodic sweep.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/wopr/fleet/internal/core"
	"github.com/wopr/fleet/internal/metrics"
)

// ErrNotFound means the beacon id is unknown.
var ErrNotFound = errors.New("beacon not found")

const schema = `
CREATE TABLE IF NOT EXISTS beacons (
	beacon_id  TEXT PRIMARY KEY,
	domain     TEXT NOT NULL DEFAULT '',
	engine_url TEXT NOT NULL,
	bundle     TEXT NOT NULL DEFAULT '',
	version    TEXT NOT NULL DEFAULT '',
	source_ip  TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'online',
	last_seen  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Registry is the Postgres-backed beacon directory.
type Registry struct {
	db *sql.DB
}

// NewWithDB wraps an existing handle, applying the schema.
func NewWithDB(db *sql.DB) (*Registry, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply registry schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Register upserts a beacon, stamps last_seen and flips it online. The
// observed source IP is recorded as truth; a disagreeing claim is logged
// but not rejected.
func (r *Registry) Register(ctx context.Context, b *core.Beacon, observedIP string) error {
	if b.SourceIP != "" && observedIP != "" && b.SourceIP != observedIP {
		slog.Warn("beacon claimed a different source ip",
			"beacon", b.ID, "claimed", b.SourceIP, "observed", observedIP)
	}
	b.SourceIP = observedIP
	b.Status = core.BeaconOnline
	b.LastSeen = time.Now().UTC()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO beacons (beacon_id, domain, engine_url, bundle, version, source_ip, status, last_seen)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (beacon_id) DO UPDATE SET
		   domain = EXCLUDED.domain,
		   engine_url = EXCLUDED.engine_url,
		   bundle = EXCLUDED.bundle,
		   version = EXCLUDED.version,
		   source_ip = EXCLUDED.source_ip,
		   status = EXCLUDED.status,
		   last_seen = EXCLUDED.last_seen`,
		b.ID, b.Domain, b.EngineURL, b.Bundle, b.Version, b.SourceIP, b.Status, b.LastSeen)
	if err != nil {
		return fmt.Errorf("register beacon: %w", err)
	}

	if n, err := r.countKnown(ctx); err == nil {
		metrics.BeaconsRegistered.Set(float64(n))
	}
	return nil
}

// Heartbeat refreshes last_seen. A beacon whose engine is not running is
// marked degraded instead of online.
func (r *Registry) Heartbeat(ctx context.Context, id string, engineRunning bool) error {
	status := core.BeaconOnline
	if !engineRunning {
		status = core.BeaconDegraded
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE beacons SET status = $2, last_seen = NOW() WHERE beacon_id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one beacon.
func (r *Registry) Get(ctx context.Context, id string) (*core.Beacon, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT beacon_id, domain, engine_url, bundle, version, source_ip, status, last_seen
		   FROM beacons WHERE beacon_id = $1`, id)
	var b core.Beacon
	err := row.Scan(&b.ID, &b.Domain, &b.EngineURL, &b.Bundle, &b.Version, &b.SourceIP, &b.Status, &b.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// List returns all beacons ordered by id.
func (r *Registry) List(ctx context.Context) ([]core.Beacon, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT beacon_id, domain, engine_url, bundle, version, source_ip, status, last_seen
		   FROM beacons ORDER BY beacon_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var beacons []core.Beacon
	for rows.Next() {
		var b core.Beacon
		if err := rows.Scan(&b.ID, &b.Domain, &b.EngineURL, &b.Bundle, &b.Version, &b.SourceIP, &b.Status, &b.LastSeen); err != nil {
			return nil, err
		}
		beacons = append(beacons, b)
	}
	return beacons, rows.Err()
}

// ListOnline returns beacons currently considered reachable (online or
// degraded) for aggregation fan-out.
func (r *Registry) ListOnline(ctx context.Context) ([]core.Beacon, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	live := all[:0]
	for _, b := range all {
		if b.Status != core.BeaconOffline {
			live = append(live, b)
		}
	}
	return live, nil
}

// SweepOffline marks beacons silent for longer than cutoff as offline and
// returns how many flipped.
func (r *Registry) SweepOffline(ctx context.Context, cutoff time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE beacons SET status = $1 WHERE status != $1 AND last_seen < $2`,
		core.BeaconOffline, time.Now().UTC().Add(-cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Registry) countKnown(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM beacons`).Scan(&n)
	return n, err
}
