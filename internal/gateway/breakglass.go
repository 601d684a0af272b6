package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/wopr/fleet/internal/core"
	"github.com/wopr/fleet/internal/identity"
	"github.com/wopr/fleet/internal/metrics"
)

// Breakglass rejections.
var (
	ErrReasonTooShort  = errors.New("reason must be at least 20 characters")
	ErrActiveSession   = errors.New("an active session already exists for this user and beacon")
	ErrSessionNotFound = errors.New("session not found")
	ErrCAFailure       = errors.New("certificate issuance failed")
)

const minReasonLength = 20

// sessionStore persists breakglass sessions.
type sessionStore interface {
	Insert(ctx context.Context, s *core.BreakglassSession) error
	ActiveExists(ctx context.Context, userUID, beaconID string) (bool, error)
	Get(ctx context.Context, id string) (*core.BreakglassSession, error)
	List(ctx context.Context, limit int) ([]core.BreakglassSession, error)
	SetCertSerial(ctx context.Context, id, serial string) error
	End(ctx context.Context, id, status string) error
	Delete(ctx context.Context, id string) error
	ExpireDue(ctx context.Context) (int64, error)
}

// BreakglassManager owns the session lifecycle: open with cert issuance,
// list, revoke, and the minute sweeper that expires overdue sessions.
type BreakglassManager struct {
	store      sessionStore
	ca         certIssuer
	maxMinutes int
	defMinutes int
	logger     *log.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewBreakglassManager wires the lifecycle.
func NewBreakglassManager(store sessionStore, ca certIssuer, maxMinutes, defaultMinutes int) *BreakglassManager {
	return &BreakglassManager{
		store:      store,
		ca:         ca,
		maxMinutes: maxMinutes,
		defMinutes: defaultMinutes,
		logger:     log.New(log.Writer(), "[breakglass] ", log.LstdFlags),
	}
}

// Start opens a session and mints its certificate in the same request. The
// session row is rolled back when the CA cannot issue, so a failed start
// leaves no trace besides the audit row.
func (m *BreakglassManager) Start(ctx context.Context, caller *identity.Identity, beaconID, reason string, durationMinutes int) (*core.BreakglassSession, *issuedCert, error) {
	if len(strings.TrimSpace(reason)) < minReasonLength {
		return nil, nil, ErrReasonTooShort
	}

	exists, err := m.store.ActiveExists(ctx, caller.UID, beaconID)
	if err != nil {
		return nil, nil, err
	}
	if exists {
		return nil, nil, ErrActiveSession
	}

	minutes := durationMinutes
	if minutes <= 0 {
		minutes = m.defMinutes
	}
	if minutes > m.maxMinutes {
		minutes = m.maxMinutes
	}

	now := time.Now().UTC()
	session := &core.BreakglassSession{
		ID:        uuid.NewString(),
		UserUID:   caller.UID,
		Username:  caller.Username,
		Email:     caller.Email,
		BeaconID:  beaconID,
		StartedAt: now,
		ExpiresAt: now.Add(time.Duration(minutes) * time.Minute),
		Reason:    strings.TrimSpace(reason),
		Status:    core.SessionActive,
	}
	if err := m.store.Insert(ctx, session); err != nil {
		return nil, nil, err
	}

	cert, err := m.ca.Sign(ctx, caller, beaconID, identity.AccessBreakglass, session.ID, time.Duration(minutes)*time.Minute)
	if err != nil {
		if delErr := m.store.Delete(ctx, session.ID); delErr != nil {
			m.logger.Printf("rollback of session %s failed: %v", session.ID, delErr)
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrCAFailure, err)
	}

	serial := strconv.FormatUint(cert.Serial, 10)
	session.SSHCertSerial = serial
	if err := m.store.SetCertSerial(ctx, session.ID, serial); err != nil {
		m.logger.Printf("stamp serial on session %s failed: %v", session.ID, err)
	}

	metrics.BreakglassSessions.WithLabelValues("started").Inc()
	m.logger.Printf("session %s opened by %s on %s for %d minutes",
		session.ID, caller.Username, beaconID, minutes)
	return session, cert, nil
}

// List returns recent sessions, newest first.
func (m *BreakglassManager) List(ctx context.Context, limit int) ([]core.BreakglassSession, error) {
	return m.store.List(ctx, limit)
}

// Revoke ends an active session immediately.
func (m *BreakglassManager) Revoke(ctx context.Context, id string) (*core.BreakglassSession, error) {
	session, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != core.SessionActive {
		return session, nil // already ended; revoke is idempotent
	}
	if err := m.store.End(ctx, id, core.SessionRevoked); err != nil {
		return nil, err
	}
	metrics.BreakglassSessions.WithLabelValues("revoked").Inc()
	m.logger.Printf("session %s revoked", id)
	return m.store.Get(ctx, id)
}

// StartSweeper expires overdue sessions once a minute until StopSweeper.
func (m *BreakglassManager) StartSweeper() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	go m.sweep(m.stopCh)
}

// StopSweeper halts the sweep loop.
func (m *BreakglassManager) StopSweeper() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	m.stopCh = nil
}

func (m *BreakglassManager) sweep(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.SweepOnce(context.Background())
		}
	}
}

// SweepOnce expires every overdue active session.
func (m *BreakglassManager) SweepOnce(ctx context.Context) {
	n, err := m.store.ExpireDue(ctx)
	if err != nil {
		m.logger.Printf("expiry sweep failed: %v", err)
		return
	}
	if n > 0 {
		metrics.BreakglassSessions.WithLabelValues("expired").Add(float64(n))
		m.logger.Printf("expired %d overdue sessions", n)
	}
}

// -- Postgres store ---------------------------------------------------------

const sessionSchema = `
CREATE TABLE IF NOT EXISTS breakglass_sessions (
	id              TEXT PRIMARY KEY,
	user_uid        TEXT NOT NULL,
	username        TEXT NOT NULL,
	email           TEXT NOT NULL DEFAULT '',
	beacon_id       TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL,
	ended_at        TIMESTAMPTZ,
	reason          TEXT NOT NULL,
	status          TEXT NOT NULL,
	ssh_cert_serial TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_breakglass_one_active
	ON breakglass_sessions(user_uid, beacon_id) WHERE status = 'active';
`

// PostgresSessions is the production session store.
type PostgresSessions struct {
	db *sql.DB
}

// NewPostgresSessions wraps an existing handle, applying the schema.
func NewPostgresSessions(db *sql.DB) (*PostgresSessions, error) {
	if _, err := db.Exec(sessionSchema); err != nil {
		return nil, fmt.Errorf("apply breakglass schema: %w", err)
	}
	return &PostgresSessions{db: db}, nil
}

func (s *PostgresSessions) Insert(ctx context.Context, b *core.BreakglassSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO breakglass_sessions (id, user_uid, username, email, beacon_id, started_at, expires_at, reason, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.UserUID, b.Username, b.Email, b.BeaconID, b.StartedAt, b.ExpiresAt, b.Reason, b.Status)
	if err != nil && strings.Contains(err.Error(), "idx_breakglass_one_active") {
		return ErrActiveSession
	}
	return err
}

func (s *PostgresSessions) ActiveExists(ctx context.Context, userUID, beaconID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM breakglass_sessions WHERE user_uid = $1 AND beacon_id = $2 AND status = 'active')`,
		userUID, beaconID).Scan(&exists)
	return exists, err
}

func (s *PostgresSessions) Get(ctx context.Context, id string) (*core.BreakglassSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_uid, username, email, beacon_id, started_at, expires_at, ended_at, reason, status, ssh_cert_serial
		   FROM breakglass_sessions WHERE id = $1`, id)
	var b core.BreakglassSession
	var ended sql.NullTime
	err := row.Scan(&b.ID, &b.UserUID, &b.Username, &b.Email, &b.BeaconID,
		&b.StartedAt, &b.ExpiresAt, &ended, &b.Reason, &b.Status, &b.SSHCertSerial)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		t := ended.Time
		b.EndedAt = &t
	}
	return &b, nil
}

func (s *PostgresSessions) List(ctx context.Context, limit int) ([]core.BreakglassSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_uid, username, email, beacon_id, started_at, expires_at, ended_at, reason, status, ssh_cert_serial
		   FROM breakglass_sessions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []core.BreakglassSession
	for rows.Next() {
		var b core.BreakglassSession
		var ended sql.NullTime
		if err := rows.Scan(&b.ID, &b.UserUID, &b.Username, &b.Email, &b.BeaconID,
			&b.StartedAt, &b.ExpiresAt, &ended, &b.Reason, &b.Status, &b.SSHCertSerial); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			b.EndedAt = &t
		}
		sessions = append(sessions, b)
	}
	return sessions, rows.Err()
}

func (s *PostgresSessions) SetCertSerial(ctx context.Context, id, serial string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE breakglass_sessions SET ssh_cert_serial = $2 WHERE id = $1`, id, serial)
	return err
}

func (s *PostgresSessions) End(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE breakglass_sessions SET status = $2, ended_at = NOW() WHERE id = $1 AND status = 'active'`,
		id, status)
	return err
}

func (s *PostgresSessions) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM breakglass_sessions WHERE id = $1`, id)
	return err
}

func (s *PostgresSessions) ExpireDue(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE breakglass_sessions SET status = 'expired', ended_at = NOW()
		  WHERE status = 'active' AND expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
