package sshca

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresSessions reads the gateway's breakglass_sessions table over the
// shared database. The CA only ever checks liveness and stamps serials; the
// session lifecycle itself belongs to the gateway.
type PostgresSessions struct {
	db *sql.DB
}

// OpenSessions connects to the shared store. An unreachable database is a
// start-up failure.
func OpenSessions(databaseURL string) (*PostgresSessions, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping session store: %w", err)
	}
	db.SetMaxOpenConns(5)
	return &PostgresSessions{db: db}, nil
}

// Close releases the pool.
func (s *PostgresSessions) Close() error { return s.db.Close() }

// ActiveSession reports whether id references a live session. Expired but
// not-yet-swept rows are treated as inactive.
func (s *PostgresSessions) ActiveSession(ctx context.Context, id string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx,
		`SELECT status = 'active' AND expires_at > NOW() FROM breakglass_sessions WHERE id = $1`,
		id).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}

// RecordSerial stamps the issued certificate serial on the session.
func (s *PostgresSessions) RecordSerial(ctx context.Context, id string, serial uint64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE breakglass_sessions SET ssh_cert_serial = $2 WHERE id = $1`,
		id, fmt.Sprintf("%d", serial))
	return err
}
