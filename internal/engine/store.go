package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/wopr/fleet/internal/core"
)

// Store lookup errors.
var (
	ErrNotFound   = errors.New("not found")
	ErrNotPending = errors.New("escalation is not pending")
)

// Store is the per-beacon analysis database. All engine writes go through
// it; the schema carries a partial unique index that makes the escalation
// dedup contract a hard constraint, not just a probe.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS analysis_runs (
	id           TEXT PRIMARY KEY,
	started_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	status       TEXT NOT NULL,
	errors_found INTEGER NOT NULL DEFAULT 0,
	auto_fixed   INTEGER NOT NULL DEFAULT 0,
	escalated    INTEGER NOT NULL DEFAULT 0,
	summary      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS escalations (
	id              TEXT PRIMARY KEY,
	analysis_run_id TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	tier            TEXT NOT NULL,
	service         TEXT NOT NULL,
	error_summary   TEXT NOT NULL,
	proposed_action TEXT NOT NULL,
	confidence      REAL NOT NULL,
	status          TEXT NOT NULL,
	resolved_at     TIMESTAMP,
	resolved_by     TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_escalations_pending_dedup
	ON escalations(service, proposed_action) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS auto_actions_log (
	id              TEXT PRIMARY KEY,
	analysis_run_id TEXT NOT NULL,
	executed_at     TIMESTAMP NOT NULL,
	service         TEXT NOT NULL,
	action          TEXT NOT NULL,
	success         INTEGER NOT NULL,
	output          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_auto_actions_executed_at
	ON auto_actions_log(executed_at);
`

// OpenStore opens (or creates) the analysis database at path. ":memory:"
// is accepted for tests. An unwritable path is a start-up failure.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open analysis db: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; cycles are serial by design
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply analysis schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// -- analysis runs ----------------------------------------------------------

// CreateRun inserts a new run in running state and returns it.
func (s *Store) CreateRun(ctx context.Context) (*core.AnalysisRun, error) {
	run := &core.AnalysisRun{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Status:    core.RunStatusRunning,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_runs (id, started_at, status) VALUES (?, ?, ?)`,
		run.ID, run.StartedAt, run.Status)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// CompleteRun finalizes a run exactly once; the row is immutable afterwards.
func (s *Store) CompleteRun(ctx context.Context, run *core.AnalysisRun, status, summary string) error {
	now := time.Now().UTC()
	run.CompletedAt = &now
	run.Status = status
	run.Summary = summary
	_, err := s.db.ExecContext(ctx,
		`UPDATE analysis_runs
		    SET completed_at = ?, status = ?, errors_found = ?, auto_fixed = ?, escalated = ?, summary = ?
		  WHERE id = ? AND status = ?`,
		now, status, run.ErrorsFound, run.AutoFixed, run.Escalated, summary, run.ID, core.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]core.AnalysisRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, completed_at, status, errors_found, auto_fixed, escalated, summary
		   FROM analysis_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []core.AnalysisRun
	for rows.Next() {
		var r core.AnalysisRun
		var completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.StartedAt, &completed, &r.Status,
			&r.ErrorsFound, &r.AutoFixed, &r.Escalated, &r.Summary); err != nil {
			return nil, err
		}
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// -- escalations ------------------------------------------------------------

// CreateEscalation inserts a new pending escalation unless a live duplicate
// exists. Returns (row, created). When created is false the returned row is
// the absorbing duplicate.
func (s *Store) CreateEscalation(ctx context.Context, runID string, d core.Decision, errorSummary string) (*core.Escalation, bool, error) {
	cutoff := time.Now().UTC().Add(-core.DedupWindow)

	existing, err := s.findPendingDuplicate(ctx, d.Service, d.Action, cutoff)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	esc := &core.Escalation{
		ID:             uuid.NewString(),
		AnalysisRunID:  runID,
		CreatedAt:      time.Now().UTC(),
		Tier:           d.Tier,
		Service:        d.Service,
		ErrorSummary:   errorSummary,
		ProposedAction: d.Action,
		Confidence:     d.Confidence,
		Status:         core.EscalationPending,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO escalations (id, analysis_run_id, created_at, tier, service, error_summary, proposed_action, confidence, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		esc.ID, esc.AnalysisRunID, esc.CreatedAt, esc.Tier, esc.Service,
		esc.ErrorSummary, esc.ProposedAction, esc.Confidence, esc.Status)
	if err != nil {
		// The partial unique index turns a probe race into a constraint
		// violation; map it onto the duplicate branch.
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			existing, ferr := s.findPendingDuplicate(ctx, d.Service, d.Action, cutoff)
			if ferr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("create escalation: %w", err)
	}
	return esc, true, nil
}

func (s *Store) findPendingDuplicate(ctx context.Context, service, action string, cutoff time.Time) (*core.Escalation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, analysis_run_id, created_at, tier, service, error_summary, proposed_action, confidence, status
		   FROM escalations
		  WHERE service = ? AND proposed_action = ? AND status = ? AND created_at > ?
		  LIMIT 1`,
		service, action, core.EscalationPending, cutoff)
	esc, err := scanEscalation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return esc, err
}

// GetEscalation fetches one escalation by id.
func (s *Store) GetEscalation(ctx context.Context, id string) (*core.Escalation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, analysis_run_id, created_at, tier, service, error_summary, proposed_action, confidence, status, resolved_at, resolved_by
		   FROM escalations WHERE id = ?`, id)

	var esc core.Escalation
	var resolvedAt sql.NullTime
	err := row.Scan(&esc.ID, &esc.AnalysisRunID, &esc.CreatedAt, &esc.Tier, &esc.Service,
		&esc.ErrorSummary, &esc.ProposedAction, &esc.Confidence, &esc.Status, &resolvedAt, &esc.ResolvedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		esc.ResolvedAt = &t
	}
	return &esc, nil
}

// ListEscalations returns escalations, optionally filtered by status,
// newest first.
func (s *Store) ListEscalations(ctx context.Context, status string, limit int) ([]core.Escalation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, analysis_run_id, created_at, tier, service, error_summary, proposed_action, confidence, status
	            FROM escalations`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var escs []core.Escalation
	for rows.Next() {
		esc, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		escs = append(escs, *esc)
	}
	return escs, rows.Err()
}

// ResolveEscalation flips a pending escalation to approved or rejected.
func (s *Store) ResolveEscalation(ctx context.Context, id, status, by string) (*core.Escalation, error) {
	esc, err := s.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	if esc.Status != core.EscalationPending {
		return nil, ErrNotPending
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE escalations SET status = ?, resolved_at = ?, resolved_by = ? WHERE id = ? AND status = ?`,
		status, now, by, id, core.EscalationPending)
	if err != nil {
		return nil, fmt.Errorf("resolve escalation: %w", err)
	}
	esc.Status = status
	esc.ResolvedAt = &now
	esc.ResolvedBy = by
	return esc, nil
}

// ExpireStaleEscalations marks pending rows older than the dedup window as
// expired, keeping the partial unique index truthful.
func (s *Store) ExpireStaleEscalations(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-core.DedupWindow)
	res, err := s.db.ExecContext(ctx,
		`UPDATE escalations SET status = ?, resolved_at = ? WHERE status = ? AND created_at <= ?`,
		core.EscalationExpired, time.Now().UTC(), core.EscalationPending, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscalation(row rowScanner) (*core.Escalation, error) {
	var esc core.Escalation
	err := row.Scan(&esc.ID, &esc.AnalysisRunID, &esc.CreatedAt, &esc.Tier, &esc.Service,
		&esc.ErrorSummary, &esc.ProposedAction, &esc.Confidence, &esc.Status)
	if err != nil {
		return nil, err
	}
	return &esc, nil
}

// -- auto action log --------------------------------------------------------

// AppendAutoAction records one Tier-1 execution. Append only.
func (s *Store) AppendAutoAction(ctx context.Context, runID, service, action string, success bool, output string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auto_actions_log (id, analysis_run_id, executed_at, service, action, success, output)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), runID, time.Now().UTC(), service, action, success, output)
	if err != nil {
		return fmt.Errorf("append auto action: %w", err)
	}
	return nil
}

// CountAutoActionsSince counts executions newer than t, the basis of the
// hourly rate limit.
func (s *Store) CountAutoActionsSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM auto_actions_log WHERE executed_at > ?`, t).Scan(&n)
	return n, err
}

// ListAutoActions returns recent executions, newest first.
func (s *Store) ListAutoActions(ctx context.Context, limit int) ([]core.AutoActionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, analysis_run_id, executed_at, service, action, success, output
		   FROM auto_actions_log ORDER BY executed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []core.AutoActionLog
	for rows.Next() {
		var l core.AutoActionLog
		if err := rows.Scan(&l.ID, &l.AnalysisRunID, &l.ExecutedAt, &l.Service, &l.Action, &l.Success, &l.Output); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// -- aggregate stats --------------------------------------------------------

// Stats summarizes lifetime engine activity for the status endpoint.
type Stats struct {
	TotalRuns      int        `json:"total_runs"`
	TotalAutoFixed int        `json:"total_auto_fixed"`
	TotalEscalated int        `json:"total_escalated"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
}

// AggregateStats computes lifetime totals.
func (s *Store) AggregateStats(ctx context.Context) (*Stats, error) {
	var st Stats
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(auto_fixed), 0), COALESCE(SUM(escalated), 0), MAX(started_at)
		   FROM analysis_runs`).
		Scan(&st.TotalRuns, &st.TotalAutoFixed, &st.TotalEscalated, &last)
	if err != nil {
		return nil, err
	}
	if last.Valid {
		t := last.Time
		st.LastRunAt = &t
	}
	return &st, nil
}
