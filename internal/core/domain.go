// Package core holds the domain types shared by the beacon analysis engine
// and the central support plane.
package core

import "time"

// Tier is the disposition of a remediation decision.
type Tier string

const (
	// TierAuto decisions are executed on the beacon without a human in the loop.
	TierAuto Tier = "auto"
	// TierSuggest decisions become escalations with a concrete proposed action.
	TierSuggest Tier = "suggest"
	// TierEscalate decisions become escalations that need investigation first.
	TierEscalate Tier = "escalate"
)

// ErrorSource identifies where an error record was collected from.
type ErrorSource string

const (
	SourceJournal    ErrorSource = "journal"
	SourceAuditStore ErrorSource = "audit_store"
)

// ErrorRecord is one collected operational error. Records are immutable and
// discarded after the cycle that collected them unless they escalate.
type ErrorRecord struct {
	Source      ErrorSource `json:"source"`
	Service     string      `json:"service"`
	Severity    string      `json:"severity"` // info, warning, error, critical
	Timestamp   time.Time   `json:"timestamp"`
	Message     string      `json:"message"`
	RequestPath string      `json:"request_path,omitempty"`
	StatusCode  int         `json:"status_code,omitempty"`
	DurationMs  float64     `json:"duration_ms,omitempty"`
}

// Decision is the classification outcome for one service's errors in one
// cycle. After the safety validator runs, tier=auto implies the action is
// allowlisted, clear of the command blocklist, and at or above the
// confidence floor.
type Decision struct {
	Tier         Tier    `json:"tier"`
	Action       string  `json:"action"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
	Service      string  `json:"service"`
	ErrorPattern string  `json:"error_pattern,omitempty"`
}

// AnalysisRun records one collect→classify→act/escalate pass.
type AnalysisRun struct {
	ID          string     `json:"id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Status      string     `json:"status"` // running, completed, failed
	ErrorsFound int        `json:"errors_found"`
	AutoFixed   int        `json:"auto_fixed"`
	Escalated   int        `json:"escalated"`
	Summary     string     `json:"summary,omitempty"`
}

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Escalation asks a human operator to approve a decision the engine refused
// to auto-execute. While pending and younger than 24h, new escalations for
// the same (service, proposed_action) collapse into the existing row.
type Escalation struct {
	ID             string     `json:"id"`
	AnalysisRunID  string     `json:"analysis_run_id"`
	CreatedAt      time.Time  `json:"created_at"`
	Tier           Tier       `json:"tier"`
	Service        string     `json:"service"`
	ErrorSummary   string     `json:"error_summary"`
	ProposedAction string     `json:"proposed_action"`
	Confidence     float64    `json:"confidence"`
	Status         string     `json:"status"` // pending, approved, rejected, expired
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
}

// Escalation statuses.
const (
	EscalationPending  = "pending"
	EscalationApproved = "approved"
	EscalationRejected = "rejected"
	EscalationExpired  = "expired"
)

// AutoActionLog is the append-only record of every Tier-1 execution.
type AutoActionLog struct {
	ID            string    `json:"id"`
	AnalysisRunID string    `json:"analysis_run_id"`
	ExecutedAt    time.Time `json:"executed_at"`
	Service       string    `json:"service"`
	Action        string    `json:"action"`
	Success       bool      `json:"success"`
	Output        string    `json:"output"`
}

// DedupWindow is how long a pending escalation absorbs duplicates.
const DedupWindow = 24 * time.Hour
