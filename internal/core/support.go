package core

import "time"

// Beacon is one registered node in the fleet directory.
type Beacon struct {
	ID        string    `json:"beacon_id"`
	Domain    string    `json:"domain"`
	EngineURL string    `json:"engine_url"`
	Bundle    string    `json:"bundle,omitempty"`
	Version   string    `json:"version,omitempty"`
	SourceIP  string    `json:"source_ip,omitempty"`
	Status    string    `json:"status"` // online, degraded, offline
	LastSeen  time.Time `json:"last_seen"`
}

// Beacon statuses.
const (
	BeaconOnline   = "online"
	BeaconDegraded = "degraded"
	BeaconOffline  = "offline"
)

// BreakglassSession is a time-boxed grant of highest-tier access. At most
// one active session exists per (user, beacon).
type BreakglassSession struct {
	ID            string     `json:"id"`
	UserUID       string     `json:"user_uid"`
	Username      string     `json:"username"`
	Email         string     `json:"email,omitempty"`
	BeaconID      string     `json:"beacon_id"`
	StartedAt     time.Time  `json:"started_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Reason        string     `json:"reason"`
	Status        string     `json:"status"` // active, revoked, expired
	SSHCertSerial string     `json:"ssh_cert_serial,omitempty"`
}

// Breakglass session statuses.
const (
	SessionActive  = "active"
	SessionRevoked = "revoked"
	SessionExpired = "expired"
)

// AuditEntry is one append-only record of a privileged gateway request.
type AuditEntry struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	ActorUID   string    `json:"actor_uid"`
	Username   string    `json:"username"`
	Email      string    `json:"email,omitempty"`
	Action     string    `json:"action"`
	BeaconID   string    `json:"beacon_id,omitempty"`
	AccessTier string    `json:"access_tier"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	BodyHash   string    `json:"body_hash,omitempty"`
	Status     int       `json:"status"`
	DurationMs float64   `json:"duration_ms"`
	Metadata   string    `json:"metadata,omitempty"`
}
