// Package safety is the single enforcement point between classification and
// execution. The validator may downgrade a decision's tier; it can never
// upgrade one.
package safety

import (
	"fmt"
	"strings"

	"github.com/wopr/fleet/internal/core"
)

// CommandBlocklist lists substrings that disqualify an action outright.
// Matching is case-insensitive.
var CommandBlocklist = []string{
	"rm -rf",
	"dd if=",
	"mkfs",
	"chmod 777",
	"DROP TABLE",
	"TRUNCATE",
	"DELETE FROM",
	"> /dev/sd",
	"wget -O -",
	"curl | bash",
	"curl | sh",
	"eval(",
	"exec(",
}

// Tier1Allowlist is the closed set of actions eligible for auto execution.
var Tier1Allowlist = map[string]bool{
	"restart_service":      true,
	"restart_container":    true,
	"pull_container_image": true,
	"reload_caddy":         true,
	"clear_tmp":            true,
	"rotate_logs":          true,
	"check_disk_usage":     true,
	"check_memory":         true,
	"dns_flush":            true,
}

// DefaultMinConfidence is the floor below which auto decisions are demoted.
const DefaultMinConfidence = 0.7

// Validator applies the blocklist, the Tier-1 allowlist, and the confidence
// floor, in that order. Each rule may only lower the tier.
type Validator struct {
	minConfidence float64
}

// NewValidator builds a validator with the given confidence floor; values
// outside (0,1] fall back to DefaultMinConfidence.
func NewValidator(minConfidence float64) *Validator {
	if minConfidence <= 0 || minConfidence > 1 {
		minConfidence = DefaultMinConfidence
	}
	return &Validator{minConfidence: minConfidence}
}

// Validate returns the decision, possibly downgraded. The input is not
// mutated.
func (v *Validator) Validate(d core.Decision) core.Decision {
	// Rule 1: blocklisted substring anywhere in the action is a hard stop.
	lower := strings.ToLower(d.Action)
	for _, blocked := range CommandBlocklist {
		if strings.Contains(lower, strings.ToLower(blocked)) {
			d.Tier = core.TierEscalate
			d.Confidence = 0
			d.Reasoning = fmt.Sprintf("BLOCKED: action contains forbidden pattern %q. %s", blocked, d.Reasoning)
			return d
		}
	}

	// Rule 2: auto actions must be allowlisted by their leading token.
	if d.Tier == core.TierAuto && !Tier1Allowlist[actionToken(d.Action)] {
		d.Tier = core.TierSuggest
		d.Reasoning = fmt.Sprintf("Downgraded: %q is not a Tier-1 action. %s", d.Action, d.Reasoning)
	}

	// Rule 3: auto actions must clear the confidence floor.
	if d.Tier == core.TierAuto && d.Confidence < v.minConfidence {
		d.Tier = core.TierSuggest
		d.Reasoning = fmt.Sprintf("Downgraded: confidence %.2f below floor %.2f. %s", d.Confidence, v.minConfidence, d.Reasoning)
	}

	return d
}

// MinConfidence reports the configured floor.
func (v *Validator) MinConfidence() float64 {
	return v.minConfidence
}

// actionToken extracts the first whitespace- or colon-separated token of an
// action string.
func actionToken(action string) string {
	token := strings.TrimSpace(action)
	if i := strings.IndexAny(token, " \t:"); i >= 0 {
		token = token[:i]
	}
	return token
}
