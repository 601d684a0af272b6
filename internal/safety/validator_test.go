package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wopr/fleet/internal/core"
)

func TestBlocklistOverride(t *testing.T) {
	v := NewValidator(0.7)

	out := v.Validate(core.Decision{
		Tier:       core.TierAuto,
		Action:     "rm -rf /var/log",
		Confidence: 0.95,
		Service:    "caddy",
	})

	assert.Equal(t, core.TierEscalate, out.Tier)
	assert.Equal(t, 0.0, out.Confidence)
	assert.Contains(t, out.Reasoning, "BLOCKED")
}

func TestBlocklistIsCaseInsensitive(t *testing.T) {
	v := NewValidator(0.7)

	out := v.Validate(core.Decision{
		Tier:       core.TierAuto,
		Action:     "drop table users",
		Confidence: 0.99,
	})
	assert.Equal(t, core.TierEscalate, out.Tier)
}

func TestAllowlistDowngrade(t *testing.T) {
	v := NewValidator(0.7)

	out := v.Validate(core.Decision{
		Tier:       core.TierAuto,
		Action:     "reboot_host",
		Confidence: 0.9,
	})
	assert.Equal(t, core.TierSuggest, out.Tier)
	assert.Contains(t, out.Reasoning, "not a Tier-1 action")
}

func TestAllowlistChecksLeadingToken(t *testing.T) {
	v := NewValidator(0.7)

	// "restart_service: caddy" tokenizes to restart_service.
	out := v.Validate(core.Decision{
		Tier:       core.TierAuto,
		Action:     "restart_service: caddy",
		Confidence: 0.9,
	})
	assert.Equal(t, core.TierAuto, out.Tier)
}

func TestConfidenceFloorDowngrade(t *testing.T) {
	v := NewValidator(0.7)

	out := v.Validate(core.Decision{
		Tier:       core.TierAuto,
		Action:     "restart_service",
		Confidence: 0.55,
	})
	assert.Equal(t, core.TierSuggest, out.Tier)
	assert.Contains(t, out.Reasoning, "below floor")
}

func TestNeverUpgrades(t *testing.T) {
	v := NewValidator(0.7)

	out := v.Validate(core.Decision{
		Tier:       core.TierEscalate,
		Action:     "restart_service",
		Confidence: 0.99,
	})
	assert.Equal(t, core.TierEscalate, out.Tier)

	out = v.Validate(core.Decision{
		Tier:       core.TierSuggest,
		Action:     "restart_service",
		Confidence: 0.99,
	})
	assert.Equal(t, core.TierSuggest, out.Tier)
}

func TestCleanAutoPasses(t *testing.T) {
	v := NewValidator(0.7)

	in := core.Decision{
		Tier:       core.TierAuto,
		Action:     "clear_tmp",
		Confidence: 0.85,
		Reasoning:  "disk full",
	}
	out := v.Validate(in)
	assert.Equal(t, in, out)
}

func TestDefaultFloorFallback(t *testing.T) {
	assert.Equal(t, DefaultMinConfidence, NewValidator(0).MinConfidence())
	assert.Equal(t, DefaultMinConfidence, NewValidator(1.5).MinConfidence())
	assert.Equal(t, 0.9, NewValidator(0.9).MinConfidence())
}
