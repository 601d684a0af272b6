package patterns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/fleet/internal/core"
)

func TestMatchOOMFastPath(t *testing.T) {
	m := NewMatcher()

	d := m.Match("Out of memory: kill process 1234")
	require.NotNil(t, d)
	assert.Equal(t, core.TierSuggest, d.Tier)
	assert.Equal(t, "check_memory", d.Action)
	assert.Equal(t, 0.9, d.Confidence)
	assert.Equal(t, "oom_kill", d.ErrorPattern)
}

func TestMatchIsCaseInsensitive(t *testing.T) {
	m := NewMatcher()

	lower := m.Match("no space left on device")
	upper := m.Match("NO SPACE LEFT ON DEVICE")
	require.NotNil(t, lower)
	require.NotNil(t, upper)
	assert.Equal(t, lower.Action, upper.Action)
	assert.Equal(t, "clear_tmp", lower.Action)
	assert.Equal(t, core.TierAuto, lower.Tier)
}

func TestMatchFirstWins(t *testing.T) {
	m := NewMatcher()

	// Message matches both oom_kill and process_killed; oom_kill is earlier.
	d := m.Match("Out of memory: Killed process 999 (redis-server)")
	require.NotNil(t, d)
	assert.Equal(t, "oom_kill", d.ErrorPattern)
}

func TestMatchNoHit(t *testing.T) {
	m := NewMatcher()
	assert.Nil(t, m.Match("request completed in 12ms"))
	assert.Nil(t, m.Match(""))
}

func TestTaxonomyEntries(t *testing.T) {
	m := NewMatcher()
	assert.GreaterOrEqual(t, m.PatternCount(), 8)

	cases := map[string]string{
		"dial tcp 10.0.0.5:5432: connect: connection refused": "restart_service",
		"tls handshake error from 1.2.3.4":                    "investigate",
		"lookup api.internal: no such host":                   "dns_flush",
		"pam_unix(sshd): authentication failure":              "investigate",
	}
	for msg, action := range cases {
		d := m.Match(msg)
		require.NotNil(t, d, "expected match for %q", msg)
		assert.Equal(t, action, d.Action, "message %q", msg)
	}
}
