package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEngineDefaults(t *testing.T) {
	cfg, err := LoadEngine()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.ScanInterval)
	assert.Equal(t, 10, cfg.MaxAutoPerHour)
	assert.Equal(t, 0.7, cfg.MinConfidence)
	assert.Equal(t, "http://127.0.0.1:11434", cfg.OllamaURL)
	assert.NotEmpty(t, cfg.BeaconID)
}

func TestLoadEngineParsesAuditDBs(t *testing.T) {
	t.Setenv("AUDIT_DBS", `{"app":"postgres://app:pw@localhost/app_audit"}`)
	cfg, err := LoadEngine()
	require.NoError(t, err)
	assert.Equal(t, "postgres://app:pw@localhost/app_audit", cfg.AuditDBs["app"])
}

func TestLoadEngineRejectsBadValues(t *testing.T) {
	t.Setenv("SCAN_INTERVAL", "sometimes")
	t.Setenv("MIN_CONFIDENCE", "1.5")
	_, err := LoadEngine()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCAN_INTERVAL")
	assert.Contains(t, err.Error(), "MIN_CONFIDENCE")
}

func TestLoadGatewayRequiresDatabase(t *testing.T) {
	_, err := LoadGateway()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadGatewayClampOrdering(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://wopr@localhost/wopr")
	t.Setenv("BREAKGLASS_MAX_MINUTES", "20")
	t.Setenv("BREAKGLASS_DEFAULT_MINUTES", "25")
	_, err := LoadGateway()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BREAKGLASS_DEFAULT_MINUTES")
}

func TestLoadCAValidityWindows(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://wopr@localhost/wopr")
	t.Setenv("SSHCA_VALIDITY_DIAG", "3m")
	cfg, err := LoadCA()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, cfg.ValidityDiag)
	assert.Equal(t, 10*time.Minute, cfg.ValidityRemediate)
	assert.Equal(t, 30*time.Minute, cfg.ValidityBreakglass)
}
