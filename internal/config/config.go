// Package config loads typed configuration from the environment. Each
// binary loads only its own section; a malformed value is a start-up
// failure, never a silent default.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// loadDotenv pulls in a .env file when present. Absence is normal in
// production where systemd injects the environment.
func loadDotenv() {
	_ = godotenv.Load()
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func envFloat(key string, def float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a number", key, v))
		return def
	}
	return f
}

func envBool(key string, def bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

// envDuration accepts Go duration syntax ("5m", "90s").
func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

func envJSONMap(key string, errs *[]error) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid JSON map: %v", key, err))
		return nil
	}
	return m
}

func combine(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msg := "invalid configuration:"
	for _, e := range errs {
		msg += "\n  " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}

// -- analysis engine --------------------------------------------------------

// Engine configures the per-beacon analysis daemon.
type Engine struct {
	Listen           string
	BeaconID         string
	DBPath           string
	ScanInterval     time.Duration
	MaxAutoPerHour   int
	MinConfidence    float64
	AuditDBs         map[string]string
	OllamaURL        string
	OllamaModel      string
	GatewayURL       string
	NotifyWebhookURL string
	NotifyRedisURL   string
	CollectionWindow time.Duration
}

// LoadEngine reads the engine section from the environment.
func LoadEngine() (*Engine, error) {
	loadDotenv()
	var errs []error

	hostname, _ := os.Hostname()
	scanSeconds := envInt("SCAN_INTERVAL", 300, &errs)

	cfg := &Engine{
		Listen:           envStr("ENGINE_LISTEN", ":8044"),
		BeaconID:         envStr("BEACON_ID", hostname),
		DBPath:           envStr("AI_ENGINE_DB", "/var/lib/wopr/analysis.db"),
		ScanInterval:     time.Duration(scanSeconds) * time.Second,
		MaxAutoPerHour:   envInt("MAX_AUTO_ACTIONS_PER_HOUR", 10, &errs),
		MinConfidence:    envFloat("MIN_CONFIDENCE", 0.7, &errs),
		AuditDBs:         envJSONMap("AUDIT_DBS", &errs),
		OllamaURL:        envStr("OLLAMA_URL", "http://127.0.0.1:11434"),
		OllamaModel:      envStr("OLLAMA_MODEL", "llama3"),
		GatewayURL:       envStr("GATEWAY_URL", ""),
		NotifyWebhookURL: envStr("NOTIFY_WEBHOOK_URL", ""),
		NotifyRedisURL:   envStr("NOTIFY_REDIS_URL", ""),
		CollectionWindow: envDuration("COLLECTION_WINDOW", 5*time.Minute, &errs),
	}

	if scanSeconds <= 0 {
		errs = append(errs, fmt.Errorf("SCAN_INTERVAL: must be positive, got %d", scanSeconds))
	}
	if cfg.MaxAutoPerHour <= 0 {
		errs = append(errs, fmt.Errorf("MAX_AUTO_ACTIONS_PER_HOUR: must be positive, got %d", cfg.MaxAutoPerHour))
	}
	if cfg.MinConfidence <= 0 || cfg.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("MIN_CONFIDENCE: must be in (0, 1], got %g", cfg.MinConfidence))
	}
	return cfg, combine(errs)
}

// -- support gateway --------------------------------------------------------

// Gateway configures the central support gateway.
type Gateway struct {
	Listen                   string
	DatabaseURL              string
	SSHCAURL                 string
	ActionsFile              string
	BreakglassMaxMinutes     int
	BreakglassDefaultMinutes int
	HeartbeatInterval        time.Duration
}

// LoadGateway reads the gateway section from the environment.
func LoadGateway() (*Gateway, error) {
	loadDotenv()
	var errs []error

	cfg := &Gateway{
		Listen:                   envStr("GATEWAY_LISTEN", ":8080"),
		DatabaseURL:              envStr("DATABASE_URL", ""),
		SSHCAURL:                 envStr("SSH_CA_URL", "http://127.0.0.1:8443"),
		ActionsFile:              envStr("ACTIONS_FILE", ""),
		BreakglassMaxMinutes:     envInt("BREAKGLASS_MAX_MINUTES", 30, &errs),
		BreakglassDefaultMinutes: envInt("BREAKGLASS_DEFAULT_MINUTES", 15, &errs),
		HeartbeatInterval:        envDuration("HEARTBEAT_INTERVAL", time.Minute, &errs),
	}

	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL: required"))
	}
	if cfg.BreakglassMaxMinutes <= 0 {
		errs = append(errs, fmt.Errorf("BREAKGLASS_MAX_MINUTES: must be positive, got %d", cfg.BreakglassMaxMinutes))
	}
	if cfg.BreakglassDefaultMinutes <= 0 || cfg.BreakglassDefaultMinutes > cfg.BreakglassMaxMinutes {
		errs = append(errs, fmt.Errorf("BREAKGLASS_DEFAULT_MINUTES: must be in (0, %d], got %d",
			cfg.BreakglassMaxMinutes, cfg.BreakglassDefaultMinutes))
	}
	return cfg, combine(errs)
}

// -- certificate authority --------------------------------------------------

// CA configures the SSH certificate authority.
type CA struct {
	Listen             string
	KeyPath            string
	Generate           bool
	DatabaseURL        string
	ValidityDiag       time.Duration
	ValidityRemediate  time.Duration
	ValidityBreakglass time.Duration
}

// LoadCA reads the certificate authority section from the environment.
func LoadCA() (*CA, error) {
	loadDotenv()
	var errs []error

	cfg := &CA{
		Listen:             envStr("SSHCA_LISTEN", ":8443"),
		KeyPath:            envStr("SSHCA_KEY_PATH", "/etc/wopr/ca_ed25519"),
		Generate:           envBool("SSHCA_GENERATE", false, &errs),
		DatabaseURL:        envStr("DATABASE_URL", ""),
		ValidityDiag:       envDuration("SSHCA_VALIDITY_DIAG", 5*time.Minute, &errs),
		ValidityRemediate:  envDuration("SSHCA_VALIDITY_REMEDIATE", 10*time.Minute, &errs),
		ValidityBreakglass: envDuration("SSHCA_VALIDITY_BREAKGLASS", 30*time.Minute, &errs),
	}

	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL: required"))
	}
	for key, d := range map[string]time.Duration{
		"SSHCA_VALIDITY_DIAG":       cfg.ValidityDiag,
		"SSHCA_VALIDITY_REMEDIATE":  cfg.ValidityRemediate,
		"SSHCA_VALIDITY_BREAKGLASS": cfg.ValidityBreakglass,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %s", key, d))
		}
	}
	return cfg, combine(errs)
}
