package collector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/wopr/fleet/internal/core"
)

// journalRunner invokes journalctl and returns its stdout. Injectable for
// tests.
type journalRunner func(ctx context.Context, argv []string) ([]byte, error)

// JournalSource reads error-and-above entries from the systemd journal as
// one JSON object per line.
type JournalSource struct {
	run journalRunner
}

// NewJournalSource builds a source backed by the real journalctl binary.
func NewJournalSource() *JournalSource {
	return &JournalSource{run: runJournalctl}
}

// journalEntry is the subset of journalctl -o json fields we care about.
type journalEntry struct {
	Message          string `json:"MESSAGE"`
	Priority         string `json:"PRIORITY"`
	RealtimeUsec     string `json:"__REALTIME_TIMESTAMP"`
	Unit             string `json:"UNIT"`
	SystemdUnit      string `json:"_SYSTEMD_UNIT"`
	ContainerName    string `json:"CONTAINER_NAME"`
	SyslogIdentifier string `json:"SYSLOG_IDENTIFIER"`
}

// Recent returns journal errors within the window. Any failure yields an
// empty slice.
func (j *JournalSource) Recent(ctx context.Context, window time.Duration) []core.ErrorRecord {
	minutes := int(window.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	since := fmt.Sprintf("-%dmin", minutes)
	argv := []string{"/usr/bin/journalctl", "-o", "json", "-p", "err", "--since", since, "--no-pager"}

	out, err := j.run(ctx, argv)
	if err != nil {
		slog.Warn("journal collection failed", "error", err)
		return nil
	}

	var records []core.ErrorRecord
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry journalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue // malformed line, keep going
		}
		records = append(records, core.ErrorRecord{
			Source:    core.SourceJournal,
			Service:   serviceFromEntry(entry),
			Severity:  severityFromPriority(entry.Priority),
			Timestamp: timeFromRealtime(entry.RealtimeUsec),
			Message:   entry.Message,
		})
	}
	return records
}

// serviceFromEntry derives the service identity, preferring the most
// specific field and stripping a trailing .service suffix.
func serviceFromEntry(e journalEntry) string {
	for _, candidate := range []string{e.Unit, e.SystemdUnit, e.ContainerName, e.SyslogIdentifier} {
		if candidate != "" {
			return strings.TrimSuffix(candidate, ".service")
		}
	}
	return "unknown"
}

// severityFromPriority maps syslog priorities: 0-2 → critical, everything
// else collected at -p err is error.
func severityFromPriority(p string) string {
	n, err := strconv.Atoi(p)
	if err == nil && n <= 2 {
		return "critical"
	}
	return "error"
}

func timeFromRealtime(usec string) time.Time {
	n, err := strconv.ParseInt(usec, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.UnixMicro(n).UTC()
}

func runJournalctl(ctx context.Context, argv []string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return exec.CommandContext(cctx, argv[0], argv[1:]...).Output()
}
