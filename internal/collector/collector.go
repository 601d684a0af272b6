// Package collector pulls recent operational errors from the system journal
// and any configured per-service audit stores. Collection never fails: a
// broken source contributes nothing instead of an error.
package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/wopr/fleet/internal/core"
)

// DefaultWindow is the rolling collection window.
const DefaultWindow = 5 * time.Minute

// Collector merges journal and audit-store errors grouped by service.
type Collector struct {
	journal *JournalSource
	audit   *AuditStoreSource
	window  time.Duration
}

// New builds a collector. auditDBs maps service name → Postgres URL and may
// be empty.
func New(auditDBs map[string]string, window time.Duration) *Collector {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Collector{
		journal: NewJournalSource(),
		audit:   NewAuditStoreSource(auditDBs),
		window:  window,
	}
}

// Collect returns all errors from the window, grouped by service. Partial
// source failures are logged and swallowed.
func (c *Collector) Collect(ctx context.Context) map[string][]core.ErrorRecord {
	byService := make(map[string][]core.ErrorRecord)

	for _, rec := range c.journal.Recent(ctx, c.window) {
		byService[rec.Service] = append(byService[rec.Service], rec)
	}
	for _, rec := range c.audit.Recent(ctx, c.window) {
		byService[rec.Service] = append(byService[rec.Service], rec)
	}

	if len(byService) > 0 {
		total := 0
		for _, recs := range byService {
			total += len(recs)
		}
		slog.Info("collected errors", "services", len(byService), "records", total)
	}
	return byService
}
