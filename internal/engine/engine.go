// Package engine runs the beacon analysis loop: collect operational
// errors, classify them, validate every decision for safety, then either
// execute a Tier-1 fix or raise a deduplicated escalation.
package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/wopr/fleet/internal/core"
	"github.com/wopr/fleet/internal/executor"
	"github.com/wopr/fleet/internal/llm"
	"github.com/wopr/fleet/internal/metrics"
	"github.com/wopr/fleet/internal/notify"
	"github.com/wopr/fleet/internal/patterns"
	"github.com/wopr/fleet/internal/safety"
)

// errorCollector yields the error records for one cycle, grouped by service.
type errorCollector interface {
	Collect(ctx context.Context) map[string][]core.ErrorRecord
}

// classifier produces a decision for a service's error batch. A nil decision
// means classification was unavailable and the batch is skipped this cycle.
type classifier interface {
	Classify(ctx context.Context, service string, errs []core.ErrorRecord) *core.Decision
}

// actionRunner executes a validated Tier-1 action.
type actionRunner interface {
	Execute(ctx context.Context, action, target string) executor.Result
}

// digestLimit caps how many error lines feed the summary attached to
// escalations and model prompts.
const digestLimit = 10

// Engine ties the pipeline together. One cycle runs at a time; overlapping
// triggers (scheduler tick plus analyze-now) serialize on mu.
type Engine struct {
	store     *Store
	collector errorCollector
	matcher   *patterns.Matcher
	model     classifier
	validator *safety.Validator
	exec      actionRunner
	notifier  notify.Notifier

	maxAutoPerHour int
	logger         *log.Logger

	mu sync.Mutex
}

// Options carries the engine's collaborators. Zero-value fields get safe
// defaults so tests can supply only what they exercise.
type Options struct {
	Store          *Store
	Collector      errorCollector
	Model          classifier
	Validator      *safety.Validator
	Executor       actionRunner
	Notifier       notify.Notifier
	MaxAutoPerHour int
}

// New assembles an engine.
func New(opts Options) *Engine {
	e := &Engine{
		store:          opts.Store,
		collector:      opts.Collector,
		matcher:        patterns.NewMatcher(),
		model:          opts.Model,
		validator:      opts.Validator,
		exec:           opts.Executor,
		notifier:       opts.Notifier,
		maxAutoPerHour: opts.MaxAutoPerHour,
		logger:         log.New(log.Writer(), "[engine] ", log.LstdFlags),
	}
	if e.validator == nil {
		e.validator = safety.NewValidator(safety.DefaultMinConfidence)
	}
	if e.exec == nil {
		e.exec = executor.New()
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.maxAutoPerHour <= 0 {
		e.maxAutoPerHour = 10
	}
	return e
}

// RunAnalysisCycle executes one full pass and records it as an analysis run.
// The returned run is also persisted; errors here mean the run itself could
// not be recorded, not that a fix failed.
func (e *Engine) RunAnalysisCycle(ctx context.Context) (*core.AnalysisRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, err := e.store.CreateRun(ctx)
	if err != nil {
		return nil, err
	}

	if n, err := e.store.ExpireStaleEscalations(ctx); err != nil {
		e.logger.Printf("escalation expiry sweep failed: %v", err)
	} else if n > 0 {
		e.logger.Printf("expired %d stale escalations", n)
	}

	summary, cycleErr := e.runCycle(ctx, run)

	status := core.RunStatusCompleted
	if cycleErr != nil {
		status = core.RunStatusFailed
		summary = cycleErr.Error()
	}
	if err := e.store.CompleteRun(ctx, run, status, summary); err != nil {
		return run, err
	}
	metrics.AnalysisCycles.WithLabelValues(status).Inc()
	e.logger.Printf("cycle %s %s: %d errors, %d auto-fixed, %d escalated",
		run.ID, status, run.ErrorsFound, run.AutoFixed, run.Escalated)
	return run, cycleErr
}

func (e *Engine) runCycle(ctx context.Context, run *core.AnalysisRun) (string, error) {
	byService := e.collector.Collect(ctx)

	for _, errs := range byService {
		run.ErrorsFound += len(errs)
	}
	metrics.ErrorsCollected.Add(float64(run.ErrorsFound))
	if run.ErrorsFound == 0 {
		return "no errors found", nil
	}

	// Deterministic order keeps the rate limit budget fair across services.
	services := make([]string, 0, len(byService))
	for svc := range byService {
		services = append(services, svc)
	}
	sort.Strings(services)

	for _, svc := range services {
		errs := byService[svc]
		if len(errs) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("cycle interrupted: %w", err)
		}
		e.handleService(ctx, run, svc, errs)
	}

	return fmt.Sprintf("%d services analyzed, %d errors", len(services), run.ErrorsFound), nil
}

// handleService classifies one service's batch and acts on the decision.
// An unclassifiable batch is skipped for this cycle; the next cycle sees the
// errors again if they persist.
func (e *Engine) handleService(ctx context.Context, run *core.AnalysisRun, svc string, errs []core.ErrorRecord) {
	decision := e.classify(ctx, svc, errs)
	if decision == nil {
		metrics.InferenceFallbacks.Inc()
		e.logger.Printf("no classification for %s, skipping this cycle", svc)
		return
	}
	decision.Service = svc

	validated := e.validator.Validate(*decision)

	if validated.Tier == core.TierAuto {
		if e.withinRateLimit(ctx) {
			e.autoFix(ctx, run, validated)
			return
		}
		metrics.RateLimitDowngrades.Inc()
		e.logger.Printf("hourly auto-action budget exhausted, escalating %s for %s",
			validated.Action, validated.Service)
		validated.Tier = core.TierSuggest
		validated.Reasoning = "Hourly auto-action limit reached; " + validated.Reasoning
	}

	e.escalate(ctx, run, validated, llm.Digest(errs, digestLimit))
}

// classify tries the pattern taxonomy first, then the model. Nil means
// neither produced a decision.
func (e *Engine) classify(ctx context.Context, svc string, errs []core.ErrorRecord) *core.Decision {
	for i := range errs {
		if d := e.matcher.Match(errs[i].Message); d != nil {
			return d
		}
	}
	if e.model != nil {
		return e.model.Classify(ctx, svc, errs)
	}
	return nil
}

// withinRateLimit re-checks the hourly budget immediately before each
// execution so a burst within one cycle cannot overshoot it.
func (e *Engine) withinRateLimit(ctx context.Context) bool {
	n, err := e.store.CountAutoActionsSince(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		e.logger.Printf("rate limit check failed, refusing auto action: %v", err)
		return false
	}
	return n < e.maxAutoPerHour
}

func (e *Engine) autoFix(ctx context.Context, run *core.AnalysisRun, d core.Decision) {
	res := e.exec.Execute(ctx, d.Action, d.Service)

	if err := e.store.AppendAutoAction(ctx, run.ID, d.Service, d.Action, res.Success, res.Output); err != nil {
		e.logger.Printf("record auto action failed: %v", err)
	}

	if res.Success {
		metrics.AutoActions.WithLabelValues("success").Inc()
		run.AutoFixed++
		e.logger.Printf("auto-fixed %s via %s", d.Service, d.Action)
		return
	}

	metrics.AutoActions.WithLabelValues("failure").Inc()
	e.logger.Printf("auto action %s failed for %s: %s", d.Action, d.Service, res.Output)
	e.notifier.NotifyAutoFixFailure(d.Service, d.Action, res.Output)

	// A failed fix still needs eyes on it.
	d.Tier = core.TierSuggest
	d.Reasoning = "Automatic fix failed; " + d.Reasoning
	e.escalate(ctx, run, d, res.Output)
}

// ApproveEscalation executes the proposed action and marks the escalation
// approved. The execution is recorded in the auto action log like any other
// Tier-1 run; operator approval bypasses the hourly budget.
func (e *Engine) ApproveEscalation(ctx context.Context, id, by string) (*core.Escalation, executor.Result, error) {
	esc, err := e.store.GetEscalation(ctx, id)
	if err != nil {
		return nil, executor.Result{}, err
	}
	if esc.Status != core.EscalationPending {
		return nil, executor.Result{}, ErrNotPending
	}

	res := e.exec.Execute(ctx, esc.ProposedAction, esc.Service)
	if err := e.store.AppendAutoAction(ctx, esc.AnalysisRunID, esc.Service, esc.ProposedAction, res.Success, res.Output); err != nil {
		e.logger.Printf("record approved action failed: %v", err)
	}

	resolved, err := e.store.ResolveEscalation(ctx, id, core.EscalationApproved, by)
	if err != nil {
		return nil, res, err
	}
	e.logger.Printf("escalation %s approved by %s: %s on %s (success=%t)",
		id, by, esc.ProposedAction, esc.Service, res.Success)
	return resolved, res, nil
}

// RejectEscalation marks a pending escalation rejected without executing
// anything.
func (e *Engine) RejectEscalation(ctx context.Context, id, by string) (*core.Escalation, error) {
	return e.store.ResolveEscalation(ctx, id, core.EscalationRejected, by)
}

func (e *Engine) escalate(ctx context.Context, run *core.AnalysisRun, d core.Decision, errorSummary string) {
	esc, created, err := e.store.CreateEscalation(ctx, run.ID, d, errorSummary)
	if err != nil {
		e.logger.Printf("create escalation failed for %s: %v", d.Service, err)
		return
	}
	if !created {
		e.logger.Printf("duplicate escalation for %s/%s absorbed by %s", d.Service, d.Action, esc.ID)
		return
	}

	metrics.EscalationsCreated.Inc()
	run.Escalated++
	e.notifier.NotifyEscalation(esc.Tier, esc.Service, esc.ErrorSummary, esc.ProposedAction, esc.Confidence, esc.ID)
}
