package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/fleet/internal/core"
	"github.com/wopr/fleet/internal/executor"
	"github.com/wopr/fleet/internal/notify"
)

// -- test doubles -----------------------------------------------------------

type staticCollector map[string][]core.ErrorRecord

func (c staticCollector) Collect(context.Context) map[string][]core.ErrorRecord {
	return c
}

type staticClassifier struct {
	decision *core.Decision
}

func (c *staticClassifier) Classify(context.Context, string, []core.ErrorRecord) *core.Decision {
	if c.decision == nil {
		return nil
	}
	d := *c.decision
	return &d
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	succeed bool
	output  string
}

func (f *fakeRunner) Execute(_ context.Context, action, target string) executor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action+" "+target)
	return executor.Result{Success: f.succeed, Output: f.output}
}

type recordingNotifier struct {
	mu          sync.Mutex
	escalations []string
	failures    []string
}

func (n *recordingNotifier) NotifyEscalation(_ core.Tier, service, _, action string, _ float64, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalations = append(n.escalations, service+"/"+action)
}

func (n *recordingNotifier) NotifyAutoFixFailure(service, action, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, service+"/"+action)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func errsFor(service, message string) map[string][]core.ErrorRecord {
	return map[string][]core.ErrorRecord{
		service: {{
			Source:    core.SourceJournal,
			Service:   service,
			Severity:  "error",
			Timestamp: time.Now().UTC(),
			Message:   message,
		}},
	}
}

func newTestEngine(st *Store, collector errorCollector, runner *fakeRunner, notifier notify.Notifier, budget int) *Engine {
	return New(Options{
		Store:          st,
		Collector:      collector,
		Executor:       runner,
		Notifier:       notifier,
		MaxAutoPerHour: budget,
	})
}

// -- cycle behavior ---------------------------------------------------------

func TestCycleAutoFixSuccess(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeRunner{succeed: true, output: "cleared"}
	notifier := &recordingNotifier{}
	// disk_full pattern classifies as tier auto / clear_tmp.
	eng := newTestEngine(st, staticCollector(errsFor("app", "write failed: no space left on device")), runner, notifier, 10)

	run, err := eng.RunAnalysisCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.ErrorsFound)
	assert.Equal(t, 1, run.AutoFixed)
	assert.Equal(t, 0, run.Escalated)
	assert.Equal(t, []string{"clear_tmp app"}, runner.calls)

	logs, err := st.ListAutoActions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)

	// Successful auto-fixes do not notify anyone.
	assert.Empty(t, notifier.escalations)
	assert.Empty(t, notifier.failures)
}

func TestCycleAutoFixFailureEscalatesAndNotifies(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeRunner{succeed: false, output: "permission denied by policy"}
	notifier := &recordingNotifier{}
	eng := newTestEngine(st, staticCollector(errsFor("app", "no space left on device")), runner, notifier, 10)

	run, err := eng.RunAnalysisCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, run.AutoFixed)
	assert.Equal(t, 1, run.Escalated)

	logs, err := st.ListAutoActions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)

	assert.Equal(t, []string{"app/clear_tmp"}, notifier.failures)
	require.Len(t, notifier.escalations, 1)

	escs, err := st.ListEscalations(context.Background(), core.EscalationPending, 10)
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, core.TierSuggest, escs[0].Tier)
	assert.Contains(t, escs[0].ErrorSummary, "permission denied by policy")
}

func TestCycleRateLimitDowngradesToEscalation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Exhaust the hourly budget.
	for i := 0; i < 10; i++ {
		require.NoError(t, st.AppendAutoAction(ctx, "seed-run", "svc", "clear_tmp", true, ""))
	}

	runner := &fakeRunner{succeed: true}
	notifier := &recordingNotifier{}
	eng := newTestEngine(st, staticCollector(errsFor("app", "no space left on device")), runner, notifier, 10)

	run, err := eng.RunAnalysisCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, run.AutoFixed)
	assert.Equal(t, 1, run.Escalated)
	assert.Empty(t, runner.calls, "budget-exhausted decision must not execute")

	// The action log is unchanged: still only the seeded rows.
	n, err := st.CountAutoActionsSince(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	escs, err := st.ListEscalations(ctx, core.EscalationPending, 10)
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, core.TierSuggest, escs[0].Tier, "auto decision must land as a suggestion")
	assert.Equal(t, "clear_tmp", escs[0].ProposedAction)
	assert.Equal(t, []string{"app/clear_tmp"}, notifier.escalations)
}

func TestCycleDeduplicatesEscalations(t *testing.T) {
	st := newTestStore(t)
	notifier := &recordingNotifier{}
	// oom_kill pattern classifies as tier suggest / check_memory.
	collector := staticCollector(errsFor("postgres", "Out of memory: kill process 1234"))
	eng := newTestEngine(st, collector, &fakeRunner{}, notifier, 10)

	ctx := context.Background()
	first, err := eng.RunAnalysisCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Escalated)

	second, err := eng.RunAnalysisCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Escalated, "pending duplicate must be absorbed")

	escs, err := st.ListEscalations(ctx, core.EscalationPending, 10)
	require.NoError(t, err)
	assert.Len(t, escs, 1)

	// Only the first occurrence notifies.
	assert.Len(t, notifier.escalations, 1)
}

func TestCycleSkipsServiceWithoutClassification(t *testing.T) {
	st := newTestStore(t)
	notifier := &recordingNotifier{}
	eng := New(Options{
		Store:     st,
		Collector: staticCollector(errsFor("mystery", "something nobody recognizes qqzz")),
		Model:     &staticClassifier{decision: nil},
		Executor:  &fakeRunner{},
		Notifier:  notifier,
	})

	run, err := eng.RunAnalysisCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, run.ErrorsFound)
	assert.Equal(t, 0, run.AutoFixed)
	assert.Equal(t, 0, run.Escalated)
	assert.Empty(t, notifier.escalations)
}

func TestCycleValidatorBlocksModelDecision(t *testing.T) {
	st := newTestStore(t)
	eng := New(Options{
		Store:     st,
		Collector: staticCollector(errsFor("app", "unrecognized failure xyzzy")),
		Model: &staticClassifier{decision: &core.Decision{
			Tier:       core.TierAuto,
			Action:     "rm -rf /var/log",
			Confidence: 0.95,
			Reasoning:  "free up space",
		}},
		Executor: &fakeRunner{},
		Notifier: &recordingNotifier{},
	})

	run, err := eng.RunAnalysisCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, run.AutoFixed)
	assert.Equal(t, 1, run.Escalated)

	escs, err := st.ListEscalations(context.Background(), core.EscalationPending, 10)
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, core.TierEscalate, escs[0].Tier)
	assert.Equal(t, 0.0, escs[0].Confidence)
}

// -- approval path ----------------------------------------------------------

func TestApproveExecutesProposedAction(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeRunner{succeed: true, output: "restarted"}
	eng := newTestEngine(st, staticCollector(nil), runner, &recordingNotifier{}, 10)

	ctx := context.Background()
	esc, created, err := st.CreateEscalation(ctx, "run-1", core.Decision{
		Tier:       core.TierSuggest,
		Action:     "restart_service",
		Service:    "caddy",
		Confidence: 0.8,
	}, "caddy is down")
	require.NoError(t, err)
	require.True(t, created)

	resolved, res, err := eng.ApproveEscalation(ctx, esc.ID, "alex")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, core.EscalationApproved, resolved.Status)
	assert.Equal(t, "alex", resolved.ResolvedBy)
	assert.Equal(t, []string{"restart_service caddy"}, runner.calls)

	logs, err := st.ListAutoActions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	// A second approval is rejected.
	_, _, err = eng.ApproveEscalation(ctx, esc.ID, "alex")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestApproveUnknownEscalation(t *testing.T) {
	st := newTestStore(t)
	eng := newTestEngine(st, staticCollector(nil), &fakeRunner{}, &recordingNotifier{}, 10)

	_, _, err := eng.ApproveEscalation(context.Background(), "no-such-id", "alex")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRejectDoesNotExecute(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeRunner{succeed: true}
	eng := newTestEngine(st, staticCollector(nil), runner, &recordingNotifier{}, 10)

	ctx := context.Background()
	esc, _, err := st.CreateEscalation(ctx, "run-1", core.Decision{
		Tier: core.TierSuggest, Action: "restart_service", Service: "caddy",
	}, "")
	require.NoError(t, err)

	resolved, err := eng.RejectEscalation(ctx, esc.ID, "alex")
	require.NoError(t, err)
	assert.Equal(t, core.EscalationRejected, resolved.Status)
	assert.Empty(t, runner.calls)
}

// -- scheduler --------------------------------------------------------------

func TestSchedulerStartStopIdempotent(t *testing.T) {
	st := newTestStore(t)
	eng := newTestEngine(st, staticCollector(nil), &fakeRunner{}, &recordingNotifier{}, 10)
	sched := NewScheduler(eng, time.Hour)

	assert.False(t, sched.IsRunning())
	sched.Start()
	sched.Start() // no-op
	assert.True(t, sched.IsRunning())

	sched.Stop()
	sched.Stop() // no-op
	assert.False(t, sched.IsRunning())

	// Can be restarted after a stop.
	sched.Start()
	assert.True(t, sched.IsRunning())
	sched.Stop()
}
