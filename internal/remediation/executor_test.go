package remediation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgov/warden/internal/models"
	"github.com/meshgov/warden/internal/store"
)

// fakeRunner replays scripted results without touching a shell.
type fakeRunner struct {
	mu       sync.Mutex
	results  []RunResult
	commands []string

	block   chan struct{} // when non-nil, Run blocks until closed or ctx done
	started chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, command string, timeout time.Duration) RunResult {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	var res RunResult
	if len(f.results) > 0 {
		res = f.results[0]
		f.results = f.results[1:]
	}
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return RunResult{ExitCode: -1, Err: ctx.Err()}
		}
	}
	return res
}

func (f *fakeRunner) commandLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

type execHarness struct {
	st      *store.Memory
	runner  *fakeRunner
	e       *Executor
	results chan Result
}

func newExecHarness(t *testing.T, cfg Config) *execHarness {
	t.Helper()
	st := store.NewMemory()
	runner := &fakeRunner{}
	results := make(chan Result, 16)
	e := NewExecutor(cfg, clockwork.NewRealClock(), st, runner, func(r Result) {
		results <- r
	})
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return &execHarness{st: st, runner: runner, e: e, results: results}
}

func (h *execHarness) waitResult(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for execution result")
		return Result{}
	}
}

func testExecution(t *testing.T, st *store.Memory, id string) *models.RemediationExecution {
	t.Helper()
	exec := &models.RemediationExecution{
		Meta:      models.Meta{ID: id, SchemaVersion: models.SchemaVersion},
		ActionID:  "action-1",
		AlertID:   "alert-1",
		Status:    models.ExecPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.PutNew(context.Background(), exec))
	return exec
}

func testAction(impact models.Impact) *models.RemediationAction {
	return &models.RemediationAction{
		Meta:            models.Meta{ID: "action-1"},
		Name:            "restart-service",
		CommandTemplate: "systemctl restart {service}",
		Timeout:         30 * time.Second,
		Impact:          impact,
	}
}

func testAlert() *models.Alert {
	return &models.Alert{
		Meta:   models.Meta{ID: "alert-1"},
		Source: "payments-api",
	}
}

func (h *execHarness) execStatus(t *testing.T, id string) models.RemediationExecution {
	t.Helper()
	var exec models.RemediationExecution
	require.NoError(t, h.st.Get(context.Background(), models.KindExecution, id, &exec))
	return exec
}

func TestExecutorRunsActionToSuccess(t *testing.T) {
	h := newExecHarness(t, Config{})
	exec := testExecution(t, h.st, "exec-1")

	h.e.Submit(exec, testAction(models.ImpactLow), testAlert())

	r := h.waitResult(t)
	assert.Equal(t, models.ExecSuccess, r.Status)
	assert.Equal(t, "exec-1", r.ExecutionID)
	assert.Equal(t, 0, r.ExitCode)

	stored := h.execStatus(t, "exec-1")
	assert.Equal(t, models.ExecSuccess, stored.Status)
	require.NotNil(t, stored.StartAt)
	require.NotNil(t, stored.EndAt)
	assert.Equal(t, 1, stored.Attempts)

	assert.Equal(t, []string{"systemctl restart payments-api"}, h.runner.commandLog())
}

func TestExecutorKillswitchRefusesGatedImpact(t *testing.T) {
	h := newExecHarness(t, Config{Killswitch: true})
	exec := testExecution(t, h.st, "exec-1")

	h.e.Submit(exec, testAction(models.ImpactHigh), testAlert())

	r := h.waitResult(t)
	assert.Equal(t, models.ExecCancelled, r.Status)
	assert.Contains(t, r.FailureReason, "killswitch")
	assert.Empty(t, h.runner.commandLog(), "refused action never runs")
	assert.Equal(t, models.ExecCancelled, h.execStatus(t, "exec-1").Status)
}

func TestExecutorKillswitchAllowsLowImpact(t *testing.T) {
	h := newExecHarness(t, Config{Killswitch: true})
	exec := testExecution(t, h.st, "exec-1")

	h.e.Submit(exec, testAction(models.ImpactMedium), testAlert())

	r := h.waitResult(t)
	assert.Equal(t, models.ExecSuccess, r.Status)
}

func TestExecutorSetKillswitchAtRuntime(t *testing.T) {
	h := newExecHarness(t, Config{})
	require.False(t, h.e.Killswitch())

	h.e.SetKillswitch(true)
	require.True(t, h.e.Killswitch())

	exec := testExecution(t, h.st, "exec-1")
	h.e.Submit(exec, testAction(models.ImpactCritical), testAlert())
	r := h.waitResult(t)
	assert.Equal(t, models.ExecCancelled, r.Status)
}

func TestExecutorRetriesThenSucceeds(t *testing.T) {
	h := newExecHarness(t, Config{})
	h.runner.results = []RunResult{
		{ExitCode: 1, Err: errors.New("exit status 1")},
		{ExitCode: 0},
	}
	exec := testExecution(t, h.st, "exec-1")
	action := testAction(models.ImpactLow)
	action.MaxRetries = 2

	h.e.Submit(exec, action, testAlert())

	r := h.waitResult(t)
	assert.Equal(t, models.ExecSuccess, r.Status)
	stored := h.execStatus(t, "exec-1")
	assert.Equal(t, 2, stored.Attempts)
}

func TestExecutorExhaustsRetries(t *testing.T) {
	h := newExecHarness(t, Config{})
	h.runner.results = []RunResult{
		{ExitCode: 1, Err: errors.New("exit status 1")},
		{ExitCode: 1, Err: errors.New("exit status 1")},
	}
	exec := testExecution(t, h.st, "exec-1")
	action := testAction(models.ImpactLow)
	action.MaxRetries = 1

	h.e.Submit(exec, action, testAlert())

	r := h.waitResult(t)
	assert.Equal(t, models.ExecFailed, r.Status)
	assert.Contains(t, r.FailureReason, "exit code 1 after 2 attempts")
}

func TestExecutorRetriesTimeoutThenSucceeds(t *testing.T) {
	h := newExecHarness(t, Config{})
	h.runner.results = []RunResult{
		{ExitCode: -1, TimedOut: true, Err: errors.New("command timed out after 30s")},
		{ExitCode: 0},
	}
	exec := testExecution(t, h.st, "exec-1")
	action := testAction(models.ImpactLow)
	action.MaxRetries = 3

	h.e.Submit(exec, action, testAlert())

	r := h.waitResult(t)
	assert.Equal(t, models.ExecSuccess, r.Status)
	assert.Len(t, h.runner.commandLog(), 2)
}

func TestExecutorTimeoutOnFinalAttempt(t *testing.T) {
	h := newExecHarness(t, Config{})
	h.runner.results = []RunResult{
		{ExitCode: 1, Err: errors.New("exit status 1")},
		{ExitCode: -1, TimedOut: true, Err: errors.New("command timed out after 30s")},
	}
	exec := testExecution(t, h.st, "exec-1")
	action := testAction(models.ImpactLow)
	action.MaxRetries = 1

	h.e.Submit(exec, action, testAlert())

	r := h.waitResult(t)
	assert.Equal(t, models.ExecTimeout, r.Status)
	assert.Len(t, h.runner.commandLog(), 2)
	assert.Equal(t, 2, h.execStatus(t, "exec-1").Attempts)
}

func TestExecutorQueueFullFailsSubmission(t *testing.T) {
	h := newExecHarness(t, Config{Workers: 1, QueueCapacity: 1})
	h.runner.block = make(chan struct{})
	h.runner.started = make(chan struct{}, 4)

	// First occupies the worker, second fills the queue.
	first := testExecution(t, h.st, "exec-1")
	h.e.Submit(first, testAction(models.ImpactLow), testAlert())
	<-h.runner.started
	second := testExecution(t, h.st, "exec-2")
	h.e.Submit(second, testAction(models.ImpactLow), testAlert())

	third := testExecution(t, h.st, "exec-3")
	h.e.Submit(third, testAction(models.ImpactLow), testAlert())

	r := h.waitResult(t)
	assert.Equal(t, models.ExecFailed, r.Status)
	assert.Equal(t, "exec-3", r.ExecutionID)
	assert.Equal(t, "executor queue full", r.FailureReason)

	close(h.runner.block)
}

func TestExecutorCancelQueuedExecution(t *testing.T) {
	h := newExecHarness(t, Config{Workers: 1, QueueCapacity: 4})
	h.runner.block = make(chan struct{})
	h.runner.started = make(chan struct{}, 4)

	first := testExecution(t, h.st, "exec-1")
	h.e.Submit(first, testAction(models.ImpactLow), testAlert())
	<-h.runner.started

	queued := testExecution(t, h.st, "exec-2")
	h.e.Submit(queued, testAction(models.ImpactLow), testAlert())
	h.e.Cancel("exec-2")

	close(h.runner.block)

	var statuses []models.ExecStatus
	for i := 0; i < 2; i++ {
		statuses = append(statuses, h.waitResult(t).Status)
	}
	assert.Contains(t, statuses, models.ExecSuccess)
	assert.Contains(t, statuses, models.ExecCancelled)
	assert.Equal(t, models.ExecCancelled, h.execStatus(t, "exec-2").Status)
}

func TestExecutorCancelRunningExecution(t *testing.T) {
	h := newExecHarness(t, Config{Workers: 1})
	h.runner.block = make(chan struct{})
	h.runner.started = make(chan struct{}, 1)

	exec := testExecution(t, h.st, "exec-1")
	h.e.Submit(exec, testAction(models.ImpactLow), testAlert())
	<-h.runner.started

	h.e.Cancel("exec-1")

	r := h.waitResult(t)
	assert.Equal(t, models.ExecCancelled, r.Status)
	assert.Equal(t, "cancelled while running", r.FailureReason)
}

func TestExecutorTerminalResultEmittedOnce(t *testing.T) {
	h := newExecHarness(t, Config{})
	exec := testExecution(t, h.st, "exec-1")

	h.e.Submit(exec, testAction(models.ImpactLow), testAlert())
	h.waitResult(t)

	// A cancel after completion must not produce a second result.
	h.e.Cancel("exec-1")
	time.Sleep(100 * time.Millisecond)
	select {
	case r := <-h.results:
		t.Fatalf("unexpected second result: %+v", r)
	default:
	}
	assert.Equal(t, models.ExecSuccess, h.execStatus(t, "exec-1").Status)
}

func TestExecutorRecordsOutputTails(t *testing.T) {
	h := newExecHarness(t, Config{})
	h.runner.results = []RunResult{
		{ExitCode: 0, StdoutTail: "service restarted\n", StderrTail: "warning: slow stop\n"},
	}
	exec := testExecution(t, h.st, "exec-1")

	h.e.Submit(exec, testAction(models.ImpactLow), testAlert())
	h.waitResult(t)

	stored := h.execStatus(t, "exec-1")
	assert.Equal(t, "service restarted\n", stored.StdoutTail)
	assert.Equal(t, "warning: slow stop\n", stored.StderrTail)
}
