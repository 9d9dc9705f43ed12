package remediation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshgov/warden/internal/clock"
	"github.com/meshgov/warden/internal/metrics"
	"github.com/meshgov/warden/internal/models"
	"github.com/meshgov/warden/internal/store"
)

// Result reports an execution reaching a terminal state back to the engine.
type Result struct {
	ExecutionID   string
	AlertID       string
	ActionID      string
	Status        models.ExecStatus
	ExitCode      int
	FailureReason string
}

// ResultSink receives terminal execution results exactly once each.
type ResultSink func(Result)

// Config holds executor tuning.
type Config struct {
	Workers       int
	QueueCapacity int
	Killswitch    bool // start with gated-impact actions refused
}

type task struct {
	exec    *models.RemediationExecution
	action  *models.RemediationAction
	command string
}

// Executor runs approved remediation actions through a bounded worker pool.
// Actions whose impact is gated are refused outright while the killswitch is
// engaged.
type Executor struct {
	cfg    Config
	clk    clock.Clock
	st     store.Store
	runner Runner
	sink   ResultSink

	queue      chan *task
	killswitch atomic.Bool

	mu        sync.Mutex
	running   map[string]context.CancelFunc // execution ID -> kill
	cancelled map[string]bool               // queued executions to skip
	finished  map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExecutor builds an executor. A nil runner gets the local shell runner.
func NewExecutor(cfg Config, clk clock.Clock, st store.Store, runner Runner, sink ResultSink) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	if runner == nil {
		runner = &ExecRunner{}
	}
	e := &Executor{
		cfg:       cfg,
		clk:       clk,
		st:        st,
		runner:    runner,
		sink:      sink,
		queue:     make(chan *task, cfg.QueueCapacity),
		running:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
		finished:  make(map[string]bool),
	}
	e.killswitch.Store(cfg.Killswitch)
	return e
}

// Start launches the worker pool.
func (e *Executor) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	log.Info().
		Int("workers", e.cfg.Workers).
		Bool("killswitch", e.killswitch.Load()).
		Msg("Remediation executor started")
}

// Stop cancels running commands and drains workers.
func (e *Executor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	log.Info().Msg("Remediation executor stopped")
}

// SetKillswitch flips the gated-impact refusal at runtime.
func (e *Executor) SetKillswitch(on bool) {
	e.killswitch.Store(on)
	log.Warn().Bool("enabled", on).Msg("Remediation killswitch changed")
}

// Killswitch reports the current killswitch state.
func (e *Executor) Killswitch() bool { return e.killswitch.Load() }

// Submit schedules an approved execution. The execution record must already
// be persisted. Gated-impact actions are refused while the killswitch is on
// and their execution marked cancelled; a full queue fails the execution
// rather than blocking the engine.
func (e *Executor) Submit(exec *models.RemediationExecution, action *models.RemediationAction, alert *models.Alert) {
	if e.killswitch.Load() && action.Impact.Gated() {
		log.Warn().
			Str("executionID", exec.ID).
			Str("action", action.Name).
			Str("impact", string(action.Impact)).
			Msg("Refusing remediation: killswitch engaged")
		e.finish(exec, models.ExecCancelled, -1, "refused: killswitch engaged for gated-impact actions")
		return
	}

	t := &task{
		exec:    exec.Clone(),
		action:  action,
		command: ExpandCommand(action.CommandTemplate, alert),
	}
	select {
	case e.queue <- t:
	default:
		e.finish(exec, models.ExecFailed, -1, "executor queue full")
	}
}

// Cancel stops an execution. A running command is killed; a queued one is
// skipped when dequeued.
func (e *Executor) Cancel(executionID string) {
	e.mu.Lock()
	if kill, ok := e.running[executionID]; ok {
		e.mu.Unlock()
		kill()
		return
	}
	e.cancelled[executionID] = true
	e.mu.Unlock()
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case t := <-e.queue:
			e.execute(t)
		}
	}
}

// execute runs one task with retries, then records the terminal state.
func (e *Executor) execute(t *task) {
	e.mu.Lock()
	if e.cancelled[t.exec.ID] {
		delete(e.cancelled, t.exec.ID)
		e.mu.Unlock()
		e.finish(t.exec, models.ExecCancelled, -1, "cancelled before start")
		return
	}
	runCtx, kill := context.WithCancel(e.ctx)
	e.running[t.exec.ID] = kill
	e.mu.Unlock()
	defer func() {
		kill()
		e.mu.Lock()
		delete(e.running, t.exec.ID)
		e.mu.Unlock()
	}()

	started := e.clk.Now()
	e.markRunning(t.exec, started)

	maxRuns := t.action.MaxRetries + 1
	var res RunResult
	for attempt := 1; attempt <= maxRuns; attempt++ {
		t.exec.Attempts = attempt
		log.Info().
			Str("executionID", t.exec.ID).
			Str("action", t.action.Name).
			Str("alertID", t.exec.AlertID).
			Int("attempt", attempt).
			Msg("Running remediation command")

		res = e.runner.Run(runCtx, t.command, t.action.Timeout)
		if res.ExitCode == 0 && res.Err == nil {
			break
		}
		if runCtx.Err() != nil || attempt == maxRuns {
			break
		}
		// Timeouts retry like any other failure; only a timeout on the
		// final attempt classifies the execution as timed out.
		// Brief pause between retries; remediation targets often need a
		// moment to recover from a failed attempt.
		timer := e.clk.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-timer.Chan():
		case <-runCtx.Done():
			timer.Stop()
		}
	}

	t.exec.StdoutTail = res.StdoutTail
	t.exec.StderrTail = res.StderrTail

	var status models.ExecStatus
	var reason string
	switch {
	case runCtx.Err() != nil && !res.TimedOut && e.ctx.Err() == nil:
		status = models.ExecCancelled
		reason = "cancelled while running"
	case res.TimedOut:
		status = models.ExecTimeout
		reason = res.Err.Error()
	case res.ExitCode == 0 && res.Err == nil:
		status = models.ExecSuccess
	default:
		status = models.ExecFailed
		reason = fmt.Sprintf("exit code %d after %d attempts", res.ExitCode, t.exec.Attempts)
		if res.Err != nil {
			reason = fmt.Sprintf("%s: %v", reason, res.Err)
		}
	}

	metrics.RemediationDurationSeconds.Observe(e.clk.Now().Sub(started).Seconds())
	e.finishWithOutput(t.exec, status, res.ExitCode, reason)
}

func (e *Executor) markRunning(exec *models.RemediationExecution, at time.Time) {
	err := e.st.Update(context.Background(), models.KindExecution, exec.ID, exec.Version, exec, func(doc models.Document) error {
		x := doc.(*models.RemediationExecution)
		x.Status = models.ExecRunning
		t := at
		x.StartAt = &t
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("executionID", exec.ID).Msg("Failed to mark execution running")
	}
}

func (e *Executor) finish(exec *models.RemediationExecution, status models.ExecStatus, exitCode int, reason string) {
	e.finishWithOutput(exec, status, exitCode, reason)
}

// finishWithOutput persists the terminal execution state and emits the
// result exactly once.
func (e *Executor) finishWithOutput(exec *models.RemediationExecution, status models.ExecStatus, exitCode int, reason string) {
	e.mu.Lock()
	if e.finished[exec.ID] {
		e.mu.Unlock()
		return
	}
	e.finished[exec.ID] = true
	e.mu.Unlock()

	now := e.clk.Now()
	var current models.RemediationExecution
	err := e.st.Get(context.Background(), models.KindExecution, exec.ID, &current)
	if err == nil {
		err = e.st.Update(context.Background(), models.KindExecution, exec.ID, current.Version, &current, func(doc models.Document) error {
			x := doc.(*models.RemediationExecution)
			if x.Status.Terminal() {
				return nil
			}
			x.Status = status
			x.Attempts = exec.Attempts
			x.StdoutTail = exec.StdoutTail
			x.StderrTail = exec.StderrTail
			x.FailureReason = reason
			t := now
			x.EndAt = &t
			if exitCode >= 0 || status != models.ExecSuccess {
				code := exitCode
				x.ExitCode = &code
			}
			return nil
		})
	}
	if err != nil {
		log.Error().Err(err).Str("executionID", exec.ID).Str("status", string(status)).
			Msg("Failed to persist terminal execution state")
	}

	metrics.RemediationsTotal.WithLabelValues(string(status)).Inc()
	log.Info().
		Str("executionID", exec.ID).
		Str("alertID", exec.AlertID).
		Str("status", string(status)).
		Int("exitCode", exitCode).
		Str("reason", reason).
		Msg("Remediation execution finished")

	if e.sink != nil {
		e.sink(Result{
			ExecutionID:   exec.ID,
			AlertID:       exec.AlertID,
			ActionID:      exec.ActionID,
			Status:        status,
			ExitCode:      exitCode,
			FailureReason: reason,
		})
	}
}
