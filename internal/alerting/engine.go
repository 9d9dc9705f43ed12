package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshgov/warden/internal/clock"
	"github.com/meshgov/warden/internal/config"
	"github.com/meshgov/warden/internal/dispatch"
	"github.com/meshgov/warden/internal/ids"
	"github.com/meshgov/warden/internal/metrics"
	"github.com/meshgov/warden/internal/models"
	"github.com/meshgov/warden/internal/oncall"
	"github.com/meshgov/warden/internal/remediation"
	"github.com/meshgov/warden/internal/store"
	"github.com/meshgov/warden/internal/suppress"
)

var (
	// ErrBacklogFull signals ingress backpressure; callers must retry or
	// shed with an explicit error, never drop silently.
	ErrBacklogFull = errors.New("alerting: event backlog full")

	// ErrUnknownAlert is returned for operations on alerts the store does
	// not hold.
	ErrUnknownAlert = errors.New("alerting: unknown alert")

	// ErrUnknownExecution is returned for approval decisions on unknown
	// remediation executions.
	ErrUnknownExecution = errors.New("alerting: unknown remediation execution")

	// ErrEngineStopped rejects operations after shutdown began.
	ErrEngineStopped = errors.New("alerting: engine stopped")
)

// JobDispatcher is the slice of the notification dispatcher the engine uses.
type JobDispatcher interface {
	Enqueue(job *models.NotificationJob) error
	Cancel(jobID string)
	CancelAlert(alertID string)
}

// ActionExecutor is the slice of the remediation executor the engine uses.
type ActionExecutor interface {
	Submit(exec *models.RemediationExecution, action *models.RemediationAction, alert *models.Alert)
	Cancel(executionID string)
}

// Config holds engine tuning.
type Config struct {
	Shards                  int
	QueueCapacity           int // per-shard event backlog
	MaxEscalationLevel      int
	DefaultPolicyID         string
	ConstitutionalPolicyID  string
	CorrelationLabelKeys    []string
	NotificationMaxAttempts int
	NotificationDeadline    time.Duration
	StoreFailureThreshold   int
	AlertRetention          time.Duration
	ConstitutionalRetention time.Duration
	RetentionSweepInterval  time.Duration
}

// Engine is the decision core: it consumes alert lifecycle events on
// hash-sharded serialized loops and owns every Alert mutation.
type Engine struct {
	cfg        Config
	clk        clock.Clock
	ids        ids.Minter
	st         store.Store
	sup        *suppress.Index
	resolver   *oncall.Resolver
	dispatcher JobDispatcher
	executor   ActionExecutor
	timers     *clock.TimerService
	catalog    func() *config.Catalog

	shards   []chan event
	wg       sync.WaitGroup
	stopped  chan struct{}
	degraded atomic.Bool // latched when the store stays unavailable past the threshold

	dedupeMu sync.Mutex
	dedupe   map[string]string // external_id -> alert_id
}

// New wires an engine. The timer service is created here so its tokens route
// back into the shards; call Start to launch everything.
func New(cfg Config, clk clock.Clock, minter ids.Minter, st store.Store, sup *suppress.Index,
	resolver *oncall.Resolver, dispatcher JobDispatcher, executor ActionExecutor,
	catalog func() *config.Catalog) *Engine {

	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.MaxEscalationLevel <= 0 {
		cfg.MaxEscalationLevel = 3
	}
	if cfg.NotificationMaxAttempts <= 0 {
		cfg.NotificationMaxAttempts = 5
	}
	if cfg.StoreFailureThreshold <= 0 {
		cfg.StoreFailureThreshold = 5
	}
	if cfg.RetentionSweepInterval <= 0 {
		cfg.RetentionSweepInterval = time.Hour
	}

	e := &Engine{
		cfg:        cfg,
		clk:        clk,
		ids:        minter,
		st:         st,
		sup:        sup,
		resolver:   resolver,
		dispatcher: dispatcher,
		executor:   executor,
		catalog:    catalog,
		shards:     make([]chan event, cfg.Shards),
		stopped:    make(chan struct{}),
		dedupe:     make(map[string]string),
	}
	for i := range e.shards {
		e.shards[i] = make(chan event, cfg.QueueCapacity)
	}
	e.timers = clock.NewTimerService(clk, e.onTimerFire)
	return e
}

// Start launches the shard loops, the timer service, and the retention
// sweeper. It also rebuilds the suppression index's open-key table and the
// dedupe table from persisted open alerts.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("recover open alerts: %w", err)
	}

	e.timers.Start()
	for i, ch := range e.shards {
		e.wg.Add(1)
		go e.runShard(i, ch)
	}
	e.wg.Add(1)
	go e.retentionLoop()

	log.Info().
		Int("shards", e.cfg.Shards).
		Int("queueCapacity", e.cfg.QueueCapacity).
		Msg("Escalation engine started")
	return nil
}

// Stop halts event processing. In-flight events finish; queued events are
// dropped, which is safe because state lives in the store.
func (e *Engine) Stop() {
	close(e.stopped)
	e.timers.Stop()
	for _, ch := range e.shards {
		close(ch)
	}
	e.wg.Wait()
	log.Info().Msg("Escalation engine stopped")
}

// recover reloads open alerts so correlation merging and timer scheduling
// survive a restart.
func (e *Engine) recover(ctx context.Context) error {
	now := e.clk.Now()
	var recovered int
	err := e.st.ScanKind(ctx, models.KindAlert, func(raw json.RawMessage) error {
		var a models.Alert
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		if !a.Status.Open() {
			return nil
		}
		e.sup.AdmitKey(a.CorrelationKey, a.ID)
		if a.ExternalID != "" {
			e.dedupe[a.ExternalID] = a.ID
		}
		// Re-arm the pending escalation timer; overdue timers fire
		// immediately.
		fireAt := e.nextFireAt(&a)
		if fireAt != nil {
			at := *fireAt
			if at.Before(now) {
				at = now
			}
			e.timers.Schedule(at, clock.Token{AlertID: a.ID, CursorVersion: a.CursorVersion})
		}
		recovered++
		return nil
	})
	if err != nil {
		return err
	}

	// The dispatcher's queue is memory-only; its durable side is the job
	// records. Replay everything non-terminal so notifications survive a
	// restart.
	var jobs int
	err = e.st.ScanIndex(ctx, models.KindJob, store.IndexJobNotBefore, store.Query{},
		func(raw json.RawMessage) error {
			var j models.NotificationJob
			if err := json.Unmarshal(raw, &j); err != nil {
				return err
			}
			if j.Status.Terminal() {
				return nil
			}
			if err := e.dispatcher.Enqueue(&j); err != nil {
				log.Warn().Err(err).Str("jobID", j.ID).Msg("Failed to re-enqueue recovered notification job")
				return nil
			}
			jobs++
			return nil
		})
	if err != nil {
		return err
	}

	// Approved remediations that never reached the executor go back in.
	var execs int
	err = e.st.ScanKind(ctx, models.KindExecution, func(raw json.RawMessage) error {
		var x models.RemediationExecution
		if err := json.Unmarshal(raw, &x); err != nil {
			return err
		}
		if x.Status != models.ExecApproved {
			return nil
		}
		action, ok := e.catalog().Action(x.ActionID)
		if !ok {
			log.Warn().Str("executionID", x.ID).Str("actionID", x.ActionID).
				Msg("Recovered execution references action missing from catalog")
			return nil
		}
		var a models.Alert
		if err := e.st.Get(ctx, models.KindAlert, x.AlertID, &a); err != nil || a.Status.Terminal() {
			return nil
		}
		e.executor.Submit(&x, action, &a)
		execs++
		return nil
	})
	if err != nil {
		return err
	}

	if recovered > 0 || jobs > 0 || execs > 0 {
		log.Info().
			Int("alerts", recovered).
			Int("jobs", jobs).
			Int("executions", execs).
			Msg("Recovered open work")
	}
	return nil
}

// SubmitAlert is the ingress entry point. It validates the event, applies
// suppression, and routes admitted or merged work onto the owning shard.
// Returns the alert ID the event landed on ("" when suppressed).
func (e *Engine) SubmitAlert(ev *models.IngressEvent) (string, error) {
	if err := ev.Validate(); err != nil {
		metrics.IngressRejectedTotal.WithLabelValues("malformed").Inc()
		return "", err
	}
	select {
	case <-e.stopped:
		return "", ErrEngineStopped
	default:
	}

	// Idempotent admission on external ID.
	if ev.ExternalID != "" {
		e.dedupeMu.Lock()
		if id, ok := e.dedupe[ev.ExternalID]; ok {
			e.dedupeMu.Unlock()
			return id, nil
		}
		e.dedupeMu.Unlock()
	}

	now := e.clk.Now()
	corrKey := models.CorrelationKey(ev.RuleName, ev.Source, ev.Labels, e.cfg.CorrelationLabelKeys)

	// The decision and the open-key registration happen in one critical
	// section: two concurrent arrivals on the same correlation key must
	// admit exactly one alert.
	alertID := e.ids.New(models.KindAlert)
	decision := e.sup.DecideAdmit(ev, corrKey, alertID, now)

	switch decision.Action {
	case suppress.Suppress:
		e.recordSuppressed(ev, corrKey, decision.Reason, now)
		return "", nil

	case suppress.Merge:
		err := e.route(event{kind: evMerge, alertID: decision.ExistingID, ingress: ev, corrKey: corrKey})
		if err != nil {
			return "", err
		}
		return decision.ExistingID, nil

	default: // admit, key already registered to alertID
		if err := e.route(event{kind: evCreate, alertID: alertID, ingress: ev, corrKey: corrKey}); err != nil {
			e.sup.ReleaseKey(corrKey)
			metrics.IngressRejectedTotal.WithLabelValues("backlog").Inc()
			return "", err
		}
		if ev.ExternalID != "" {
			e.dedupeMu.Lock()
			e.dedupe[ev.ExternalID] = alertID
			e.dedupeMu.Unlock()
		}
		return alertID, nil
	}
}

// AcknowledgeAlert routes an ack onto the alert's shard.
func (e *Engine) AcknowledgeAlert(alertID, by string) error {
	return e.route(event{kind: evAck, alertID: alertID, by: by})
}

// ResolveAlert routes a resolution onto the alert's shard.
func (e *Engine) ResolveAlert(alertID, reason string) error {
	return e.route(event{kind: evResolve, alertID: alertID, reason: reason})
}

// ApproveRemediation approves a pending execution.
func (e *Engine) ApproveRemediation(ctx context.Context, execID, by string) error {
	return e.routeApproval(ctx, execID, by, true)
}

// DenyRemediation denies a pending execution; the engine treats the denial
// as a negative remediation result.
func (e *Engine) DenyRemediation(ctx context.Context, execID, by string) error {
	return e.routeApproval(ctx, execID, by, false)
}

func (e *Engine) routeApproval(ctx context.Context, execID, by string, approved bool) error {
	var exec models.RemediationExecution
	if err := e.st.Get(ctx, models.KindExecution, execID, &exec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownExecution
		}
		return err
	}
	return e.route(event{kind: evApproval, alertID: exec.AlertID, execID: execID, by: by, approved: approved})
}

// NotificationResult feeds dispatcher outcomes back into the state machine.
// Wire it as the dispatcher's ResultSink.
func (e *Engine) NotificationResult(res dispatch.Result) {
	if err := e.route(event{kind: evNotification, alertID: res.AlertID, notif: res}); err != nil {
		log.Warn().Err(err).Str("alertID", res.AlertID).Msg("Dropped notification result")
	}
}

// RemediationResult feeds executor outcomes back into the state machine.
// Wire it as the executor's ResultSink.
func (e *Engine) RemediationResult(res remediation.Result) {
	if err := e.route(event{kind: evRemediation, alertID: res.AlertID, rem: res}); err != nil {
		log.Warn().Err(err).Str("alertID", res.AlertID).Msg("Dropped remediation result")
	}
}

// onTimerFire is the timer service sink.
func (e *Engine) onTimerFire(_ time.Time, tok clock.Token) {
	if err := e.route(event{kind: evTimer, alertID: tok.AlertID, token: tok}); err != nil {
		log.Warn().Err(err).Str("alertID", tok.AlertID).Msg("Dropped timer event")
	}
}

// route places an event on the shard owning its alert. A full shard rejects
// with ErrBacklogFull; the engine never blocks its callers.
func (e *Engine) route(ev event) error {
	select {
	case <-e.stopped:
		return ErrEngineStopped
	default:
	}
	shard := e.shards[shardFor(ev.alertID, len(e.shards))]
	select {
	case shard <- ev:
		metrics.EngineQueueDepth.Set(float64(e.backlog()))
		return nil
	default:
		return ErrBacklogFull
	}
}

func (e *Engine) backlog() int {
	total := 0
	for _, ch := range e.shards {
		total += len(ch)
	}
	return total
}

func shardFor(alertID string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(alertID))
	return int(h.Sum32()) % shards
}

func (e *Engine) runShard(idx int, ch chan event) {
	defer e.wg.Done()
	for ev := range ch {
		e.handle(ev)
		metrics.EngineQueueDepth.Set(float64(e.backlog()))
	}
	log.Debug().Int("shard", idx).Msg("Engine shard drained")
}

func (e *Engine) handle(ev event) {
	switch ev.kind {
	case evCreate:
		e.handleCreate(ev)
	case evMerge:
		e.handleMerge(ev)
	case evAck:
		e.handleAck(ev)
	case evResolve:
		e.handleResolve(ev)
	case evTimer:
		e.handleTimer(ev)
	case evNotification:
		e.handleNotification(ev)
	case evRemediation:
		e.handleRemediation(ev)
	case evApproval:
		e.handleApproval(ev)
	}
}

// ListActiveAlerts returns every open alert, newest first.
func (e *Engine) ListActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	var out []*models.Alert
	err := e.st.ScanKind(ctx, models.KindAlert, func(raw json.RawMessage) error {
		var a models.Alert
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		if a.Status.Open() {
			out = append(out, &a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// GetAlertHistory returns alerts created in [from, to), newest first.
func (e *Engine) GetAlertHistory(ctx context.Context, from, to time.Time) ([]*models.Alert, error) {
	var out []*models.Alert
	err := e.st.ScanIndex(ctx, models.KindAlert, store.IndexAlertCreated, store.Query{From: from, To: to},
		func(raw json.RawMessage) error {
			var a models.Alert
			if err := json.Unmarshal(raw, &a); err != nil {
				return err
			}
			out = append(out, &a)
			return nil
		})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// GetRemediationHistory returns executions created in [from, to), newest
// first.
func (e *Engine) GetRemediationHistory(ctx context.Context, from, to time.Time) ([]*models.RemediationExecution, error) {
	var out []*models.RemediationExecution
	err := e.st.ScanKind(ctx, models.KindExecution, func(raw json.RawMessage) error {
		var x models.RemediationExecution
		if err := json.Unmarshal(raw, &x); err != nil {
			return err
		}
		if !x.CreatedAt.Before(from) && x.CreatedAt.Before(to) {
			out = append(out, &x)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateMaintenanceWindow persists a window and applies it to the live
// suppression index.
func (e *Engine) UpdateMaintenanceWindow(ctx context.Context, w *models.MaintenanceWindow) error {
	if w.ID == "" {
		w.ID = e.ids.New(models.KindWindow)
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = e.clk.Now()
	}
	err := e.st.PutNew(ctx, w)
	if errors.Is(err, store.ErrAlreadyExists) {
		var current models.MaintenanceWindow
		if err = e.st.Get(ctx, models.KindWindow, w.ID, &current); err == nil {
			err = e.st.Update(ctx, models.KindWindow, w.ID, current.Version, &current, func(doc models.Document) error {
				existing := doc.(*models.MaintenanceWindow)
				id, version := existing.ID, existing.Version
				*existing = *w
				existing.ID, existing.Version = id, version
				return nil
			})
		}
	}
	if err != nil {
		return err
	}
	e.sup.UpsertWindow(w)
	log.Info().Str("windowID", w.ID).Time("start", w.Start).Time("end", w.End).
		Msg("Maintenance window updated")
	return nil
}

// retentionLoop periodically deletes expired terminal records, with the
// longer constitutional retention applied per record.
func (e *Engine) retentionLoop() {
	defer e.wg.Done()
	for {
		timer := e.clk.NewTimer(e.cfg.RetentionSweepInterval)
		select {
		case <-e.stopped:
			timer.Stop()
			return
		case <-timer.Chan():
		}
		now := e.clk.Now()
		before := now.Add(-e.cfg.AlertRetention)
		constBefore := now.Add(-e.cfg.ConstitutionalRetention)
		for _, kind := range []models.Kind{models.KindAlert, models.KindJob, models.KindExecution} {
			n, err := e.st.DeleteExpired(context.Background(), kind, before, constBefore)
			if err != nil {
				log.Warn().Err(err).Str("kind", string(kind)).Msg("Retention sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Str("kind", string(kind)).Int64("deleted", n).Msg("Retention sweep removed expired records")
			}
		}
		e.sup.Prune(now)
	}
}
