package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshgov/warden/internal/clock"
	"github.com/meshgov/warden/internal/metrics"
	"github.com/meshgov/warden/internal/models"
	"github.com/meshgov/warden/internal/store"
)

// storeRetryBase is the first backoff step for unavailable-store retries.
const storeRetryBase = 50 * time.Millisecond

// handleCreate admits a new alert: persist it, fire the policy's immediate
// rules, launch any mapped remediation, and arm the first delayed timer.
func (e *Engine) handleCreate(ev event) {
	now := e.clk.Now()
	in := ev.ingress

	a := &models.Alert{
		Meta:            models.Meta{ID: ev.alertID, SchemaVersion: models.SchemaVersion},
		RuleName:        in.RuleName,
		Severity:        in.Severity,
		Status:          models.StatusActive,
		Message:         in.Message,
		Source:          in.Source,
		Labels:          in.Labels,
		Annotations:     in.Annotations,
		CorrelationKey:  ev.corrKey,
		ExternalID:      in.ExternalID,
		CreatedAt:       now,
		UpdatedAt:       now,
		CursorVersion:   1,
		LastRuleFiredAt: now,
		Constitutional:  in.Constitutional,
	}
	if policy, ok := e.catalog().PolicyFor(a.RuleName, a.Constitutional, e.cfg.DefaultPolicyID, e.cfg.ConstitutionalPolicyID); ok {
		a.PolicyID = policy.ID
	}

	if err := e.withStoreRetry(a.ID, func() error { return e.st.PutNew(context.Background(), a) }); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			log.Warn().Str("alertID", a.ID).Msg("Alert record already exists; skipping create")
			return
		}
		log.Error().Err(err).Str("alertID", a.ID).Msg("Failed to persist new alert")
		e.sup.ReleaseKey(ev.corrKey)
		return
	}

	metrics.AlertsAdmittedTotal.WithLabelValues(string(a.Severity)).Inc()
	metrics.AlertsActive.WithLabelValues(string(a.Severity)).Inc()
	log.Info().
		Str("alertID", a.ID).
		Str("rule", a.RuleName).
		Str("source", a.Source).
		Str("severity", string(a.Severity)).
		Bool("constitutional", a.Constitutional).
		Msg("Alert admitted")

	effects := e.progress(a, now, false)
	e.maybeRemediate(a, &effects)
	e.persistAndRun(a, effects)
}

// handleMerge folds a duplicate arrival into the open alert with the same
// correlation key.
func (e *Engine) handleMerge(ev event) {
	now := e.clk.Now()
	a, err := e.getAlert(ev.alertID)
	if err != nil {
		log.Warn().Err(err).Str("alertID", ev.alertID).Msg("Merge target missing; dropping duplicate")
		return
	}
	if a.Status.Terminal() {
		log.Debug().Str("alertID", a.ID).Msg("Merge target closed before merge; dropping duplicate")
		return
	}

	in := ev.ingress
	a.UpdatedAt = now
	a.MergeCount++
	a.CursorVersion++
	if a.Labels == nil && len(in.Labels) > 0 {
		a.Labels = make(map[string]string, len(in.Labels))
	}
	for k, v := range in.Labels {
		if _, ok := a.Labels[k]; !ok {
			a.Labels[k] = v
		}
	}
	severityRaised := in.Severity.Rank() > a.Severity.Rank()
	if severityRaised {
		metrics.AlertsActive.WithLabelValues(string(a.Severity)).Dec()
		metrics.AlertsActive.WithLabelValues(string(in.Severity)).Inc()
		a.Severity = in.Severity
	}

	metrics.AlertsMergedTotal.Inc()
	log.Info().
		Str("alertID", a.ID).
		Int("mergeCount", a.MergeCount).
		Bool("severityRaised", severityRaised).
		Msg("Duplicate alert merged")

	// Re-arm the pending timer under the bumped cursor version; the old
	// timer is now stale and will be dropped on fire.
	var effects []func()
	if fireAt := e.nextFireAt(a); fireAt != nil {
		at := *fireAt
		tok := clock.Token{AlertID: a.ID, CursorVersion: a.CursorVersion}
		effects = append(effects, func() { e.timers.Schedule(at, tok) })
	}
	e.persistAndRun(a, effects)
}

// handleAck moves an open alert to acknowledged and cancels pending
// escalation timers via the cursor version bump. Time-based escalation
// continues under the new version.
func (e *Engine) handleAck(ev event) {
	now := e.clk.Now()
	a, err := e.getAlert(ev.alertID)
	if err != nil {
		log.Warn().Err(err).Str("alertID", ev.alertID).Msg("Ack for unknown alert")
		return
	}
	if a.Status.Terminal() || a.Status == models.StatusAcknowledged {
		return
	}

	t := now
	a.Status = models.StatusAcknowledged
	a.AckedAt = &t
	a.AckBy = ev.by
	a.UpdatedAt = now
	a.CursorVersion++

	metrics.AlertsAcknowledgedTotal.Inc()
	log.Info().Str("alertID", a.ID).Str("by", ev.by).Msg("Alert acknowledged")

	var effects []func()
	if fireAt := e.nextFireAt(a); fireAt != nil {
		at := *fireAt
		tok := clock.Token{AlertID: a.ID, CursorVersion: a.CursorVersion}
		effects = append(effects, func() { e.timers.Schedule(at, tok) })
	}
	e.persistAndRun(a, effects)
}

// handleResolve closes an alert and cancels its outstanding work. Pending
// notification jobs and pending or approved remediations are cancelled;
// running remediations finish and their late results are discarded.
func (e *Engine) handleResolve(ev event) {
	now := e.clk.Now()
	a, err := e.getAlert(ev.alertID)
	if err != nil {
		log.Warn().Err(err).Str("alertID", ev.alertID).Msg("Resolve for unknown alert")
		return
	}
	if a.Status.Terminal() {
		return
	}
	e.resolve(a, ev.reason, now)
}

// autoResolveReason marks resolutions initiated by a successful remediation.
const autoResolveReason = "automated remediation succeeded"

func resolveClass(reason string) string {
	if reason == autoResolveReason {
		return "remediation"
	}
	return "manual"
}

func (e *Engine) resolve(a *models.Alert, reason string, now time.Time) {
	t := now
	a.Status = models.StatusResolved
	a.ResolvedAt = &t
	a.ResolveReason = reason
	a.UpdatedAt = now
	a.CursorVersion++

	effects := []func(){
		func() { e.dispatcher.CancelAlert(a.ID) },
		func() { e.cancelOpenExecutions(a.ID) },
		func() { e.sup.ReleaseKey(a.CorrelationKey) },
	}
	if a.ExternalID != "" {
		extID := a.ExternalID
		effects = append(effects, func() {
			e.dedupeMu.Lock()
			delete(e.dedupe, extID)
			e.dedupeMu.Unlock()
		})
	}

	metrics.AlertsResolvedTotal.WithLabelValues(resolveClass(reason)).Inc()
	metrics.AlertsActive.WithLabelValues(string(a.Severity)).Dec()
	metrics.AlertDurationSeconds.WithLabelValues(string(a.Severity)).Observe(now.Sub(a.CreatedAt).Seconds())
	log.Info().
		Str("alertID", a.ID).
		Str("reason", reason).
		Dur("openFor", now.Sub(a.CreatedAt)).
		Msg("Alert resolved")

	e.persistAndRun(a, effects)
}

// cancelOpenExecutions cancels pending and approved remediations for a
// closing alert. Running executions are left to finish.
func (e *Engine) cancelOpenExecutions(alertID string) {
	var victims []string
	err := e.st.ScanIndex(context.Background(), models.KindExecution, store.IndexExecAlert,
		store.Query{Equals: alertID}, func(raw json.RawMessage) error {
			var x models.RemediationExecution
			if err := json.Unmarshal(raw, &x); err != nil {
				return err
			}
			if x.Status == models.ExecPending || x.Status == models.ExecApproved {
				victims = append(victims, x.ID)
			}
			return nil
		})
	if err != nil {
		log.Warn().Err(err).Str("alertID", alertID).Msg("Failed to scan executions for cancellation")
		return
	}
	for _, id := range victims {
		e.executor.Cancel(id)
		e.markExecutionCancelled(id, "alert closed")
	}
}

func (e *Engine) markExecutionCancelled(execID, reason string) {
	var x models.RemediationExecution
	if err := e.st.Get(context.Background(), models.KindExecution, execID, &x); err != nil {
		return
	}
	err := e.st.Update(context.Background(), models.KindExecution, execID, x.Version, &x, func(doc models.Document) error {
		cur := doc.(*models.RemediationExecution)
		if cur.Status.Terminal() || cur.Status == models.ExecRunning {
			return nil
		}
		cur.Status = models.ExecCancelled
		cur.FailureReason = reason
		t := e.clk.Now()
		cur.EndAt = &t
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("executionID", execID).Msg("Failed to cancel execution record")
	}
}

// handleTimer fires a scheduled escalation step. Timers carry the cursor
// version they were armed under; a mismatch means an ack, resolve, or merge
// interleaved, and the timer is dropped.
func (e *Engine) handleTimer(ev event) {
	now := e.clk.Now()
	a, err := e.getAlert(ev.alertID)
	if err != nil {
		log.Debug().Str("alertID", ev.alertID).Msg("Timer for unknown alert")
		return
	}
	if a.Status.Terminal() {
		return
	}
	if ev.token.CursorVersion != a.CursorVersion {
		log.Debug().
			Str("alertID", a.ID).
			Int64("timerVersion", ev.token.CursorVersion).
			Int64("cursorVersion", a.CursorVersion).
			Msg("Dropping stale escalation timer")
		return
	}

	effects := e.progress(a, now, true)
	e.persistAndRun(a, effects)
}

// handleNotification reacts to dispatcher outcomes. A delivery arms the
// suppression cooldown; a permanent failure advances escalation immediately
// so the alert does not sit silent.
func (e *Engine) handleNotification(ev event) {
	now := e.clk.Now()
	a, err := e.getAlert(ev.alertID)
	if err != nil || a.Status.Terminal() {
		log.Debug().Str("alertID", ev.alertID).Str("jobID", ev.notif.JobID).
			Msg("Discarding late notification result")
		return
	}

	switch ev.notif.Status {
	case models.JobDelivered:
		e.sup.MarkNotified(a.RuleName, a.Source, a.Severity, now)
	case models.JobFailed:
		log.Warn().
			Str("alertID", a.ID).
			Str("jobID", ev.notif.JobID).
			Str("channel", string(ev.notif.Channel)).
			Str("error", ev.notif.Err).
			Msg("Notification failed; advancing escalation")
		effects := e.progressBypassDelay(a, now)
		e.persistAndRun(a, effects)
	}
}

// handleRemediation reacts to executor outcomes. Success resolves
// non-constitutional alerts; constitutional alerts record the success but
// wait for explicit human resolution. Failures escalate immediately.
func (e *Engine) handleRemediation(ev event) {
	now := e.clk.Now()
	a, err := e.getAlert(ev.alertID)
	if err != nil || a.Status.Terminal() {
		log.Debug().Str("alertID", ev.alertID).Str("executionID", ev.rem.ExecutionID).
			Msg("Discarding late remediation result")
		return
	}

	switch ev.rem.Status {
	case models.ExecSuccess:
		ok := true
		a.RemediationSuccess = &ok
		a.UpdatedAt = now
		if a.Constitutional {
			log.Info().Str("alertID", a.ID).
				Msg("Remediation succeeded; constitutional alert requires explicit resolution")
			e.persistAndRun(a, nil)
			return
		}
		e.resolve(a, autoResolveReason, now)

	case models.ExecFailed, models.ExecTimeout, models.ExecCancelled:
		// Cancels raced by a resolve land on a closed alert and are
		// discarded above; a cancel on an open alert (killswitch refusal)
		// counts against it like any other negative outcome.
		failed := false
		a.RemediationSuccess = &failed
		a.UpdatedAt = now
		log.Warn().
			Str("alertID", a.ID).
			Str("executionID", ev.rem.ExecutionID).
			Str("status", string(ev.rem.Status)).
			Msg("Remediation did not succeed; advancing escalation")
		effects := e.progressBypassDelay(a, now)
		e.persistAndRun(a, effects)
	}
}

// handleApproval applies a human decision on a gated remediation. Approval
// hands the execution to the executor; denial counts as a failed
// remediation.
func (e *Engine) handleApproval(ev event) {
	var exec models.RemediationExecution
	if err := e.st.Get(context.Background(), models.KindExecution, ev.execID, &exec); err != nil {
		log.Warn().Err(err).Str("executionID", ev.execID).Msg("Approval for unknown execution")
		return
	}
	if exec.Status != models.ExecPending {
		log.Debug().Str("executionID", ev.execID).Str("status", string(exec.Status)).
			Msg("Ignoring approval for non-pending execution")
		return
	}

	if !ev.approved {
		err := e.st.Update(context.Background(), models.KindExecution, exec.ID, exec.Version, &exec, func(doc models.Document) error {
			x := doc.(*models.RemediationExecution)
			x.Status = models.ExecCancelled
			x.FailureReason = "denied by " + ev.by
			t := e.clk.Now()
			x.EndAt = &t
			return nil
		})
		if err != nil {
			log.Error().Err(err).Str("executionID", exec.ID).Msg("Failed to record denial")
			return
		}
		log.Info().Str("executionID", exec.ID).Str("by", ev.by).Msg("Remediation denied")

		// Denial means no remediation will run; escalate as a negative
		// result.
		now := e.clk.Now()
		if a, err := e.getAlert(ev.alertID); err == nil && !a.Status.Terminal() {
			failed := false
			a.RemediationSuccess = &failed
			effects := e.progressBypassDelay(a, now)
			e.persistAndRun(a, effects)
		}
		return
	}

	err := e.st.Update(context.Background(), models.KindExecution, exec.ID, exec.Version, &exec, func(doc models.Document) error {
		doc.(*models.RemediationExecution).Status = models.ExecApproved
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("executionID", exec.ID).Msg("Failed to record approval")
		return
	}
	log.Info().Str("executionID", exec.ID).Str("by", ev.by).Msg("Remediation approved")

	action, ok := e.catalog().Action(exec.ActionID)
	if !ok {
		log.Error().Str("executionID", exec.ID).Str("actionID", exec.ActionID).
			Msg("Approved execution references action missing from catalog")
		return
	}
	a, err := e.getAlert(ev.alertID)
	if err != nil {
		log.Warn().Err(err).Str("alertID", ev.alertID).Msg("Approved execution's alert missing")
		return
	}
	e.executor.Submit(&exec, action, a)
}

// progress walks the escalation cursor: due rules fire, future rules get a
// timer. The returned effects must run after the alert persists.
func (e *Engine) progress(a *models.Alert, now time.Time, fromTimer bool) []func() {
	return e.advance(a, now, fromTimer, false)
}

// progressBypassDelay fires the next rule immediately regardless of its
// configured delay, used when a step produced a negative result.
func (e *Engine) progressBypassDelay(a *models.Alert, now time.Time) []func() {
	return e.advance(a, now, true, true)
}

func (e *Engine) advance(a *models.Alert, now time.Time, escalate, bypassDelay bool) []func() {
	policy, rules := e.policyOf(a)
	if policy == nil {
		return nil
	}
	limit := e.escalationLimit(policy)

	var effects []func()
	for {
		if a.RuleCursor >= len(rules) || a.EscalationLevel >= limit {
			// Escalation exhausted: the alert stays open pending
			// explicit resolution.
			return effects
		}
		rule := rules[a.RuleCursor]
		due := a.LastRuleFiredAt.Add(rule.Delay)
		if bypassDelay {
			due = now
		}
		if due.After(now) {
			at := due
			tok := clock.Token{AlertID: a.ID, CursorVersion: a.CursorVersion}
			effects = append(effects, func() { e.timers.Schedule(at, tok) })
			return effects
		}

		a.RuleCursor++
		a.LastRuleFiredAt = now
		a.UpdatedAt = now
		bypassDelay = false

		if !e.triggerMatches(rule, a) {
			log.Debug().
				Str("alertID", a.ID).
				Str("ruleID", rule.ID).
				Str("trigger", string(rule.Trigger)).
				Msg("Escalation rule trigger did not match; skipping")
			continue
		}

		// Rules fired at admission notify without raising the alert's
		// escalation level; only later steps count as escalations.
		if escalate {
			a.EscalationLevel++
			if a.Status == models.StatusActive || a.Status == models.StatusAcknowledged {
				a.Status = models.StatusEscalated
			}
			metrics.EscalationsTotal.WithLabelValues(string(rule.Trigger)).Inc()
		}
		log.Info().
			Str("alertID", a.ID).
			Str("ruleID", rule.ID).
			Int("escalationLevel", a.EscalationLevel).
			Msg("Escalation rule fired")

		if fx := e.notifyFor(a, rule, now); fx != nil {
			effects = append(effects, fx)
		}
		if !a.RemediationAttempted {
			e.maybeRemediate(a, &effects)
		}
	}
}

func (e *Engine) policyOf(a *models.Alert) (*models.EscalationPolicy, []*models.EscalationRule) {
	if a.PolicyID == "" {
		return nil, nil
	}
	cat := e.catalog()
	policy, ok := cat.Policy(a.PolicyID)
	if !ok {
		log.Warn().Str("alertID", a.ID).Str("policyID", a.PolicyID).Msg("Alert references unknown policy")
		return nil, nil
	}
	rules := make([]*models.EscalationRule, 0, len(policy.RuleIDs))
	for _, id := range policy.RuleIDs {
		if r, ok := cat.Rule(id); ok {
			rules = append(rules, r)
		}
	}
	return policy, rules
}

func (e *Engine) escalationLimit(policy *models.EscalationPolicy) int {
	limit := e.cfg.MaxEscalationLevel
	if policy.MaxEscalations > 0 && policy.MaxEscalations < limit {
		limit = policy.MaxEscalations
	}
	return limit
}

func (e *Engine) triggerMatches(rule *models.EscalationRule, a *models.Alert) bool {
	switch rule.Trigger {
	case models.TriggerTimeBased:
		return true
	case models.TriggerAckTimeout:
		return a.AckedAt == nil
	case models.TriggerSeverityIncrease:
		return a.Severity.AtLeast(rule.SeverityThreshold)
	case models.TriggerNoResponse:
		return a.AckedAt == nil && a.ResolvedAt == nil
	case models.TriggerConstitutional:
		return a.Constitutional
	}
	return false
}

// nextFireAt returns when the rule at the cursor is due, or nil when the
// cursor is exhausted.
func (e *Engine) nextFireAt(a *models.Alert) *time.Time {
	policy, rules := e.policyOf(a)
	if policy == nil || a.RuleCursor >= len(rules) || a.EscalationLevel >= e.escalationLimit(policy) {
		return nil
	}
	due := a.LastRuleFiredAt.Add(rules[a.RuleCursor].Delay)
	return &due
}

// notifyFor builds and persists the notification job for a fired rule and
// returns the enqueue effect. Target resolution failures still produce a
// job so the failure flows through the normal permanent-failure path.
func (e *Engine) notifyFor(a *models.Alert, rule *models.EscalationRule, now time.Time) func() {
	contactID := rule.TargetContact
	if contactID == "" {
		resolved, err := e.resolver.Resolve(context.Background(), rule.TargetTeam)
		if err != nil {
			log.Warn().Err(err).Str("alertID", a.ID).Str("teamID", rule.TargetTeam).
				Msg("On-call resolution failed")
		}
		contactID = resolved
	}

	channel := rule.Channel
	var address string
	if contact, ok := e.catalog().Contact(contactID); ok {
		if kind, addr, ok := contact.Address(channel); ok {
			channel, address = kind, addr
		}
	}

	job := &models.NotificationJob{
		Meta:       models.Meta{ID: e.ids.New(models.KindJob), SchemaVersion: models.SchemaVersion},
		AlertID:    a.ID,
		ContactID:  contactID,
		Channel:    channel,
		Address:    address,
		Priority:   jobPriority(a),
		NotBefore:  now,
		Deadline:   now.Add(e.cfg.NotificationDeadline),
		TemplateID: e.templateFor(a.RuleName),
		Variables: map[string]string{
			"alert_id":         a.ID,
			"rule_name":        a.RuleName,
			"severity":         string(a.Severity),
			"source":           a.Source,
			"message":          a.Message,
			"escalation_level": fmt.Sprintf("%d", a.EscalationLevel),
		},
		MaxAttempts:    e.cfg.NotificationMaxAttempts,
		Status:         models.JobPending,
		Constitutional: a.Constitutional,
		CreatedAt:      now,
	}

	if err := e.st.PutNew(context.Background(), job); err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to persist notification job")
		return nil
	}
	return func() {
		if err := e.dispatcher.Enqueue(job); err != nil {
			log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to enqueue notification job")
		}
	}
}

func (e *Engine) templateFor(ruleName string) string {
	if _, ok := e.catalog().Templates[ruleName]; ok {
		return ruleName
	}
	return ""
}

func jobPriority(a *models.Alert) int {
	p := (a.Severity.Rank() + 1) * 10
	if a.Constitutional {
		p += 5
	}
	return p
}

// maybeRemediate launches or gates the remediation mapped to the alert's
// (rule, severity). At most one execution per alert; retries happen inside
// that execution.
func (e *Engine) maybeRemediate(a *models.Alert, effects *[]func()) {
	if a.RemediationAttempted {
		return
	}
	action, ok := e.catalog().ActionFor(a.RuleName, a.Severity)
	if !ok {
		return
	}

	now := e.clk.Now()
	exec := &models.RemediationExecution{
		Meta:           models.Meta{ID: e.ids.New(models.KindExecution), SchemaVersion: models.SchemaVersion},
		ActionID:       action.ID,
		AlertID:        a.ID,
		Status:         models.ExecApproved,
		Constitutional: a.Constitutional,
		CreatedAt:      now,
	}
	gated := action.RequiresApproval || action.Impact.Gated()
	if gated {
		exec.Status = models.ExecPending
	}

	if err := e.st.PutNew(context.Background(), exec); err != nil {
		log.Error().Err(err).Str("executionID", exec.ID).Msg("Failed to persist remediation execution")
		return
	}
	a.RemediationAttempted = true

	if gated {
		log.Info().
			Str("executionID", exec.ID).
			Str("alertID", a.ID).
			Str("action", action.Name).
			Str("impact", string(action.Impact)).
			Msg("Remediation pending approval")
		if fx := e.approvalRequest(a, exec, action, now); fx != nil {
			*effects = append(*effects, fx)
		}
		return
	}

	log.Info().
		Str("executionID", exec.ID).
		Str("alertID", a.ID).
		Str("action", action.Name).
		Msg("Remediation approved automatically")
	alertCopy := a.Clone()
	*effects = append(*effects, func() { e.executor.Submit(exec, action, alertCopy) })
}

// approvalRequest notifies the default contact that a gated remediation
// awaits a decision.
func (e *Engine) approvalRequest(a *models.Alert, exec *models.RemediationExecution, action *models.RemediationAction, now time.Time) func() {
	contactID := e.resolver.DefaultContact()
	channel := models.ChannelEmail
	var address string
	if contact, ok := e.catalog().Contact(contactID); ok {
		if kind, addr, ok := contact.Address(channel); ok {
			channel, address = kind, addr
		}
	}

	job := &models.NotificationJob{
		Meta:       models.Meta{ID: e.ids.New(models.KindJob), SchemaVersion: models.SchemaVersion},
		AlertID:    a.ID,
		ContactID:  contactID,
		Channel:    channel,
		Address:    address,
		Priority:   jobPriority(a) + 1,
		NotBefore:  now,
		Deadline:   now.Add(e.cfg.NotificationDeadline),
		TemplateID: "approval_request",
		Variables: map[string]string{
			"alert_id":  a.ID,
			"rule_name": a.RuleName,
			"severity":  string(a.Severity),
			"source":    a.Source,
			"message":   a.Message,
			"exec_id":   exec.ID,
			"action":    action.Name,
			"impact":    string(action.Impact),
		},
		MaxAttempts:    e.cfg.NotificationMaxAttempts,
		Status:         models.JobPending,
		Constitutional: a.Constitutional,
		CreatedAt:      now,
	}
	if err := e.st.PutNew(context.Background(), job); err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to persist approval-request job")
		return nil
	}
	return func() {
		if err := e.dispatcher.Enqueue(job); err != nil {
			log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to enqueue approval-request job")
		}
	}
}

// persistAndRun writes the alert's new state conditionally and then runs the
// collected side effects. A version mismatch means another writer slipped in,
// which for alerts indicates a bug; the write is replayed against the fresh
// record so state is never lost.
func (e *Engine) persistAndRun(a *models.Alert, effects []func()) {
	// A store outage past the failure threshold leaves a latch behind; the
	// next alert write that lands carries the degraded annotation.
	if e.degraded.Load() {
		a.Degraded = true
	}
	err := e.withStoreRetry(a.ID, func() error {
		var current models.Alert
		if err := e.st.Get(context.Background(), models.KindAlert, a.ID, &current); err != nil {
			return err
		}
		return e.st.Update(context.Background(), models.KindAlert, a.ID, current.Version, &current, func(doc models.Document) error {
			cur := doc.(*models.Alert)
			v := cur.Version
			*cur = *a
			cur.Version = v
			return nil
		})
	})
	if err != nil {
		log.Error().Err(err).Str("alertID", a.ID).Msg("Failed to persist alert state")
		return
	}
	if a.Degraded && e.degraded.CompareAndSwap(true, false) {
		metrics.StoreDegraded.Set(0)
		log.Info().Str("alertID", a.ID).Msg("Store recovered; degraded annotation recorded")
	}
	for _, fx := range effects {
		fx()
	}
}

// getAlert loads an alert with unavailable-store retries.
func (e *Engine) getAlert(id string) (*models.Alert, error) {
	var a models.Alert
	err := e.withStoreRetry(id, func() error {
		return e.st.Get(context.Background(), models.KindAlert, id, &a)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownAlert
		}
		return nil, err
	}
	return &a, nil
}

// withStoreRetry retries unavailable-store errors with capped exponential
// backoff and retries version mismatches immediately. After the configured
// threshold the alert is marked degraded in logs and the error surfaces;
// the alert itself is never dropped.
func (e *Engine) withStoreRetry(alertID string, op func() error) error {
	var err error
	for attempt := 0; attempt <= e.cfg.StoreFailureThreshold; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrVersionMismatch) {
			metrics.StoreErrorsTotal.WithLabelValues("version_mismatch").Inc()
			continue
		}
		if !errors.Is(err, store.ErrUnavailable) {
			return err
		}
		metrics.StoreErrorsTotal.WithLabelValues("unavailable").Inc()
		if attempt < e.cfg.StoreFailureThreshold {
			backoff := storeRetryBase << uint(attempt)
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
			time.Sleep(backoff)
		}
	}
	if e.degraded.CompareAndSwap(false, true) {
		metrics.StoreDegraded.Set(1)
	}
	log.Error().Err(err).Str("alertID", alertID).
		Msg("Store unavailable past failure threshold; alert degraded")
	return err
}

// recordSuppressed persists an audit record for window-suppressed alerts.
// Cooldown suppressions are high-volume by design and are only counted.
func (e *Engine) recordSuppressed(ev *models.IngressEvent, corrKey, reason string, now time.Time) {
	if !strings.HasPrefix(reason, "maintenance_window") {
		return
	}
	a := &models.Alert{
		Meta:            models.Meta{ID: e.ids.New(models.KindAlert), SchemaVersion: models.SchemaVersion},
		RuleName:        ev.RuleName,
		Severity:        ev.Severity,
		Status:          models.StatusSuppressed,
		Message:         ev.Message,
		Source:          ev.Source,
		Labels:          ev.Labels,
		Annotations:     ev.Annotations,
		CorrelationKey:  corrKey,
		ExternalID:      ev.ExternalID,
		SuppressReason:  reason,
		CreatedAt:       now,
		UpdatedAt:       now,
		CursorVersion:   1,
		LastRuleFiredAt: now,
		Constitutional:  ev.Constitutional,
	}
	if err := e.st.PutNew(context.Background(), a); err != nil {
		log.Warn().Err(err).Str("alertID", a.ID).Msg("Failed to persist suppressed-alert audit record")
	}
}
