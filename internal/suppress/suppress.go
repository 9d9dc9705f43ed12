// Package suppress decides whether an incoming alert should be suppressed,
// merged into an open alert, or admitted. It combines maintenance windows,
// per-(rule, source) cooldown timers, and correlation-key duplicate
// detection.
package suppress

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshgov/warden/internal/metrics"
	"github.com/meshgov/warden/internal/models"
)

// Action is the outcome of a suppression decision.
type Action int

const (
	// Admit lets the alert enter the state machine.
	Admit Action = iota
	// Suppress records the alert for audit only; no state machine entry.
	Suppress
	// Merge folds the arrival into an existing open alert.
	Merge
)

// String implements fmt.Stringer for logging.
func (a Action) String() string {
	switch a {
	case Suppress:
		return "suppress"
	case Merge:
		return "merge"
	default:
		return "admit"
	}
}

// Decision carries the action plus context: the matched window or cooldown
// for suppressions, the open alert ID for merges.
type Decision struct {
	Action     Action
	Reason     string
	ExistingID string
}

// DefaultCooldowns are the per-severity cooldown durations applied when the
// configuration does not override them. More urgent alerts cool down faster
// so repeated emergencies keep notifying.
var DefaultCooldowns = map[models.Severity]time.Duration{
	models.SeverityInfo:      15 * time.Minute,
	models.SeverityWarning:   10 * time.Minute,
	models.SeverityCritical:  5 * time.Minute,
	models.SeverityEmergency: 1 * time.Minute,
}

type cooldownEntry struct {
	expiresAt time.Time
}

// Index answers "should this alert be suppressed right now". All methods are
// safe for concurrent use; the escalation engine keeps the open-key map
// current via AdmitKey/ReleaseKey.
type Index struct {
	mu        sync.RWMutex
	windows   map[string]*models.MaintenanceWindow
	cooldowns map[string]cooldownEntry
	openKeys  map[string]string // correlation key -> open alert ID
	perSev    map[models.Severity]time.Duration
}

// NewIndex creates an empty suppression index. cooldowns may be nil to use
// DefaultCooldowns; individual severities fall back to the defaults too.
func NewIndex(cooldowns map[models.Severity]time.Duration) *Index {
	perSev := make(map[models.Severity]time.Duration, len(DefaultCooldowns))
	for sev, d := range DefaultCooldowns {
		perSev[sev] = d
	}
	for sev, d := range cooldowns {
		if d > 0 {
			perSev[sev] = d
		}
	}
	return &Index{
		windows:   make(map[string]*models.MaintenanceWindow),
		cooldowns: make(map[string]cooldownEntry),
		openKeys:  make(map[string]string),
		perSev:    perSev,
	}
}

// Decide applies the decision order: maintenance window, cooldown,
// correlation merge, admit. First match wins.
func (i *Index) Decide(ev *models.IngressEvent, corrKey string, now time.Time) Decision {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.decideLocked(ev, corrKey, now)
}

// DecideAdmit is Decide plus, on admit, registration of candidateID as the
// open alert for corrKey, in one critical section. Concurrent arrivals on the
// same key therefore admit exactly once; the losers merge.
func (i *Index) DecideAdmit(ev *models.IngressEvent, corrKey, candidateID string, now time.Time) Decision {
	i.mu.Lock()
	defer i.mu.Unlock()
	d := i.decideLocked(ev, corrKey, now)
	if d.Action == Admit {
		i.openKeys[corrKey] = candidateID
	}
	return d
}

func (i *Index) decideLocked(ev *models.IngressEvent, corrKey string, now time.Time) Decision {
	for id, w := range i.windows {
		if w.SuppressNotifications && w.ActiveAt(now) && w.Matches(ev.Source, ev.Labels) {
			metrics.SuppressionsTotal.WithLabelValues("maintenance_window").Inc()
			log.Info().
				Str("rule", ev.RuleName).
				Str("source", ev.Source).
				Str("windowID", id).
				Msg("Alert suppressed by maintenance window")
			return Decision{Action: Suppress, Reason: "maintenance_window:" + id}
		}
	}

	if entry, ok := i.cooldowns[cooldownKey(ev.RuleName, ev.Source)]; ok && now.Before(entry.expiresAt) {
		metrics.SuppressionsTotal.WithLabelValues("cooldown").Inc()
		log.Debug().
			Str("rule", ev.RuleName).
			Str("source", ev.Source).
			Time("until", entry.expiresAt).
			Msg("Alert suppressed by cooldown")
		return Decision{Action: Suppress, Reason: "cooldown"}
	}

	if existingID, ok := i.openKeys[corrKey]; ok {
		metrics.SuppressionsTotal.WithLabelValues("duplicate").Inc()
		return Decision{Action: Merge, Reason: "duplicate", ExistingID: existingID}
	}

	return Decision{Action: Admit}
}

// MarkNotified arms the cooldown for (rule, source). Called when a
// notification is actually emitted, not on mere admission.
func (i *Index) MarkNotified(ruleName, source string, severity models.Severity, now time.Time) {
	d := i.perSev[severity]
	if d <= 0 {
		return
	}
	i.mu.Lock()
	i.cooldowns[cooldownKey(ruleName, source)] = cooldownEntry{expiresAt: now.Add(d)}
	i.mu.Unlock()
}

// AdmitKey registers an open alert for a correlation key. The engine calls
// this when an alert enters a non-terminal state.
func (i *Index) AdmitKey(corrKey, alertID string) {
	i.mu.Lock()
	i.openKeys[corrKey] = alertID
	i.mu.Unlock()
}

// ReleaseKey removes the open-alert registration, typically on resolve.
func (i *Index) ReleaseKey(corrKey string) {
	i.mu.Lock()
	delete(i.openKeys, corrKey)
	i.mu.Unlock()
}

// OpenAlert returns the open alert ID for a correlation key, if any.
func (i *Index) OpenAlert(corrKey string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	id, ok := i.openKeys[corrKey]
	return id, ok
}

// UpsertWindow adds or replaces a maintenance window.
func (i *Index) UpsertWindow(w *models.MaintenanceWindow) {
	i.mu.Lock()
	i.windows[w.ID] = w
	i.mu.Unlock()
	log.Info().
		Str("windowID", w.ID).
		Str("source", w.Source).
		Time("start", w.Start).
		Time("end", w.End).
		Bool("suppress", w.SuppressNotifications).
		Msg("Maintenance window upserted")
}

// RemoveWindow deletes a maintenance window by ID.
func (i *Index) RemoveWindow(id string) {
	i.mu.Lock()
	delete(i.windows, id)
	i.mu.Unlock()
}

// ReplaceWindows swaps the full window set, used on catalog reload.
func (i *Index) ReplaceWindows(windows []*models.MaintenanceWindow) {
	next := make(map[string]*models.MaintenanceWindow, len(windows))
	for _, w := range windows {
		next[w.ID] = w
	}
	i.mu.Lock()
	i.windows = next
	i.mu.Unlock()
	log.Info().Int("count", len(windows)).Msg("Maintenance windows replaced")
}

// Prune drops expired cooldown entries and ended windows. Called
// periodically by the engine's housekeeping timer.
func (i *Index) Prune(now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for key, entry := range i.cooldowns {
		if !now.Before(entry.expiresAt) {
			delete(i.cooldowns, key)
		}
	}
	for id, w := range i.windows {
		if !now.Before(w.End) {
			delete(i.windows, id)
		}
	}
}

func cooldownKey(ruleName, source string) string {
	return ruleName + "\x00" + source
}
