// Package models defines the persistent record types shared by the alerting
// core: alerts, contacts, teams, schedules, escalation policies, maintenance
// windows, notification jobs, and remediation actions/executions.
package models

import (
	"time"
)

// SchemaVersion is stamped into every persisted document so future readers
// can migrate old layouts.
const SchemaVersion = 1

// Kind identifies a record family in the store.
type Kind string

const (
	KindAlert     Kind = "alert"
	KindContact   Kind = "contact"
	KindTeam      Kind = "team"
	KindSchedule  Kind = "schedule"
	KindPolicy    Kind = "policy"
	KindRule      Kind = "rule"
	KindWindow    Kind = "window"
	KindJob       Kind = "job"
	KindAction    Kind = "action"
	KindExecution Kind = "execution"
)

// Severity represents alert urgency.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

var severityRank = map[Severity]int{
	SeverityInfo:      0,
	SeverityWarning:   1,
	SeverityCritical:  2,
	SeverityEmergency: 3,
}

// Rank returns the ordering of a severity; unknown severities rank lowest.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s is at least as urgent as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// AlertStatus represents the lifecycle state of an alert.
type AlertStatus string

const (
	StatusActive       AlertStatus = "active"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusResolved     AlertStatus = "resolved"
	StatusSuppressed   AlertStatus = "suppressed"
	StatusEscalated    AlertStatus = "escalated"
)

// Open reports whether the status counts as open for correlation purposes
// (active, acknowledged, or escalated).
func (s AlertStatus) Open() bool {
	return s == StatusActive || s == StatusAcknowledged || s == StatusEscalated
}

// Terminal reports whether the status is terminal.
func (s AlertStatus) Terminal() bool {
	return s == StatusResolved || s == StatusSuppressed
}

// Trigger identifies the condition an escalation rule fires on.
type Trigger string

const (
	TriggerAckTimeout       Trigger = "ack_timeout"
	TriggerSeverityIncrease Trigger = "severity_increase"
	TriggerNoResponse       Trigger = "no_response"
	TriggerConstitutional   Trigger = "constitutional_violation"
	TriggerTimeBased        Trigger = "time_based"
)

// Valid reports whether the trigger is one of the known kinds.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerAckTimeout, TriggerSeverityIncrease, TriggerNoResponse, TriggerConstitutional, TriggerTimeBased:
		return true
	}
	return false
}

// Impact represents the blast radius of a remediation action.
type Impact string

const (
	ImpactLow      Impact = "low"
	ImpactMedium   Impact = "medium"
	ImpactHigh     Impact = "high"
	ImpactCritical Impact = "critical"
)

// Gated reports whether the impact level requires an approval gate.
func (i Impact) Gated() bool {
	return i == ImpactHigh || i == ImpactCritical
}

// Valid reports whether the impact is one of the known levels.
func (i Impact) Valid() bool {
	switch i {
	case ImpactLow, ImpactMedium, ImpactHigh, ImpactCritical:
		return true
	}
	return false
}

// JobStatus represents the terminal state of a notification job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobDelivered JobStatus = "delivered"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// TerminalJob reports whether the status ends the job's lifecycle.
func (s JobStatus) Terminal() bool {
	return s == JobDelivered || s == JobFailed || s == JobCancelled
}

// ExecStatus represents the state of a remediation execution.
type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecApproved  ExecStatus = "approved"
	ExecRunning   ExecStatus = "running"
	ExecSuccess   ExecStatus = "success"
	ExecFailed    ExecStatus = "failed"
	ExecTimeout   ExecStatus = "timeout"
	ExecCancelled ExecStatus = "cancelled"
)

// Terminal reports whether the execution status is terminal.
func (s ExecStatus) Terminal() bool {
	switch s {
	case ExecSuccess, ExecFailed, ExecTimeout, ExecCancelled:
		return true
	}
	return false
}

// Meta carries identity and versioning common to all persisted records.
// Version is a monotonic integer used for conditional store updates.
type Meta struct {
	ID            string `json:"id"`
	SchemaVersion int    `json:"schemaVersion"`
	Version       int64  `json:"version"`
}

// DocID returns the record identifier.
func (m *Meta) DocID() string { return m.ID }

// DocVersion returns the current version for conditional updates.
func (m *Meta) DocVersion() int64 { return m.Version }

// SetDocVersion stamps a new version after a successful write.
func (m *Meta) SetDocVersion(v int64) { m.Version = v }

// IndexValues are the secondary-index columns a document exposes to the
// store. Zero values mean "not indexed" for that column.
type IndexValues struct {
	CorrelationKey string
	Status         string
	CreatedAt      time.Time
	NotBefore      time.Time
	AlertID        string
	Constitutional bool
}

// Document is the contract every persisted record satisfies.
type Document interface {
	DocKind() Kind
	DocID() string
	DocVersion() int64
	SetDocVersion(int64)
	DocIndexes() IndexValues
}

// Alert is the persistent record of an abnormal condition reported by a
// monitoring producer. Only the escalation engine mutates it.
type Alert struct {
	Meta
	RuleName             string            `json:"ruleName"`
	Severity             Severity          `json:"severity"`
	Status               AlertStatus       `json:"status"`
	Message              string            `json:"message"`
	Source               string            `json:"source"`
	Labels               map[string]string `json:"labels,omitempty"`
	Annotations          map[string]string `json:"annotations,omitempty"`
	CorrelationKey       string            `json:"correlationKey"`
	ExternalID           string            `json:"externalId,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
	AckedAt              *time.Time        `json:"ackedAt,omitempty"`
	ResolvedAt           *time.Time        `json:"resolvedAt,omitempty"`
	AckBy                string            `json:"ackBy,omitempty"`
	ResolveReason        string            `json:"resolveReason,omitempty"`
	SuppressReason       string            `json:"suppressReason,omitempty"`
	EscalationLevel      int               `json:"escalationLevel"`
	PolicyID             string            `json:"policyId,omitempty"`
	RuleCursor           int               `json:"ruleCursor"`
	CursorVersion        int64             `json:"cursorVersion"`
	LastRuleFiredAt      time.Time         `json:"lastRuleFiredAt"`
	Constitutional       bool              `json:"constitutional"`
	RemediationAttempted bool              `json:"remediationAttempted"`
	RemediationSuccess   *bool             `json:"remediationSuccess,omitempty"`
	MergeCount           int               `json:"mergeCount"`
	Degraded             bool              `json:"degraded,omitempty"`
}

// DocKind implements Document.
func (a *Alert) DocKind() Kind { return KindAlert }

// DocIndexes implements Document.
func (a *Alert) DocIndexes() IndexValues {
	return IndexValues{
		CorrelationKey: a.CorrelationKey,
		Status:         string(a.Status),
		CreatedAt:      a.CreatedAt,
		Constitutional: a.Constitutional,
	}
}

// Clone returns a deep copy of the alert so it can be safely shared across
// goroutines.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	clone := *a
	if a.AckedAt != nil {
		t := *a.AckedAt
		clone.AckedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		clone.ResolvedAt = &t
	}
	if a.RemediationSuccess != nil {
		b := *a.RemediationSuccess
		clone.RemediationSuccess = &b
	}
	clone.Labels = cloneStringMap(a.Labels)
	clone.Annotations = cloneStringMap(a.Annotations)
	return &clone
}

func cloneStringMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// ChannelKind names a notification transport ("email", "webhook", ...).
type ChannelKind string

const (
	ChannelEmail   ChannelKind = "email"
	ChannelWebhook ChannelKind = "webhook"
)

// Contact is a person or endpoint notifications can be routed to.
type Contact struct {
	Meta
	Name           string                 `json:"name"`
	Preferences    []ChannelKind          `json:"preferences,omitempty"`
	Addresses      map[ChannelKind]string `json:"addresses"`
	ClearanceLevel int                    `json:"clearanceLevel"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

func (c *Contact) DocKind() Kind           { return KindContact }
func (c *Contact) DocIndexes() IndexValues { return IndexValues{CreatedAt: c.CreatedAt} }

// Address returns the contact's address for a channel kind, falling back to
// the first preferred channel that has one.
func (c *Contact) Address(kind ChannelKind) (ChannelKind, string, bool) {
	if addr, ok := c.Addresses[kind]; ok && addr != "" {
		return kind, addr, true
	}
	for _, pref := range c.Preferences {
		if addr, ok := c.Addresses[pref]; ok && addr != "" {
			return pref, addr, true
		}
	}
	return kind, "", false
}

// Team groups contacts under a shared escalation policy.
type Team struct {
	Meta
	Name      string    `json:"name"`
	Members   []string  `json:"members"`
	PolicyID  string    `json:"policyId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (t *Team) DocKind() Kind           { return KindTeam }
func (t *Team) DocIndexes() IndexValues { return IndexValues{CreatedAt: t.CreatedAt} }

// OnCallSchedule covers a team over [Start, End]; an override contact wins
// over the primary while set.
type OnCallSchedule struct {
	Meta
	TeamID    string        `json:"teamId"`
	Primary   string        `json:"primary"`
	Override  string        `json:"override,omitempty"`
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	Rotation  time.Duration `json:"rotation,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

func (s *OnCallSchedule) DocKind() Kind           { return KindSchedule }
func (s *OnCallSchedule) DocIndexes() IndexValues { return IndexValues{CreatedAt: s.CreatedAt} }

// ActiveAt reports whether the schedule covers the instant.
func (s *OnCallSchedule) ActiveAt(now time.Time) bool {
	return !now.Before(s.Start) && !now.After(s.End)
}

// EscalationRule is one step of an escalation policy. Target is a contact
// XOR a team. Immutable once referenced by a live alert.
type EscalationRule struct {
	Meta
	Trigger           Trigger       `json:"trigger"`
	Delay             time.Duration `json:"delay"`
	TargetContact     string        `json:"targetContact,omitempty"`
	TargetTeam        string        `json:"targetTeam,omitempty"`
	Channel           ChannelKind   `json:"channel"`
	SeverityThreshold Severity      `json:"severityThreshold,omitempty"`
	ImpactFlag        bool          `json:"impactFlag,omitempty"`
}

func (r *EscalationRule) DocKind() Kind           { return KindRule }
func (r *EscalationRule) DocIndexes() IndexValues { return IndexValues{} }

// EscalationPolicy is an ordered list of rule IDs plus limits.
type EscalationPolicy struct {
	Meta
	Name               string    `json:"name"`
	RuleIDs            []string  `json:"ruleIds"`
	MaxEscalations     int       `json:"maxEscalations"`
	SeverityFilter     Severity  `json:"severityFilter,omitempty"`
	ConstitutionalOnly bool      `json:"constitutionalOnly,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

func (p *EscalationPolicy) DocKind() Kind           { return KindPolicy }
func (p *EscalationPolicy) DocIndexes() IndexValues { return IndexValues{CreatedAt: p.CreatedAt} }

// MaintenanceWindow suppresses matching alerts over the half-open interval
// [Start, End).
type MaintenanceWindow struct {
	Meta
	Source                string            `json:"source,omitempty"`
	LabelSelector         map[string]string `json:"labelSelector,omitempty"`
	Start                 time.Time         `json:"start"`
	End                   time.Time         `json:"end"`
	SuppressNotifications bool              `json:"suppressNotifications"`
	Comment               string            `json:"comment,omitempty"`
	CreatedAt             time.Time         `json:"createdAt"`
}

func (w *MaintenanceWindow) DocKind() Kind           { return KindWindow }
func (w *MaintenanceWindow) DocIndexes() IndexValues { return IndexValues{CreatedAt: w.CreatedAt} }

// ActiveAt reports whether the window covers the instant. The interval is
// half-open: an alert arriving exactly at End is admitted.
func (w *MaintenanceWindow) ActiveAt(now time.Time) bool {
	return !now.Before(w.Start) && now.Before(w.End)
}

// Matches reports whether the window's selector covers the alert source and
// labels. An empty source matches every source; every selector label must be
// present with an equal value.
func (w *MaintenanceWindow) Matches(source string, labels map[string]string) bool {
	if w.Source != "" && w.Source != source {
		return false
	}
	for k, v := range w.LabelSelector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// NotificationJob is one unit of delivery work: one rendered message via one
// channel to one contact. Created by the engine, consumed by the dispatcher.
type NotificationJob struct {
	Meta
	AlertID        string            `json:"alertId"`
	ContactID      string            `json:"contactId"`
	Channel        ChannelKind       `json:"channel"`
	Address        string            `json:"address"`
	TemplateID     string            `json:"templateId"`
	Variables      map[string]string `json:"variables,omitempty"`
	Priority       int               `json:"priority"`
	NotBefore      time.Time         `json:"notBefore"`
	Deadline       time.Time         `json:"deadline,omitempty"`
	MaxAttempts    int               `json:"maxAttempts"`
	Attempts       int               `json:"attempts"`
	Status         JobStatus         `json:"status"`
	LastError      string            `json:"lastError,omitempty"`
	Constitutional bool              `json:"constitutional"`
	CreatedAt      time.Time         `json:"createdAt"`
	DeliveredAt    *time.Time        `json:"deliveredAt,omitempty"`
}

func (j *NotificationJob) DocKind() Kind { return KindJob }

func (j *NotificationJob) DocIndexes() IndexValues {
	return IndexValues{
		Status:         string(j.Status),
		CreatedAt:      j.CreatedAt,
		NotBefore:      j.NotBefore,
		AlertID:        j.AlertID,
		Constitutional: j.Constitutional,
	}
}

// Clone returns a deep copy of the job.
func (j *NotificationJob) Clone() *NotificationJob {
	if j == nil {
		return nil
	}
	clone := *j
	clone.Variables = cloneStringMap(j.Variables)
	if j.DeliveredAt != nil {
		t := *j.DeliveredAt
		clone.DeliveredAt = &t
	}
	return &clone
}

// RemediationAction is the static definition of an external corrective
// action.
type RemediationAction struct {
	Meta
	Name             string        `json:"name"`
	CommandTemplate  string        `json:"commandTemplate"`
	Timeout          time.Duration `json:"timeout"`
	MaxRetries       int           `json:"maxRetries"`
	RequiresApproval bool          `json:"requiresApproval"`
	Impact           Impact        `json:"impact"`
	CreatedAt        time.Time     `json:"createdAt"`
}

func (a *RemediationAction) DocKind() Kind           { return KindAction }
func (a *RemediationAction) DocIndexes() IndexValues { return IndexValues{CreatedAt: a.CreatedAt} }

// RemediationExecution is a runtime instance of attempting an action on
// behalf of an alert.
type RemediationExecution struct {
	Meta
	ActionID       string     `json:"actionId"`
	AlertID        string     `json:"alertId"`
	Status         ExecStatus `json:"status"`
	StartAt        *time.Time `json:"startAt,omitempty"`
	EndAt          *time.Time `json:"endAt,omitempty"`
	ExitCode       *int       `json:"exitCode,omitempty"`
	StdoutTail     string     `json:"stdoutTail,omitempty"`
	StderrTail     string     `json:"stderrTail,omitempty"`
	Attempts       int        `json:"attempts"`
	FailureReason  string     `json:"failureReason,omitempty"`
	Constitutional bool       `json:"constitutional"`
	CreatedAt      time.Time  `json:"createdAt"`
}

func (e *RemediationExecution) DocKind() Kind { return KindExecution }

func (e *RemediationExecution) DocIndexes() IndexValues {
	return IndexValues{
		Status:         string(e.Status),
		CreatedAt:      e.CreatedAt,
		AlertID:        e.AlertID,
		Constitutional: e.Constitutional,
	}
}

// Clone returns a deep copy of the execution.
func (e *RemediationExecution) Clone() *RemediationExecution {
	if e == nil {
		return nil
	}
	clone := *e
	if e.StartAt != nil {
		t := *e.StartAt
		clone.StartAt = &t
	}
	if e.EndAt != nil {
		t := *e.EndAt
		clone.EndAt = &t
	}
	if e.ExitCode != nil {
		c := *e.ExitCode
		clone.ExitCode = &c
	}
	return &clone
}
