package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/meshgov/warden/internal/models"
	"github.com/meshgov/warden/internal/remediation"
)

// Catalog is the static routing universe: who to notify, how to escalate,
// and what remediations exist. It loads from a single JSON file and is
// immutable once built; hot reload swaps the whole catalog atomically.
type Catalog struct {
	Contacts  map[string]*models.Contact
	Teams     map[string]*models.Team
	Schedules []*models.OnCallSchedule
	Rules     map[string]*models.EscalationRule
	Policies  map[string]*models.EscalationPolicy
	Actions   map[string]*models.RemediationAction
	Windows   []*models.MaintenanceWindow
	Templates map[string]string

	// PolicyByRule overrides the default policy for specific alert rules.
	PolicyByRule map[string]string

	// mappings key (ruleName, severity) to a remediation action; an entry
	// with empty severity matches any severity of that rule.
	mappings map[mappingKey]string
}

type mappingKey struct {
	RuleName string
	Severity models.Severity
}

// catalogFile mirrors the JSON layout on disk.
type catalogFile struct {
	Contacts     []*models.Contact           `json:"contacts"`
	Teams        []*models.Team              `json:"teams"`
	Schedules    []*models.OnCallSchedule    `json:"schedules"`
	Rules        []*models.EscalationRule    `json:"escalationRules"`
	Policies     []*models.EscalationPolicy  `json:"escalationPolicies"`
	Actions      []*models.RemediationAction `json:"remediationActions"`
	Windows      []*models.MaintenanceWindow `json:"maintenanceWindows"`
	Templates    map[string]string           `json:"templates"`
	Mappings     []remediationMapping        `json:"remediationMappings"`
	PolicyByRule map[string]string           `json:"policyByRule"`
}

type remediationMapping struct {
	RuleName string          `json:"ruleName"`
	Severity models.Severity `json:"severity,omitempty"`
	ActionID string          `json:"actionId"`
}

// LoadCatalog reads and validates a catalog file. Validation failures reject
// the whole file so a broken reload never replaces a working catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return buildCatalog(&file)
}

// EmptyCatalog returns a catalog with no entries, used when no catalog path
// is configured.
func EmptyCatalog() *Catalog {
	c, _ := buildCatalog(&catalogFile{})
	return c
}

func buildCatalog(file *catalogFile) (*Catalog, error) {
	c := &Catalog{
		Contacts:     make(map[string]*models.Contact),
		Teams:        make(map[string]*models.Team),
		Schedules:    file.Schedules,
		Rules:        make(map[string]*models.EscalationRule),
		Policies:     make(map[string]*models.EscalationPolicy),
		Actions:      make(map[string]*models.RemediationAction),
		Windows:      file.Windows,
		Templates:    file.Templates,
		PolicyByRule: file.PolicyByRule,
		mappings:     make(map[mappingKey]string),
	}
	if c.Templates == nil {
		c.Templates = make(map[string]string)
	}
	if c.PolicyByRule == nil {
		c.PolicyByRule = make(map[string]string)
	}

	for _, contact := range file.Contacts {
		if contact.ID == "" {
			return nil, fmt.Errorf("contact %q has no id", contact.Name)
		}
		c.Contacts[contact.ID] = contact
	}
	for _, team := range file.Teams {
		if team.ID == "" {
			return nil, fmt.Errorf("team %q has no id", team.Name)
		}
		for _, member := range team.Members {
			if _, ok := c.Contacts[member]; !ok {
				return nil, fmt.Errorf("team %s references unknown contact %s", team.ID, member)
			}
		}
		c.Teams[team.ID] = team
	}
	for _, rule := range file.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("escalation rule has no id")
		}
		if (rule.TargetContact == "") == (rule.TargetTeam == "") {
			return nil, fmt.Errorf("rule %s must target exactly one of a contact or a team", rule.ID)
		}
		if rule.TargetContact != "" {
			if _, ok := c.Contacts[rule.TargetContact]; !ok {
				return nil, fmt.Errorf("rule %s targets unknown contact %s", rule.ID, rule.TargetContact)
			}
		}
		if rule.TargetTeam != "" {
			if _, ok := c.Teams[rule.TargetTeam]; !ok {
				return nil, fmt.Errorf("rule %s targets unknown team %s", rule.ID, rule.TargetTeam)
			}
		}
		if !rule.Trigger.Valid() {
			return nil, fmt.Errorf("rule %s has unknown trigger %q", rule.ID, rule.Trigger)
		}
		c.Rules[rule.ID] = rule
	}
	for _, policy := range file.Policies {
		if policy.ID == "" {
			return nil, fmt.Errorf("escalation policy %q has no id", policy.Name)
		}
		for _, ruleID := range policy.RuleIDs {
			if _, ok := c.Rules[ruleID]; !ok {
				return nil, fmt.Errorf("policy %s references unknown rule %s", policy.ID, ruleID)
			}
		}
		c.Policies[policy.ID] = policy
	}
	for _, action := range file.Actions {
		if action.ID == "" {
			return nil, fmt.Errorf("remediation action %q has no id", action.Name)
		}
		if err := remediation.ValidateCommandTemplate(action.CommandTemplate); err != nil {
			return nil, fmt.Errorf("action %s: %w", action.ID, err)
		}
		if !action.Impact.Valid() {
			return nil, fmt.Errorf("action %s has unknown impact %q", action.ID, action.Impact)
		}
		c.Actions[action.ID] = action
	}
	for _, m := range file.Mappings {
		if _, ok := c.Actions[m.ActionID]; !ok {
			return nil, fmt.Errorf("remediation mapping for rule %q references unknown action %s", m.RuleName, m.ActionID)
		}
		c.mappings[mappingKey{RuleName: m.RuleName, Severity: m.Severity}] = m.ActionID
	}
	for rule, policyID := range c.PolicyByRule {
		if _, ok := c.Policies[policyID]; !ok {
			return nil, fmt.Errorf("policy override for rule %q references unknown policy %s", rule, policyID)
		}
	}
	return c, nil
}

// Contact returns the contact by ID.
func (c *Catalog) Contact(id string) (*models.Contact, bool) {
	contact, ok := c.Contacts[id]
	return contact, ok
}

// Policy returns the policy by ID.
func (c *Catalog) Policy(id string) (*models.EscalationPolicy, bool) {
	p, ok := c.Policies[id]
	return p, ok
}

// Rule returns the escalation rule by ID.
func (c *Catalog) Rule(id string) (*models.EscalationRule, bool) {
	r, ok := c.Rules[id]
	return r, ok
}

// Action returns the remediation action by ID.
func (c *Catalog) Action(id string) (*models.RemediationAction, bool) {
	a, ok := c.Actions[id]
	return a, ok
}

// ActionFor maps (rule name, severity) to a remediation action. An exact
// severity match wins over a rule-wide mapping.
func (c *Catalog) ActionFor(ruleName string, severity models.Severity) (*models.RemediationAction, bool) {
	if id, ok := c.mappings[mappingKey{RuleName: ruleName, Severity: severity}]; ok {
		return c.Action(id)
	}
	if id, ok := c.mappings[mappingKey{RuleName: ruleName}]; ok {
		return c.Action(id)
	}
	return nil, false
}

// PolicyFor picks the escalation policy for an alert: rule override first,
// then the constitutional or default policy.
func (c *Catalog) PolicyFor(ruleName string, constitutional bool, defaultID, constitutionalID string) (*models.EscalationPolicy, bool) {
	if id, ok := c.PolicyByRule[ruleName]; ok {
		if p, ok := c.Policy(id); ok {
			return p, true
		}
	}
	if constitutional && constitutionalID != "" {
		if p, ok := c.Policy(constitutionalID); ok {
			return p, true
		}
	}
	return c.Policy(defaultID)
}
