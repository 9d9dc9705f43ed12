package models

import (
	"errors"
	"strings"
	"time"
)

// IngressEvent is a pre-formed alert event arriving from a monitoring
// producer. ExternalID, when supplied, deduplicates ingress retries.
type IngressEvent struct {
	RuleName       string            `json:"ruleName"`
	Severity       Severity          `json:"severity"`
	Message        string            `json:"message"`
	Source         string            `json:"source"`
	Labels         map[string]string `json:"labels,omitempty"`
	Annotations    map[string]string `json:"annotations,omitempty"`
	Constitutional bool              `json:"constitutional"`
	ExternalID     string            `json:"externalId,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// Validate rejects protocol violations at ingress. Malformed events are
// never admitted.
func (e *IngressEvent) Validate() error {
	var problems []string
	if e.RuleName == "" {
		problems = append(problems, "ruleName is required")
	}
	if !e.Severity.Valid() {
		problems = append(problems, "severity must be one of info, warning, critical, emergency")
	}
	if e.Source == "" {
		problems = append(problems, "source is required")
	}
	if e.Message == "" {
		problems = append(problems, "message is required")
	}
	if e.Timestamp.IsZero() {
		problems = append(problems, "timestamp is required")
	}
	if len(problems) > 0 {
		return errors.New("invalid ingress event: " + strings.Join(problems, "; "))
	}
	return nil
}
