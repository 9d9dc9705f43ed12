package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgov/warden/internal/models"
)

func renderJob(templateID string, vars map[string]string) *models.NotificationJob {
	return &models.NotificationJob{
		Meta:       models.Meta{ID: "job-1"},
		TemplateID: templateID,
		Variables:  vars,
	}
}

func TestRenderFallbackTemplate(t *testing.T) {
	r := NewRenderer()
	got, err := r.Render(renderJob("nonexistent", map[string]string{
		"severity":  "critical",
		"rule_name": "disk-pressure",
		"source":    "node-7",
		"message":   "disk above threshold",
	}))
	require.NoError(t, err)
	assert.Equal(t, "[critical] disk-pressure on node-7: disk above threshold", got)
}

func TestRenderRegisteredTemplate(t *testing.T) {
	r := NewRenderer()
	require.NoError(t, r.Register("escalation", "ESCALATED to level {{.escalation_level}}: {{.rule_name}}"))

	got, err := r.Render(renderJob("escalation", map[string]string{
		"escalation_level": "2",
		"rule_name":        "quorum-loss",
	}))
	require.NoError(t, err)
	assert.Equal(t, "ESCALATED to level 2: quorum-loss", got)
}

func TestRenderMissingVariableRendersEmpty(t *testing.T) {
	r := NewRenderer()
	got, err := r.Render(renderJob("", map[string]string{"severity": "info"}))
	require.NoError(t, err)
	assert.Contains(t, got, "[info]")
}

func TestRegisterRejectsBadTemplate(t *testing.T) {
	r := NewRenderer()
	err := r.Register("broken", "{{.unterminated")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse template")
}

func TestRegisterReplacesExisting(t *testing.T) {
	r := NewRenderer()
	require.NoError(t, r.Register("greeting", "old {{.name}}"))
	require.NoError(t, r.Register("greeting", "new {{.name}}"))

	got, err := r.Render(renderJob("greeting", map[string]string{"name": "x"}))
	require.NoError(t, err)
	assert.Equal(t, "new x", got)
}
