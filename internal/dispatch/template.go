package dispatch

import (
	"bytes"
	"fmt"
	"sync"
	"text/template"

	"github.com/meshgov/warden/internal/models"
)

// defaultTemplate renders a plain summary when a job's template ID is not
// registered.
const defaultTemplate = `[{{.severity}}] {{.rule_name}} on {{.source}}: {{.message}}`

// Renderer renders notification job templates. Template failures are
// permanent: retrying the same template with the same variables cannot
// succeed.
type Renderer struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
	fallback  *template.Template
}

// NewRenderer creates a renderer with the built-in fallback template.
func NewRenderer() *Renderer {
	return &Renderer{
		templates: make(map[string]*template.Template),
		fallback:  template.Must(template.New("default").Option("missingkey=zero").Parse(defaultTemplate)),
	}
}

// Register parses and stores a template under the given ID.
func (r *Renderer) Register(id, text string) error {
	tmpl, err := template.New(id).Option("missingkey=zero").Parse(text)
	if err != nil {
		return fmt.Errorf("parse template %q: %w", id, err)
	}
	r.mu.Lock()
	r.templates[id] = tmpl
	r.mu.Unlock()
	return nil
}

// Render produces the message body for a job from its template and
// variables.
func (r *Renderer) Render(job *models.NotificationJob) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[job.TemplateID]
	r.mu.RUnlock()
	if !ok {
		tmpl = r.fallback
	}

	vars := make(map[string]string, len(job.Variables))
	for k, v := range job.Variables {
		vars[k] = v
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render template %q: %w", job.TemplateID, err)
	}
	return buf.String(), nil
}
