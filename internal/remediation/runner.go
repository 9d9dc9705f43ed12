package remediation

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/meshgov/warden/internal/models"
)

// tailBytes bounds how much of each output stream an execution record keeps.
const tailBytes = 4096

// RunResult is the outcome of one command invocation.
type RunResult struct {
	ExitCode   int
	StdoutTail string
	StderrTail string
	TimedOut   bool
	Err        error
}

// Runner executes a remediation command. Implementations must honor ctx
// cancellation by killing the process.
type Runner interface {
	Run(ctx context.Context, command string, timeout time.Duration) RunResult
}

// ExecRunner runs commands through the local shell with a hard timeout.
type ExecRunner struct {
	Shell string // defaults to /bin/sh
}

// Run executes the command, capturing bounded output tails. On timeout the
// process group receives SIGKILL via CommandContext.
func (r *ExecRunner) Run(ctx context.Context, command string, timeout time.Duration) RunResult {
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	stdout := newTailBuffer(tailBytes)
	stderr := newTailBuffer(tailBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	res := RunResult{
		StdoutTail: stdout.String(),
		StderrTail: stderr.String(),
	}
	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		res.Err = fmt.Errorf("command timed out after %s", timeout)
		return res
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		res.Err = err
	default:
		res.ExitCode = -1
		res.Err = err
	}
	return res
}

// tailBuffer is an io.Writer keeping only the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// Command templates use {placeholder} syntax. Values come from the alert the
// execution serves; label values are reachable as {label.<key>}.
var knownPlaceholders = map[string]bool{
	"service":  true,
	"alert_id": true,
	"severity": true,
	"source":   true,
}

// ValidateCommandTemplate rejects templates referencing unknown placeholders
// so bad catalogs fail at load time instead of at 3am.
func ValidateCommandTemplate(template string) error {
	for _, name := range extractPlaceholders(template) {
		if strings.HasPrefix(name, "label.") {
			if len(name) == len("label.") {
				return fmt.Errorf("placeholder {label.} is missing a key")
			}
			continue
		}
		if !knownPlaceholders[name] {
			return fmt.Errorf("unknown placeholder {%s}", name)
		}
	}
	return nil
}

// ExpandCommand substitutes alert fields into the template. Unset labels
// expand to the empty string.
func ExpandCommand(template string, alert *models.Alert) string {
	var b strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		name := rest[open+1 : open+end]
		b.WriteString(placeholderValue(name, alert))
		rest = rest[open+end+1:]
	}
	return b.String()
}

func placeholderValue(name string, alert *models.Alert) string {
	switch name {
	case "service", "source":
		return alert.Source
	case "alert_id":
		return alert.ID
	case "severity":
		return string(alert.Severity)
	}
	if key, ok := strings.CutPrefix(name, "label."); ok {
		return alert.Labels[key]
	}
	return ""
}

func extractPlaceholders(template string) []string {
	var out []string
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			return out
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return out
		}
		out = append(out, rest[open+1:open+end])
		rest = rest[open+end+1:]
	}
}
