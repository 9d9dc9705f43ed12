package remediation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgov/warden/internal/models"
)

func TestExecRunnerSuccess(t *testing.T) {
	r := &ExecRunner{}
	res := r.Run(context.Background(), "echo hello; echo oops >&2", 10*time.Second)

	require.NoError(t, res.Err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.StdoutTail)
	assert.Equal(t, "oops\n", res.StderrTail)
	assert.False(t, res.TimedOut)
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	r := &ExecRunner{}
	res := r.Run(context.Background(), "exit 3", 10*time.Second)

	assert.Equal(t, 3, res.ExitCode)
	assert.Error(t, res.Err)
	assert.False(t, res.TimedOut)
}

func TestExecRunnerTimeout(t *testing.T) {
	r := &ExecRunner{}
	res := r.Run(context.Background(), "sleep 30", 200*time.Millisecond)

	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "timed out")
}

func TestExecRunnerBoundsOutputTails(t *testing.T) {
	r := &ExecRunner{}
	// Emit well past the tail limit; only the end survives.
	res := r.Run(context.Background(), "for i in $(seq 1 2000); do echo line-$i; done", 10*time.Second)

	require.NoError(t, res.Err)
	assert.LessOrEqual(t, len(res.StdoutTail), tailBytes)
	assert.True(t, strings.HasSuffix(res.StdoutTail, "line-2000\n"))
	assert.NotContains(t, res.StdoutTail, "line-1\n")
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	buf := newTailBuffer(10)
	_, err := buf.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, "6789abcdef", buf.String())

	_, err = buf.Write([]byte("XY"))
	require.NoError(t, err)
	assert.Equal(t, "89abcdefXY", buf.String())
}

func TestValidateCommandTemplate(t *testing.T) {
	tests := []struct {
		name     string
		template string
		wantErr  string
	}{
		{"no placeholders", "systemctl restart nginx", ""},
		{"known placeholders", "restart.sh {service} {alert_id} {severity} {source}", ""},
		{"label placeholder", "kubectl delete pod -n {label.namespace}", ""},
		{"unknown placeholder", "restart.sh {hostname}", "unknown placeholder {hostname}"},
		{"bare label prefix", "restart.sh {label.}", "missing a key"},
		{"unterminated brace ignored", "echo {service", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCommandTemplate(tt.template)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestExpandCommand(t *testing.T) {
	alert := &models.Alert{
		Meta:     models.Meta{ID: "alert-42"},
		Source:   "payments-api",
		Severity: models.SeverityCritical,
		Labels:   map[string]string{"namespace": "prod", "shard": "7"},
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"service", "restart {service}", "restart payments-api"},
		{"source alias", "restart {source}", "restart payments-api"},
		{"alert id and severity", "notify {alert_id} {severity}", "notify alert-42 critical"},
		{"labels", "drain -n {label.namespace} --shard {label.shard}", "drain -n prod --shard 7"},
		{"missing label empty", "drain {label.zone}", "drain "},
		{"no placeholders", "uptime", "uptime"},
		{"unterminated brace literal", "echo {service", "echo {service"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandCommand(tt.template, alert))
		})
	}
}
