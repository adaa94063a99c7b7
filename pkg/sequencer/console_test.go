package sequencer

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/health"
	"github.com/cai-cerberus/bootseq/pkg/services"
	"github.com/cai-cerberus/bootseq/pkg/teardown"
)

func TestConsole_Lines(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	var out bytes.Buffer
	c := NewConsole(&out, func() time.Time { return now })

	svc := &services.ManagedService{Name: "litellm", Kind: services.KindCompose}

	running := services.NewServiceHandle(svc)
	running.AlreadyRunning = true
	c.Started(running)

	failed := services.NewServiceHandle(svc)
	failed.Fail(errors.NewStartTimeoutError("service did not become ready", nil).WithContext("elapsed", "30s"))
	failed.LastOutput = "connection refused"
	c.Started(failed)

	startedAt := now.Add(-3 * time.Minute)
	c.Health(health.ServiceReport{Service: "llama-server", State: health.StateHealthy, Message: "pid 42 is running", PID: 42, StartedAt: &startedAt})
	c.Health(health.ServiceReport{Service: "offload", State: health.StateProbeFailed, Message: "docker: command not found"})
	c.Stopped(teardown.Result{Service: "llama-server", Outcome: teardown.OutcomeForced}, nil)

	text := out.String()
	assert.Contains(t, text, "ok      litellm                  already running\n")
	assert.Contains(t, text, "failed  litellm                  failed to start: start_timeout: service did not become ready (elapsed: 30s)\n")
	assert.Contains(t, text, "        connection refused\n")
	assert.Contains(t, text, "pid 42 is running, pid 42, started 3 minutes ago")
	assert.Contains(t, text, "unknown offload                  probe failed: docker: command not found")
	assert.Contains(t, text, "killed  llama-server             ignored the termination signal and was killed")
}
