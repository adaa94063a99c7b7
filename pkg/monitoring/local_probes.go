package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/cai-cerberus/bootseq/pkg/containers"
	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/process"
	"github.com/cai-cerberus/bootseq/pkg/processstate"
)

type execProbe struct {
	config  ExecProbeConfig
	timeout time.Duration
	runner  process.Runner
}

func (p *execProbe) Check(ctx context.Context) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	run, err := p.runner.Run(ctx, p.config.CommandSpec)
	if err != nil {
		return ProbeResult{Outcome: OutcomeError, Message: fmt.Sprintf("%s: %v", p.config.CommandSpec, err), Output: run.Output()}
	}

	result := ProbeResult{Output: run.Output()}
	if payload, ok := parseJSON([]byte(run.Stdout)); ok {
		result.Payload = payload
	}

	switch {
	case run.ExitCode == 126 || run.ExitCode == 127:
		result.Outcome = OutcomeError
		result.Message = fmt.Sprintf("probe command could not be executed, exit code %d", run.ExitCode)
		return result
	case containsInt(p.config.DownExitCodes, run.ExitCode):
		result.Outcome = OutcomeDown
		result.Message = fmt.Sprintf("exit code %d", run.ExitCode)
		return result
	}
	if state, ok := p.downState(result.Payload); ok {
		result.Outcome = OutcomeDown
		result.Message = fmt.Sprintf("field %s is %q", p.config.JSONField, state)
		return result
	}
	if run.ExitCode != 0 {
		result.Outcome = OutcomeUnhealthy
		result.Message = fmt.Sprintf("exit code %d", run.ExitCode)
		return result
	}

	if p.config.JSONField != "" {
		return checkJSONField(result, p.config.JSONField, p.config.JSONValue)
	}
	result.Outcome = OutcomeHealthy
	result.Message = "exit code 0"
	return result
}

func (p *execProbe) downState(payload interface{}) (string, bool) {
	if p.config.JSONField == "" || len(p.config.DownJSONValues) == 0 || payload == nil {
		return "", false
	}
	value, ok := lookupJSONField(payload, p.config.JSONField)
	if !ok {
		return "", false
	}
	got := fmt.Sprint(value)
	for _, down := range p.config.DownJSONValues {
		if got == down {
			return got, true
		}
	}
	return "", false
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

type processProbe struct {
	pid PIDSource
}

func (p *processProbe) Check(ctx context.Context) ProbeResult {
	pid, err := p.pid()
	if err != nil {
		if errors.IsNotFoundError(err) || errors.IsValidationError(err) {
			return ProbeResult{Outcome: OutcomeDown, Message: fmt.Sprintf("no usable pid record: %v", err)}
		}
		return ProbeResult{Outcome: OutcomeError, Message: fmt.Sprintf("reading pid record: %v", err)}
	}

	running, err := processstate.IsProcessRunning(pid)
	if err != nil {
		return ProbeResult{Outcome: OutcomeError, Message: fmt.Sprintf("checking pid %d: %v", pid, err)}
	}
	payload := map[string]interface{}{"pid": pid}
	if !running {
		return ProbeResult{Outcome: OutcomeDown, Message: fmt.Sprintf("pid %d is not running", pid), Payload: payload}
	}
	return ProbeResult{Outcome: OutcomeHealthy, Message: fmt.Sprintf("pid %d is running", pid), Payload: payload}
}

type composeProbe struct {
	runtime containers.Runtime
	spec    containers.ComposeSpec
	timeout time.Duration
}

func (p *composeProbe) Check(ctx context.Context) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	list, err := p.runtime.Ps(ctx, p.spec)
	if err != nil {
		return ProbeResult{Outcome: OutcomeError, Message: fmt.Sprintf("listing containers: %v", err)}
	}
	list = selectContainers(list, p.spec.Services)
	if len(list) == 0 {
		return ProbeResult{Outcome: OutcomeDown, Message: "no containers"}
	}

	var running, notReady []string
	for _, c := range list {
		if c.State == "running" {
			running = append(running, c.Name)
		}
		if !c.Ready() {
			notReady = append(notReady, fmt.Sprintf("%s (%s)", c.Name, describeContainer(c)))
		}
	}

	result := ProbeResult{Payload: list}
	switch {
	case len(running) == 0:
		result.Outcome = OutcomeDown
		result.Message = "no running containers: " + strings.Join(notReady, ", ")
	case len(notReady) > 0:
		result.Outcome = OutcomeUnhealthy
		result.Message = "not ready: " + strings.Join(notReady, ", ")
	default:
		result.Outcome = OutcomeHealthy
		result.Message = fmt.Sprintf("%d containers running", len(list))
	}
	return result
}

func selectContainers(list []containers.Container, services []string) []containers.Container {
	if len(services) == 0 {
		return list
	}
	wanted := make(map[string]bool, len(services))
	for _, s := range services {
		wanted[s] = true
	}
	selected := make([]containers.Container, 0, len(list))
	for _, c := range list {
		if wanted[c.Service] {
			selected = append(selected, c)
		}
	}
	return selected
}

func describeContainer(c containers.Container) string {
	if c.Health != "" {
		return c.State + ", " + c.Health
	}
	return c.State
}

// parseJSON decodes data as JSON, tolerating comments and trailing commas.
func parseJSON(data []byte) (interface{}, bool) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	var payload interface{}
	if err := json.Unmarshal(jsonc.ToJSON([]byte(trimmed)), &payload); err != nil {
		return nil, false
	}
	return payload, true
}

// lookupJSONField resolves a dotted path ("data.status") in a decoded JSON document.
func lookupJSONField(payload interface{}, path string) (interface{}, bool) {
	current := payload
	for _, key := range strings.Split(path, ".") {
		object, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = object[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func checkJSONField(result ProbeResult, field, want string) ProbeResult {
	if result.Payload == nil {
		result.Outcome = OutcomeError
		result.Message = "response is not JSON"
		return result
	}
	value, ok := lookupJSONField(result.Payload, field)
	if !ok {
		result.Outcome = OutcomeUnhealthy
		result.Message = fmt.Sprintf("field %s missing from response", field)
		return result
	}
	got := fmt.Sprint(value)
	if got != want {
		result.Outcome = OutcomeUnhealthy
		result.Message = fmt.Sprintf("field %s is %q, want %q", field, got, want)
		return result
	}
	result.Outcome = OutcomeHealthy
	result.Message = fmt.Sprintf("field %s is %q", field, got)
	return result
}
