package monitoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cai-cerberus/bootseq/pkg/containers"
	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/logging"
	"github.com/cai-cerberus/bootseq/pkg/process"
)

type ProbeType string

const (
	ProbeTypeHTTP    ProbeType = "http"
	ProbeTypeTCP     ProbeType = "tcp"
	ProbeTypeGRPC    ProbeType = "grpc"
	ProbeTypeExec    ProbeType = "exec"
	ProbeTypeProcess ProbeType = "process"
	ProbeTypeCompose ProbeType = "compose"
)

type HTTPProbeConfig struct {
	URL          string            `yaml:"url"`
	Method       string            `yaml:"method,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	ExpectStatus int               `yaml:"expect_status,omitempty"`
	JSONField    string            `yaml:"json_field,omitempty"`
	JSONValue    string            `yaml:"json_value,omitempty"`
}

type TCPProbeConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type GRPCProbeConfig struct {
	Address string `yaml:"address"`
	// Service is the name passed to grpc.health.v1.Health/Check; empty asks for the server as a whole.
	Service string `yaml:"service,omitempty"`
}

type ExecProbeConfig struct {
	process.CommandSpec `yaml:",inline"`
	JSONField           string `yaml:"json_field,omitempty"`
	JSONValue           string `yaml:"json_value,omitempty"`
	// DownExitCodes are exit codes meaning the service is not running.
	DownExitCodes []int `yaml:"down_exit_codes,omitempty"`
	// DownJSONValues are values of JSONField meaning the service is not running.
	DownJSONValues []string `yaml:"down_json_values,omitempty"`
}

type ProbeConfig struct {
	Type    ProbeType       `yaml:"type"`
	HTTP    HTTPProbeConfig `yaml:"http,omitempty"`
	TCP     TCPProbeConfig  `yaml:"tcp,omitempty"`
	GRPC    GRPCProbeConfig `yaml:"grpc,omitempty"`
	Exec    ExecProbeConfig `yaml:"exec,omitempty"`
	Timeout time.Duration   `yaml:"timeout,omitempty"`
}

// Outcome is what a single probe run established.
type Outcome string

const (
	// OutcomeHealthy: the service answered and is usable.
	OutcomeHealthy Outcome = "healthy"
	// OutcomeUnhealthy: the service answered, and the answer was negative.
	OutcomeUnhealthy Outcome = "unhealthy"
	// OutcomeDown: nothing answered; the service is not running.
	OutcomeDown Outcome = "down"
	// OutcomeError: the probe itself could not be carried out.
	OutcomeError Outcome = "error"
)

// ProbeResult is the outcome of one probe run plus its diagnostics.
type ProbeResult struct {
	Outcome  Outcome
	Message  string
	Output   string
	Payload  interface{}
	Duration time.Duration
}

func (r ProbeResult) Healthy() bool {
	return r.Outcome == OutcomeHealthy
}

// Err converts a failed probe run into a ProbeFailed error, nil otherwise.
func (r ProbeResult) Err() error {
	if r.Outcome != OutcomeError {
		return nil
	}
	return errors.NewProbeFailedError(r.Message, nil).WithContext("last_output", r.Output)
}

func (r ProbeResult) String() string {
	if r.Output == "" {
		return fmt.Sprintf("%s: %s", r.Outcome, r.Message)
	}
	return fmt.Sprintf("%s: %s, output: %s", r.Outcome, r.Message, truncate(r.Output, 200))
}

// Probe checks readiness of a single service, right now.
type Probe interface {
	Check(ctx context.Context) ProbeResult
}

// PIDSource returns the pid recorded for a service.
type PIDSource func() (int, error)

// ProbeDeps are the collaborators a probe may need, depending on its type.
type ProbeDeps struct {
	Runner  process.Runner
	Runtime containers.Runtime
	Compose containers.ComposeSpec
	PID     PIDSource
	Logger  logging.Logger
}

const defaultProbeTimeout = 5 * time.Second

// NewProbe builds the probe for config. The config is validated first.
func NewProbe(config ProbeConfig, id string, deps ProbeDeps) (Probe, error) {
	if err := ValidateProbeConfig(config); err != nil {
		return nil, errors.NewValidationError("invalid probe configuration", err).WithContext("service", id)
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultProbeTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	var probe Probe
	switch config.Type {
	case ProbeTypeHTTP:
		probe = newHTTPProbe(config.HTTP, config.Timeout)
	case ProbeTypeTCP:
		probe = &tcpProbe{config: config.TCP, timeout: config.Timeout}
	case ProbeTypeGRPC:
		probe = &grpcProbe{config: config.GRPC, timeout: config.Timeout}
	case ProbeTypeExec:
		if deps.Runner == nil {
			return nil, errors.NewInternalError("exec probe requires a command runner", nil).WithContext("service", id)
		}
		probe = &execProbe{config: config.Exec, timeout: config.Timeout, runner: deps.Runner}
	case ProbeTypeProcess:
		if deps.PID == nil {
			return nil, errors.NewInternalError("process probe requires a PID source", nil).WithContext("service", id)
		}
		probe = &processProbe{pid: deps.PID}
	case ProbeTypeCompose:
		if deps.Runtime == nil {
			return nil, errors.NewInternalError("compose probe requires a container runtime", nil).WithContext("service", id)
		}
		probe = &composeProbe{runtime: deps.Runtime, spec: deps.Compose, timeout: config.Timeout}
	}

	return &loggingProbe{probe: probe, id: id, probeType: config.Type, logger: logger}, nil
}

// loggingProbe times each run and logs its outcome.
type loggingProbe struct {
	probe     Probe
	id        string
	probeType ProbeType
	logger    logging.Logger
}

func (p *loggingProbe) Check(ctx context.Context) ProbeResult {
	start := time.Now()
	result := p.probe.Check(ctx)
	result.Duration = time.Since(start)

	switch result.Outcome {
	case OutcomeHealthy:
		p.logger.Debugf("Probe passed, service: %s, type: %s, message: %s", p.id, p.probeType, result.Message)
	case OutcomeError:
		p.logger.Warnf("Probe failed to run, service: %s, type: %s, message: %s", p.id, p.probeType, result.Message)
	default:
		p.logger.Debugf("Probe negative, service: %s, type: %s, outcome: %s, message: %s", p.id, p.probeType, result.Outcome, result.Message)
	}
	return result
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
