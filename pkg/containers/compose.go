package containers

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/logging"
	"github.com/cai-cerberus/bootseq/pkg/process"
)

// ComposeSpec selects a compose project and, optionally, a subset of its services.
type ComposeSpec struct {
	File     string   `yaml:"file"`
	Project  string   `yaml:"project,omitempty"`
	Services []string `yaml:"services,omitempty"`
	// Build runs `compose build` before every `up`.
	Build bool `yaml:"build,omitempty"`
	// Binary is the container CLI, "docker" unless overridden.
	Binary string `yaml:"binary,omitempty"`
}

func (s ComposeSpec) IsZero() bool {
	return s.File == "" && s.Project == "" && len(s.Services) == 0 && s.Binary == ""
}

func ValidateComposeSpec(spec ComposeSpec) error {
	if spec.File == "" {
		return errors.NewValidationError("compose file is required", nil)
	}
	if !filepath.IsAbs(spec.File) {
		return errors.NewValidationError("compose file path must be absolute", nil).WithContext("file", spec.File)
	}
	return nil
}

// Runtime is the container collaborator surface consumed by the sequencer.
type Runtime interface {
	Build(ctx context.Context, spec ComposeSpec) (process.RunResult, error)
	Up(ctx context.Context, spec ComposeSpec) (process.RunResult, error)
	Ps(ctx context.Context, spec ComposeSpec) ([]Container, error)
	Logs(ctx context.Context, spec ComposeSpec, lines int) (process.RunResult, error)
	Stop(ctx context.Context, spec ComposeSpec, timeoutSeconds int) (process.RunResult, error)
	Kill(ctx context.Context, spec ComposeSpec) (process.RunResult, error)
	Down(ctx context.Context, spec ComposeSpec) (process.RunResult, error)
}

type composeRuntime struct {
	runner process.Runner
	logger logging.Logger
}

// NewComposeRuntime returns a Runtime that shells out to `docker compose`.
func NewComposeRuntime(runner process.Runner, logger logging.Logger) Runtime {
	return &composeRuntime{
		runner: runner,
		logger: logger,
	}
}

func (r *composeRuntime) command(spec ComposeSpec, args ...string) process.CommandSpec {
	binary := spec.Binary
	if binary == "" {
		binary = "docker"
	}
	full := []string{"compose", "-f", spec.File}
	if spec.Project != "" {
		full = append(full, "-p", spec.Project)
	}
	full = append(full, args...)
	return process.CommandSpec{
		Command:          binary,
		Args:             full,
		WorkingDirectory: filepath.Dir(spec.File),
	}
}

func (r *composeRuntime) run(ctx context.Context, spec ComposeSpec, step string, args ...string) (process.RunResult, error) {
	cmd := r.command(spec, args...)
	result, err := r.runner.Run(ctx, cmd)
	if err != nil {
		return result, err
	}
	if result.ExitCode != 0 {
		return result, errors.NewProcessError("compose "+step+" failed", nil).
			WithContext("command", cmd.String()).
			WithContext("exit_code", result.ExitCode).
			WithContext("last_output", lastLines(result.Output(), 5))
	}
	return result, nil
}

func (r *composeRuntime) Build(ctx context.Context, spec ComposeSpec) (process.RunResult, error) {
	r.logger.Infof("Building compose services, file: %s, services: %v", spec.File, spec.Services)
	return r.run(ctx, spec, "build", append([]string{"build"}, spec.Services...)...)
}

func (r *composeRuntime) Up(ctx context.Context, spec ComposeSpec) (process.RunResult, error) {
	args := append([]string{"up", "-d"}, spec.Services...)
	r.logger.Infof("Starting compose services, file: %s, services: %v", spec.File, spec.Services)
	return r.run(ctx, spec, "up", args...)
}

func (r *composeRuntime) Ps(ctx context.Context, spec ComposeSpec) ([]Container, error) {
	args := append([]string{"ps", "--all", "--format", "json"}, spec.Services...)
	result, err := r.run(ctx, spec, "ps", args...)
	if err != nil {
		return nil, err
	}
	containers, jsonErr := ParsePsJSON([]byte(result.Stdout))
	if jsonErr == nil {
		return containers, nil
	}

	// compose v1 and early v2 print a table and ignore --format json
	r.logger.Debugf("compose ps output is not JSON, falling back to table parsing, error: %v", jsonErr)
	tableResult, err := r.run(ctx, spec, "ps", append([]string{"ps", "--all"}, spec.Services...)...)
	if err != nil {
		return nil, err
	}
	containers, err = ParsePsTable(tableResult.Stdout)
	if err != nil {
		return nil, errors.NewProbeFailedError("unparseable compose ps output", err).
			WithContext("last_output", lastLines(tableResult.Output(), 5))
	}
	return containers, nil
}

func (r *composeRuntime) Logs(ctx context.Context, spec ComposeSpec, lines int) (process.RunResult, error) {
	args := []string{"logs", "--no-color"}
	if lines > 0 {
		args = append(args, "--tail", strconv.Itoa(lines))
	}
	return r.run(ctx, spec, "logs", append(args, spec.Services...)...)
}

func (r *composeRuntime) Stop(ctx context.Context, spec ComposeSpec, timeoutSeconds int) (process.RunResult, error) {
	args := []string{"stop"}
	if timeoutSeconds > 0 {
		args = append(args, "-t", strconv.Itoa(timeoutSeconds))
	}
	r.logger.Infof("Stopping compose services, file: %s, services: %v", spec.File, spec.Services)
	return r.run(ctx, spec, "stop", append(args, spec.Services...)...)
}

func (r *composeRuntime) Kill(ctx context.Context, spec ComposeSpec) (process.RunResult, error) {
	r.logger.Warnf("Killing compose services, file: %s, services: %v", spec.File, spec.Services)
	return r.run(ctx, spec, "kill", append([]string{"kill"}, spec.Services...)...)
}

func (r *composeRuntime) Down(ctx context.Context, spec ComposeSpec) (process.RunResult, error) {
	r.logger.Infof("Removing compose project, file: %s", spec.File)
	return r.run(ctx, spec, "down", "down")
}
