package process

import (
	"bytes"
	"context"
	stderrors "errors"
	"io/fs"
	"os/exec"
	"strings"
	"time"

	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/logging"
)

// RunResult is the outcome of a command that ran to completion.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Output returns stdout, or stderr when stdout is empty, trimmed.
func (r RunResult) Output() string {
	out := strings.TrimSpace(r.Stdout)
	if out == "" {
		out = strings.TrimSpace(r.Stderr)
	}
	return out
}

// Runner runs collaborator commands to completion. A non-zero exit is not an
// error: it is reported through RunResult.ExitCode. Errors mean the command
// could not be run at all.
type Runner interface {
	Run(ctx context.Context, spec CommandSpec) (RunResult, error)
}

// LookPathFunc resolves a command name to an executable path.
type LookPathFunc func(file string) (string, error)

type execRunner struct {
	env    []string
	logger logging.Logger
}

// NewExecRunner creates a Runner backed by os/exec. env is the full
// environment handed to every command; CommandSpec.Env is appended to it.
func NewExecRunner(env []string, logger logging.Logger) Runner {
	return &execRunner{
		env:    env,
		logger: logger,
	}
}

func (r *execRunner) Run(ctx context.Context, spec CommandSpec) (RunResult, error) {
	if err := ValidateCommandSpec(spec); err != nil {
		return RunResult{}, err
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDirectory
	cmd.Env = MergeEnv(r.env, spec.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// children holding the pipes open must not outlive the context
	cmd.WaitDelay = time.Second

	r.logger.Debugf("Running command, cmd: %s, dir: %s", spec, spec.WorkingDirectory)

	start := time.Now()
	err := cmd.Run()
	result := RunResult{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if stderrors.Is(ctxErr, context.DeadlineExceeded) {
			return result, errors.NewTimeoutError("command timed out", ctxErr).
				WithContext("command", spec.String()).WithContext("elapsed", result.Duration.String())
		}
		return result, errors.NewCancelledError("command cancelled", ctxErr).WithContext("command", spec.String())
	}

	if err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			r.logger.Debugf("Command exited non-zero, cmd: %s, exit_code: %d", spec, result.ExitCode)
			return result, nil
		}
		if isNotFound(err) {
			return result, errors.NewNotFoundError("command not found", err).WithContext("command", spec.Command)
		}
		return result, errors.NewProcessError("failed to run command", err).WithContext("command", spec.String())
	}

	result.ExitCode = 0
	return result, nil
}

// isNotFound reports a missing executable, either looked up in PATH or given
// as a path that does not exist.
func isNotFound(err error) bool {
	var execErr *exec.Error
	return stderrors.As(err, &execErr) || stderrors.Is(err, fs.ErrNotExist)
}
