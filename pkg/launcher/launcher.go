package launcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/cai-cerberus/bootseq/pkg/containers"
	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/logging"
	"github.com/cai-cerberus/bootseq/pkg/metrics"
	"github.com/cai-cerberus/bootseq/pkg/monitoring"
	"github.com/cai-cerberus/bootseq/pkg/process"
	"github.com/cai-cerberus/bootseq/pkg/processfile"
	"github.com/cai-cerberus/bootseq/pkg/processstate"
	"github.com/cai-cerberus/bootseq/pkg/services"
)

// SpawnFunc starts a detached process; process.Spawn in production.
type SpawnFunc func(opts process.SpawnOptions, logger logging.Logger) (*process.Spawned, error)

type Options struct {
	// Env is the environment handed to spawned processes.
	Env []string
	// RunID is stored in every PidRecord written by this invocation.
	RunID string
	// Timeout overrides the per-service readiness timeout when positive.
	Timeout time.Duration
	// LogTailLines is how many log lines are attached to failures.
	LogTailLines int
}

type Deps struct {
	Records *processfile.ProcessFileManager
	Runner  process.Runner
	Runtime containers.Runtime
	Probes  services.ProbeFactory
	Metrics metrics.Collector
	Spawn   SpawnFunc
}

// Launcher brings services up and waits for them to become ready.
type Launcher struct {
	options Options
	deps    Deps
	logger  logging.Logger
}

func NewLauncher(options Options, deps Deps, logger logging.Logger) *Launcher {
	if deps.Spawn == nil {
		deps.Spawn = process.Spawn
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoopCollector()
	}
	if options.LogTailLines == 0 {
		options.LogTailLines = 5
	}
	return &Launcher{
		options: options,
		deps:    deps,
		logger:  logger,
	}
}

// launched tracks what a launch step started.
type launched struct {
	// exited fires when a process spawned by this invocation exits.
	exited  <-chan struct{}
	exitErr func() error
	logFile string
}

// Start makes the service of handle healthy. A service whose probe already
// passes is left alone. Otherwise it is launched and probed every poll interval
// until it is ready or the timeout runs out. Nothing is killed on failure.
func (l *Launcher) Start(ctx context.Context, handle *services.ServiceHandle) error {
	svc := handle.Service

	probe, err := l.deps.Probes(svc)
	if err != nil {
		handle.Fail(err)
		return err
	}

	first := l.check(ctx, svc, probe)
	if first.Healthy() {
		handle.Status = services.StatusHealthy
		handle.AlreadyRunning = true
		handle.LastOutput = first.Message
		if record, err := l.deps.Records.ReadRecord(svc.Name); err == nil {
			handle.PID = record.PID
			handle.StartedAt = record.StartedAt
		}
		l.deps.Metrics.StartOutcome(svc.Name, "already_running", 0)
		l.logger.Infof("Service already healthy, skipping launch, service: %s, probe: %s", svc.Name, first.Message)
		return nil
	}
	if first.Outcome == monitoring.OutcomeError {
		err := errors.NewProbeFailedError("readiness probe could not run", nil).
			WithContext("service", svc.Name).
			WithContext("step", "probe").
			WithContext("last_output", first.String())
		handle.Fail(err)
		handle.LastOutput = first.String()
		l.deps.Metrics.StartOutcome(svc.Name, "probe_failed", 0)
		return err
	}

	handle.Status = services.StatusStarting
	launchStart := time.Now()

	// a blocking launch command counts against the readiness timeout
	launchCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout := l.timeout(svc); timeout > 0 {
		launchCtx, cancel = context.WithDeadline(ctx, launchStart.Add(timeout))
	}
	state, err := l.launch(launchCtx, handle)
	launchExpired := stderrors.Is(launchCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	if err != nil && launchExpired {
		return l.launchTimedOut(handle, err, launchStart)
	}
	if err != nil {
		handle.Fail(err)
		handle.Elapsed = time.Since(launchStart)
		l.deps.Metrics.StartOutcome(svc.Name, "launch_failed", handle.Elapsed)
		l.logger.Errorf("Launch failed, service: %s, error: %v", svc.Name, err)
		return err
	}

	return l.waitReady(ctx, handle, probe, state, first, launchStart)
}

func (l *Launcher) check(ctx context.Context, svc *services.ManagedService, probe monitoring.Probe) monitoring.ProbeResult {
	result := probe.Check(ctx)
	l.deps.Metrics.ProbeOutcome(svc.Name, string(result.Outcome))
	return result
}

func (l *Launcher) launch(ctx context.Context, handle *services.ServiceHandle) (*launched, error) {
	svc := handle.Service
	switch svc.Kind {
	case services.KindProcess:
		return l.launchProcess(handle)
	case services.KindCompose:
		if svc.Compose.Build {
			result, err := l.deps.Runtime.Build(ctx, svc.Compose)
			if err != nil {
				return nil, launchError(svc, "compose build failed", err, result)
			}
		}
		result, err := l.deps.Runtime.Up(ctx, svc.Compose)
		if err != nil {
			return nil, launchError(svc, "compose up failed", err, result)
		}
		return &launched{}, l.writeRecord(handle, processfile.RecordKindCompose, nil)
	case services.KindCommand:
		result, err := l.deps.Runner.Run(ctx, svc.Launch)
		if err != nil {
			return nil, launchError(svc, "launch command failed", err, result)
		}
		if result.ExitCode != 0 {
			return nil, launchError(svc, fmt.Sprintf("launch command exited with code %d", result.ExitCode), nil, result).
				WithContext("exit_code", result.ExitCode)
		}
		return &launched{}, l.writeRecord(handle, processfile.RecordKindCommand, nil)
	default:
		return nil, errors.NewInternalError("unsupported service kind", nil).WithContext("kind", string(svc.Kind))
	}
}

func launchError(svc *services.ManagedService, message string, cause error, result process.RunResult) *errors.DomainError {
	err := errors.NewProcessError(message, cause).
		WithContext("service", svc.Name).
		WithContext("step", "launch")
	if out := result.Output(); out != "" {
		err = err.WithContext("last_output", out)
	}
	return err
}

// launchProcess spawns the service, or adopts a process recorded by an earlier
// invocation that is still alive but not ready yet.
func (l *Launcher) launchProcess(handle *services.ServiceHandle) (*launched, error) {
	svc := handle.Service
	logFile := services.LogPath(svc, l.deps.Records)

	record, err := l.deps.Records.ReadRecord(svc.Name)
	switch {
	case err == nil && record.Kind == processfile.RecordKindProcess:
		running, runErr := processstate.IsProcessRunning(record.PID)
		if runErr == nil && running && processstate.IsSameProcess(record.PID, record.StartedAt) {
			l.logger.Infof("Recorded process still running, waiting for it, service: %s, pid: %d", svc.Name, record.PID)
			handle.PID = record.PID
			handle.StartedAt = record.StartedAt
			return &launched{logFile: logFile}, nil
		}
		l.logger.Infof("Removing stale PID record, service: %s, pid: %d", svc.Name, record.PID)
		if err := l.deps.Records.RemoveRecord(svc.Name); err != nil {
			return nil, err
		}
	case err == nil || errors.IsValidationError(err):
		if err := l.deps.Records.RemoveRecord(svc.Name); err != nil {
			return nil, err
		}
	case !errors.IsNotFoundError(err):
		return nil, err
	}

	spawned, err := l.deps.Spawn(process.SpawnOptions{
		Spec:    svc.Launch,
		Env:     l.options.Env,
		LogFile: logFile,
	}, l.logger)
	if err != nil {
		return nil, errors.NewProcessError("failed to spawn service", err).
			WithContext("service", svc.Name).
			WithContext("step", "launch")
	}

	handle.PID = spawned.Pid
	handle.StartedAt = spawned.StartedAt

	// The record is written before readiness so that an interrupted start can still be stopped.
	if err := l.writeRecord(handle, processfile.RecordKindProcess, nil); err != nil {
		l.logger.Errorf("Killing process without a PID record, service: %s, pid: %d", svc.Name, spawned.Pid)
		if killErr := process.SendKillSignal(spawned.Pid); killErr != nil {
			l.logger.Errorf("Failed to kill process, service: %s, pid: %d, error: %v", svc.Name, spawned.Pid, killErr)
		}
		return nil, err
	}

	return &launched{
		exited:  spawned.Exited(),
		exitErr: spawned.ExitErr,
		logFile: logFile,
	}, nil
}

func (l *Launcher) writeRecord(handle *services.ServiceHandle, kind processfile.RecordKind, containerIDs []string) error {
	startedAt := handle.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
		handle.StartedAt = startedAt
	}
	return l.deps.Records.WriteRecord(processfile.PidRecord{
		Service:      handle.Name(),
		Kind:         kind,
		PID:          handle.PID,
		ContainerIDs: containerIDs,
		StartedAt:    startedAt,
		RunID:        l.options.RunID,
	})
}

func (l *Launcher) timeout(svc *services.ManagedService) time.Duration {
	if l.options.Timeout > 0 {
		return l.options.Timeout
	}
	return svc.Timeout
}

func (l *Launcher) waitReady(ctx context.Context, handle *services.ServiceHandle, probe monitoring.Probe, state *launched, last monitoring.ProbeResult, launchStart time.Time) error {
	svc := handle.Service
	timeout := l.timeout(svc)
	deadline := launchStart.Add(timeout)

	interval := svc.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	l.logger.Infof("Waiting for service to become ready, service: %s, timeout: %s, interval: %s", svc.Name, timeout, interval)

	exited := state.exited
	for {
		select {
		case <-ctx.Done():
			err := errors.NewCancelledError("start interrupted", ctx.Err()).
				WithContext("service", svc.Name).
				WithContext("step", "readiness").
				WithContext("elapsed", roundElapsed(time.Since(launchStart)))
			handle.Fail(err)
			handle.Elapsed = time.Since(launchStart)
			l.deps.Metrics.StartOutcome(svc.Name, "cancelled", handle.Elapsed)
			return err

		case <-exited:
			exitErr := state.exitErr()
			if exitErr == nil {
				// exited cleanly, possibly after daemonizing; the probe decides
				exited = nil
				continue
			}
			return l.exitedEarly(handle, state, exitErr, launchStart)

		case <-timer.C:
			return l.timedOut(handle, state, last, launchStart)

		case <-ticker.C:
			probeCtx, cancel := context.WithDeadline(ctx, deadline)
			last = l.check(probeCtx, svc, probe)
			cancel()
			if last.Healthy() {
				return l.ready(handle, last, launchStart)
			}
			l.logger.Debugf("Service not ready yet, service: %s, outcome: %s, message: %s", svc.Name, last.Outcome, last.Message)
		}
	}
}

func (l *Launcher) ready(handle *services.ServiceHandle, last monitoring.ProbeResult, launchStart time.Time) error {
	svc := handle.Service
	handle.Status = services.StatusHealthy
	handle.Elapsed = time.Since(launchStart)
	handle.LastOutput = last.Message

	if svc.Kind == services.KindCompose {
		var ids []string
		if list, ok := last.Payload.([]containers.Container); ok {
			for _, c := range list {
				ids = append(ids, c.ID)
			}
		}
		if err := l.writeRecord(handle, processfile.RecordKindCompose, ids); err != nil {
			l.logger.Warnf("Failed to record container IDs, service: %s, error: %v", svc.Name, err)
		}
	}

	l.deps.Metrics.StartOutcome(svc.Name, "healthy", handle.Elapsed)
	l.logger.Infof("Service ready, service: %s, elapsed: %s", svc.Name, roundElapsed(handle.Elapsed))
	return nil
}

func (l *Launcher) exitedEarly(handle *services.ServiceHandle, state *launched, exitErr error, launchStart time.Time) error {
	svc := handle.Service
	elapsed := time.Since(launchStart)

	err := errors.NewProcessError("service exited before becoming ready", exitErr).
		WithContext("service", svc.Name).
		WithContext("step", "readiness").
		WithContext("pid", handle.PID).
		WithContext("elapsed", roundElapsed(elapsed))
	if tail := l.logTail(state); tail != "" {
		err = err.WithContext("last_output", tail)
		handle.LastOutput = tail
	}

	// the process is gone, so is its record
	if removeErr := l.deps.Records.RemoveRecord(svc.Name); removeErr != nil {
		l.logger.Warnf("Failed to remove PID record, service: %s, error: %v", svc.Name, removeErr)
	}

	handle.Fail(err)
	handle.Elapsed = elapsed
	l.deps.Metrics.StartOutcome(svc.Name, "exited", elapsed)
	l.logger.Errorf("Service exited before becoming ready, service: %s, error: %v", svc.Name, exitErr)
	return err
}

func (l *Launcher) timedOut(handle *services.ServiceHandle, state *launched, last monitoring.ProbeResult, launchStart time.Time) error {
	svc := handle.Service
	elapsed := time.Since(launchStart)

	lastOutput := last.String()
	if tail := l.logTail(state); tail != "" {
		lastOutput = lastOutput + "\n" + tail
	}

	err := errors.NewStartTimeoutError("service did not become ready", last.Err()).
		WithContext("service", svc.Name).
		WithContext("step", "readiness").
		WithContext("elapsed", roundElapsed(elapsed)).
		WithContext("timeout", l.timeout(svc).String()).
		WithContext("last_output", lastOutput)

	handle.Fail(err)
	handle.Elapsed = elapsed
	handle.LastOutput = lastOutput
	l.deps.Metrics.StartOutcome(svc.Name, "timeout", elapsed)
	l.logger.Errorf("Service did not become ready, service: %s, elapsed: %s, last probe: %s", svc.Name, roundElapsed(elapsed), last)
	return err
}

// launchTimedOut reports a launch command that was still running when the
// timeout ran out. It has been killed with its context.
func (l *Launcher) launchTimedOut(handle *services.ServiceHandle, cause error, launchStart time.Time) error {
	svc := handle.Service
	elapsed := time.Since(launchStart)

	err := errors.NewStartTimeoutError("launch did not finish in time", cause).
		WithContext("service", svc.Name).
		WithContext("step", "launch").
		WithContext("elapsed", roundElapsed(elapsed)).
		WithContext("timeout", l.timeout(svc).String())
	var launchErr *errors.DomainError
	if stderrors.As(cause, &launchErr) {
		if out, ok := launchErr.Context["last_output"].(string); ok && out != "" {
			err = err.WithContext("last_output", out)
			handle.LastOutput = out
		}
	}

	handle.Fail(err)
	handle.Elapsed = elapsed
	l.deps.Metrics.StartOutcome(svc.Name, "timeout", elapsed)
	l.logger.Errorf("Launch did not finish in time, service: %s, elapsed: %s, error: %v", svc.Name, roundElapsed(elapsed), cause)
	return err
}

func (l *Launcher) logTail(state *launched) string {
	if state.logFile == "" {
		return ""
	}
	tail, err := processfile.TailLogFile(state.logFile, l.options.LogTailLines)
	if err != nil {
		return ""
	}
	return tail
}

func roundElapsed(d time.Duration) string {
	return d.Round(10 * time.Millisecond).String()
}
