package teardown

import (
	"context"
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

// Outcome says how a service ended up stopped.
type Outcome string

const (
	// OutcomeNotRunning: nothing was running; any stale record was removed.
	OutcomeNotRunning Outcome = "not_running"
	// OutcomeStopped: the service exited after the graceful request.
	OutcomeStopped Outcome = "stopped"
	// OutcomeForced: the service only went away after a forced kill.
	OutcomeForced Outcome = "forced"
	// OutcomeFailed: the service may still be running.
	OutcomeFailed Outcome = "failed"
)

type Result struct {
	Service            string        `json:"service"`
	Outcome            Outcome       `json:"outcome"`
	PID                int           `json:"pid,omitempty"`
	Elapsed            time.Duration `json:"elapsed"`
	StaleRecordRemoved bool          `json:"stale_record_removed,omitempty"`
}

type Options struct {
	// PollInterval is how often liveness is checked while waiting for exit.
	PollInterval time.Duration
	// KillWait bounds the wait for exit after the forced kill.
	KillWait time.Duration
	// GracePeriod overrides the per-service grace period when positive.
	GracePeriod time.Duration
	// RemoveContainers runs `compose down` once compose services are stopped.
	RemoveContainers bool
}

type Deps struct {
	Records *processfile.ProcessFileManager
	Runner  process.Runner
	Runtime containers.Runtime
	Probes  services.ProbeFactory
	Metrics metrics.Collector
	// Signals default to process.SendTerminationSignal and process.SendKillSignal.
	Terminate func(pid int) error
	Kill      func(pid int) error
}

// Teardown stops services. The PidRecord of a service is removed only once the
// service is confirmed gone, so a record always points at something that may
// still be running.
type Teardown struct {
	options Options
	deps    Deps
	logger  logging.Logger
}

func NewTeardown(options Options, deps Deps, logger logging.Logger) *Teardown {
	if options.PollInterval <= 0 {
		options.PollInterval = time.Second
	}
	if options.KillWait <= 0 {
		options.KillWait = 5 * time.Second
	}
	if deps.Terminate == nil {
		deps.Terminate = process.SendTerminationSignal
	}
	if deps.Kill == nil {
		deps.Kill = process.SendKillSignal
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoopCollector()
	}
	return &Teardown{
		options: options,
		deps:    deps,
		logger:  logger,
	}
}

func (t *Teardown) gracePeriod(svc *services.ManagedService) time.Duration {
	if t.options.GracePeriod > 0 {
		return t.options.GracePeriod
	}
	if svc.GracePeriod > 0 {
		return svc.GracePeriod
	}
	return 10 * time.Second
}

// Stop stops the service of handle. A forced kill that works still returns
// TeardownIncomplete so callers learn the service ignored the graceful request.
func (t *Teardown) Stop(ctx context.Context, handle *services.ServiceHandle) (Result, error) {
	svc := handle.Service
	start := time.Now()

	var result Result
	var err error
	switch svc.Kind {
	case services.KindProcess:
		result, err = t.stopProcess(ctx, svc)
	case services.KindCompose:
		result, err = t.stopCompose(ctx, svc)
		if t.options.RemoveContainers && result.Outcome != OutcomeFailed {
			if downErr := t.removeContainers(ctx, svc); downErr != nil && err == nil {
				err = downErr
			}
		}
	case services.KindCommand:
		result, err = t.stopCommand(ctx, svc)
	default:
		err = errors.NewInternalError("unsupported service kind", nil).WithContext("kind", string(svc.Kind))
		result.Outcome = OutcomeFailed
	}
	result.Service = svc.Name
	result.Elapsed = time.Since(start)

	switch result.Outcome {
	case OutcomeNotRunning, OutcomeStopped, OutcomeForced:
		handle.Status = services.StatusStopped
		handle.PID = 0
	default:
		handle.Status = services.StatusFailed
	}
	handle.Err = err
	handle.Elapsed = result.Elapsed

	t.deps.Metrics.TeardownOutcome(svc.Name, string(result.Outcome), result.Elapsed)
	if err != nil {
		t.logger.Errorf("Teardown incomplete, service: %s, outcome: %s, error: %v", svc.Name, result.Outcome, err)
	} else {
		t.logger.Infof("Service stopped, service: %s, outcome: %s, elapsed: %s", svc.Name, result.Outcome, result.Elapsed.Round(time.Millisecond))
	}
	return result, err
}

func (t *Teardown) removeRecord(name string) bool {
	if err := t.deps.Records.RemoveRecord(name); err != nil {
		t.logger.Warnf("Failed to remove PID record, service: %s, error: %v", name, err)
		return false
	}
	return true
}

// removeStale removes the record of a service found not running and reports
// whether there was one.
func (t *Teardown) removeStale(name string) bool {
	if _, err := t.deps.Records.ReadRecord(name); errors.IsNotFoundError(err) {
		return false
	}
	return t.removeRecord(name)
}

func (t *Teardown) stopProcess(ctx context.Context, svc *services.ManagedService) (Result, error) {
	record, err := t.deps.Records.ReadRecord(svc.Name)
	if err != nil {
		switch {
		case errors.IsNotFoundError(err):
			t.logger.Infof("No PID record, nothing to stop, service: %s", svc.Name)
			return Result{Outcome: OutcomeNotRunning}, nil
		case errors.IsValidationError(err):
			return Result{Outcome: OutcomeNotRunning, StaleRecordRemoved: t.removeRecord(svc.Name)}, nil
		default:
			return Result{Outcome: OutcomeFailed}, err
		}
	}
	pid := record.PID
	result := Result{PID: pid}

	running, err := processstate.IsProcessRunning(pid)
	if err != nil {
		result.Outcome = OutcomeFailed
		return result, errors.NewTeardownIncompleteError("cannot determine process state", err).
			WithContext("service", svc.Name).WithContext("pid", pid)
	}
	if !running {
		t.logger.Infof("Recorded process already gone, removing stale record, service: %s, pid: %d", svc.Name, pid)
		result.Outcome = OutcomeNotRunning
		result.StaleRecordRemoved = t.removeRecord(svc.Name)
		return result, nil
	}
	if !processstate.IsSameProcess(pid, record.StartedAt) {
		t.logger.Warnf("Recorded pid now belongs to a newer process, removing stale record, service: %s, pid: %d", svc.Name, pid)
		result.Outcome = OutcomeNotRunning
		result.StaleRecordRemoved = t.removeRecord(svc.Name)
		return result, nil
	}

	grace := t.gracePeriod(svc)
	t.logger.Infof("Sending termination signal, service: %s, pid: %d, grace_period: %s", svc.Name, pid, grace)
	if err := t.deps.Terminate(pid); err != nil {
		if !errors.IsNotFoundError(err) {
			result.Outcome = OutcomeFailed
			return result, errors.NewTeardownIncompleteError("failed to send termination signal", err).
				WithContext("service", svc.Name).WithContext("pid", pid).WithContext("step", "terminate")
		}
	}

	exited, err := t.waitForExit(ctx, pid, grace)
	if err != nil {
		result.Outcome = OutcomeFailed
		return result, errors.NewCancelledError("stop interrupted", err).
			WithContext("service", svc.Name).WithContext("pid", pid)
	}
	if exited {
		result.Outcome = OutcomeStopped
		t.removeRecord(svc.Name)
		return result, nil
	}

	t.logger.Warnf("Process ignored termination signal, killing, service: %s, pid: %d, waited: %s", svc.Name, pid, grace)
	if err := t.deps.Kill(pid); err != nil && !errors.IsNotFoundError(err) {
		result.Outcome = OutcomeFailed
		return result, errors.NewTeardownIncompleteError("failed to kill process", err).
			WithContext("service", svc.Name).WithContext("pid", pid).WithContext("step", "kill")
	}

	exited, err = t.waitForExit(ctx, pid, t.options.KillWait)
	if err != nil {
		result.Outcome = OutcomeFailed
		return result, errors.NewCancelledError("stop interrupted", err).
			WithContext("service", svc.Name).WithContext("pid", pid)
	}
	if !exited {
		result.Outcome = OutcomeFailed
		return result, errors.NewTeardownIncompleteError("process survived forced kill", nil).
			WithContext("service", svc.Name).WithContext("pid", pid).WithContext("step", "kill")
	}

	result.Outcome = OutcomeForced
	t.removeRecord(svc.Name)
	return result, errors.NewTeardownIncompleteError("process had to be killed", nil).
		WithContext("service", svc.Name).
		WithContext("pid", pid).
		WithContext("forced", true).
		WithContext("grace_period", grace.String())
}

// waitForExit polls pid liveness until it is gone or timeout passes.
// An error is returned only when ctx ends first.
func (t *Teardown) waitForExit(ctx context.Context, pid int, timeout time.Duration) (bool, error) {
	gone := func() bool {
		running, err := processstate.IsProcessRunning(pid)
		return err == nil && !running
	}
	if gone() {
		return true, nil
	}

	ticker := time.NewTicker(t.options.PollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return gone(), nil
		case <-ticker.C:
			if gone() {
				return true, nil
			}
		}
	}
}

func runningContainers(list []containers.Container) []containers.Container {
	var running []containers.Container
	for _, c := range list {
		switch c.State {
		case containers.StateRunning, "restarting", "paused":
			running = append(running, c)
		}
	}
	return running
}

func (t *Teardown) stopCompose(ctx context.Context, svc *services.ManagedService) (Result, error) {
	spec := svc.Compose
	list, err := t.deps.Runtime.Ps(ctx, spec)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, errors.NewTeardownIncompleteError("failed to list containers", err).
			WithContext("service", svc.Name).WithContext("step", "ps")
	}
	if len(runningContainers(list)) == 0 {
		return Result{Outcome: OutcomeNotRunning, StaleRecordRemoved: t.removeStale(svc.Name)}, nil
	}

	grace := t.gracePeriod(svc)
	graceSeconds := int(grace.Round(time.Second) / time.Second)
	if graceSeconds < 1 {
		graceSeconds = 1
	}
	stopErr := t.runBounded(ctx, grace+30*time.Second, func(ctx context.Context) error {
		_, err := t.deps.Runtime.Stop(ctx, spec, graceSeconds)
		return err
	})
	if stopErr == nil {
		if remaining, err := t.composeRunning(ctx, spec); err == nil && remaining == 0 {
			t.removeRecord(svc.Name)
			return Result{Outcome: OutcomeStopped}, nil
		}
	}

	t.logger.Warnf("Compose stop did not stop all containers, killing, service: %s, error: %v", svc.Name, stopErr)
	if _, err := t.deps.Runtime.Kill(ctx, spec); err != nil {
		return Result{Outcome: OutcomeFailed}, errors.NewTeardownIncompleteError("failed to kill containers", err).
			WithContext("service", svc.Name).WithContext("step", "kill")
	}
	remaining, err := t.composeRunning(ctx, spec)
	if err != nil || remaining > 0 {
		return Result{Outcome: OutcomeFailed}, errors.NewTeardownIncompleteError("containers still running after kill", err).
			WithContext("service", svc.Name).WithContext("running", remaining)
	}

	t.removeRecord(svc.Name)
	return Result{Outcome: OutcomeForced}, errors.NewTeardownIncompleteError("containers had to be killed", stopErr).
		WithContext("service", svc.Name).
		WithContext("forced", true)
}

func (t *Teardown) removeContainers(ctx context.Context, svc *services.ManagedService) error {
	t.logger.Infof("Removing compose containers, service: %s", svc.Name)
	err := t.runBounded(ctx, t.gracePeriod(svc)+30*time.Second, func(ctx context.Context) error {
		_, err := t.deps.Runtime.Down(ctx, svc.Compose)
		return err
	})
	if err != nil {
		return errors.NewTeardownIncompleteError("failed to remove containers", err).
			WithContext("service", svc.Name).WithContext("step", "down")
	}
	return nil
}

func (t *Teardown) composeRunning(ctx context.Context, spec containers.ComposeSpec) (int, error) {
	list, err := t.deps.Runtime.Ps(ctx, spec)
	if err != nil {
		return 0, err
	}
	return len(runningContainers(list)), nil
}

func (t *Teardown) runBounded(ctx context.Context, timeout time.Duration, f func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return f(ctx)
}

func (t *Teardown) stopCommand(ctx context.Context, svc *services.ManagedService) (Result, error) {
	probe, err := t.deps.Probes(svc)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	if before := probe.Check(ctx); before.Outcome == monitoring.OutcomeDown {
		return Result{Outcome: OutcomeNotRunning, StaleRecordRemoved: t.removeStale(svc.Name)}, nil
	}

	grace := t.gracePeriod(svc)
	stopErr := t.runCommand(ctx, svc.Stop, grace)
	if stopErr == nil {
		t.removeRecord(svc.Name)
		return Result{Outcome: OutcomeStopped}, nil
	}

	if svc.Kill.IsZero() {
		return Result{Outcome: OutcomeFailed}, errors.NewTeardownIncompleteError("stop command failed", stopErr).
			WithContext("service", svc.Name).WithContext("step", "stop")
	}

	t.logger.Warnf("Stop command failed, running kill command, service: %s, error: %v", svc.Name, stopErr)
	if err := t.runCommand(ctx, svc.Kill, t.options.KillWait); err != nil {
		return Result{Outcome: OutcomeFailed}, errors.NewTeardownIncompleteError("kill command failed", err).
			WithContext("service", svc.Name).WithContext("step", "kill")
	}
	t.removeRecord(svc.Name)
	return Result{Outcome: OutcomeForced}, errors.NewTeardownIncompleteError("stop command failed, kill command used", stopErr).
		WithContext("service", svc.Name).
		WithContext("forced", true)
}

func (t *Teardown) runCommand(ctx context.Context, spec process.CommandSpec, timeout time.Duration) error {
	return t.runBounded(ctx, timeout, func(ctx context.Context) error {
		result, err := t.deps.Runner.Run(ctx, spec)
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return errors.NewProcessError(fmt.Sprintf("%s exited with code %d", spec, result.ExitCode), nil).
				WithContext("last_output", result.Output())
		}
		return nil
	})
}
