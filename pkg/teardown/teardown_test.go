package teardown

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cai-cerberus/bootseq/pkg/containers"
	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/logging"
	"github.com/cai-cerberus/bootseq/pkg/monitoring"
	"github.com/cai-cerberus/bootseq/pkg/process"
	"github.com/cai-cerberus/bootseq/pkg/processfile"
	"github.com/cai-cerberus/bootseq/pkg/processstate"
	"github.com/cai-cerberus/bootseq/pkg/services"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticProbe struct {
	outcome monitoring.Outcome
}

func (p staticProbe) Check(ctx context.Context) monitoring.ProbeResult {
	return monitoring.ProbeResult{Outcome: p.outcome}
}

type fakeRunner struct {
	results map[string]process.RunResult
	calls   []string
}

func (f *fakeRunner) Run(ctx context.Context, spec process.CommandSpec) (process.RunResult, error) {
	f.calls = append(f.calls, spec.Command)
	result, ok := f.results[spec.Command]
	if !ok {
		return process.RunResult{}, errors.NewNotFoundError("command not found", nil)
	}
	return result, nil
}

type fakeRuntime struct {
	containers.Runtime
	ps        [][]containers.Container
	psCalls   int
	stopErr   error
	stopCalls int
	killCalls int
	downCalls int
}

func (f *fakeRuntime) Ps(ctx context.Context, spec containers.ComposeSpec) ([]containers.Container, error) {
	i := f.psCalls
	if i >= len(f.ps) {
		i = len(f.ps) - 1
	}
	f.psCalls++
	return f.ps[i], nil
}

func (f *fakeRuntime) Stop(ctx context.Context, spec containers.ComposeSpec, timeoutSeconds int) (process.RunResult, error) {
	f.stopCalls++
	return process.RunResult{}, f.stopErr
}

func (f *fakeRuntime) Down(ctx context.Context, spec containers.ComposeSpec) (process.RunResult, error) {
	f.downCalls++
	return process.RunResult{}, nil
}

func (f *fakeRuntime) Kill(ctx context.Context, spec containers.ComposeSpec) (process.RunResult, error) {
	f.killCalls++
	return process.RunResult{}, nil
}

type fixture struct {
	teardown *Teardown
	records  *processfile.ProcessFileManager
	runner   *fakeRunner
	runtime  *fakeRuntime
	probe    *staticProbe
}

func newFixture(t *testing.T, options Options, tweak func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		records: processfile.NewProcessFileManager(processfile.ProcessFileConfig{StateDirectory: t.TempDir()}, logging.NewNopLogger()),
		runner:  &fakeRunner{results: map[string]process.RunResult{}},
		runtime: &fakeRuntime{},
		probe:   &staticProbe{outcome: monitoring.OutcomeHealthy},
	}
	if options.PollInterval == 0 {
		options.PollInterval = 20 * time.Millisecond
	}
	if options.KillWait == 0 {
		options.KillWait = 2 * time.Second
	}
	deps := Deps{
		Records: f.records,
		Runner:  f.runner,
		Runtime: f.runtime,
		Probes: func(svc *services.ManagedService) (monitoring.Probe, error) {
			return *f.probe, nil
		},
	}
	if tweak != nil {
		tweak(&deps)
	}
	f.teardown = NewTeardown(options, deps, logging.NewNopLogger())
	return f
}

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

// spawn starts a real process, records it and kills it at cleanup if it is still there.
func (f *fixture) spawn(t *testing.T, logFile string, args ...string) *process.Spawned {
	t.Helper()
	spawned, err := process.Spawn(process.SpawnOptions{
		Spec:    process.CommandSpec{Command: args[0], Args: args[1:]},
		Env:     os.Environ(),
		LogFile: logFile,
	}, logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = process.SendKillSignal(spawned.Pid)
		select {
		case <-spawned.Exited():
		case <-time.After(5 * time.Second):
			t.Errorf("process %d did not exit", spawned.Pid)
		}
	})
	require.NoError(t, f.records.WriteRecord(processfile.PidRecord{
		Service:   "llama-server",
		Kind:      processfile.RecordKindProcess,
		PID:       spawned.Pid,
		StartedAt: spawned.StartedAt,
	}))
	return spawned
}

func processHandle(grace time.Duration) *services.ServiceHandle {
	return services.NewServiceHandle(&services.ManagedService{
		Name:        "llama-server",
		Kind:        services.KindProcess,
		GracePeriod: grace,
		Launch:      process.CommandSpec{Command: "sleep", Args: []string{"30"}},
	})
}

func recordExists(t *testing.T, records *processfile.ProcessFileManager, name string) bool {
	t.Helper()
	_, err := records.ReadRecord(name)
	if errors.IsNotFoundError(err) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestStop_ProcessGraceful(t *testing.T) {
	requireCommand(t, "sleep")
	f := newFixture(t, Options{}, nil)
	spawned := f.spawn(t, "", "sleep", "30")
	handle := processHandle(5 * time.Second)

	result, err := f.teardown.Stop(context.Background(), handle)

	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, result.Outcome)
	assert.Equal(t, spawned.Pid, result.PID)
	assert.Equal(t, services.StatusStopped, handle.Status)
	assert.False(t, recordExists(t, f.records, "llama-server"))

	running, err := processstate.IsProcessRunning(spawned.Pid)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestStop_ReusedPidIsNotSignalled(t *testing.T) {
	requireCommand(t, "sleep")
	f := newFixture(t, Options{}, nil)
	spawned := f.spawn(t, "", "sleep", "30")
	if _, ok := processstate.StartTime(spawned.Pid); !ok {
		t.Skip("skipped, process start time not available")
	}
	require.NoError(t, f.records.WriteRecord(processfile.PidRecord{
		Service:   "llama-server",
		Kind:      processfile.RecordKindProcess,
		PID:       spawned.Pid,
		StartedAt: spawned.StartedAt.Add(-time.Hour),
	}))

	result, err := f.teardown.Stop(context.Background(), processHandle(time.Second))

	require.NoError(t, err)
	assert.Equal(t, OutcomeNotRunning, result.Outcome)
	assert.True(t, result.StaleRecordRemoved)
	assert.False(t, recordExists(t, f.records, "llama-server"))

	running, err := processstate.IsProcessRunning(spawned.Pid)
	require.NoError(t, err)
	assert.True(t, running, "a process that does not match the record is left alone")
}

func TestStop_ProcessIgnoringTermIsKilled(t *testing.T) {
	requireCommand(t, "sh")
	requireCommand(t, "sleep")
	f := newFixture(t, Options{}, nil)
	logFile := filepath.Join(t.TempDir(), "stubborn.log")
	spawned := f.spawn(t, logFile, "sh", "-c", `trap "" TERM; echo ready; sleep 30`)
	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(logFile)
		return strings.Contains(string(data), "ready")
	}, 5*time.Second, 10*time.Millisecond)

	handle := processHandle(200 * time.Millisecond)
	start := time.Now()
	result, err := f.teardown.Stop(context.Background(), handle)

	require.Error(t, err)
	assert.True(t, errors.IsTeardownIncompleteError(err))
	var domainErr *errors.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, true, domainErr.Context["forced"])
	assert.Equal(t, OutcomeForced, result.Outcome)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, services.StatusStopped, handle.Status)

	assert.False(t, recordExists(t, f.records, "llama-server"))
	select {
	case <-spawned.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed")
	}
}

func TestStop_ProcessSurvivingKillKeepsRecord(t *testing.T) {
	requireCommand(t, "sleep")
	noop := func(pid int) error { return nil }
	f := newFixture(t, Options{KillWait: 100 * time.Millisecond}, func(d *Deps) {
		d.Terminate = noop
		d.Kill = noop
	})
	f.spawn(t, "", "sleep", "30")
	handle := processHandle(100 * time.Millisecond)

	result, err := f.teardown.Stop(context.Background(), handle)

	require.Error(t, err)
	assert.True(t, errors.IsTeardownIncompleteError(err))
	assert.Contains(t, err.Error(), "survived")
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, services.StatusFailed, handle.Status)
	assert.True(t, recordExists(t, f.records, "llama-server"))
}

func TestStop_ProcessStaleRecord(t *testing.T) {
	requireCommand(t, "true")
	f := newFixture(t, Options{}, nil)
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	require.NoError(t, f.records.WriteRecord(processfile.PidRecord{
		Service:   "llama-server",
		Kind:      processfile.RecordKindProcess,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
	}))

	result, err := f.teardown.Stop(context.Background(), processHandle(time.Second))

	require.NoError(t, err)
	assert.Equal(t, OutcomeNotRunning, result.Outcome)
	assert.True(t, result.StaleRecordRemoved)
	assert.False(t, recordExists(t, f.records, "llama-server"))
}

func TestStop_ProcessWithoutRecordIsNoOp(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	result, err := f.teardown.Stop(context.Background(), processHandle(time.Second))

	require.NoError(t, err)
	assert.Equal(t, OutcomeNotRunning, result.Outcome)
	assert.False(t, result.StaleRecordRemoved)
}

func TestStop_ProcessCorruptRecord(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	path := f.records.GeneratePIDFilePath("llama-server")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0644))

	result, err := f.teardown.Stop(context.Background(), processHandle(time.Second))

	require.NoError(t, err)
	assert.Equal(t, OutcomeNotRunning, result.Outcome)
	assert.True(t, result.StaleRecordRemoved)
	assert.NoFileExists(t, path)
}

func composeHandle() *services.ServiceHandle {
	return services.NewServiceHandle(&services.ManagedService{
		Name:        "gateway",
		Kind:        services.KindCompose,
		GracePeriod: time.Second,
		Compose:     containers.ComposeSpec{File: "/srv/gateway/docker-compose.yml"},
	})
}

func TestStop_Compose(t *testing.T) {
	running := []containers.Container{{ID: "abc", Service: "litellm", State: containers.StateRunning}}
	exited := []containers.Container{{ID: "abc", Service: "litellm", State: "exited"}}

	tests := []struct {
		name    string
		ps      [][]containers.Container
		stopErr error
		outcome Outcome
		errType errors.ErrorType
		stops   int
		kills   int
		keeps   bool
	}{
		{name: "nothing running", ps: [][]containers.Container{exited}, outcome: OutcomeNotRunning},
		{name: "graceful", ps: [][]containers.Container{running, exited}, outcome: OutcomeStopped, stops: 1},
		{
			name:    "stop fails then kill",
			ps:      [][]containers.Container{running, exited},
			stopErr: errors.NewProcessError("compose stop failed", nil),
			outcome: OutcomeForced,
			errType: errors.ErrorTypeTeardownIncomplete,
			stops:   1,
			kills:   1,
		},
		{
			name:    "still running after kill",
			ps:      [][]containers.Container{running},
			outcome: OutcomeFailed,
			errType: errors.ErrorTypeTeardownIncomplete,
			stops:   1,
			kills:   1,
			keeps:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{}, nil)
			f.runtime.ps = tt.ps
			f.runtime.stopErr = tt.stopErr
			require.NoError(t, f.records.WriteRecord(processfile.PidRecord{
				Service:      "gateway",
				Kind:         processfile.RecordKindCompose,
				ContainerIDs: []string{"abc"},
				StartedAt:    time.Now(),
			}))

			result, err := f.teardown.Stop(context.Background(), composeHandle())

			if tt.errType == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.errType, errors.TypeOf(err))
			}
			assert.Equal(t, tt.outcome, result.Outcome)
			assert.Equal(t, tt.stops, f.runtime.stopCalls)
			assert.Equal(t, tt.kills, f.runtime.killCalls)
			assert.Equal(t, tt.keeps, recordExists(t, f.records, "gateway"))
		})
	}
}

func TestStop_ComposeRemoveContainers(t *testing.T) {
	running := []containers.Container{{ID: "abc", Service: "litellm", State: containers.StateRunning}}
	exited := []containers.Container{{ID: "abc", Service: "litellm", State: "exited"}}

	f := newFixture(t, Options{RemoveContainers: true}, nil)
	f.runtime.ps = [][]containers.Container{running, exited}

	result, err := f.teardown.Stop(context.Background(), composeHandle())
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, result.Outcome)
	assert.Equal(t, 1, f.runtime.downCalls)

	f = newFixture(t, Options{RemoveContainers: true}, nil)
	f.runtime.ps = [][]containers.Container{running}
	_, err = f.teardown.Stop(context.Background(), composeHandle())
	require.Error(t, err)
	assert.Equal(t, 0, f.runtime.downCalls, "containers still running are not removed")
}

func commandHandle(withKill bool) *services.ServiceHandle {
	svc := &services.ManagedService{
		Name:        "offload",
		Kind:        services.KindCommand,
		GracePeriod: time.Second,
		Launch:      process.CommandSpec{Command: "offload-up"},
		Stop:        process.CommandSpec{Command: "offload-down"},
	}
	if withKill {
		svc.Kill = process.CommandSpec{Command: "offload-kill"}
	}
	return services.NewServiceHandle(svc)
}

func TestStop_Command(t *testing.T) {
	t.Run("already down", func(t *testing.T) {
		f := newFixture(t, Options{}, nil)
		f.probe.outcome = monitoring.OutcomeDown

		result, err := f.teardown.Stop(context.Background(), commandHandle(false))

		require.NoError(t, err)
		assert.Equal(t, OutcomeNotRunning, result.Outcome)
		assert.Empty(t, f.runner.calls)
	})

	t.Run("already stopped per status command", func(t *testing.T) {
		f := newFixture(t, Options{}, func(deps *Deps) {
			deps.Probes = func(svc *services.ManagedService) (monitoring.Probe, error) {
				return monitoring.NewProbe(monitoring.ProbeConfig{
					Type: monitoring.ProbeTypeExec,
					Exec: monitoring.ExecProbeConfig{
						CommandSpec:    process.CommandSpec{Command: "offload-status"},
						JSONField:      "state",
						JSONValue:      "started",
						DownJSONValues: []string{"stopped"},
					},
				}, svc.Name, monitoring.ProbeDeps{Runner: deps.Runner})
			}
		})
		f.runner.results["offload-status"] = process.RunResult{ExitCode: 1, Stdout: `{"state":"stopped"}`}
		f.runner.results["offload-down"] = process.RunResult{ExitCode: 1, Stderr: "not started"}

		result, err := f.teardown.Stop(context.Background(), commandHandle(false))

		require.NoError(t, err)
		assert.Equal(t, OutcomeNotRunning, result.Outcome)
		assert.Equal(t, []string{"offload-status"}, f.runner.calls)
	})

	t.Run("stop succeeds", func(t *testing.T) {
		f := newFixture(t, Options{}, nil)
		f.runner.results["offload-down"] = process.RunResult{ExitCode: 0}

		result, err := f.teardown.Stop(context.Background(), commandHandle(true))

		require.NoError(t, err)
		assert.Equal(t, OutcomeStopped, result.Outcome)
		assert.Equal(t, []string{"offload-down"}, f.runner.calls)
	})

	t.Run("stop fails without kill", func(t *testing.T) {
		f := newFixture(t, Options{}, nil)
		f.runner.results["offload-down"] = process.RunResult{ExitCode: 1, Stderr: "busy"}

		result, err := f.teardown.Stop(context.Background(), commandHandle(false))

		require.Error(t, err)
		assert.True(t, errors.IsTeardownIncompleteError(err))
		assert.Equal(t, OutcomeFailed, result.Outcome)
	})

	t.Run("stop fails then kill", func(t *testing.T) {
		f := newFixture(t, Options{}, nil)
		f.runner.results["offload-down"] = process.RunResult{ExitCode: 1}
		f.runner.results["offload-kill"] = process.RunResult{ExitCode: 0}

		result, err := f.teardown.Stop(context.Background(), commandHandle(true))

		require.Error(t, err)
		assert.True(t, errors.IsTeardownIncompleteError(err))
		assert.Equal(t, OutcomeForced, result.Outcome)
		assert.Equal(t, []string{"offload-down", "offload-kill"}, f.runner.calls)
	})
}
