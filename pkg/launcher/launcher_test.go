package launcher

import (
	"context"
	"os/exec"
	"sync"
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

// scriptedProbe returns outcomes in order and repeats the last one.
type scriptedProbe struct {
	mu       sync.Mutex
	outcomes []monitoring.ProbeResult
	calls    int
}

func (p *scriptedProbe) Check(ctx context.Context) monitoring.ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	if i >= len(p.outcomes) {
		i = len(p.outcomes) - 1
	}
	p.calls++
	return p.outcomes[i]
}

func (p *scriptedProbe) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func results(outcomes ...monitoring.Outcome) []monitoring.ProbeResult {
	list := make([]monitoring.ProbeResult, 0, len(outcomes))
	for _, o := range outcomes {
		list = append(list, monitoring.ProbeResult{Outcome: o, Message: string(o)})
	}
	return list
}

type fakeRunner struct {
	result process.RunResult
	err    error
	calls  int
}

func (f *fakeRunner) Run(ctx context.Context, spec process.CommandSpec) (process.RunResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeRuntime struct {
	containers.Runtime
	calls []string
	upErr error
}

func (f *fakeRuntime) Build(ctx context.Context, spec containers.ComposeSpec) (process.RunResult, error) {
	f.calls = append(f.calls, "build")
	return process.RunResult{}, nil
}

func (f *fakeRuntime) Up(ctx context.Context, spec containers.ComposeSpec) (process.RunResult, error) {
	f.calls = append(f.calls, "up")
	return process.RunResult{}, f.upErr
}

// spawnRecorder spawns real processes and kills whatever is left at cleanup.
type spawnRecorder struct {
	t       *testing.T
	spawned []*process.Spawned
}

func newSpawnRecorder(t *testing.T) *spawnRecorder {
	r := &spawnRecorder{t: t}
	t.Cleanup(func() {
		for _, s := range r.spawned {
			_ = process.SendKillSignal(s.Pid)
			select {
			case <-s.Exited():
			case <-time.After(5 * time.Second):
				t.Errorf("process %d did not exit", s.Pid)
			}
		}
	})
	return r
}

func (r *spawnRecorder) Spawn(opts process.SpawnOptions, logger logging.Logger) (*process.Spawned, error) {
	s, err := process.Spawn(opts, logger)
	if err == nil {
		r.spawned = append(r.spawned, s)
	}
	return s, err
}

type fixture struct {
	launcher *Launcher
	records  *processfile.ProcessFileManager
	probe    *scriptedProbe
	runner   *fakeRunner
	runtime  *fakeRuntime
	spawner  *spawnRecorder
}

func newFixture(t *testing.T, probe *scriptedProbe, options Options) *fixture {
	t.Helper()
	f := &fixture{
		records: processfile.NewProcessFileManager(processfile.ProcessFileConfig{StateDirectory: t.TempDir()}, logging.NewNopLogger()),
		probe:   probe,
		runner:  &fakeRunner{},
		runtime: &fakeRuntime{},
		spawner: newSpawnRecorder(t),
	}
	if options.RunID == "" {
		options.RunID = "run-1"
	}
	f.launcher = NewLauncher(options, Deps{
		Records: f.records,
		Runner:  f.runner,
		Runtime: f.runtime,
		Probes: func(svc *services.ManagedService) (monitoring.Probe, error) {
			return probe, nil
		},
		Spawn: f.spawner.Spawn,
	}, logging.NewNopLogger())
	return f
}

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func processService(args ...string) *services.ManagedService {
	return &services.ManagedService{
		Name:         "llama-server",
		Kind:         services.KindProcess,
		Timeout:      5 * time.Second,
		PollInterval: 20 * time.Millisecond,
		Launch:       process.CommandSpec{Command: args[0], Args: args[1:]},
		Probe:        monitoring.ProbeConfig{Type: monitoring.ProbeTypeProcess},
	}
}

func TestStart_AlreadyHealthyIsNoOp(t *testing.T) {
	f := newFixture(t, &scriptedProbe{outcomes: results(monitoring.OutcomeHealthy)}, Options{})
	handle := services.NewServiceHandle(processService("sleep", "30"))

	require.NoError(t, f.launcher.Start(context.Background(), handle))

	assert.Equal(t, services.StatusHealthy, handle.Status)
	assert.True(t, handle.AlreadyRunning)
	assert.Empty(t, f.spawner.spawned)
	assert.Equal(t, 1, f.probe.Calls())

	_, err := f.records.ReadRecord("llama-server")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStart_ProcessBecomesReady(t *testing.T) {
	requireCommand(t, "sleep")
	probe := &scriptedProbe{outcomes: results(monitoring.OutcomeDown, monitoring.OutcomeDown, monitoring.OutcomeUnhealthy, monitoring.OutcomeHealthy)}
	f := newFixture(t, probe, Options{})
	handle := services.NewServiceHandle(processService("sleep", "30"))

	require.NoError(t, f.launcher.Start(context.Background(), handle))

	assert.Equal(t, services.StatusHealthy, handle.Status)
	assert.False(t, handle.AlreadyRunning)
	require.Len(t, f.spawner.spawned, 1)
	assert.Equal(t, f.spawner.spawned[0].Pid, handle.PID)
	assert.Equal(t, 4, probe.Calls())

	record, err := f.records.ReadRecord("llama-server")
	require.NoError(t, err)
	assert.Equal(t, processfile.RecordKindProcess, record.Kind)
	assert.Equal(t, handle.PID, record.PID)
	assert.Equal(t, "run-1", record.RunID)
}

func TestStart_TimeoutIsBoundedAndKillsNothing(t *testing.T) {
	requireCommand(t, "sleep")
	f := newFixture(t, &scriptedProbe{outcomes: results(monitoring.OutcomeDown)}, Options{Timeout: 300 * time.Millisecond})
	handle := services.NewServiceHandle(processService("sleep", "30"))

	start := time.Now()
	err := f.launcher.Start(context.Background(), handle)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.IsStartTimeoutError(err))
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, services.StatusFailed, handle.Status)

	var domainErr *errors.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "llama-server", domainErr.Context["service"])
	assert.Contains(t, domainErr.Context["last_output"], "down")
	assert.NotEmpty(t, domainErr.Context["elapsed"])

	running, err := processstate.IsProcessRunning(handle.PID)
	require.NoError(t, err)
	assert.True(t, running, "timeout must not kill the process")

	_, err = f.records.ReadRecord("llama-server")
	assert.NoError(t, err, "record of the still running process is kept")
}

func TestStart_ProcessExitingNonZeroFailsFast(t *testing.T) {
	requireCommand(t, "sh")
	f := newFixture(t, &scriptedProbe{outcomes: results(monitoring.OutcomeDown)}, Options{})
	svc := processService("sh", "-c", "echo model file missing; exit 3")
	svc.Timeout = 30 * time.Second
	handle := services.NewServiceHandle(svc)

	start := time.Now()
	err := f.launcher.Start(context.Background(), handle)

	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, errors.IsProcessError(err))
	assert.Equal(t, services.StatusFailed, handle.Status)
	assert.Contains(t, handle.LastOutput, "model file missing")

	_, err = f.records.ReadRecord("llama-server")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStart_MissingBinaryFailsFast(t *testing.T) {
	f := newFixture(t, &scriptedProbe{outcomes: results(monitoring.OutcomeDown)}, Options{})
	handle := services.NewServiceHandle(processService("/nonexistent/llama-server"))

	err := f.launcher.Start(context.Background(), handle)
	require.Error(t, err)
	assert.True(t, errors.HasType(err, errors.ErrorTypeNotFound))
	assert.Equal(t, services.StatusFailed, handle.Status)
}

func TestStart_CommandNonZeroFailsFast(t *testing.T) {
	f := newFixture(t, &scriptedProbe{outcomes: results(monitoring.OutcomeDown)}, Options{})
	f.runner.result = process.RunResult{ExitCode: 1, Stderr: "offload: not signed in"}
	handle := services.NewServiceHandle(&services.ManagedService{
		Name:    "offload",
		Kind:    services.KindCommand,
		Timeout: time.Minute,
		Launch:  process.CommandSpec{Command: "docker", Args: []string{"offload", "start"}},
	})

	start := time.Now()
	err := f.launcher.Start(context.Background(), handle)

	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, services.StatusFailed, handle.Status)

	var domainErr *errors.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, 1, domainErr.Context["exit_code"])
	assert.Equal(t, "offload: not signed in", domainErr.Context["last_output"])
	assert.Equal(t, 1, f.probe.Calls())
}

func TestStart_BlockingLaunchCommandTimesOut(t *testing.T) {
	requireCommand(t, "sleep")
	probe := &scriptedProbe{outcomes: results(monitoring.OutcomeDown)}
	f := newFixture(t, probe, Options{})
	l := NewLauncher(Options{RunID: "run-1"}, Deps{
		Records: f.records,
		Runner:  process.NewExecRunner(nil, logging.NewNopLogger()),
		Probes: func(svc *services.ManagedService) (monitoring.Probe, error) {
			return probe, nil
		},
	}, logging.NewNopLogger())
	handle := services.NewServiceHandle(&services.ManagedService{
		Name:    "offload",
		Kind:    services.KindCommand,
		Timeout: time.Second,
		Launch:  process.CommandSpec{Command: "sleep", Args: []string{"6"}},
	})

	start := time.Now()
	err := l.Start(context.Background(), handle)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.IsStartTimeoutError(err))
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 4*time.Second)
	assert.Equal(t, services.StatusFailed, handle.Status)

	var domainErr *errors.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "launch", domainErr.Context["step"])
	assert.Equal(t, "1s", domainErr.Context["timeout"])
	assert.NotEmpty(t, domainErr.Context["elapsed"])

	_, err = f.records.ReadRecord("offload")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStart_ComposeRecordsContainers(t *testing.T) {
	ready := monitoring.ProbeResult{
		Outcome: monitoring.OutcomeHealthy,
		Payload: []containers.Container{{ID: "c1", Service: "litellm", State: "running"}, {ID: "c2", Service: "db", State: "running"}},
	}
	probe := &scriptedProbe{outcomes: []monitoring.ProbeResult{{Outcome: monitoring.OutcomeDown}, ready}}
	f := newFixture(t, probe, Options{})
	handle := services.NewServiceHandle(&services.ManagedService{
		Name:         "litellm",
		Kind:         services.KindCompose,
		Timeout:      5 * time.Second,
		PollInterval: 10 * time.Millisecond,
		Compose:      containers.ComposeSpec{File: "/srv/litellm/docker-compose.yml"},
	})

	require.NoError(t, f.launcher.Start(context.Background(), handle))
	assert.Equal(t, []string{"up"}, f.runtime.calls)

	record, err := f.records.ReadRecord("litellm")
	require.NoError(t, err)
	assert.Equal(t, processfile.RecordKindCompose, record.Kind)
	assert.Equal(t, []string{"c1", "c2"}, record.ContainerIDs)
}

func TestStart_ComposeBuildsBeforeUp(t *testing.T) {
	probe := &scriptedProbe{outcomes: results(monitoring.OutcomeDown, monitoring.OutcomeHealthy)}
	f := newFixture(t, probe, Options{})
	handle := services.NewServiceHandle(&services.ManagedService{
		Name:         "litellm",
		Kind:         services.KindCompose,
		Timeout:      5 * time.Second,
		PollInterval: 10 * time.Millisecond,
		Compose:      containers.ComposeSpec{File: "/srv/litellm/docker-compose.yml", Build: true},
	})

	require.NoError(t, f.launcher.Start(context.Background(), handle))
	assert.Equal(t, []string{"build", "up"}, f.runtime.calls)
}

func TestStart_ComposeUpFailure(t *testing.T) {
	f := newFixture(t, &scriptedProbe{outcomes: results(monitoring.OutcomeDown)}, Options{})
	f.runtime.upErr = errors.NewProcessError("compose up failed", nil)
	handle := services.NewServiceHandle(&services.ManagedService{
		Name:    "litellm",
		Kind:    services.KindCompose,
		Timeout: time.Minute,
		Compose: containers.ComposeSpec{File: "/srv/litellm/docker-compose.yml"},
	})

	err := f.launcher.Start(context.Background(), handle)
	require.Error(t, err)
	assert.Equal(t, services.StatusFailed, handle.Status)

	_, err = f.records.ReadRecord("litellm")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStart_ProbeErrorBeforeLaunch(t *testing.T) {
	f := newFixture(t, &scriptedProbe{outcomes: results(monitoring.OutcomeError)}, Options{})
	handle := services.NewServiceHandle(processService("sleep", "30"))

	err := f.launcher.Start(context.Background(), handle)
	assert.True(t, errors.IsProbeFailedError(err))
	assert.Empty(t, f.spawner.spawned)
}

func TestStart_AdoptsRecordedProcess(t *testing.T) {
	requireCommand(t, "sleep")
	probe := &scriptedProbe{outcomes: results(monitoring.OutcomeUnhealthy, monitoring.OutcomeHealthy)}
	f := newFixture(t, probe, Options{})

	earlier, err := f.spawner.Spawn(process.SpawnOptions{Spec: process.CommandSpec{Command: "sleep", Args: []string{"30"}}}, logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, f.records.WriteRecord(processfile.PidRecord{Service: "llama-server", Kind: processfile.RecordKindProcess, PID: earlier.Pid, StartedAt: earlier.StartedAt}))

	handle := services.NewServiceHandle(processService("sleep", "30"))
	require.NoError(t, f.launcher.Start(context.Background(), handle))

	assert.Len(t, f.spawner.spawned, 1, "no second instance")
	assert.Equal(t, earlier.Pid, handle.PID)
}

func TestStart_ReplacesStaleRecord(t *testing.T) {
	requireCommand(t, "sleep")
	requireCommand(t, "true")
	f := newFixture(t, &scriptedProbe{outcomes: results(monitoring.OutcomeDown, monitoring.OutcomeHealthy)}, Options{})

	dead := exec.Command("true")
	require.NoError(t, dead.Run())
	require.NoError(t, f.records.WriteRecord(processfile.PidRecord{Service: "llama-server", Kind: processfile.RecordKindProcess, PID: dead.Process.Pid}))

	handle := services.NewServiceHandle(processService("sleep", "30"))
	require.NoError(t, f.launcher.Start(context.Background(), handle))

	require.Len(t, f.spawner.spawned, 1)
	record, err := f.records.ReadRecord("llama-server")
	require.NoError(t, err)
	assert.Equal(t, f.spawner.spawned[0].Pid, record.PID)
}

func TestStart_CancelledKeepsRecord(t *testing.T) {
	requireCommand(t, "sleep")
	f := newFixture(t, &scriptedProbe{outcomes: results(monitoring.OutcomeDown)}, Options{})
	handle := services.NewServiceHandle(processService("sleep", "30"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := f.launcher.Start(ctx, handle)
	assert.True(t, errors.IsCancelledError(err))
	assert.Equal(t, services.StatusFailed, handle.Status)

	record, err := f.records.ReadRecord("llama-server")
	require.NoError(t, err)
	assert.Equal(t, handle.PID, record.PID)
}
