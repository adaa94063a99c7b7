package sequencer

import (
	"context"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/cai-cerberus/bootseq/pkg/artifact"
	"github.com/cai-cerberus/bootseq/pkg/config"
	"github.com/cai-cerberus/bootseq/pkg/containers"
	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/logging"
	"github.com/cai-cerberus/bootseq/pkg/metrics"
	"github.com/cai-cerberus/bootseq/pkg/preflight"
	"github.com/cai-cerberus/bootseq/pkg/process"
	"github.com/cai-cerberus/bootseq/pkg/processfile"
	"github.com/cai-cerberus/bootseq/pkg/services"
)

// RunOptions are the per-invocation flags shared by all commands.
type RunOptions struct {
	// Services filters the command to these names; empty means all enabled services.
	Services []string
	// Timeout overrides the readiness timeout on start and the grace period on stop.
	Timeout  time.Duration
	Parallel bool
	DryRun   bool
	JSON     bool
	// Lines is the number of log lines shown by logs.
	Lines int
	// Remove also removes compose containers on stop.
	Remove bool
}

// Deps are the collaborators of the sequencer. Zero values get production defaults.
type Deps struct {
	Runner   process.Runner
	Runtime  containers.Runtime
	LookPath process.LookPathFunc
	Spawn    func(opts process.SpawnOptions, logger logging.Logger) (*process.Spawned, error)
	Metrics  metrics.Collector
	Out      io.Writer
	Now      func() time.Time
	RunID    string
}

// Sequencer runs the lifecycle commands against one loaded configuration.
// Every command re-derives state from the probes and the record directory.
type Sequencer struct {
	config  *config.Config
	env     *config.Environment
	deps    Deps
	records *processfile.ProcessFileManager
	probes  services.ProbeFactory
	console *Console
	logger  logging.Logger
}

func NewSequencer(cfg *config.Config, env *config.Environment, deps Deps, logger logging.Logger) *Sequencer {
	if deps.Runner == nil {
		deps.Runner = process.NewExecRunner(env.List(), logging.WithPrefix(logger, "runner: "))
	}
	if deps.Runtime == nil {
		deps.Runtime = containers.NewComposeRuntime(deps.Runner, logging.WithPrefix(logger, "compose: "))
	}
	if deps.LookPath == nil {
		deps.LookPath = exec.LookPath
	}
	if deps.Spawn == nil {
		deps.Spawn = process.Spawn
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector(cfg.Sequencer.MetricsFile)
	}
	if deps.Out == nil {
		deps.Out = os.Stdout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.RunID == "" {
		deps.RunID = uuid.New().String()
	}

	records := processfile.NewProcessFileManager(processfile.ProcessFileConfig{
		StateDirectory: cfg.Sequencer.StateDir,
	}, logging.WithPrefix(logger, "records: "))

	return &Sequencer{
		config:  cfg,
		env:     env,
		deps:    deps,
		records: records,
		probes:  services.NewProbeFactory(records, deps.Runner, deps.Runtime, logging.WithPrefix(logger, "probe: ")),
		console: NewConsole(deps.Out, deps.Now),
		logger:  logger,
	}
}

func (s *Sequencer) RunID() string {
	return s.deps.RunID
}

// Records exposes the PidRecord store of the state directory.
func (s *Sequencer) Records() *processfile.ProcessFileManager {
	return s.records
}

// stage times f and records it under name.
func (s *Sequencer) stage(name string, f func() error) error {
	start := time.Now()
	err := f()
	s.deps.Metrics.StageDuration(name, time.Since(start), err)
	return err
}

// finish writes metrics at the end of a command. Failing to write them never
// changes the outcome of the command.
func (s *Sequencer) finish() {
	if err := s.deps.Metrics.Flush(); err != nil {
		s.logger.Warnf("Failed to write metrics, error: %v", err)
	}
}

func (s *Sequencer) checker() *preflight.Checker {
	return preflight.NewChecker(preflight.CheckerOptions{
		Config:      s.config.Preflight,
		RequiredEnv: s.config.Sequencer.RequiredEnv,
		EnvFile:     s.env.File(),
		LookupEnv:   s.env.Lookup,
		LookPath:    s.deps.LookPath,
		Runner:      s.deps.Runner,
	}, logging.WithPrefix(s.logger, "preflight: "))
}

// runPreflight fails fast at the first missing requirement.
func (s *Sequencer) runPreflight(ctx context.Context) (preflight.Report, error) {
	s.console.Header("Preflight")
	var report preflight.Report
	err := s.stage("preflight", func() error {
		var err error
		report, err = s.checker().Check(ctx)
		return err
	})
	for _, item := range report.Items {
		s.console.Check(item)
	}
	return report, err
}

// artifactsFor lists the artifacts a command must write. Without a service
// filter that is every artifact; with one, only those the selected services use.
func (s *Sequencer) artifactsFor(selected []services.ManagedService, filtered bool) []artifact.ConfigArtifact {
	if !filtered {
		return s.config.Artifacts
	}
	wanted := make(map[string]bool)
	for _, svc := range selected {
		for _, id := range svc.Artifacts {
			wanted[id] = true
		}
	}
	var list []artifact.ConfigArtifact
	for _, a := range s.config.Artifacts {
		if wanted[a.ID] {
			list = append(list, a)
		}
	}
	return list
}

// ensureArtifacts writes artifacts in configuration order and stops at the first failure.
func (s *Sequencer) ensureArtifacts(list []artifact.ConfigArtifact, dryRun bool) ([]artifact.Result, error) {
	var results []artifact.Result
	err := s.stage("artifacts", func() error {
		writer := artifact.NewWriter(artifact.WriterOptions{
			Values: s.templateValues(),
			DryRun: dryRun,
			Now:    s.deps.Now,
		}, logging.WithPrefix(s.logger, "artifact: "))

		for _, a := range list {
			result, err := writer.Ensure(a)
			if err != nil {
				s.console.ArtifactFailed(a.ID, err)
				return err
			}
			s.deps.Metrics.ArtifactWritten(a.ID, result.Written)
			s.console.Artifact(result)
			results = append(results, result)
		}
		return nil
	})
	return results, err
}

// templateValues are the loaded environment overlaid with sequencer.values.
func (s *Sequencer) templateValues() map[string]string {
	values := s.env.Values()
	for k, v := range s.config.Sequencer.Values {
		values[k] = v
	}
	return values
}

func (s *Sequencer) selectServices(names []string, withDependencies bool) ([]services.ManagedService, error) {
	selected, err := services.Select(s.config.Services, names, withDependencies)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, errors.NewValidationError("no enabled services", nil)
	}
	return selected, nil
}
