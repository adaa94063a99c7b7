package sequencer

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/launcher"
	"github.com/cai-cerberus/bootseq/pkg/logging"
	"github.com/cai-cerberus/bootseq/pkg/services"
)

// Start runs preflight, writes the artifacts the selected services need and
// starts the services in dependency order. Dependencies of a named service are
// started too. A service whose dependency failed is not started.
//
// The returned error is the preflight or artifact error, or an ErrorCollection
// of the services that failed to start. Skipped dependents are reported on
// their handles but not in the collection.
func (s *Sequencer) Start(ctx context.Context, opts RunOptions) ([]*services.ServiceHandle, error) {
	defer s.finish()
	start := time.Now()

	selected, err := s.selectServices(opts.Services, true)
	if err != nil {
		return nil, err
	}
	levels, err := services.Levels(selected)
	if err != nil {
		return nil, err
	}

	if report, err := s.runPreflight(ctx); err != nil {
		s.console.Summary("preflight", len(report.Items), len(report.Failed()), time.Since(start))
		return nil, err
	}

	list := s.artifactsFor(selected, len(opts.Services) > 0)
	if len(list) > 0 {
		s.console.Header("Artifacts")
		if _, err := s.ensureArtifacts(list, false); err != nil {
			return nil, err
		}
	}

	l := launcher.NewLauncher(launcher.Options{
		Env:     s.env.List(),
		RunID:   s.deps.RunID,
		Timeout: opts.Timeout,
	}, launcher.Deps{
		Records: s.records,
		Runner:  s.deps.Runner,
		Runtime: s.deps.Runtime,
		Probes:  s.probes,
		Metrics: s.deps.Metrics,
		Spawn:   s.deps.Spawn,
	}, logging.WithPrefix(s.logger, "launcher: "))

	parallel := opts.Parallel || s.config.Sequencer.Parallel
	s.console.Header("Services")

	var handles []*services.ServiceHandle
	failed := make(map[string]bool)
	collection := errors.NewErrorCollection()

	run := func(handle *services.ServiceHandle) error {
		if dep := failedDependency(handle.Service, failed); dep != "" {
			handle.Fail(errors.NewProcessError("dependency failed to start", nil).
				WithContext("service", handle.Name()).
				WithContext("dependency", dep).
				WithContext("step", "start"))
			s.console.Skipped(handle, dep)
			return nil
		}
		s.console.Pending(handle)
		err := l.Start(ctx, handle)
		s.console.Started(handle)
		return err
	}

	err = s.stage("start", func() error {
		for _, level := range levels {
			batch := make([]*services.ServiceHandle, 0, len(level))
			for _, svc := range level {
				batch = append(batch, services.NewServiceHandle(svc))
			}
			handles = append(handles, batch...)

			if ctx.Err() != nil {
				for _, handle := range batch {
					handle.Fail(errors.NewCancelledError("start interrupted", ctx.Err()).WithContext("service", handle.Name()))
					collection.Add(handle.Err)
					failed[handle.Name()] = true
				}
				continue
			}

			// services of one level never depend on each other
			if parallel && len(batch) > 1 {
				var g errgroup.Group
				errs := make([]error, len(batch))
				for i, handle := range batch {
					g.Go(func() error {
						errs[i] = run(handle)
						return nil
					})
				}
				_ = g.Wait()
				for _, err := range errs {
					collection.Add(err)
				}
			} else {
				for _, handle := range batch {
					collection.Add(run(handle))
				}
			}

			for _, handle := range batch {
				if handle.Status != services.StatusHealthy {
					failed[handle.Name()] = true
				}
			}
		}
		return collection.ToError()
	})

	s.console.Summary("start", len(handles), len(failed), time.Since(start))
	return handles, err
}

func failedDependency(svc *services.ManagedService, failed map[string]bool) string {
	for _, dep := range svc.DependsOn {
		if failed[dep] {
			return dep
		}
	}
	return ""
}
