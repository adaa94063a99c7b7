package sequencer

import (
	"context"
	"time"

	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/logging"
	"github.com/cai-cerberus/bootseq/pkg/services"
	"github.com/cai-cerberus/bootseq/pkg/teardown"
)

// Stop stops the selected services in reverse dependency order. Dependencies
// of a named service are left running. Every service is attempted even when
// an earlier one fails, unless ctx is cancelled.
func (s *Sequencer) Stop(ctx context.Context, opts RunOptions) ([]teardown.Result, error) {
	defer s.finish()
	start := time.Now()

	selected, err := s.selectServices(opts.Services, false)
	if err != nil {
		return nil, err
	}
	order, err := services.StopOrder(selected)
	if err != nil {
		return nil, err
	}

	td := teardown.NewTeardown(teardown.Options{
		PollInterval:     s.config.Sequencer.StopPollInterval,
		KillWait:         s.config.Sequencer.KillWait,
		GracePeriod:      opts.Timeout,
		RemoveContainers: opts.Remove,
	}, teardown.Deps{
		Records: s.records,
		Runner:  s.deps.Runner,
		Runtime: s.deps.Runtime,
		Probes:  s.probes,
		Metrics: s.deps.Metrics,
	}, logging.WithPrefix(s.logger, "teardown: "))

	s.console.Header("Services")
	var results []teardown.Result
	collection := errors.NewErrorCollection()
	failed := 0

	err = s.stage("stop", func() error {
		for _, svc := range order {
			if ctx.Err() != nil {
				collection.Add(errors.NewCancelledError("stop interrupted", ctx.Err()).WithContext("service", svc.Name))
				failed++
				continue
			}
			result, err := td.Stop(ctx, services.NewServiceHandle(svc))
			s.console.Stopped(result, err)
			if result.Outcome == teardown.OutcomeFailed {
				failed++
			}
			collection.Add(err)
			results = append(results, result)
		}
		return collection.ToError()
	})

	s.console.Summary("stop", len(order), failed, time.Since(start))
	return results, err
}
