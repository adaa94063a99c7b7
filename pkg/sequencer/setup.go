package sequencer

import (
	"context"
	"time"

	"github.com/cai-cerberus/bootseq/pkg/artifact"
	"github.com/cai-cerberus/bootseq/pkg/preflight"
	"github.com/cai-cerberus/bootseq/pkg/services"
)

type SetupResult struct {
	Preflight preflight.Report `json:"preflight"`
	Artifacts []artifact.Result `json:"artifacts"`
}

// Setup runs preflight and brings the config artifacts up to date. Nothing is
// written when preflight fails.
func (s *Sequencer) Setup(ctx context.Context, opts RunOptions) (SetupResult, error) {
	defer s.finish()
	start := time.Now()
	var result SetupResult

	var selected []services.ManagedService
	if len(opts.Services) > 0 {
		var err error
		if selected, err = s.selectServices(opts.Services, true); err != nil {
			return result, err
		}
	}

	report, err := s.runPreflight(ctx)
	result.Preflight = report
	if err != nil {
		s.console.Summary("preflight", len(report.Items), len(report.Failed()), time.Since(start))
		return result, err
	}

	list := s.artifactsFor(selected, len(opts.Services) > 0)
	s.console.Header("Artifacts")
	results, err := s.ensureArtifacts(list, opts.DryRun)
	result.Artifacts = results
	failed := 0
	if err != nil {
		failed = 1
	}
	s.console.Summary("setup", len(list), failed, time.Since(start))
	return result, err
}

// Verify runs every preflight check plus the required file checks and reports
// all of them instead of stopping at the first failure.
func (s *Sequencer) Verify(ctx context.Context) (preflight.Report, error) {
	defer s.finish()
	start := time.Now()

	var report preflight.Report
	err := s.stage("verify", func() error {
		var err error
		report, err = s.checker().Verify(ctx)
		return err
	})

	s.console.Header("Verify")
	for _, item := range report.Items {
		s.console.Check(item)
	}
	s.console.Summary("verify", len(report.Items), len(report.Failed()), time.Since(start))
	return report, err
}
