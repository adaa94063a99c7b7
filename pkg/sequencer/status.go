package sequencer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/health"
	"github.com/cai-cerberus/bootseq/pkg/logging"
	"github.com/cai-cerberus/bootseq/pkg/processfile"
	"github.com/cai-cerberus/bootseq/pkg/services"
)

// Status probes every selected service now. Any service that is not healthy
// makes the returned error non-nil so callers can branch on the exit code.
func (s *Sequencer) Status(ctx context.Context, opts RunOptions) ([]health.ServiceReport, error) {
	defer s.finish()
	start := time.Now()

	selected, err := s.selectServices(opts.Services, false)
	if err != nil {
		return nil, err
	}

	reporter := health.NewReporter(s.records, s.probes, s.deps.Metrics, logging.WithPrefix(s.logger, "health: "))
	reports := make([]health.ServiceReport, 0, len(selected))
	collection := errors.NewErrorCollection()

	err = s.stage("status", func() error {
		for i := range selected {
			svc := &selected[i]
			report := reporter.Report(ctx, services.NewServiceHandle(svc))
			reports = append(reports, report)
			collection.Add(statusError(report))
		}
		return collection.ToError()
	})

	if opts.JSON {
		encoder := json.NewEncoder(s.deps.Out)
		encoder.SetIndent("", "  ")
		if encErr := encoder.Encode(reports); encErr != nil {
			return reports, errors.NewIOError("failed to write status", encErr)
		}
		return reports, err
	}

	s.console.Header("Status")
	for _, report := range reports {
		s.console.Health(report)
	}
	s.console.Summary("status", len(reports), len(collection.Errors), time.Since(start))
	return reports, err
}

func statusError(report health.ServiceReport) error {
	switch report.State {
	case health.StateHealthy:
		return nil
	case health.StateNotRunning:
		return errors.NewNotFoundError("service not running", nil).
			WithContext("service", report.Service).WithContext("last_output", report.Message)
	case health.StateUnhealthy:
		return errors.NewProcessError("service unhealthy", nil).
			WithContext("service", report.Service).WithContext("last_output", report.Message)
	default:
		if report.Err != nil {
			return report.Err
		}
		return errors.NewProbeFailedError(report.Message, nil).WithContext("service", report.Service)
	}
}

// Logs writes the last lines of output of every selected service to w. Process
// services are read from their log file; compose and command services ask the
// collaborator.
func (s *Sequencer) Logs(ctx context.Context, opts RunOptions, w io.Writer) error {
	selected, err := s.selectServices(opts.Services, false)
	if err != nil {
		return err
	}
	lines := opts.Lines
	if lines <= 0 {
		lines = 50
	}

	collection := errors.NewErrorCollection()
	for i := range selected {
		svc := &selected[i]
		if len(selected) > 1 {
			fmt.Fprintf(w, "==> %s <==\n", svc.Name)
		}
		output, err := s.serviceLogs(ctx, svc, lines)
		if err != nil {
			if errors.IsNotFoundError(err) {
				fmt.Fprintf(w, "no logs: %s\n", err)
				continue
			}
			collection.Add(err)
			continue
		}
		fmt.Fprint(w, output)
		if output != "" && !strings.HasSuffix(output, "\n") {
			fmt.Fprintln(w)
		}
	}
	return collection.ToError()
}

func (s *Sequencer) serviceLogs(ctx context.Context, svc *services.ManagedService, lines int) (string, error) {
	switch svc.Kind {
	case services.KindCompose:
		result, err := s.deps.Runtime.Logs(ctx, svc.Compose, lines)
		if err != nil {
			return "", err
		}
		return result.Stdout + result.Stderr, nil
	case services.KindCommand:
		if svc.Logs.IsZero() {
			return "", errors.NewNotFoundError("no logs command configured", nil).WithContext("service", svc.Name)
		}
		result, err := s.deps.Runner.Run(ctx, svc.Logs)
		if err != nil {
			return "", err
		}
		if result.ExitCode != 0 {
			return "", errors.NewProcessError("logs command failed", nil).
				WithContext("service", svc.Name).
				WithContext("exit_code", result.ExitCode).
				WithContext("last_output", lastLines(result.Output(), 5))
		}
		return lastLines(result.Stdout+result.Stderr, lines), nil
	default:
		if !svc.Logs.IsZero() {
			result, err := s.deps.Runner.Run(ctx, svc.Logs)
			if err != nil {
				return "", err
			}
			return lastLines(result.Stdout+result.Stderr, lines), nil
		}
		return processfile.TailLogFile(services.LogPath(svc, s.records), lines)
	}
}

func lastLines(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
