package health

import (
	"context"
	"time"

	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/logging"
	"github.com/cai-cerberus/bootseq/pkg/metrics"
	"github.com/cai-cerberus/bootseq/pkg/monitoring"
	"github.com/cai-cerberus/bootseq/pkg/processfile"
	"github.com/cai-cerberus/bootseq/pkg/processstate"
	"github.com/cai-cerberus/bootseq/pkg/services"
)

// State is what a report says about a service.
type State string

const (
	StateHealthy State = "healthy"
	// StateUnhealthy: the service is reachable and answers that it is not ready.
	StateUnhealthy State = "unhealthy"
	// StateNotRunning: nothing answers.
	StateNotRunning State = "not running"
	// StateProbeFailed: the probe itself could not be carried out.
	StateProbeFailed State = "probe failed"
)

// ServiceReport is a point-in-time view of one service.
type ServiceReport struct {
	Service       string        `json:"service"`
	Kind          services.Kind `json:"kind"`
	State         State         `json:"state"`
	Message       string        `json:"message,omitempty"`
	Output        string        `json:"output,omitempty"`
	Payload       interface{}   `json:"payload,omitempty"`
	PID           int           `json:"pid,omitempty"`
	ContainerIDs  []string      `json:"container_ids,omitempty"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	RunID         string        `json:"run_id,omitempty"`
	ProbeDuration string        `json:"probe_duration"`
	// StaleRecordRemoved is set when a record of a dead process was cleaned up.
	StaleRecordRemoved bool  `json:"stale_record_removed,omitempty"`
	Err                error `json:"-"`
}

// Reporter re-probes services. It never trusts records or earlier results:
// every report runs the probe again.
type Reporter struct {
	records *processfile.ProcessFileManager
	probes  services.ProbeFactory
	metrics metrics.Collector
	logger  logging.Logger
}

func NewReporter(records *processfile.ProcessFileManager, probes services.ProbeFactory, collector metrics.Collector, logger logging.Logger) *Reporter {
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}
	return &Reporter{
		records: records,
		probes:  probes,
		metrics: collector,
		logger:  logger,
	}
}

// Report probes handle's service now and updates the handle status from the result.
func (r *Reporter) Report(ctx context.Context, handle *services.ServiceHandle) ServiceReport {
	svc := handle.Service
	report := ServiceReport{Service: svc.Name, Kind: svc.Kind}

	probe, err := r.probes(svc)
	if err != nil {
		report.State = StateProbeFailed
		report.Message = err.Error()
		report.Err = err
		handle.Status = services.StatusUnknown
		return report
	}

	result := probe.Check(ctx)
	r.metrics.ProbeOutcome(svc.Name, string(result.Outcome))

	report.Message = result.Message
	report.Output = result.Output
	report.Payload = result.Payload
	report.ProbeDuration = result.Duration.Round(time.Millisecond).String()

	switch result.Outcome {
	case monitoring.OutcomeHealthy:
		report.State = StateHealthy
		handle.Status = services.StatusHealthy
	case monitoring.OutcomeUnhealthy:
		report.State = StateUnhealthy
		handle.Status = services.StatusFailed
	case monitoring.OutcomeDown:
		report.State = StateNotRunning
		handle.Status = services.StatusStopped
	default:
		report.State = StateProbeFailed
		report.Err = errors.NewProbeFailedError(result.Message, nil).
			WithContext("service", svc.Name).
			WithContext("step", "status").
			WithContext("last_output", result.Output)
		handle.Status = services.StatusUnknown
	}
	handle.LastOutput = result.Message

	r.attachRecord(&report, handle)
	return report
}

// attachRecord adds record details. A process record whose pid is dead is
// removed unless the probe still reports the service as up.
func (r *Reporter) attachRecord(report *ServiceReport, handle *services.ServiceHandle) {
	record, err := r.records.ReadRecord(report.Service)
	if err != nil {
		if errors.IsValidationError(err) {
			r.logger.Warnf("Removing unreadable PID record, service: %s", report.Service)
			if err := r.records.RemoveRecord(report.Service); err == nil {
				report.StaleRecordRemoved = true
			}
		}
		return
	}

	if record.Kind == processfile.RecordKindProcess {
		running, err := processstate.IsProcessRunning(record.PID)
		if err == nil && !running {
			if report.State == StateHealthy {
				// something else answers the probe; the record just no longer describes it
				r.logger.Warnf("Service healthy but recorded pid is dead, service: %s, pid: %d", report.Service, record.PID)
			}
			r.logger.Infof("Removing stale PID record, service: %s, pid: %d", report.Service, record.PID)
			if err := r.records.RemoveRecord(report.Service); err == nil {
				report.StaleRecordRemoved = true
			}
			return
		}
	}

	report.PID = record.PID
	report.ContainerIDs = record.ContainerIDs
	report.RunID = record.RunID
	if !record.StartedAt.IsZero() {
		startedAt := record.StartedAt
		report.StartedAt = &startedAt
		handle.StartedAt = startedAt
	}
	handle.PID = record.PID
}
