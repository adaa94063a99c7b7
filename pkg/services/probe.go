package services

import (
	"github.com/cai-cerberus/bootseq/pkg/containers"
	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/logging"
	"github.com/cai-cerberus/bootseq/pkg/monitoring"
	"github.com/cai-cerberus/bootseq/pkg/process"
	"github.com/cai-cerberus/bootseq/pkg/processfile"
)

// ProbeFactory builds the readiness probe of a service.
type ProbeFactory func(svc *ManagedService) (monitoring.Probe, error)

// NewProbeFactory wires probes to the collaborators they need: process probes
// read the PidRecord, compose probes list containers, exec probes run commands.
func NewProbeFactory(records *processfile.ProcessFileManager, runner process.Runner, runtime containers.Runtime, logger logging.Logger) ProbeFactory {
	return func(svc *ManagedService) (monitoring.Probe, error) {
		name := svc.Name
		deps := monitoring.ProbeDeps{
			Runner:  runner,
			Runtime: runtime,
			Compose: svc.Compose,
			Logger:  logger,
			PID: func() (int, error) {
				record, err := records.ReadRecord(name)
				if err != nil {
					return 0, err
				}
				if record.Kind != processfile.RecordKindProcess {
					return 0, errors.NewNotFoundError("record has no pid", nil).WithContext("service", name)
				}
				return record.PID, nil
			},
		}
		return monitoring.NewProbe(svc.Probe, name, deps)
	}
}

// LogPath is where a process service's output goes.
func LogPath(svc *ManagedService, records *processfile.ProcessFileManager) string {
	if svc.LogFile != "" {
		return svc.LogFile
	}
	return records.GenerateLogFilePath(svc.Name)
}
