package processfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/logging"
)

const (
	pidFileExtension = ".pid"
	logFileExtension = ".log"
	runSubdirectory  = "run"
	logSubdirectory  = "logs"
)

// RecordKind tells Teardown how the recorded identity must be stopped.
type RecordKind string

const (
	RecordKindProcess RecordKind = "process"
	RecordKindCompose RecordKind = "compose"
	RecordKindCommand RecordKind = "command"
)

// PidRecord is the on-disk correlate of a ServiceHandle. It only says what was
// started; whether it is still alive is always re-derived by probing.
type PidRecord struct {
	Service      string     `json:"service"`
	Kind         RecordKind `json:"kind"`
	PID          int        `json:"pid,omitempty"`
	ContainerIDs []string   `json:"container_ids,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	RunID        string     `json:"run_id,omitempty"`
}

// ProcessFileConfig holds the state directory layout.
type ProcessFileConfig struct {
	// StateDirectory is the root; records live in <root>/run, logs in <root>/logs.
	StateDirectory string
}

// ProcessFileManager reads and writes PidRecords and resolves per-service log paths.
type ProcessFileManager struct {
	config ProcessFileConfig
	logger logging.Logger
}

func NewProcessFileManager(config ProcessFileConfig, logger logging.Logger) *ProcessFileManager {
	return &ProcessFileManager{
		config: config,
		logger: logger,
	}
}

// GeneratePIDFilePath returns the record path for a service.
func (m *ProcessFileManager) GeneratePIDFilePath(service string) string {
	return filepath.Join(m.config.StateDirectory, runSubdirectory, service+pidFileExtension)
}

// GenerateLogFilePath returns the stdout/stderr log path of a process service.
func (m *ProcessFileManager) GenerateLogFilePath(service string) string {
	return filepath.Join(m.config.StateDirectory, logSubdirectory, service+logFileExtension)
}

// WriteRecord persists a record atomically: temp file in the same directory, then rename.
func (m *ProcessFileManager) WriteRecord(record PidRecord) error {
	path := m.GeneratePIDFilePath(record.Service)
	m.logger.Debugf("Writing PID record, service: %s, pid: %d, path: %s", record.Service, record.PID, path)

	if err := ValidatePIDFileDirectory(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to encode PID record", err).WithContext("service", record.Service)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+record.Service+".pid.*")
	if err != nil {
		return errors.NewIOError("failed to create temporary PID record", err).WithContext("pid_file", path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.NewIOError("failed to write PID record", err).WithContext("pid_file", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.NewIOError("failed to close PID record", err).WithContext("pid_file", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.NewIOError("failed to move PID record into place", err).WithContext("pid_file", path)
	}

	m.logger.Infof("PID record written, service: %s, pid: %d, path: %s", record.Service, record.PID, path)
	return nil
}

// ReadRecord loads a record. A missing file is a NotFound error; unreadable
// content is a Validation error and the caller treats the record as stale.
func (m *ProcessFileManager) ReadRecord(service string) (*PidRecord, error) {
	path := m.GeneratePIDFilePath(service)

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("no PID record", err).WithContext("service", service).WithContext("pid_file", path)
		}
		return nil, errors.NewIOError("failed to read PID record", err).WithContext("pid_file", path)
	}

	record, err := parseRecord(service, content)
	if err != nil {
		m.logger.Warnf("Invalid PID record, service: %s, path: %s, error: %v", service, path, err)
		return nil, errors.NewValidationError("invalid PID record", err).WithContext("pid_file", path)
	}
	return record, nil
}

// RemoveRecord deletes a record; removing an absent record is not an error.
func (m *ProcessFileManager) RemoveRecord(service string) error {
	path := m.GeneratePIDFilePath(service)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID record", err).WithContext("pid_file", path)
	}
	m.logger.Debugf("PID record removed, service: %s, path: %s", service, path)
	return nil
}

// ListRecords returns the services that have a record on disk, sorted.
func (m *ProcessFileManager) ListRecords() ([]string, error) {
	dir := filepath.Join(m.config.StateDirectory, runSubdirectory)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewIOError("failed to list PID records", err).WithContext("directory", dir)
	}

	var services []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, pidFileExtension) {
			continue
		}
		services = append(services, strings.TrimSuffix(name, pidFileExtension))
	}
	sort.Strings(services)
	return services, nil
}

// parseRecord accepts the JSON record and the legacy single-integer pid file.
func parseRecord(service string, content []byte) (*PidRecord, error) {
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return nil, fmt.Errorf("PID record is empty")
	}

	if pid, err := strconv.Atoi(trimmed); err == nil {
		if pid <= 0 {
			return nil, fmt.Errorf("PID must be positive: %d", pid)
		}
		return &PidRecord{Service: service, Kind: RecordKindProcess, PID: pid}, nil
	}

	var record PidRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, err
	}
	if record.Service == "" {
		record.Service = service
	}
	if record.Service != service {
		return nil, fmt.Errorf("record belongs to service %q", record.Service)
	}
	switch record.Kind {
	case RecordKindProcess:
		if record.PID <= 0 {
			return nil, fmt.Errorf("process record without a positive pid")
		}
	case RecordKindCompose, RecordKindCommand:
	default:
		return nil, fmt.Errorf("unknown record kind %q", record.Kind)
	}
	return &record, nil
}

// ValidatePIDFileDirectory makes sure the directory of a record exists and is a directory.
func ValidatePIDFileDirectory(pidFilePath string) error {
	dir := filepath.Dir(pidFilePath)

	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return errors.NewIOError("failed to access PID file directory", err).WithContext("directory", dir)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create PID file directory", err).WithContext("directory", dir)
		}
		return nil
	}
	if !info.IsDir() {
		return errors.NewValidationError("PID file path is not a directory", nil).WithContext("path", dir)
	}
	return nil
}
