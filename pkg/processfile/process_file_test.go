package processfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cai-cerberus/bootseq/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ProcessFileMockLogger is a simple mock implementation of Logger for testing
type ProcessFileMockLogger struct{}

func (m *ProcessFileMockLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (m *ProcessFileMockLogger) Debugf(format string, args ...interface{})               {}
func (m *ProcessFileMockLogger) Infof(format string, args ...interface{})                {}
func (m *ProcessFileMockLogger) Warnf(format string, args ...interface{})                {}
func (m *ProcessFileMockLogger) Errorf(format string, args ...interface{})               {}

func newManager(t *testing.T) (*ProcessFileManager, string) {
	dir := t.TempDir()
	return NewProcessFileManager(ProcessFileConfig{StateDirectory: dir}, &ProcessFileMockLogger{}), dir
}

func TestGeneratePaths(t *testing.T) {
	manager := NewProcessFileManager(ProcessFileConfig{StateDirectory: "/var/lib/bootseq"}, &ProcessFileMockLogger{})

	assert.Equal(t, filepath.Join("/var/lib/bootseq", "run", "llama.pid"), manager.GeneratePIDFilePath("llama"))
	assert.Equal(t, filepath.Join("/var/lib/bootseq", "logs", "llama.log"), manager.GenerateLogFilePath("llama"))
}

func TestWriteAndReadRecord(t *testing.T) {
	manager, _ := newManager(t)
	started := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	record := PidRecord{
		Service:   "llama",
		Kind:      RecordKindProcess,
		PID:       4242,
		StartedAt: started,
		RunID:     "run-1",
	}
	require.NoError(t, manager.WriteRecord(record))

	loaded, err := manager.ReadRecord("llama")
	require.NoError(t, err)
	assert.Equal(t, record, *loaded)

	// no temp files are left behind
	entries, err := os.ReadDir(filepath.Dir(manager.GeneratePIDFilePath("llama")))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteRecord_Overwrites(t *testing.T) {
	manager, _ := newManager(t)

	require.NoError(t, manager.WriteRecord(PidRecord{Service: "db", Kind: RecordKindCompose, ContainerIDs: []string{"a"}}))
	require.NoError(t, manager.WriteRecord(PidRecord{Service: "db", Kind: RecordKindCompose, ContainerIDs: []string{"b", "c"}}))

	loaded, err := manager.ReadRecord("db")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, loaded.ContainerIDs)
}

func TestReadRecord_Legacy(t *testing.T) {
	manager, _ := newManager(t)
	path := manager.GeneratePIDFilePath("mcp")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("1234\n"), 0644))

	loaded, err := manager.ReadRecord("mcp")
	require.NoError(t, err)
	assert.Equal(t, 1234, loaded.PID)
	assert.Equal(t, RecordKindProcess, loaded.Kind)
	assert.Equal(t, "mcp", loaded.Service)
}

func TestReadRecord_Errors(t *testing.T) {
	manager, _ := newManager(t)

	_, err := manager.ReadRecord("absent")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))

	tests := []struct {
		name    string
		content string
	}{
		{"empty", "   \n"},
		{"garbage", "not a pid"},
		{"negative", "-3"},
		{"wrong_service", `{"service":"other","kind":"process","pid":5}`},
		{"unknown_kind", `{"service":"svc","kind":"vm"}`},
		{"process_without_pid", `{"service":"svc","kind":"process"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := manager.GeneratePIDFilePath("svc")
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, err := manager.ReadRecord("svc")
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
		})
	}
}

func TestRemoveAndListRecords(t *testing.T) {
	manager, _ := newManager(t)

	services, err := manager.ListRecords()
	require.NoError(t, err)
	assert.Empty(t, services)

	require.NoError(t, manager.WriteRecord(PidRecord{Service: "b", Kind: RecordKindCommand}))
	require.NoError(t, manager.WriteRecord(PidRecord{Service: "a", Kind: RecordKindProcess, PID: 1}))

	services, err = manager.ListRecords()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, services)

	require.NoError(t, manager.RemoveRecord("a"))
	require.NoError(t, manager.RemoveRecord("a"))

	services, err = manager.ListRecords()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, services)
}

func TestValidatePIDFileDirectory(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, ValidatePIDFileDirectory(filepath.Join(dir, "nested", "x.pid")))
	info, err := os.Stat(filepath.Join(dir, "nested"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	err = ValidatePIDFileDirectory(filepath.Join(file, "x.pid"))
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}
