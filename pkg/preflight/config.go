package preflight

import (
	"fmt"
	"path/filepath"

	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/process"
)

// CommandRequirement is an executable that must be on PATH.
type CommandRequirement struct {
	Name        string `yaml:"name"`
	Remediation string `yaml:"remediation,omitempty"`
}

// SessionCheck runs a command that exits 0 only when an authenticated
// session exists, e.g. `docker info` or `gcloud auth print-access-token`.
type SessionCheck struct {
	process.CommandSpec `yaml:",inline"`
	// OutputContains, when set, must also appear in the command output.
	OutputContains string `yaml:"output_contains,omitempty"`
	Remediation    string `yaml:"remediation,omitempty"`
}

type FileType string

const (
	FileTypeFile      FileType = "file"
	FileTypeDirectory FileType = "directory"
)

// FileRequirement is a path checked by verify.
type FileRequirement struct {
	Path        string   `yaml:"path"`
	Type        FileType `yaml:"type,omitempty"`
	Executable  bool     `yaml:"executable,omitempty"`
	Optional    bool     `yaml:"optional,omitempty"`
	Remediation string   `yaml:"remediation,omitempty"`
}

type PreflightConfig struct {
	Commands []CommandRequirement `yaml:"commands,omitempty"`
	Session  *SessionCheck        `yaml:"session,omitempty"`
	Files    []FileRequirement    `yaml:"files,omitempty"`
}

func ValidatePreflightConfig(config PreflightConfig) error {
	for i, cmd := range config.Commands {
		if cmd.Name == "" {
			return errors.NewValidationError(fmt.Sprintf("command requirement at index %d has no name", i), nil)
		}
	}
	if config.Session != nil {
		if err := process.ValidateCommandSpec(config.Session.CommandSpec); err != nil {
			return errors.NewValidationError("invalid session check", err)
		}
	}
	for i, file := range config.Files {
		if file.Path == "" {
			return errors.NewValidationError(fmt.Sprintf("file requirement at index %d has no path", i), nil)
		}
		if !filepath.IsAbs(file.Path) {
			return errors.NewValidationError("file requirement path must be absolute", nil).WithContext("path", file.Path)
		}
		switch file.Type {
		case "", FileTypeFile, FileTypeDirectory:
		default:
			return errors.NewValidationError("unknown file requirement type", nil).WithContext("type", string(file.Type))
		}
	}
	return nil
}
