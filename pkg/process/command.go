package process

import (
	"path/filepath"
	"strings"

	"github.com/cai-cerberus/bootseq/pkg/errors"
)

// CommandSpec describes an external command. It is used for launch commands,
// collaborator control commands (stop, kill, logs) and exec probes.
type CommandSpec struct {
	Command          string   `yaml:"command"`
	Args             []string `yaml:"args,omitempty"`
	Env              []string `yaml:"env,omitempty"`
	WorkingDirectory string   `yaml:"working_directory,omitempty"`
}

func (s CommandSpec) IsZero() bool {
	return s.Command == ""
}

func (s CommandSpec) String() string {
	if len(s.Args) == 0 {
		return s.Command
	}
	return s.Command + " " + strings.Join(s.Args, " ")
}

// ValidateCommandSpec checks the static shape of a command; it does not look
// the binary up, that is the preflight's job.
func ValidateCommandSpec(spec CommandSpec) error {
	if spec.Command == "" {
		return errors.NewValidationError("command is required", nil)
	}
	if spec.WorkingDirectory != "" && !filepath.IsAbs(spec.WorkingDirectory) {
		return errors.NewValidationError("working directory must be absolute path", nil).
			WithContext("working_directory", spec.WorkingDirectory)
	}
	for _, env := range spec.Env {
		if !strings.Contains(env, "=") {
			return errors.NewValidationError("invalid environment variable format: "+env, nil)
		}
	}
	return nil
}

// MergeEnv appends overrides to base; later entries win for duplicate keys.
func MergeEnv(base []string, overrides ...[]string) []string {
	index := make(map[string]int, len(base))
	merged := make([]string, 0, len(base))
	add := func(kv string) {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if pos, ok := index[key]; ok {
			merged[pos] = kv
			return
		}
		index[key] = len(merged)
		merged = append(merged, kv)
	}
	for _, kv := range base {
		add(kv)
	}
	for _, list := range overrides {
		for _, kv := range list {
			add(kv)
		}
	}
	return merged
}
