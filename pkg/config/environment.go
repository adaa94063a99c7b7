package config

import (
	"io"
	"os"
	"sort"
	"strings"

	"github.com/subosito/gotenv"

	"github.com/cai-cerberus/bootseq/pkg/errors"
)

// Environment is the snapshot of variables every collaborator command sees:
// the process environment plus the env file. Variables already set in the
// process environment win over the file.
type Environment struct {
	vars     map[string]string
	file     string
	fromFile []string
}

// LoadEnvironment snapshots base (normally os.Environ()) and merges envFile into
// it. A missing env file is not an error; preflight reports required variables.
func LoadEnvironment(base []string, envFile string) (*Environment, error) {
	env := &Environment{
		vars: make(map[string]string, len(base)),
		file: envFile,
	}
	for _, kv := range base {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env.vars[key] = value
		}
	}

	if envFile == "" {
		return env, nil
	}
	f, err := os.Open(envFile)
	if err != nil {
		if os.IsNotExist(err) {
			return env, nil
		}
		return nil, errors.NewIOError("failed to open env file", err).WithContext("path", envFile)
	}
	defer f.Close()

	values, err := ParseEnvFile(f)
	if err != nil {
		return nil, errors.NewValidationError("failed to parse env file", err).WithContext("path", envFile)
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, set := env.vars[key]; set {
			continue
		}
		env.vars[key] = values[key]
		env.fromFile = append(env.fromFile, key)
	}
	return env, nil
}

func (e *Environment) Lookup(key string) (string, bool) {
	value, ok := e.vars[key]
	return value, ok
}

// File is the env file path, empty when none is configured.
func (e *Environment) File() string {
	return e.file
}

// FromFile lists the keys that came from the env file, sorted.
func (e *Environment) FromFile() []string {
	return e.fromFile
}

// List returns KEY=VALUE pairs sorted by key, suitable for exec.Cmd.Env.
func (e *Environment) List() []string {
	keys := make([]string, 0, len(e.vars))
	for key := range e.vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	list := make([]string, 0, len(keys))
	for _, key := range keys {
		list = append(list, key+"="+e.vars[key])
	}
	return list
}

// Values returns a copy of the variables as a map.
func (e *Environment) Values() map[string]string {
	values := make(map[string]string, len(e.vars))
	for k, v := range e.vars {
		values[k] = v
	}
	return values
}

// ParseEnvFile parses docker-compose style env files: KEY=VALUE lines, an
// optional "export " prefix, # comments, single or double quoted values.
func ParseEnvFile(r io.Reader) (map[string]string, error) {
	values, err := gotenv.StrictParse(r)
	if err != nil {
		return nil, err
	}
	return map[string]string(values), nil
}
