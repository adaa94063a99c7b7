package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/cai-cerberus/bootseq/pkg/artifact"
	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/logging"
	"github.com/cai-cerberus/bootseq/pkg/monitoring"
	"github.com/cai-cerberus/bootseq/pkg/preflight"
	"github.com/cai-cerberus/bootseq/pkg/services"
)

// Config is the top-level configuration file structure.
type Config struct {
	Sequencer SequencerOptions          `yaml:"sequencer"`
	Preflight preflight.PreflightConfig `yaml:"preflight,omitempty"`
	Artifacts []artifact.ConfigArtifact `yaml:"artifacts,omitempty"`
	Services  []services.ManagedService `yaml:"services"`
}

// SequencerOptions holds settings shared by all services.
type SequencerOptions struct {
	StateDir    string   `yaml:"state_dir,omitempty"`
	EnvFile     string   `yaml:"env_file,omitempty"`
	RequiredEnv []string `yaml:"required_env,omitempty"`
	LogLevel    string   `yaml:"log_level,omitempty"`
	// Values are template values available to every artifact.
	Values map[string]string `yaml:"values,omitempty"`

	DefaultTimeout   time.Duration `yaml:"default_timeout,omitempty"`
	PollInterval     time.Duration `yaml:"poll_interval,omitempty"`
	GracePeriod      time.Duration `yaml:"grace_period,omitempty"`
	StopPollInterval time.Duration `yaml:"stop_poll_interval,omitempty"`
	KillWait         time.Duration `yaml:"kill_wait,omitempty"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout,omitempty"`

	Parallel    bool   `yaml:"parallel,omitempty"`
	MetricsFile string `yaml:"metrics_file,omitempty"`
}

const (
	DefaultConfigFile = "bootseq.yaml"
	defaultStateDir   = ".bootseq"

	defaultTimeout          = 60 * time.Second
	defaultPollInterval     = time.Second
	defaultGracePeriod      = 10 * time.Second
	defaultStopPollInterval = time.Second
	defaultKillWait         = 5 * time.Second
	defaultProbeTimeout     = 5 * time.Second
)

// LoadConfigFromFile reads, decodes and defaults a configuration file.
// Relative paths are resolved against the directory of the file.
// Files ending in .json or .jsonc may contain comments and trailing commas.
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	config, err := decodeConfig(data)
	if err != nil {
		return nil, errors.NewValidationError("failed to parse configuration", err).WithContext("filename", filename)
	}

	baseDir, err := filepath.Abs(filepath.Dir(filename))
	if err != nil {
		return nil, errors.NewIOError("failed to resolve configuration directory", err).WithContext("filename", filename)
	}
	resolvePaths(config, baseDir)

	if err := setConfigDefaults(config, baseDir); err != nil {
		return nil, errors.NewValidationError("failed to apply configuration defaults", err)
	}
	return config, nil
}

// decodeConfig decodes YAML (or JSON, a subset of it) rejecting unknown keys.
func decodeConfig(data []byte) (*Config, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var config Config
	if err := decoder.Decode(&config); err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil, fmt.Errorf("configuration is empty")
		}
		return nil, err
	}
	return &config, nil
}

func resolvePaths(config *Config, baseDir string) {
	abs := func(path *string) {
		if *path != "" && !filepath.IsAbs(*path) {
			*path = filepath.Join(baseDir, *path)
		}
	}

	abs(&config.Sequencer.StateDir)
	abs(&config.Sequencer.EnvFile)
	abs(&config.Sequencer.MetricsFile)

	for i := range config.Preflight.Files {
		abs(&config.Preflight.Files[i].Path)
	}
	if config.Preflight.Session != nil {
		abs(&config.Preflight.Session.WorkingDirectory)
	}
	for i := range config.Artifacts {
		abs(&config.Artifacts[i].Path)
		abs(&config.Artifacts[i].TemplateFile)
	}
	for i := range config.Services {
		svc := &config.Services[i]
		abs(&svc.LogFile)
		abs(&svc.Compose.File)
		abs(&svc.Launch.WorkingDirectory)
		abs(&svc.Stop.WorkingDirectory)
		abs(&svc.Kill.WorkingDirectory)
		abs(&svc.Logs.WorkingDirectory)
		abs(&svc.Probe.Exec.WorkingDirectory)
	}
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *Config, baseDir string) error {
	seq := &config.Sequencer
	if seq.StateDir == "" {
		seq.StateDir = filepath.Join(baseDir, defaultStateDir)
	}
	if seq.LogLevel == "" {
		seq.LogLevel = "info"
	}
	if seq.DefaultTimeout == 0 {
		seq.DefaultTimeout = defaultTimeout
	}
	if seq.PollInterval == 0 {
		seq.PollInterval = defaultPollInterval
	}
	if seq.GracePeriod == 0 {
		seq.GracePeriod = defaultGracePeriod
	}
	if seq.StopPollInterval == 0 {
		seq.StopPollInterval = defaultStopPollInterval
	}
	if seq.KillWait == 0 {
		seq.KillWait = defaultKillWait
	}
	if seq.ProbeTimeout == 0 {
		seq.ProbeTimeout = defaultProbeTimeout
	}

	for i := range config.Services {
		svc := &config.Services[i]

		// Default enabled to true if not specified
		if svc.Enabled == nil {
			enabled := true
			svc.Enabled = &enabled
		}
		if svc.Timeout == 0 {
			svc.Timeout = seq.DefaultTimeout
		}
		if svc.PollInterval == 0 {
			svc.PollInterval = seq.PollInterval
		}
		if svc.GracePeriod == 0 {
			svc.GracePeriod = seq.GracePeriod
		}
		if svc.Probe.Type == "" {
			switch svc.Kind {
			case services.KindProcess:
				svc.Probe.Type = monitoring.ProbeTypeProcess
			case services.KindCompose:
				svc.Probe.Type = monitoring.ProbeTypeCompose
			}
		}
		if svc.Probe.Timeout == 0 {
			svc.Probe.Timeout = seq.ProbeTimeout
		}
	}
	return nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateSequencerOptions(&config.Sequencer); err != nil {
		return errors.NewValidationError("invalid sequencer configuration", err)
	}

	if err := preflight.ValidatePreflightConfig(config.Preflight); err != nil {
		return errors.NewValidationError("invalid preflight configuration", err)
	}

	artifactIDs := make(map[string]bool, len(config.Artifacts))
	for i, a := range config.Artifacts {
		if err := artifact.ValidateConfigArtifact(a); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid artifact at index %d", i), err)
		}
		if artifactIDs[a.ID] {
			return errors.NewValidationError("duplicate artifact id", nil).WithContext("artifact", a.ID)
		}
		artifactIDs[a.ID] = true
	}

	if len(config.Services) == 0 {
		return errors.NewValidationError("at least one service is required", nil)
	}
	if err := services.ValidateServices(config.Services); err != nil {
		return errors.NewValidationError("invalid services configuration", err)
	}
	for _, svc := range config.Services {
		for _, id := range svc.Artifacts {
			if !artifactIDs[id] {
				return errors.NewValidationError("service references unknown artifact", nil).
					WithContext("service", svc.Name).WithContext("artifact", id)
			}
		}
	}
	return nil
}

func validateSequencerOptions(seq *SequencerOptions) error {
	if !filepath.IsAbs(seq.StateDir) {
		return errors.NewValidationError("state_dir must be absolute", nil).WithContext("state_dir", seq.StateDir)
	}
	if _, ok := logging.ParseLevel(seq.LogLevel); !ok {
		return errors.NewValidationError("invalid log level", nil).
			WithContext("log_level", seq.LogLevel).
			WithContext("supported_levels", "debug, info, warn, error")
	}
	for name, d := range map[string]time.Duration{
		"default_timeout":    seq.DefaultTimeout,
		"poll_interval":      seq.PollInterval,
		"grace_period":       seq.GracePeriod,
		"stop_poll_interval": seq.StopPollInterval,
		"kill_wait":          seq.KillWait,
		"probe_timeout":      seq.ProbeTimeout,
	} {
		if err := services.ValidateDuration(name, d); err != nil {
			return err
		}
	}
	for _, key := range seq.RequiredEnv {
		if key == "" || strings.ContainsAny(key, "= ") {
			return errors.NewValidationError("invalid required_env entry", nil).WithContext("name", key)
		}
	}
	return nil
}

// ServiceNames lists the configured service names in declaration order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for _, svc := range c.Services {
		names = append(names, svc.Name)
	}
	return names
}

// Artifact returns the artifact with the given id.
func (c *Config) Artifact(id string) (artifact.ConfigArtifact, bool) {
	for _, a := range c.Artifacts {
		if a.ID == id {
			return a, true
		}
	}
	return artifact.ConfigArtifact{}, false
}
