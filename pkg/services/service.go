package services

import (
	"fmt"
	"regexp"
	"time"

	"github.com/cai-cerberus/bootseq/pkg/containers"
	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/monitoring"
	"github.com/cai-cerberus/bootseq/pkg/process"
)

// Kind selects how a service is launched and stopped.
type Kind string

const (
	// KindProcess is a local program spawned detached and tracked by pid.
	KindProcess Kind = "process"
	// KindCompose is a docker compose project.
	KindCompose Kind = "compose"
	// KindCommand is controlled through start/stop commands of another tool.
	KindCommand Kind = "command"
)

// ManagedService is a service declaration as loaded from configuration.
// It is not modified after the configuration is loaded.
type ManagedService struct {
	Name         string                 `yaml:"name"`
	Kind         Kind                   `yaml:"kind"`
	Enabled      *bool                  `yaml:"enabled,omitempty"`
	DependsOn    []string               `yaml:"depends_on,omitempty"`
	Artifacts    []string               `yaml:"artifacts,omitempty"`
	Timeout      time.Duration          `yaml:"timeout,omitempty"`
	PollInterval time.Duration          `yaml:"poll_interval,omitempty"`
	GracePeriod  time.Duration          `yaml:"grace_period,omitempty"`
	LogFile      string                 `yaml:"log_file,omitempty"`
	Launch       process.CommandSpec    `yaml:"launch,omitempty"`
	Compose      containers.ComposeSpec `yaml:"compose,omitempty"`
	Stop         process.CommandSpec    `yaml:"stop,omitempty"`
	Kill         process.CommandSpec    `yaml:"kill,omitempty"`
	Logs         process.CommandSpec    `yaml:"logs,omitempty"`
	Probe        monitoring.ProbeConfig `yaml:"probe"`
}

func (s *ManagedService) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// minDuration guards against bare integers, which YAML decodes as nanoseconds.
const minDuration = time.Millisecond

func ValidateDuration(name string, d time.Duration) error {
	if d < 0 {
		return errors.NewValidationError(fmt.Sprintf("%s cannot be negative", name), nil)
	}
	if d > 0 && d < minDuration {
		return errors.NewValidationError(fmt.Sprintf("%s is too short, use a unit such as \"30s\"", name), nil).WithContext("value", d.String())
	}
	return nil
}

// ValidateManagedService checks a single declaration. References to other
// services and artifacts are checked by ValidateServices and the config loader.
func ValidateManagedService(svc *ManagedService) error {
	if !namePattern.MatchString(svc.Name) {
		return errors.NewValidationError("invalid service name", nil).WithContext("name", svc.Name)
	}

	for name, d := range map[string]time.Duration{
		"timeout":       svc.Timeout,
		"poll_interval": svc.PollInterval,
		"grace_period":  svc.GracePeriod,
	} {
		if err := ValidateDuration(name, d); err != nil {
			return err
		}
	}

	switch svc.Kind {
	case KindProcess:
		if err := process.ValidateCommandSpec(svc.Launch); err != nil {
			return errors.NewValidationError("invalid launch command", err)
		}
		if !svc.Compose.IsZero() || !svc.Stop.IsZero() || !svc.Kill.IsZero() {
			return errors.NewValidationError("process services take no compose, stop or kill section", nil)
		}
	case KindCompose:
		if err := containers.ValidateComposeSpec(svc.Compose); err != nil {
			return errors.NewValidationError("invalid compose section", err)
		}
		if !svc.Launch.IsZero() || !svc.Stop.IsZero() || !svc.Kill.IsZero() {
			return errors.NewValidationError("compose services take no launch, stop or kill section", nil)
		}
	case KindCommand:
		if err := process.ValidateCommandSpec(svc.Launch); err != nil {
			return errors.NewValidationError("invalid launch command", err)
		}
		if err := process.ValidateCommandSpec(svc.Stop); err != nil {
			return errors.NewValidationError("invalid stop command", err)
		}
		if !svc.Kill.IsZero() {
			if err := process.ValidateCommandSpec(svc.Kill); err != nil {
				return errors.NewValidationError("invalid kill command", err)
			}
		}
	case "":
		return errors.NewValidationError("service kind is required", nil)
	default:
		return errors.NewValidationError(fmt.Sprintf("unsupported service kind: %s", svc.Kind), nil).
			WithContext("supported_kinds", "process, compose, command")
	}

	if !svc.Logs.IsZero() {
		if err := process.ValidateCommandSpec(svc.Logs); err != nil {
			return errors.NewValidationError("invalid logs command", err)
		}
	}

	if err := monitoring.ValidateProbeConfig(svc.Probe); err != nil {
		return errors.NewValidationError("invalid probe", err)
	}
	if svc.Probe.Type == monitoring.ProbeTypeProcess && svc.Kind != KindProcess {
		return errors.NewValidationError("process probe requires a process service", nil)
	}
	if svc.Probe.Type == monitoring.ProbeTypeCompose && svc.Kind != KindCompose {
		return errors.NewValidationError("compose probe requires a compose service", nil)
	}
	return nil
}

// ValidateServices checks each declaration, name uniqueness and the dependency graph.
func ValidateServices(list []ManagedService) error {
	seen := make(map[string]bool, len(list))
	for i := range list {
		svc := &list[i]
		if err := ValidateManagedService(svc); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid service at index %d", i), err).WithContext("service", svc.Name)
		}
		if seen[svc.Name] {
			return errors.NewValidationError("duplicate service name", nil).WithContext("service", svc.Name)
		}
		seen[svc.Name] = true
	}
	for i := range list {
		for _, dep := range list[i].DependsOn {
			if !seen[dep] {
				return errors.NewValidationError("unknown dependency", nil).
					WithContext("service", list[i].Name).WithContext("depends_on", dep)
			}
			if dep == list[i].Name {
				return errors.NewValidationError("service depends on itself", nil).WithContext("service", dep)
			}
		}
	}
	_, err := Levels(list)
	return err
}
