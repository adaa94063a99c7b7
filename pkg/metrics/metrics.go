package metrics

import (
	"time"
)

// Collector records lifecycle metrics for one invocation.
type Collector interface {
	// StageDuration records how long a sequencer stage took.
	StageDuration(stage string, duration time.Duration, err error)
	// StartOutcome records the result of starting a service.
	StartOutcome(service string, outcome string, duration time.Duration)
	// ProbeOutcome records the outcome of a readiness probe run.
	ProbeOutcome(service string, outcome string)
	// TeardownOutcome records how a service was stopped.
	TeardownOutcome(service string, outcome string, duration time.Duration)
	// ArtifactWritten records an artifact check; written is false when it was up to date.
	ArtifactWritten(artifact string, written bool)
	// Flush exports the collected metrics, if the collector exports anywhere.
	Flush() error
}

type noopCollector struct{}

func (noopCollector) StageDuration(stage string, duration time.Duration, err error)          {}
func (noopCollector) StartOutcome(service string, outcome string, duration time.Duration)    {}
func (noopCollector) ProbeOutcome(service string, outcome string)                            {}
func (noopCollector) TeardownOutcome(service string, outcome string, duration time.Duration) {}
func (noopCollector) ArtifactWritten(artifact string, written bool)                          {}
func (noopCollector) Flush() error                                                           { return nil }

// NewNoopCollector returns a collector that records nothing.
func NewNoopCollector() Collector {
	return noopCollector{}
}
