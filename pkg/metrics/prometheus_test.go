package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_StartOutcome(t *testing.T) {
	pc := NewPrometheusCollector("")

	pc.StartOutcome("litellm", "healthy", 4*time.Second)
	pc.StartOutcome("llama-server", "timeout", 30*time.Second)
	pc.StartOutcome("litellm", "already_running", 0)

	expected := `
		# HELP bootseq_service_starts_total Service start attempts by outcome
		# TYPE bootseq_service_starts_total counter
		bootseq_service_starts_total{outcome="already_running",service="litellm"} 1
		bootseq_service_starts_total{outcome="healthy",service="litellm"} 1
		bootseq_service_starts_total{outcome="timeout",service="llama-server"} 1
	`
	err := testutil.GatherAndCompare(pc.Registry(), strings.NewReader(expected), "bootseq_service_starts_total")
	assert.NoError(t, err)

	count, err := testutil.GatherAndCount(pc.Registry(), "bootseq_service_start_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPrometheusCollector_Counters(t *testing.T) {
	pc := NewPrometheusCollector("")

	pc.ProbeOutcome("litellm", "down")
	pc.ProbeOutcome("litellm", "down")
	pc.ProbeOutcome("litellm", "healthy")
	pc.TeardownOutcome("llama-server", "forced", 11*time.Second)
	pc.ArtifactWritten("litellm-env", true)
	pc.ArtifactWritten("litellm-env", false)
	pc.StageDuration("preflight", time.Second, nil)
	pc.StageDuration("launch", time.Second, errors.New("timeout"))

	assert.Equal(t, 2.0, testutil.ToFloat64(pc.probes.WithLabelValues("litellm", "down")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pc.teardowns.WithLabelValues("llama-server", "forced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pc.artifacts.WithLabelValues("litellm-env", "unchanged")))

	count, err := testutil.GatherAndCount(pc.Registry(), "bootseq_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPrometheusCollector_Flush(t *testing.T) {
	file := filepath.Join(t.TempDir(), "textfile", "bootseq.prom")
	pc := NewPrometheusCollector(file)
	pc.StartOutcome("litellm", "healthy", time.Second)

	require.NoError(t, pc.Flush())

	content, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(content), `bootseq_service_starts_total{outcome="healthy",service="litellm"} 1`)
	assert.Contains(t, string(content), "bootseq_last_run_timestamp_seconds")
}

func TestNewCollector(t *testing.T) {
	assert.IsType(t, noopCollector{}, NewCollector(""))
	assert.IsType(t, &PrometheusCollector{}, NewCollector("/tmp/bootseq.prom"))
	assert.NoError(t, NewNoopCollector().Flush())
}
