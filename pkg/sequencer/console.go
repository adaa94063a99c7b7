package sequencer

import (
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/cai-cerberus/bootseq/pkg/artifact"
	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/health"
	"github.com/cai-cerberus/bootseq/pkg/preflight"
	"github.com/cai-cerberus/bootseq/pkg/services"
	"github.com/cai-cerberus/bootseq/pkg/teardown"
)

// Console prints one status line per check, artifact or service. It is safe
// for concurrent use by parallel starts.
type Console struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time

	ok      lipgloss.Style
	failed  lipgloss.Style
	pending lipgloss.Style
	stopped lipgloss.Style
	warn    lipgloss.Style
	subtle  lipgloss.Style
	header  lipgloss.Style
}

func NewConsole(out io.Writer, now func() time.Time) *Console {
	if now == nil {
		now = time.Now
	}
	// colors only when out is a terminal
	r := lipgloss.NewRenderer(out)
	return &Console{
		out:     out,
		now:     now,
		ok:      r.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		failed:  r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		pending: r.NewStyle().Foreground(lipgloss.Color("12")),
		stopped: r.NewStyle().Foreground(lipgloss.Color("8")).Bold(true),
		warn:    r.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		subtle:  r.NewStyle().Foreground(lipgloss.Color("8")),
		header:  r.NewStyle().Bold(true).Underline(true),
	}
}

func (c *Console) line(style lipgloss.Style, tag, name, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%s %-24s %s\n", style.Render(fmt.Sprintf("%-7s", tag)), name, detail)
}

func (c *Console) Header(title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, c.header.Render(title))
}

func (c *Console) Println(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, text)
}

func (c *Console) Note(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, c.subtle.Render(text))
}

// describe renders err with its context keys when it is a DomainError.
func describe(err error) string {
	var domainErr *errors.DomainError
	if stderrors.As(err, &domainErr) {
		return domainErr.Detail()
	}
	return err.Error()
}

func (c *Console) Check(item preflight.CheckItem) {
	name := string(item.Kind) + " " + item.Name
	switch {
	case item.OK:
		c.line(c.ok, "ok", name, item.Message)
	case item.Warning:
		c.line(c.warn, "warn", name, item.Message)
	default:
		c.line(c.failed, "failed", name, item.Message)
	}
}

func (c *Console) Artifact(result artifact.Result) {
	switch {
	case result.Written && result.DryRun:
		c.line(c.pending, "change", result.ID, result.Path+" would be written")
	case result.Written && result.BackupPath != "":
		c.line(c.ok, "ok", result.ID, fmt.Sprintf("%s written, previous content in %s", result.Path, result.BackupPath))
	case result.Written:
		c.line(c.ok, "ok", result.ID, result.Path+" written")
	default:
		c.line(c.ok, "ok", result.ID, result.Path+" unchanged")
	}
}

func (c *Console) ArtifactFailed(id string, err error) {
	c.line(c.failed, "failed", id, describe(err))
}

func (c *Console) Pending(handle *services.ServiceHandle) {
	c.line(c.pending, "pending", handle.Name(), "starting "+string(handle.Service.Kind))
}

// Started reports how a start attempt ended: already running, started, or failed.
func (c *Console) Started(handle *services.ServiceHandle) {
	switch {
	case handle.Err != nil:
		c.line(c.failed, "failed", handle.Name(), "failed to start: "+describe(handle.Err))
		if handle.LastOutput != "" {
			c.Note(indent(handle.LastOutput))
		}
	case handle.AlreadyRunning:
		c.line(c.ok, "ok", handle.Name(), "already running")
	default:
		detail := "started successfully in " + handle.Elapsed.Round(10*time.Millisecond).String()
		if handle.PID > 0 {
			detail += fmt.Sprintf(", pid %d", handle.PID)
		}
		c.line(c.ok, "ok", handle.Name(), detail)
	}
}

func (c *Console) Skipped(handle *services.ServiceHandle, dependency string) {
	c.line(c.failed, "failed", handle.Name(), "not started, dependency "+dependency+" failed")
}

func (c *Console) Stopped(result teardown.Result, err error) {
	switch result.Outcome {
	case teardown.OutcomeNotRunning:
		detail := "not running"
		if result.StaleRecordRemoved {
			detail += ", stale record removed"
		}
		c.line(c.stopped, "stopped", result.Service, detail)
	case teardown.OutcomeStopped:
		c.line(c.stopped, "stopped", result.Service, "stopped in "+result.Elapsed.Round(10*time.Millisecond).String())
	case teardown.OutcomeForced:
		c.line(c.warn, "killed", result.Service, "ignored the termination signal and was killed")
	default:
		detail := "still running"
		if err != nil {
			detail = describe(err)
		}
		c.line(c.failed, "failed", result.Service, detail)
	}
}

func (c *Console) Health(report health.ServiceReport) {
	var detail []string
	if report.Message != "" {
		detail = append(detail, report.Message)
	}
	if report.PID > 0 {
		detail = append(detail, fmt.Sprintf("pid %d", report.PID))
	}
	if len(report.ContainerIDs) > 0 {
		detail = append(detail, fmt.Sprintf("%d containers", len(report.ContainerIDs)))
	}
	if report.StartedAt != nil {
		detail = append(detail, "started "+humanize.RelTime(*report.StartedAt, c.now(), "ago", "from now"))
	}
	if report.StaleRecordRemoved {
		detail = append(detail, "stale record removed")
	}
	text := strings.Join(detail, ", ")

	switch report.State {
	case health.StateHealthy:
		c.line(c.ok, "ok", report.Service, text)
	case health.StateNotRunning:
		c.line(c.stopped, "stopped", report.Service, text)
	case health.StateUnhealthy:
		c.line(c.failed, "failed", report.Service, "unhealthy: "+text)
	default:
		c.line(c.warn, "unknown", report.Service, "probe failed: "+text)
	}
}

// Summary prints the final line of a command.
func (c *Console) Summary(command string, total, failed int, elapsed time.Duration) {
	style := c.ok
	if failed > 0 {
		style = c.failed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, style.Render(fmt.Sprintf("%s: %d/%d ok in %s", command, total-failed, total, elapsed.Round(10*time.Millisecond))))
}

func indent(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "        " + line
	}
	return strings.Join(lines, "\n")
}
