package containers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Container is one row of `compose ps`.
type Container struct {
	ID      string `json:"ID"`
	Name    string `json:"Name"`
	Service string `json:"Service"`
	State   string `json:"State"`
	Health  string `json:"Health"`
	Status  string `json:"Status"`
}

const (
	StateRunning = "running"

	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthStarting  = "starting"
)

// Ready reports whether the container is running and not failing its own healthcheck.
func (c Container) Ready() bool {
	return c.State == StateRunning && c.Health != HealthUnhealthy && c.Health != HealthStarting
}

// ParsePsJSON accepts both shapes compose has emitted over time: one JSON array,
// or one JSON object per line.
func ParsePsJSON(data []byte) ([]Container, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []Container{}, nil
	}

	if trimmed[0] == '[' {
		var containers []Container
		if err := json.Unmarshal(trimmed, &containers); err != nil {
			return nil, err
		}
		return containers, nil
	}

	var containers []Container
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var c Container
		if err := json.Unmarshal(line, &c); err != nil {
			return nil, err
		}
		containers = append(containers, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return containers, nil
}

// ParsePsTable is the text fallback for compose versions without JSON output.
// Columns are located by the header; only NAME and the state column are relied on.
//
//	NAME        COMMAND   SERVICE   STATUS                PORTS
//	litellm-1   "..."     litellm   running (healthy)     0.0.0.0:4000->4000/tcp
//
// compose v1 prints "Name  Command  State  Ports" with "Up" / "Exit 0" states.
func ParsePsTable(output string) ([]Container, error) {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, fmt.Errorf("empty ps output")
	}

	header := lines[0]
	nameCol := columnIndex(header, "NAME", "Name")
	serviceCol := columnIndex(header, "SERVICE")
	stateCol := columnIndex(header, "STATUS", "State")
	if nameCol < 0 || stateCol < 0 {
		return nil, fmt.Errorf("unrecognized ps header: %q", header)
	}

	var containers []Container
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "---") {
			continue
		}
		c := Container{
			Name:   field(line, nameCol),
			Status: field(line, stateCol),
		}
		if serviceCol >= 0 {
			c.Service = field(line, serviceCol)
		}
		c.State, c.Health = classifyStatus(c.Status)
		containers = append(containers, c)
	}
	return containers, nil
}

func columnIndex(header string, names ...string) int {
	for _, name := range names {
		if idx := strings.Index(header, name); idx >= 0 {
			return idx
		}
	}
	return -1
}

// field returns the value starting at col, widened left to the start of the
// token and right up to the next double space, so that values like
// "running (healthy)" stay whole and centered v1 headers still match.
func field(line string, col int) string {
	if col >= len(line) {
		return ""
	}
	start := col
	for start > 0 && line[start-1] != ' ' {
		start--
	}
	rest := strings.TrimLeft(line[start:], " ")
	if end := strings.Index(rest, "  "); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func classifyStatus(status string) (state string, health string) {
	lower := strings.ToLower(status)
	switch {
	case strings.Contains(lower, "(healthy)"):
		health = HealthHealthy
	case strings.Contains(lower, "(unhealthy)"):
		health = HealthUnhealthy
	case strings.Contains(lower, "starting"):
		health = HealthStarting
	}
	switch {
	case strings.HasPrefix(lower, "running"), strings.HasPrefix(lower, "up"):
		state = StateRunning
	case strings.HasPrefix(lower, "exit"):
		state = "exited"
	default:
		state = strings.Fields(lower + " unknown")[0]
	}
	return state, health
}

func lastLines(output string, n int) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
