package processstate

import (
	"fmt"
	"time"
)

// IsProcessRunning reports whether pid refers to a live process.
// Zombies count as dead: their PidRecord is stale and must be cleaned up.
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("invalid PID: %d", pid)
	}
	return isRunning(pid)
}

// startTimeSlack covers the whole-second resolution of the boot time and the
// gap between fork and the moment the spawner records its start.
const startTimeSlack = 5 * time.Second

// StartTime returns when pid started. ok is false when the platform does not
// expose it or the process is gone.
func StartTime(pid int) (time.Time, bool) {
	if pid <= 0 {
		return time.Time{}, false
	}
	return startTime(pid)
}

// IsSameProcess reports whether pid still belongs to the process recorded as
// started at startedAt. A process that started later reuses a recycled pid.
// Without a known start time on either side the answer is true.
func IsSameProcess(pid int, startedAt time.Time) bool {
	if startedAt.IsZero() {
		return true
	}
	started, ok := StartTime(pid)
	if !ok {
		return true
	}
	return !started.After(startedAt.Add(startTimeSlack))
}
