//go:build !linux

package processstate

import "time"

func startTime(pid int) (time.Time, bool) {
	return time.Time{}, false
}
