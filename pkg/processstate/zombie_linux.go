//go:build linux

package processstate

import (
	"bytes"
	"fmt"
	"os"
)

// isZombie reads the state field of /proc/<pid>/stat. The comm field may contain
// spaces and parentheses, so the state is taken after the last ')'.
func isZombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	idx := bytes.LastIndexByte(data, ')')
	if idx < 0 || idx+2 >= len(data) {
		return false
	}
	return data[idx+2] == 'Z'
}
