//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/processstate"
)

func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// SendTerminationSignal has no graceful equivalent for detached processes on
// Windows; it terminates the process.
func SendTerminationSignal(pid int) error {
	return SendKillSignal(pid)
}

func SendKillSignal(pid int) error {
	if running, _ := processstate.IsProcessRunning(pid); !running {
		return errors.NewNotFoundError("process not found", nil).WithContext("pid", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return errors.NewNotFoundError("process not found", err).WithContext("pid", pid)
	}
	if err := proc.Kill(); err != nil {
		return errors.NewProcessError("failed to kill process", err).WithContext("pid", pid)
	}
	return nil
}
