package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/logging"
)

// SpawnOptions describes a long-running process started in its own process group.
type SpawnOptions struct {
	Spec CommandSpec
	// Env is the full base environment; Spec.Env is appended.
	Env []string
	// LogFile receives stdout and stderr, opened in append mode. Empty discards output.
	LogFile string
}

// Spawned is a started process. It outlives the invoking bootseq process;
// Exited only fires while this process is still around to observe it.
type Spawned struct {
	Pid       int
	StartedAt time.Time

	exited  chan struct{}
	exitErr error
}

// Exited is closed once the process has exited and been reaped.
func (s *Spawned) Exited() <-chan struct{} {
	return s.exited
}

// ExitErr returns the wait error after Exited fires; nil means exit status 0.
func (s *Spawned) ExitErr() error {
	select {
	case <-s.exited:
		return s.exitErr
	default:
		return nil
	}
}

// Spawn starts a detached process. It takes no context: cancelling a start
// must not kill what was started.
func Spawn(opts SpawnOptions, logger logging.Logger) (*Spawned, error) {
	if err := ValidateCommandSpec(opts.Spec); err != nil {
		return nil, err
	}

	cmd := exec.Command(opts.Spec.Command, opts.Spec.Args...)
	cmd.Dir = opts.Spec.WorkingDirectory
	cmd.Env = MergeEnv(opts.Env, opts.Spec.Env)
	setupProcessAttributes(cmd)

	var logFile *os.File
	if opts.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogFile), 0755); err != nil {
			return nil, errors.NewIOError("failed to create log directory", err).WithContext("log_file", opts.LogFile)
		}
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, errors.NewIOError("failed to open log file", err).WithContext("log_file", opts.LogFile)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	logger.Infof("Spawning process, cmd: %s, dir: %s, log_file: %s", opts.Spec, opts.Spec.WorkingDirectory, opts.LogFile)

	err := cmd.Start()
	if logFile != nil {
		// the child holds its own descriptor
		logFile.Close()
	}
	if err != nil {
		if isNotFound(err) {
			return nil, errors.NewNotFoundError("command not found", err).WithContext("command", opts.Spec.Command)
		}
		return nil, errors.NewProcessError("failed to start the process", err).WithContext("command", opts.Spec.String())
	}

	spawned := &Spawned{
		Pid:       cmd.Process.Pid,
		StartedAt: time.Now(),
		exited:    make(chan struct{}),
	}
	go func() {
		spawned.exitErr = cmd.Wait()
		close(spawned.exited)
	}()

	logger.Infof("Process spawned, pid: %d, cmd: %s", spawned.Pid, opts.Spec)
	return spawned, nil
}
