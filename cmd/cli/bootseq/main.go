package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"

	"github.com/cai-cerberus/bootseq/pkg/config"
	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/logging"
	"github.com/cai-cerberus/bootseq/pkg/sequencer"

	flags "github.com/jessevdk/go-flags"
)

type globalOptions struct {
	Config    string `short:"c" long:"config" default:"bootseq.yaml" description:"path to the configuration file"`
	LogFormat string `long:"log-format" default:"text" choice:"text" choice:"json" description:"log output format"`
	Verbose   bool   `short:"v" long:"verbose" description:"log at debug level"`
}

type ServiceOptions struct {
	Services []string `short:"s" long:"service" description:"service to act on, repeatable (default: all enabled services)"`
	Timeout  int      `short:"t" long:"timeout" description:"readiness timeout (start) or grace period (stop) in seconds"`
}

func (o ServiceOptions) runOptions() sequencer.RunOptions {
	return sequencer.RunOptions{
		Services: o.Services,
		Timeout:  time.Duration(o.Timeout) * time.Second,
	}
}

type app struct {
	global   globalOptions
	exitCode int
}

type setupCommand struct {
	ServiceOptions
	DryRun bool `long:"dry-run" description:"report which artifacts would change without writing them"`
	app    *app
}

func (c *setupCommand) Execute(args []string) error {
	opts := c.runOptions()
	opts.DryRun = c.DryRun
	return c.app.run(func(ctx context.Context, seq *sequencer.Sequencer) error {
		_, err := seq.Setup(ctx, opts)
		return err
	})
}

type startCommand struct {
	ServiceOptions
	Parallel bool `long:"parallel" description:"start independent services concurrently"`
	app      *app
}

func (c *startCommand) Execute(args []string) error {
	opts := c.runOptions()
	opts.Parallel = c.Parallel
	return c.app.run(func(ctx context.Context, seq *sequencer.Sequencer) error {
		_, err := seq.Start(ctx, opts)
		return err
	})
}

type stopCommand struct {
	ServiceOptions
	Remove bool `long:"remove" description:"also remove compose containers once stopped"`
	app    *app
}

func (c *stopCommand) Execute(args []string) error {
	opts := c.runOptions()
	opts.Remove = c.Remove
	return c.app.run(func(ctx context.Context, seq *sequencer.Sequencer) error {
		_, err := seq.Stop(ctx, opts)
		return err
	})
}

type statusCommand struct {
	ServiceOptions
	JSON bool `long:"json" description:"print the report as JSON"`
	app  *app
}

func (c *statusCommand) Execute(args []string) error {
	opts := c.runOptions()
	opts.JSON = c.JSON
	return c.app.run(func(ctx context.Context, seq *sequencer.Sequencer) error {
		_, err := seq.Status(ctx, opts)
		return err
	})
}

type logsCommand struct {
	ServiceOptions
	Lines int `short:"n" long:"lines" default:"50" description:"number of lines to show per service"`
	app   *app
}

func (c *logsCommand) Execute(args []string) error {
	opts := c.runOptions()
	opts.Lines = c.Lines
	return c.app.run(func(ctx context.Context, seq *sequencer.Sequencer) error {
		return seq.Logs(ctx, opts, os.Stdout)
	})
}

type verifyCommand struct {
	app *app
}

func (c *verifyCommand) Execute(args []string) error {
	return c.app.run(func(ctx context.Context, seq *sequencer.Sequencer) error {
		_, err := seq.Verify(ctx)
		return err
	})
}

func (a *app) newLogger(level string) (logging.Logger, func()) {
	if a.global.Verbose {
		level = "debug"
	}
	prefix := "module: bootseq , "

	if a.global.LogFormat == "json" {
		backend := logging.NewZapBackend(logging.ZapConfig{
			Level:  level,
			Format: "json",
			Output: os.Stderr,
		})
		return logging.NewLogger(prefix, backend.Funcs()), func() { _ = backend.Sync() }
	}

	minLevel, _ := logging.ParseLevel(level)
	logger := sprintfLogging.NewStdSprintfLogger()
	return logging.NewLogger(prefix, logging.FilterLevel(minLevel, logging.LogFuncs{
		Debugf: logger.Debugf,
		Infof:  logger.Infof,
		Warnf:  logger.Warnf,
		Errorf: logger.Errorf,
	})), func() {}
}

// run loads the configuration and environment once and hands a sequencer to
// command. Its error is mapped to the exit code.
func (a *app) run(command func(ctx context.Context, seq *sequencer.Sequencer) error) error {
	cfg, err := config.LoadConfigFromFile(a.global.Config)
	if err == nil {
		err = config.ValidateConfig(cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %s\n", detail(err))
		a.exitCode = sequencer.ExitError
		return nil
	}

	logger, sync := a.newLogger(cfg.Sequencer.LogLevel)
	defer sync()

	env, err := config.LoadEnvironment(os.Environ(), cfg.Sequencer.EnvFile)
	if err != nil {
		logger.Errorf("Failed to load environment, error: %v", err)
		fmt.Fprintf(os.Stderr, "Failed to load environment: %s\n", detail(err))
		a.exitCode = sequencer.ExitError
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seq := sequencer.NewSequencer(cfg, env, sequencer.Deps{}, logger)
	logger.Debugf("Running command, config: %s, run_id: %s, state_dir: %s", a.global.Config, seq.RunID(), cfg.Sequencer.StateDir)

	if err := command(ctx, seq); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", detail(err))
		a.exitCode = sequencer.ExitCode(err)
	}
	return nil
}

func detail(err error) string {
	var domainErr *errors.DomainError
	if stderrors.As(err, &domainErr) {
		return domainErr.Detail()
	}
	return err.Error()
}

func main() {
	a := &app{}
	parser := flags.NewParser(&a.global, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "bootseq"

	commands := []struct {
		name, short, long string
		data              interface{}
	}{
		{"setup", "Run preflight and write config artifacts", "Checks the host and brings every config artifact up to date. Nothing is written when a check fails.", &setupCommand{app: a}},
		{"start", "Start services", "Runs preflight, writes artifacts, then starts services in dependency order and waits for them to become ready.", &startCommand{app: a}},
		{"stop", "Stop services", "Stops services in reverse dependency order: termination signal, grace period, then kill.", &stopCommand{app: a}},
		{"status", "Probe services now", "Re-probes every service and reports healthy, unhealthy, not running or probe failed.", &statusCommand{app: a}},
		{"logs", "Show service logs", "Shows the last lines of output of each service.", &logsCommand{app: a}},
		{"verify", "Check every requirement", "Runs all preflight checks and required file checks and reports each of them.", &verifyCommand{app: a}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to register command %s: %v\n", c.name, err)
			os.Exit(sequencer.ExitError)
		}
	}

	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		var flagsErr *flags.Error
		if stderrors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(sequencer.ExitOK)
		}
		fmt.Fprintf(os.Stderr, "Command line flags parsing failed: %v\n", err)
		os.Exit(sequencer.ExitError)
	}
	os.Exit(a.exitCode)
}
