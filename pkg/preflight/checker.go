package preflight

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/logging"
	"github.com/cai-cerberus/bootseq/pkg/process"
)

type CheckKind string

const (
	CheckKindCommand CheckKind = "command"
	CheckKindEnv     CheckKind = "env"
	CheckKindSession CheckKind = "session"
	CheckKindFile    CheckKind = "file"
)

// CheckItem is the result of one requirement check.
type CheckItem struct {
	Kind    CheckKind `json:"kind"`
	Name    string    `json:"name"`
	OK      bool      `json:"ok"`
	Warning bool      `json:"warning,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Report lists every check carried out, in order.
type Report struct {
	Items []CheckItem `json:"items"`
}

func (r *Report) add(item CheckItem) {
	r.Items = append(r.Items, item)
}

func (r Report) Failed() []CheckItem {
	var failed []CheckItem
	for _, item := range r.Items {
		if !item.OK && !item.Warning {
			failed = append(failed, item)
		}
	}
	return failed
}

// LookupEnvFunc resolves an environment variable from the loaded environment.
type LookupEnvFunc func(key string) (string, bool)

type CheckerOptions struct {
	Config      PreflightConfig
	RequiredEnv []string
	// EnvFile is named in remediation messages for missing variables.
	EnvFile   string
	LookupEnv LookupEnvFunc
	LookPath  process.LookPathFunc
	Runner    process.Runner
}

// Checker verifies the host is ready. It never changes anything.
type Checker struct {
	options CheckerOptions
	logger  logging.Logger
}

func NewChecker(options CheckerOptions, logger logging.Logger) *Checker {
	return &Checker{
		options: options,
		logger:  logger,
	}
}

// Check runs commands, required environment and session checks in that order
// and stops at the first failure. The returned error is MissingDependency or
// NotAuthenticated and carries the remediation text.
func (c *Checker) Check(ctx context.Context) (Report, error) {
	var report Report

	for _, req := range c.options.Config.Commands {
		item, err := c.checkCommand(req)
		report.add(item)
		if err != nil {
			return report, err
		}
	}

	for _, key := range c.options.RequiredEnv {
		item, err := c.checkEnv(key)
		report.add(item)
		if err != nil {
			return report, err
		}
	}

	if c.options.Config.Session != nil {
		item, err := c.checkSession(ctx, *c.options.Config.Session)
		report.add(item)
		if err != nil {
			return report, err
		}
	}

	c.logger.Infof("Preflight passed, checks: %d", len(report.Items))
	return report, nil
}

// Verify runs every check, including file requirements, without stopping at
// failures. Optional files that are missing are reported as warnings.
func (c *Checker) Verify(ctx context.Context) (Report, error) {
	var report Report
	collection := errors.NewErrorCollection()

	for _, req := range c.options.Config.Commands {
		item, err := c.checkCommand(req)
		report.add(item)
		collection.Add(err)
	}
	for _, key := range c.options.RequiredEnv {
		item, err := c.checkEnv(key)
		report.add(item)
		collection.Add(err)
	}
	if c.options.Config.Session != nil {
		item, err := c.checkSession(ctx, *c.options.Config.Session)
		report.add(item)
		collection.Add(err)
	}
	for _, req := range c.options.Config.Files {
		item, err := checkFile(req)
		report.add(item)
		collection.Add(err)
	}
	return report, collection.ToError()
}

func (c *Checker) checkCommand(req CommandRequirement) (CheckItem, error) {
	item := CheckItem{Kind: CheckKindCommand, Name: req.Name}
	path, err := c.options.LookPath(req.Name)
	if err != nil {
		remediation := req.Remediation
		if remediation == "" {
			remediation = fmt.Sprintf("install %s and make sure it is on PATH", req.Name)
		}
		item.Message = remediation
		c.logger.Errorf("Required command missing, command: %s, remediation: %s", req.Name, remediation)
		return item, errors.NewMissingDependencyError(fmt.Sprintf("%s not found", req.Name), err).
			WithContext("step", "preflight").
			WithContext("remediation", remediation)
	}
	item.OK = true
	item.Message = path
	c.logger.Debugf("Required command found, command: %s, path: %s", req.Name, path)
	return item, nil
}

func (c *Checker) checkEnv(key string) (CheckItem, error) {
	item := CheckItem{Kind: CheckKindEnv, Name: key}
	if value, ok := c.options.LookupEnv(key); ok && value != "" {
		item.OK = true
		return item, nil
	}
	remediation := fmt.Sprintf("set %s in the environment", key)
	if c.options.EnvFile != "" {
		remediation = fmt.Sprintf("set %s in the environment or in %s", key, c.options.EnvFile)
	}
	item.Message = remediation
	c.logger.Errorf("Required environment variable missing, name: %s", key)
	return item, errors.NewMissingDependencyError(fmt.Sprintf("environment variable %s is not set", key), nil).
		WithContext("step", "preflight").
		WithContext("remediation", remediation)
}

func (c *Checker) checkSession(ctx context.Context, check SessionCheck) (CheckItem, error) {
	item := CheckItem{Kind: CheckKindSession, Name: check.CommandSpec.String()}
	remediation := check.Remediation
	if remediation == "" {
		remediation = fmt.Sprintf("log in so that `%s` succeeds", check.CommandSpec)
	}

	result, err := c.options.Runner.Run(ctx, check.CommandSpec)
	if err != nil {
		item.Message = err.Error()
		if errors.IsNotFoundError(err) {
			return item, errors.NewMissingDependencyError(fmt.Sprintf("%s not found", check.Command), err).
				WithContext("step", "preflight")
		}
		return item, errors.NewNotAuthenticatedError("session check could not run", err).
			WithContext("step", "preflight").
			WithContext("remediation", remediation)
	}

	output := result.Output()
	authenticated := result.ExitCode == 0 &&
		(check.OutputContains == "" || strings.Contains(result.Stdout+result.Stderr, check.OutputContains))
	if !authenticated {
		item.Message = remediation
		c.logger.Errorf("Session check failed, cmd: %s, exit_code: %d", check.CommandSpec, result.ExitCode)
		return item, errors.NewNotAuthenticatedError("no authenticated session", nil).
			WithContext("step", "preflight").
			WithContext("remediation", remediation).
			WithContext("last_output", output)
	}
	item.OK = true
	return item, nil
}

func checkFile(req FileRequirement) (CheckItem, error) {
	item := CheckItem{Kind: CheckKindFile, Name: req.Path}
	fail := func(message string) (CheckItem, error) {
		if req.Remediation != "" {
			message = message + ", " + req.Remediation
		}
		item.Message = message
		if req.Optional {
			item.Warning = true
			return item, nil
		}
		return item, errors.NewMissingDependencyError(message, nil).
			WithContext("step", "verify").
			WithContext("path", req.Path)
	}

	info, err := os.Stat(req.Path)
	if err != nil {
		return fail("missing")
	}
	switch {
	case req.Type == FileTypeDirectory && !info.IsDir():
		return fail("not a directory")
	case req.Type != FileTypeDirectory && info.IsDir():
		return fail("is a directory")
	case req.Executable && info.Mode().Perm()&0o111 == 0:
		return fail("not executable")
	}
	item.OK = true
	return item, nil
}
