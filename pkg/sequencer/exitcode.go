package sequencer

import (
	stderrors "errors"

	"github.com/cai-cerberus/bootseq/pkg/errors"
)

// Exit codes returned by the CLI so calling automation can branch on them.
const (
	ExitOK              = 0
	ExitError           = 1
	ExitPreflightFailed = 2
	ExitStartTimeout    = 3
	ExitPartialFailure  = 4
)

// ExitCode maps the error of a command to a process exit code. Preflight
// failures win over everything else. A collection of service failures maps to
// ExitStartTimeout only when every failure is a start timeout.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.HasType(err, errors.ErrorTypeMissingDependency) || errors.HasType(err, errors.ErrorTypeNotAuthenticated) {
		return ExitPreflightFailed
	}

	var collection *errors.ErrorCollection
	if stderrors.As(err, &collection) {
		if len(collection.Errors) == 0 {
			return ExitOK
		}
		for _, e := range collection.Errors {
			if !errors.IsStartTimeoutError(e) {
				return ExitPartialFailure
			}
		}
		return ExitStartTimeout
	}

	switch errors.TypeOf(err) {
	case errors.ErrorTypeStartTimeout:
		return ExitStartTimeout
	case errors.ErrorTypeProbeFailed,
		errors.ErrorTypeTeardownIncomplete,
		errors.ErrorTypeProcess,
		errors.ErrorTypeNotFound,
		errors.ErrorTypeCancelled,
		errors.ErrorTypeTimeout:
		return ExitPartialFailure
	default:
		return ExitError
	}
}
