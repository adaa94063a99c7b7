package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeProcess    ErrorType = "process"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypePermission ErrorType = "permission"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeCancelled  ErrorType = "cancelled"

	// Sequencer stage failures
	ErrorTypeMissingDependency  ErrorType = "missing_dependency"
	ErrorTypeNotAuthenticated   ErrorType = "not_authenticated"
	ErrorTypeConfigWrite        ErrorType = "config_write"
	ErrorTypeStartTimeout       ErrorType = "start_timeout"
	ErrorTypeProbeFailed        ErrorType = "probe_failed"
	ErrorTypeTeardownIncomplete ErrorType = "teardown_incomplete"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Detail renders the error together with its context, sorted by key, so that a
// single log line is actionable without re-running in verbose mode.
func (e *DomainError) Detail() string {
	if len(e.Context) == 0 {
		return e.Error()
	}
	keys := make([]string, 0, len(e.Context))
	for key := range e.Context {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", key, e.Context[key]))
	}
	return e.Error() + " (" + strings.Join(parts, ", ") + ")"
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewPermissionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePermission, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// Stage errors

func NewMissingDependencyError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeMissingDependency, message, cause)
}

func NewNotAuthenticatedError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotAuthenticated, message, cause)
}

func NewConfigWriteError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConfigWrite, message, cause)
}

func NewStartTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeStartTimeout, message, cause)
}

func NewProbeFailedError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProbeFailed, message, cause)
}

func NewTeardownIncompleteError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTeardownIncomplete, message, cause)
}

// Error checking helpers

func isType(err error, errorType ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == errorType
}

// TypeOf returns the type of the outermost DomainError in the chain, or an empty type.
func TypeOf(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// HasType reports whether any DomainError in the chain has the given type.
// Unlike the IsXxxError helpers it looks past wrapping domain errors.
func HasType(err error, errorType ErrorType) bool {
	for err != nil {
		if domainErr, ok := err.(*DomainError); ok && domainErr.Type == errorType {
			return true
		}
		if collection, ok := err.(*ErrorCollection); ok {
			for _, e := range collection.Errors {
				if HasType(e, errorType) {
					return true
				}
			}
			return false
		}
		err = errors.Unwrap(err)
	}
	return false
}

func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

func IsProcessError(err error) bool {
	return isType(err, ErrorTypeProcess)
}

func IsTimeoutError(err error) bool {
	return isType(err, ErrorTypeTimeout)
}

func IsPermissionError(err error) bool {
	return isType(err, ErrorTypePermission)
}

func IsIOError(err error) bool {
	return isType(err, ErrorTypeIO)
}

func IsInternalError(err error) bool {
	return isType(err, ErrorTypeInternal)
}

func IsCancelledError(err error) bool {
	return isType(err, ErrorTypeCancelled)
}

func IsMissingDependencyError(err error) bool {
	return isType(err, ErrorTypeMissingDependency)
}

func IsNotAuthenticatedError(err error) bool {
	return isType(err, ErrorTypeNotAuthenticated)
}

func IsConfigWriteError(err error) bool {
	return isType(err, ErrorTypeConfigWrite)
}

func IsStartTimeoutError(err error) bool {
	return isType(err, ErrorTypeStartTimeout)
}

func IsProbeFailedError(err error) bool {
	return isType(err, ErrorTypeProbeFailed)
}

func IsTeardownIncompleteError(err error) bool {
	return isType(err, ErrorTypeTeardownIncomplete)
}

// Error aggregation for bulk operations
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
