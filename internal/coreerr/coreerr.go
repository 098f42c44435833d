// Package coreerr defines the closed set of error kinds the job
// orchestration core raises. Callers (CLI, orchestrator, scheduler) type-switch
// or errors.As against these instead of matching on error strings.
package coreerr

import (
	"errors"
	"fmt"
)

// ValidationError reports bad input: a malformed name, an illegal status
// transition, a malformed cluster config. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Message)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// CircularDependency reports a job dependency edge that would close a
// cycle. The Store builds it from the graph utility's result; CyclePath
// holds the job ids along the cycle.
type CircularDependency struct {
	CyclePath []string
	Context   string
}

func (e *CircularDependency) Error() string {
	return fmt.Sprintf("circular dependency in %s: %v", e.Context, e.CyclePath)
}

// NotFound reports a missing job, cluster, or workflow.
type NotFound struct {
	Kind string
	ID   any
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s not found: %v", e.Kind, e.ID)
}

func NewNotFound(kind string, id any) *NotFound {
	return &NotFound{Kind: kind, ID: id}
}

// ConflictError reports a unique-name violation or a duplicate dependency edge.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return fmt.Sprintf("conflict: %s", e.Message) }

func NewConflictError(message string) *ConflictError { return &ConflictError{Message: message} }

// StorageError wraps a store write failure that survived retries. The
// transaction it originated from is guaranteed to have rolled back.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// ConnectivityError reports a network/SSH failure. Retryable with backoff at
// the runner level; surfaced once backoff is exhausted.
type ConnectivityError struct {
	Host string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity to %s: %v", e.Host, e.Err)
}
func (e *ConnectivityError) Unwrap() error { return e.Err }

func NewConnectivityError(host string, err error) *ConnectivityError {
	return &ConnectivityError{Host: host, Err: err}
}

// HostKeyUnverifiable reports a host key mismatch or missing pin. It is
// always surfaced — never silently swallowed.
type HostKeyUnverifiable struct {
	Host       string
	Fingerprint string
}

func (e *HostKeyUnverifiable) Error() string {
	return fmt.Sprintf("host key for %s could not be verified (fingerprint %s); run: ssh-keyscan -t ed25519 %s >> known_hosts",
		e.Host, e.Fingerprint, e.Host)
}

// RunnerError reports a generic remote-side failure, including the exit
// code when one is available.
type RunnerError struct {
	Kind      string
	Retriable bool
	Message   string
	ExitCode  *int
}

func (e *RunnerError) Error() string {
	if e.ExitCode != nil {
		return fmt.Sprintf("runner error (%s, exit=%d): %s", e.Kind, *e.ExitCode, e.Message)
	}
	return fmt.Sprintf("runner error (%s): %s", e.Kind, e.Message)
}

// NewRunnerError builds a RunnerError with no associated exit code.
func NewRunnerError(kind string, retriable bool, message string) *RunnerError {
	return &RunnerError{Kind: kind, Retriable: retriable, Message: message}
}

// NewRunnerErrorf builds a non-retriable RunnerError with a formatted
// message, for the common case of wrapping an unexpected local failure.
func NewRunnerErrorf(kind, format string, args ...any) *RunnerError {
	return &RunnerError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewRunnerErrorWithExit builds a RunnerError carrying the remote exit code.
func NewRunnerErrorWithExit(kind string, exitCode int, message string) *RunnerError {
	return &RunnerError{Kind: kind, ExitCode: &exitCode, Message: message}
}

// Timeout reports that an awaited operation exceeded its bound.
type Timeout struct {
	Op      string
	Elapsed string
}

func (e *Timeout) Error() string { return fmt.Sprintf("timeout: %s exceeded bound (%s)", e.Op, e.Elapsed) }

// ExitCode maps err to the CLI exit-code contract: 0 ok, 1 generic,
// 2 validation, 3 not found, 4 dependency cycle, 5 connectivity.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch {
	case as[*ValidationError](err):
		return 2
	case as[*NotFound](err):
		return 3
	case as[*CircularDependency](err):
		return 4
	case as[*ConnectivityError](err), as[*HostKeyUnverifiable](err):
		return 5
	default:
		return 1
	}
}

func as[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
