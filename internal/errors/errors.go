// Package errors provides error classification and handling for ssh-commander.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Exit codes returned by the CLI.
const (
	ExitOK     = 0 // dispatch completed, per-host failures included
	ExitFatal  = 1 // fatal condition before dispatch
	ExitHostIO = 2 // host list file could not be read
)

// Sentinel errors for fatal pre-dispatch conditions.
var (
	// ErrNoHosts is returned when the host list yields no valid address.
	ErrNoHosts = stderrors.New("no valid hosts found in host list")

	// ErrTrustDeclined is returned when the operator rejects unknown hosts.
	ErrTrustDeclined = stderrors.New("unknown hosts were not trusted, aborting")

	// ErrInterrupted is returned when a prompt or the setup phase is interrupted.
	ErrInterrupted = stderrors.New("interrupted")
)

// ErrorType represents the classification of errors
type ErrorType int

const (
	// SetupErrorType represents configuration, validation, or initialization errors
	SetupErrorType ErrorType = iota

	// InputErrorType represents an unreadable host list
	InputErrorType

	// TrustErrorType represents a declined host trust decision
	TrustErrorType

	// InterruptedErrorType represents an operator interrupt
	InterruptedErrorType

	// ConnectionErrorType represents network or SSH connection errors
	ConnectionErrorType

	// AuthenticationErrorType represents SSH authentication failures
	AuthenticationErrorType

	// ExecutionErrorType represents failures while driving the remote shell
	ExecutionErrorType

	// TimeoutErrorType represents timeout-related errors
	TimeoutErrorType

	// UnknownErrorType represents unclassified errors
	UnknownErrorType
)

// String returns a string representation of the error type
func (et ErrorType) String() string {
	switch et {
	case SetupErrorType:
		return "setup"
	case InputErrorType:
		return "input"
	case TrustErrorType:
		return "trust"
	case InterruptedErrorType:
		return "interrupted"
	case ConnectionErrorType:
		return "connection"
	case AuthenticationErrorType:
		return "authentication"
	case ExecutionErrorType:
		return "execution"
	case TimeoutErrorType:
		return "timeout"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an error with classification information
type ClassifiedError struct {
	Type     ErrorType
	Original error
	Message  string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	switch {
	case ce.Message != "" && ce.Original != nil:
		return ce.Message + ": " + ce.Original.Error()
	case ce.Message != "":
		return ce.Message
	case ce.Original != nil:
		return ce.Original.Error()
	}
	return "unknown error"
}

// Unwrap returns the original error for error unwrapping
func (ce *ClassifiedError) Unwrap() error {
	return ce.Original
}

// HostError attaches the responsible host and the failed operation to a cause.
type HostError struct {
	Host string
	Op   string
	Err  error
}

func (he *HostError) Error() string {
	return fmt.Sprintf("host %s: %s: %v", he.Host, he.Op, he.Err)
}

func (he *HostError) Unwrap() error {
	return he.Err
}

// NewHostError wraps err with host and operation. Returns nil for a nil err.
func NewHostError(host, op string, err error) error {
	if err == nil {
		return nil
	}
	return &HostError{Host: host, Op: op, Err: err}
}

// ClassifyError analyzes an error and returns its classification
func ClassifyError(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce
	}

	switch {
	case stderrors.Is(err, ErrNoHosts):
		return &ClassifiedError{Type: SetupErrorType, Original: err}
	case stderrors.Is(err, ErrTrustDeclined):
		return &ClassifiedError{Type: TrustErrorType, Original: err}
	case stderrors.Is(err, ErrInterrupted):
		return &ClassifiedError{Type: InterruptedErrorType, Original: err}
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case isInterruptError(errStr):
		return &ClassifiedError{Type: InterruptedErrorType, Original: err}
	case isAuthenticationError(errStr):
		return &ClassifiedError{Type: AuthenticationErrorType, Original: err}
	case isTimeoutError(errStr):
		return &ClassifiedError{Type: TimeoutErrorType, Original: err}
	case isConnectionError(errStr):
		return &ClassifiedError{Type: ConnectionErrorType, Original: err}
	case isExecutionError(errStr):
		return &ClassifiedError{Type: ExecutionErrorType, Original: err}
	}

	return &ClassifiedError{Type: UnknownErrorType, Original: err}
}

// ExitCode maps an error returned by a run to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if ClassifyError(err).Type == InputErrorType {
		return ExitHostIO
	}
	return ExitFatal
}

func isInterruptError(errStr string) bool {
	return strings.Contains(errStr, "context canceled") ||
		strings.Contains(errStr, "interrupted")
}

// isAuthenticationError checks if an error is related to SSH authentication
func isAuthenticationError(errStr string) bool {
	authKeywords := []string{
		"unable to authenticate",
		"no supported methods remain",
		"authentication failed",
		"permission denied",
		"hostkey verification failed",
		"knownhosts: key mismatch",
		"knownhosts: key is unknown",
	}

	for _, keyword := range authKeywords {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}

	return false
}

// isTimeoutError checks if an error is related to timeouts
func isTimeoutError(errStr string) bool {
	timeoutKeywords := []string{
		"timeout",
		"timed out",
		"deadline exceeded",
	}

	for _, keyword := range timeoutKeywords {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}

	return false
}

// isConnectionError checks if an error is related to network connectivity
func isConnectionError(errStr string) bool {
	connectionKeywords := []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"network is unreachable",
		"network unreachable",
		"no route to host",
		"host unreachable",
		"broken pipe",
		"handshake failed",
		"unexpected eof",
	}

	for _, keyword := range connectionKeywords {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}

	return false
}

// isExecutionError checks if an error is related to the remote shell channel
func isExecutionError(errStr string) bool {
	executionKeywords := []string{
		"request pty",
		"start shell",
		"open session",
		"write command",
		"read output",
	}

	for _, keyword := range executionKeywords {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}

	return false
}

// NewSetupError creates a new setup error
func NewSetupError(message string, original error) *ClassifiedError {
	return &ClassifiedError{Type: SetupErrorType, Original: original, Message: message}
}

// NewInputError creates a new input error
func NewInputError(message string, original error) *ClassifiedError {
	return &ClassifiedError{Type: InputErrorType, Original: original, Message: message}
}

// ErrorCollector collects and categorizes per-host errors
type ErrorCollector struct {
	errors map[ErrorType][]error
	count  int
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		errors: make(map[ErrorType][]error),
	}
}

// Add adds an error to the collector
func (ec *ErrorCollector) Add(err error) {
	if err == nil {
		return
	}

	classified := ClassifyError(err)
	ec.errors[classified.Type] = append(ec.errors[classified.Type], err)
	ec.count++
}

// Count returns the total number of errors
func (ec *ErrorCollector) Count() int {
	return ec.count
}

// CountByType returns the number of errors of a specific type
func (ec *ErrorCollector) CountByType(errorType ErrorType) int {
	return len(ec.errors[errorType])
}

// Summary returns a summary of all collected errors, ordered by type
func (ec *ErrorCollector) Summary() string {
	if ec.count == 0 {
		return "no errors"
	}

	var parts []string
	for t := SetupErrorType; t <= UnknownErrorType; t++ {
		if n := len(ec.errors[t]); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, t.String()))
		}
	}

	return fmt.Sprintf("total: %d errors (%s)", ec.count, strings.Join(parts, ", "))
}
