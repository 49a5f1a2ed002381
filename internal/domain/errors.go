package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable machine-readable classification for pipeline errors.
// Codes are part of the operational contract: they appear in logs, metrics,
// and DispatchFailed events, and must not change between releases.
type ErrorCode string

const (
	CodeInvalidInput       ErrorCode = "invalid_input"
	CodeComputation        ErrorCode = "computation_invariant"
	CodeCapacityExhausted  ErrorCode = "capacity_exhausted"
	CodeNoEligiblePlatform ErrorCode = "no_eligible_platform"
	CodeTransportTimeout   ErrorCode = "transport_timeout"
	CodeTransportServer    ErrorCode = "transport_server"
	CodeTransportClient    ErrorCode = "transport_client"
	CodeTransportMalformed ErrorCode = "transport_malformed"
	CodeLedgerInvariant    ErrorCode = "ledger_invariant"
	CodeDependency         ErrorCode = "dependency_unavailable"
)

// retryableCodes lists the codes that a caller may retry after backoff.
var retryableCodes = map[ErrorCode]bool{
	CodeCapacityExhausted:  true,
	CodeTransportTimeout:   true,
	CodeTransportServer:    true,
	CodeTransportMalformed: true, // retried once by the transport layer
	CodeDependency:         true,
}

// PipelineError carries an ErrorCode alongside the wrapped cause.
type PipelineError struct {
	Code ErrorCode
	Op   string // the operation that failed, e.g. "routing.reserve"
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Retryable reports whether the error class is safe to retry.
func (e *PipelineError) Retryable() bool { return retryableCodes[e.Code] }

// E wraps err with an operation name and a stable code.
func E(code ErrorCode, op string, err error) *PipelineError {
	return &PipelineError{Code: code, Op: op, Err: err}
}

// Errorf builds a PipelineError from a format string.
func Errorf(code ErrorCode, op, format string, args ...interface{}) *PipelineError {
	return &PipelineError{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the ErrorCode from err, or "" if err carries none.
func CodeOf(err error) ErrorCode {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsRetryable reports whether err (at any wrap depth) is retryable.
// Unclassified errors are treated as non-retryable.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// Sentinel errors for routing and ledger outcomes that callers branch on.
var (
	// ErrNoEligiblePlatform means no candidate platform accepts the lead
	// under the current configuration. Non-retryable for this tick.
	ErrNoEligiblePlatform = errors.New("no eligible platform")

	// ErrCapacityExhausted means every candidate platform has zero
	// available slots in the current window. Retryable after reset.
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrInvalidLedgerTransition means a transaction state change was
	// requested that the ledger state machine does not allow.
	ErrInvalidLedgerTransition = errors.New("invalid ledger transition")

	// ErrDuplicateFeedback means this (lead, feedback) pair was already
	// applied. Callers treat it as a successful no-op.
	ErrDuplicateFeedback = errors.New("duplicate feedback")
)

// ComputationError signals a scoring invariant violation (weight sum
// mismatch, negative component). It is never produced for missing inputs.
type ComputationError struct {
	Reason string
}

func (e *ComputationError) Error() string {
	return "scoring computation invariant: " + e.Reason
}
