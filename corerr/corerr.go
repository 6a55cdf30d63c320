// Package corerr defines the closed error taxonomy shared by every core
// package. Each error kind carries a stable Code for metrics labelling, a
// human-readable message, and, when the failure happened at or after the
// first response byte, the partial response for diagnostics.
package corerr

import (
	"errors"
	"fmt"
)

// Code is a stable, metrics-label-safe identifier for an error kind.
type Code string

const (
	CodeTransport           Code = "transport_error"
	CodeDeadlineExceeded    Code = "deadline_exceeded"
	CodeTooManyRedirects    Code = "too_many_redirects"
	CodeGateBusy            Code = "gate_busy"
	CodeOriginDenied        Code = "origin_denied"
	CodeChallengeUnsolvable Code = "challenge_unsolvable"
	CodeSandboxTimeout      Code = "sandbox_timeout"
	CodeSandboxMemory       Code = "sandbox_memory"
	CodeProtocol            Code = "protocol_error"
)

// PartialResponse carries the diagnostic remnant of a response that failed
// after the first byte arrived: just enough to explain what happened without
// pulling in the pipeline package (which would create an import cycle).
type PartialResponse struct {
	StatusCode int
	Headers    map[string][]string
}

// coreError is the concrete type behind every exported error constructor.
// It is unexported so callers are pushed toward errors.As with the typed
// wrappers below rather than type-asserting on an internal struct.
type coreError struct {
	code    Code
	message string
	url     string
	partial *PartialResponse
	cause   error
}

func (e *coreError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.code, e.message)
	if e.url != "" {
		msg = fmt.Sprintf("%s (url=%s)", msg, e.url)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *coreError) Unwrap() error { return e.cause }

// Code returns the stable error code, suitable as a metrics label.
func (e *coreError) Code() Code { return e.code }

// Partial returns the partial response captured when the error occurred at
// or after the first response byte, or nil if none was captured.
func (e *coreError) Partial() *PartialResponse { return e.partial }

// TransportError reports a DNS, TCP, TLS, or stream I/O failure.
type TransportError struct {
	*coreError
	Retriable bool
}

// NewTransportError builds a TransportError for url wrapping cause.
// retriable marks the transient classes (connection refused, reset, timeout)
// that are eligible for the idempotent-retry policy.
func NewTransportError(url string, retriable bool, cause error) *TransportError {
	return &TransportError{
		coreError: &coreError{code: CodeTransport, message: "network or TLS failure", url: url, cause: cause},
		Retriable: retriable,
	}
}

// DeadlineExceededError reports that a per-request deadline elapsed at a
// suspension point (rate-limiter wait, connection checkout, DNS, connect,
// TLS, or frame I/O).
type DeadlineExceededError struct{ *coreError }

func NewDeadlineExceeded(url string) *DeadlineExceededError {
	return &DeadlineExceededError{&coreError{code: CodeDeadlineExceeded, message: "deadline exceeded", url: url}}
}

// TooManyRedirectsError reports that the configured redirect limit was
// exceeded.
type TooManyRedirectsError struct{ *coreError }

func NewTooManyRedirects(url string, limit int) *TooManyRedirectsError {
	return &TooManyRedirectsError{&coreError{code: CodeTooManyRedirects, message: fmt.Sprintf("exceeded %d redirects", limit), url: url}}
}

// GateBusyError reports that no Permit became available before the deadline.
type GateBusyError struct{ *coreError }

func NewGateBusy(url string) *GateBusyError {
	return &GateBusyError{&coreError{code: CodeGateBusy, message: "concurrency gate saturated", url: url}}
}

// OriginDeniedError reports that the Session's origin whitelist rejected the
// request's host before any network activity occurred.
type OriginDeniedError struct{ *coreError }

func NewOriginDenied(url, host string) *OriginDeniedError {
	return &OriginDeniedError{&coreError{code: CodeOriginDenied, message: fmt.Sprintf("host %q not in whitelist", host), url: url}}
}

// UnsolvableReason enumerates why the challenge Solver gave up.
type UnsolvableReason string

const (
	ReasonInteractive UnsolvableReason = "Interactive"
	ReasonExtract     UnsolvableReason = "Extract"
	ReasonSandbox     UnsolvableReason = "Sandbox"
	ReasonVerify      UnsolvableReason = "Verify"
	ReasonMaxAttempts UnsolvableReason = "MaxAttempts"
	ReasonRateLimited UnsolvableReason = "RateLimited"
)

// ChallengeUnsolvableError reports that the Solver state machine reached
// Fail. The underlying cause (sandbox error, extraction error, …) is
// contained and reachable via Unwrap.
type ChallengeUnsolvableError struct {
	*coreError
	Reason UnsolvableReason
}

func NewChallengeUnsolvable(url string, reason UnsolvableReason, cause error) *ChallengeUnsolvableError {
	return &ChallengeUnsolvableError{
		coreError: &coreError{code: CodeChallengeUnsolvable, message: fmt.Sprintf("solver failed: %s", reason), url: url, cause: cause},
		Reason:    reason,
	}
}

// SandboxTimeoutError reports that JS evaluation exceeded its wall-time
// ceiling.
type SandboxTimeoutError struct{ *coreError }

func NewSandboxTimeout() *SandboxTimeoutError {
	return &SandboxTimeoutError{&coreError{code: CodeSandboxTimeout, message: "script exceeded wall-time limit"}}
}

// SandboxMemoryError reports that JS evaluation exceeded its memory ceiling.
type SandboxMemoryError struct{ *coreError }

func NewSandboxMemory() *SandboxMemoryError {
	return &SandboxMemoryError{&coreError{code: CodeSandboxMemory, message: "script exceeded memory limit"}}
}

// ProtocolError reports malformed wire data: an invalid HTTP/2 frame, bad
// chunked encoding, or (in strict mode) invalid Set-Cookie syntax.
type ProtocolError struct{ *coreError }

func NewProtocolError(url string, cause error) *ProtocolError {
	return &ProtocolError{&coreError{code: CodeProtocol, message: "malformed wire data", url: url, cause: cause}}
}

// coded is satisfied by every exported error type here via method
// promotion from the embedded *coreError.
type coded interface {
	Code() Code
}

type partialSetter interface {
	setPartial(statusCode int, headers map[string][]string)
}

func (e *coreError) setPartial(statusCode int, headers map[string][]string) {
	e.partial = &PartialResponse{StatusCode: statusCode, Headers: headers}
}

// WithPartial attaches a partial response to any corerr error type and
// returns the same error so it can be used inline:
//
//	return corerr.WithPartial(corerr.NewTransportError(url, false, err), status, hdr)
func WithPartial(err error, statusCode int, headers map[string][]string) error {
	var ps partialSetter
	if errors.As(err, &ps) {
		ps.setPartial(statusCode, headers)
	}
	return err
}

// CodeOf extracts the stable Code from any corerr error, or "" if err is not
// one of this package's types.
func CodeOf(err error) Code {
	var c coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}
