// Package errors provides standardized error codes for lmk.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (rpc, sync, mirror, state, ...)
//   - error: The specific error type within that domain
//
// Codes are stable and travel over the wire in response envelopes, so the
// widget runtime can branch on them without parsing messages.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// RPC domain - request correlator failures
	CodeSendTimeout      = "rpc.send_timeout"      // No transmission acknowledgement in time
	CodeResponseTimeout  = "rpc.response_timeout"  // Acknowledged, but no correlated response in time
	CodeApplicationError = "rpc.application_error" // Backend replied success=false, or malformed envelope
	CodeInvalidMethod    = "rpc.invalid_method"    // Backend does not know the method
	CodeCorrelatorClosed = "rpc.correlator_closed" // Correlator shut down while the call waited
	CodeDuplicateRequest = "rpc.duplicate_request" // Correlation ID already pending

	// Transport domain
	CodeTransportUnavailable = "transport.unavailable" // No connected channel

	// Sync domain - fallback loop classification
	CodePermanentSyncFailure = "sync.permanent_failure" // Session stale or sync function missing
	CodeTransientSyncFailure = "sync.transient_failure" // Anything else; loop keeps going

	// Mirror domain - best-effort HTTP session writes
	CodeMirrorWriteFailed = "mirror.write_failed" // PATCH returned non-200 or failed in transit

	// State domain - shared state store
	CodeUnknownField = "state.unknown_field" // Field is not part of the fixed schema

	// Server domain - WebSocket and HTTP host
	CodeServerUpgradeFailed   = "server.upgrade_failed"   // WebSocket upgrade failed
	CodeServerInvalidMessage  = "server.invalid_message"  // Malformed or invalid frame
	CodeServerRateLimited     = "server.rate_limited"     // Too many requests from one client
	CodeServerFunctionMissing = "server.function_missing" // Invoke target not registered

	// Storage domain - database and persistence errors
	CodeStorageNotFound    = "storage.not_found"    // Row or resource not found
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// Auth domain - tokens and auth sessions
	CodeAuthRequired    = "auth.required"     // Bearer token missing
	CodeAuthInvalid     = "auth.invalid"      // Token does not match any issued token
	CodeAuthNotComplete = "auth.not_complete" // Auth session not approved yet
	CodeAuthTimeout     = "auth.timeout"      // Auth session never completed
	CodeAuthCancelled   = "auth.cancelled"    // User cancelled the flow

	// Execution domain - monitored command runs
	CodeRunSpawnFailed = "run.spawn_failed" // Failed to start the command under a PTY

	// Keep-awake domain - sleep inhibitors held during monitored runs
	CodeKeepAwakeUnsupported   = "keepawake.unsupported"    // No inhibitor command on this OS
	CodeKeepAwakeAcquireFailed = "keepawake.acquire_failed" // Inhibitor command failed to start

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "rpc.send_timeout")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to wire responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors.

// SendTimeout creates an "rpc.send_timeout" error.
// The outbound frame never reported leaving the local boundary.
func SendTimeout(correlationID, method string) *CodedError {
	return New(CodeSendTimeout, fmt.Sprintf("request %s (%s) was not acknowledged in time", correlationID, method))
}

// ResponseTimeout creates an "rpc.response_timeout" error.
// The request was acknowledged but no correlated response arrived.
func ResponseTimeout(correlationID, method string) *CodedError {
	return New(CodeResponseTimeout, fmt.Sprintf("request %s (%s) got no response in time", correlationID, method))
}

// ApplicationError creates an "rpc.application_error" error carrying the
// backend's error message verbatim.
func ApplicationError(message string) *CodedError {
	if message == "" {
		message = "request failed"
	}
	return New(CodeApplicationError, message)
}

// InvalidMethod creates an "rpc.invalid_method" error.
func InvalidMethod(method string) *CodedError {
	return New(CodeInvalidMethod, fmt.Sprintf("Invalid method %s", method))
}

// CorrelatorClosed creates an "rpc.correlator_closed" error. It is the cause
// behind the transport.unavailable a closed correlator returns.
func CorrelatorClosed() *CodedError {
	return New(CodeCorrelatorClosed, "correlator closed")
}

// DuplicateRequest creates an "rpc.duplicate_request" error.
func DuplicateRequest(correlationID string) *CodedError {
	return New(CodeDuplicateRequest, fmt.Sprintf("request %s is already pending", correlationID))
}

// TransportUnavailable creates a "transport.unavailable" error.
func TransportUnavailable(cause error) *CodedError {
	if cause == nil {
		return New(CodeTransportUnavailable, "No transport connected")
	}
	return Wrap(CodeTransportUnavailable, "No transport connected", cause)
}

// PermanentSyncFailure creates a "sync.permanent_failure" error.
// Live updates cannot be trusted until the session is reinitialized.
func PermanentSyncFailure(reason string, cause error) *CodedError {
	return Wrap(CodePermanentSyncFailure, fmt.Sprintf("widget sync failed permanently (%s)", reason), cause)
}

// TransientSyncFailure creates a "sync.transient_failure" error.
func TransientSyncFailure(cause error) *CodedError {
	return Wrap(CodeTransientSyncFailure, "widget sync failed", cause)
}

// MirrorWriteFailed creates a "mirror.write_failed" error.
func MirrorWriteFailed(status int, body string) *CodedError {
	return New(CodeMirrorWriteFailed, fmt.Sprintf("Error updating session: %d: %s", status, body))
}

// UnknownField creates a "state.unknown_field" error.
func UnknownField(field string) *CodedError {
	return New(CodeUnknownField, fmt.Sprintf("unknown state field %q", field))
}

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string) *CodedError {
	return New(CodeServerInvalidMessage, reason)
}

// UpgradeFailed creates a "server.upgrade_failed" error.
func UpgradeFailed(cause error) *CodedError {
	return Wrap(CodeServerUpgradeFailed, "WebSocket upgrade failed", cause)
}

// RateLimited creates a "server.rate_limited" error.
func RateLimited() *CodedError {
	return New(CodeServerRateLimited, "Too many requests, retry later")
}

// FunctionMissing creates a "server.function_missing" error. The message
// matches the wording the sync loop classifies as permanent.
func FunctionMissing(name string) *CodedError {
	return New(CodeServerFunctionMissing, fmt.Sprintf("Function not registered: %s", name))
}

// NotFound creates a "storage.not_found" error.
func NotFound(resource string) *CodedError {
	return New(CodeStorageNotFound, fmt.Sprintf("%s not found", resource))
}

// AuthRequired creates an "auth.required" error.
func AuthRequired() *CodedError {
	return New(CodeAuthRequired, "authentication required")
}

// AuthInvalid creates an "auth.invalid" error.
func AuthInvalid() *CodedError {
	return New(CodeAuthInvalid, "invalid or expired access token")
}

// AuthNotComplete creates an "auth.not_complete" error.
func AuthNotComplete(sessionID string) *CodedError {
	return New(CodeAuthNotComplete, fmt.Sprintf("auth session %s is not complete", sessionID))
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
