// Package apperrors provides standardized error codes for the realtime client
// layer.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (network, auth, protocol, service)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by UI layers for programmatic error
// handling. Human-readable messages are provided alongside codes.
package apperrors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Network domain - transport-level failures, recoverable via reconnect.
	CodeNetworkDialFailed     = "network.dial_failed"     // WebSocket dial failed
	CodeNetworkConnectionLost = "network.connection_lost" // Connection unexpectedly closed
	CodeNetworkSendFailed     = "network.send_failed"     // Failed to write a message
	CodeNetworkQueueOverflow  = "network.queue_overflow"  // Outbound queue dropped a message
	CodeNetworkRetryExhausted = "network.retry_exhausted" // Reconnect budget exhausted

	// Auth domain - token invalid/expired/tampered.
	CodeAuthTokenMalformed  = "auth.token_malformed"  // Token could not be decoded
	CodeAuthTokenExpired    = "auth.token_expired"    // Token past its expiry
	CodeAuthRejected        = "auth.rejected"         // Server rejected the credential
	CodeAuthRefreshFailed   = "auth.refresh_failed"   // Refresh attempt failed
	CodeAuthSessionExpired  = "auth.session_expired"  // Refresh budget exhausted, logged out
	CodeAuthConfigUnavailable = "auth.config_unavailable" // Auth configuration missing

	// Protocol domain - malformed or unexpected payloads; dropped and logged.
	CodeProtocolMalformed    = "protocol.malformed"     // Unparsable JSON
	CodeProtocolMissingField = "protocol.missing_field" // Required field absent
	CodeProtocolUnknownEvent = "protocol.unknown_event" // Unrecognized event type

	// Service domain - backend-side failures reported in-band.
	CodeServiceAgentError  = "service.agent_error" // Agent run failed server-side
	CodeServiceUnavailable = "service.unavailable" // Collaborator missing or unreachable

	// Message domain - optimistic message lifecycle errors.
	CodeMessageNotFound       = "message.not_found"       // No record for localId
	CodeMessageRetryExhausted = "message.retry_exhausted" // Max retries exceeded

	// General domain - catch-all errors.
	CodeUnknown = "error.unknown" // Unknown error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "auth.rejected")
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
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
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
