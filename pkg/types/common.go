package types

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ID represents a unique identifier
type ID string

// NewID creates an ID from a string
func NewID(s string) ID {
	return ID(s)
}

// String returns the string representation of the ID
func (i ID) String() string {
	return string(i)
}

// IsEmpty returns true if the ID is empty
func (i ID) IsEmpty() bool {
	return string(i) == ""
}

// Short returns a truncated form suitable for log fields
func (i ID) Short() string {
	if len(i) <= 8 {
		return string(i)
	}
	return string(i[:8])
}

// GenerateID generates a new unique identifier (128 bits of randomness, hex encoded)
func GenerateID() ID {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err == nil {
		return ID(hex.EncodeToString(b))
	}
	// crypto/rand should never fail; keep a deterministic fallback anyway
	return ID(hex.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano))))
}

// Timestamp represents a point in time
type Timestamp struct {
	time.Time
}

// NewTimestamp creates a new timestamp from the current time
func NewTimestamp() Timestamp {
	return Timestamp{Time: time.Now()}
}

// NewTimestampFromTime creates a new timestamp from a time.Time
func NewTimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// IsZero returns true if the timestamp is zero
func (t Timestamp) IsZero() bool {
	return t.Time.IsZero()
}

// Error represents an error with a stable code and additional context
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new error with code and message
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorf creates a new error with code and a formatted message
func NewErrorf(code, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError wraps an existing error with code and message
func WrapError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsErrCode checks if an error (or any error it wraps) carries a specific code
func IsErrCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error, or "" if it has none
func GetErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeInvalidArgument  = "INVALID_ARGUMENT"
	ErrCodeInvalid          = "INVALID"
	ErrCodeInternal         = "INTERNAL"
	ErrCodeUnavailable      = "UNAVAILABLE"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeCanceled         = "CANCELED"
	ErrCodeHandlerFailed    = "HANDLER_FAILED"
	ErrCodePartialFailure   = "PARTIAL_FAILURE"
	ErrCodeClosed           = "CLOSED"
)

// Protocol error codes. Each kind maps to exactly one error surface on
// the owning endpoint.
const (
	// ErrCodeTransport covers dial, accept, read and write failures on the
	// underlying byte stream. The connection is closed.
	ErrCodeTransport = "TRANSPORT"

	// ErrCodeProtocol covers malformed frames: not valid JSON, missing
	// event name, bad envelope shape. The connection is closed.
	ErrCodeProtocol = "PROTOCOL"

	// ErrCodeAuthFailed covers AEAD authentication failures (bad password,
	// corrupted frame). The frame is dropped; the connection stays open.
	ErrCodeAuthFailed = "AUTH_FAILED"

	// ErrCodeHeartbeatTimeout is raised when a ping goes unanswered. The
	// connection is closed.
	ErrCodeHeartbeatTimeout = "HEARTBEAT_TIMEOUT"

	// ErrCodeSuperseded marks eviction of a registered connection by a
	// newer one with the same identity. It is a normal disconnect reason,
	// not a failure surface.
	ErrCodeSuperseded = "SUPERSEDED"
)
