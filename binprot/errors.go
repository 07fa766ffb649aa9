package binprot

import (
	"errors"
	"fmt"
)

// Frame structure errors.
// These are reported by DecodeHeader, Validate and ValidateCommand.
var (
	ErrMalformedHeader = errors.New("binprot: malformed header")
	ErrInvalidMagic    = errors.New("binprot: invalid magic")
	ErrInvalidOpcode   = errors.New("binprot: invalid opcode")
	ErrInvalidLengths  = errors.New("binprot: invalid lengths")
	ErrFrameTooLarge   = errors.New("binprot: frame too large")
)

// ValidationError reports a structural violation in a frame header.
//
// Connection handling: the frame boundaries are still known from the header,
// so a server may answer with StatusInvalidArguments and keep the connection.
// A client receiving one from a server should close.
type ValidationError struct {
	Header Header
	Err    error  // One of ErrInvalidMagic, ErrInvalidOpcode, ErrInvalidLengths
	Detail string // Optional human readable detail
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%v: %s (%s)", e.Err, e.Detail, e.Header)
	}
	return fmt.Sprintf("%v (%s)", e.Err, e.Header)
}

// Unwrap returns the underlying sentinel error
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection returns true - a peer sending invalid frames is out of sync
func (e *ValidationError) ShouldCloseConnection() bool {
	return true
}

// StatusError is a non-success status returned by a server.
//
// Connection handling: the response was framed correctly, the connection
// can be REUSED.
type StatusError struct {
	Opcode Opcode
	Status Status
	// Message is the optional textual value memcached attaches to errors.
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" && e.Message != e.Status.String() {
		return fmt.Sprintf("memcache: %s: %s: %s", e.Opcode, e.Status, e.Message)
	}
	return fmt.Sprintf("memcache: %s: %s", e.Opcode, e.Status)
}

// Is matches another *StatusError with the same status, so that
// errors.Is(err, ErrKeyNotFound) works regardless of opcode.
func (e *StatusError) Is(target error) bool {
	t, ok := target.(*StatusError)
	if !ok {
		return false
	}
	return t.Status == e.Status && (t.Opcode == 0 || t.Opcode == e.Opcode)
}

// ShouldCloseConnection returns false - status errors don't corrupt protocol state
func (e *StatusError) ShouldCloseConnection() bool {
	return false
}

// Sentinel status errors for errors.Is matching.
var (
	ErrKeyNotFound     = &StatusError{Status: StatusKeyNotFound}
	ErrKeyExists       = &StatusError{Status: StatusKeyExists}
	ErrValueTooLarge   = &StatusError{Status: StatusValueTooLarge}
	ErrInvalidArgs     = &StatusError{Status: StatusInvalidArguments}
	ErrNotStored       = &StatusError{Status: StatusItemNotStored}
	ErrDeltaBadValue   = &StatusError{Status: StatusDeltaBadValue}
	ErrUnknownCommand  = &StatusError{Status: StatusUnknownCommand}
	ErrOutOfMemory     = &StatusError{Status: StatusOutOfMemory}
	ErrNotSupported    = &StatusError{Status: StatusNotSupported}
	ErrServerBusy      = &StatusError{Status: StatusBusy}
	ErrTemporaryFailed = &StatusError{Status: StatusTemporaryFailure}
)

// Err returns nil for StatusSuccess and a *StatusError otherwise.
func (s Status) Err(op Opcode) error {
	if s == StatusSuccess {
		return nil
	}
	return &StatusError{Opcode: op, Status: s}
}

// ParseError represents a client-side parsing error.
// Indicates the peer sent bytes that do not form a valid frame.
//
// Connection handling: Connection should be CLOSED as state is uncertain
type ParseError struct {
	Message string
	Err     error // Underlying error, if any
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return "parse error: " + e.Message + ": " + e.Err.Error()
	}
	return "parse error: " + e.Message
}

// Unwrap returns the underlying error for error chain inspection
func (e *ParseError) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection returns true - parse errors indicate corrupted state
func (e *ParseError) ShouldCloseConnection() bool {
	return true
}

// ConnectionError wraps underlying I/O errors from connection operations.
//
// Connection handling: Connection is already broken, CLOSE and potentially RECONNECT
type ConnectionError struct {
	Op  string // Operation that failed (read, write, etc.)
	Err error  // Underlying error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection returns true - connection errors mean connection is broken
func (e *ConnectionError) ShouldCloseConnection() bool {
	return true
}

// ErrorWithConnectionState is an interface for errors that indicate
// whether the connection should be closed.
// Implemented by all protocol error types.
type ErrorWithConnectionState interface {
	error
	ShouldCloseConnection() bool
}

// ShouldCloseConnection is a helper function to determine if an error
// requires closing the connection.
//
// Returns false for nil and *StatusError, true for every other error.
func ShouldCloseConnection(err error) bool {
	if err == nil {
		return false
	}

	var e ErrorWithConnectionState
	if errors.As(err, &e) {
		return e.ShouldCloseConnection()
	}

	// Unknown error type - be conservative and close connection
	return true
}
