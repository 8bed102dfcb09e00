package daemon

import (
	"errors"
	"fmt"
)

// Sentinel errors for the server-side taxonomy (spec §7). Each is wrapped
// in a *ProtocolError (or returned directly from dispatch) with enough
// context to identify the failing operation; callers match against these
// with errors.Is.
var (
	// ErrProtocolMismatch is returned when the client's opening magic
	// number doesn't match ClientMagic.
	ErrProtocolMismatch = errors.New("daemon: protocol mismatch")

	// ErrClientTooOld is returned when the client advertises a protocol
	// version below MinClientVersion.
	ErrClientTooOld = errors.New("daemon: client version too old")

	// ErrTruncatedFramedSource is returned when a connection is closed, or
	// a framed chunk's declared length can't be satisfied, before a
	// framed source's terminating zero-length chunk is read.
	ErrTruncatedFramedSource = errors.New("daemon: framed source truncated")

	// ErrUnknownOpcode is returned when an operation code read off the
	// wire doesn't match any registered Operation.
	ErrUnknownOpcode = errors.New("daemon: unknown opcode")

	// ErrUnknownTag is returned when a tagged-variant discriminant read
	// off the wire doesn't match any case the reader understands.
	ErrUnknownTag = errors.New("daemon: unknown tag")

	// ErrCodecMismatch is returned by proxy mode when a re-encoded message
	// doesn't reproduce the exact bytes read from the wire.
	ErrCodecMismatch = errors.New("daemon: codec fidelity check failed")
)

// HandlerError wraps an error returned by a Handlers method. It is
// recoverable: the dispatcher reports it to the client as a stderr Error
// frame and continues serving the connection, rather than closing it.
//
// Construct one directly (or via NewHandlerError) when a handler wants
// control over the fields sent to the client; otherwise a plain error
// returned from a handler method is wrapped in a HandlerError with
// Type "Error" and no traces.
type HandlerError struct {
	DaemonError
}

func (e *HandlerError) Error() string {
	return e.DaemonError.Error()
}

func (e *HandlerError) Unwrap() error {
	return &e.DaemonError
}

// NewHandlerError wraps a plain error as a HandlerError with the given
// verbosity level, suitable for any Handlers method that doesn't need to
// control the error's Type/Name/Traces individually.
func NewHandlerError(level Verbosity, err error) *HandlerError {
	return &HandlerError{DaemonError{
		Type:    "Error",
		Level:   uint64(level),
		Name:    "Error",
		Message: err.Error(),
	}}
}

// MessageTooLargeError is returned when a length-prefixed field exceeds
// the server's configured maximum string size.
type MessageTooLargeError struct {
	Len uint64
	Max uint64
}

func (e *MessageTooLargeError) Error() string {
	return fmt.Sprintf("daemon: message length %d exceeds maximum %d", e.Len, e.Max)
}

// DaemonError is returned when the Nix daemon reports an error.
type DaemonError struct {
	Type    string
	Level   uint64
	Name    string
	Message string
	Traces  []DaemonErrorTrace
}

// DaemonErrorTrace represents a single trace entry in a daemon error.
type DaemonErrorTrace struct {
	HavePos uint64
	Message string
}

func (e *DaemonError) Error() string {
	return fmt.Sprintf("daemon: %s", e.Message)
}

// ProtocolError is returned for wire-level problems.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
