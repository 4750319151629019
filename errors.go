package zsock

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned by blocking calls whose deadline elapsed
	ErrTimeout = errors.New("operation timed out")

	// ErrWouldBlock is returned by non-blocking calls that cannot proceed now
	ErrWouldBlock = errors.New("operation would block")

	// ErrNoPeerAvailable is returned when no established peer can take a message
	ErrNoPeerAvailable = errors.New("no peer available")

	// ErrNotSupported is returned for operations the socket pattern does not offer
	ErrNotSupported = errors.New("operation not supported by socket type")

	// ErrClosed is returned by operations on a closed socket
	ErrClosed = errors.New("socket closed")

	// ErrContextClosed is returned when creating sockets on a closed context
	ErrContextClosed = errors.New("context closed")

	// ErrIncomplete is returned by Decoder.Next until a full unit is buffered
	ErrIncomplete = errors.New("incomplete frame data")

	// ErrEmptyMessage is returned for messages with no frames
	ErrEmptyMessage = errors.New("message has no frames")

	// ErrHeartbeatTimeout is the removal reason for peers that stopped answering
	ErrHeartbeatTimeout = errors.New("peer heartbeat timed out")

	// ErrPollerStopped is returned when work is handed to a stopped poller
	ErrPollerStopped = errors.New("poller stopped")

	// ErrDeviceState is returned when a device lifecycle call does not fit its state
	ErrDeviceState = errors.New("invalid device state")
)

// ProtocolError is raised when the connection handshake fails. The connection
// is closed and not retried.
type ProtocolError struct {
	Endpoint string
	Reason   string
	Err      error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Endpoint != "" {
		msg += " with " + e.Endpoint
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// FramingError is raised when a peer's byte stream violates the framing rules.
// The owning peer connection is closed; the socket keeps its other peers.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return "framing error: " + e.Reason + ": " + e.Err.Error()
	}
	return "framing error: " + e.Reason
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *FramingError) Unwrap() error {
	return e.Err
}

// ConfigurationError is raised for invalid socket or device construction.
// It is never retried.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	if e.Field != "" {
		msg = fmt.Sprintf("configuration error in %s", e.Field)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func framingErrorf(format string, args ...any) error {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err is a backpressure or availability condition
// the caller is expected to retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrWouldBlock) ||
		errors.Is(err, ErrNoPeerAvailable)
}
