package canbus

import "errors"

var (
	// ErrWouldBlock reports that no frame is available yet. Callers
	// should back off briefly and retry rather than treat this as a
	// bus fault.
	ErrWouldBlock = errors.New("canbus: receive would block")

	// ErrClosed reports an operation on a closed transport.
	ErrClosed = errors.New("canbus: transport closed")
)

// Transport is a connected CAN bus endpoint. Send and Receive operate on
// independent socket directions and may be called concurrently from
// different goroutines; Close may be called more than once.
type Transport interface {
	// Name returns the bus interface this transport is bound to.
	Name() string
	// Send writes one frame to the bus.
	Send(Frame) error
	// Receive reads the next frame. It returns ErrWouldBlock when no
	// frame is pending so the caller can poll a stop flag between
	// attempts.
	Receive() (Frame, error)
	// Close shuts the transport down. Idempotent.
	Close() error
}
