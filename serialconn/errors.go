package serialconn

import (
	"errors"
	"fmt"

	"go.bug.st/serial"
)

var (
	// ErrPortUnavailable indicates that the serial port could not be opened:
	// it does not exist, is busy or access was denied.
	ErrPortUnavailable = errors.New("serialconn: port unavailable")

	// ErrIO indicates a read or write failure on an open port. It moves the
	// connection to the reconnecting state.
	ErrIO = errors.New("serialconn: i/o failure")

	// ErrHeartbeatTimeout indicates that consecutive heartbeats went unanswered.
	ErrHeartbeatTimeout = errors.New("serialconn: heartbeat unanswered")

	// ErrReconnectExhausted indicates that every reconnect attempt failed.
	// The connection stays in the error state until the next Connect.
	ErrReconnectExhausted = errors.New("serialconn: reconnect attempts exhausted")
)

var (
	ErrNotConnected     = errors.New("serialconn: not connected")
	ErrAlreadyConnected = errors.New("serialconn: already connected")
	ErrConnClosed       = errors.New("serialconn: connection closed")
	ErrConnConfigNil    = errors.New("serialconn: connection config is nil")
	ErrBuffersCleared   = errors.New("serialconn: buffers cleared")
	ErrUnsupported      = errors.New("serialconn: command not supported by firmware")

	// ErrInvalidTransition is returned when a state change is not allowed
	// from the current state.
	ErrInvalidTransition = errors.New("serialconn: invalid state transition")
)

// portErrorCode extracts the go.bug.st/serial error code of err.
func portErrorCode(err error) (serial.PortErrorCode, bool) {
	var pe *serial.PortError
	if errors.As(err, &pe) && pe != nil {
		return pe.Code(), true
	}

	var pv serial.PortError
	if errors.As(err, &pv) {
		return pv.Code(), true
	}

	return 0, false
}

// openError classifies a failure to open port name.
func openError(name string, err error) error {
	reason := "open failed"
	if code, ok := portErrorCode(err); ok {
		switch code {
		case serial.PortBusy:
			reason = "port busy"
		case serial.PortNotFound:
			reason = "port not found"
		case serial.PermissionDenied:
			reason = "permission denied"
		case serial.InvalidSerialPort:
			reason = "not a serial port"
		case serial.InvalidSpeed:
			reason = "invalid baud rate"
		case serial.InvalidDataBits, serial.InvalidParity, serial.InvalidStopBits:
			reason = "invalid serial mode"
		}
	}

	return fmt.Errorf("%w: %s: %s: %w", ErrPortUnavailable, name, reason, err)
}

// ioError wraps a mid-session read or write failure.
func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
