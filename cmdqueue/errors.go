package cmdqueue

import (
	"errors"

	"github.com/arloliu/go-cncserial/response"
)

var (
	// ErrEmptyCommand is returned by Enqueue for blank command text.
	ErrEmptyCommand = errors.New("cmdqueue: empty command")
	// ErrInvalidPriority is returned for priorities outside [MinPriority, MaxPriority].
	ErrInvalidPriority = errors.New("cmdqueue: invalid priority")
	// ErrInvalidOption is returned for out of range option values.
	ErrInvalidOption = errors.New("cmdqueue: invalid option")
	// ErrTimeout fails a command that got no reply within its timeout.
	ErrTimeout = errors.New("cmdqueue: command timed out")
	// ErrCanceled fails every pending command on CancelAll.
	ErrCanceled = errors.New("cmdqueue: command canceled")
	// ErrRetriesExhausted fails a command that could not be written after
	// the maximum number of attempts.
	ErrRetriesExhausted = errors.New("cmdqueue: retries exhausted")
	// ErrProtocol matches every *ProtocolError.
	ErrProtocol = errors.New("cmdqueue: protocol error")
)

// ProtocolError is the result error of a command answered with an error line.
type ProtocolError struct {
	Response *response.Response
}

func (e *ProtocolError) Error() string {
	if e.Response == nil {
		return ErrProtocol.Error()
	}

	return ErrProtocol.Error() + ": " + e.Response.Error()
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }
