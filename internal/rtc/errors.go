package rtc

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed fails pending and future requests once the worker
	// channel is gone.
	ErrChannelClosed = errors.New("worker channel closed")

	// ErrClosed is returned by operations on closed handles.
	ErrClosed = errors.New("handle closed")
)

// WorkerError is a rejection reported by the worker for one request.
type WorkerError struct {
	Method string // the request method
	Kind   string // worker error class, e.g. "Error", "TypeError"
	Reason string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker rejected %s: %s: %s", e.Method, e.Kind, e.Reason)
}

// ExitError describes a worker subprocess that terminated.
type ExitError struct {
	Pid    int
	Code   int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("worker [pid:%d] died: signal %s", e.Pid, e.Signal)
	}
	return fmt.Sprintf("worker [pid:%d] died: exit code %d", e.Pid, e.Code)
}
