package reactor

import (
	"errors"
	"fmt"
)

var (
	// ErrPlatformNotSupported is returned by New where no readiness primitive
	// is available (neither epoll nor kqueue).
	ErrPlatformNotSupported = errors.New("reactor: platform not supported (requires epoll or kqueue)")

	ErrInvalidArgument = errors.New("reactor: invalid argument")

	// ErrLoopStopped is returned by every loop entry point once the reactor
	// has reached Stopped.
	ErrLoopStopped = errors.New("reactor: loop stopped")

	// ErrLoopRunning is returned when Run or Poll is entered while another
	// goroutine is already driving the loop.
	ErrLoopRunning = errors.New("reactor: loop already running")

	ErrChannelClosed    = errors.New("reactor: channel closed")
	ErrDuplicateChannel = errors.New("reactor: duplicate channel")
	ErrUnknownChannel   = errors.New("reactor: unknown channel")

	// ErrListenerDestroyed means the listening socket failed in a way that
	// accepting can not recover from. The reactor shuts down.
	ErrListenerDestroyed = errors.New("reactor: listener destroyed")

	// ErrOutputFull is returned by Channel.Write when the pending output would
	// exceed Config.MaxPendingBytes.
	ErrOutputFull = errors.New("reactor: pending output full")

	// ErrTransient marks handler errors that should not close the channel.
	// Wrap it (fmt.Errorf("...: %w", ErrTransient)) and leave the channel open
	// in OnError to keep the connection.
	ErrTransient = errors.New("reactor: transient error")

	errHungUp = errors.New("reactor: connection hung up")
)

// PanicError carries a panic recovered from a handler callback.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("reactor: handler panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
