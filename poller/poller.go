// Package poller wraps the operating system readiness primitive (epoll on
// Linux, kqueue on Darwin) behind a small interface: register descriptors with
// an interest mask, block until some of them are ready, and get back the ready
// subset.
//
// A Poller is owned by a single goroutine. Only Wake may be called from other
// goroutines, to interrupt a blocked Poll.
package poller

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FD is a file descriptor.
type FD = int

// Mask is a set of readiness conditions.
//
// Accept, Readable and Writable are interest bits. Errored and HungUp are only
// ever reported in an Event and are rejected as interest.
type Mask uint8

const (
	Accept Mask = 1 << iota
	Readable
	Writable
	Errored
	HungUp
)

const interestBits = Accept | Readable | Writable

// Has reports whether every bit in o is set in m.
func (m Mask) Has(o Mask) bool { return o != 0 && m&o == o }

// Any reports whether at least one bit in o is set in m.
func (m Mask) Any(o Mask) bool { return m&o != 0 }

func (m Mask) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, b := range [...]struct {
		bit  Mask
		name string
	}{
		{Accept, "accept"},
		{Readable, "readable"},
		{Writable, "writable"},
		{Errored, "errored"},
		{HungUp, "hungup"},
	} {
		if m&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	return strings.Join(parts, "|")
}

// Event is one ready descriptor, produced by Poll. It is only valid until the
// next call to Poll.
type Event struct {
	FD   FD
	Mask Mask
}

// Poller is a readiness multiplexer.
type Poller interface {
	// Register begins monitoring fd for the conditions in mask.
	Register(fd FD, mask Mask) error
	// Modify replaces the interest mask of a registered fd.
	Modify(fd FD, mask Mask) error
	// Deregister stops monitoring fd. Unknown descriptors are ignored.
	Deregister(fd FD) error
	// Poll blocks until at least one registered fd is ready, the timeout
	// elapses, or Wake is called. A negative timeout blocks indefinitely, zero
	// returns immediately. The returned slice is reused by the next call.
	Poll(timeout time.Duration) ([]Event, error)
	// Wake interrupts a blocked Poll. Safe for concurrent use.
	Wake() error
	// Close releases the underlying OS object.
	Close() error
	// Len returns the number of registered descriptors.
	Len() int
}

var (
	ErrClosed            = errors.New("poller: closed")
	ErrUnsupported       = errors.New("poller: platform not supported")
	ErrNotRegistered     = errors.New("poller: fd not registered")
	ErrAlreadyRegistered = errors.New("poller: fd already registered")
	ErrInvalidFD         = errors.New("poller: invalid fd")
	ErrEmptyMask         = errors.New("poller: empty interest mask")
	ErrInvalidMask       = errors.New("poller: mask has non-interest bits")
)

// RegistrationError is returned by Register.
type RegistrationError struct {
	FD  FD
	Err error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("poller: register fd %d: %v", e.FD, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

type options struct {
	maxEvents int
}

// Option configures New.
type Option func(*options)

// WithMaxEvents sets how many events a single Poll can return.
func WithMaxEvents(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEvents = n
		}
	}
}

func resolveOptions(opts []Option) options {
	o := options{maxEvents: 1024}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// validInterest checks a mask supplied to Register or Modify.
func validInterest(mask Mask) error {
	if mask&^interestBits != 0 {
		return ErrInvalidMask
	}
	if mask == 0 {
		return ErrEmptyMask
	}
	return nil
}

// timeoutMillis converts a Poll timeout into the millisecond argument the
// kernel expects, rounding up so a positive timeout never becomes zero.
func timeoutMillis(d time.Duration) int {
	switch {
	case d < 0:
		return -1
	case d == 0:
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > 1<<31-1 {
		return 1<<31 - 1
	}
	return int(ms)
}
