package reactor

import (
	"fmt"
	"io"
	"net"

	"go.uber.org/multierr"

	"github.com/legamerdc/reactor/internal/netutil"
	"github.com/legamerdc/reactor/internal/ring"
	"github.com/legamerdc/reactor/poller"
)

// ChannelID identifies a channel for its whole life. IDs are never reused by
// a reactor, unlike descriptors.
type ChannelID uint64

// Channel is one registered descriptor: the listening socket or an accepted
// connection. Its methods must only be called on the loop goroutine, from a
// Handler callback or a function passed to Submit or Do.
type Channel struct {
	id       ChannelID
	fd       int
	r        *Reactor
	handler  Handler
	listener bool

	interest   poller.Mask
	registered bool
	closed     bool
	eof        bool
	born       uint64 // poll cycle the channel was registered in

	out    *ring.Buffer
	remote net.Addr
	local  net.Addr

	// Value is free for the handler to attach per-connection state.
	Value any
}

func (c *Channel) ID() ChannelID { return c.id }

func (c *Channel) FD() int { return c.fd }

func (c *Channel) Reactor() *Reactor { return c.r }

func (c *Channel) Handler() Handler { return c.handler }

func (c *Channel) RemoteAddr() net.Addr { return c.remote }

func (c *Channel) LocalAddr() net.Addr {
	if c.local == nil && !c.closed {
		c.local, _ = netutil.LocalAddr(c.fd)
	}
	return c.local
}

// Interest is the readiness the channel is currently registered for. It is
// empty while the channel is deregistered.
func (c *Channel) Interest() poller.Mask { return c.interest }

func (c *Channel) Closed() bool { return c.closed }

// EOF reports whether the peer has finished sending.
func (c *Channel) EOF() bool { return c.eof }

// Pending is the number of written bytes not yet handed to the kernel.
func (c *Channel) Pending() int { return c.out.Len() }

// ReadBuffer returns the reactor's scratch buffer. Its contents are only
// valid until the current callback returns.
func (c *Channel) ReadBuffer() []byte { return c.r.scratch }

// Read performs one non-blocking read. When nothing is available it returns
// (0, nil). A zero-byte read from the socket is reported as io.EOF, Readable
// interest is dropped, and the reactor closes the channel once pending output
// has drained.
func (c *Channel) Read(p []byte) (int, error) {
	if c.closed {
		return 0, ErrChannelClosed
	}
	if c.eof {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := netutil.Read(c.fd, p)
		switch {
		case err == nil && n > 0:
			return n, nil
		case err == nil:
			c.eof = true
			if ierr := c.applyInterest(c.interest &^ poller.Readable); ierr != nil {
				return 0, ierr
			}
			return 0, io.EOF
		case netutil.IsInterrupted(err):
			continue
		case netutil.IsWouldBlock(err):
			return 0, nil
		default:
			return 0, err
		}
	}
}

// Write sends p, buffering whatever the socket does not take immediately and
// asserting Writable interest until it drains. Either all of p is accepted or
// an error is returned.
func (c *Channel) Write(p []byte) (int, error) {
	if c.closed {
		return 0, ErrChannelClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	n := 0
	if c.out.Len() == 0 {
		var err error
		n, err = c.writeSome(p)
		if err != nil || n == len(p) {
			return n, err
		}
	}
	if _, err := c.out.Write(p[n:]); err != nil {
		return n, fmt.Errorf("%w: %d pending, limit %d", ErrOutputFull, c.out.Len(), c.out.Limit())
	}
	if err := c.applyInterest(c.interest | poller.Writable); err != nil {
		return n, err
	}
	return len(p), nil
}

// Flush writes pending output. When it drains, Writable interest is cleared.
func (c *Channel) Flush() error {
	if c.closed {
		return ErrChannelClosed
	}
	for c.out.Len() > 0 {
		p := c.out.Peek()
		n, err := c.writeSome(p)
		c.out.Discard(n)
		if err != nil {
			return err
		}
		if n < len(p) {
			return nil
		}
	}
	return c.applyInterest(c.interest &^ poller.Writable)
}

func (c *Channel) writeSome(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := netutil.Write(c.fd, p[written:])
		written += n
		switch {
		case err == nil:
		case netutil.IsInterrupted(err):
		case netutil.IsWouldBlock(err):
			return written, nil
		default:
			return written, err
		}
	}
	return written, nil
}

// SetInterest replaces the channel's interest. An empty mask removes the
// descriptor from the multiplexer while the channel stays open; a non-empty
// mask registers it again.
func (c *Channel) SetInterest(m poller.Mask) error {
	if c.closed {
		return ErrChannelClosed
	}
	if m&^(poller.Readable|poller.Writable) != 0 && !(c.listener && m == poller.Accept) {
		return fmt.Errorf("%w: interest %s", ErrInvalidArgument, m)
	}
	return c.applyInterest(m)
}

func (c *Channel) applyInterest(m poller.Mask) error {
	p := c.r.poller
	var err error
	switch {
	case m == 0:
		if c.registered {
			if err = p.Deregister(c.fd); err == nil {
				c.registered = false
			}
		}
	case !c.registered:
		if err = p.Register(c.fd, m); err == nil {
			c.registered = true
		}
	case m != c.interest:
		err = p.Modify(c.fd, m)
	}
	if err != nil {
		return err
	}
	c.interest = m
	return nil
}

// Close releases the channel: it leaves the multiplexer and the registry, the
// descriptor is closed and OnClose runs. Later calls do nothing. Close may be
// called from inside any callback of the same channel.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	if c.registered {
		err = multierr.Append(err, c.r.poller.Deregister(c.fd))
		c.registered = false
	}
	c.interest = 0
	c.r.registry.Remove(c)
	err = multierr.Append(err, netutil.Close(c.fd))
	c.out.Reset()
	c.r.channelClosed(c)
	return err
}

func (c *Channel) String() string {
	return fmt.Sprintf("channel(%d, fd=%d)", c.id, c.fd)
}
