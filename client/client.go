// Package client is a small goroutine-per-connection TCP client. It is the
// counterpart used by the examples and tests to talk to a reactor.
package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Handler interface {
	OnOpen(c *Client)
	OnMessage(c *Client, msg []byte)
	OnClose(c *Client, err error)
}

type options struct {
	timeout time.Duration
	bufSize int
	log     zerolog.Logger
}

type Option func(*options)

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithReadBuffer sets the read buffer size; msg slices passed to OnMessage are
// at most this long.
func WithReadBuffer(n int) Option { return func(o *options) { o.bufSize = n } }

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.log = l } }

type Client struct {
	conn net.Conn
	log  zerolog.Logger
	mu   sync.Mutex
	done chan struct{}
	err  error
}

// Dial connects and starts the read loop. OnOpen runs before the first
// OnMessage; OnClose runs once the connection is gone.
func Dial(ctx context.Context, network, address string, h Handler, opts ...Option) (*Client, error) {
	o := options{bufSize: 64 << 10, log: zerolog.Nop()}
	for _, fn := range opts {
		fn(&o)
	}
	d := net.Dialer{Timeout: o.timeout}
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn: nc,
		log:  o.log.With().Stringer("local", nc.LocalAddr()).Logger(),
		done: make(chan struct{}),
	}
	go c.readLoop(h, o.bufSize)
	return c, nil
}

func (c *Client) readLoop(h Handler, size int) {
	defer close(c.done)
	h.OnOpen(c)
	buf := make([]byte, size)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			h.OnMessage(c, buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = nil
			} else {
				c.log.Debug().Err(err).Msg("client: read failed")
			}
			c.err = err
			h.OnClose(c, err)
			return
		}
	}
}

// Write sends msg in full. Safe for concurrent use.
func (c *Client) Write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(msg)
	return err
}

// CloseWrite half-closes the connection; the peer sees end of stream while
// replies can still be read.
func (c *Client) CloseWrite() error {
	if tc, ok := c.conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return c.conn.Close()
}

func (c *Client) Close() error { return c.conn.Close() }

// Done is closed after OnClose has returned.
func (c *Client) Done() <-chan struct{} { return c.done }

// Wait blocks until the read loop ends and returns its error, nil for an
// orderly close by either side.
func (c *Client) Wait() error {
	<-c.done
	return c.err
}

func (c *Client) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
