package reactor

import (
	"errors"
	"io"
)

// Handler receives the readiness notifications of one connection. All methods
// run on the reactor's loop goroutine and must not block.
//
// An error returned from OnAccept, OnReadable or OnWritable, or a panic in any
// of them, is passed to OnError. The channel is then closed unless the error
// wraps ErrTransient and OnError left the channel open. OnClose is called
// exactly once, after the descriptor is closed.
type Handler interface {
	OnAccept(ch *Channel) error
	OnReadable(ch *Channel) error
	OnWritable(ch *Channel) error
	OnError(ch *Channel, err error)
	OnClose(ch *Channel)
}

// HandlerFactory returns a fresh Handler for each accepted connection.
// Returning nil refuses the connection.
type HandlerFactory func() Handler

// BaseHandler implements every Handler method with a sensible default and is
// meant to be embedded.
type BaseHandler struct{}

func (BaseHandler) OnAccept(*Channel) error { return nil }

// OnReadable reads once and discards the bytes. Anything left in the socket
// is reported again on the next cycle.
func (BaseHandler) OnReadable(ch *Channel) error {
	_, err := ch.Read(ch.ReadBuffer())
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// OnWritable flushes pending output.
func (BaseHandler) OnWritable(ch *Channel) error { return ch.Flush() }

func (BaseHandler) OnError(ch *Channel, _ error) { _ = ch.Close() }

func (BaseHandler) OnClose(*Channel) {}
