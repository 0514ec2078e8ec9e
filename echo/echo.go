// Package echo is a reactor Handler that writes every byte it receives back to
// the sender.
package echo

import (
	"errors"
	"io"

	"github.com/legamerdc/reactor"
	"github.com/legamerdc/reactor/poller"
)

// DefaultHighWater is the pending output at which reading pauses.
const DefaultHighWater = 1 << 20

type Handler struct {
	reactor.BaseHandler

	// HighWater pauses reading while this many bytes are waiting to be sent,
	// so a peer that never reads can not grow the output without bound.
	HighWater int
}

// Factory returns a HandlerFactory producing echo handlers with the given
// high water mark; highWater <= 0 uses DefaultHighWater.
func Factory(highWater int) reactor.HandlerFactory {
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	return func() reactor.Handler { return &Handler{HighWater: highWater} }
}

// OnReadable echoes the result of one read. Pending output at the high
// water mark switches the channel to Writable only.
func (h *Handler) OnReadable(ch *reactor.Channel) error {
	buf := ch.ReadBuffer()
	n, err := ch.Read(buf)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil || n == 0 {
		return err
	}
	if _, err := ch.Write(buf[:n]); err != nil {
		return err
	}
	if ch.Pending() >= h.HighWater {
		return ch.SetInterest(poller.Writable)
	}
	return nil
}

func (h *Handler) OnWritable(ch *reactor.Channel) error {
	if err := ch.Flush(); err != nil {
		return err
	}
	if ch.EOF() || ch.Interest().Has(poller.Readable) || ch.Pending() >= h.HighWater {
		return nil
	}
	return ch.SetInterest(ch.Interest() | poller.Readable)
}
