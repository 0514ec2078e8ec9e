package reactor

import (
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"github.com/legamerdc/reactor/internal/netutil"
	"github.com/legamerdc/reactor/poller"
)

// acceptor owns the listening channel. It drains the backlog whenever the
// listener is ready and binds each connection to a fresh Handler.
type acceptor struct {
	r    *Reactor
	ch   *Channel
	addr net.Addr

	paused   bool
	resumeAt time.Time
}

func (a *acceptor) open() error {
	r := a.r
	fd, err := netutil.Listen(r.cfg.Network, r.cfg.Address, r.cfg.Backlog, r.cfg.ReusePort)
	if err != nil {
		return err
	}
	a.ch = r.newChannel(fd, nil)
	a.ch.listener = true
	a.addr, _ = netutil.LocalAddr(fd)
	a.ch.local = a.addr
	if err := r.registry.Add(a.ch, nil); err != nil {
		_ = netutil.Close(fd)
		return err
	}
	if err := a.ch.applyInterest(poller.Accept); err != nil {
		r.registry.Remove(a.ch)
		_ = netutil.Close(fd)
		return err
	}
	return nil
}

// ready handles one readiness event of the listener. A non-nil return is
// structural: the listener is unusable.
func (a *acceptor) ready(m poller.Mask) error {
	if m.Any(poller.Errored | poller.HungUp) {
		err := netutil.SocketError(a.ch.fd)
		if err == nil {
			err = errHungUp
		}
		return fmt.Errorf("%w: %w", ErrListenerDestroyed, err)
	}
	if !m.Has(poller.Accept) || a.paused {
		return nil
	}
	return a.drain()
}

func (a *acceptor) drain() error {
	r := a.r
	for {
		fd, remote, err := netutil.Accept(a.ch.fd)
		if err != nil {
			switch {
			case netutil.IsWouldBlock(err):
				return nil
			case netutil.IsTemporary(err):
				r.stats.acceptTemporary.Add(1)
				continue
			case netutil.IsResourceExhausted(err):
				r.stats.acceptExhausted.Add(1)
				r.warn("accept-exhausted").Err(err).Dur("backoff", r.cfg.AcceptBackoff).Msg("accept paused")
				return a.pause()
			case netutil.IsListenerFatal(err):
				r.stats.acceptFatal.Add(1)
				return fmt.Errorf("%w: accept: %w", ErrListenerDestroyed, err)
			default:
				// unclassified errors back off like exhaustion so a repeating
				// one cannot spin the loop
				r.stats.acceptTemporary.Add(1)
				r.warn("accept-unknown").Err(err).Dur("backoff", r.cfg.AcceptBackoff).Msg("accept paused")
				return a.pause()
			}
		}
		a.admit(fd, remote)
	}
}

func (a *acceptor) admit(fd int, remote net.Addr) {
	r := a.r
	if r.cfg.NoDelay {
		_ = netutil.SetNoDelay(fd, true)
	}
	h, err := a.newHandler()
	if err != nil || h == nil {
		r.stats.refused.Add(1)
		if err != nil {
			r.warn("factory-panic").Stringer("remote", remote).Err(err).Msg("handler factory panicked")
		} else {
			r.warn("factory-nil").Stringer("remote", remote).Msg("handler factory refused connection")
		}
		_ = netutil.Close(fd)
		return
	}
	ch := r.newChannel(fd, remote)
	if err := r.registry.Add(ch, h); err != nil {
		r.warn("registry-add").Err(err).Msg("dropping accepted connection")
		_ = netutil.Close(fd)
		return
	}
	if err := ch.applyInterest(poller.Readable); err != nil {
		r.registry.Remove(ch)
		r.warn("register").Err(err).Msg("dropping accepted connection")
		_ = netutil.Close(fd)
		return
	}
	ch.born = r.cycle
	r.stats.active.Add(1)
	r.stats.accepted.Add(1)
	r.log.Debug().Uint64("channel", uint64(ch.id)).Int("fd", fd).Stringer("remote", remote).Msg("accepted")
	r.invoke(ch, h.OnAccept)
}

// newHandler calls the factory, turning a panic into *PanicError.
func (a *acceptor) newHandler() (h Handler, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return a.r.factory(), nil
}

// pause stops listening for Accept until the backoff elapses or a channel
// closes. The listener stays level-triggered readable while the backlog is
// non-empty, so it must leave the multiplexer to avoid spinning.
func (a *acceptor) pause() error {
	if err := a.ch.applyInterest(0); err != nil {
		return fmt.Errorf("%w: %w", ErrListenerDestroyed, err)
	}
	a.paused = true
	a.resumeAt = time.Now().Add(a.r.cfg.AcceptBackoff)
	return nil
}

// resume re-arms Accept interest when forced or when the backoff is over.
func (a *acceptor) resume(force bool) error {
	if !a.paused || (!force && time.Now().Before(a.resumeAt)) {
		return nil
	}
	if err := a.ch.applyInterest(poller.Accept); err != nil {
		return fmt.Errorf("%w: %w", ErrListenerDestroyed, err)
	}
	a.paused = false
	a.r.log.Debug().Msg("accept resumed")
	return nil
}

// timeout caps a poll timeout so a paused acceptor is resumed on time.
func (a *acceptor) timeout(d time.Duration) time.Duration {
	if !a.paused {
		return d
	}
	left := max(time.Until(a.resumeAt), 0)
	if d < 0 || left < d {
		return left
	}
	return d
}
