// Package reactor is a single-threaded, readiness-multiplexed TCP server core.
//
// A Reactor owns one listening socket and every connection accepted from it.
// One goroutine, the loop, waits on the operating system's readiness
// primitive, accepts connections, and dispatches read and write readiness to
// per-connection Handlers. Channels, the registry and the multiplexer are only
// touched by the loop; other goroutines hand work over with Submit or Do and
// end the loop with Stop.
//
//	r, err := reactor.New(reactor.DefaultConfig(), func() reactor.Handler { return &myHandler{} })
//	if err != nil {
//		return err
//	}
//	return r.Run(ctx)
package reactor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/legamerdc/reactor/internal/netutil"
	"github.com/legamerdc/reactor/internal/ring"
	"github.com/legamerdc/reactor/poller"
)

// Reactor is an event loop serving one listening address.
type Reactor struct {
	cfg     Config
	factory HandlerFactory
	log     zerolog.Logger
	limiter *catrate.Limiter

	poller   poller.Poller
	registry *Registry
	acceptor acceptor
	scratch  []byte

	nextID   ChannelID
	cycle    uint64
	released bool // a channel closed this cycle
	fatal    error

	// descriptors closed during the current batch
	closedFDs map[int]struct{}

	state   atomic.Int32
	running atomic.Bool
	done    chan struct{}

	mu          sync.Mutex
	inbox       *queue.Queue
	inboxClosed bool

	stats     counters
	collector *collector
}

// New opens the listening socket described by cfg and returns a Running
// reactor. The loop does not start until Run or Poll is called.
func New(cfg Config, factory HandlerFactory) (*Reactor, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: nil handler factory", ErrInvalidArgument)
	}
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("reactor", cfg.Name).Logger()
	}
	p, err := poller.New(poller.WithMaxEvents(cfg.MaxEvents))
	if err != nil {
		if errors.Is(err, poller.ErrUnsupported) {
			return nil, ErrPlatformNotSupported
		}
		return nil, err
	}
	r := &Reactor{
		cfg:     cfg,
		factory: factory,
		log:     log,
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
		poller:   p,
		registry: NewRegistry(),
		scratch:  make([]byte, cfg.ReadBufferSize),
		done:     make(chan struct{}),
		inbox:    queue.New(),

		closedFDs: make(map[int]struct{}),
	}
	r.state.Store(int32(Running))
	r.acceptor.r = r
	if err := r.acceptor.open(); err != nil {
		return nil, multierr.Append(err, p.Close())
	}
	r.collector = newCollector(cfg.Name, &r.stats)
	if cfg.Registerer != nil {
		if err := cfg.Registerer.Register(r.collector); err != nil {
			return nil, multierr.Combine(err, r.acceptor.ch.Close(), p.Close())
		}
	}
	r.log.Info().Stringer("addr", r.acceptor.addr).Msg("listening")
	return r, nil
}

func (r *Reactor) Name() string { return r.cfg.Name }

// Addr is the bound listening address, with the real port when Config.Address
// asked for port 0.
func (r *Reactor) Addr() net.Addr { return r.acceptor.addr }

// NumChannels is the number of open connection channels, not counting the
// listener. Safe from any goroutine.
func (r *Reactor) NumChannels() int { return int(r.stats.active.Load()) }

// Metrics returns a snapshot of the reactor's counters. Safe from any
// goroutine.
func (r *Reactor) Metrics() Stats { return r.stats.snapshot() }

// Done is closed once the reactor reaches Stopped.
func (r *Reactor) Done() <-chan struct{} { return r.done }

// Run drives the loop on the calling goroutine until Stop is called, ctx is
// done, or a structural failure occurs. It returns nil after a requested stop
// and the failure otherwise.
func (r *Reactor) Run(ctx context.Context) error {
	if r.State() == Stopped {
		return ErrLoopStopped
	}
	if !r.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer r.running.Store(false)
	if r.cfg.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	stop := context.AfterFunc(ctx, r.Stop)
	defer stop()

	for r.State() == Running {
		r.cycleOnce(r.cfg.PollTimeout)
	}
	return multierr.Append(r.fatal, r.shutdown())
}

// Poll runs a single cycle on the calling goroutine, waiting at most timeout
// (negative waits indefinitely). It returns the number of events dispatched.
// A stop requested before or during the cycle completes the shutdown before
// Poll returns.
func (r *Reactor) Poll(timeout time.Duration) (int, error) {
	if r.State() == Stopped {
		return 0, ErrLoopStopped
	}
	if !r.running.CompareAndSwap(false, true) {
		return 0, ErrLoopRunning
	}
	defer r.running.Store(false)
	var n int
	if r.State() == Running {
		n = r.cycleOnce(timeout)
	}
	if r.State() != Running {
		return n, multierr.Append(r.fatal, r.shutdown())
	}
	return n, nil
}

// Stop asks the loop to shut down. Safe from any goroutine and idempotent; it
// does not wait.
func (r *Reactor) Stop() {
	if r.advance(Running, ShuttingDown) {
		_ = r.poller.Wake()
	}
}

// Shutdown stops the reactor and waits for it to reach Stopped. When no
// goroutine is driving the loop the shutdown runs on the caller.
func (r *Reactor) Shutdown(ctx context.Context) error {
	r.Stop()
	if r.running.CompareAndSwap(false, true) {
		err := r.shutdown()
		r.running.Store(false)
		return err
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues fn to run on the loop goroutine during the next cycle and
// wakes the loop. Functions queued before shutdown still run.
func (r *Reactor) Submit(fn func()) error {
	if fn == nil {
		return fmt.Errorf("%w: nil task", ErrInvalidArgument)
	}
	r.mu.Lock()
	if r.inboxClosed {
		r.mu.Unlock()
		return ErrLoopStopped
	}
	r.inbox.Add(fn)
	r.mu.Unlock()
	if err := r.poller.Wake(); err != nil && !errors.Is(err, poller.ErrClosed) {
		return err
	}
	return nil
}

// Do runs fn against channel id on the loop goroutine. fn is skipped when the
// channel has closed in the meantime. An error from fn is treated like a
// handler error.
func (r *Reactor) Do(id ChannelID, fn func(ch *Channel) error) error {
	if fn == nil {
		return fmt.Errorf("%w: nil function", ErrInvalidArgument)
	}
	return r.Submit(func() {
		ch, err := r.registry.Lookup(id)
		if err != nil || ch.listener {
			r.log.Debug().Uint64("channel", uint64(id)).Msg("do: channel gone")
			return
		}
		r.invoke(ch, fn)
	})
}

func (r *Reactor) cycleOnce(timeout time.Duration) int {
	events, err := r.poller.Poll(r.acceptor.timeout(timeout))
	if err != nil {
		r.fail(fmt.Errorf("reactor: poll: %w", err))
		return 0
	}
	r.cycle++
	r.stats.cycles.Add(1)
	clear(r.closedFDs)
	r.runTasks()
	for _, ev := range events {
		r.dispatch(ev)
	}
	if r.released || r.acceptor.paused {
		force := r.released
		r.released = false
		if err := r.acceptor.resume(force); err != nil {
			r.fail(err)
		}
	}
	return len(events)
}

func (r *Reactor) dispatch(ev poller.Event) {
	ch, err := r.registry.LookupFD(ev.FD)
	if err != nil {
		if _, ok := r.closedFDs[ev.FD]; ok {
			// closed earlier in this batch
			return
		}
		r.stats.dropped.Add(1)
		r.warn("unknown-fd").Int("fd", ev.FD).Stringer("mask", ev.Mask).Msg("event for unregistered descriptor dropped")
		return
	}
	r.stats.event(ev.Mask)
	if ch.listener {
		if err := r.acceptor.ready(ev.Mask); err != nil {
			r.fail(err)
		}
		return
	}
	// registered after this batch was collected: the event belongs to a
	// previous owner of the descriptor
	if ch.born == r.cycle {
		r.stats.dropped.Add(1)
		return
	}
	h := ch.handler
	m := ev.Mask
	if m.Has(poller.Errored) {
		if serr := netutil.SocketError(ch.fd); serr != nil {
			r.fault(ch, serr)
			return
		}
	}
	if m.Any(poller.Readable|poller.HungUp) && ch.interest.Has(poller.Readable) {
		r.invoke(ch, h.OnReadable)
	} else if m.Has(poller.HungUp) && !m.Has(poller.Writable) {
		r.fault(ch, errHungUp)
		return
	}
	if m.Has(poller.Writable) && !ch.closed && ch.interest.Has(poller.Writable) {
		r.invoke(ch, h.OnWritable)
	}
}

// invoke runs one handler callback and applies the failure policy.
func (r *Reactor) invoke(ch *Channel, fn func(*Channel) error) {
	if ch.closed {
		return
	}
	if err := r.call(ch, fn); err != nil {
		r.fault(ch, err)
	}
	r.settle(ch)
}

// call runs fn, turning a panic into *PanicError.
func (r *Reactor) call(ch *Channel, fn func(*Channel) error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return fn(ch)
}

// fault routes err to OnError and closes the channel unless the error is
// transient and the handler kept the channel open.
func (r *Reactor) fault(ch *Channel, err error) {
	if ch.closed {
		r.log.Debug().Uint64("channel", uint64(ch.id)).Err(err).Msg("error after close")
		return
	}
	r.stats.handlerErrors.Add(1)
	r.log.Debug().Uint64("channel", uint64(ch.id)).Err(err).Msg("channel error")
	if perr := r.call(ch, func(ch *Channel) error {
		ch.handler.OnError(ch, err)
		return nil
	}); perr != nil {
		r.warn("on-error-panic").Uint64("channel", uint64(ch.id)).Err(perr).Msg("OnError panicked")
	}
	if !ch.closed && !errors.Is(err, ErrTransient) {
		_ = ch.Close()
	}
}

// settle closes a channel whose peer has finished once its output drains.
func (r *Reactor) settle(ch *Channel) {
	if !ch.closed && ch.eof && ch.out.Len() == 0 {
		_ = ch.Close()
	}
}

// fail records a structural failure and moves the loop to shutdown.
func (r *Reactor) fail(err error) {
	if r.fatal == nil {
		r.fatal = err
		r.log.Error().Err(err).Msg("reactor failed")
	}
	r.advance(Running, ShuttingDown)
}

func (r *Reactor) runTasks() {
	r.mu.Lock()
	n := r.inbox.Length()
	r.mu.Unlock()
	for ; n > 0; n-- {
		r.mu.Lock()
		fn := r.inbox.Remove().(func())
		r.mu.Unlock()
		r.runTask(fn)
	}
}

func (r *Reactor) runTask(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			r.warn("task-panic").Interface("panic", v).Bytes("stack", debug.Stack()).Msg("submitted task panicked")
		}
	}()
	fn()
}

func (r *Reactor) newChannel(fd int, remote net.Addr) *Channel {
	r.nextID++
	return &Channel{
		id:     r.nextID,
		fd:     fd,
		r:      r,
		out:    ring.New(r.cfg.MaxPendingBytes),
		remote: remote,
	}
}

// channelClosed runs at the end of Channel.Close.
func (r *Reactor) channelClosed(ch *Channel) {
	r.closedFDs[ch.fd] = struct{}{}
	if ch.listener {
		return
	}
	r.stats.active.Add(-1)
	r.stats.closed.Add(1)
	r.released = true
	r.log.Debug().Uint64("channel", uint64(ch.id)).Msg("closed")
	if perr := r.call(ch, func(ch *Channel) error {
		ch.handler.OnClose(ch)
		return nil
	}); perr != nil {
		r.warn("on-close-panic").Uint64("channel", uint64(ch.id)).Err(perr).Msg("OnClose panicked")
	}
}

// shutdown runs the remaining tasks, closes every channel, the listener and
// the multiplexer, then enters Stopped. Only the goroutine holding running
// calls it.
func (r *Reactor) shutdown() error {
	if r.State() == Stopped {
		return nil
	}
	r.advance(Running, ShuttingDown)
	r.mu.Lock()
	r.inboxClosed = true
	r.mu.Unlock()
	r.runTasks()

	var err error
	for _, ch := range r.registry.Channels() {
		if !ch.listener {
			err = multierr.Append(err, ch.Close())
		}
	}
	err = multierr.Append(err, r.acceptor.ch.Close())
	err = multierr.Append(err, r.poller.Close())
	if r.cfg.Registerer != nil {
		r.cfg.Registerer.Unregister(r.collector)
	}
	r.state.Store(int32(Stopped))
	close(r.done)
	r.log.Info().Uint64("cycles", r.cycle).Msg("stopped")
	return err
}

// warn returns a Warn event, or nil when the category is over its rate.
func (r *Reactor) warn(category string) *zerolog.Event {
	if _, ok := r.limiter.Allow(category); !ok {
		return nil
	}
	return r.log.Warn().Str("category", category)
}
