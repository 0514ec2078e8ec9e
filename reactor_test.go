//go:build linux || darwin

package reactor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"runtime"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/reactor/poller"
)

const waitFor = 5 * time.Second

// hooks collects what the handlers of one reactor observed. Counters are read
// from the test goroutine, so they are atomics.
type hooks struct {
	accepts  atomic.Int32
	reads    atomic.Int32
	eofs     atomic.Int32
	errs     atomic.Int32
	closes   atomic.Int32
	lastID   atomic.Uint64
	panicked atomic.Bool

	accept  func(ch *Channel) error
	read    func(ch *Channel, data []byte) error
	onError func(ch *Channel, err error)
}

type testHandler struct {
	BaseHandler
	h *hooks
}

func (t *testHandler) OnAccept(ch *Channel) error {
	t.h.accepts.Add(1)
	t.h.lastID.Store(uint64(ch.ID()))
	if t.h.accept != nil {
		return t.h.accept(ch)
	}
	return nil
}

func (t *testHandler) OnReadable(ch *Channel) error {
	t.h.reads.Add(1)
	buf := ch.ReadBuffer()
	n, err := ch.Read(buf)
	if errors.Is(err, io.EOF) {
		t.h.eofs.Add(1)
		return nil
	}
	if err != nil || n == 0 || t.h.read == nil {
		return err
	}
	return t.h.read(ch, buf[:n])
}

func (t *testHandler) OnError(ch *Channel, err error) {
	t.h.errs.Add(1)
	var perr *PanicError
	if errors.As(err, &perr) {
		t.h.panicked.Store(true)
	}
	if t.h.onError != nil {
		t.h.onError(ch, err)
		return
	}
	_ = ch.Close()
}

func (t *testHandler) OnClose(*Channel) { t.h.closes.Add(1) }

func (h *hooks) factory() HandlerFactory {
	return func() Handler { return &testHandler{h: h} }
}

func echo(ch *Channel, data []byte) error {
	_, err := ch.Write(data)
	return err
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Network = "tcp4"
	cfg.Address = "127.0.0.1:0"
	return cfg
}

func startReactor(t *testing.T, cfg Config, factory HandlerFactory) (*Reactor, <-chan error) {
	t.Helper()
	r, err := New(cfg, factory)
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() { errc <- r.Run(context.Background()) }()
	t.Cleanup(func() {
		r.Stop()
		select {
		case <-r.Done():
		case <-time.After(waitFor):
			t.Error("reactor did not stop")
		}
	})
	return r, errc
}

func dial(t *testing.T, r *Reactor) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp4", r.Addr().String(), waitFor)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(waitFor)))
	return c
}

// newManual returns a reactor driven by the test goroutine through Poll.
func newManual(t *testing.T, cfg Config, factory HandlerFactory) *Reactor {
	t.Helper()
	r, err := New(cfg, factory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

func pollUntil(t *testing.T, r *Reactor, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached")
		_, err := r.Poll(10 * time.Millisecond)
		require.NoError(t, err)
	}
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return buf
}

func expectEOF(t *testing.T, c net.Conn) {
	t.Helper()
	var b [1]byte
	_, err := c.Read(b[:])
	assert.ErrorIs(t, err, io.EOF)
}

func TestNewValidation(t *testing.T) {
	_, err := New(testConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	cfg := testConfig()
	cfg.Network = "udp"
	_, err = New(cfg, (&hooks{}).factory())
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPingRoundTrip(t *testing.T) {
	h := &hooks{read: func(ch *Channel, data []byte) error {
		if string(data) == "PING" {
			_, err := ch.Write([]byte("PONG"))
			return err
		}
		return nil
	}}
	r, _ := startReactor(t, testConfig(), h.factory())
	assert.Equal(t, 0, r.NumChannels())

	c := dial(t, r)
	_, err := c.Write([]byte("PING"))
	require.NoError(t, err)
	assert.Equal(t, "PONG", string(readN(t, c, 4)))
	assert.Equal(t, 1, r.NumChannels())

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return r.NumChannels() == 0 }, waitFor, 5*time.Millisecond)
	assert.EqualValues(t, 1, h.accepts.Load())
	assert.EqualValues(t, 1, h.closes.Load())

	s := r.Metrics()
	assert.EqualValues(t, 1, s.Accepted)
	assert.EqualValues(t, 1, s.Closed)
	assert.Zero(t, s.Active)
}

func TestFanOutAccept(t *testing.T) {
	clients, workers := 256, 32
	if testing.Short() {
		clients, workers = 32, 8
	}
	h := &hooks{read: echo}
	r, _ := startReactor(t, testConfig(), h.factory())
	require.Eventually(t, r.running.Load, waitFor, time.Millisecond)

	threads := pprof.Lookup("threadcreate")
	baseGoroutines, baseThreads := runtime.NumGoroutine(), threads.Count()
	var peak atomic.Int64
	sample := func() {
		n := int64(runtime.NumGoroutine())
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				return
			}
		}
	}

	jobs := make(chan int)
	errs := make(chan error, clients)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				errs <- roundTrip(r.Addr().String(), []byte{byte(i), byte(i >> 8), 'x'})
				sample()
			}
		}()
	}
	for i := 0; i < clients; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return r.NumChannels() == 0 }, waitFor, 5*time.Millisecond)
	assert.EqualValues(t, clients, h.accepts.Load())
	assert.EqualValues(t, clients, h.closes.Load())
	assert.EqualValues(t, clients, r.Metrics().Accepted)

	// every connection is served by the one loop goroutine: goroutines and
	// threads scale with the dialing workers, never with the clients
	assert.LessOrEqual(t, peak.Load(), int64(baseGoroutines+2*workers+8))
	assert.LessOrEqual(t, threads.Count()-baseThreads, workers+runtime.GOMAXPROCS(0))
}

func roundTrip(addr string, msg []byte) error {
	c, err := net.DialTimeout("tcp4", addr, waitFor)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.SetDeadline(time.Now().Add(waitFor)); err != nil {
		return err
	}
	if _, err := c.Write(msg); err != nil {
		return err
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(c, got); err != nil {
		return err
	}
	if !bytes.Equal(got, msg) {
		return errors.New("echo mismatch")
	}
	return nil
}

func TestSingleEOFAndClose(t *testing.T) {
	h := &hooks{read: echo}
	r, _ := startReactor(t, testConfig(), h.factory())

	c := dial(t, r)
	_, err := c.Write([]byte("bye"))
	require.NoError(t, err)
	assert.Equal(t, "bye", string(readN(t, c, 3)))
	require.NoError(t, c.(*net.TCPConn).CloseWrite())

	expectEOF(t, c)
	require.Eventually(t, func() bool { return h.closes.Load() == 1 }, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, h.eofs.Load())
	assert.EqualValues(t, 1, h.closes.Load())
	assert.EqualValues(t, 0, h.errs.Load())
	assert.Equal(t, 0, r.NumChannels())
}

func TestPendingOutputDrainsAndClearsWriteInterest(t *testing.T) {
	const size = 32 << 20
	payload := bytes.Repeat([]byte("0123456789abcdef"), size/16)

	var pendingAfterWrite atomic.Int64
	h := &hooks{accept: func(ch *Channel) error {
		if _, err := ch.Write(payload); err != nil {
			return err
		}
		pendingAfterWrite.Store(int64(ch.Pending()))
		return nil
	}}
	cfg := testConfig()
	cfg.MaxPendingBytes = -1
	r, _ := startReactor(t, cfg, h.factory())

	c := dial(t, r)
	require.NoError(t, c.SetDeadline(time.Now().Add(30*time.Second)))
	got := readN(t, c, size)
	assert.True(t, bytes.Equal(payload, got))
	assert.Positive(t, pendingAfterWrite.Load(), "socket took the whole payload at once")

	id := ChannelID(h.lastID.Load())
	var pending atomic.Int64
	var writable atomic.Bool
	check := func() bool {
		done := make(chan struct{})
		err := r.Do(id, func(ch *Channel) error {
			pending.Store(int64(ch.Pending()))
			writable.Store(ch.Interest().Has(poller.Writable))
			close(done)
			return nil
		})
		if err != nil {
			return false
		}
		select {
		case <-done:
		case <-time.After(time.Second):
			return false
		}
		return pending.Load() == 0 && !writable.Load()
	}
	require.Eventually(t, check, waitFor, 10*time.Millisecond)
	assert.True(t, r.Metrics().WritableEvents > 0)

	before := r.Metrics().WritableEvents
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, r.Metrics().WritableEvents, "writable events kept firing on an idle channel")
}

func TestOutputLimit(t *testing.T) {
	var writeErr atomic.Value
	h := &hooks{accept: func(ch *Channel) error {
		_, err := ch.Write(make([]byte, 64<<20))
		if err != nil {
			writeErr.Store(err)
		}
		return nil
	}}
	cfg := testConfig()
	cfg.MaxPendingBytes = 1 << 20
	r, _ := startReactor(t, cfg, h.factory())

	dial(t, r)
	require.Eventually(t, func() bool { return writeErr.Load() != nil }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, writeErr.Load().(error), ErrOutputFull)
}

func TestHandlerErrorIsolation(t *testing.T) {
	h := &hooks{read: func(ch *Channel, data []byte) error {
		if bytes.Contains(data, []byte("boom")) {
			panic("boom")
		}
		if bytes.Contains(data, []byte("fail")) {
			return errors.New("handler failure")
		}
		return echo(ch, data)
	}}
	r := newManual(t, testConfig(), h.factory())

	good := dial(t, r)
	panics := dial(t, r)
	fails := dial(t, r)
	pollUntil(t, r, func() bool { return h.accepts.Load() == 3 })

	_, err := panics.Write([]byte("boom"))
	require.NoError(t, err)
	_, err = fails.Write([]byte("fail"))
	require.NoError(t, err)
	_, err = good.Write([]byte("hello"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	// all three are dispatched from one batch
	n, err := r.Poll(waitFor)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.EqualValues(t, 3, h.reads.Load())
	assert.True(t, h.panicked.Load())
	assert.EqualValues(t, 2, h.errs.Load())
	assert.EqualValues(t, 2, r.Metrics().HandlerErrors)
	assert.Equal(t, 1, r.NumChannels())

	assert.Equal(t, "hello", string(readN(t, good, 5)))
	expectEOF(t, panics)
	expectEOF(t, fails)

	_, err = good.Write([]byte("again"))
	require.NoError(t, err)
	pollUntil(t, r, func() bool { return h.reads.Load() == 4 })
	assert.Equal(t, "again", string(readN(t, good, 5)))
}

func TestTransientErrorKeepsChannel(t *testing.T) {
	h := &hooks{
		read: func(ch *Channel, data []byte) error {
			if string(data) == "soft" {
				return errors.Join(errors.New("try later"), ErrTransient)
			}
			return echo(ch, data)
		},
		onError: func(ch *Channel, err error) {
			if !errors.Is(err, ErrTransient) {
				_ = ch.Close()
			}
		},
	}
	r, _ := startReactor(t, testConfig(), h.factory())

	c := dial(t, r)
	_, err := c.Write([]byte("soft"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.errs.Load() == 1 }, waitFor, 5*time.Millisecond)

	_, err = c.Write([]byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(readN(t, c, 2)))
	assert.EqualValues(t, 0, h.closes.Load())
	assert.Equal(t, 1, r.NumChannels())
}

func TestShutdownClosesEveryChannel(t *testing.T) {
	const k = 5
	h := &hooks{read: echo}
	r, errc := startReactor(t, testConfig(), h.factory())

	conns := make([]net.Conn, k)
	for i := range conns {
		conns[i] = dial(t, r)
	}
	require.Eventually(t, func() bool { return r.NumChannels() == k }, waitFor, 5*time.Millisecond)

	r.Stop()
	r.Stop()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}

	assert.Equal(t, Stopped, r.State())
	assert.EqualValues(t, k, h.closes.Load())
	assert.Equal(t, 0, r.NumChannels())
	for _, c := range conns {
		expectEOF(t, c)
	}

	_, err := r.Poll(0)
	assert.ErrorIs(t, err, ErrLoopStopped)
	assert.ErrorIs(t, r.Run(context.Background()), ErrLoopStopped)
	assert.ErrorIs(t, r.Submit(func() {}), ErrLoopStopped)
	assert.NoError(t, r.Shutdown(context.Background()))

	_, err = net.DialTimeout("tcp4", r.Addr().String(), time.Second)
	assert.Error(t, err, "listener still accepting after shutdown")
}

func TestContextCancelStopsRun(t *testing.T) {
	r, err := New(testConfig(), (&hooks{}).factory())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	require.Eventually(t, r.running.Load, waitFor, time.Millisecond)
	assert.ErrorIs(t, r.Run(context.Background()), ErrLoopRunning)
	_, err = r.Poll(0)
	assert.ErrorIs(t, err, ErrLoopRunning)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, Stopped, r.State())
}

func TestSubmitRunsOnLoop(t *testing.T) {
	r, _ := startReactor(t, testConfig(), (&hooks{}).factory())

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Submit(func() { ran.Add(1) }))
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return ran.Load() == 100 }, waitFor, time.Millisecond)

	assert.ErrorIs(t, r.Submit(nil), ErrInvalidArgument)

	// a panicking task does not take the loop down
	require.NoError(t, r.Submit(func() { panic("task") }))
	done := make(chan struct{})
	require.NoError(t, r.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("loop stalled after task panic")
	}
}

func TestDoWritesFromWorker(t *testing.T) {
	h := &hooks{}
	r, _ := startReactor(t, testConfig(), h.factory())

	c := dial(t, r)
	require.Eventually(t, func() bool { return h.accepts.Load() == 1 }, waitFor, time.Millisecond)
	id := ChannelID(h.lastID.Load())

	go func() {
		_ = r.Do(id, func(ch *Channel) error {
			_, err := ch.Write([]byte("pushed"))
			return err
		})
	}()
	assert.Equal(t, "pushed", string(readN(t, c, 6)))

	called := make(chan struct{}, 1)
	require.NoError(t, r.Do(id+100, func(*Channel) error {
		called <- struct{}{}
		return nil
	}))
	done := make(chan struct{})
	require.NoError(t, r.Submit(func() { close(done) }))
	<-done
	assert.Empty(t, called)

	// an error from Do closes the channel like a handler error
	require.NoError(t, r.Do(id, func(*Channel) error { return errors.New("kick") }))
	expectEOF(t, c)
}

func TestSetInterestPausesReads(t *testing.T) {
	h := &hooks{
		accept: func(ch *Channel) error { return ch.SetInterest(0) },
		read:   echo,
	}
	r, _ := startReactor(t, testConfig(), h.factory())

	c := dial(t, r)
	require.Eventually(t, func() bool { return h.accepts.Load() == 1 }, waitFor, time.Millisecond)
	_, err := c.Write([]byte("held"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, h.reads.Load())

	id := ChannelID(h.lastID.Load())
	require.NoError(t, r.Do(id, func(ch *Channel) error {
		if err := ch.SetInterest(poller.Accept); !errors.Is(err, ErrInvalidArgument) {
			return errors.New("accept interest allowed on a connection")
		}
		return ch.SetInterest(poller.Readable)
	}))
	assert.Equal(t, "held", string(readN(t, c, 4)))
	assert.Equal(t, 1, r.NumChannels())
}

func TestNilHandlerRefusesConnection(t *testing.T) {
	r, _ := startReactor(t, testConfig(), func() Handler { return nil })
	c := dial(t, r)
	expectEOF(t, c)
	assert.Equal(t, 0, r.NumChannels())
}

func TestBaseHandlerDiscardsAndCloses(t *testing.T) {
	r, _ := startReactor(t, testConfig(), func() Handler { return BaseHandler{} })
	c := dial(t, r)
	_, err := c.Write(bytes.Repeat([]byte("z"), 1<<16))
	require.NoError(t, err)
	require.NoError(t, c.(*net.TCPConn).CloseWrite())
	expectEOF(t, c)
	require.Eventually(t, func() bool { return r.NumChannels() == 0 }, waitFor, 5*time.Millisecond)
}

func TestPollDrivenManually(t *testing.T) {
	h := &hooks{read: echo}
	r := newManual(t, testConfig(), h.factory())

	c := dial(t, r)
	pollUntil(t, r, func() bool { return h.accepts.Load() == 1 })

	_, err := c.Write([]byte("manual"))
	require.NoError(t, err)
	pollUntil(t, r, func() bool { return h.reads.Load() >= 1 })
	assert.Equal(t, "manual", string(readN(t, c, 6)))

	// an empty cycle is not an error
	n, err := r.Poll(0)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, Stopped, r.State())
	assert.EqualValues(t, 1, h.closes.Load())
	_, err = r.Poll(0)
	assert.ErrorIs(t, err, ErrLoopStopped)
}

func TestStopWakesPoll(t *testing.T) {
	r, err := New(testConfig(), (&hooks{}).factory())
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Stop()
	}()
	start := time.Now()
	_, err = r.Poll(-1)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), waitFor)
	assert.Equal(t, Stopped, r.State())
}

func TestAcceptPauseAndResume(t *testing.T) {
	h := &hooks{}
	cfg := testConfig()
	cfg.AcceptBackoff = 100 * time.Millisecond
	r, err := New(cfg, h.factory())
	require.NoError(t, err)
	defer r.Shutdown(context.Background())

	require.NoError(t, r.acceptor.pause())
	assert.True(t, r.acceptor.paused)
	assert.Equal(t, poller.Mask(0), r.acceptor.ch.Interest())
	assert.LessOrEqual(t, r.acceptor.timeout(-1), cfg.AcceptBackoff)
	assert.Equal(t, time.Duration(0), r.acceptor.timeout(0))

	c, err := net.DialTimeout("tcp4", r.Addr().String(), waitFor)
	require.NoError(t, err)
	defer c.Close()

	_, err = r.Poll(10 * time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 0, h.accepts.Load(), "accepted while paused")

	deadline := time.Now().Add(waitFor)
	for h.accepts.Load() == 0 {
		require.True(t, time.Now().Before(deadline))
		_, err = r.Poll(-1)
		require.NoError(t, err)
	}
	assert.False(t, r.acceptor.paused)
	assert.Equal(t, poller.Accept, r.acceptor.ch.Interest())
}

func TestOneReadPerNotification(t *testing.T) {
	h := &hooks{read: echo}
	cfg := testConfig()
	cfg.ReadBufferSize = 4
	r := newManual(t, cfg, h.factory())

	c := dial(t, r)
	pollUntil(t, r, func() bool { return h.accepts.Load() == 1 })
	_, err := c.Write([]byte("abcdefghij"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	_, err = r.Poll(waitFor)
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.reads.Load())
	assert.Equal(t, "abcd", string(readN(t, c, 4)))

	// the unread rest is reported again
	pollUntil(t, r, func() bool { return h.reads.Load() == 3 })
	assert.Equal(t, "efghij", string(readN(t, c, 6)))
}

func TestQueuedWritesSurviveWrapAround(t *testing.T) {
	const chunk, chunks = 48 << 10, 200
	h := &hooks{}
	cfg := testConfig()
	cfg.MaxPendingBytes = -1
	r, _ := startReactor(t, cfg, h.factory())

	c := dial(t, r)
	require.NoError(t, c.SetDeadline(time.Now().Add(30*time.Second)))
	require.Eventually(t, func() bool { return h.accepts.Load() == 1 }, waitFor, time.Millisecond)
	id := ChannelID(h.lastID.Load())

	go func() {
		for i := 0; i < chunks; i++ {
			p := bytes.Repeat([]byte{byte(i)}, chunk)
			if r.Do(id, func(ch *Channel) error {
				_, err := ch.Write(p)
				return err
			}) != nil {
				return
			}
			if i%8 == 7 {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	// a slow start lets output queue up while the ring is partly drained
	total := chunk * chunks
	got := make([]byte, 0, total)
	buf := make([]byte, 4096)
	for len(got) < total {
		n, err := c.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
		if len(got) < total/4 {
			time.Sleep(50 * time.Microsecond)
		}
	}
	for i := 0; i < chunks; i++ {
		require.Equal(t, chunk, bytes.Count(got[i*chunk:(i+1)*chunk], []byte{byte(i)}), "chunk %d", i)
	}
	assert.EqualValues(t, 0, h.errs.Load())
	assert.EqualValues(t, 0, h.closes.Load())

	// drained output keeps its backing array and drops Writable
	type state struct {
		pending, capacity int
		writable          bool
	}
	require.Eventually(t, func() bool {
		states := make(chan state, 1)
		if r.Do(id, func(ch *Channel) error {
			states <- state{ch.Pending(), ch.out.Cap(), ch.Interest().Has(poller.Writable)}
			return nil
		}) != nil {
			return false
		}
		select {
		case s := <-states:
			return s.pending == 0 && !s.writable && s.capacity > 0
		case <-time.After(time.Second):
			return false
		}
	}, waitFor, 10*time.Millisecond)
}

func TestFactoryPanicRefusesConnection(t *testing.T) {
	h := &hooks{}
	var calls atomic.Int32
	r := newManual(t, testConfig(), func() Handler {
		if calls.Add(1) == 1 {
			panic("factory")
		}
		return &testHandler{h: h}
	})

	first := dial(t, r)
	assert.NotPanics(t, func() {
		pollUntil(t, r, func() bool { return r.Metrics().Refused == 1 })
	})
	expectEOF(t, first)
	assert.Equal(t, 0, r.NumChannels())
	assert.Equal(t, Running, r.State())

	dial(t, r)
	pollUntil(t, r, func() bool { return h.accepts.Load() == 1 })
	assert.Equal(t, 1, r.NumChannels())
	assert.EqualValues(t, 1, r.Metrics().Refused)
}

func TestUnknownDescriptorDropped(t *testing.T) {
	h := &hooks{}
	r := newManual(t, testConfig(), h.factory())

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	require.NoError(t, r.poller.Register(fds[0], poller.Readable))
	defer r.poller.Deregister(fds[0])
	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	n, err := r.Poll(waitFor)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, r.Metrics().Dropped)
	assert.EqualValues(t, 0, h.reads.Load())
	assert.Equal(t, Running, r.State())
}

func TestEventForReusedDescriptorSkipped(t *testing.T) {
	h := &hooks{read: echo}
	r := newManual(t, testConfig(), h.factory())

	c := dial(t, r)
	pollUntil(t, r, func() bool { return h.accepts.Load() == 1 })
	ch, err := r.registry.Lookup(ChannelID(h.lastID.Load()))
	require.NoError(t, err)

	_, err = c.Write([]byte("x"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	// pretend the channel was registered during the cycle about to run
	ch.born = r.cycle + 1
	_, err = r.Poll(waitFor)
	require.NoError(t, err)
	assert.EqualValues(t, 0, h.reads.Load())
	assert.EqualValues(t, 1, r.Metrics().Dropped)

	// level-triggered readiness delivers it on the next cycle
	pollUntil(t, r, func() bool { return h.reads.Load() == 1 })
	assert.Equal(t, "x", string(readN(t, c, 1)))
}

func TestEventAfterCloseInBatchSkipped(t *testing.T) {
	h := &hooks{read: func(ch *Channel, _ []byte) error {
		for _, other := range ch.Reactor().registry.Channels() {
			if !other.listener && other != ch {
				_ = other.Close()
			}
		}
		return nil
	}}
	r := newManual(t, testConfig(), h.factory())

	a := dial(t, r)
	b := dial(t, r)
	pollUntil(t, r, func() bool { return h.accepts.Load() == 2 })
	_, err := a.Write([]byte("a"))
	require.NoError(t, err)
	_, err = b.Write([]byte("b"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	n, err := r.Poll(waitFor)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 1, h.reads.Load())
	assert.EqualValues(t, 1, h.closes.Load())
	assert.EqualValues(t, 0, h.errs.Load())
	assert.EqualValues(t, 0, r.Metrics().Dropped)
	assert.Equal(t, 1, r.NumChannels())
}

func TestListenerFailureEndsRun(t *testing.T) {
	h := &hooks{read: echo}
	r, errc := startReactor(t, testConfig(), h.factory())
	c := dial(t, r)
	require.Eventually(t, func() bool { return h.accepts.Load() == 1 }, waitFor, time.Millisecond)

	require.NoError(t, r.Submit(func() {
		r.dispatch(poller.Event{FD: r.acceptor.ch.fd, Mask: poller.HungUp})
	}))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrListenerDestroyed)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, Stopped, r.State())
	assert.EqualValues(t, 1, h.closes.Load())
	expectEOF(t, c)
}

func TestAcceptExhaustionPausesDrain(t *testing.T) {
	h := &hooks{}
	cfg := testConfig()
	cfg.AcceptBackoff = 50 * time.Millisecond
	r := newManual(t, cfg, h.factory())

	c := dial(t, r)

	var limit unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_NOFILE, &limit))
	lowered := limit
	lowered.Cur = 64
	require.NoError(t, unix.Setrlimit(unix.RLIMIT_NOFILE, &lowered))
	var filler []int
	release := func() {
		for _, fd := range filler {
			_ = unix.Close(fd)
		}
		filler = nil
		_ = unix.Setrlimit(unix.RLIMIT_NOFILE, &limit)
	}
	defer release()
	for {
		fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			require.ErrorIs(t, err, unix.EMFILE)
			break
		}
		filler = append(filler, fd)
	}

	_, err := r.Poll(waitFor)
	require.NoError(t, err)
	assert.True(t, r.acceptor.paused)
	assert.Equal(t, poller.Mask(0), r.acceptor.ch.Interest())
	assert.GreaterOrEqual(t, r.Metrics().AcceptExhausted, uint64(1))
	assert.EqualValues(t, 0, h.accepts.Load())
	assert.Equal(t, Running, r.State())

	release()
	pollUntil(t, r, func() bool { return h.accepts.Load() == 1 })
	assert.False(t, r.acceptor.paused)
	assert.Equal(t, poller.Accept, r.acceptor.ch.Interest())
	_, err = c.Write([]byte("x"))
	require.NoError(t, err)
	pollUntil(t, r, func() bool { return h.reads.Load() == 1 })
}
