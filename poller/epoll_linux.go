//go:build linux

package poller

import (
	"encoding/binary"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

type epollPoller struct {
	efd    int
	wfd    int // eventfd used by Wake
	events []unix.EpollEvent
	ready  []Event
	regs   map[FD]Mask
	mu     sync.RWMutex // Wake vs Close
	closed atomic.Bool
}

// New creates an epoll backed Poller.
func New(opts ...Option) (Poller, error) {
	o := resolveOptions(opts)
	efd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(efd)
		return nil, err
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err := unix.EpollCtl(efd, unix.EPOLL_CTL_ADD, wfd, ev); err != nil {
		unix.Close(wfd)
		unix.Close(efd)
		return nil, err
	}
	return &epollPoller{
		efd:    efd,
		wfd:    wfd,
		events: make([]unix.EpollEvent, o.maxEvents),
		ready:  make([]Event, 0, o.maxEvents),
		regs:   make(map[FD]Mask),
	}, nil
}

func toEpoll(mask Mask) uint32 {
	var ev uint32
	if mask.Any(Accept | Readable) {
		ev |= unix.EPOLLIN
	}
	if mask.Any(Writable) {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpoll(ev uint32, want Mask) Mask {
	var m Mask
	if ev&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		m |= want & (Accept | Readable)
	}
	if ev&unix.EPOLLOUT != 0 {
		m |= want & Writable
	}
	if ev&unix.EPOLLERR != 0 {
		m |= Errored
	}
	if ev&unix.EPOLLHUP != 0 {
		m |= HungUp
	}
	return m
}

func (p *epollPoller) Register(fd FD, mask Mask) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if fd < 0 || fd == p.wfd {
		return &RegistrationError{FD: fd, Err: ErrInvalidFD}
	}
	if err := validInterest(mask); err != nil {
		return &RegistrationError{FD: fd, Err: err}
	}
	if _, ok := p.regs[fd]; ok {
		return &RegistrationError{FD: fd, Err: ErrAlreadyRegistered}
	}
	ev := &unix.EpollEvent{Events: toEpoll(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(p.efd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		switch {
		case errors.Is(err, unix.EEXIST):
			err = ErrAlreadyRegistered
		case errors.Is(err, unix.EBADF), errors.Is(err, unix.EPERM):
			err = errors.Join(ErrInvalidFD, err)
		}
		return &RegistrationError{FD: fd, Err: err}
	}
	p.regs[fd] = mask
	return nil
}

func (p *epollPoller) Modify(fd FD, mask Mask) error {
	if p.closed.Load() {
		return ErrClosed
	}
	old, ok := p.regs[fd]
	if !ok {
		return ErrNotRegistered
	}
	if err := validInterest(mask); err != nil {
		return err
	}
	if old == mask {
		return nil
	}
	ev := &unix.EpollEvent{Events: toEpoll(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(p.efd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return err
	}
	p.regs[fd] = mask
	return nil
}

func (p *epollPoller) Deregister(fd FD) error {
	if p.closed.Load() {
		return nil
	}
	if _, ok := p.regs[fd]; !ok {
		return nil
	}
	delete(p.regs, fd)
	err := unix.EpollCtl(p.efd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		// already gone from the kernel side
		return nil
	}
	return err
}

func (p *epollPoller) Poll(timeout time.Duration) ([]Event, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	defer runtime.KeepAlive(p)
	n, err := unix.EpollWait(p.efd, p.events, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return p.ready[:0], nil
		}
		return nil, err
	}
	ready := p.ready[:0]
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		fd := int(ev.Fd)
		if fd == p.wfd {
			p.drainWake()
			continue
		}
		want, ok := p.regs[fd]
		if !ok {
			continue
		}
		if m := fromEpoll(ev.Events, want); m != 0 {
			ready = append(ready, Event{FD: fd, Mask: m})
		}
	}
	p.ready = ready
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, n<<1)
	}
	return ready, nil
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wfd, buf[:]); err != nil {
			return
		}
	}
}

func (p *epollPoller) Wake() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return ErrClosed
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wfd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		// counter saturated, a wake is already pending
		return nil
	}
	return err
}

func (p *epollPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Swap(true) {
		return nil
	}
	clear(p.regs)
	return multierr.Append(unix.Close(p.wfd), unix.Close(p.efd))
}

func (p *epollPoller) Len() int { return len(p.regs) }
