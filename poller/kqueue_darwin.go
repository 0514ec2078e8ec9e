//go:build darwin

package poller

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// wakeIdent is the EVFILT_USER identifier used by Wake. User events live in
// their own namespace, so it cannot collide with a descriptor.
const wakeIdent = 0

type kqueuePoller struct {
	kq     int
	events []unix.Kevent_t
	ready  []Event
	index  map[FD]int // fd -> position in ready, rebuilt every Poll
	regs   map[FD]Mask
	mu     sync.RWMutex // Wake vs Close
	closed atomic.Bool
}

// New creates a kqueue backed Poller.
func New(opts ...Option) (Poller, error) {
	o := resolveOptions(opts)
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	wake := unix.Kevent_t{Ident: wakeIdent, Filter: unix.EVFILT_USER, Flags: unix.EV_ADD | unix.EV_CLEAR}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{wake}, nil, nil); err != nil {
		unix.Close(kq)
		return nil, err
	}
	return &kqueuePoller{
		kq:     kq,
		events: make([]unix.Kevent_t, o.maxEvents),
		ready:  make([]Event, 0, o.maxEvents),
		index:  make(map[FD]int),
		regs:   make(map[FD]Mask),
	}, nil
}

func readFilter(mask Mask) bool  { return mask.Any(Accept | Readable) }
func writeFilter(mask Mask) bool { return mask.Any(Writable) }

// changes computes the kevent changelist that moves fd from old to mask.
func changes(fd FD, old, mask Mask) []unix.Kevent_t {
	var ch []unix.Kevent_t
	add := func(filter int16, flags uint16) {
		ch = append(ch, unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags})
	}
	switch r0, r1 := readFilter(old), readFilter(mask); {
	case !r0 && r1:
		add(unix.EVFILT_READ, unix.EV_ADD)
	case r0 && !r1:
		add(unix.EVFILT_READ, unix.EV_DELETE)
	}
	switch w0, w1 := writeFilter(old), writeFilter(mask); {
	case !w0 && w1:
		add(unix.EVFILT_WRITE, unix.EV_ADD)
	case w0 && !w1:
		add(unix.EVFILT_WRITE, unix.EV_DELETE)
	}
	return ch
}

func (p *kqueuePoller) Register(fd FD, mask Mask) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if fd < 0 {
		return &RegistrationError{FD: fd, Err: ErrInvalidFD}
	}
	if err := validInterest(mask); err != nil {
		return &RegistrationError{FD: fd, Err: err}
	}
	if _, ok := p.regs[fd]; ok {
		return &RegistrationError{FD: fd, Err: ErrAlreadyRegistered}
	}
	if _, err := unix.Kevent(p.kq, changes(fd, 0, mask), nil, nil); err != nil {
		if errors.Is(err, unix.EBADF) {
			err = errors.Join(ErrInvalidFD, err)
		}
		return &RegistrationError{FD: fd, Err: err}
	}
	p.regs[fd] = mask
	return nil
}

func (p *kqueuePoller) Modify(fd FD, mask Mask) error {
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
	if ch := changes(fd, old, mask); len(ch) > 0 {
		if _, err := unix.Kevent(p.kq, ch, nil, nil); err != nil {
			return err
		}
	}
	p.regs[fd] = mask
	return nil
}

func (p *kqueuePoller) Deregister(fd FD) error {
	if p.closed.Load() {
		return nil
	}
	old, ok := p.regs[fd]
	if !ok {
		return nil
	}
	delete(p.regs, fd)
	_, err := unix.Kevent(p.kq, changes(fd, old, 0), nil, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

func (p *kqueuePoller) Poll(timeout time.Duration) ([]Event, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	defer runtime.KeepAlive(p)
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.events, ts)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return p.ready[:0], nil
		}
		return nil, err
	}
	ready := p.ready[:0]
	clear(p.index)
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		if ev.Filter == unix.EVFILT_USER {
			continue
		}
		fd := int(ev.Ident)
		want, ok := p.regs[fd]
		if !ok {
			continue
		}
		var m Mask
		switch ev.Filter {
		case unix.EVFILT_READ:
			m = want & (Accept | Readable)
		case unix.EVFILT_WRITE:
			m = want & Writable
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			m |= Errored
		}
		if m == 0 {
			continue
		}
		if j, seen := p.index[fd]; seen {
			ready[j].Mask |= m
			continue
		}
		p.index[fd] = len(ready)
		ready = append(ready, Event{FD: fd, Mask: m})
	}
	p.ready = ready
	if n == len(p.events) {
		p.events = make([]unix.Kevent_t, n<<1)
	}
	return ready, nil
}

func (p *kqueuePoller) Wake() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return ErrClosed
	}
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}, nil, nil)
	return err
}

func (p *kqueuePoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Swap(true) {
		return nil
	}
	clear(p.regs)
	return unix.Close(p.kq)
}

func (p *kqueuePoller) Len() int { return len(p.regs) }
