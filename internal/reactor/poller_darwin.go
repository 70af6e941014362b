//go:build darwin

package reactor

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// IOEvents is a bitmask of readiness conditions reported for a registered
// file descriptor, grounded on eventloop/poller_darwin.go's IOEvents.
type IOEvents uint32

const (
	EventRead IOEvents = 1 << iota
	EventWrite
	EventError
	EventHangup
)

var (
	ErrFDAlreadyRegistered = errors.New("reactor: fd already registered")
	ErrFDNotRegistered     = errors.New("reactor: fd not registered")
	ErrPollerClosed        = errors.New("reactor: poller closed")
)

// IOCallback handles a readiness notification for one fd.
type IOCallback func(IOEvents)

type fdInfo struct {
	callback IOCallback
	active   bool
}

// poller is a kqueue-backed readiness multiplexer, grounded on
// eventloop.FastPoller's Darwin variant: registers one read and/or write
// filter per fd and dispatches callbacks outside the lock.
type poller struct {
	kq       int
	mu       sync.RWMutex
	fds      map[int]*fdInfo
	eventBuf [256]unix.Kevent_t
	closed   atomic.Bool
}

func newPoller() (*poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &poller{kq: kq, fds: make(map[int]*fdInfo)}, nil
}

func (p *poller) Close() error {
	p.closed.Store(true)
	return unix.Close(p.kq)
}

func (p *poller) Register(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	p.mu.Lock()
	if _, exists := p.fds[fd]; exists {
		p.mu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = &fdInfo{callback: cb, active: true}
	p.mu.Unlock()

	changes := kqueueChanges(fd, events)
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		p.mu.Lock()
		delete(p.fds, fd)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *poller) Modify(fd int, events IOEvents) error {
	p.mu.RLock()
	_, exists := p.fds[fd]
	p.mu.RUnlock()
	if !exists {
		return ErrFDNotRegistered
	}
	_, err := unix.Kevent(p.kq, kqueueChanges(fd, events), nil, nil)
	return err
}

func (p *poller) Unregister(fd int) error {
	p.mu.Lock()
	if _, exists := p.fds[fd]; !exists {
		p.mu.Unlock()
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	p.mu.Unlock()

	deletes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, _ = unix.Kevent(p.kq, deletes, nil, nil)
	return nil
}

func (p *poller) Poll(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1_000_000),
		}
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		ev := p.eventBuf[i]
		fd := int(ev.Ident)
		p.mu.RLock()
		info, ok := p.fds[fd]
		p.mu.RUnlock()
		if !ok || !info.active || info.callback == nil {
			continue
		}
		var events IOEvents
		switch ev.Filter {
		case unix.EVFILT_READ:
			events |= EventRead
		case unix.EVFILT_WRITE:
			events |= EventWrite
		}
		if ev.Flags&unix.EV_EOF != 0 {
			events |= EventHangup
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			events |= EventError
		}
		info.callback(events)
	}
	return n, nil
}

func kqueueChanges(fd int, events IOEvents) []unix.Kevent_t {
	changes := make([]unix.Kevent_t, 0, 2)
	readFlags := unix.EV_ADD | unix.EV_CLEAR
	if events&EventRead == 0 {
		readFlags = unix.EV_DELETE
	}
	changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: uint16(readFlags)})

	writeFlags := unix.EV_ADD | unix.EV_CLEAR
	if events&EventWrite == 0 {
		writeFlags = unix.EV_DELETE
	}
	changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: uint16(writeFlags)})
	return changes
}
