// Package poller implements the readiness poller (C2): a thin epoll wrapper
// that maps a descriptor and direction (read/write) to a single waiting
// callback, honoring the "at most one waiter per (fd, direction)" invariant.
//
// It is grounded on eventloop/poller_linux.go's FastPoller: a dynamically
// grown per-fd registration slice guarded by a mutex, EINTR treated as a
// zero-event return, and the same EPOLLIN/EPOLLOUT/EPOLLERR/EPOLLHUP bit
// mapping. Unlike FastPoller (one generic IOCallback per fd, edge-forever),
// this poller tracks read- and write-interest independently and disarms a
// direction's interest the instant its callback fires, matching the C2
// contract that a "wait" is single-shot: the coroutine must call
// wait_readable/wait_writable again to wait a second time.
package poller

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrAlreadyWaiting is the programming error reported when a second
// coroutine attempts to wait in the same direction on the same descriptor.
var ErrAlreadyWaiting = errors.New("poller: a waiter is already registered for this (fd, direction)")

// ErrClosed is returned by operations attempted after Close.
var ErrClosed = errors.New("poller: closed")

// Callback is invoked exactly once per successful registration. ready is
// true when the descriptor became ready in the requested direction, and
// false when the registration was cancelled by Remove.
type Callback func(ready bool)

type record struct {
	readCB  Callback
	writeCB Callback
	events  uint32 // current epoll interest bitmask (EPOLLIN | EPOLLOUT), 0 if unregistered
}

// Poller wraps one epoll instance. Exactly one Poller belongs to each
// Processor, which reaches it only from its own execution context (the
// dispatch loop, the epoll coroutine, or one of its coroutines; its
// RemoveEvent and AddEvent forwards assert this). The internal mutex
// guards the record map across those goroutines.
type Poller struct {
	epfd int

	mu      sync.Mutex
	records map[int]*record

	eventBuf [256]unix.EpollEvent
}

// New creates an epoll instance.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	return &Poller{
		epfd:    fd,
		records: make(map[int]*record),
	}, nil
}

// Close releases the epoll instance. It does not close any registered
// descriptor.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// WaitReadable registers cb as the sole read-waiter for fd. It reports
// ErrAlreadyWaiting if a read-waiter is already registered.
func (p *Poller) WaitReadable(fd int, cb Callback) error {
	return p.register(fd, unix.EPOLLIN, cb, true)
}

// WaitWritable registers cb as the sole write-waiter for fd. It reports
// ErrAlreadyWaiting if a write-waiter is already registered.
func (p *Poller) WaitWritable(fd int, cb Callback) error {
	return p.register(fd, unix.EPOLLOUT, cb, false)
}

func (p *Poller) register(fd int, bit uint32, cb Callback, read bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.records[fd]
	if r == nil {
		r = &record{}
		p.records[fd] = r
	}
	if read && r.readCB != nil {
		return ErrAlreadyWaiting
	}
	if !read && r.writeCB != nil {
		return ErrAlreadyWaiting
	}

	newEvents := r.events | bit
	var err error
	if r.events == 0 {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: newEvents, Fd: int32(fd)})
	} else if newEvents != r.events {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: newEvents, Fd: int32(fd)})
	}
	if err != nil {
		return fmt.Errorf("poller: epoll_ctl(fd=%d): %w", fd, err)
	}
	r.events = newEvents
	if read {
		r.readCB = cb
	} else {
		r.writeCB = cb
	}
	return nil
}

// Remove clears fd from the interest set entirely and invokes any
// registered waiters (both directions) with ready=false (cancellation).
func (p *Poller) Remove(fd int) {
	p.mu.Lock()
	r, ok := p.records[fd]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.records, fd)
	readCB, writeCB := r.readCB, r.writeCB
	if r.events != 0 {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	p.mu.Unlock()

	if readCB != nil {
		readCB(false)
	}
	if writeCB != nil {
		writeCB(false)
	}
}

// CancelRead clears only the read-waiter for fd, invoking its callback
// with ready=false, and leaves any write-waiter registered. It mirrors
// dispatch's per-bit disarm logic so a read-direction timeout cannot
// collaterally cancel a concurrently pending write wait on the same fd.
func (p *Poller) CancelRead(fd int) {
	p.cancelDirection(fd, true)
}

// CancelWrite clears only the write-waiter for fd, invoking its callback
// with ready=false, and leaves any read-waiter registered.
func (p *Poller) CancelWrite(fd int) {
	p.cancelDirection(fd, false)
}

func (p *Poller) cancelDirection(fd int, read bool) {
	p.mu.Lock()
	r, ok := p.records[fd]
	if !ok {
		p.mu.Unlock()
		return
	}

	var cb Callback
	if read {
		cb = r.readCB
		if cb == nil {
			p.mu.Unlock()
			return
		}
		r.readCB = nil
		r.events &^= unix.EPOLLIN
	} else {
		cb = r.writeCB
		if cb == nil {
			p.mu.Unlock()
			return
		}
		r.writeCB = nil
		r.events &^= unix.EPOLLOUT
	}

	if r.events == 0 {
		delete(p.records, fd)
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	} else {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: r.events, Fd: int32(fd)})
	}
	p.mu.Unlock()

	cb(false)
}

// Poll blocks in epoll_wait for up to timeoutMs (a negative value blocks
// indefinitely) and dispatches any callbacks whose interest fired. Each
// fired direction is disarmed before its callback runs, so a callback that
// wants to wait again must re-register.
func (p *Poller) Poll(timeoutMs int) error {
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("poller: epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := p.eventBuf[i]
		fd := int(ev.Fd)
		p.dispatch(fd, ev.Events)
	}
	return nil
}

func (p *Poller) dispatch(fd int, events uint32) {
	p.mu.Lock()
	r, ok := p.records[fd]
	if !ok {
		p.mu.Unlock()
		return
	}

	fire := events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0
	fireW := events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0

	var readCB, writeCB Callback
	if fire && r.readCB != nil {
		readCB = r.readCB
		r.readCB = nil
		r.events &^= unix.EPOLLIN
	}
	if fireW && r.writeCB != nil {
		writeCB = r.writeCB
		r.writeCB = nil
		r.events &^= unix.EPOLLOUT
	}

	if r.events == 0 {
		delete(p.records, fd)
		if readCB != nil || writeCB != nil {
			_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		}
	} else if readCB != nil || writeCB != nil {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: r.events, Fd: int32(fd)})
	}
	p.mu.Unlock()

	if readCB != nil {
		readCB(true)
	}
	if writeCB != nil {
		writeCB(true)
	}
}

// FD returns the underlying epoll file descriptor, for registering it with
// another epoll instance (unused by this module, exposed for symmetry with
// FastPoller's testability).
func (p *Poller) FD() int { return p.epfd }
