// Package hook implements the syscall hook (C4): the translation of a
// would-block native I/O result into a coroutine suspension registered
// with the current Processor's poller, with an optional deadline.
//
// Go has no supported mechanism for process-wide, symbol-level
// interception of read/write/accept/connect/sleep (no
// dlsym(RTLD_NEXT,...) equivalent, and //go:linkname against the
// runtime's own syscall wrappers is both unsupported and excluded by
// "idiomatic Go only"). This package realizes the same *behavioral*
// contract §4.4 of SPEC_FULL.md describes — attempt the native
// non-blocking call once; on EAGAIN/EWOULDBLOCK suspend via the poller,
// optionally timed; retry on resume; report timeout — as an explicit call
// surface instead of an invisible, process-wide patch. tcp.CoConnection
// calls these functions directly rather than relying on monkey-patched
// read/write.
//
// Thread-local activation (§4.4's "each Processor sets the hook-enabled
// flag on its thread at run() entry") is realized by processor.Current():
// hooking is "enabled" exactly when the calling goroutine is executing
// inside a Coroutine owned by some Processor. Outside that context (rule
// 1), the native call is performed unchanged, blocking or not, exactly as
// the descriptor's own mode dictates.
package hook

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coroutinet/processor"
)

// ErrTimedOut is returned when a hooked call's configured timeout elapses
// before the descriptor becomes ready. It corresponds to §7's "Would-block
// after timeout" error kind.
var ErrTimedOut = errors.New("hook: operation timed out")

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// Read performs a hooked read(2)/recv(2): attempts the native call, and on
// EAGAIN suspends the calling coroutine until fd is readable or timeout
// elapses (0 disables the deadline).
func Read(fd int, p []byte, timeout time.Duration) (int, error) {
	proc := processor.Current()
	if proc == nil {
		return unix.Read(fd, p)
	}
	for {
		n, err := unix.Read(fd, p)
		if err == nil {
			return n, nil
		}
		if !wouldBlock(err) {
			return n, err
		}
		timedOut, werr := proc.SuspendForIO(fd, false, timeout)
		if werr != nil {
			return 0, werr
		}
		if timedOut {
			return 0, ErrTimedOut
		}
	}
}

// Write performs a hooked write(2)/send(2): attempts the native call, and
// on EAGAIN suspends the calling coroutine until fd is writable or timeout
// elapses (0 disables the deadline). As with Read, a partial native write
// is returned immediately (the caller decides whether to retry), matching
// ordinary write(2) semantics.
func Write(fd int, p []byte, timeout time.Duration) (int, error) {
	proc := processor.Current()
	if proc == nil {
		return unix.Write(fd, p)
	}
	for {
		n, err := unix.Write(fd, p)
		if err == nil {
			return n, nil
		}
		if !wouldBlock(err) {
			return n, err
		}
		timedOut, werr := proc.SuspendForIO(fd, true, timeout)
		if werr != nil {
			return 0, werr
		}
		if timedOut {
			return 0, ErrTimedOut
		}
	}
}

// Accept performs a hooked accept4(2): attempts the native call, and on
// EAGAIN suspends the calling coroutine until the listening descriptor is
// readable (has a pending connection) or timeout elapses.
func Accept(fd int, timeout time.Duration) (int, unix.Sockaddr, error) {
	proc := processor.Current()
	if proc == nil {
		return unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	}
	for {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == nil {
			return nfd, sa, nil
		}
		if !wouldBlock(err) {
			return 0, nil, err
		}
		timedOut, werr := proc.SuspendForIO(fd, false, timeout)
		if werr != nil {
			return 0, nil, werr
		}
		if timedOut {
			return 0, nil, ErrTimedOut
		}
	}
}

// Connect performs a hooked connect(2): attempts the native call; a
// non-blocking connect in progress reports EINPROGRESS rather than
// EAGAIN, so Connect suspends on write-readiness (the POSIX signal that a
// non-blocking connect has resolved, successfully or not) and then
// inspects SO_ERROR to decide the outcome.
func Connect(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	proc := processor.Current()
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) {
		return err
	}
	if proc == nil {
		return err
	}
	timedOut, werr := proc.SuspendForIO(fd, true, timeout)
	if werr != nil {
		return werr
	}
	if timedOut {
		return ErrTimedOut
	}
	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Sleep suspends the calling coroutine for d without blocking its
// Processor's OS thread. Outside a Processor's context, it falls back to
// time.Sleep.
func Sleep(d time.Duration) error {
	proc := processor.Current()
	if proc == nil {
		time.Sleep(d)
		return nil
	}
	return proc.SuspendForTimer(d)
}
