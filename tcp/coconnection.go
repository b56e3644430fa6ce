// Package tcp implements the TCP connection and server layer (C7) in two
// styles, both riding on package hook and package processor:
//
//   - CoConnection: coroutine-blocking. Read/Write call hook.Read/hook.Write
//     directly, suspending the calling coroutine on would-block exactly as
//     any other hooked call would. Grounded on original_source's
//     CoTcpConnection.h idea of a connection whose I/O reads like
//     synchronous code inside a coroutine.
//   - Server/Connection: reactor-style, callback-driven, grounded on
//     original_source/burger/net/TcpConnection.cc's handleRead/handleWrite/
//     handleClose/handleError/sendInLoop/shutdownInLoop and its
//     kConnecting/kConnected/kDisconnecting/kDisconnected status machine.
//
// Go's garbage collector removes the need for TcpConnection.cc's
// shared_from_this()/Channel::tie() weak-then-strong upgrade dance (used
// there purely to keep a TcpConnection alive for the duration of a
// callback firing on the loop that might otherwise race a peer's
// concurrent destroy): a plain *Connection held by a closure is enough.
package tcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coroutinet/hook"
)

// CoConnection is a coroutine-blocking TCP connection: Read and Write
// suspend the calling coroutine (via package hook) rather than returning
// EAGAIN, so connection-handling code reads like ordinary synchronous I/O
// while yielding its Processor to other coroutines whenever it would
// otherwise block.
type CoConnection struct {
	fd     int
	name   string
	local  *net.TCPAddr
	remote *net.TCPAddr

	readTimeout, writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error

	shutdownOnce sync.Once
	connected    atomic.Bool
}

// DialTCP connects to addr, suspending the calling coroutine (if any)
// until the connection completes or timeout elapses (0 disables the
// deadline).
func DialTCP(addr *net.TCPAddr, timeout time.Duration) (*CoConnection, error) {
	fd, sa, err := dialTCP(addr)
	if err != nil {
		return nil, err
	}
	if err := hook.Connect(fd, sa, timeout); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	_ = setKeepAlive(fd, true)
	_ = setNoDelay(fd, true)
	local, err := getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	remote, err := getpeername(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	c := newCoConnection(fd, local, remote)
	c.name = fmt.Sprintf("co-%s->%s", local, remote)
	return c, nil
}

// Dial resolves address and calls DialTCP.
func Dial(network, address string, timeout time.Duration) (*CoConnection, error) {
	addr, err := ResolveTCPAddr(network, address)
	if err != nil {
		return nil, err
	}
	return DialTCP(addr, timeout)
}

func newCoConnection(fd int, local, remote *net.TCPAddr) *CoConnection {
	c := &CoConnection{fd: fd, local: local, remote: remote}
	c.connected.Store(true)
	return c
}

// Fd returns the underlying file descriptor, for callers that hand off to
// the reactor-style Connection instead.
func (c *CoConnection) Fd() int { return c.fd }

// Name returns a diagnostic identifier for this connection, set when it
// was established (empty for connections built directly via
// newCoConnection, e.g. in tests over a raw socketpair).
func (c *CoConnection) Name() string { return c.name }

// Connected reports whether the connection has not yet been shut down or
// closed.
func (c *CoConnection) Connected() bool { return c.connected.Load() }

// SetReadTimeout and SetWriteTimeout bound how long Read/Write may suspend
// the calling coroutine before returning hook.ErrTimedOut. Zero disables
// the deadline.
func (c *CoConnection) SetReadTimeout(d time.Duration)  { c.readTimeout = d }
func (c *CoConnection) SetWriteTimeout(d time.Duration) { c.writeTimeout = d }

// Read implements io.Reader, suspending the calling coroutine until data
// arrives, the peer closes (io.EOF), or the read deadline elapses.
func (c *CoConnection) Read(p []byte) (int, error) {
	n, err := hook.Read(c.fd, p, c.readTimeout)
	if err == nil && n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, err
}

// Write implements io.Writer, looping hook.Write until all of p has been
// written or an error (including a timeout) occurs.
func (c *CoConnection) Write(p []byte) (int, error) {
	var written int
	for written < len(p) {
		n, err := hook.Write(c.fd, p[written:], c.writeTimeout)
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, errors.New("tcp: write returned 0 with no error")
		}
	}
	return written, nil
}

// Shutdown half-closes the write side (SHUT_WR), signalling EOF to the
// peer while still allowing in-flight reads to drain, mirroring
// Connection.shutdownInLoop's use of unix.Shutdown for the reactor style.
// Safe to call more than once; a no-op once Close has been called.
func (c *CoConnection) Shutdown() error {
	var err error
	c.shutdownOnce.Do(func() {
		c.connected.Store(false)
		err = unix.Shutdown(c.fd, unix.SHUT_WR)
	})
	return err
}

// Close closes the underlying descriptor. Safe to call more than once.
func (c *CoConnection) Close() error {
	c.closeOnce.Do(func() {
		c.shutdownOnce.Do(func() {}) // a later Shutdown is a no-op
		c.connected.Store(false)
		c.closeErr = unix.Close(c.fd)
	})
	return c.closeErr
}

func (c *CoConnection) LocalAddr() net.Addr  { return c.local }
func (c *CoConnection) RemoteAddr() net.Addr { return c.remote }
