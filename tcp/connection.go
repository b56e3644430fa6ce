package tcp

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coroutinet/coroutine"
	"github.com/joeycumines/go-coroutinet/internal/rtlog"
	"github.com/joeycumines/go-coroutinet/processor"
)

// Status mirrors TcpConnection.cc's Status enum.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnecting
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// ConnectionCallback, MessageCallback, WriteCompleteCallback, and
// HighWaterMarkCallback mirror TcpConnection.cc's corresponding
// std::function callback members.
type (
	ConnectionCallback     func(c *Connection)
	MessageCallback        func(c *Connection, data []byte)
	WriteCompleteCallback  func(c *Connection)
	HighWaterMarkCallback  func(c *Connection, outstanding int)
	connectionClosedNotify func(c *Connection)
)

func defaultConnectionCallback(*Connection)        {}
func defaultMessageCallback(*Connection, []byte)    {}
func defaultWriteCompleteCallback(*Connection)      {}
func defaultHighWaterMarkCallback(*Connection, int) {}

// Connection is a reactor-style TCP connection: I/O happens from readiness
// callbacks registered with its owning Processor's poller (via
// Processor.AddEvent), never by blocking a coroutine. Grounded on
// original_source/burger/net/TcpConnection.cc.
type Connection struct {
	proc   *processor.Processor
	fd     int
	name   string
	local  *net.TCPAddr
	remote *net.TCPAddr

	status atomic.Int32

	// mu guards outbound, writing and closed so Send/Shutdown/ForceClose
	// may be called from any goroutine, per TcpConnection::send's
	// "thread-safe, may be called cross-thread" contract.
	mu       sync.Mutex
	outbound bytes.Buffer
	writing  bool
	closed   bool

	highWaterMark int

	connectionCB     ConnectionCallback
	messageCB        MessageCallback
	writeCompleteCB  WriteCompleteCallback
	highWaterMarkCB  HighWaterMarkCallback
	onClosed         connectionClosedNotify

	readBuf [64 * 1024]byte
}

func newConnection(
	proc *processor.Processor,
	fd int,
	name string,
	local, remote *net.TCPAddr,
	connectionCB ConnectionCallback,
	messageCB MessageCallback,
	writeCompleteCB WriteCompleteCallback,
	highWaterMarkCB HighWaterMarkCallback,
	highWaterMark int,
	onClosed connectionClosedNotify,
) *Connection {
	if connectionCB == nil {
		connectionCB = defaultConnectionCallback
	}
	if messageCB == nil {
		messageCB = defaultMessageCallback
	}
	if writeCompleteCB == nil {
		writeCompleteCB = defaultWriteCompleteCallback
	}
	if highWaterMarkCB == nil {
		highWaterMarkCB = defaultHighWaterMarkCallback
	}
	c := &Connection{
		proc:            proc,
		fd:              fd,
		name:            name,
		local:           local,
		remote:          remote,
		highWaterMark:   highWaterMark,
		connectionCB:    connectionCB,
		messageCB:       messageCB,
		writeCompleteCB: writeCompleteCB,
		highWaterMarkCB: highWaterMarkCB,
		onClosed:        onClosed,
	}
	c.status.Store(int32(StatusConnecting))
	_ = setKeepAlive(fd, true)
	_ = setNoDelay(fd, true)
	return c
}

func (c *Connection) Name() string         { return c.name }
func (c *Connection) LocalAddr() net.Addr  { return c.local }
func (c *Connection) RemoteAddr() net.Addr { return c.remote }
func (c *Connection) Status() Status       { return Status(c.status.Load()) }
func (c *Connection) Fd() int              { return c.fd }

// connectEstablished registers read interest and fires the connection
// callback. Must run on this Connection's owning Processor.
func (c *Connection) connectEstablished() {
	c.status.Store(int32(StatusConnected))
	if err := c.proc.AddEvent(c.fd, false, c.handleReadable); err != nil {
		log := rtlog.For("tcp")
		log.Error().Err(err).Str("conn", c.name).Msg("register read interest")
	}
	c.connectionCB(c)
}

// connectDestroyed tears down poller interest and fires the connection
// callback one last time if still connected, mirroring
// TcpConnection::connectDestroyed.
func (c *Connection) connectDestroyed() {
	if Status(c.status.Load()) == StatusConnected {
		c.status.Store(int32(StatusDisconnected))
		c.connectionCB(c)
	}
	c.proc.RemoveEvent(c.fd)
	_ = unix.Close(c.fd)
	if c.onClosed != nil {
		c.onClosed(c)
	}
}

func (c *Connection) handleReadable(ready bool) {
	if !ready || Status(c.status.Load()) == StatusDisconnected {
		return
	}
	n, err := unix.Read(c.fd, c.readBuf[:])
	switch {
	case err != nil && (err == unix.EAGAIN || err == unix.EWOULDBLOCK):
		c.rearmRead()
	case err != nil:
		c.handleError(err)
	case n == 0:
		c.handleClose()
	default:
		c.messageCB(c, c.readBuf[:n])
		c.rearmRead()
	}
}

func (c *Connection) rearmRead() {
	if Status(c.status.Load()) == StatusDisconnected {
		return
	}
	if err := c.proc.AddEvent(c.fd, false, c.handleReadable); err != nil {
		log := rtlog.For("tcp")
		log.Error().Err(err).Str("conn", c.name).Msg("re-register read interest")
	}
}

func (c *Connection) handleWritable(ready bool) {
	if !ready {
		return
	}
	c.mu.Lock()
	if c.outbound.Len() == 0 {
		c.writing = false
		c.mu.Unlock()
		return
	}
	n, err := unix.Write(c.fd, c.outbound.Bytes())
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			c.mu.Unlock()
			c.rearmWrite()
			return
		}
		c.mu.Unlock()
		c.handleError(err)
		return
	}
	c.outbound.Next(n)
	drained := c.outbound.Len() == 0
	if drained {
		c.writing = false
	}
	status := Status(c.status.Load())
	c.mu.Unlock()

	if !drained {
		c.rearmWrite()
		return
	}
	c.writeCompleteCB(c)
	if status == StatusDisconnecting {
		c.shutdownInLoop()
	}
}

func (c *Connection) rearmWrite() {
	if err := c.proc.AddEvent(c.fd, true, c.handleWritable); err != nil {
		log := rtlog.For("tcp")
		log.Error().Err(err).Str("conn", c.name).Msg("re-register write interest")
	}
}

func (c *Connection) handleClose() {
	c.status.Store(int32(StatusDisconnected))
	c.connectionCB(c)
	c.connectDestroyed()
}

func (c *Connection) handleError(err error) {
	log := rtlog.For("tcp")
	log.Error().Err(err).Str("conn", c.name).Msg("connection error")
	c.handleClose()
}

// Send queues data for writing. Safe from any goroutine: called from this
// Connection's owning Processor it writes inline (sendInLoop); called
// cross-thread it hands off via AddTask, mirroring
// TcpConnection::send's isInLoopThread branch.
func (c *Connection) Send(data []byte) {
	if Status(c.status.Load()) != StatusConnected {
		return
	}
	if isOwning(c.proc) {
		c.sendInLoop(data)
		return
	}
	buf := append([]byte(nil), data...)
	c.proc.AddTask(func(co *coroutine.Coroutine) { c.sendInLoop(buf) }, c.name+"-send")
}

func isOwning(p *processor.Processor) bool {
	return processor.Current() == p
}

func (c *Connection) sendInLoop(data []byte) {
	if Status(c.status.Load()) == StatusDisconnected {
		return
	}
	c.mu.Lock()
	if !c.writing && c.outbound.Len() == 0 {
		n, err := unix.Write(c.fd, data)
		if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			c.mu.Unlock()
			c.handleError(err)
			return
		}
		if err == nil {
			data = data[n:]
		}
		if len(data) == 0 {
			c.mu.Unlock()
			c.writeCompleteCB(c)
			return
		}
	}
	c.outbound.Write(data)
	outstanding := c.outbound.Len()
	wasWriting := c.writing
	c.writing = true
	c.mu.Unlock()

	if outstanding >= c.highWaterMark && c.highWaterMark > 0 {
		c.highWaterMarkCB(c, outstanding)
	}
	if !wasWriting {
		c.rearmWrite()
	}
}

// Shutdown half-closes the connection for writing once any queued output
// drains, mirroring TcpConnection::shutdown/shutdownInLoop.
func (c *Connection) Shutdown() {
	if !c.status.CompareAndSwap(int32(StatusConnected), int32(StatusDisconnecting)) {
		return
	}
	if isOwning(c.proc) {
		c.shutdownInLoop()
		return
	}
	c.proc.AddTask(func(co *coroutine.Coroutine) { c.shutdownInLoop() }, c.name+"-shutdown")
}

func (c *Connection) shutdownInLoop() {
	c.mu.Lock()
	writing := c.writing
	c.mu.Unlock()
	if !writing {
		_ = unix.Shutdown(c.fd, unix.SHUT_WR)
	}
}

// ForceClose closes the connection immediately regardless of queued
// output.
func (c *Connection) ForceClose() {
	if Status(c.status.Load()) == StatusDisconnected {
		return
	}
	if isOwning(c.proc) {
		c.handleClose()
		return
	}
	c.proc.AddTask(func(co *coroutine.Coroutine) { c.handleClose() }, c.name+"-force-close")
}
