package tcp

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coroutinet/coroutine"
	"github.com/joeycumines/go-coroutinet/hook"
	"github.com/joeycumines/go-coroutinet/internal/rtlog"
	"github.com/joeycumines/go-coroutinet/processor"
	"github.com/joeycumines/go-coroutinet/scheduler"

	"github.com/joeycumines/go-catrate"
)

// Server accepts TCP connections and hands each off to a round-robin
// chosen Processor as a reactor-style Connection. It owns no Processor of
// its own — the accept loop itself runs as a coroutine on one of the
// Scheduler's Processors, grounded on the same "pick a Processor and run
// there" pattern as scheduler.Scheduler.Post.
//
// Per-connection bookkeeping (the live set of accepted Connections) is
// treated as a trivial opaque concern per §2's Non-goals for "TcpServer
// connection-map bookkeeping": a mutex-guarded map is all that's needed,
// not a dedicated concurrent container.
type Server struct {
	sched *scheduler.Scheduler
	name  string
	opts  serverOptions

	listenFD   int
	listenAddr *net.TCPAddr
	acceptProc *processor.Processor

	limiter *catrate.Limiter

	nextConnID atomic.Uint64

	mu      sync.Mutex
	conns   map[uint64]*Connection
	stopped bool
}

// NewServer constructs a Server listening on addr. The listening socket is
// created immediately so Addr() reflects the bound port (useful when addr
// requests an ephemeral port); the accept loop itself does not start until
// Start is called.
func NewServer(sched *scheduler.Scheduler, addr *net.TCPAddr, name string, opts ...ServerOption) (*Server, error) {
	o := defaultServerOptions()
	for _, opt := range opts {
		opt(&o)
	}

	fd, bound, err := listenTCP(addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen: %w", err)
	}

	var limiter *catrate.Limiter
	if len(o.acceptRates) > 0 {
		limiter = catrate.NewLimiter(o.acceptRates)
	}

	return &Server{
		sched:      sched,
		name:       name,
		opts:       o,
		listenFD:   fd,
		listenAddr: bound,
		limiter:    limiter,
		conns:      make(map[uint64]*Connection),
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() *net.TCPAddr { return s.listenAddr }

// Start posts the accept loop onto a round-robin-chosen Processor. The
// accept loop stays on that Processor for its whole life, so Stop can
// later route the listening descriptor's teardown through the same
// Processor's owning context. It reports ErrServerStopped rather than
// starting if Stop has already been called.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServerStopped
	}
	s.mu.Unlock()

	s.acceptProc = s.sched.PickProcessor()
	s.acceptProc.AddTask(s.acceptLoop, s.name+"-accept")
	return nil
}

// Stop closes the listening socket. Connections already accepted are left
// running; call ForceClose/Shutdown on them individually (or track them
// via a ConnectionCallback) to tear down the whole server. It reports
// ErrServerStopped if called more than once.
//
// The teardown itself (deregistering the listening descriptor's poller
// interest, then closing it) is routed through the accept loop's own
// Processor via AddTask: Processor.RemoveEvent may only be called from
// its owning context, and removing interest before closing is what wakes
// a suspended hook.Accept cleanly (via the poller's Remove-fires-callback
// behavior) instead of leaving that coroutine's goroutine parked forever
// on a descriptor the kernel has already dropped from the epoll set.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServerStopped
	}
	s.stopped = true
	s.mu.Unlock()

	fd := s.listenFD
	proc := s.acceptProc
	if proc == nil {
		_ = unix.Close(fd)
		return nil
	}
	proc.AddTask(func(co *coroutine.Coroutine) {
		proc.RemoveEvent(fd)
		_ = unix.Close(fd)
	}, s.name+"-stop")
	return nil
}

// ConnectionCount reports the number of currently tracked Connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop(co *coroutine.Coroutine) {
	log := rtlog.For("tcp").With().Str("server", s.name).Logger()
	for {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}

		nfd, sa, err := hook.Accept(s.listenFD, 0)
		if err != nil {
			if s.isStopped() {
				return
			}
			log.Error().Err(err).Msg("accept")
			continue
		}

		remote, err := sockaddrToTCPAddr(sa)
		if err != nil {
			_ = unix.Close(nfd)
			continue
		}

		if s.limiter != nil {
			category := any(s.name)
			if s.opts.acceptByRemoteAddr {
				category = remote.IP.String()
			}
			if _, ok := s.limiter.Allow(category); !ok {
				_ = unix.Close(nfd)
				continue
			}
		}

		s.dispatch(nfd, remote)
	}
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Server) dispatch(fd int, remote *net.TCPAddr) {
	id := s.nextConnID.Add(1)
	name := fmt.Sprintf("%s-conn-%d", s.name, id)
	target := s.sched.PickProcessor()

	target.AddTask(func(co *coroutine.Coroutine) {
		local, err := getsockname(fd)
		if err != nil {
			_ = unix.Close(fd)
			return
		}
		conn := newConnection(
			target, fd, name, local, remote,
			s.opts.connectionCB, s.opts.messageCB, s.opts.writeCompleteCB, s.opts.highWaterMarkCB,
			s.opts.highWaterMark,
			func(c *Connection) { s.removeConnection(id) },
		)
		s.addConnection(id, conn)
		conn.connectEstablished()
	}, name+"-init")
}

func (s *Server) addConnection(id uint64, c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[id] = c
}

func (s *Server) removeConnection(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}
