// Package processor implements the Processor (C5): a per-OS-thread
// dispatcher owning a readiness poller, a timer queue, a runnable queue of
// coroutines, a mutex-guarded pending cross-thread task list, and a
// wakeup eventfd.
//
// Grounded primarily on original_source/burger/net/Processor.h/.cc (the
// "Wake" background coroutine draining the wakeup eventfd, addTask /
// addPendingTask's local-vs-foreign-thread split, resetAndGetCo's idle
// freelist reuse) and on eventloop/loop.go's dispatch-loop shape
// (runtime.LockOSThread in the run method, a timeout capped by the next
// timer deadline). Per the applied REDESIGN FLAG in SPEC_FULL.md §9(c),
// the timer queue is drained inline once per dispatch-loop iteration
// instead of via the original's busy-spinning "timerQue" coroutine.
package processor

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coroutinet/coroutine"
	"github.com/joeycumines/go-coroutinet/internal/poller"
	"github.com/joeycumines/go-coroutinet/internal/rtlog"
	"github.com/joeycumines/go-coroutinet/internal/timerqueue"
)

// maxPollTimeout bounds how long a single epoll_wait call may block, so the
// dispatch loop periodically re-checks stop/pending state even with no
// timers queued. Grounded on Processor.cc's kEpollTimeMs = 10000.
const maxPollTimeout = 10 * time.Second

// pendingTask is a callable submitted from a foreign thread, not yet
// placed on the runnable queue.
type pendingTask struct {
	fn   coroutine.Func
	name string
}

// Processor owns one OS thread's worth of cooperative scheduling: a
// readiness poller, a timer queue, a FIFO runnable queue, and an idle
// coroutine freelist. All of those are mutated only while the Processor's
// single logical execution context is active — the dispatch loop itself,
// or one of its coroutines running between a Resume and its matching
// Yield/return — which the Resume/Yield channel handshake in package
// coroutine makes safe without any lock beyond the pending-task mutex the
// spec mandates.
type Processor struct {
	// Owner is an opaque back-reference to whatever owns this Processor
	// (a *scheduler.Scheduler, in this module); used only for logging and
	// round-robin bookkeeping upstream, never dereferenced here.
	Owner any

	id  uint64
	log zerolog.Logger

	poller *poller.Poller
	timers *timerqueue.Queue

	wakeupFD int

	runnable []*coroutine.Coroutine
	idle     []*coroutine.Coroutine
	load     atomic.Int64

	mu      sync.Mutex
	pending []pendingTask

	stopFlag  atomic.Bool
	isEpoll   atomic.Bool
	runningOn atomic.Uint64 // goroutine id of the current Run() call, 0 if not running

	epollCo *coroutine.Coroutine
	wakeCo  *coroutine.Coroutine

	running     chan struct{}
	runningOnce sync.Once
}

var idSeq atomic.Uint64

// New constructs a Processor. It does not begin dispatching until Run is
// called.
func New(owner any) (*Processor, error) {
	pl, err := poller.New()
	if err != nil {
		return nil, fmt.Errorf("processor: %w", err)
	}
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = pl.Close()
		return nil, fmt.Errorf("processor: eventfd: %w", err)
	}
	id := idSeq.Add(1)
	return &Processor{
		Owner:    owner,
		id:       id,
		log:      rtlog.For("processor").With().Uint64("processor_id", id).Logger(),
		poller:   pl,
		timers:   timerqueue.New(),
		wakeupFD: fd,
		running:  make(chan struct{}),
	}, nil
}

// Running returns a channel that is closed once this Processor's dispatch
// loop has published the thread-local slot (so Current/isOwningContext
// resolve correctly on its thread) and entered its loop — i.e. once it
// has actually "signalled running" per spec.md's start() contract, not
// merely once its goroutine has been scheduled. Closed by the first Run
// call and never reopened.
func (p *Processor) Running() <-chan struct{} {
	return p.running
}

// ID returns the Processor's identity, used by the Scheduler for logging
// and by callers needing a stable handle distinct from pointer identity
// across tests.
func (p *Processor) ID() uint64 { return p.id }

// Load reports the number of non-terminal coroutines currently placed on
// this Processor. Safe from any goroutine.
func (p *Processor) Load() int64 { return p.load.Load() }

// Poller exposes the readiness poller. Callers
// outside this Processor's own execution context must not call its
// mutating methods directly; use SuspendForIO instead.
func (p *Processor) Poller() *poller.Poller { return p.poller }

// WakeupFD returns the eventfd used to interrupt a blocked poll call.
func (p *Processor) WakeupFD() int { return p.wakeupFD }

// current-processor registry: which Processor is logically running on the
// calling goroutine right now. Populated via the currently executing
// Coroutine's Owner, since coroutine bodies run on their own goroutines,
// distinct from their Processor's dispatch-loop goroutine.
func Current() *Processor {
	co := coroutine.Current()
	if co == nil {
		return nil
	}
	p, _ := co.Owner().(*Processor)
	return p
}

// isOwningContext reports whether the calling goroutine is either this
// Processor's own dispatch loop, or a Coroutine this Processor owns.
func (p *Processor) isOwningContext() bool {
	if co := coroutine.Current(); co != nil {
		if owner, ok := co.Owner().(*Processor); ok && owner == p {
			return true
		}
	}
	return p.runningOn.Load() == goroutineID()
}

func (p *Processor) assertOwningContext() {
	if !p.isOwningContext() {
		raiseProgrammingError(ErrForeignThread)
	}
}

// AddTask enqueues fn as a new coroutine named name. Called from this
// Processor's own context, it is placed directly on the runnable queue
// (reusing an idle coroutine if one is available). Called from a foreign
// goroutine, it is appended to the pending list under the mutex and the
// Processor is woken if it is currently blocked in the poller.
func (p *Processor) AddTask(fn coroutine.Func, name string) {
	if p.stopFlag.Load() {
		return
	}
	if p.isOwningContext() {
		p.enqueueLocal(fn, name)
		return
	}
	p.mu.Lock()
	p.pending = append(p.pending, pendingTask{fn: fn, name: name})
	p.mu.Unlock()
	p.wakeupEpollCoroutine()
}

func (p *Processor) enqueueLocal(fn coroutine.Func, name string) {
	co := p.resetOrNew(fn, name)
	co.SetOwner(p)
	p.runnable = append(p.runnable, co)
	p.load.Add(1)
	p.log.Debug().Str("coroutine", name).Int64("load", p.load.Load()).Msg("task added")
	if p.isEpoll.Load() {
		p.wakeupEpollCoroutine()
	}
}

func (p *Processor) resetOrNew(fn coroutine.Func, name string) *coroutine.Coroutine {
	if n := len(p.idle); n > 0 {
		co := p.idle[n-1]
		p.idle = p.idle[:n-1]
		co.Reset(fn, name)
		return co
	}
	return coroutine.New(fn, name)
}

// markRunnable places an already-constructed Coroutine back on the
// runnable queue. Used by the hook package's suspension helpers once a
// poller or timer callback fires.
func (p *Processor) markRunnable(co *coroutine.Coroutine) {
	p.runnable = append(p.runnable, co)
	if p.isEpoll.Load() {
		p.wakeupEpollCoroutine()
	}
}

// AddEvent and RemoveEvent are thin forwards to the poller, restricted to
// this Processor's own execution context per §4.5.
func (p *Processor) AddEvent(fd int, write bool, cb poller.Callback) error {
	p.assertOwningContext()
	if write {
		return p.poller.WaitWritable(fd, cb)
	}
	return p.poller.WaitReadable(fd, cb)
}

func (p *Processor) RemoveEvent(fd int) {
	p.assertOwningContext()
	p.poller.Remove(fd)
}

// wakeupEpollCoroutine writes one byte to the wakeup eventfd, forcing a
// blocked epoll_wait out. Safe from any goroutine. Grounded on
// Processor.cc's wakeupEpollCo, which does the equivalent plain ::write.
func (p *Processor) wakeupEpollCoroutine() {
	var one [8]byte
	one[0] = 1
	for {
		_, err := unix.Write(p.wakeupFD, one[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil && err != unix.EAGAIN {
			p.log.Error().Err(err).Msg("write wakeup eventfd")
		}
		return
	}
}

// Run is the dispatch loop. It must not be called re-entrantly, nor from a
// thread already bound to another Processor.
func (p *Processor) Run() error {
	gid := goroutineID()
	if !p.runningOn.CompareAndSwap(0, gid) {
		return ErrAlreadyRunning
	}
	defer p.runningOn.Store(0)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	p.log.Info().Msg("processor starting")
	defer p.log.Info().Msg("processor stopped")

	p.epollCo = coroutine.New(p.epollLoop, "Epoll")
	p.epollCo.SetOwner(p)

	p.wakeCo = coroutine.New(p.wakeLoop, "Wake")
	p.wakeCo.SetOwner(p)
	p.runnable = append(p.runnable, p.wakeCo)
	p.load.Add(1)

	p.runningOnce.Do(func() { close(p.running) })

	for {
		p.drainPendingLocked()
		p.timers.DrainExpired(time.Now())

		var cur *coroutine.Coroutine
		if len(p.runnable) > 0 {
			cur, p.runnable = p.runnable[0], p.runnable[1:]
			p.isEpoll.Store(false)
		} else {
			cur = p.epollCo
			p.isEpoll.Store(true)
		}

		cur.Resume()

		if cur.State() == coroutine.StateTerm {
			if cur != p.epollCo && cur != p.wakeCo {
				p.load.Add(-1)
				p.idle = append(p.idle, cur)
			}
			if pv := cur.Panic(); pv != nil {
				p.log.Error().Interface("panic", pv).Str("coroutine", cur.Name()).Msg("coroutine terminated by panic")
			}
		}

		if p.stopFlag.Load() && len(p.runnable) == 0 && p.timers.Len() == 0 {
			break
		}
	}

	// Let the permanent background coroutines observe the stop flag and
	// terminate, mirroring Processor::run()'s final epollCo->swapIn().
	if p.epollCo.State() != coroutine.StateTerm {
		p.epollCo.Resume()
	}
	if p.wakeCo.State() != coroutine.StateTerm {
		p.wakeupEpollCoroutine()
		p.wakeCo.Resume()
	}

	return nil
}

func (p *Processor) drainPendingLocked() {
	p.mu.Lock()
	tasks := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, t := range tasks {
		p.enqueueLocal(t.fn, t.name)
	}
}

func (p *Processor) epollLoop(co *coroutine.Coroutine) {
	for {
		if p.stopFlag.Load() && p.timers.Len() == 0 {
			return
		}
		timeout := p.pollTimeoutMillis()
		if err := p.poller.Poll(timeout); err != nil {
			p.log.Error().Err(err).Msg("poll")
		}
		co.Yield()
	}
}

func (p *Processor) pollTimeoutMillis() int {
	when, ok := p.timers.NextDeadline()
	if !ok {
		return int(maxPollTimeout / time.Millisecond)
	}
	d := time.Until(when)
	if d <= 0 {
		return 0
	}
	if d > maxPollTimeout {
		d = maxPollTimeout
	}
	ms := d / time.Millisecond
	if ms == 0 {
		return 1 // ceiling-round sub-millisecond deadlines, per eventloop's calculateTimeout
	}
	return int(ms)
}

func (p *Processor) wakeLoop(co *coroutine.Coroutine) {
	var buf [8]byte
	for {
		if p.stopFlag.Load() {
			return
		}
		if _, err := p.readWakeup(buf[:]); err != nil {
			p.log.Error().Err(err).Msg("read wakeup eventfd")
			return
		}
	}
}

// readWakeup performs the hooked-equivalent read of the wakeup eventfd
// without depending on package hook (which depends on this package),
// suspending via SuspendForIO exactly as a user coroutine's hooked recv
// would.
func (p *Processor) readWakeup(buf []byte) (int, error) {
	for {
		n, err := unix.Read(p.wakeupFD, buf)
		if err == nil {
			return n, nil
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return 0, err
		}
		if _, err := p.SuspendForIO(p.wakeupFD, false, 0); err != nil {
			return 0, err
		}
	}
}

// Stop sets the stop flag and, if the epoll coroutine is currently
// blocked, forces it out via the wakeup descriptor.
func (p *Processor) Stop() {
	p.stopFlag.Store(true)
	if p.isEpoll.Load() {
		p.wakeupEpollCoroutine()
	}
}

// Stopped reports whether Stop has been called.
func (p *Processor) Stopped() bool { return p.stopFlag.Load() }

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
