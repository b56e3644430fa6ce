// Package scheduler implements the Scheduler (C6): a supervisor owning one
// main Processor plus N-1 worker Processors on dedicated OS threads, doing
// round-robin task and timer placement, and driving start/stop/wait
// lifecycle.
//
// Grounded on original_source/burger/net/Scheduler.cc: the file-scope
// SIGPIPE-ignore-at-load idiom (here a package init), start()'s
// main-Processor-on-the-calling-thread plus N-1 worker threads, and
// pickOneProcesser()'s round-robin counter. The self-join-deadlock
// avoidance the original needs in stop() (detaching the join onto another
// thread when called from a worker's own thread, because stop() there
// joins synchronously) does not arise in this port: Stop here only ever
// flips flags and writes wakeup descriptors (never blocks), and the actual
// "wait for every Processor to finish" step lives in Start/StartAsync's
// own goroutine, not in Stop — so Stop is safe to call from anywhere,
// including from within a worker's own coroutine, without special-casing.
package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/joeycumines/go-coroutinet/coroutine"
	"github.com/joeycumines/go-coroutinet/internal/rtlog"
	"github.com/joeycumines/go-coroutinet/internal/timerqueue"
	"github.com/joeycumines/go-coroutinet/processor"
)

var (
	// ErrAlreadyStarted is returned by Start/StartAsync/SetThreadCount once
	// the Scheduler has already started.
	ErrAlreadyStarted = errors.New("scheduler: already started")
	// ErrNotStarted is returned by operations that require Start to have
	// been called.
	ErrNotStarted = errors.New("scheduler: not started")
)

// TimerRef identifies a timer scheduled via RunAt/RunAfter/RunEvery,
// encoding the owning Processor so Cancel can route to the right timer
// queue, per the original's "timerId encodes a back-reference".
type TimerRef struct {
	proc *processor.Processor
	id   timerqueue.ID
}

// Scheduler owns one main Processor (bound to whichever goroutine calls
// Start) and threadCount-1 worker Processors, each on its own goroutine.
type Scheduler struct {
	log zerolog.Logger

	mu          sync.Mutex
	threadCount int
	started     bool
	main        *processor.Processor
	workers     []*processor.Processor
	workersWG   sync.WaitGroup

	stopped atomic.Bool
	rrIndex atomic.Uint64

	quitCh chan struct{}
}

func init() {
	// SIGPIPE ignored process-wide at library initialization, per §6:
	// "a closed peer should surface as a write error, not kill the
	// process." Grounded on Scheduler.cc's anonymous-namespace
	// IgnoreSigPipe, whose constructor runs at load time via a static
	// instance.
	ignoreSIGPIPE()
}

// New constructs a Scheduler with the given options applied.
func New(opts ...Option) (*Scheduler, error) {
	o := resolveOptions(opts)
	s := &Scheduler{
		log:         rtlog.For("scheduler"),
		threadCount: o.threadCount,
		quitCh:      make(chan struct{}),
	}
	return s, nil
}

// SetThreadCount sets the number of OS threads (one Processor each) the
// Scheduler will own. It must be called before Start.
func (s *Scheduler) SetThreadCount(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if n < 1 {
		n = 1
	}
	s.threadCount = n
	return nil
}

func (s *Scheduler) prepare() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	n := s.threadCount
	if n < 1 {
		n = 1
	}
	s.mu.Unlock()

	main, err := processor.New(s)
	if err != nil {
		return err
	}

	workers := make([]*processor.Processor, 0, n-1)
	for i := 1; i < n; i++ {
		w, err := processor.New(s)
		if err != nil {
			return err
		}
		workers = append(workers, w)
	}

	s.mu.Lock()
	s.main = main
	s.workers = workers
	s.mu.Unlock()

	for _, w := range workers {
		s.workersWG.Add(1)
		go func(w *processor.Processor) {
			defer s.workersWG.Done()
			if err := w.Run(); err != nil {
				s.log.Error().Err(err).Msg("worker processor exited with error")
			}
		}(w)
		// per spec.md's start() contract: wait until the worker has
		// actually signalled running (published its thread-local slot and
		// entered the dispatch loop), not merely until its goroutine has
		// been scheduled.
		<-w.Running()
	}

	s.log.Info().Int("thread_count", n).Msg("scheduler prepared")
	return nil
}

// Start builds the main Processor bound to the calling goroutine, builds
// threadCount-1 worker Processors each on a fresh goroutine, waits until
// all workers have launched, then runs the main Processor's dispatch loop
// on the calling goroutine. It returns once the main Processor stops and
// every worker has joined.
func (s *Scheduler) Start() error {
	if err := s.prepare(); err != nil {
		return err
	}
	return s.runMainAndJoin()
}

// StartAsync runs Start on a new goroutine and returns once every
// Processor has been constructed and every worker launched (it does not
// wait for the main Processor's dispatch loop to finish — that is what
// Wait is for).
func (s *Scheduler) StartAsync() error {
	if err := s.prepare(); err != nil {
		return err
	}
	go func() { _ = s.runMainAndJoin() }()
	return nil
}

func (s *Scheduler) runMainAndJoin() error {
	err := s.main.Run()
	s.workersWG.Wait()
	s.finalizeStop()
	return err
}

func (s *Scheduler) finalizeStop() {
	s.stopped.Store(true)
	close(s.quitCh)
}

// Wait blocks until every Processor owned by this Scheduler has stopped.
func (s *Scheduler) Wait() {
	<-s.quitCh
}

// Stop signals every owned Processor to stop. It is non-blocking and safe
// to call from any goroutine, including from within a coroutine running
// on one of this Scheduler's own Processors.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.main != nil {
		s.main.Stop()
	}
	for _, w := range s.workers {
		w.Stop()
	}
}

// pickProcessor chooses a Processor by round robin over the workers,
// falling back to the main Processor if there are no workers. Grounded on
// Scheduler.cc's pickOneProcesser.
func (s *Scheduler) pickProcessor() *processor.Processor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.workers) == 0 {
		return s.main
	}
	idx := s.rrIndex.Add(1) - 1
	return s.workers[idx%uint64(len(s.workers))]
}

// Post places fn on a round-robin-chosen Processor as a new coroutine
// named name. Discarded silently if the Scheduler has been stopped, per
// §7's "Scheduler-stopped" error kind.
func (s *Scheduler) Post(fn coroutine.Func, name string) {
	if s.stopped.Load() {
		return
	}
	p := s.pickProcessor()
	if p == nil {
		return
	}
	p.AddTask(fn, name)
}

// RunAt schedules cb to run (as a freshly placed coroutine) at when, on a
// round-robin-chosen Processor.
func (s *Scheduler) RunAt(when time.Time, name string, cb func()) (TimerRef, error) {
	if s.stopped.Load() {
		return TimerRef{}, nil
	}
	p := s.pickProcessor()
	if p == nil {
		return TimerRef{}, ErrNotStarted
	}
	id, err := p.ScheduleCallback(when, 0, name, cb)
	if err != nil {
		return TimerRef{}, err
	}
	return TimerRef{proc: p, id: id}, nil
}

// RunAfter schedules cb to run after d elapses.
func (s *Scheduler) RunAfter(d time.Duration, name string, cb func()) (TimerRef, error) {
	return s.RunAt(time.Now().Add(d), name, cb)
}

// RunEvery schedules cb to run repeatedly every d, starting after the
// first d elapses, until Cancel is called.
func (s *Scheduler) RunEvery(d time.Duration, name string, cb func()) (TimerRef, error) {
	if s.stopped.Load() {
		return TimerRef{}, nil
	}
	p := s.pickProcessor()
	if p == nil {
		return TimerRef{}, ErrNotStarted
	}
	id, err := p.ScheduleCallback(time.Now().Add(d), d, name, cb)
	if err != nil {
		return TimerRef{}, err
	}
	return TimerRef{proc: p, id: id}, nil
}

// Cancel cancels a timer previously returned by RunAt/RunAfter/RunEvery,
// routing to its owning Processor's timer queue.
func (s *Scheduler) Cancel(ref TimerRef) error {
	if ref.proc == nil {
		return nil
	}
	return ref.proc.CancelTimer(ref.id)
}

// Processors exposes the main Processor followed by every worker, for
// tests and diagnostics. Connection placement in the tcp package goes
// through PickProcessor, not this list.
func (s *Scheduler) Processors() []*processor.Processor {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*processor.Processor, 0, 1+len(s.workers))
	if s.main != nil {
		all = append(all, s.main)
	}
	all = append(all, s.workers...)
	return all
}

// PickProcessor exposes the round-robin placement policy for the tcp
// package, so an accepted connection's coroutine lands on the same
// Processor it would if posted via Post.
func (s *Scheduler) PickProcessor() *processor.Processor {
	return s.pickProcessor()
}
