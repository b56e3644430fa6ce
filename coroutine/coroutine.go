// Package coroutine implements the stackful coroutine primitive (C1): a
// cooperative, resumable unit of execution with a total-and-mostly-one-way
// state machine and a reset path for reuse.
//
// Go has no supported mechanism for saving and restoring a raw machine
// context (no ucontext, no portable manual stack switch), so each Coroutine
// is realized as one dedicated goroutine synchronized with its resumer
// through a pair of unbuffered rendezvous channels. The goroutine's own
// suspended state, parked on a channel receive, plays the role of "saved
// machine context"; the Go runtime's dynamically growing goroutine stack
// plays the role of "stack region".
package coroutine

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// State is a Coroutine's position in its total, mostly one-way state
// machine: INIT -> EXEC -> HOLD -> EXEC -> ... -> TERM, with TERM -> INIT
// permitted only via Reset.
type State int32

const (
	StateInit State = iota
	StateExec
	StateHold
	StateTerm
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateExec:
		return "EXEC"
	case StateHold:
		return "HOLD"
	case StateTerm:
		return "TERM"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Func is the body of a Coroutine. It receives the Coroutine so it can call
// Yield on itself without relying on a separate current-coroutine lookup.
type Func func(co *Coroutine)

// Coroutine is a stackful, cooperatively scheduled unit of execution.
//
// The zero value is not usable; construct one with New.
type Coroutine struct {
	id   uint64
	name string

	state atomic.Int32

	fn Func

	resumeCh chan struct{}
	yieldCh  chan struct{}

	// panicVal is set if fn panicked; it terminates the Coroutine (state ->
	// TERM) rather than the owning goroutine/thread, per the "a panic inside
	// a user coroutine terminates only that coroutine" failure semantic.
	panicVal any

	// owner is opaque to this package: the Processor that placed this
	// Coroutine, set once before the first Resume. It lets code running
	// inside the Coroutine's body (which executes on its own goroutine,
	// distinct from its owning Processor's dispatch-loop goroutine) recover
	// "which Processor am I logically running on" without this package
	// knowing anything about Processor.
	owner any
}

// SetOwner records the opaque owner (a *processor.Processor, in this
// module) responsible for resuming this Coroutine. It must be set before
// the first Resume and is not safe to change concurrently with Resume.
func (c *Coroutine) SetOwner(owner any) { c.owner = owner }

// Owner returns the value most recently passed to SetOwner, or nil.
func (c *Coroutine) Owner() any { return c.owner }

var idSeq atomic.Uint64

// New creates a Coroutine in state INIT. It does not begin execution; the
// first Resume enters fn.
func New(fn Func, name string) *Coroutine {
	return &Coroutine{
		id:       idSeq.Add(1),
		name:     name,
		fn:       fn,
		resumeCh: make(chan struct{}),
		yieldCh:  make(chan struct{}),
	}
}

// ID returns the Coroutine's unique, immutable identity.
func (c *Coroutine) ID() uint64 { return c.id }

// Name returns the Coroutine's human name, as of the most recent New/Reset.
func (c *Coroutine) Name() string { return c.name }

// State returns the current state. Safe to call from any goroutine.
func (c *Coroutine) State() State { return State(c.state.Load()) }

// Panic returns the value recovered from fn's panic, if the Coroutine
// terminated abnormally. Only meaningful once State is TERM.
func (c *Coroutine) Panic() any { return c.panicVal }

// Resume switches execution into the Coroutine, blocking the calling
// goroutine until the Coroutine either calls Yield or its Func returns.
//
// Resume must be called only from the Coroutine's owning scheduling
// context (a Processor's single dispatch loop, in this module); Coroutine
// itself does not enforce that affinity, since it has no notion of a
// Processor — the caller is responsible for the invariant described in
// SPEC_FULL.md's Processor section.
//
// Resume panics if the Coroutine is not in state INIT or HOLD.
func (c *Coroutine) Resume() {
	switch c.State() {
	case StateInit:
		c.state.Store(int32(StateExec))
		go c.run()
	case StateHold:
		c.state.Store(int32(StateExec))
	default:
		panic(fmt.Errorf("coroutine: Resume called on coroutine %q (id %d) in state %s", c.name, c.id, c.State()))
	}
	c.resumeCh <- struct{}{}
	<-c.yieldCh
}

// Yield suspends the currently running Coroutine, switching execution back
// to whichever goroutine most recently called Resume. It must be called
// from within the Coroutine's own Func (directly, or by code the Func
// calls on the same goroutine, such as the hook package).
func (c *Coroutine) Yield() {
	c.state.Store(int32(StateHold))
	c.yieldCh <- struct{}{}
	<-c.resumeCh
	c.state.Store(int32(StateExec))
}

// Reset rewinds a terminated Coroutine so it can be entered fresh with a
// new callable and name. Reset panics if the Coroutine is not in state
// TERM; this is the only legal TERM -> INIT transition.
func (c *Coroutine) Reset(fn Func, name string) {
	if c.State() != StateTerm {
		panic(fmt.Errorf("coroutine: Reset called on coroutine %q (id %d) in state %s, want TERM", c.name, c.id, c.State()))
	}
	c.fn = fn
	c.name = name
	c.panicVal = nil
	c.state.Store(int32(StateInit))
}

func (c *Coroutine) run() {
	setCurrent(c)
	defer clearCurrent()

	<-c.resumeCh

	defer func() {
		if r := recover(); r != nil {
			c.panicVal = r
		}
		c.state.Store(int32(StateTerm))
		c.yieldCh <- struct{}{}
	}()

	c.fn(c)
}

// current-coroutine registry, keyed by goroutine id, mirroring the
// goroutine-id trick eventloop uses to detect its own loop thread
// (getGoroutineID / isLoopThread) — here generalized so any coroutine body
// can look up "myself" without threading a reference through every call.
var currentByGoroutine sync.Map // map[uint64]*Coroutine

func setCurrent(c *Coroutine) {
	currentByGoroutine.Store(goroutineID(), c)
}

func clearCurrent() {
	currentByGoroutine.Delete(goroutineID())
}

// Current returns the Coroutine executing on the calling goroutine, or nil
// if the calling goroutine is not a Coroutine body (e.g. it is a
// Processor's dispatch loop, or an unrelated goroutine).
func Current() *Coroutine {
	v, ok := currentByGoroutine.Load(goroutineID())
	if !ok {
		return nil
	}
	return v.(*Coroutine)
}

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
