package processor

import (
	"time"

	"github.com/joeycumines/go-coroutinet/coroutine"
	"github.com/joeycumines/go-coroutinet/internal/timerqueue"
)

// ScheduleResume arranges for co to be resumed when when arrives. Safe
// from any goroutine; the actual resume always happens on this
// Processor's dispatch loop, via the runnable queue.
func (p *Processor) ScheduleResume(when time.Time, co *coroutine.Coroutine) (timerqueue.ID, error) {
	id, err := p.timers.Add(when, 0, func() { p.markRunnable(co) }, co.Name())
	p.wakeForNewTimer(err)
	return id, err
}

// wakeForNewTimer forces a blocked poll out after a successful timer add,
// so its timeout is recomputed against the new deadline.
func (p *Processor) wakeForNewTimer(addErr error) {
	if addErr == nil && p.isEpoll.Load() {
		p.wakeupEpollCoroutine()
	}
}

// ScheduleCallback arranges for cb to run, as a freshly scheduled
// coroutine named name, when when arrives. If interval is non-zero, the
// timer repeats until Cancel is called. Safe from any goroutine.
func (p *Processor) ScheduleCallback(when time.Time, interval time.Duration, name string, cb func()) (timerqueue.ID, error) {
	id, err := p.timers.Add(when, interval, func() {
		p.AddTask(func(*coroutine.Coroutine) { cb() }, name)
	}, name)
	p.wakeForNewTimer(err)
	return id, err
}

// CancelTimer cancels a previously scheduled timer. Safe from any
// goroutine.
func (p *Processor) CancelTimer(id timerqueue.ID) error {
	return p.timers.Cancel(id)
}
