package processor

import (
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-coroutinet/coroutine"
	"github.com/joeycumines/go-coroutinet/internal/timerqueue"
)

// ioWait resolves exactly once, to either I/O readiness, a timeout, or an
// external cancellation (e.g. RemoveEvent), whichever fires first; the
// others are moot once settled is true.
type ioWait struct {
	settled   atomic.Bool
	timedOut  bool
	cancelled bool
}

// SuspendForIO suspends the calling Coroutine until fd becomes ready in
// the requested direction, or timeout elapses (a timeout of 0 disables the
// deadline). It is the mechanism the hook package's Read/Write/Accept/
// Connect build on. It must be called from within a Coroutine owned by
// this Processor.
func (p *Processor) SuspendForIO(fd int, write bool, timeout time.Duration) (timedOut bool, err error) {
	co := coroutine.Current()
	if co == nil {
		return false, ErrNotInCoroutine
	}

	var (
		w         ioWait
		timerID   timerqueue.ID
		haveTimer bool
	)

	ioCB := func(ready bool) {
		if !w.settled.CompareAndSwap(false, true) {
			return
		}
		if haveTimer {
			_ = p.timers.Cancel(timerID)
		}
		if !ready {
			w.cancelled = true
		}
		p.markRunnable(co)
	}

	if write {
		err = p.poller.WaitWritable(fd, ioCB)
	} else {
		err = p.poller.WaitReadable(fd, ioCB)
	}
	if err != nil {
		return false, err
	}

	if timeout > 0 {
		timerID, err = p.timers.Add(time.Now().Add(timeout), 0, func() {
			if !w.settled.CompareAndSwap(false, true) {
				return
			}
			w.timedOut = true
			if write {
				p.poller.CancelWrite(fd)
			} else {
				p.poller.CancelRead(fd)
			}
			p.markRunnable(co)
		}, "io-deadline")
		if err != nil {
			if write {
				p.poller.CancelWrite(fd)
			} else {
				p.poller.CancelRead(fd)
			}
			return false, err
		}
		haveTimer = true
	}

	co.Yield()
	if w.cancelled {
		return false, ErrCancelled
	}
	return w.timedOut, nil
}

// SuspendForTimer suspends the calling Coroutine for d, then resumes it.
// It is the mechanism behind hook.Sleep.
func (p *Processor) SuspendForTimer(d time.Duration) error {
	co := coroutine.Current()
	if co == nil {
		return ErrNotInCoroutine
	}
	_, err := p.timers.Add(time.Now().Add(d), 0, func() {
		p.markRunnable(co)
	}, "sleep")
	if err != nil {
		return err
	}
	co.Yield()
	return nil
}
