package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coroutinet/coroutine"
)

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()
	p, err := New(nil)
	require.NoError(t, err)
	return p
}

func runAsync(t *testing.T, p *Processor) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Run() }()
	return done
}

func TestRunStopLiveness(t *testing.T) {
	p := newTestProcessor(t)
	done := runAsync(t, p)

	// give the dispatch loop a moment to reach the epoll coroutine.
	time.Sleep(20 * time.Millisecond)

	p.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return within 1s of Stop")
	}
}

func TestAddTaskLocalAndForeign(t *testing.T) {
	p := newTestProcessor(t)
	done := runAsync(t, p)
	defer func() {
		p.Stop()
		<-done
	}()

	var ran int32
	results := make(chan struct{}, 2)

	// foreign-thread submission (this test goroutine is not the dispatch loop).
	p.AddTask(func(co *coroutine.Coroutine) {
		ran++
		results <- struct{}{}
	}, "foreign")

	select {
	case <-results:
	case <-time.After(time.Second):
		t.Fatal("foreign-submitted task never ran")
	}
	assert.Equal(t, int32(1), ran)
}

func TestRoundTripTimer(t *testing.T) {
	p := newTestProcessor(t)
	done := runAsync(t, p)
	defer func() {
		p.Stop()
		<-done
	}()

	fired := make(chan time.Time, 1)
	start := time.Now()
	p.AddTask(func(co *coroutine.Coroutine) {
		_, err := p.timers.Add(time.Now().Add(30*time.Millisecond), 0, func() {
			fired <- time.Now()
		}, "once")
		require.NoError(t, err)
	}, "scheduler")

	select {
	case when := <-fired:
		assert.GreaterOrEqual(t, when.Sub(start), 25*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

// TestSuspendForIOIndependentDirections covers a read deadline firing
// while a write wait is concurrently pending on the same fd: the read
// timeout must resolve as a timeout, and the write wait must survive
// untouched (neither cancelled nor spuriously reported ready), only
// resolving once the socket genuinely becomes writable again.
func TestSuspendForIOIndependentDirections(t *testing.T) {
	p := newTestProcessor(t)
	done := runAsync(t, p)
	defer func() {
		p.Stop()
		<-done
	}()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	}()
	fd, peer := fds[0], fds[1]

	require.NoError(t, unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))

	// fill fd's send buffer (and the peer's unread receive buffer) until a
	// write would block, so a write-waiter genuinely has to suspend.
	chunk := make([]byte, 4096)
	for {
		_, werr := unix.Write(fd, chunk)
		if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
			break
		}
		require.NoError(t, werr)
	}

	type outcome struct {
		timedOut bool
		err      error
	}
	readResult := make(chan outcome, 1)
	writeResult := make(chan outcome, 1)

	p.AddTask(func(co *coroutine.Coroutine) {
		// fd has no pending inbound data, so this only ever resolves via
		// its own timeout.
		timedOut, err := p.SuspendForIO(fd, false, 30*time.Millisecond)
		readResult <- outcome{timedOut, err}
	}, "reader")

	p.AddTask(func(co *coroutine.Coroutine) {
		timedOut, err := p.SuspendForIO(fd, true, time.Second)
		writeResult <- outcome{timedOut, err}
	}, "writer")

	select {
	case r := <-readResult:
		assert.True(t, r.timedOut)
		assert.NoError(t, r.err)
	case <-time.After(time.Second):
		t.Fatal("read wait never timed out")
	}

	// the write waiter must have survived the read timeout uncancelled.
	select {
	case <-writeResult:
		t.Fatal("write wait resolved spuriously from the read direction's timeout")
	case <-time.After(50 * time.Millisecond):
	}

	// drain the peer's receive buffer so fd genuinely becomes writable.
	drain := make([]byte, 4096)
	for {
		_, derr := unix.Read(peer, drain)
		if derr == unix.EAGAIN || derr == unix.EWOULDBLOCK {
			break
		}
		require.NoError(t, derr)
	}

	select {
	case r := <-writeResult:
		assert.False(t, r.timedOut)
		assert.NoError(t, r.err)
	case <-time.After(time.Second):
		t.Fatal("write wait never resolved after the socket became writable")
	}
}

func TestAssertOwningContextPanicsForeignThread(t *testing.T) {
	p := newTestProcessor(t)
	assert.Panics(t, func() {
		p.assertOwningContext()
	})
}
