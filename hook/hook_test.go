package hook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coroutinet/coroutine"
	"github.com/joeycumines/go-coroutinet/processor"
)

func newRunningProcessor(t *testing.T) (*processor.Processor, func()) {
	t.Helper()
	p, err := processor.New(nil)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- p.Run() }()
	return p, func() {
		p.Stop()
		require.NoError(t, <-done)
	}
}

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// TestWouldBlockSuspend covers SPEC_FULL.md scenario 5: a coroutine reads
// from an empty non-blocking socket, suspends, and resumes exactly when
// the peer writes.
func TestWouldBlockSuspend(t *testing.T) {
	p, stop := newRunningProcessor(t)
	defer stop()

	a, b := socketpair(t)

	gotN := make(chan int, 1)
	gotErr := make(chan error, 1)

	p.AddTask(func(co *coroutine.Coroutine) {
		buf := make([]byte, 16)
		n, err := Read(a, buf, 0)
		gotN <- n
		gotErr <- err
	}, "reader")

	// give the reader a moment to reach the would-block suspension.
	time.Sleep(20 * time.Millisecond)

	_, err := unix.Write(b, []byte("hi"))
	require.NoError(t, err)

	select {
	case n := <-gotN:
		assert.Equal(t, 2, n)
		assert.NoError(t, <-gotErr)
	case <-time.After(time.Second):
		t.Fatal("reader coroutine never resumed")
	}
}

func TestReadTimesOut(t *testing.T) {
	p, stop := newRunningProcessor(t)
	defer stop()

	a, _ := socketpair(t)

	errCh := make(chan error, 1)
	p.AddTask(func(co *coroutine.Coroutine) {
		buf := make([]byte, 16)
		_, err := Read(a, buf, 20*time.Millisecond)
		errCh <- err
	}, "reader")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTimedOut)
	case <-time.After(time.Second):
		t.Fatal("reader coroutine never resumed")
	}
}

// TestRoundTripIO covers the Round-trip I/O testable property: bytes
// written via a hooked Write are read back in order via a hooked Read.
func TestRoundTripIO(t *testing.T) {
	p, stop := newRunningProcessor(t)
	defer stop()

	a, b := socketpair(t)

	received := make(chan string, 1)
	p.AddTask(func(co *coroutine.Coroutine) {
		buf := make([]byte, 64)
		n, err := Read(b, buf, time.Second)
		require.NoError(t, err)
		received <- string(buf[:n])
	}, "reader")

	p.AddTask(func(co *coroutine.Coroutine) {
		_, err := Write(a, []byte("round-trip"), time.Second)
		require.NoError(t, err)
	}, "writer")

	select {
	case msg := <-received:
		assert.Equal(t, "round-trip", msg)
	case <-time.After(time.Second):
		t.Fatal("round trip never completed")
	}
}

func TestSleepDoesNotBlockProcessor(t *testing.T) {
	p, stop := newRunningProcessor(t)
	defer stop()

	slept := make(chan time.Duration, 1)
	otherRan := make(chan struct{}, 1)

	start := time.Now()
	p.AddTask(func(co *coroutine.Coroutine) {
		require.NoError(t, Sleep(30*time.Millisecond))
		slept <- time.Since(start)
	}, "sleeper")
	p.AddTask(func(co *coroutine.Coroutine) {
		otherRan <- struct{}{}
	}, "other")

	select {
	case <-otherRan:
	case <-time.After(time.Second):
		t.Fatal("other coroutine starved behind sleeping one")
	}

	select {
	case d := <-slept:
		assert.GreaterOrEqual(t, d, 25*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("sleeper never resumed")
	}
}
