package tcp

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coroutinet/coroutine"
	"github.com/joeycumines/go-coroutinet/processor"
)

func newTestProcessorRunning(t *testing.T) *processor.Processor {
	t.Helper()
	p, err := processor.New(nil)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- p.Run() }()
	t.Cleanup(func() {
		p.Stop()
		require.NoError(t, <-done)
	})
	return p
}

// TestCoConnectionRoundTrip exercises the coroutine-blocking style
// directly over a socketpair (bypassing Dial/Accept), confirming Read and
// Write suspend correctly via package hook.
func TestCoConnectionRoundTrip(t *testing.T) {
	p := newTestProcessorRunning(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)

	a := newCoConnection(fds[0], nil, nil)
	b := newCoConnection(fds[1], nil, nil)
	defer a.Close()
	defer b.Close()

	received := make(chan string, 1)

	p.AddTask(func(co *coroutine.Coroutine) {
		buf := make([]byte, 32)
		n, err := b.Read(buf)
		require.NoError(t, err)
		received <- string(buf[:n])
	}, "reader")

	p.AddTask(func(co *coroutine.Coroutine) {
		_, err := a.Write([]byte("hello coroutine"))
		require.NoError(t, err)
	}, "writer")

	select {
	case msg := <-received:
		assert.Equal(t, "hello coroutine", msg)
	case <-time.After(time.Second):
		t.Fatal("round trip never completed")
	}
}

func TestCoConnectionReadEOF(t *testing.T) {
	p := newTestProcessorRunning(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)

	a := newCoConnection(fds[0], nil, nil)
	b := newCoConnection(fds[1], nil, nil)
	defer a.Close()

	errCh := make(chan error, 1)
	p.AddTask(func(co *coroutine.Coroutine) {
		buf := make([]byte, 32)
		_, err := a.Read(buf)
		errCh <- err
	}, "reader")

	require.NoError(t, b.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("reader never observed peer close")
	}
}
