package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-coroutinet/coroutine"
	"github.com/joeycumines/go-coroutinet/processor"
)

// TestStartAsyncStopWait covers SPEC_FULL.md scenario 6: N worker threads
// all reach their epoll-wait step, and a Stop from any goroutine causes
// every one of them (and the main Processor) to return within a bounded
// time, with Wait unblocking exactly then.
func TestStartAsyncStopWait(t *testing.T) {
	s, err := New(WithThreadCount(4))
	require.NoError(t, err)
	require.NoError(t, s.StartAsync())

	time.Sleep(20 * time.Millisecond)
	s.Stop()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock within 1s of Stop")
	}
}

// TestPostRoundRobinFairness covers scenario 3's fairness property at
// reduced scale: posting many tasks distributes them across workers
// within a reasonable tolerance of an even split.
func TestPostRoundRobinFairness(t *testing.T) {
	const threads = 4
	const tasks = 400

	s, err := New(WithThreadCount(threads))
	require.NoError(t, err)
	require.NoError(t, s.StartAsync())
	defer func() {
		s.Stop()
		s.Wait()
	}()

	procs := s.Processors()
	require.Len(t, procs, threads)
	// Post round-robins over the workers only; procs[0] is the main
	// Processor.
	workers := procs[1:]

	var mu sync.Mutex
	counts := make(map[uint64]int, len(workers))

	done := make(chan struct{}, tasks)
	for i := 0; i < tasks; i++ {
		s.Post(func(co *coroutine.Coroutine) {
			mu.Lock()
			counts[processor.Current().ID()]++
			mu.Unlock()
			done <- struct{}{}
		}, "fairness")
	}

	for i := 0; i < tasks; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d/%d tasks completed", i, tasks)
		}
	}

	// scenario 3: each worker Processor serviced roughly an even share of
	// the posted tasks (round-robin fairness within 10%).
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, counts, len(workers), "every worker should have serviced at least one task")
	expected := tasks / len(workers)
	tolerance := expected / 10
	for _, p := range workers {
		n := counts[p.ID()]
		assert.GreaterOrEqualf(t, n, expected-tolerance, "processor %d serviced %d tasks, want >= %d", p.ID(), n, expected-tolerance)
		assert.LessOrEqualf(t, n, expected+tolerance, "processor %d serviced %d tasks, want <= %d", p.ID(), n, expected+tolerance)
	}
}

// TestRunAtRunEveryCancel exercises RunAt, RunEvery and Cancel end to end.
func TestRunAtRunEveryCancel(t *testing.T) {
	s, err := New(WithThreadCount(2))
	require.NoError(t, err)
	require.NoError(t, s.StartAsync())
	defer func() {
		s.Stop()
		s.Wait()
	}()

	fired := make(chan struct{}, 1)
	_, err = s.RunAfter(20*time.Millisecond, "once", func() {
		fired <- struct{}{}
	})
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("RunAfter callback never fired")
	}

	var count atomic.Int64
	ref, err := s.RunEvery(10*time.Millisecond, "repeat", func() {
		count.Add(1)
	})
	require.NoError(t, err)

	time.Sleep(55 * time.Millisecond)
	require.NoError(t, s.Cancel(ref))
	seenAtCancel := count.Load()
	assert.GreaterOrEqual(t, seenAtCancel, int64(3))

	time.Sleep(40 * time.Millisecond)
	assert.LessOrEqual(t, count.Load(), seenAtCancel+1, "timer kept firing after Cancel")
}

// TestStopFromWithinWorkerCoroutine verifies Stop is safe to call from a
// coroutine running on one of the Scheduler's own worker Processors,
// without deadlocking Wait.
func TestStopFromWithinWorkerCoroutine(t *testing.T) {
	s, err := New(WithThreadCount(3))
	require.NoError(t, err)
	require.NoError(t, s.StartAsync())

	s.Post(func(co *coroutine.Coroutine) {
		s.Stop()
	}, "self-stop")

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after self-issued Stop")
	}
}

// TestPostAfterStopIsDiscarded covers §7's Scheduler-stopped error kind:
// posts after Stop are silently discarded rather than erroring or
// panicking.
func TestPostAfterStopIsDiscarded(t *testing.T) {
	s, err := New(WithThreadCount(1))
	require.NoError(t, err)
	require.NoError(t, s.StartAsync())
	s.Stop()
	s.Wait()

	ranCh := make(chan struct{}, 1)
	assert.NotPanics(t, func() {
		s.Post(func(co *coroutine.Coroutine) { ranCh <- struct{}{} }, "late")
	})
	select {
	case <-ranCh:
		t.Fatal("post after stop should not run")
	case <-time.After(50 * time.Millisecond):
	}
}
