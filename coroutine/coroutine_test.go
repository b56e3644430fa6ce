package coroutine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSwapInSequence mirrors burger's Coroutine_test03: a Func that yields
// twice, resumed three times total (enter, resume-after-yield-1,
// resume-after-yield-2-and-return).
func TestSwapInSequence(t *testing.T) {
	var log []string

	co := New(func(co *Coroutine) {
		log = append(log, "enter")
		co.Yield()
		log = append(log, "resumed-once")
		co.Yield()
		log = append(log, "resumed-twice")
	}, "test03")

	require.Equal(t, StateInit, co.State())

	co.Resume()
	assert.Equal(t, StateHold, co.State())
	assert.Equal(t, []string{"enter"}, log)

	co.Resume()
	assert.Equal(t, StateHold, co.State())
	assert.Equal(t, []string{"enter", "resumed-once"}, log)

	co.Resume()
	assert.Equal(t, StateTerm, co.State())
	assert.Equal(t, []string{"enter", "resumed-once", "resumed-twice"}, log)
}

// TestPingPong exercises SPEC_FULL.md scenario 1 in miniature: two
// coroutines alternately yielding under manual resume control, verifying
// the interleaving is exactly what the resumer dictates.
func TestPingPong(t *testing.T) {
	var log []string

	a := New(func(co *Coroutine) {
		for i := 1; i <= 5; i++ {
			log = append(log, "A"+itoa(i))
			co.Yield()
		}
	}, "A")
	b := New(func(co *Coroutine) {
		for i := 1; i <= 5; i++ {
			log = append(log, "B"+itoa(i))
			co.Yield()
		}
	}, "B")

	for i := 0; i < 5; i++ {
		a.Resume()
		b.Resume()
	}

	assert.Equal(t, []string{
		"A1", "B1", "A2", "B2", "A3", "B3", "A4", "B4", "A5", "B5",
	}, log)
	assert.Equal(t, StateHold, a.State())
	assert.Equal(t, StateHold, b.State())
}

func TestResetAfterTerm(t *testing.T) {
	co := New(func(co *Coroutine) {}, "one-shot")
	co.Resume()
	require.Equal(t, StateTerm, co.State())

	var ran bool
	co.Reset(func(co *Coroutine) { ran = true }, "reused")
	assert.Equal(t, StateInit, co.State())
	assert.Equal(t, "reused", co.Name())

	co.Resume()
	assert.True(t, ran)
	assert.Equal(t, StateTerm, co.State())
}

func TestResetBeforeTermPanics(t *testing.T) {
	co := New(func(co *Coroutine) { co.Yield() }, "not-done")
	co.Resume()
	require.Equal(t, StateHold, co.State())

	assert.Panics(t, func() {
		co.Reset(func(co *Coroutine) {}, "x")
	})
}

func TestPanicTerminatesOnlyThatCoroutine(t *testing.T) {
	co := New(func(co *Coroutine) {
		panic("boom")
	}, "panicky")

	require.NotPanics(t, func() { co.Resume() })
	assert.Equal(t, StateTerm, co.State())
	assert.Equal(t, "boom", co.Panic())
}

func TestCurrentDuringExecution(t *testing.T) {
	var seen *Coroutine
	co := New(func(co *Coroutine) {
		seen = Current()
	}, "self-aware")
	co.Resume()
	assert.Same(t, co, seen)
	assert.Nil(t, Current(), "Current must be nil on a goroutine that is not a coroutine body")
}

func itoa(i int) string {
	return string(rune('0' + i))
}
