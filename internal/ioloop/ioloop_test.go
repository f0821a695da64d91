package ioloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefersFireBeforeIOOrTimers(t *testing.T) {
	l := NewPollLoop()
	var order []string

	l.NewDefer(func(ev DeferEvent) { order = append(order, "defer") }).Enable(true)
	l.NewTime(time.Now(), func(ev TimeEvent, d time.Time) { order = append(order, "timer") })

	quit, _, err := l.RunOnce()
	require.NoError(t, err)
	assert.False(t, quit)
	require.GreaterOrEqual(t, len(order), 1)
	assert.Equal(t, "defer", order[0])
}

func TestTimerFiresAndDisarms(t *testing.T) {
	l := NewPollLoop()
	fired := 0
	ev := l.NewTime(time.Now().Add(-time.Millisecond), func(ev TimeEvent, d time.Time) {
		fired++
	})
	_, _, err := l.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	// A fired one-shot timer does not refire on subsequent iterations.
	_, _, err = l.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	_ = ev
}

func TestTimerRestart(t *testing.T) {
	l := NewPollLoop()
	fired := 0
	ev := l.NewTime(time.Now().Add(time.Hour), func(ev TimeEvent, d time.Time) {
		fired++
	})
	ev.Restart(time.Now().Add(-time.Millisecond), true)
	_, _, err := l.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestTimerRestartNilDisarms(t *testing.T) {
	l := NewPollLoop()
	fired := 0
	ev := l.NewTime(time.Now().Add(-time.Millisecond), func(ev TimeEvent, d time.Time) {
		fired++
	})
	ev.Restart(time.Time{}, false)
	_, _, err := l.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
}

func TestQuitStopsLoop(t *testing.T) {
	l := NewPollLoop()
	l.NewDefer(func(ev DeferEvent) { l.Quit(42) }).Enable(true)
	quit, retval, err := l.RunOnce()
	require.NoError(t, err)
	assert.True(t, quit)
	assert.Equal(t, 42, retval)
}

func TestOnceFiresExactlyOnceAndFreesItself(t *testing.T) {
	l := NewPollLoop()
	fired := 0
	Once(l, func() { fired++ })

	_, _, err := l.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Empty(t, l.defers, "once-event should have freed itself")

	_, _, err = l.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestFreeDuringOwnCallbackIsSafe(t *testing.T) {
	l := NewPollLoop()
	var ev DeferEvent
	calls := 0
	ev = l.NewDefer(func(e DeferEvent) {
		calls++
		e.Free()
	})
	ev.Enable(true)

	_, _, err := l.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, l.defers)
}

func TestIOEventFiresOnReadable(t *testing.T) {
	l := NewPollLoop()
	rfd, wfd, err := pipeFDs()
	require.NoError(t, err)

	gotInterest := make(chan Interest, 1)
	l.NewIO(rfd, Readable, func(ev IOEvent, fd int, interest Interest) {
		gotInterest <- interest
	})

	_, err = writeFD(wfd, []byte("x"))
	require.NoError(t, err)

	quit, _, err := l.RunOnce()
	require.NoError(t, err)
	assert.False(t, quit)

	select {
	case i := <-gotInterest:
		assert.True(t, i.Has(Readable))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for IO callback")
	}
	closeFD(rfd)
	closeFD(wfd)
}
