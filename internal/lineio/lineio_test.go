package lineio

import (
	"testing"
	"time"

	"github.com/polypd/polypd/internal/iochannel"
	"github.com/polypd/polypd/internal/ioloop"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	return fds[0], fds[1]
}

func pump(t *testing.T, loop *ioloop.PollLoop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		loop.RunOnce()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestPutsDeliversLineToPeer(t *testing.T) {
	a, b := socketpair(t)
	loop := ioloop.NewPollLoop()
	chA := iochannel.New(loop, a)
	chB := iochannel.New(loop, b)
	defer chA.Close()
	defer chB.Close()

	la := New(chA)
	lb := New(chB)

	var got string
	var gotOK bool
	lb.SetCallback(func(_ *Line, line string, ok bool) {
		got, gotOK = line, ok
	})

	la.Puts("hello world\n")

	pump(t, loop, func() bool { return gotOK })
	require.Equal(t, "hello world", got)
}

func TestMultipleLinesInOneReadAreAllDelivered(t *testing.T) {
	a, b := socketpair(t)
	loop := ioloop.NewPollLoop()
	chA := iochannel.New(loop, a)
	chB := iochannel.New(loop, b)
	defer chA.Close()
	defer chB.Close()

	la := New(chA)
	lb := New(chB)

	var lines []string
	lb.SetCallback(func(_ *Line, line string, ok bool) {
		if ok {
			lines = append(lines, line)
		}
	})

	la.Puts("one\ntwo\nthree\n")

	pump(t, loop, func() bool { return len(lines) == 3 })
	require.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestHangupDeliversFalseOnce(t *testing.T) {
	a, b := socketpair(t)
	loop := ioloop.NewPollLoop()
	chA := iochannel.New(loop, a)
	chB := iochannel.New(loop, b)
	defer chB.Close()

	lb := New(chB)
	deaths := 0
	lb.SetCallback(func(_ *Line, line string, ok bool) {
		if !ok {
			deaths++
		}
	})

	chA.Close()
	pump(t, loop, func() bool { return deaths > 0 })
	for i := 0; i < 5; i++ {
		loop.RunOnce()
	}
	require.Equal(t, 1, deaths)
}
