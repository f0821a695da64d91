package sockserver

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/polypd/polypd/internal/iochannel"
	"github.com/polypd/polypd/internal/ioloop"
	"github.com/stretchr/testify/require"
)

func pump(t *testing.T, loop *ioloop.PollLoop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		loop.RunOnce()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestListenUnixAcceptsConnection(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	loop := ioloop.NewPollLoop()

	var gotIO *iochannel.Channel
	var gotErr error
	done := false

	ln, err := ListenUnix(loop, sockPath, func(io *iochannel.Channel, err error) {
		gotIO, gotErr = io, err
		done = true
	})
	require.NoError(t, err)
	defer ln.Close()

	client, derr := net.Dial("unix", sockPath)
	require.NoError(t, derr)
	defer client.Close()

	pump(t, loop, func() bool { return done })
	require.NoError(t, gotErr)
	require.NotNil(t, gotIO)
}

func TestListenTCPAcceptsConnection(t *testing.T) {
	loop := ioloop.NewPollLoop()

	var gotIO *iochannel.Channel
	done := false

	ln, err := ListenTCP(loop, "127.0.0.1:0", func(io *iochannel.Channel, err error) {
		gotIO = io
		done = true
	})
	require.NoError(t, err)
	defer ln.Close()

	client, derr := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, derr)
	defer client.Close()

	pump(t, loop, func() bool { return done })
	require.NotNil(t, gotIO)
}

func TestListenUnixRemovesStaleSocketFile(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "stale.sock")
	loop := ioloop.NewPollLoop()

	first, err := ListenUnix(loop, sockPath, func(*iochannel.Channel, error) {})
	require.NoError(t, err)
	first.Close()

	second, err := ListenUnix(loop, sockPath, func(*iochannel.Channel, error) {})
	require.NoError(t, err)
	defer second.Close()
}

func TestCloseStopsAcceptLoop(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "close.sock")
	loop := ioloop.NewPollLoop()

	calls := 0
	ln, err := ListenUnix(loop, sockPath, func(*iochannel.Channel, error) {
		calls++
	})
	require.NoError(t, err)

	require.NoError(t, ln.Close())

	// A dial against the now-closed listener should fail rather than
	// deliver a connection.
	_, derr := net.Dial("unix", sockPath)
	require.Error(t, derr)
}
