package sigbridge

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/polypd/polypd/internal/ioloop"
	"github.com/stretchr/testify/require"
)

func TestRegisterRelaysSignalToCallback(t *testing.T) {
	loop := ioloop.NewPollLoop()
	b, err := New(loop)
	require.NoError(t, err)
	defer b.Close()

	got := make(chan os.Signal, 1)
	b.Register(syscall.SIGUSR1, func(s os.Signal) { got <- s })

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case s := <-got:
			require.Equal(t, syscall.SIGUSR1, s)
			return
		default:
		}
		loop.RunOnce()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("signal was never relayed through the bridge")
}
