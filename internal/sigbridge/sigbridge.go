// Package sigbridge translates asynchronous POSIX signals into in-loop
// callbacks via a self-pipe.
//
// Grounded on original_source/polyp/mainloop-signal.c.
package sigbridge

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/polypd/polypd/internal/ioloop"
	"golang.org/x/sys/unix"
)

// Bridge owns a non-blocking, close-on-exec self-pipe and an IO-event on
// its read end. Go's os/signal package already provides the
// async-signal-safe half (the runtime's own signal handler writes into a
// channel); Bridge adapts that channel onto the self-pipe idiom so the
// rest of the runtime observes signals as a readable edge on a pipe,
// serviced by the event loop.
type Bridge struct {
	mu        sync.Mutex
	callbacks map[os.Signal]func(os.Signal)
	sigCh     chan os.Signal
	rfd, wfd  int
	ioEvent   ioloop.IOEvent
	loop      ioloop.Loop
}

// New creates a Bridge driven by loop. Call Close to release the self-pipe
// and stop relaying signals.
func New(loop ioloop.Loop) (*Bridge, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	b := &Bridge{
		callbacks: make(map[os.Signal]func(os.Signal)),
		sigCh:     make(chan os.Signal, 16),
		rfd:       fds[0],
		wfd:       fds[1],
		loop:      loop,
	}
	b.ioEvent = loop.NewIO(b.rfd, ioloop.Readable, b.onReadable)

	go b.relay()
	return b, nil
}

// relay drains the os/signal channel and writes one byte per signal into
// the self-pipe write end — the only operation the real C original
// performs inside an async-signal-safe handler; here it happens on a
// dedicated goroutine since Go signal delivery is already channel-based.
func (b *Bridge) relay() {
	for sig := range b.sigCh {
		if s, ok := sig.(syscall.Signal); ok {
			_, _ = unix.Write(b.wfd, []byte{byte(s)})
		}
	}
}

func (b *Bridge) onReadable(ev ioloop.IOEvent, fd int, interest ioloop.Interest) {
	var buf [16]byte
	n, err := unix.Read(b.rfd, buf[:])
	if err != nil || n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		sig := syscall.Signal(buf[i])
		b.mu.Lock()
		cb := b.callbacks[sig]
		b.mu.Unlock()
		if cb != nil {
			cb(sig)
		}
	}
}

// Register installs cb for sig, re-arming the process's signal
// disposition to relay it through the bridge.
func (b *Bridge) Register(sig os.Signal, cb func(os.Signal)) {
	b.mu.Lock()
	b.callbacks[sig] = cb
	b.mu.Unlock()
	signal.Notify(b.sigCh, sig)
}

// Unregister removes cb for sig and restores the signal's original
// disposition.
func (b *Bridge) Unregister(sig os.Signal) {
	b.mu.Lock()
	delete(b.callbacks, sig)
	b.mu.Unlock()
	signal.Reset(sig)
}

// Close releases the self-pipe and the IO-event watching it.
func (b *Bridge) Close() error {
	b.ioEvent.Free()
	signal.Stop(b.sigCh)
	close(b.sigCh)
	_ = unix.Close(b.rfd)
	_ = unix.Close(b.wfd)
	return nil
}
