// Package watchdog implements a CPU-time runaway guard: idle and soft
// phases driven by SIGXCPU and a dedicated self-pipe, independent of
// sigbridge since the watchdog's timing contract (reset the rlimit from
// inside the handler itself) doesn't fit the general signal-bridge's
// relay-to-callback shape.
//
// Grounded on original_source/polyp/cpulimit.c.
package watchdog

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/polypd/polypd/internal/ioloop"
	"golang.org/x/sys/unix"
)

const (
	// cpuPercent is the maximum sustained CPU share tolerated before the
	// soft phase triggers.
	cpuPercent = 70
	// softInterval is how much process CPU time must accumulate before
	// SIGXCPU fires in the idle phase.
	softInterval = 10 * time.Second
	// hardInterval is the re-arm window once the soft phase starts; if the
	// loop hasn't drained the self-pipe before it expires, the process is
	// killed forcibly.
	hardInterval = 2 * time.Second
)

type phase int

const (
	phaseIdle phase = iota
	phaseSoft
)

// Watchdog owns a self-pipe, a SIGXCPU handler, and the idle/soft phase
// state machine. Only one Watchdog may be active per process (SIGXCPU
// disposition is process-global).
type Watchdog struct {
	loop    ioloop.Loop
	ioEvent ioloop.IOEvent
	rfd, wfd int

	mu       sync.Mutex
	ph       phase
	lastTime time.Time

	sigCh chan os.Signal
	done  chan struct{}
}

// New installs the SIGXCPU handler and arms the initial soft-interval
// rlimit. onTrip is invoked (on the loop) once the self-pipe delivers the
// soft-phase notification; callers typically call loop.Quit(1) from it.
func New(loop ioloop.Loop, onTrip func()) (*Watchdog, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	w := &Watchdog{
		loop:     loop,
		rfd:      fds[0],
		wfd:      fds[1],
		ph:       phaseIdle,
		lastTime: time.Now(),
		sigCh:    make(chan os.Signal, 8),
		done:     make(chan struct{}),
	}
	w.ioEvent = loop.NewIO(w.rfd, ioloop.Readable, func(ioloop.IOEvent, int, ioloop.Interest) {
		var b [1]byte
		if n, _ := unix.Read(w.rfd, b[:]); n > 0 && onTrip != nil {
			onTrip()
		}
	})

	signal.Notify(w.sigCh, syscall.SIGXCPU)
	go w.relay()

	if err := w.resetCPUTime(softInterval); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// relay runs the SIGXCPU handling logic. The original performs this work
// directly inside an async-signal-safe handler; Go's os/signal delivery
// is channel-based, so the equivalent logic runs here instead, on a
// dedicated goroutine, synchronized with Close via the done channel.
func (w *Watchdog) relay() {
	for {
		select {
		case <-w.sigCh:
			w.handleSIGXCPU()
		case <-w.done:
			return
		}
	}
}

func (w *Watchdog) handleSIGXCPU() {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.ph {
	case phaseIdle:
		now := time.Now()
		elapsed := now.Sub(w.lastTime)
		if softInterval.Seconds() >= elapsed.Seconds()*cpuPercent/100 {
			w.ph = phaseSoft
			_ = w.resetCPUTime(hardInterval)
			unix.Write(w.wfd, []byte{'X'})
		} else {
			_ = w.resetCPUTime(softInterval)
			w.lastTime = now
		}
	case phaseSoft:
		os.Exit(1)
	}
}

// resetCPUTime arms RLIMIT_CPU to fire SIGXCPU after d more seconds of
// accumulated process CPU time.
func (w *Watchdog) resetCPUTime(d time.Duration) error {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return err
	}
	used := ru.Utime.Sec + ru.Stime.Sec
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CPU, &rl); err != nil {
		return err
	}
	rl.Cur = uint64(used + int64(d.Seconds()))
	return unix.Setrlimit(unix.RLIMIT_CPU, &rl)
}

// Close tears down the signal handler, self-pipe, and IO-event.
func (w *Watchdog) Close() error {
	signal.Stop(w.sigCh)
	close(w.done)
	w.ioEvent.Free()
	_ = unix.Close(w.rfd)
	_ = unix.Close(w.wfd)
	return nil
}
