package ioloop

import (
	"sync"

	"golang.org/x/sys/unix"
)

// StdDriver is the default Driver: one background goroutine per watched
// fd, each blocking in poll(2) and posting readiness onto a per-fd
// channel that HostLoop.Pump drains non-blockingly. This is the "host
// primitives" a real embedder (a GUI toolkit, a supervisor goroutine)
// would otherwise supply; it exists so HostLoop is usable standalone and
// in tests.
type StdDriver struct {
	mu    sync.Mutex
	stops map[int]chan struct{}
}

// NewStdDriver constructs an empty StdDriver.
func NewStdDriver() *StdDriver {
	return &StdDriver{stops: make(map[int]chan struct{})}
}

func (d *StdDriver) WatchFD(fd int, interest Interest) <-chan Interest {
	ch := make(chan Interest, 1)
	stop := make(chan struct{})
	d.mu.Lock()
	d.stops[fd] = stop
	d.mu.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			pfd := []unix.PollFd{{Fd: int32(fd), Events: toPollEvents(interest)}}
			n, err := unix.Poll(pfd, 250)
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				return
			}
			if n == 0 {
				continue
			}
			got := fromPollEvents(pfd[0].Revents)
			if got == 0 {
				continue
			}
			select {
			case ch <- got:
			default:
			}
		}
	}()
	return ch
}

func (d *StdDriver) UnwatchFD(fd int) {
	d.mu.Lock()
	stop, ok := d.stops[fd]
	delete(d.stops, fd)
	d.mu.Unlock()
	if ok {
		close(stop)
	}
}
