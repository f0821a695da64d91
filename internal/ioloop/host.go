package ioloop

import (
	"container/heap"
	"sync"
	"time"
)

// Driver is the set of host primitives a HostLoop maps IO/time/defer onto.
// An embedding application (a GUI toolkit's main loop, a supervisor
// goroutine, etc.) implements Driver and drives HostLoop.Pump from
// whatever idle point its own loop offers.
type Driver interface {
	// WatchFD asks the host to notify (via the returned channel, or by
	// calling back through Pump) when fd matches interest. HostLoop's
	// default StdDriver implements this with a dedicated poller
	// goroutine; a real host integration replaces it with native
	// primitives.
	WatchFD(fd int, interest Interest) <-chan Interest
	UnwatchFD(fd int)
}

// hostIOEvent/hostTimeEvent/hostDeferEvent mirror the Poll backend's
// sources but are dispatched by HostLoop.Pump instead of an internal
// poll(2) call.
type hostIOEvent struct {
	fd       int
	interest Interest
	cb       func(ev IOEvent, fd int, interest Interest)
	destroy  func()
	freed    bool
	ch       <-chan Interest
}

func (s *hostIOEvent) Enable(interest Interest) { s.interest = interest }
func (s *hostIOEvent) SetDestroy(cb func())     { s.destroy = cb }
func (s *hostIOEvent) Free()                    { s.freed = true }

type hostTimeEvent struct {
	deadline time.Time
	valid    bool
	cb       func(ev TimeEvent, deadline time.Time)
	destroy  func()
	freed    bool
	index    int
}

func (s *hostTimeEvent) Restart(deadline time.Time, valid bool) {
	s.deadline = deadline
	s.valid = valid
}
func (s *hostTimeEvent) SetDestroy(cb func()) { s.destroy = cb }
func (s *hostTimeEvent) Free()                { s.freed = true }

type hostTimeHeap []*hostTimeEvent

func (h hostTimeHeap) Len() int            { return len(h) }
func (h hostTimeHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h hostTimeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *hostTimeHeap) Push(x any) {
	s := x.(*hostTimeEvent)
	s.index = len(*h)
	*h = append(*h, s)
}
func (h *hostTimeHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}

type hostDeferEvent struct {
	enabled bool
	cb      func(ev DeferEvent)
	destroy func()
	freed   bool
}

func (s *hostDeferEvent) Enable(enabled bool)  { s.enabled = enabled }
func (s *hostDeferEvent) SetDestroy(cb func()) { s.destroy = cb }
func (s *hostDeferEvent) Free()                { s.freed = true }

// HostLoop adapts a host-provided event source into the Loop interface.
// Because the host drives iteration externally, Quit is a no-op: the
// embedder is responsible for stopping its own loop.
type HostLoop struct {
	mu     sync.Mutex
	driver Driver
	ios    []*hostIOEvent
	timers hostTimeHeap
	defers []*hostDeferEvent
}

// NewHostLoop constructs a HostLoop bound to driver.
func NewHostLoop(driver Driver) *HostLoop {
	return &HostLoop{driver: driver, timers: hostTimeHeap{}}
}

func (l *HostLoop) NewIO(fd int, interest Interest, cb func(ev IOEvent, fd int, interest Interest)) IOEvent {
	s := &hostIOEvent{fd: fd, interest: interest, cb: cb}
	s.ch = l.driver.WatchFD(fd, interest)
	l.ios = append(l.ios, s)
	return s
}

func (l *HostLoop) NewTime(deadline time.Time, cb func(ev TimeEvent, deadline time.Time)) TimeEvent {
	s := &hostTimeEvent{deadline: deadline, valid: true, cb: cb}
	heap.Push(&l.timers, s)
	return s
}

func (l *HostLoop) NewDefer(cb func(ev DeferEvent)) DeferEvent {
	s := &hostDeferEvent{cb: cb}
	l.defers = append(l.defers, s)
	return s
}

// Quit is a no-op on the host backend: the host drives iteration.
func (l *HostLoop) Quit(retval int) {}

func (l *HostLoop) sweep() {
	kept := l.ios[:0]
	for _, s := range l.ios {
		if s.freed {
			l.driver.UnwatchFD(s.fd)
			if s.destroy != nil {
				s.destroy()
			}
			continue
		}
		kept = append(kept, s)
	}
	l.ios = kept

	keptD := l.defers[:0]
	for _, s := range l.defers {
		if s.freed {
			if s.destroy != nil {
				s.destroy()
			}
			continue
		}
		keptD = append(keptD, s)
	}
	l.defers = keptD

	var remaining hostTimeHeap
	for _, s := range l.timers {
		if !s.freed {
			remaining = append(remaining, s)
		} else if s.destroy != nil {
			s.destroy()
		}
	}
	l.timers = remaining
	heap.Init(&l.timers)
}

// Pump runs one dispatch pass: defers, then any already-ready IO (drained
// non-blockingly from each watch channel), then expired timers. The host
// calls Pump from its own idle point; HostLoop never blocks internally.
func (l *HostLoop) Pump() {
	snapshot := make([]*hostDeferEvent, 0, len(l.defers))
	for _, s := range l.defers {
		if s.enabled && !s.freed {
			snapshot = append(snapshot, s)
		}
	}
	for _, s := range snapshot {
		if !s.freed && s.enabled {
			s.cb(s)
		}
	}
	l.sweep()

	for _, s := range l.ios {
		if s.freed {
			continue
		}
		select {
		case got := <-s.ch:
			s.cb(s, s.fd, got)
		default:
		}
	}

	now := time.Now()
	for l.timers.Len() > 0 {
		top := l.timers[0]
		if top.freed || !top.valid {
			heap.Pop(&l.timers)
			continue
		}
		if top.deadline.After(now) {
			break
		}
		heap.Pop(&l.timers)
		top.valid = false
		if !top.freed {
			top.cb(top, top.deadline)
		}
	}
	l.sweep()
}
