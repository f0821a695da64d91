package ioloop

import (
	"container/heap"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

// ioSource is the concrete IOEvent for PollLoop.
type ioSource struct {
	fd       int
	interest Interest
	cb       func(ev IOEvent, fd int, interest Interest)
	destroy  func()
	freed    bool
}

func (s *ioSource) Enable(interest Interest) { s.interest = interest }
func (s *ioSource) SetDestroy(cb func())     { s.destroy = cb }
func (s *ioSource) Free()                    { s.freed = true }

// timeSource is the concrete TimeEvent for PollLoop, also a heap element.
type timeSource struct {
	deadline time.Time
	valid    bool
	cb       func(ev TimeEvent, deadline time.Time)
	destroy  func()
	freed    bool
	index    int
}

func (s *timeSource) Restart(deadline time.Time, valid bool) {
	s.deadline = deadline
	s.valid = valid
}
func (s *timeSource) SetDestroy(cb func()) { s.destroy = cb }
func (s *timeSource) Free()                { s.freed = true }

// timeHeap orders armed timers by deadline.
type timeHeap []*timeSource

func (h timeHeap) Len() int { return len(h) }
func (h timeHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}
func (h timeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timeHeap) Push(x any) {
	s := x.(*timeSource)
	s.index = len(*h)
	*h = append(*h, s)
}
func (h *timeHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}

// deferSource is the concrete DeferEvent for PollLoop.
type deferSource struct {
	enabled bool
	cb      func(ev DeferEvent)
	destroy func()
	freed   bool
}

func (s *deferSource) Enable(enabled bool) { s.enabled = enabled }
func (s *deferSource) SetDestroy(cb func()) { s.destroy = cb }
func (s *deferSource) Free()                { s.freed = true }

// PollLoop is the built-in poll(2)-backed event loop.
type PollLoop struct {
	ios    []*ioSource
	timers timeHeap
	defers []*deferSource
	quit   bool
	retval int
}

// NewPollLoop constructs an empty loop.
func NewPollLoop() *PollLoop {
	return &PollLoop{timers: timeHeap{}}
}

func (l *PollLoop) NewIO(fd int, interest Interest, cb func(ev IOEvent, fd int, interest Interest)) IOEvent {
	s := &ioSource{fd: fd, interest: interest, cb: cb}
	l.ios = append(l.ios, s)
	return s
}

func (l *PollLoop) NewTime(deadline time.Time, cb func(ev TimeEvent, deadline time.Time)) TimeEvent {
	s := &timeSource{deadline: deadline, valid: true, cb: cb}
	heap.Push(&l.timers, s)
	return s
}

func (l *PollLoop) NewDefer(cb func(ev DeferEvent)) DeferEvent {
	s := &deferSource{cb: cb}
	l.defers = append(l.defers, s)
	return s
}

func (l *PollLoop) Quit(retval int) {
	l.quit = true
	l.retval = retval
}

// sweep removes freed sources, running their destroy callbacks. Called
// only between dispatch phases, never mid-iteration, so a callback that
// frees a source never observes it vanish from a slice being ranged over.
func (l *PollLoop) sweep() {
	kept := l.ios[:0]
	for _, s := range l.ios {
		if s.freed {
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

	// Expired/freed timers are removed from the heap individually by the
	// dispatch code (pop on fire) and here for ones freed without firing.
	var remaining timeHeap
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

// runDefers fires all defer-events enabled at the start of this call, in
// slice (enablement) order. Defer-events fire before any IO for a given
// iteration.
func (l *PollLoop) runDefers() {
	snapshot := make([]*deferSource, 0, len(l.defers))
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
}

// nextDeadline returns the earliest armed timer deadline, if any.
func (l *PollLoop) nextDeadline() (time.Time, bool) {
	for l.timers.Len() > 0 {
		top := l.timers[0]
		if top.freed {
			heap.Pop(&l.timers)
			continue
		}
		if !top.valid {
			// Disarmed: pull it out of deadline ordering until restarted.
			heap.Pop(&l.timers)
			continue
		}
		return top.deadline, true
	}
	return time.Time{}, false
}

// dispatchExpiredTimers fires every timer whose deadline has passed, in
// deadline order.
func (l *PollLoop) dispatchExpiredTimers(now time.Time) {
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
}

func toPollEvents(i Interest) int16 {
	var ev int16
	if i.Has(Readable) {
		ev |= unix.POLLIN
	}
	if i.Has(Writable) {
		ev |= unix.POLLOUT
	}
	return ev
}

func fromPollEvents(ev int16) Interest {
	var i Interest
	if ev&unix.POLLIN != 0 {
		i |= Readable
	}
	if ev&unix.POLLOUT != 0 {
		i |= Writable
	}
	if ev&unix.POLLHUP != 0 {
		i |= Hangup
	}
	if ev&(unix.POLLERR|unix.POLLNVAL) != 0 {
		i |= ErrorCond
	}
	return i
}

func (l *PollLoop) dispatchIO(timeoutMs int) error {
	if len(l.ios) == 0 {
		if timeoutMs < 0 {
			// Nothing to wait on and no timers either: avoid blocking
			// forever with no way to wake up.
			return nil
		}
		time.Sleep(time.Duration(timeoutMs) * time.Millisecond)
		return nil
	}

	pfds := make([]unix.PollFd, len(l.ios))
	for idx, s := range l.ios {
		pfds[idx] = unix.PollFd{Fd: int32(s.fd), Events: toPollEvents(s.interest)}
	}

	n, err := unix.Poll(pfds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	// Expired timers run before IO, in deadline order.
	l.dispatchExpiredTimers(time.Now())
	if n == 0 {
		return nil
	}

	// Dispatch in fd order.
	order := make([]int, len(pfds))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return pfds[order[a]].Fd < pfds[order[b]].Fd })
	for _, idx := range order {
		s := l.ios[idx]
		if s.freed {
			continue
		}
		got := fromPollEvents(pfds[idx].Revents)
		if got == 0 {
			continue
		}
		s.cb(s, s.fd, got)
	}
	return nil
}

// RunOnce executes a single loop iteration: defers, then block-until-ready,
// then expired timers, then ready IO. Returns (quit, retval).
func (l *PollLoop) RunOnce() (bool, int, error) {
	l.runDefers()
	l.sweep()
	if l.quit {
		return true, l.retval, nil
	}

	timeoutMs := -1
	if deadline, ok := l.nextDeadline(); ok {
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		timeoutMs = int(d.Milliseconds())
	} else if len(l.ios) == 0 {
		// No timers and no IO: nothing left to wait on. Treat as an
		// immediate no-op iteration so callers (e.g. Once-only loops)
		// don't block forever.
		timeoutMs = 0
	}

	if err := l.dispatchIO(timeoutMs); err != nil {
		return false, 0, err
	}

	l.dispatchExpiredTimers(time.Now())
	l.sweep()
	return l.quit, l.retval, nil
}

// Run drives the loop until Quit is called or stop is closed. Returns the
// value passed to Quit.
func (l *PollLoop) Run(stop <-chan struct{}) (int, error) {
	for {
		select {
		case <-stop:
			return 0, nil
		default:
		}
		quit, retval, err := l.RunOnce()
		if err != nil {
			return 0, err
		}
		if quit {
			return retval, nil
		}
	}
}
