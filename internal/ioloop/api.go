// Package ioloop implements the event-loop API: a polymorphic surface
// offering I/O, timer, and deferred-callback primitives that drives
// every other component.
//
// Two interchangeable backends are provided: PollLoop (a built-in poll(2)
// loop with its own deadline-ordered timer heap) and HostLoop (an adapter for
// a host-driven loop, e.g. an embedding application's own event bus).
// Both satisfy the Loop interface and the same single-threaded
// cooperative scheduling contract: every callback runs on the loop
// goroutine, a callback may create/free/enable/disable any event source
// including its own, and freed sources are swept only after the current
// dispatch phase completes.
//
// Grounded on original_source/polyp/mainloop-api.h's vtable shape.
package ioloop

import "time"

// Interest is a bitmask of the fd conditions an IOEvent watches.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
	Hangup
	ErrorCond
)

func (i Interest) Has(f Interest) bool { return i&f != 0 }

// IOEvent is a handle to a registered file-descriptor watch.
type IOEvent interface {
	// Enable changes the watched interest mask.
	Enable(interest Interest)
	// SetDestroy registers a callback run when the event is finally freed.
	SetDestroy(cb func())
	// Free releases the event. Safe to call from within the event's own
	// callback; the underlying source is retained until the current
	// dispatch phase completes.
	Free()
}

// TimeEvent is a handle to a registered one-shot or restartable timer.
type TimeEvent interface {
	// Restart rearms the timer for a new deadline. If valid is false the
	// timer is disarmed.
	Restart(deadline time.Time, valid bool)
	SetDestroy(cb func())
	Free()
}

// DeferEvent is a handle to a registered defer-callback, which fires once
// per loop iteration (in enablement order, before the loop blocks) while
// enabled.
type DeferEvent interface {
	Enable(enabled bool)
	SetDestroy(cb func())
	Free()
}

// Loop is the abstract event-loop vtable. Implementations: PollLoop and
// HostLoop (both in this package).
type Loop interface {
	NewIO(fd int, interest Interest, cb func(ev IOEvent, fd int, interest Interest)) IOEvent
	NewTime(deadline time.Time, cb func(ev TimeEvent, deadline time.Time)) TimeEvent
	NewDefer(cb func(ev DeferEvent)) DeferEvent
	// Quit instructs the loop to stop on the next iteration. On the Host
	// backend this is a no-op: the embedder must stop its own loop.
	Quit(retval int)
}

// Once creates a defer-event that fires exactly once and then frees
// itself.
func Once(l Loop, cb func()) DeferEvent {
	var ev DeferEvent
	ev = l.NewDefer(func(e DeferEvent) {
		e.Enable(false)
		e.Free()
		cb()
	})
	ev.Enable(true)
	return ev
}
