package pulse

import (
	"sync"
	"sync/atomic"
)

// OperationState is the lifecycle of an in-flight request.
type OperationState int

const (
	OperationRunning OperationState = iota
	OperationDone
	OperationCancelled
)

func (s OperationState) String() string {
	switch s {
	case OperationRunning:
		return "running"
	case OperationDone:
		return "done"
	case OperationCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Operation tracks one outstanding RPC: it holds the user's callback
// until a terminal state is reached, guaranteeing the callback fires at
// most once even if the caller drops every other reference.
//
// Grounded on original_source/polyp/polyplib-operation.c.
type Operation struct {
	refs atomic.Int32

	ctx    *Context
	stream *Stream

	mu    sync.Mutex
	state OperationState
	// onTerminal is invoked exactly once, the first time the operation
	// reaches OperationDone or OperationCancelled; nil afterward.
	onTerminal func()
}

func newOperation(ctx *Context, s *Stream) *Operation {
	o := &Operation{ctx: ctx, stream: s, state: OperationRunning}
	o.refs.Store(1)
	ctx.addOperation(o)
	return o
}

// Ref increments the reference count and returns o.
func (o *Operation) Ref() *Operation { o.refs.Add(1); return o }

// Unref decrements the reference count. Operations have no separate free
// step beyond Go's GC, and Unref never fires onTerminal; only a state
// transition does.
func (o *Operation) Unref() { o.refs.Add(-1) }

// State reports the operation's current lifecycle state.
func (o *Operation) State() OperationState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Cancel transitions a running operation to cancelled. A no-op once the
// operation has already reached a terminal state.
func (o *Operation) Cancel() { o.setState(OperationCancelled) }

// complete transitions a running operation to done; called by the
// dispatcher reply handler once the server has responded (or by a reply
// timeout).
func (o *Operation) complete() { o.setState(OperationDone) }

func (o *Operation) setState(st OperationState) {
	o.mu.Lock()
	if o.state == st || o.state != OperationRunning {
		o.mu.Unlock()
		return
	}
	o.state = st
	cb := o.onTerminal
	o.onTerminal = nil
	o.mu.Unlock()

	o.ctx.removeOperation(o)
	if cb != nil {
		cb()
	}
}
