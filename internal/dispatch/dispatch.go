// Package dispatch routes inbound control packets either to a pending
// reply callback keyed by tag, or to a command-table handler keyed by
// opcode.
//
// Grounded on original_source/polyp/pdispatch.c/.h.
package dispatch

import (
	"fmt"
	"time"

	"github.com/polypd/polypd/internal/ioloop"
	"github.com/polypd/polypd/internal/mem"
	"github.com/polypd/polypd/internal/protocol"
	"github.com/polypd/polypd/internal/tagstruct"
)

// Callback handles either a REPLY/ERROR response matched by tag, or an
// unsolicited command matched by the table.
type Callback func(d *Dispatcher, command protocol.Command, tag uint32, ts *tagstruct.Reader)

// DefaultReplyTimeout is how long a request waits for a reply before
// the dispatcher treats it as timed out.
const DefaultReplyTimeout = protocol.DefaultReplyTimeoutSeconds * time.Second

type replyInfo struct {
	tag       uint32
	callback  Callback
	userdata  any
	timeEvent ioloop.TimeEvent
}

// Dispatcher owns the table of server/client-initiated command handlers
// and the FIFO of pending tagged replies.
type Dispatcher struct {
	loop    ioloop.Loop
	table   map[protocol.Command]Callback
	replies []*replyInfo

	drainCallback func()
}

// New creates a Dispatcher driven by loop, with table handling any
// unsolicited (non-REPLY/ERROR) commands. table may be nil.
func New(loop ioloop.Loop, table map[protocol.Command]Callback) *Dispatcher {
	if table == nil {
		table = make(map[protocol.Command]Callback)
	}
	return &Dispatcher{loop: loop, table: table}
}

// SetDrainCallback installs cb, invoked whenever the pending-reply set
// becomes empty after a run. Per the original's assertion, only sensible
// to set while at least one reply is outstanding.
func (d *Dispatcher) SetDrainCallback(cb func()) { d.drainCallback = cb }

// IsPending reports whether any reply is still outstanding.
func (d *Dispatcher) IsPending() bool { return len(d.replies) > 0 }

// RegisterReply arms a one-shot callback for tag, disarmed either by a
// matching REPLY/ERROR or by a timeout firing PA_COMMAND_TIMEOUT-shaped
// delivery (command == protocol.CommandTimeout, ts == nil).
func (d *Dispatcher) RegisterReply(tag uint32, timeout time.Duration, cb Callback) {
	r := &replyInfo{tag: tag, callback: cb}
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	r.timeEvent = d.loop.NewTime(time.Now().Add(timeout), func(ioloop.TimeEvent, time.Time) {
		d.runAction(r, protocol.CommandTimeout, nil)
	})
	d.replies = append(d.replies, r)
}

// UnregisterTag removes every pending reply registered under tag and
// disarms its timeout. The original keys removal on a userdata pointer;
// here callers keep the tag they registered and remove by that.
func (d *Dispatcher) UnregisterTag(tag uint32) {
	out := d.replies[:0]
	for _, r := range d.replies {
		if r.tag == tag {
			if r.timeEvent != nil {
				r.timeEvent.Free()
			}
			continue
		}
		out = append(out, r)
	}
	d.replies = out
}

func (d *Dispatcher) removeReply(r *replyInfo) {
	for i, c := range d.replies {
		if c == r {
			if r.timeEvent != nil {
				r.timeEvent.Free()
			}
			d.replies = append(d.replies[:i], d.replies[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) runAction(r *replyInfo, command protocol.Command, ts *tagstruct.Reader) {
	cb := r.callback
	tag := r.tag
	d.removeReply(r)
	cb(d, command, tag, ts)
	if d.drainCallback != nil && !d.IsPending() {
		d.drainCallback()
	}
}

// Run parses p as command:u32 tag:u32 followed by command-specific
// fields, and routes it to either a pending reply or the command table.
// A packet too short to hold the command+tag prefix is silently
// ignored, matching the original's "length <= 8" short-circuit.
func (d *Dispatcher) Run(p *mem.Packet) error {
	if p.Len() <= 8 {
		return nil
	}
	ts := tagstruct.NewReader(p.Data())
	cmdVal, err := ts.GetU32()
	if err != nil {
		return fmt.Errorf("dispatch: reading command: %w", err)
	}
	tag, err := ts.GetU32()
	if err != nil {
		return fmt.Errorf("dispatch: reading tag: %w", err)
	}
	command := protocol.Command(cmdVal)

	if command == protocol.CommandError || command == protocol.CommandReply {
		for _, r := range d.replies {
			if r.tag == tag {
				d.runAction(r, command, ts)
				return nil
			}
		}
		return nil
	}

	if handler, ok := d.table[command]; ok {
		handler(d, command, tag, ts)
		return nil
	}
	return fmt.Errorf("dispatch: unsupported command %s", command)
}
