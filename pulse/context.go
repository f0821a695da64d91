// Package pulse is the public client library: it drives a single
// connection to a polypd daemon through the internal pstream/dispatch
// transport stack and exposes it as Context, Stream and Operation
// values.
//
// Grounded on original_source/polyp/polyplib-context.c,
// polyplib-stream.c and polyplib-operation.c; the connection setup
// and command-table wiring below is a close translation of
// setup_context/setup_complete_callback/pa_context_connect.
package pulse

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/polypd/polypd/internal/authcookie"
	"github.com/polypd/polypd/internal/dispatch"
	"github.com/polypd/polypd/internal/iochannel"
	"github.com/polypd/polypd/internal/ioloop"
	"github.com/polypd/polypd/internal/mem"
	"github.com/polypd/polypd/internal/pstream"
	"github.com/polypd/polypd/internal/protocol"
	"github.com/polypd/polypd/internal/sockclient"
	"github.com/polypd/polypd/internal/tagstruct"
)

// ContextState is a connection's position in its lifecycle.
type ContextState int

const (
	ContextUnconnected ContextState = iota
	ContextConnecting
	ContextAuthorizing
	ContextSettingName
	ContextReady
	ContextFailed
	ContextTerminated
)

func (s ContextState) String() string {
	switch s {
	case ContextUnconnected:
		return "unconnected"
	case ContextConnecting:
		return "connecting"
	case ContextAuthorizing:
		return "authorizing"
	case ContextSettingName:
		return "setting_name"
	case ContextReady:
		return "ready"
	case ContextFailed:
		return "failed"
	case ContextTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsGood reports whether s is neither failed nor terminated.
func (s ContextState) IsGood() bool { return s != ContextFailed && s != ContextTerminated }

// SubscriptionEvent is delivered to a Context's subscribe callback
// whenever the daemon reports a registry change.
type SubscriptionEvent struct {
	Kind  uint32
	Index uint32
}

// Context owns one connection to a polypd daemon: the transport
// (sockclient -> pstream -> dispatch) plus every stream and operation
// that connection currently has live.
type Context struct {
	loop ioloop.Loop
	refs atomic.Int32

	name       string
	cookiePath string

	mu    sync.Mutex
	state ContextState
	err   protocol.ErrorCode
	ctag  uint32

	sockClient *sockclient.Client
	pstream    *pstream.Stream
	dispatch   *dispatch.Dispatcher

	playback map[uint32]*Stream
	record   map[uint32]*Stream
	streams  map[*Stream]struct{}
	ops      map[*Operation]struct{}

	stateCallback     func(*Context)
	subscribeCallback func(SubscriptionEvent)
}

// New returns a fresh, unconnected Context identifying itself to the
// daemon as name. cookiePath overrides the default auth-cookie
// location when non-empty (see internal/authcookie.DefaultPath).
func New(loop ioloop.Loop, name, cookiePath string) *Context {
	c := &Context{
		loop:       loop,
		name:       name,
		cookiePath: cookiePath,
		state:      ContextUnconnected,
		playback:   make(map[uint32]*Stream),
		record:     make(map[uint32]*Stream),
		streams:    make(map[*Stream]struct{}),
		ops:        make(map[*Operation]struct{}),
	}
	c.refs.Store(1)
	return c
}

// Ref increments the reference count and returns c.
func (c *Context) Ref() *Context { c.refs.Add(1); return c }

// Unref decrements the reference count. Contexts have no separate
// free step beyond Go's GC; Unref exists so ownership reads the same
// as the rest of the library.
func (c *Context) Unref() { c.refs.Add(-1) }

// State returns the context's current lifecycle state.
func (c *Context) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error code of the most recent failure.
func (c *Context) LastError() protocol.ErrorCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SetStateCallback registers cb to be invoked on every state
// transition.
func (c *Context) SetStateCallback(cb func(*Context)) {
	c.mu.Lock()
	c.stateCallback = cb
	c.mu.Unlock()
}

// SetSubscribeCallback registers cb to receive SUBSCRIBE_EVENT
// notifications (only useful after a successful Subscribe call).
func (c *Context) SetSubscribeCallback(cb func(SubscriptionEvent)) {
	c.mu.Lock()
	c.subscribeCallback = cb
	c.mu.Unlock()
}

// IsPending reports whether the connection has unflushed output or
// outstanding replies, mirroring pa_context_is_pending.
func (c *Context) IsPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (c.pstream != nil && c.pstream.IsPending()) ||
		(c.dispatch != nil && c.dispatch.IsPending()) ||
		c.sockClient != nil
}

func (c *Context) nextTag() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	tag := c.ctag
	c.ctag++
	return tag
}

func (c *Context) setState(st ContextState) {
	c.mu.Lock()
	if c.state == st {
		c.mu.Unlock()
		return
	}
	c.state = st

	var failedStreams []*Stream
	if st == ContextFailed || st == ContextTerminated {
		for s := range c.streams {
			failedStreams = append(failedStreams, s)
		}
		c.dispatch = nil
		if c.pstream != nil {
			c.pstream.Unref()
			c.pstream = nil
		}
		c.sockClient = nil
	}
	cb := c.stateCallback
	c.mu.Unlock()

	target := StreamTerminated
	if st == ContextFailed {
		target = StreamFailed
	}
	for _, s := range failedStreams {
		s.setState(target)
	}

	if cb != nil {
		cb(c)
	}
}

func (c *Context) fail(code protocol.ErrorCode) {
	c.mu.Lock()
	c.err = code
	c.mu.Unlock()
	c.setState(ContextFailed)
}

// handleError consumes an ERROR/TIMEOUT reply command and records the
// resulting error code. Returns false (and fails the context) on a
// malformed ERROR payload or any other non-REPLY command.
func (c *Context) handleError(command protocol.Command, ts *tagstruct.Reader) bool {
	switch command {
	case protocol.CommandError:
		code, err := ts.GetU32()
		if err != nil {
			c.fail(protocol.ErrProtocol)
			return false
		}
		c.mu.Lock()
		c.err = protocol.ErrorCode(code)
		c.mu.Unlock()
	case protocol.CommandTimeout:
		c.mu.Lock()
		c.err = protocol.ErrTimeout
		c.mu.Unlock()
	default:
		c.fail(protocol.ErrProtocol)
		return false
	}
	return true
}

func (c *Context) commandTable() map[protocol.Command]dispatch.Callback {
	return map[protocol.Command]dispatch.Callback{
		protocol.CommandRequest:             c.onRequest,
		protocol.CommandPlaybackStreamKilled: c.onStreamKilled,
		protocol.CommandRecordStreamKilled:   c.onStreamKilled,
		protocol.CommandSubscribeEventNotify: c.onSubscribeEvent,
	}
}

// Connect begins an asynchronous connection to addr (a "unix:/path",
// bare hostname, or "host:port" address; empty uses the compiled-in
// default). The outcome is delivered through the state callback:
// ContextReady on success, ContextFailed otherwise.
func (c *Context) Connect(addr string) error {
	c.mu.Lock()
	if c.state != ContextUnconnected {
		c.mu.Unlock()
		return fmt.Errorf("pulse: Connect called in state %s", c.state)
	}
	c.mu.Unlock()

	if addr == "" {
		addr = protocol.DefaultUnixSocketPath
	}

	sc, err := sockclient.NewString(c.loop, addr, protocol.DefaultTCPPort)
	if err != nil {
		c.fail(protocol.ErrInvalidServer)
		return err
	}

	c.mu.Lock()
	c.sockClient = sc
	c.mu.Unlock()

	sc.SetCallback(c.onConnection)
	c.setState(ContextConnecting)
	return nil
}

func (c *Context) onConnection(_ *sockclient.Client, io *iochannel.Channel, err error) {
	c.mu.Lock()
	c.sockClient = nil
	c.mu.Unlock()

	if err != nil {
		c.fail(protocol.ErrConnectionRefused)
		return
	}
	c.setupTransport(io)
}

func (c *Context) setupTransport(io *iochannel.Channel) {
	ps := pstream.New(io)
	ps.SetDieCallback(func() { c.fail(protocol.ErrConnectionTerminated) })
	ps.SetReceivePacketCallback(c.onPacket)
	ps.SetReceiveMemblockCallback(c.onMemblock)

	d := dispatch.New(c.loop, c.commandTable())

	c.mu.Lock()
	c.pstream = ps
	c.dispatch = d
	c.mu.Unlock()

	path := c.cookiePath
	var err error
	if path == "" {
		path, err = authcookie.DefaultPath()
	}
	var cookie [protocol.CookieLength]byte
	if err == nil {
		cookie, err = authcookie.Load(path)
	}
	if err != nil {
		c.fail(protocol.ErrAuthKey)
		return
	}

	tag := c.nextTag()
	w := tagstruct.NewWriter()
	w.PutU32(uint32(protocol.CommandAuth))
	w.PutU32(tag)
	w.PutArbitrary(cookie[:])
	c.sendTagstruct(w)
	d.RegisterReply(tag, dispatch.DefaultReplyTimeout, c.onSetupReply)

	c.setState(ContextAuthorizing)
}

func (c *Context) onSetupReply(_ *dispatch.Dispatcher, command protocol.Command, _ uint32, ts *tagstruct.Reader) {
	if command != protocol.CommandReply {
		c.handleError(command, ts)
		c.fail(c.LastError())
		return
	}

	switch c.State() {
	case ContextAuthorizing:
		tag := c.nextTag()
		w := tagstruct.NewWriter()
		w.PutU32(uint32(protocol.CommandSetClientName))
		w.PutU32(tag)
		w.PutString(c.name)
		c.sendTagstruct(w)

		c.mu.Lock()
		d := c.dispatch
		c.mu.Unlock()
		if d != nil {
			d.RegisterReply(tag, dispatch.DefaultReplyTimeout, c.onSetupReply)
		}
		c.setState(ContextSettingName)

	case ContextSettingName:
		c.setState(ContextReady)

	default:
		c.fail(protocol.ErrProtocol)
	}
}

// sendTagstruct wraps w's bytes in a control packet and hands it to
// the pstream for sending, silently dropping the call if the
// transport has already gone away (a late callback racing a failure).
func (c *Context) sendTagstruct(w *tagstruct.Writer) {
	c.mu.Lock()
	ps := c.pstream
	c.mu.Unlock()
	if ps == nil {
		return
	}
	p, err := mem.NewPacket(w.Bytes())
	if err != nil {
		return
	}
	ps.SendPacket(p)
	p.Unref()
}

func (c *Context) onPacket(p *mem.Packet) {
	c.mu.Lock()
	d := c.dispatch
	c.mu.Unlock()
	if d == nil {
		return
	}
	if err := d.Run(p); err != nil {
		c.fail(protocol.ErrProtocol)
	}
}

func (c *Context) onMemblock(channel uint32, _ int64, chunk mem.Memchunk) {
	c.mu.Lock()
	s := c.record[channel]
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.deliverRead(chunk)
}

func (c *Context) onRequest(_ *dispatch.Dispatcher, command protocol.Command, _ uint32, ts *tagstruct.Reader) {
	channel, err1 := ts.GetU32()
	bytes, err2 := ts.GetU32()
	if err1 != nil || err2 != nil || ts.EOF() != nil {
		c.fail(protocol.ErrProtocol)
		return
	}
	c.mu.Lock()
	s := c.playback[channel]
	c.mu.Unlock()
	if s != nil {
		s.addRequestedBytes(bytes)
	}
}

func (c *Context) onStreamKilled(_ *dispatch.Dispatcher, command protocol.Command, _ uint32, ts *tagstruct.Reader) {
	channel, err := ts.GetU32()
	if err != nil || ts.EOF() != nil {
		c.fail(protocol.ErrProtocol)
		return
	}
	c.mu.Lock()
	var s *Stream
	if command == protocol.CommandPlaybackStreamKilled {
		s = c.playback[channel]
	} else {
		s = c.record[channel]
	}
	c.err = protocol.ErrKilled
	c.mu.Unlock()
	if s != nil {
		s.setState(StreamFailed)
	}
}

func (c *Context) onSubscribeEvent(_ *dispatch.Dispatcher, command protocol.Command, _ uint32, ts *tagstruct.Reader) {
	kind, err1 := ts.GetU32()
	index, err2 := ts.GetU32()
	if err1 != nil || err2 != nil || ts.EOF() != nil {
		c.fail(protocol.ErrProtocol)
		return
	}
	c.mu.Lock()
	cb := c.subscribeCallback
	c.mu.Unlock()
	if cb != nil {
		cb(SubscriptionEvent{Kind: kind, Index: index})
	}
}

// Subscribe asks the daemon to start delivering SUBSCRIBE_EVENT_NOTIFY
// notifications of the given event mask to this connection.
func (c *Context) Subscribe(mask uint32, cb func(success bool)) *Operation {
	o := newOperation(c, nil)
	tag := c.nextTag()

	w := tagstruct.NewWriter()
	w.PutU32(uint32(protocol.CommandSubscribe))
	w.PutU32(tag)
	w.PutU32(mask)
	c.sendTagstruct(w)

	c.mu.Lock()
	d := c.dispatch
	c.mu.Unlock()
	if d == nil {
		o.complete()
		return o.Ref()
	}
	d.RegisterReply(tag, dispatch.DefaultReplyTimeout, func(_ *dispatch.Dispatcher, command protocol.Command, _ uint32, ts *tagstruct.Reader) {
		success := command == protocol.CommandReply
		if !success {
			c.handleError(command, ts)
		}
		if cb != nil {
			cb(success)
		}
		o.complete()
	})
	return o.Ref()
}

// Disconnect tears the connection down immediately, moving the
// context to ContextTerminated and every live stream to
// StreamTerminated.
func (c *Context) Disconnect() { c.setState(ContextTerminated) }

func (c *Context) addOperation(o *Operation) {
	c.mu.Lock()
	c.ops[o] = struct{}{}
	c.mu.Unlock()
}

func (c *Context) removeOperation(o *Operation) {
	c.mu.Lock()
	delete(c.ops, o)
	c.mu.Unlock()
}

func (c *Context) addStream(s *Stream) {
	c.mu.Lock()
	c.streams[s] = struct{}{}
	c.mu.Unlock()
}

func (c *Context) removeStream(s *Stream) {
	c.mu.Lock()
	delete(c.streams, s)
	if s.channelValid {
		if s.direction == StreamRecord {
			delete(c.record, s.channel)
		} else {
			delete(c.playback, s.channel)
		}
	}
	c.mu.Unlock()
}

func (c *Context) bindChannel(s *Stream) {
	c.mu.Lock()
	if s.direction == StreamRecord {
		c.record[s.channel] = s
	} else {
		c.playback[s.channel] = s
	}
	c.mu.Unlock()
}
