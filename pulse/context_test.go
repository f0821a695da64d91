package pulse

import (
	"net"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/polypd/polypd/internal/authcookie"
	"github.com/polypd/polypd/internal/iochannel"
	"github.com/polypd/polypd/internal/ioloop"
	"github.com/polypd/polypd/internal/mem"
	"github.com/polypd/polypd/internal/pstream"
	"github.com/polypd/polypd/internal/protocol"
	"github.com/polypd/polypd/internal/tagstruct"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func pump(t *testing.T, loop *ioloop.PollLoop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		loop.RunOnce()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// extractFD duplicates conn's underlying fd, set non-blocking, for
// handing to iochannel.New the same way sockclient does on the client
// side.
func extractFD(t *testing.T, conn net.Conn) int {
	t.Helper()
	sc, ok := conn.(syscall.Conn)
	require.True(t, ok)
	raw, err := sc.SyscallConn()
	require.NoError(t, err)

	var fd int
	var dupErr error
	require.NoError(t, raw.Control(func(f uintptr) { fd, dupErr = unix.Dup(int(f)) }))
	require.NoError(t, dupErr)
	require.NoError(t, unix.SetNonblock(fd, true))
	return fd
}

// fakeServer answers control packets on the daemon side of a pstream,
// replying PA_COMMAND_REPLY with no body by default (enough for
// AUTH/SET_CLIENT_NAME) and a per-command override otherwise.
type fakeServer struct {
	ps *pstream.Stream

	mu       sync.Mutex
	handlers map[protocol.Command]func(tag uint32, ts *tagstruct.Reader) []byte
}

func newFakeServer(io *iochannel.Channel) *fakeServer {
	fs := &fakeServer{
		ps:       pstream.New(io),
		handlers: make(map[protocol.Command]func(uint32, *tagstruct.Reader) []byte),
	}
	fs.ps.SetReceivePacketCallback(fs.onPacket)
	return fs
}

func (fs *fakeServer) on(command protocol.Command, h func(tag uint32, ts *tagstruct.Reader) []byte) {
	fs.mu.Lock()
	fs.handlers[command] = h
	fs.mu.Unlock()
}

func (fs *fakeServer) onPacket(p *mem.Packet) {
	ts := tagstruct.NewReader(p.Data())
	raw, err := ts.GetU32()
	if err != nil {
		return
	}
	tag, err := ts.GetU32()
	if err != nil {
		return
	}
	command := protocol.Command(raw)

	fs.mu.Lock()
	h := fs.handlers[command]
	fs.mu.Unlock()

	var body []byte
	if h != nil {
		body = h(tag, ts)
	} else {
		w := tagstruct.NewWriter()
		w.PutU32(uint32(protocol.CommandReply))
		w.PutU32(tag)
		body = w.Bytes()
	}
	if body == nil {
		return
	}
	rp, err := mem.NewPacket(body)
	if err != nil {
		return
	}
	fs.ps.SendPacket(rp)
	rp.Unref()
}

// pushUnsolicited sends a command frame the client didn't ask for
// (SUBSCRIBE_EVENT_NOTIFY, PLAYBACK_STREAM_KILLED, REQUEST, ...).
func (fs *fakeServer) pushUnsolicited(command protocol.Command, body func(w *tagstruct.Writer)) {
	w := tagstruct.NewWriter()
	w.PutU32(uint32(command))
	w.PutU32(0)
	if body != nil {
		body(w)
	}
	p, err := mem.NewPacket(w.Bytes())
	if err != nil {
		return
	}
	fs.ps.SendPacket(p)
	p.Unref()
}

func replyWith(tag uint32, body func(w *tagstruct.Writer)) []byte {
	w := tagstruct.NewWriter()
	w.PutU32(uint32(protocol.CommandReply))
	w.PutU32(tag)
	if body != nil {
		body(w)
	}
	return w.Bytes()
}

func errorReply(code protocol.ErrorCode) []byte {
	w := tagstruct.NewWriter()
	w.PutU32(uint32(protocol.CommandError))
	w.PutU32(0)
	w.PutU32(uint32(code))
	return w.Bytes()
}

// testHarness wires a Context through a real UNIX listener to a
// fakeServer driven on the same loop, so the whole exchange advances
// synchronously under pump().
type testHarness struct {
	ctx        *Context
	fs         *fakeServer
	serverConn net.Conn
}

func newHarness(t *testing.T, loop *ioloop.PollLoop, name string) *testHarness {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "polypd.sock")
	cookiePath := filepath.Join(dir, "cookie")
	_, err := authcookie.LoadOrCreate(cookiePath)
	require.NoError(t, err)

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	connCh := make(chan net.Conn, 1)
	go func() {
		conn, aerr := ln.Accept()
		if aerr == nil {
			connCh <- conn
		}
	}()

	ctx := New(loop, name, cookiePath)
	require.NoError(t, ctx.Connect("unix:"+sockPath))

	var serverConn net.Conn
	pump(t, loop, func() bool {
		select {
		case c := <-connCh:
			serverConn = c
		default:
		}
		return serverConn != nil
	})
	t.Cleanup(func() { serverConn.Close() })

	fd := extractFD(t, serverConn)
	serverIO := iochannel.New(loop, fd)
	fs := newFakeServer(serverIO)

	return &testHarness{ctx: ctx, fs: fs, serverConn: serverConn}
}

func newReadyHarness(t *testing.T, loop *ioloop.PollLoop) *testHarness {
	t.Helper()
	h := newHarness(t, loop, "test-client")
	pump(t, loop, func() bool { return !h.ctx.State().IsGood() || h.ctx.State() == ContextReady })
	require.Equal(t, ContextReady, h.ctx.State())
	return h
}

func TestConnectReachesReady(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)
	require.Equal(t, ContextReady, h.ctx.State())
	require.False(t, h.ctx.IsPending())
}

func TestConnectFailsWhenAuthRejected(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newHarness(t, loop, "test-client")

	h.fs.on(protocol.CommandAuth, func(tag uint32, ts *tagstruct.Reader) []byte {
		return errorReply(protocol.ErrAccess)
	})

	pump(t, loop, func() bool { return !h.ctx.State().IsGood() })
	require.Equal(t, ContextFailed, h.ctx.State())
	require.Equal(t, protocol.ErrAccess, h.ctx.LastError())
}

func TestStateCallbackFiresOnEveryTransition(t *testing.T) {
	loop := ioloop.NewPollLoop()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "polypd.sock")
	cookiePath := filepath.Join(dir, "cookie")
	_, err := authcookie.LoadOrCreate(cookiePath)
	require.NoError(t, err)
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	connCh := make(chan net.Conn, 1)
	go func() {
		conn, aerr := ln.Accept()
		if aerr == nil {
			connCh <- conn
		}
	}()

	var seen []ContextState
	ctx := New(loop, "test-client", cookiePath)
	ctx.SetStateCallback(func(c *Context) { seen = append(seen, c.State()) })
	require.NoError(t, ctx.Connect("unix:"+sockPath))

	var serverConn net.Conn
	pump(t, loop, func() bool {
		select {
		case c := <-connCh:
			serverConn = c
		default:
		}
		return serverConn != nil
	})
	defer serverConn.Close()
	fd := extractFD(t, serverConn)
	newFakeServer(iochannel.New(loop, fd))

	pump(t, loop, func() bool { return ctx.State() == ContextReady })
	require.Equal(t, []ContextState{ContextConnecting, ContextAuthorizing, ContextSettingName, ContextReady}, seen)
}

func TestSubscribeSendsMaskAndReportsSuccess(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)

	var gotMask uint32
	h.fs.on(protocol.CommandSubscribe, func(tag uint32, ts *tagstruct.Reader) []byte {
		m, err := ts.GetU32()
		require.NoError(t, err)
		gotMask = m
		return replyWith(tag, nil)
	})

	var success bool
	var done bool
	h.ctx.Subscribe(0x3ff, func(ok bool) { success = ok; done = true }).Unref()

	pump(t, loop, func() bool { return done })
	require.True(t, success)
	require.Equal(t, uint32(0x3ff), gotMask)
}

func TestSubscribeEventNotifyInvokesCallback(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)

	var got SubscriptionEvent
	var done bool
	h.ctx.SetSubscribeCallback(func(ev SubscriptionEvent) { got = ev; done = true })

	h.fs.pushUnsolicited(protocol.CommandSubscribeEventNotify, func(w *tagstruct.Writer) {
		w.PutU32(7)
		w.PutU32(42)
	})

	pump(t, loop, func() bool { return done })
	require.Equal(t, uint32(7), got.Kind)
	require.Equal(t, uint32(42), got.Index)
}

func TestDisconnectTerminatesContextAndLiveStreams(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)

	s := NewStream(h.ctx, "test-stream", protocol.SampleSpec{Format: protocol.SampleS16LE, Rate: 44100, Channels: 2})
	var streamState StreamState
	var streamDone bool
	s.SetStateCallback(func(st *Stream) { streamState = st.State(); streamDone = st.State() == StreamTerminated })

	h.ctx.Disconnect()
	pump(t, loop, func() bool { return streamDone })

	require.Equal(t, ContextTerminated, h.ctx.State())
	require.Equal(t, StreamTerminated, streamState)
}

func TestOnRequestAddsCreditToPlaybackStream(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)

	h.fs.on(protocol.CommandCreatePlaybackStream, func(tag uint32, ts *tagstruct.Reader) []byte {
		return replyWith(tag, func(w *tagstruct.Writer) {
			w.PutU32(3)   // channel
			w.PutU32(0)   // device index
			w.PutU32(512) // initial requested bytes
		})
	})

	s := NewStream(h.ctx, "test-stream", protocol.SampleSpec{Format: protocol.SampleS16LE, Rate: 44100, Channels: 2})
	require.NoError(t, s.ConnectPlayback("", nil, false, false, protocol.ChannelVolume{}))
	pump(t, loop, func() bool { return s.State() == StreamReady })
	require.Equal(t, uint32(512), s.WritableSize())

	var gotRequest uint32
	s.SetWriteCallback(func(requested uint32) { gotRequest = requested })

	h.fs.pushUnsolicited(protocol.CommandRequest, func(w *tagstruct.Writer) {
		w.PutU32(3)   // channel
		w.PutU32(256) // additional credit
	})

	pump(t, loop, func() bool { return s.WritableSize() == 768 })
	require.Equal(t, uint32(768), gotRequest)
}

func TestOnStreamKilledFailsOnlyThatStream(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)

	h.fs.on(protocol.CommandCreatePlaybackStream, func(tag uint32, ts *tagstruct.Reader) []byte {
		return replyWith(tag, func(w *tagstruct.Writer) {
			w.PutU32(9)
			w.PutU32(0)
			w.PutU32(0)
		})
	})

	s := NewStream(h.ctx, "test-stream", protocol.SampleSpec{Format: protocol.SampleS16LE, Rate: 44100, Channels: 2})
	require.NoError(t, s.ConnectPlayback("", nil, false, false, protocol.ChannelVolume{}))
	pump(t, loop, func() bool { return s.State() == StreamReady })

	h.fs.pushUnsolicited(protocol.CommandPlaybackStreamKilled, func(w *tagstruct.Writer) {
		w.PutU32(9)
	})

	pump(t, loop, func() bool { return s.State() == StreamFailed })
	require.Equal(t, protocol.ErrKilled, h.ctx.LastError())
	require.Equal(t, ContextReady, h.ctx.State())
}
