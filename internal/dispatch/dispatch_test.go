package dispatch

import (
	"testing"
	"time"

	"github.com/polypd/polypd/internal/ioloop"
	"github.com/polypd/polypd/internal/mem"
	"github.com/polypd/polypd/internal/protocol"
	"github.com/polypd/polypd/internal/tagstruct"
	"github.com/stretchr/testify/require"
)

func buildReplyPacket(t *testing.T, tag uint32, body func(w *tagstruct.Writer)) *mem.Packet {
	t.Helper()
	w := tagstruct.NewWriter()
	w.PutU32(uint32(protocol.CommandReply))
	w.PutU32(tag)
	if body != nil {
		body(w)
	}
	p, err := mem.NewPacket(w.Bytes())
	require.NoError(t, err)
	return p
}

func TestRunMatchesPendingReplyByTag(t *testing.T) {
	loop := ioloop.NewPollLoop()
	d := New(loop, nil)

	var gotTag uint32
	var gotCommand protocol.Command
	d.RegisterReply(42, time.Second, func(_ *Dispatcher, command protocol.Command, tag uint32, ts *tagstruct.Reader) {
		gotCommand = command
		gotTag = tag
	})
	require.True(t, d.IsPending())

	p := buildReplyPacket(t, 42, nil)
	require.NoError(t, d.Run(p))

	require.Equal(t, protocol.CommandReply, gotCommand)
	require.Equal(t, uint32(42), gotTag)
	require.False(t, d.IsPending())
}

func TestRunIgnoresReplyForUnknownTag(t *testing.T) {
	loop := ioloop.NewPollLoop()
	d := New(loop, nil)

	called := false
	d.RegisterReply(1, time.Second, func(*Dispatcher, protocol.Command, uint32, *tagstruct.Reader) { called = true })

	p := buildReplyPacket(t, 999, nil)
	require.NoError(t, d.Run(p))
	require.False(t, called)
	require.True(t, d.IsPending())
}

func TestRunRoutesUnsolicitedCommandToTable(t *testing.T) {
	loop := ioloop.NewPollLoop()
	called := false
	table := map[protocol.Command]Callback{
		protocol.CommandRequest: func(_ *Dispatcher, command protocol.Command, tag uint32, ts *tagstruct.Reader) {
			called = true
		},
	}
	d := New(loop, table)

	w := tagstruct.NewWriter()
	w.PutU32(uint32(protocol.CommandRequest))
	w.PutU32(7)
	p, err := mem.NewPacket(w.Bytes())
	require.NoError(t, err)

	require.NoError(t, d.Run(p))
	require.True(t, called)
}

func TestRunErrorsOnUnsupportedCommand(t *testing.T) {
	loop := ioloop.NewPollLoop()
	d := New(loop, nil)

	w := tagstruct.NewWriter()
	w.PutU32(uint32(protocol.CommandRequest))
	w.PutU32(1)
	p, err := mem.NewPacket(w.Bytes())
	require.NoError(t, err)

	require.Error(t, d.Run(p))
}

func TestDrainCallbackFiresWhenLastReplyResolves(t *testing.T) {
	loop := ioloop.NewPollLoop()
	d := New(loop, nil)

	drained := false
	d.SetDrainCallback(func() { drained = true })
	d.RegisterReply(1, time.Second, func(*Dispatcher, protocol.Command, uint32, *tagstruct.Reader) {})

	p := buildReplyPacket(t, 1, nil)
	require.NoError(t, d.Run(p))
	require.True(t, drained)
}

func TestUnregisterTagDisarmsTimeout(t *testing.T) {
	loop := ioloop.NewPollLoop()
	d := New(loop, nil)

	fired := false
	d.RegisterReply(5, 10*time.Millisecond, func(*Dispatcher, protocol.Command, uint32, *tagstruct.Reader) { fired = true })
	d.UnregisterTag(5)
	require.False(t, d.IsPending())

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		loop.RunOnce()
	}
	require.False(t, fired)
}

func TestTimeoutFiresTimeoutCommandWithNilTagstruct(t *testing.T) {
	loop := ioloop.NewPollLoop()
	d := New(loop, nil)

	var gotCommand protocol.Command
	fired := make(chan struct{}, 1)
	d.RegisterReply(9, 10*time.Millisecond, func(_ *Dispatcher, command protocol.Command, tag uint32, ts *tagstruct.Reader) {
		gotCommand = command
		require.Nil(t, ts)
		fired <- struct{}{}
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		loop.RunOnce()
		select {
		case <-fired:
			require.Equal(t, protocol.CommandTimeout, gotCommand)
			return
		default:
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("reply timeout never fired")
}
