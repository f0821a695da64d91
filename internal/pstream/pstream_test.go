package pstream

import (
	"testing"
	"time"

	"github.com/polypd/polypd/internal/iochannel"
	"github.com/polypd/polypd/internal/ioloop"
	"github.com/polypd/polypd/internal/mem"
	"github.com/polypd/polypd/internal/protocol"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	return fds[0], fds[1]
}

func pump(t *testing.T, loop *ioloop.PollLoop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		loop.RunOnce()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestSendPacketRoundTrip(t *testing.T) {
	a, b := socketpair(t)
	loop := ioloop.NewPollLoop()
	chA := iochannel.New(loop, a)
	chB := iochannel.New(loop, b)
	defer chA.Close()
	defer chB.Close()

	sa := New(chA)
	sb := New(chB)

	var got *mem.Packet
	sb.SetReceivePacketCallback(func(p *mem.Packet) { got = p })

	p, err := mem.NewPacket([]byte("hello control"))
	require.NoError(t, err)
	sa.SendPacket(p)

	pump(t, loop, func() bool { return got != nil })
	require.Equal(t, "hello control", string(got.Data()))
}

func TestSendMemblockRoundTrip(t *testing.T) {
	a, b := socketpair(t)
	loop := ioloop.NewPollLoop()
	chA := iochannel.New(loop, a)
	chB := iochannel.New(loop, b)
	defer chA.Close()
	defer chB.Close()

	sa := New(chA)
	sb := New(chB)

	var gotChannel uint32
	var gotDelta int64
	var gotChunk mem.Memchunk
	sb.SetReceiveMemblockCallback(func(channel uint32, delta int64, chunk mem.Memchunk) {
		gotChannel = channel
		gotDelta = delta
		gotChunk = chunk
	})

	block := mem.New(4)
	copy(block.Acquire(), []byte{1, 2, 3, 4})
	sa.SendMemblock(7, -42, mem.Memchunk{Block: block, Index: 0, Length: 4})

	pump(t, loop, func() bool { return gotChunk.Block != nil })
	require.Equal(t, uint32(7), gotChannel)
	require.Equal(t, int64(-42), gotDelta)
	require.Equal(t, []byte{1, 2, 3, 4}, gotChunk.Bytes())
}

func TestDrainCallbackFiresWhenQueueEmpties(t *testing.T) {
	a, b := socketpair(t)
	loop := ioloop.NewPollLoop()
	chA := iochannel.New(loop, a)
	chB := iochannel.New(loop, b)
	defer chA.Close()
	defer chB.Close()

	sa := New(chA)
	_ = New(chB)

	drained := false
	sa.SetDrainCallback(func() { drained = true })

	p, err := mem.NewPacket([]byte("x"))
	require.NoError(t, err)
	sa.SendPacket(p)
	require.True(t, sa.IsPending())

	pump(t, loop, func() bool { return drained })
	require.False(t, sa.IsPending())
}

func TestOversizeFrameTriggersDie(t *testing.T) {
	a, b := socketpair(t)
	loop := ioloop.NewPollLoop()
	chA := iochannel.New(loop, a)
	chB := iochannel.New(loop, b)
	defer chA.Close()
	defer chB.Close()

	_ = New(chA)
	sb := New(chB)

	died := false
	sb.SetDieCallback(func() { died = true })

	// Hand-craft a frame header that claims an over-cap control payload.
	bad := frameHeader{length: protocol.MaxPacketSize + 1, channel: protocol.ControlChannel}
	_, err := unix.Write(a, bad.encode())
	require.NoError(t, err)

	pump(t, loop, func() bool { return died })
}

func TestOffsetEncodeDecodeRoundTrip(t *testing.T) {
	for _, delta := range []int64{0, 1, -1, 1 << 40, -(1 << 40), -1234567} {
		hi, lo := encodeOffset(delta)
		require.Equal(t, delta, decodeOffset(hi, lo))
	}
}
