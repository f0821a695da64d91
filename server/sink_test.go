package server

import (
	"testing"

	"github.com/polypd/polypd/internal/ioloop"
	"github.com/polypd/polypd/internal/mem"
	"github.com/polypd/polypd/internal/protocol"
	"github.com/polypd/polypd/internal/registry"
	"github.com/stretchr/testify/require"
)

func TestNewNullSinkRegistersSink(t *testing.T) {
	reg, err := registry.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	loop := ioloop.NewPollLoop()
	ss := protocol.SampleSpec{Format: protocol.SampleS16LE, Channels: 2, Rate: 44100}

	sink, err := newNullSink(loop, reg, "null", ss, nil)
	require.NoError(t, err)
	t.Cleanup(sink.close)

	got, err := reg.GetSinkByIndex(sink.index)
	require.NoError(t, err)
	require.Equal(t, "null", got.Name)
}

func TestNullSinkTickDrainsAttachedStream(t *testing.T) {
	reg, err := registry.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	loop := ioloop.NewPollLoop()
	ss := protocol.SampleSpec{Format: protocol.SampleS16LE, Channels: 2, Rate: 44100}

	var grantedChannel uint32
	var grantedBytes uint32
	sink, err := newNullSink(loop, reg, "null", ss, func(ps *playbackStream, bytes uint32) {
		grantedChannel = ps.channel
		grantedBytes = bytes
	})
	require.NoError(t, err)
	t.Cleanup(sink.close)

	attr := protocol.BufferAttr{MaxLength: 65536, TLength: 4096, Prebuf: 0, MinReq: 256}
	ps := newPlaybackStream(nil, 3, "test-stream", ss, attr, sink.index, false)

	block := mem.NewDynamic(make([]byte, 4096))
	chunk := mem.Memchunk{Block: block, Index: 0, Length: 4096}
	require.NoError(t, ps.q.Push(chunk))

	sink.attach(ps)
	t.Cleanup(func() { sink.detach(ps) })

	sink.tick(func(p *playbackStream, bytes uint32) {
		grantedChannel = p.channel
		grantedBytes = bytes
	})

	require.Equal(t, uint32(3), grantedChannel)
	require.Greater(t, grantedBytes, uint32(0))
}

func TestBytesPerTickZeroFrameSize(t *testing.T) {
	s := &nullSink{sampleSpec: protocol.SampleSpec{Format: 99, Channels: 2, Rate: 44100}}
	require.Equal(t, uint32(0), s.bytesPerTick())
}
