package pulse

import (
	"sync"
	"testing"
	"time"

	"github.com/polypd/polypd/internal/ioloop"
	"github.com/polypd/polypd/internal/mem"
	"github.com/polypd/polypd/internal/protocol"
	"github.com/polypd/polypd/internal/tagstruct"
	"github.com/stretchr/testify/require"
)

func pastTime() time.Time { return time.Now().Add(-10 * time.Millisecond) }

func testSampleSpec() protocol.SampleSpec {
	return protocol.SampleSpec{Format: protocol.SampleS16LE, Rate: 44100, Channels: 2}
}

func newPlaybackStream(t *testing.T, loop *ioloop.PollLoop, h *testHarness, channel uint32, requested uint32) *Stream {
	t.Helper()
	h.fs.on(protocol.CommandCreatePlaybackStream, func(tag uint32, ts *tagstruct.Reader) []byte {
		return replyWith(tag, func(w *tagstruct.Writer) {
			w.PutU32(channel)
			w.PutU32(0)
			w.PutU32(requested)
		})
	})
	s := NewStream(h.ctx, "test-stream", testSampleSpec())
	require.NoError(t, s.ConnectPlayback("", nil, false, false, protocol.ChannelVolume{protocol.VolumeNorm}))
	pump(t, loop, func() bool { return s.State() == StreamReady })
	return s
}

func TestConnectPlaybackReachesReadyAndBindsChannel(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)
	s := newPlaybackStream(t, loop, h, 5, 1024)

	require.Equal(t, StreamReady, s.State())
	require.Equal(t, uint32(1024), s.WritableSize())
	require.Equal(t, StreamPlayback, s.Direction())
}

func TestConnectPlaybackFailsWhenContextNotReady(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newHarness(t, loop, "test-client") // not pumped to Ready

	s := NewStream(h.ctx, "test-stream", testSampleSpec())
	err := s.ConnectPlayback("", nil, false, false, nil)
	require.Error(t, err)
}

func TestWriteConsumesWritableCredit(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)
	s := newPlaybackStream(t, loop, h, 1, 100)

	require.NoError(t, s.Write(make([]byte, 40), 0))
	require.Equal(t, uint32(60), s.WritableSize())
	require.Equal(t, uint64(40), s.Counter())

	require.NoError(t, s.Write(make([]byte, 1000), 0))
	require.Equal(t, uint32(0), s.WritableSize())
}

// TestWriteSplitsOversizedWriteAgainstCredit exercises spec scenario 2: a
// write larger than outstanding credit emits only a credit-sized bulk
// frame now, and the remainder goes out only once a REQUEST grants more
// credit.
func TestWriteSplitsOversizedWriteAgainstCredit(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)
	s := newPlaybackStream(t, loop, h, 7, 1024)

	var mu sync.Mutex
	var frames [][]byte
	h.fs.ps.SetReceiveMemblockCallback(func(channel uint32, delta int64, chunk mem.Memchunk) {
		mu.Lock()
		frames = append(frames, append([]byte(nil), chunk.Bytes()...))
		mu.Unlock()
	})

	require.NoError(t, s.Write(make([]byte, 2048), 0))
	require.Equal(t, uint32(0), s.WritableSize())

	pump(t, loop, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	})
	mu.Lock()
	require.Len(t, frames, 1)
	require.Len(t, frames[0], 1024)
	mu.Unlock()

	h.fs.pushUnsolicited(protocol.CommandRequest, func(w *tagstruct.Writer) {
		w.PutU32(7)
		w.PutU32(1024)
	})

	pump(t, loop, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 2
	})
	mu.Lock()
	require.Len(t, frames, 2)
	require.Len(t, frames[1], 1024)
	mu.Unlock()
	require.Equal(t, uint32(0), s.WritableSize())
	require.Equal(t, uint64(2048), s.Counter())
}

func TestCorkSendsFlagAndInvokesCallback(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)
	s := newPlaybackStream(t, loop, h, 2, 0)

	var gotCorked bool
	h.fs.on(protocol.CommandCorkPlaybackStream, func(tag uint32, ts *tagstruct.Reader) []byte {
		gotCorked, _ = ts.GetBoolean()
		return replyWith(tag, nil)
	})
	h.fs.on(protocol.CommandGetPlaybackLatency, func(tag uint32, ts *tagstruct.Reader) []byte {
		return replyWith(tag, func(w *tagstruct.Writer) {
			w.PutUsec(0)
			w.PutUsec(0)
			w.PutUsec(0)
			w.PutBoolean(true)
			w.PutU32(0)
			w.PutTimeval(pastTime())
			w.PutTimeval(pastTime())
			w.PutU64(0)
		})
	})

	var done bool
	var success bool
	s.Cork(true, func(ok bool) { success = ok; done = true })

	pump(t, loop, func() bool { return done })
	require.True(t, success)
	require.True(t, gotCorked)
}

func TestDisconnectMovesStreamToTerminated(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)
	s := newPlaybackStream(t, loop, h, 4, 0)

	h.fs.on(protocol.CommandDeletePlaybackStream, func(tag uint32, ts *tagstruct.Reader) []byte {
		return replyWith(tag, nil)
	})

	s.Disconnect()
	pump(t, loop, func() bool { return s.State() == StreamTerminated })
}

func TestGetLatencyInfoDecodesReplyFields(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)
	s := newPlaybackStream(t, loop, h, 6, 0)

	h.fs.on(protocol.CommandGetPlaybackLatency, func(tag uint32, ts *tagstruct.Reader) []byte {
		return replyWith(tag, func(w *tagstruct.Writer) {
			w.PutUsec(1000)
			w.PutUsec(200)
			w.PutUsec(0)
			w.PutBoolean(true)
			w.PutU32(3)
			local := pastTime()
			w.PutTimeval(local)
			w.PutTimeval(local)
			w.PutU64(999)
		})
	})

	var got *LatencyInfo
	var done bool
	s.GetLatencyInfo(func(i *LatencyInfo) { got = i; done = true })

	pump(t, loop, func() bool { return done })
	require.NotNil(t, got)
	require.Equal(t, uint64(1000), got.BufferUsec)
	require.Equal(t, uint64(200), got.SinkUsec)
	require.True(t, got.Playing)
	require.Equal(t, uint32(3), got.QueueLength)
	require.Equal(t, uint64(999), got.Counter)
}
