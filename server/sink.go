package server

import (
	"time"

	"github.com/polypd/polypd/internal/ioloop"
	"github.com/polypd/polypd/internal/mem"
	"github.com/polypd/polypd/internal/protocol"
	"github.com/polypd/polypd/internal/registry"
)

// sinkTickInterval is how often the null sink drains its attached
// playback streams and grants new REQUEST credit.
const sinkTickInterval = 20 * time.Millisecond

// nullSink is the daemon's minimal rendering engine: it doesn't touch
// real audio hardware, it just drains each attached playback stream's
// memblockq at the sample spec's byte rate and, once a queue has fallen
// at least MinReq bytes below its TLength, grants the missing bytes
// back as writable credit.
//
// Grounded on original_source/polyp/sink.c's fixed-rate render loop,
// reduced to the single-sink, no-mixing case server/sink.go's scope
// calls for.
type nullSink struct {
	loop ioloop.Loop
	reg  *registry.Registry

	index      uint32
	name       string
	sampleSpec protocol.SampleSpec

	streams map[uint32]*playbackStream
	timer   ioloop.TimeEvent
}

// newNullSink registers name in the registry and starts its render
// timer on loop. On each tick requestCredit is called for every stream
// whose queue is at least MinReq bytes short of its TLength, with the
// stream and that missing byte count.
func newNullSink(loop ioloop.Loop, reg *registry.Registry, name string, ss protocol.SampleSpec, requestCredit func(ch *playbackStream, bytes uint32)) (*nullSink, error) {
	index, err := reg.CreateSink(registry.Sink{
		Name:        name,
		Description: "Null Output",
		Format:      uint32(ss.Format),
		Rate:        ss.Rate,
		Channels:    uint32(ss.Channels),
		Volume:      protocol.VolumeNorm,
	})
	if err != nil {
		return nil, err
	}

	s := &nullSink{
		loop:       loop,
		reg:        reg,
		index:      index,
		name:       name,
		sampleSpec: ss,
		streams:    make(map[uint32]*playbackStream),
	}
	s.timer = loop.NewTime(time.Now().Add(sinkTickInterval), func(ev ioloop.TimeEvent, _ time.Time) {
		s.tick(requestCredit)
		ev.Restart(time.Now().Add(sinkTickInterval), true)
	})
	return s, nil
}

// attach begins rendering ps's queue.
func (s *nullSink) attach(ps *playbackStream) {
	s.streams[ps.channel] = ps
}

// detach stops rendering ps's queue.
func (s *nullSink) detach(ps *playbackStream) {
	delete(s.streams, ps.channel)
}

// bytesPerTick returns how many bytes of audio sinkTickInterval
// represents at the sink's sample spec.
func (s *nullSink) bytesPerTick() uint32 {
	frameSize := s.sampleSpec.FrameSize()
	if frameSize == 0 {
		return 0
	}
	frames := uint64(s.sampleSpec.Rate) * uint64(sinkTickInterval/time.Millisecond) / 1000
	return uint32(frames) * uint32(frameSize)
}

func (s *nullSink) tick(requestCredit func(ch *playbackStream, bytes uint32)) {
	drainPerTick := s.bytesPerTick()
	if drainPerTick == 0 {
		return
	}
	for _, ps := range s.streams {
		if ps.corked {
			continue
		}
		ps.q.Drop(drainPerTick)
		missing := ps.q.Missing()
		if missing >= ps.q.MinReq() && requestCredit != nil {
			requestCredit(ps, missing)
		}
	}
}

// close stops the render timer. The registry row is left behind;
// callers that want the sink to disappear should also call
// reg.DeleteSink.
func (s *nullSink) close() {
	if s.timer != nil {
		s.timer.Free()
		s.timer = nil
	}
}

// playbackStream is one client playback stream's server-side state: a
// memblockq fed by inbound memblocks, attached to exactly one sink.
type playbackStream struct {
	owner   *clientConn
	channel uint32
	name    string
	corked  bool

	q          *mem.Memblockq
	sampleSpec protocol.SampleSpec
	sinkIndex  uint32
}

func newPlaybackStream(owner *clientConn, channel uint32, name string, ss protocol.SampleSpec, attr protocol.BufferAttr, sinkIndex uint32, startCorked bool) *playbackStream {
	return &playbackStream{
		owner:      owner,
		channel:    channel,
		name:       name,
		corked:     startCorked,
		q:          mem.NewMemblockq(attr.MaxLength, attr.TLength, attr.Prebuf, attr.MinReq),
		sampleSpec: ss,
		sinkIndex:  sinkIndex,
	}
}
