package pulse

import (
	"fmt"
	"sync"
	"time"

	"github.com/polypd/polypd/internal/dispatch"
	"github.com/polypd/polypd/internal/ioloop"
	"github.com/polypd/polypd/internal/mem"
	"github.com/polypd/polypd/internal/protocol"
	"github.com/polypd/polypd/internal/tagstruct"
)

// StreamState is a stream's position in its lifecycle.
type StreamState int

const (
	StreamDisconnected StreamState = iota
	StreamCreating
	StreamReady
	StreamFailed
	StreamTerminated
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "disconnected"
	case StreamCreating:
		return "creating"
	case StreamReady:
		return "ready"
	case StreamFailed:
		return "failed"
	case StreamTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// StreamDirection picks the flavor of CREATE/DELETE command a Stream
// speaks.
type StreamDirection int

const (
	StreamNoDirection StreamDirection = iota
	StreamPlayback
	StreamRecord
	StreamUpload
)

const ipolInterval = 100 * time.Millisecond

// Default buffer-attr watermarks, mirroring the original client's
// DEFAULT_MAXLENGTH/TLENGTH/PREBUF/MINREQ/FRAGSIZE constants.
const (
	DefaultMaxLength = 1024 * 1024
	DefaultTLength   = 64 * 1024
	DefaultPrebuf    = 64 * 1024
	DefaultMinReq    = 2 * 1024
	DefaultFragSize  = 64 * 1024
)

// LatencyInfo is the decoded reply to GET_PLAYBACK_LATENCY /
// GET_RECORD_LATENCY.
type LatencyInfo struct {
	BufferUsec         uint64
	SinkUsec           uint64
	SourceUsec         uint64
	Playing            bool
	QueueLength        uint32
	TransportUsec       uint64
	SynchronizedClocks bool
	Timestamp          time.Time
	Counter            uint64
}

// Stream is one playback, record or upload data channel multiplexed
// over its Context's pstream connection.
//
// Grounded on original_source/polyp/polyplib-stream.c.
type Stream struct {
	ctx  *Context
	loop ioloop.Loop

	name       string
	sampleSpec protocol.SampleSpec
	direction  StreamDirection

	mu           sync.Mutex
	state        StreamState
	channel      uint32
	channelValid bool
	deviceIndex  uint32
	bufferAttr   protocol.BufferAttr
	requested    uint32
	pending      []byte
	pendingDelta int64
	counter      uint64
	previousTime uint64
	corked       bool
	interpolate  bool
	ipolUsec     uint64
	ipolAt       time.Time
	ipolTimer    ioloop.TimeEvent

	stateCallback func(*Stream)
	readCallback  func(data []byte)
	writeCallback func(requested uint32)
}

// NewStream creates an as-yet-unconnected stream named name carrying
// audio encoded as ss. Call ConnectPlayback, ConnectRecord or
// ConnectUpload to actually open it.
func NewStream(c *Context, name string, ss protocol.SampleSpec) *Stream {
	s := &Stream{
		ctx:        c,
		loop:       c.loop,
		name:       name,
		sampleSpec: ss,
		state:      StreamDisconnected,
	}
	c.addStream(s)
	return s
}

// State returns the stream's current lifecycle state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetStateCallback registers cb to be invoked on every state
// transition.
func (s *Stream) SetStateCallback(cb func(*Stream)) {
	s.mu.Lock()
	s.stateCallback = cb
	s.mu.Unlock()
}

// SetReadCallback registers cb to receive bytes arriving on a record
// stream.
func (s *Stream) SetReadCallback(cb func(data []byte)) {
	s.mu.Lock()
	s.readCallback = cb
	s.mu.Unlock()
}

// SetWriteCallback registers cb to be invoked whenever the server
// grants a playback stream more writable credit.
func (s *Stream) SetWriteCallback(cb func(requested uint32)) {
	s.mu.Lock()
	s.writeCallback = cb
	s.mu.Unlock()
}

func (s *Stream) setState(st StreamState) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	terminal := st == StreamFailed || st == StreamTerminated
	timer := s.ipolTimer
	if terminal {
		s.ipolTimer = nil
	}
	cb := s.stateCallback
	s.mu.Unlock()

	if terminal {
		if timer != nil {
			timer.Free()
		}
		s.ctx.removeStream(s)
	}
	if cb != nil {
		cb(s)
	}
}

func resolveBufferAttr(attr *protocol.BufferAttr) protocol.BufferAttr {
	if attr != nil {
		return *attr
	}
	return protocol.BufferAttr{
		MaxLength: DefaultMaxLength,
		TLength:   DefaultTLength,
		Prebuf:    DefaultPrebuf,
		MinReq:    DefaultMinReq,
		FragSize:  DefaultFragSize,
	}
}

// ConnectPlayback opens s as a playback stream against device dev
// ("" picks the server's default sink).
func (s *Stream) ConnectPlayback(dev string, attr *protocol.BufferAttr, startCorked, interpolateLatency bool, volume protocol.ChannelVolume) error {
	s.direction = StreamPlayback
	return s.create(dev, attr, startCorked, interpolateLatency, volume)
}

// ConnectRecord opens s as a record stream against device dev ("" picks
// the server's default source).
func (s *Stream) ConnectRecord(dev string, attr *protocol.BufferAttr, startCorked, interpolateLatency bool) error {
	s.direction = StreamRecord
	return s.create(dev, attr, startCorked, interpolateLatency, nil)
}

// ConnectUpload opens s as a sample-upload stream of length bytes.
func (s *Stream) ConnectUpload(length uint32) error {
	s.direction = StreamUpload
	attr := protocol.BufferAttr{MaxLength: length}
	return s.create("", &attr, false, false, nil)
}

func (s *Stream) create(dev string, attr *protocol.BufferAttr, startCorked, interpolateLatency bool, volume protocol.ChannelVolume) error {
	if s.ctx.State() != ContextReady {
		return fmt.Errorf("pulse: stream create requires a ready context, got %s", s.ctx.State())
	}
	if s.State() != StreamDisconnected {
		return fmt.Errorf("pulse: stream already %s", s.State())
	}

	ba := resolveBufferAttr(attr)
	s.mu.Lock()
	s.bufferAttr = ba
	s.interpolate = interpolateLatency
	s.ipolUsec = 0
	s.ipolAt = time.Time{}
	s.mu.Unlock()

	s.setState(StreamCreating)

	var command protocol.Command
	switch s.direction {
	case StreamPlayback:
		command = protocol.CommandCreatePlaybackStream
	case StreamRecord:
		command = protocol.CommandCreateRecordStream
	default:
		command = protocol.CommandCreateUploadStream
	}

	tag := s.ctx.nextTag()
	w := tagstruct.NewWriter()
	w.PutU32(uint32(command))
	w.PutU32(tag)
	w.PutString(s.name)
	w.PutSampleSpec(s.sampleSpec)
	w.PutU32(0xFFFFFFFF) // PA_INVALID_INDEX: device looked up by name server-side.
	w.PutNullableString(dev)
	w.PutU32(ba.MaxLength)
	if s.direction != StreamUpload {
		w.PutBoolean(startCorked)
	}
	switch s.direction {
	case StreamPlayback:
		w.PutU32(ba.TLength)
		w.PutU32(ba.Prebuf)
		w.PutU32(ba.MinReq)
		if len(volume) == 0 {
			w.PutU32(protocol.VolumeNorm)
		} else {
			w.PutU32(volume[0])
		}
	case StreamRecord:
		w.PutU32(ba.FragSize)
	}

	s.ctx.sendTagstruct(w)

	s.ctx.mu.Lock()
	d := s.ctx.dispatch
	s.ctx.mu.Unlock()
	if d == nil {
		return fmt.Errorf("pulse: stream create: context has no live transport")
	}
	d.RegisterReply(tag, dispatch.DefaultReplyTimeout, s.onCreateReply)
	return nil
}

func (s *Stream) onCreateReply(_ *dispatch.Dispatcher, command protocol.Command, _ uint32, ts *tagstruct.Reader) {
	if command != protocol.CommandReply {
		s.ctx.handleError(command, ts)
		s.setState(StreamFailed)
		return
	}

	channel, err := ts.GetU32()
	if err != nil {
		s.ctx.fail(protocol.ErrProtocol)
		return
	}
	var deviceIndex uint32
	if s.direction != StreamUpload {
		if deviceIndex, err = ts.GetU32(); err != nil {
			s.ctx.fail(protocol.ErrProtocol)
			return
		}
	}
	var requested uint32
	if s.direction != StreamRecord {
		if requested, err = ts.GetU32(); err != nil {
			s.ctx.fail(protocol.ErrProtocol)
			return
		}
	}
	if ts.EOF() != nil {
		s.ctx.fail(protocol.ErrProtocol)
		return
	}

	s.mu.Lock()
	s.channel = channel
	s.channelValid = true
	s.deviceIndex = deviceIndex
	s.requested = requested
	wcb := s.writeCallback
	interpolate := s.interpolate
	s.mu.Unlock()

	s.ctx.bindChannel(s)
	s.setState(StreamReady)

	if interpolate {
		s.mu.Lock()
		s.ipolAt = time.Now()
		s.ipolTimer = s.loop.NewTime(time.Now().Add(ipolInterval), s.onIpolTimer)
		s.mu.Unlock()
		s.GetLatencyInfo(nil)
	}

	if requested > 0 && wcb != nil {
		wcb(requested)
	}
}

func (s *Stream) onIpolTimer(ev ioloop.TimeEvent, _ time.Time) {
	if s.State() != StreamReady {
		return
	}
	s.GetLatencyInfo(nil)
	ev.Restart(time.Now().Add(ipolInterval), true)
}

func (s *Stream) addRequestedBytes(n uint32) {
	s.mu.Lock()
	s.requested += n
	s.mu.Unlock()

	s.flushPending()

	s.mu.Lock()
	req := s.requested
	cb := s.writeCallback
	s.mu.Unlock()
	if req > 0 && cb != nil {
		cb(req)
	}
}

func (s *Stream) deliverRead(chunk mem.Memchunk) {
	s.mu.Lock()
	cb := s.readCallback
	s.mu.Unlock()
	if cb != nil {
		cb(chunk.Bytes())
	}
}

// Write queues length-tagged audio data on a playback stream. Only the
// prefix covered by currently outstanding writable credit is actually
// emitted as a bulk frame; any remainder is held and flushed as further
// REQUEST credit arrives, so the bytes placed on the wire never exceed
// the credit granted for them.
func (s *Stream) Write(data []byte, delta int64) error {
	if s.State() != StreamReady {
		return fmt.Errorf("pulse: stream not ready")
	}

	s.mu.Lock()
	if len(s.pending) == 0 {
		s.pendingDelta = delta
	}
	s.pending = append(s.pending, data...)
	s.mu.Unlock()

	return s.flushPending()
}

// flushPending emits as many credit-sized bulk frames as outstanding
// writable credit allows, draining the pending buffer front-to-back.
// The delta supplied to the originating Write is applied only to the
// first frame it produces; frames replayed later against subsequent
// credit carry no further seek.
func (s *Stream) flushPending() error {
	for {
		s.ctx.mu.Lock()
		ps := s.ctx.pstream
		s.ctx.mu.Unlock()

		s.mu.Lock()
		if len(s.pending) == 0 || s.requested == 0 {
			s.mu.Unlock()
			return nil
		}
		if ps == nil {
			s.mu.Unlock()
			return fmt.Errorf("pulse: context has no live transport")
		}

		n := s.requested
		if uint32(len(s.pending)) < n {
			n = uint32(len(s.pending))
		}
		data := append([]byte(nil), s.pending[:n]...)
		delta := s.pendingDelta
		s.pending = s.pending[n:]
		s.pendingDelta = 0
		s.requested -= n
		s.counter += uint64(n)
		s.mu.Unlock()

		block := mem.NewDynamic(data)
		ps.SendMemblock(s.channel, delta, mem.Memchunk{Block: block, Length: len(data)})
		block.Unref()
	}
}

// WritableSize returns how many bytes the server has told this
// playback stream it may currently Write.
func (s *Stream) WritableSize() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested
}

// Counter returns the cumulative byte count written (playback) or read
// (record) on this stream.
func (s *Stream) Counter() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

func (s *Stream) simpleAck(command protocol.Command, extra func(w *tagstruct.Writer), cb func(success bool)) *Operation {
	o := newOperation(s.ctx, s)
	tag := s.ctx.nextTag()

	w := tagstruct.NewWriter()
	w.PutU32(uint32(command))
	w.PutU32(tag)
	w.PutU32(s.channel)
	if extra != nil {
		extra(w)
	}
	s.ctx.sendTagstruct(w)

	s.ctx.mu.Lock()
	d := s.ctx.dispatch
	s.ctx.mu.Unlock()
	if d == nil {
		o.complete()
		return o.Ref()
	}
	d.RegisterReply(tag, dispatch.DefaultReplyTimeout, func(_ *dispatch.Dispatcher, command protocol.Command, _ uint32, ts *tagstruct.Reader) {
		success := command == protocol.CommandReply
		if !success {
			s.ctx.handleError(command, ts)
		} else if ts.EOF() != nil {
			s.ctx.fail(protocol.ErrProtocol)
			success = false
		}
		if cb != nil {
			cb(success)
		}
		o.complete()
	})
	return o.Ref()
}

// Drain waits for a playback stream's buffered audio to finish
// rendering.
func (s *Stream) Drain(cb func(success bool)) *Operation {
	return s.simpleAck(protocol.CommandDrainPlaybackStream, nil, cb)
}

// Cork pauses (b=true) or resumes (b=false) playback/capture.
func (s *Stream) Cork(b bool, cb func(success bool)) *Operation {
	s.mu.Lock()
	if !s.corked && b {
		s.ipolUsec = s.interpolatedTimeLocked()
	} else if s.corked && !b {
		s.ipolAt = time.Now()
	}
	s.corked = b
	s.mu.Unlock()

	command := protocol.CommandCorkPlaybackStream
	if s.direction == StreamRecord {
		command = protocol.CommandCorkRecordStream
	}
	o := s.simpleAck(command, func(w *tagstruct.Writer) { w.PutBoolean(b) }, cb)
	s.GetLatencyInfo(nil).Unref()
	return o
}

// Flush discards a playback stream's already-buffered-but-unplayed
// audio, or a record stream's already-captured-but-unread audio.
func (s *Stream) Flush(cb func(success bool)) *Operation {
	command := protocol.CommandFlushPlaybackStream
	if s.direction == StreamRecord {
		command = protocol.CommandFlushRecordStream
	}
	o := s.simpleAck(command, nil, cb)
	s.GetLatencyInfo(nil).Unref()
	return o
}

// Prebuf forces a playback stream back into its pre-buffering phase.
func (s *Stream) Prebuf(cb func(success bool)) *Operation {
	o := s.simpleAck(protocol.CommandPrebufPlaybackStream, nil, cb)
	s.GetLatencyInfo(nil).Unref()
	return o
}

// Trigger ends a playback stream's pre-buffering phase immediately.
func (s *Stream) Trigger(cb func(success bool)) *Operation {
	o := s.simpleAck(protocol.CommandTriggerPlaybackStream, nil, cb)
	s.GetLatencyInfo(nil).Unref()
	return o
}

// SetName renames the stream as the server sees it.
func (s *Stream) SetName(name string, cb func(success bool)) *Operation {
	command := protocol.CommandSetPlaybackStreamName
	if s.direction == StreamRecord {
		command = protocol.CommandSetRecordStreamName
	}
	return s.simpleAck(command, func(w *tagstruct.Writer) { w.PutString(name) }, cb)
}

// Disconnect tears the stream down server-side (DELETE_*_STREAM),
// moving it to StreamTerminated once the server acknowledges.
func (s *Stream) Disconnect() {
	s.mu.Lock()
	valid := s.channelValid
	channel := s.channel
	s.mu.Unlock()
	if !valid || s.ctx.State() != ContextReady {
		return
	}

	var command protocol.Command
	switch s.direction {
	case StreamPlayback:
		command = protocol.CommandDeletePlaybackStream
	case StreamRecord:
		command = protocol.CommandDeleteRecordStream
	default:
		command = protocol.CommandDeleteUploadStream
	}

	tag := s.ctx.nextTag()
	w := tagstruct.NewWriter()
	w.PutU32(uint32(command))
	w.PutU32(tag)
	w.PutU32(channel)
	s.ctx.sendTagstruct(w)

	s.ctx.mu.Lock()
	d := s.ctx.dispatch
	s.ctx.mu.Unlock()
	if d == nil {
		return
	}
	d.RegisterReply(tag, dispatch.DefaultReplyTimeout, func(_ *dispatch.Dispatcher, command protocol.Command, _ uint32, ts *tagstruct.Reader) {
		if command != protocol.CommandReply {
			s.ctx.handleError(command, ts)
			s.setState(StreamFailed)
			return
		}
		if ts.EOF() != nil {
			s.ctx.fail(protocol.ErrProtocol)
			return
		}
		s.setState(StreamTerminated)
	})
}

// GetLatencyInfo asynchronously fetches the current buffer/transport
// latency breakdown; cb receives nil on failure.
func (s *Stream) GetLatencyInfo(cb func(*LatencyInfo)) *Operation {
	o := newOperation(s.ctx, s)
	tag := s.ctx.nextTag()

	command := protocol.CommandGetPlaybackLatency
	if s.direction == StreamRecord {
		command = protocol.CommandGetRecordLatency
	}

	now := time.Now()
	s.mu.Lock()
	counter := s.counter
	s.mu.Unlock()

	w := tagstruct.NewWriter()
	w.PutU32(uint32(command))
	w.PutU32(tag)
	w.PutU32(s.channel)
	w.PutTimeval(now)
	w.PutU64(counter)
	s.ctx.sendTagstruct(w)

	s.ctx.mu.Lock()
	d := s.ctx.dispatch
	s.ctx.mu.Unlock()
	if d == nil {
		o.complete()
		return o.Ref()
	}
	d.RegisterReply(tag, dispatch.DefaultReplyTimeout, func(_ *dispatch.Dispatcher, command protocol.Command, _ uint32, ts *tagstruct.Reader) {
		defer o.complete()
		if command != protocol.CommandReply {
			s.ctx.handleError(command, ts)
			if cb != nil {
				cb(nil)
			}
			return
		}
		info, err := s.decodeLatencyInfo(ts)
		if err != nil {
			s.ctx.fail(protocol.ErrProtocol)
			if cb != nil {
				cb(nil)
			}
			return
		}
		if cb != nil {
			cb(&info)
		}
	})
	return o.Ref()
}

func (s *Stream) decodeLatencyInfo(ts *tagstruct.Reader) (LatencyInfo, error) {
	var i LatencyInfo
	var err error
	if i.BufferUsec, err = ts.GetUsec(); err != nil {
		return i, err
	}
	if i.SinkUsec, err = ts.GetUsec(); err != nil {
		return i, err
	}
	if i.SourceUsec, err = ts.GetUsec(); err != nil {
		return i, err
	}
	if i.Playing, err = ts.GetBoolean(); err != nil {
		return i, err
	}
	if i.QueueLength, err = ts.GetU32(); err != nil {
		return i, err
	}
	local, err := ts.GetTimeval()
	if err != nil {
		return i, err
	}
	remote, err := ts.GetTimeval()
	if err != nil {
		return i, err
	}
	if i.Counter, err = ts.GetU64(); err != nil {
		return i, err
	}
	if err := ts.EOF(); err != nil {
		return i, err
	}

	now := time.Now()
	if local.Before(remote) && remote.Before(now) {
		// local and remote clocks appear to agree.
		if s.direction == StreamPlayback {
			i.TransportUsec = uint64(remote.Sub(local) / time.Microsecond)
		} else {
			i.TransportUsec = uint64(now.Sub(remote) / time.Microsecond)
		}
		i.SynchronizedClocks = true
		i.Timestamp = remote
	} else {
		i.TransportUsec = uint64(now.Sub(local)/time.Microsecond) / 2
		i.SynchronizedClocks = false
		i.Timestamp = local.Add(time.Duration(i.TransportUsec) * time.Microsecond)
	}

	s.mu.Lock()
	interpolate := s.interpolate
	s.mu.Unlock()
	if interpolate {
		s.mu.Lock()
		s.ipolAt = now
		s.mu.Unlock()
		s.ipolUsecFrom(i)
	}
	return i, nil
}

// GetTime folds a fetched LatencyInfo into the stream's monotonically
// non-decreasing playback/capture clock.
func (s *Stream) GetTime(i *LatencyInfo) uint64 {
	usec := s.sampleSpec.BytesToUsec(s.Counter())

	if i != nil {
		switch s.direction {
		case StreamPlayback:
			latency := i.TransportUsec + i.BufferUsec + i.SinkUsec
			if usec < latency {
				usec = 0
			} else {
				usec -= latency
			}
		case StreamRecord:
			usec += i.SourceUsec + i.BufferUsec + i.TransportUsec
			if usec > i.SinkUsec {
				usec -= i.SinkUsec
			} else {
				usec = 0
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if usec < s.previousTime {
		usec = s.previousTime
	}
	s.previousTime = usec
	return usec
}

func (s *Stream) ipolUsecFrom(i LatencyInfo) {
	usec := s.GetTime(&i)
	s.mu.Lock()
	s.ipolUsec = usec
	s.mu.Unlock()
}

// interpolatedTimeLocked computes InterpolatedTime with s.mu already held.
func (s *Stream) interpolatedTimeLocked() uint64 {
	var usec uint64
	if s.corked {
		usec = s.ipolUsec
	} else if !s.ipolAt.IsZero() {
		usec = s.ipolUsec + uint64(time.Since(s.ipolAt)/time.Microsecond)
	}
	if usec < s.previousTime {
		usec = s.previousTime
	}
	s.previousTime = usec
	return usec
}

// InterpolatedTime estimates the current playback/capture position
// between latency polls, without a round trip to the server.
func (s *Stream) InterpolatedTime() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interpolatedTimeLocked()
}

// SampleSpec returns the stream's fixed sample format.
func (s *Stream) SampleSpec() protocol.SampleSpec { return s.sampleSpec }

// Direction reports whether s is a playback, record or upload stream.
func (s *Stream) Direction() StreamDirection { return s.direction }

// Index is the server-assigned sink-input/source-output index once
// the stream is ready.
func (s *Stream) Index() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceIndex
}
