// Package pstream frames outbound packets and memblocks over a single
// iochannel, and parses inbound frames back into the same shapes.
//
// Grounded on original_source/polyp/pstream.h's API shape.
package pstream

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/polypd/polypd/internal/iochannel"
	"github.com/polypd/polypd/internal/mem"
	"github.com/polypd/polypd/internal/protocol"
)

// frameHeader is the fixed 20-byte wire header.
type frameHeader struct {
	length    uint32
	channel   uint32
	offsetHi  uint32
	offsetLo  uint32
	flags     uint32
}

func encodeOffset(delta int64) (hi, lo uint32) {
	u := uint64(delta)
	return uint32(u >> 32), uint32(u)
}

func decodeOffset(hi, lo uint32) int64 {
	return int64(uint64(hi)<<32 | uint64(lo))
}

func (h frameHeader) encode() []byte {
	b := make([]byte, protocol.FrameHeaderSize)
	binary.BigEndian.PutUint32(b[0:4], h.length)
	binary.BigEndian.PutUint32(b[4:8], h.channel)
	binary.BigEndian.PutUint32(b[8:12], h.offsetHi)
	binary.BigEndian.PutUint32(b[12:16], h.offsetLo)
	binary.BigEndian.PutUint32(b[16:20], h.flags)
	return b
}

func decodeHeader(b []byte) frameHeader {
	return frameHeader{
		length:   binary.BigEndian.Uint32(b[0:4]),
		channel:  binary.BigEndian.Uint32(b[4:8]),
		offsetHi: binary.BigEndian.Uint32(b[8:12]),
		offsetLo: binary.BigEndian.Uint32(b[12:16]),
		flags:    binary.BigEndian.Uint32(b[16:20]),
	}
}

// sendItem is one queued outbound unit: either a control packet or a
// bulk memblock send.
type sendItem struct {
	header      frameHeader
	headerBytes []byte
	headerSent  int
	body        []byte // control payload, or the memchunk's bytes
	bodySent    int
	packet      *mem.Packet   // non-nil for control sends, held for refcounting
	block       *mem.Memblock // non-nil for bulk sends, held for refcounting
}

func (it *sendItem) done() bool {
	return it.headerSent >= len(it.headerBytes) && it.bodySent >= len(it.body)
}

// Stream owns one iochannel and frames a bidirectional mix of control
// packets and bulk memblock sends across it.
type Stream struct {
	ch   *iochannel.Channel
	refs atomic.Int32

	sendQueue []*sendItem

	// receive state
	headerBuf   [protocol.FrameHeaderSize]byte
	headerFill  int
	haveHeader  bool
	curHeader   frameHeader
	bodyBuf     []byte
	bodyFill    int
	curBlock    *mem.Memblock

	onReceivePacket   func(p *mem.Packet)
	onReceiveMemblock func(channel uint32, delta int64, chunk mem.Memchunk)
	onDrain           func()
	onDie             func()

	dead bool
}

// New wraps ch; ch's callback is taken over by the Stream.
func New(ch *iochannel.Channel) *Stream {
	s := &Stream{ch: ch}
	s.refs.Store(1)
	ch.SetCallback(s.onIO)
	return s
}

func (s *Stream) Ref() *Stream  { s.refs.Add(1); return s }
func (s *Stream) Unref()        { if s.refs.Add(-1) == 0 { s.ch.Close() } }

func (s *Stream) SetReceivePacketCallback(cb func(p *mem.Packet)) { s.onReceivePacket = cb }
func (s *Stream) SetReceiveMemblockCallback(cb func(channel uint32, delta int64, chunk mem.Memchunk)) {
	s.onReceiveMemblock = cb
}
func (s *Stream) SetDrainCallback(cb func())  { s.onDrain = cb }
func (s *Stream) SetDieCallback(cb func())    { s.onDie = cb }

// IsPending reports whether any bytes remain queued for send.
func (s *Stream) IsPending() bool { return len(s.sendQueue) > 0 }

// SendPacket enqueues a control frame. Ownership: the Stream takes a
// reference on p and releases it once fully flushed.
func (s *Stream) SendPacket(p *mem.Packet) {
	if s.dead {
		return
	}
	p.Ref()
	data := p.Data()
	item := &sendItem{
		header: frameHeader{length: uint32(len(data)), channel: protocol.ControlChannel},
		body:   data,
		packet: p,
	}
	item.headerBytes = item.header.encode()
	s.sendQueue = append(s.sendQueue, item)
	// A writable edge that is already latched is not reported again, so
	// flush now rather than waiting for the next channel callback.
	if s.ch.Writable() {
		s.flush()
	}
}

// SendMemblock enqueues a bulk audio frame for channel, with delta applied
// to the receiver's playback cursor. Ownership: the Stream takes a
// reference on chunk.Block and releases it once fully flushed.
func (s *Stream) SendMemblock(channel uint32, delta int64, chunk mem.Memchunk) {
	if s.dead {
		return
	}
	chunk.Block.Ref()
	hi, lo := encodeOffset(delta)
	item := &sendItem{
		header: frameHeader{length: uint32(chunk.Length), channel: channel, offsetHi: hi, offsetLo: lo},
		body:   chunk.Bytes(),
		block:  chunk.Block,
	}
	item.headerBytes = item.header.encode()
	s.sendQueue = append(s.sendQueue, item)
	// A writable edge that is already latched is not reported again, so
	// flush now rather than waiting for the next channel callback.
	if s.ch.Writable() {
		s.flush()
	}
}

func (s *Stream) onIO(ch *iochannel.Channel) {
	if ch.Hungup() {
		s.fail(fmt.Errorf("pstream: peer hung up"))
		return
	}
	if ch.Writable() {
		s.flush()
	}
	if ch.Readable() {
		s.readAvailable()
	}
}

func (s *Stream) flush() {
	for len(s.sendQueue) > 0 {
		it := s.sendQueue[0]
		if it.headerSent < len(it.headerBytes) {
			n, err := s.ch.Write(it.headerBytes[it.headerSent:])
			if err != nil {
				s.fail(err)
				return
			}
			it.headerSent += n
			if n == 0 {
				return // would block
			}
		}
		if it.headerSent < len(it.headerBytes) {
			return
		}
		if it.bodySent < len(it.body) {
			n, err := s.ch.Write(it.body[it.bodySent:])
			if err != nil {
				s.fail(err)
				return
			}
			it.bodySent += n
			if n == 0 {
				return
			}
		}
		if !it.done() {
			return
		}
		// Fully flushed: release our reference and advance.
		if it.packet != nil {
			it.packet.Unref()
		}
		if it.block != nil {
			it.block.Unref()
		}
		s.sendQueue = s.sendQueue[1:]
	}
	if len(s.sendQueue) == 0 && s.onDrain != nil {
		s.onDrain()
	}
}

func (s *Stream) readAvailable() {
	for {
		if !s.haveHeader {
			n, err := s.ch.Read(s.headerBuf[s.headerFill:])
			if err != nil {
				s.fail(err)
				return
			}
			if n == 0 {
				return
			}
			s.headerFill += n
			if s.headerFill < protocol.FrameHeaderSize {
				return
			}
			s.curHeader = decodeHeader(s.headerBuf[:])
			if s.curHeader.length > protocol.MaxFramePayload {
				s.fail(fmt.Errorf("pstream: frame payload %d exceeds cap %d", s.curHeader.length, protocol.MaxFramePayload))
				return
			}
			if s.curHeader.channel == protocol.ControlChannel && s.curHeader.length > mem.MaxPacketSize {
				s.fail(fmt.Errorf("pstream: control payload %d exceeds packet cap %d", s.curHeader.length, mem.MaxPacketSize))
				return
			}
			s.haveHeader = true
			s.bodyFill = 0
			if s.curHeader.channel == protocol.ControlChannel {
				s.bodyBuf = make([]byte, s.curHeader.length)
			} else {
				s.curBlock = mem.New(int(s.curHeader.length))
				s.bodyBuf = s.curBlock.Acquire()
			}
			if s.curHeader.length == 0 {
				s.completeFrame()
				continue
			}
		}

		n, err := s.ch.Read(s.bodyBuf[s.bodyFill:])
		if err != nil {
			s.fail(err)
			return
		}
		if n == 0 {
			return
		}
		s.bodyFill += n
		if s.bodyFill < len(s.bodyBuf) {
			return
		}
		s.completeFrame()
	}
}

func (s *Stream) completeFrame() {
	h := s.curHeader
	if h.channel == protocol.ControlChannel {
		p, err := mem.NewPacket(s.bodyBuf)
		if err != nil {
			s.fail(err)
			return
		}
		if s.onReceivePacket != nil {
			s.onReceivePacket(p)
		}
	} else {
		chunk := mem.Memchunk{Block: s.curBlock, Index: 0, Length: int(h.length)}
		if s.onReceiveMemblock != nil {
			s.onReceiveMemblock(h.channel, decodeOffset(h.offsetHi, h.offsetLo), chunk)
		}
		s.curBlock.Unref()
		s.curBlock = nil
	}
	s.haveHeader = false
	s.headerFill = 0
	s.bodyBuf = nil
}

func (s *Stream) fail(err error) {
	if s.dead {
		return
	}
	s.dead = true
	if s.onDie != nil {
		s.onDie()
	}
}
