package mem

import (
	"container/list"
	"errors"
)

// ErrFull is returned by Push when the queue is at MaxLength and cannot
// accept more data.
var ErrFull = errors.New("mem: memblockq full")

// Memblockq is a bounded FIFO of memchunks with four watermarks:
// MaxLength (hard cap), TLength (target fill), Prebuf (threshold to
// start playback), MinReq (smallest chunk the server will request).
type Memblockq struct {
	maxLength uint32
	tlength   uint32
	prebuf    uint32
	minreq    uint32

	chunks    *list.List // of Memchunk
	length    uint32
	prebuffer bool // true while waiting to reach Prebuf
}

// NewMemblockq constructs a queue with the given watermarks. If prebuf is
// zero, the queue starts readable immediately (no prebuffer phase).
func NewMemblockq(maxLength, tlength, prebuf, minreq uint32) *Memblockq {
	return &Memblockq{
		maxLength: maxLength,
		tlength:   tlength,
		prebuf:    prebuf,
		minreq:    minreq,
		chunks:    list.New(),
		prebuffer: prebuf > 0,
	}
}

// Push appends a memchunk to the tail of the queue. Returns ErrFull if
// doing so would exceed MaxLength.
func (q *Memblockq) Push(c Memchunk) error {
	if q.length+uint32(c.Length) > q.maxLength {
		return ErrFull
	}
	q.chunks.PushBack(c)
	q.length += uint32(c.Length)
	if q.prebuffer && q.length >= q.prebuf {
		q.prebuffer = false
	}
	return nil
}

// Peek returns the chunk at the head of the queue without removing it.
// Returns ok=false if the queue is empty or still in its prebuffer
// phase: while prebuffering, no reader may dequeue.
func (q *Memblockq) Peek() (Memchunk, bool) {
	if q.prebuffer {
		return Memchunk{}, false
	}
	e := q.chunks.Front()
	if e == nil {
		return Memchunk{}, false
	}
	return e.Value.(Memchunk), true
}

// Drop removes up to n bytes from the head of the queue, splitting the
// head chunk if necessary. Returns the number of bytes actually dropped.
func (q *Memblockq) Drop(n uint32) uint32 {
	if q.prebuffer {
		return 0
	}
	var dropped uint32
	for n > 0 {
		e := q.chunks.Front()
		if e == nil {
			break
		}
		c := e.Value.(Memchunk)
		if uint32(c.Length) <= n {
			q.chunks.Remove(e)
			c.Block.Unref()
			q.length -= uint32(c.Length)
			dropped += uint32(c.Length)
			n -= uint32(c.Length)
		} else {
			c.Index += int(n)
			c.Length -= int(n)
			e.Value = c
			q.length -= n
			dropped += n
			n = 0
		}
	}
	// Re-arm the prebuffer phase if the queue has run dry and Prebuf > 0,
	// mirroring the original's underrun-triggers-reprebuffer behavior.
	if q.length == 0 && q.prebuf > 0 {
		q.prebuffer = true
	}
	return dropped
}

// Length returns the total bytes currently queued.
func (q *Memblockq) Length() uint32 { return q.length }

// Missing returns the number of bytes needed to bring Length up to
// TLength, i.e. how much the server should request from the client.
func (q *Memblockq) Missing() uint32 {
	if q.length >= q.tlength {
		return 0
	}
	return q.tlength - q.length
}

// MinReq returns the smallest chunk size the server will request.
func (q *Memblockq) MinReq() uint32 { return q.minreq }

// MaxLength returns the hard cap.
func (q *Memblockq) MaxLength() uint32 { return q.maxLength }

// Prebuffering reports whether the queue is still waiting to reach Prebuf.
func (q *Memblockq) Prebuffering() bool { return q.prebuffer }
