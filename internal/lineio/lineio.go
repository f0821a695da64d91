// Package lineio overlays newline-delimited framing on top of an
// iochannel: Puts queues an outbound line, and the line callback fires
// once per complete inbound line, or once with ok=false on EOF/error.
//
// Grounded on original_source/polyp/ioline.c.
package lineio

import (
	"bytes"

	"github.com/polypd/polypd/internal/iochannel"
)

// BufferLimit caps both the outbound write queue and the inbound
// accumulation buffer, matching the original's BUFFER_LIMIT.
const BufferLimit = 64 * 1024

const readChunk = 1024

// Line overlays line framing on one iochannel.
type Line struct {
	ch   *iochannel.Channel
	dead bool

	wbuf []byte
	rbuf []byte

	cb func(l *Line, line string, ok bool)
}

// New wraps ch; ch's callback is taken over by Line.
func New(ch *iochannel.Channel) *Line {
	l := &Line{ch: ch}
	ch.SetCallback(l.onIO)
	return l
}

// SetCallback installs cb, called with ok=true once per complete inbound
// line (the trailing newline stripped), or once with ok=false and an
// empty line when the channel dies (EOF or I/O error).
func (l *Line) SetCallback(cb func(l *Line, line string, ok bool)) { l.cb = cb }

// Puts enqueues s for output, truncating to whatever still fits under
// BufferLimit.
func (l *Line) Puts(s string) {
	if l.dead {
		return
	}
	room := BufferLimit - len(l.wbuf)
	if room <= 0 {
		return
	}
	if len(s) > room {
		s = s[:room]
	}
	l.wbuf = append(l.wbuf, s...)
	l.doWrite()
}

func (l *Line) onIO(ch *iochannel.Channel) {
	if l.dead {
		return
	}
	if ch.Hungup() {
		l.fail()
		return
	}
	if ch.Writable() {
		l.doWrite()
	}
	if l.dead {
		return
	}
	if ch.Readable() {
		l.doRead()
	}
}

func (l *Line) doWrite() {
	if len(l.wbuf) == 0 || !l.ch.Writable() {
		return
	}
	n, err := l.ch.Write(l.wbuf)
	if err != nil {
		l.fail()
		return
	}
	l.wbuf = l.wbuf[n:]
}

func (l *Line) doRead() {
	buf := make([]byte, readChunk)
	n, err := l.ch.Read(buf)
	if err != nil {
		l.fail()
		return
	}
	if n == 0 {
		return
	}
	l.rbuf = append(l.rbuf, buf[:n]...)

	for {
		idx := bytes.IndexByte(l.rbuf, '\n')
		if idx < 0 && len(l.rbuf) >= BufferLimit {
			idx = BufferLimit - 1
		}
		if idx < 0 {
			return
		}
		line := string(l.rbuf[:idx])
		l.rbuf = l.rbuf[idx+1:]
		if l.cb != nil {
			l.cb(l, line, true)
		}
		if l.dead {
			return
		}
	}
}

func (l *Line) fail() {
	if l.dead {
		return
	}
	l.dead = true
	if l.cb != nil {
		l.cb(l, "", false)
	}
}

// Close releases the underlying iochannel.
func (l *Line) Close() error { return l.ch.Close() }
