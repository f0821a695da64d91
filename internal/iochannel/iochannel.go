// Package iochannel implements a duplex byte pipe over a file descriptor
// with readability/writability/hangup edges.
//
// Grounded on original_source/polyp/iochannel.h.
package iochannel

import (
	"errors"
	"fmt"
	"net"

	"github.com/polypd/polypd/internal/ioloop"
	"golang.org/x/sys/unix"
)

// Channel owns one fd pair (the same fd twice for sockets) and reports
// edge-triggered state transitions via a single callback.
type Channel struct {
	rfd, wfd int
	noclose  bool
	readable bool
	writable bool
	hungup   bool

	loop    ioloop.Loop
	ioEvent ioloop.IOEvent
	cb      func(ch *Channel)
}

// New wraps a single fd used for both reading and writing (e.g. a
// connected socket).
func New(loop ioloop.Loop, fd int) *Channel {
	return NewPair(loop, fd, fd)
}

// NewPair wraps a distinct read fd and write fd (e.g. a pipe).
func NewPair(loop ioloop.Loop, rfd, wfd int) *Channel {
	c := &Channel{rfd: rfd, wfd: wfd, loop: loop}
	c.ioEvent = loop.NewIO(rfd, ioloop.Readable|ioloop.Writable, c.onIO)
	return c
}

// SetCallback installs the single callback invoked whenever any edge flag
// transitions to set.
func (c *Channel) SetCallback(cb func(ch *Channel)) { c.cb = cb }

func (c *Channel) onIO(ev ioloop.IOEvent, fd int, interest ioloop.Interest) {
	changed := false
	if interest.Has(ioloop.Readable) && !c.readable {
		c.readable = true
		changed = true
	}
	if interest.Has(ioloop.Writable) && !c.writable {
		c.writable = true
		changed = true
	}
	if interest.Has(ioloop.Hangup) && !c.hungup {
		c.hungup = true
		changed = true
	}
	if changed && c.cb != nil {
		c.cb(c)
	}
}

// Readable reports whether a readable edge is currently latched.
func (c *Channel) Readable() bool { return c.readable }

// Writable reports whether a writable edge is currently latched.
func (c *Channel) Writable() bool { return c.writable }

// Hungup reports whether a hangup edge is currently latched.
func (c *Channel) Hungup() bool { return c.hungup }

// Read calls the OS directly; short reads are possible and expected. The
// readable edge is cleared so the next edge re-triggers the callback.
func (c *Channel) Read(p []byte) (int, error) {
	n, err := unix.Read(c.rfd, p)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		c.readable = false
		return 0, nil
	}
	if n == 0 && err == nil {
		c.hungup = true
	}
	if n < len(p) {
		c.readable = false
	}
	return n, err
}

// Write calls the OS directly; short writes are possible and expected.
func (c *Channel) Write(p []byte) (int, error) {
	n, err := unix.Write(c.wfd, p)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		c.writable = false
		return 0, nil
	}
	if n < len(p) {
		c.writable = false
	}
	return n, err
}

// SetNoClose prevents Close from closing the underlying fd, for cases
// where the fd is also held elsewhere.
func (c *Channel) SetNoClose(v bool) { c.noclose = v }

// Close frees the IO-event and, unless SetNoClose was set, closes the fd.
func (c *Channel) Close() error {
	c.ioEvent.Free()
	if c.noclose {
		return nil
	}
	err1 := unix.Close(c.rfd)
	var err2 error
	if c.wfd != c.rfd {
		err2 = unix.Close(c.wfd)
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// PeerAddress reports the remote address of the underlying socket, if any.
func (c *Channel) PeerAddress() (string, error) {
	sa, err := unix.Getpeername(c.rfd)
	if err != nil {
		return "", err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return fmt.Sprintf("%s:%d", ip.String(), a.Port), nil
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		return fmt.Sprintf("[%s]:%d", ip.String(), a.Port), nil
	case *unix.SockaddrUnix:
		return a.Name, nil
	default:
		return "", errors.New("iochannel: unknown address family")
	}
}

// SetSendBufferSize sets the socket's SO_SNDBUF.
func (c *Channel) SetSendBufferSize(n int) error {
	return unix.SetsockoptInt(c.wfd, unix.SOL_SOCKET, unix.SO_SNDBUF, n)
}

// SetRecvBufferSize sets the socket's SO_RCVBUF.
func (c *Channel) SetRecvBufferSize(n int) error {
	return unix.SetsockoptInt(c.rfd, unix.SOL_SOCKET, unix.SO_RCVBUF, n)
}
