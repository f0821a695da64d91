// Package sockserver accepts UNIX and TCP connections without blocking
// the event loop, delivering each accepted fd wrapped in an
// iochannel.Channel via callback — the accept-side mirror of
// internal/sockclient's dial-side shape.
//
// Grounded on internal/sockclient/sockclient.go: the same
// extract-the-raw-fd-then-iochannel.New idiom, just fed by
// net.Listener.Accept instead of net.Dialer.DialContext.
package sockserver

import (
	"fmt"
	"net"
	"sync/atomic"
	"syscall"

	"github.com/polypd/polypd/internal/iochannel"
	"github.com/polypd/polypd/internal/ioloop"
	"golang.org/x/sys/unix"
)

// ConnectionCallback receives a newly accepted connection's channel, or a
// non-nil err. An Accept failure ends the accept loop (the listener is
// then dead); a failure preparing one accepted connection's fd is
// reported and accepting continues.
type ConnectionCallback func(io *iochannel.Channel, err error)

// Listener accepts connections on a background goroutine and delivers
// each one to the loop via ConnectionCallback.
type Listener struct {
	loop ioloop.Loop
	ln   net.Listener
	live atomic.Bool
}

func newListener(loop ioloop.Loop, ln net.Listener, cb ConnectionCallback) *Listener {
	l := &Listener{loop: loop, ln: ln}
	l.live.Store(true)
	go l.acceptLoop(cb)
	return l
}

// ListenUnix binds a UNIX domain socket at path, removing any stale
// socket file left behind by a prior crashed instance first.
func ListenUnix(loop ioloop.Loop, path string, cb ConnectionCallback) (*Listener, error) {
	_ = unix.Unlink(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("sockserver: listen unix %s: %w", path, err)
	}
	return newListener(loop, ln, cb), nil
}

// ListenTCP binds addr ("host:port", "" host means all interfaces).
func ListenTCP(loop ioloop.Loop, addr string, cb ConnectionCallback) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sockserver: listen tcp %s: %w", addr, err)
	}
	return newListener(loop, ln, cb), nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error {
	l.live.Store(false)
	return l.ln.Close()
}

func (l *Listener) acceptLoop(cb ConnectionCallback) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !l.live.Load() {
				return
			}
			l.deliver(cb, nil, err)
			return
		}
		fd, ferr := extractFD(conn)
		if ferr != nil {
			conn.Close()
			l.deliver(cb, nil, ferr)
			continue
		}
		if serr := unix.SetNonblock(fd, true); serr != nil {
			unix.Close(fd)
			l.deliver(cb, nil, serr)
			continue
		}
		io := iochannel.New(l.loop, fd)
		l.deliver(cb, io, nil)
	}
}

func (l *Listener) deliver(cb ConnectionCallback, io *iochannel.Channel, err error) {
	ioloop.Once(l.loop, func() {
		if cb != nil {
			cb(io, err)
		}
	})
}

// extractFD duplicates the connection's underlying fd so it survives the
// net.Conn wrapper being closed.
func extractFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("sockserver: connection type %T exposes no raw fd", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var dupFd int
	var dupErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		dupFd, dupErr = unix.Dup(int(fd))
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	if dupErr != nil {
		return -1, dupErr
	}
	return dupFd, nil
}
