// Package tunnel dials and accepts a QUIC/WebTransport session to a
// peer polypd instance and bridges it into an iochannel.Channel, so the
// same pstream framing that runs over a UNIX or TCP socket-client
// connection can instead run over a tunnel to a remote daemon (the
// "network tunnel to a peer server" mode).
//
// Grounded on client/transport.go's WebTransport dial shape
// (webtransport.Dialer, Session.OpenStream, quic.Config's
// EnableDatagrams) and server/server_test.go's matching dialer-side
// QUICConfig; internal/sockclient/sockclient.go's dial-then-deliver
// callback shape is mirrored here so a caller can treat a tunnel
// connection exactly like a sockclient one. Unlike the teacher's voice
// datagrams, pstream frames need ordered, reliable delivery, so every
// byte crosses the session's single bidirectional stream rather than
// QUIC datagrams — an unreliable channel would silently corrupt the
// 20-byte frame header alignment.
package tunnel

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"crypto/tls"

	"github.com/polypd/polypd/internal/iochannel"
	"github.com/polypd/polypd/internal/ioloop"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	"golang.org/x/sys/unix"
)

// tunnelPath is the fixed HTTP path the WebTransport session is
// established against; a peer tunnel has no other routes.
const tunnelPath = "/polypd-tunnel"

// dialTimeout bounds the session-establishment handshake; once
// connected the bridge goroutines run until either side closes.
const dialTimeout = 10 * time.Second

// bridgeBufferSize is the copy buffer used by the goroutines pumping
// bytes between the WebTransport stream and the local socketpair fd.
const bridgeBufferSize = 32 * 1024

// ConnectionCallback receives the bridged channel, or a non-nil err if
// the dial or accept failed. io is nil when err is non-nil. Matches
// sockclient.ConnectionCallback's shape minus the *Client handle, since
// a tunnel dial is fire-and-forget rather than cancellable mid-flight.
type ConnectionCallback func(io *iochannel.Channel, err error)

// Dial opens a WebTransport session to a peer polypd at addr
// ("host:port", no scheme) and bridges its control stream onto an
// iochannel.Channel delivered via cb on loop. tlsConfig should pin the
// peer's certificate fingerprint (see internal/tunneltls.TrustFingerprint);
// this package does no certificate validation of its own.
func Dial(loop ioloop.Loop, addr string, tlsConfig *tls.Config, cb ConnectionCallback) {
	go dial(loop, addr, tlsConfig, cb)
}

func dial(loop ioloop.Loop, addr string, tlsConfig *tls.Config, cb ConnectionCallback) {
	d := webtransport.Dialer{
		TLSClientConfig: tlsConfig,
		QUICConfig: &quic.Config{
			EnableDatagrams: true,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	_, sess, err := d.Dial(ctx, "https://"+addr+tunnelPath, http.Header{})
	if err != nil {
		deliver(loop, cb, nil, fmt.Errorf("tunnel: dial %s: %w", addr, err))
		return
	}

	stream, err := sess.OpenStream()
	if err != nil {
		sess.CloseWithError(0, "open stream")
		deliver(loop, cb, nil, fmt.Errorf("tunnel: open control stream: %w", err))
		return
	}

	bridge(loop, sess, stream, cb)
}

// Listener accepts incoming peer-tunnel sessions over a QUIC/WebTransport
// HTTP/3 server and bridges each into an iochannel.Channel, mirroring
// sockclient's dial-then-deliver shape on the accept side.
type Listener struct {
	srv *webtransport.Server
}

// Listen starts accepting peer-tunnel sessions on addr. Every accepted
// session's control stream is bridged to an iochannel.Channel and
// delivered via cb on loop, same as Dial's client side.
func Listen(loop ioloop.Loop, addr string, tlsConfig *tls.Config, cb ConnectionCallback) (*Listener, error) {
	mux := http.NewServeMux()
	srv := &webtransport.Server{
		H3: http3.Server{
			Addr:      addr,
			TLSConfig: tlsConfig,
			QUICConfig: &quic.Config{
				EnableDatagrams: true,
			},
			Handler: mux,
		},
	}

	mux.HandleFunc(tunnelPath, func(w http.ResponseWriter, r *http.Request) {
		sess, err := srv.Upgrade(w, r)
		if err != nil {
			log.Printf("[tunnel] upgrade from %s: %v", r.RemoteAddr, err)
			return
		}
		stream, err := sess.AcceptStream(r.Context())
		if err != nil {
			sess.CloseWithError(0, "accept control stream")
			deliver(loop, cb, nil, fmt.Errorf("tunnel: accept control stream: %w", err))
			return
		}
		bridge(loop, sess, stream, cb)
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Printf("[tunnel] listener on %s closed: %v", addr, err)
		}
	}()

	return &Listener{srv: srv}, nil
}

// Close shuts down the peer-tunnel listener.
func (l *Listener) Close() error {
	return l.srv.Close()
}

// bridge wires a WebTransport session's control stream to one half of a
// freshly created UNIX socketpair, hands the other half to iochannel.New
// on loop, and delivers it via cb. From there on, the rest of the stack
// (pstream, dispatch) drives the connection exactly as it would a raw
// UNIX or TCP socket-client connection — the tunnel is invisible above
// this package.
func bridge(loop ioloop.Loop, sess *webtransport.Session, stream *webtransport.Stream, cb ConnectionCallback) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		stream.Close()
		sess.CloseWithError(0, "socketpair")
		deliver(loop, cb, nil, fmt.Errorf("tunnel: socketpair: %w", err))
		return
	}
	localFd, bridgeFd := fds[0], fds[1]

	if err := unix.SetNonblock(localFd, true); err != nil {
		unix.Close(localFd)
		unix.Close(bridgeFd)
		stream.Close()
		sess.CloseWithError(0, "set nonblock")
		deliver(loop, cb, nil, fmt.Errorf("tunnel: set nonblock: %w", err))
		return
	}

	go pumpStreamToFD(stream, bridgeFd)
	go pumpFDToStream(bridgeFd, stream, sess)

	ch := iochannel.New(loop, localFd)
	deliver(loop, cb, ch, nil)
}

// pumpStreamToFD copies bytes arriving on the WebTransport stream into
// the socketpair half that feeds the local iochannel.Channel. It exits
// (and closes its end of the socketpair) once the stream reports EOF or
// an error, which surfaces as a hangup on the iochannel side.
func pumpStreamToFD(stream *webtransport.Stream, fd int) {
	buf := make([]byte, bridgeBufferSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if werr := writeAll(fd, buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	unix.Close(fd)
}

// pumpFDToStream copies bytes written into the socketpair (originating
// from pstream's Stream.flush, via the local iochannel.Channel) onto the
// WebTransport stream. Exiting tears down both the stream and the
// session, since a dead local side means nothing more will ever be
// queued to send.
func pumpFDToStream(fd int, stream *webtransport.Stream, sess *webtransport.Session) {
	buf := make([]byte, bridgeBufferSize)
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			if _, werr := stream.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil || n == 0 {
			break
		}
	}
	stream.Close()
	sess.CloseWithError(0, "peer tunnel closed")
}

// writeAll writes p to fd in full, looping past EAGAIN since fd is a
// blocking-mode socketpair end used only by this package's pump
// goroutines.
func writeAll(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if err != nil {
			if err == unix.EAGAIN {
				continue
			}
			return err
		}
		p = p[n:]
	}
	return nil
}

func deliver(loop ioloop.Loop, cb ConnectionCallback, ch *iochannel.Channel, err error) {
	if cb == nil {
		return
	}
	ioloop.Once(loop, func() { cb(ch, err) })
}
