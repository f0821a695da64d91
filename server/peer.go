package server

import (
	"crypto/tls"
	"log"
	"time"

	"github.com/polypd/polypd/internal/iochannel"
	"github.com/polypd/polypd/internal/ioloop"
	"github.com/polypd/polypd/internal/tunnel"
)

// peerRedialInterval bounds how often a lost outbound peer link is
// retried, mirroring the teacher's transport reconnect backoff.
const peerRedialInterval = 5 * time.Second

// PeerLink dials a remote polypd's tunnel endpoint and, once connected,
// hands the bridged channel to the same HandleConnection path a local
// UNIX/TCP client uses — a peer daemon is, from the protocol's point of
// view, just another client that happens to arrive over QUIC instead of
// a socket. This is what lets one daemon's sink accept audio relayed
// from another daemon's client population.
type PeerLink struct {
	d        *Daemon
	loop     ioloop.Loop
	addr     string
	tls      *tls.Config
	stopping bool
}

// DialPeer starts (and keeps retrying) an outbound tunnel connection to
// a remote daemon at addr.
func DialPeer(d *Daemon, loop ioloop.Loop, addr string, tlsConfig *tls.Config) *PeerLink {
	p := &PeerLink{d: d, loop: loop, addr: addr, tls: tlsConfig}
	p.connect()
	return p
}

func (p *PeerLink) connect() {
	tunnel.Dial(p.loop, p.addr, p.tls, p.onConnect)
}

func (p *PeerLink) onConnect(io *iochannel.Channel, err error) {
	if err != nil {
		log.Printf("[peer] dial %s: %v", p.addr, err)
		if p.stopping {
			return
		}
		p.loop.NewTime(time.Now().Add(peerRedialInterval), func(ioloop.TimeEvent, time.Time) {
			if !p.stopping {
				p.connect()
			}
		})
		return
	}
	log.Printf("[peer] connected to %s", p.addr)
	p.d.HandleConnection(io, nil)
}

// Close stops any pending reconnect attempts. In-flight connections
// already handed off to the daemon are left running; they tear down
// like any other client connection when the transport dies.
func (p *PeerLink) Close() {
	p.stopping = true
}

// PeerServer listens for inbound peer tunnel sessions and feeds them
// into the daemon's normal connection path, same as PeerLink does for
// outbound sessions.
type PeerServer struct {
	ln *tunnel.Listener
}

// ListenPeers starts accepting peer-tunnel sessions on addr.
func ListenPeers(d *Daemon, loop ioloop.Loop, addr string, tlsConfig *tls.Config) (*PeerServer, error) {
	ln, err := tunnel.Listen(loop, addr, tlsConfig, d.HandleConnection)
	if err != nil {
		return nil, err
	}
	return &PeerServer{ln: ln}, nil
}

// Close stops accepting new peer connections.
func (s *PeerServer) Close() error {
	return s.ln.Close()
}
