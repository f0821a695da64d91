package tunnel

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/polypd/polypd/internal/iochannel"
	"github.com/polypd/polypd/internal/ioloop"
	"github.com/polypd/polypd/internal/tunneltls"
)

// pump polls loop.RunOnce until cond is true or the deadline passes,
// mirroring the pulse package's test harness.
func pump(t *testing.T, loop *ioloop.PollLoop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, err := loop.RunOnce(); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// getFreeUDPPort finds an available UDP port for a QUIC listener, the
// same approach the teacher's server_test.go uses for picking a port.
func getFreeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// dialAndListen spins up a Listener and a Dial against it on the same
// loop, pumping until both sides deliver their bridged channel (or an
// error). Fails the test on any delivery error.
func dialAndListen(t *testing.T, loop *ioloop.PollLoop) (*Listener, *iochannel.Channel, *iochannel.Channel) {
	t.Helper()

	serverTLS, fingerprint, err := tunneltls.GenerateConfig(time.Hour, "127.0.0.1")
	if err != nil {
		t.Fatalf("GenerateConfig: %v", err)
	}
	clientTLS := &tls.Config{
		InsecureSkipVerify:    true, //nolint:gosec — fingerprint pinned below instead of CA trust
		VerifyPeerCertificate: tunneltls.TrustFingerprint(fingerprint),
	}

	addr := fmt.Sprintf("127.0.0.1:%d", getFreeUDPPort(t))

	var (
		serverCh, clientCh     *iochannel.Channel
		serverErr, clientErr   error
		serverDone, clientDone bool
	)

	ln, err := Listen(loop, addr, serverTLS, func(ch *iochannel.Channel, lerr error) {
		serverCh, serverErr = ch, lerr
		serverDone = true
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	Dial(loop, addr, clientTLS, func(ch *iochannel.Channel, derr error) {
		clientCh, clientErr = ch, derr
		clientDone = true
	})

	pump(t, loop, func() bool { return serverDone && clientDone })

	if serverErr != nil {
		t.Fatalf("server-side bridge error: %v", serverErr)
	}
	if clientErr != nil {
		t.Fatalf("client-side bridge error: %v", clientErr)
	}
	if serverCh == nil || clientCh == nil {
		t.Fatal("expected both sides to deliver a non-nil channel")
	}

	return ln, serverCh, clientCh
}

func TestDialAndListenDeliverBridgedChannels(t *testing.T) {
	loop := ioloop.NewPollLoop()
	ln, serverCh, clientCh := dialAndListen(t, loop)
	defer ln.Close()
	defer serverCh.Close()
	defer clientCh.Close()
}

func TestBridgeCarriesBytesClientToServer(t *testing.T) {
	loop := ioloop.NewPollLoop()
	ln, serverCh, clientCh := dialAndListen(t, loop)
	defer ln.Close()
	defer serverCh.Close()
	defer clientCh.Close()

	payload := []byte("polypd peer-tunnel hello")

	pump(t, loop, func() bool { return clientCh.Writable() })
	n, err := clientCh.Write(payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("short write: %d of %d", n, len(payload))
	}

	var got []byte
	pump(t, loop, func() bool {
		if !serverCh.Readable() {
			return false
		}
		buf := make([]byte, 256)
		n, rerr := serverCh.Read(buf)
		if rerr != nil {
			t.Fatalf("Read: %v", rerr)
		}
		got = append(got, buf[:n]...)
		return len(got) >= len(payload)
	})

	if !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}

func TestBridgeCarriesBytesServerToClient(t *testing.T) {
	loop := ioloop.NewPollLoop()
	ln, serverCh, clientCh := dialAndListen(t, loop)
	defer ln.Close()
	defer serverCh.Close()
	defer clientCh.Close()

	payload := []byte("acknowledged")

	pump(t, loop, func() bool { return serverCh.Writable() })
	if _, err := serverCh.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var got []byte
	pump(t, loop, func() bool {
		if !clientCh.Readable() {
			return false
		}
		buf := make([]byte, 256)
		n, rerr := clientCh.Read(buf)
		if rerr != nil {
			t.Fatalf("Read: %v", rerr)
		}
		got = append(got, buf[:n]...)
		return len(got) >= len(payload)
	})

	if !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}

func TestBridgeHangsUpWhenPeerClosesStream(t *testing.T) {
	loop := ioloop.NewPollLoop()
	ln, serverCh, clientCh := dialAndListen(t, loop)
	defer ln.Close()
	defer clientCh.Close()

	serverCh.Close()

	pump(t, loop, func() bool { return clientCh.Hungup() })
}
