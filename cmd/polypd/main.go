// Command polypd is the network sound server daemon: it owns the
// sink/source/module registry, serves the native protocol over a UNIX
// socket (and optionally TCP and a peer tunnel), and exposes a small
// HTTP introspection API plus a websocket event feed for a dashboard.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/polypd/polypd/internal/adminws"
	"github.com/polypd/polypd/internal/authcookie"
	"github.com/polypd/polypd/internal/introspectapi"
	"github.com/polypd/polypd/internal/ioloop"
	"github.com/polypd/polypd/internal/protocol"
	"github.com/polypd/polypd/internal/registry"
	"github.com/polypd/polypd/internal/sigbridge"
	"github.com/polypd/polypd/internal/sockserver"
	"github.com/polypd/polypd/internal/watchdog"
	"github.com/polypd/polypd/server"

	"github.com/labstack/echo/v4"
)

func main() {
	var (
		sockPath   = flag.String("socket", defaultSocketPath(), "UNIX socket path for the native protocol")
		tcpAddr    = flag.String("tcp", "", "optional TCP address to also listen on (host:port)")
		peerAddr   = flag.String("peer-listen", "", "optional address to accept peer daemon tunnels on")
		httpAddr   = flag.String("http", "127.0.0.1:8420", "introspection API and admin dashboard address")
		dbPath     = flag.String("db", defaultDBPath(), "registry database path")
		cookiePath = flag.String("cookie", "", "auth cookie path (default: platform config dir)")
		sinkName   = flag.String("sink-name", "null", "name of the daemon's built-in sink")
		rate       = flag.Uint("rate", 44100, "sink sample rate")
		channels   = flag.Uint("channels", 2, "sink channel count")
		metricsInt = flag.Duration("metrics-interval", 30*time.Second, "metrics log interval")
	)
	flag.Parse()

	if *cookiePath == "" {
		p, err := authcookie.DefaultPath()
		if err != nil {
			log.Fatalf("polypd: resolving cookie path: %v", err)
		}
		*cookiePath = p
	}
	cookie, err := authcookie.LoadOrCreate(*cookiePath)
	if err != nil {
		log.Fatalf("polypd: loading auth cookie: %v", err)
	}

	reg, err := registry.New(*dbPath)
	if err != nil {
		log.Fatalf("polypd: opening registry: %v", err)
	}
	defer reg.Close()

	loop := ioloop.NewPollLoop()
	hub := adminws.NewHub()
	defer hub.Close()

	hostName, _ := os.Hostname()
	userName := os.Getenv("USER")
	ss := protocol.SampleSpec{Format: protocol.SampleS16LE, Channels: uint8(*channels), Rate: uint32(*rate)}

	daemon, err := server.NewDaemon(loop, reg, hub, cookie, "polypd", hostName, userName, *sinkName, ss)
	if err != nil {
		log.Fatalf("polypd: %v", err)
	}
	defer daemon.Close()

	ln, err := sockserver.ListenUnix(loop, *sockPath, daemon.HandleConnection)
	if err != nil {
		log.Fatalf("polypd: listening on %s: %v", *sockPath, err)
	}
	defer ln.Close()
	log.Printf("[polypd] listening on unix:%s", *sockPath)

	if *tcpAddr != "" {
		tln, err := sockserver.ListenTCP(loop, *tcpAddr, daemon.HandleConnection)
		if err != nil {
			log.Fatalf("polypd: listening on %s: %v", *tcpAddr, err)
		}
		defer tln.Close()
		log.Printf("[polypd] listening on tcp:%s", tln.Addr())
	}

	if *peerAddr != "" {
		peers, err := server.ListenPeers(daemon, loop, *peerAddr, &tls.Config{InsecureSkipVerify: true})
		if err != nil {
			log.Fatalf("polypd: listening for peers on %s: %v", *peerAddr, err)
		}
		defer peers.Close()
		log.Printf("[polypd] accepting peer tunnels on %s", *peerAddr)
	}

	wd, err := watchdog.New(loop, func() {
		log.Printf("[polypd] watchdog tripped, exiting")
		os.Exit(1)
	})
	if err != nil {
		log.Printf("[polypd] watchdog unavailable: %v", err)
	} else {
		defer wd.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sb, err := sigbridge.New(loop)
	if err != nil {
		log.Fatalf("polypd: signal bridge: %v", err)
	}
	defer sb.Close()
	sb.Register(syscall.SIGINT, func(os.Signal) { cancel() })
	sb.Register(syscall.SIGTERM, func(os.Signal) { cancel() })

	go server.RunMetrics(ctx, daemon, *metricsInt)
	go hub.Serve(ctx)

	introspect := introspectapi.New(reg, daemon)
	introspect.Echo().GET("/ws", func(c echo.Context) error {
		hub.HandleUpgrade(c.Response(), c.Request())
		return nil
	})
	go func() {
		if err := introspect.Run(ctx, *httpAddr); err != nil {
			log.Printf("[polypd] introspection API: %v", err)
		}
	}()

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		loop.Quit(0)
		close(stop)
	}()

	if _, err := loop.Run(stop); err != nil {
		log.Fatalf("polypd: event loop: %v", err)
	}
	log.Printf("[polypd] shutting down")
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir + "/polypd.sock"
	}
	return "/tmp/polypd.sock"
}

func defaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "polypd.db"
	}
	return dir + "/polypaudio/registry.db"
}
