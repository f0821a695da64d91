// Command pacat plays raw PCM audio from stdin to a polypd sink, or
// records from a source to stdout, over a single stream — the Go
// equivalent of pacat-simple.
package main

import (
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/polypd/polypd/internal/ioloop"
	"github.com/polypd/polypd/internal/protocol"
	"github.com/polypd/polypd/pulse"
)

func main() {
	var (
		server   = flag.String("server", "", "polypd server address (unix:/path, host, or host:port)")
		name     = flag.String("name", "pacat", "client name reported to the server")
		device   = flag.String("device", "", "sink or source name (default device if empty)")
		record   = flag.Bool("record", false, "record from a source to stdout instead of playing stdin")
		rate     = flag.Uint("rate", 44100, "sample rate")
		channels = flag.Uint("channels", 2, "channel count")
		format   = flag.String("format", "s16le", "sample format: u8, alaw, ulaw, s16le, s16be, float32le, float32be, s32le, s32be")
	)
	flag.Parse()

	ss := protocol.SampleSpec{Format: parseFormat(*format), Channels: uint8(*channels), Rate: uint32(*rate)}
	if !ss.Valid() {
		log.Fatalf("pacat: invalid sample spec")
	}

	loop := ioloop.NewPollLoop()
	ctx := pulse.New(loop, *name, "")

	ready := make(chan error, 1)
	ctx.SetStateCallback(func(c *pulse.Context) {
		switch c.State() {
		case pulse.ContextReady:
			select {
			case ready <- nil:
			default:
			}
		case pulse.ContextFailed:
			select {
			case ready <- errForCode(c.LastError()):
			default:
			}
		}
	})

	if err := ctx.Connect(*server); err != nil {
		log.Fatalf("pacat: connect: %v", err)
	}

	stop := make(chan struct{})
	go func() { _, _ = loop.Run(stop) }()
	defer close(stop)

	if err := <-ready; err != nil {
		log.Fatalf("pacat: %v", err)
	}

	stream := pulse.NewStream(ctx, *name, ss)
	attr := &protocol.BufferAttr{
		MaxLength: pulse.DefaultMaxLength,
		TLength:   pulse.DefaultTLength,
		Prebuf:    pulse.DefaultPrebuf,
		MinReq:    pulse.DefaultMinReq,
		FragSize:  pulse.DefaultFragSize,
	}

	if *record {
		runRecord(stream, *device, attr)
		return
	}
	runPlayback(stream, *device, attr, ss)
}

func runPlayback(stream *pulse.Stream, device string, attr *protocol.BufferAttr, ss protocol.SampleSpec) {
	connected := make(chan error, 1)
	stream.SetStateCallback(func(s *pulse.Stream) {
		switch s.State() {
		case pulse.StreamReady:
			select {
			case connected <- nil:
			default:
			}
		case pulse.StreamFailed:
			select {
			case connected <- io.ErrClosedPipe:
			default:
			}
		}
	})
	volume := make(protocol.ChannelVolume, ss.Channels)
	for i := range volume {
		volume[i] = protocol.VolumeNorm
	}
	if err := stream.ConnectPlayback(device, attr, false, true, volume); err != nil {
		log.Fatalf("pacat: connect playback: %v", err)
	}
	if err := <-connected; err != nil {
		log.Fatalf("pacat: playback stream failed")
	}

	frameSize := ss.FrameSize()
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := n - n%frameSize
			if chunk > 0 {
				for stream.WritableSize() == 0 {
					time.Sleep(5 * time.Millisecond)
				}
				if werr := stream.Write(buf[:chunk], 0); werr != nil {
					log.Fatalf("pacat: write: %v", werr)
				}
			}
		}
		if err != nil {
			break
		}
	}

	done := make(chan struct{})
	stream.Drain(func(bool) { close(done) })
	<-done
}

func runRecord(stream *pulse.Stream, device string, attr *protocol.BufferAttr) {
	stream.SetReadCallback(func(data []byte) {
		os.Stdout.Write(data)
	})
	if err := stream.ConnectRecord(device, attr, false, true); err != nil {
		log.Fatalf("pacat: connect record: %v", err)
	}
	select {}
}

func parseFormat(s string) protocol.SampleFormat {
	switch s {
	case "u8":
		return protocol.SampleU8
	case "alaw":
		return protocol.SampleALaw
	case "ulaw":
		return protocol.SampleULaw
	case "s16le":
		return protocol.SampleS16LE
	case "s16be":
		return protocol.SampleS16BE
	case "float32le":
		return protocol.SampleFloat32LE
	case "float32be":
		return protocol.SampleFloat32BE
	case "s32le":
		return protocol.SampleS32LE
	case "s32be":
		return protocol.SampleS32BE
	default:
		return protocol.SampleFormat(0xFF)
	}
}

func errForCode(code protocol.ErrorCode) error {
	return &protocolError{code}
}

type protocolError struct {
	code protocol.ErrorCode
}

func (e *protocolError) Error() string { return "pulse: " + e.code.String() }
