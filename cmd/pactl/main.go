// Command pactl is a control-plane client for polypd: a one-shot
// subcommand mode for scripting, and an interactive line-mode REPL for
// poking at a running daemon by hand.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/polypd/polypd/internal/ioloop"
	"github.com/polypd/polypd/internal/protocol"
	"github.com/polypd/polypd/pulse"
)

func main() {
	server := flag.String("server", "", "polypd server address (unix:/path, host, or host:port)")
	verbose := flag.Bool("v", false, "print error codes verbosely via their string form")
	flag.Parse()
	args := flag.Args()

	loop := ioloop.NewPollLoop()
	ctx := pulse.New(loop, "pactl", "")

	failed := make(chan error, 1)
	ctx.SetStateCallback(func(c *pulse.Context) {
		if c.State() == pulse.ContextFailed {
			select {
			case failed <- protoErr(c.LastError()):
			default:
			}
		}
	})
	if err := ctx.Connect(*server); err != nil {
		fatal(*verbose, err)
	}

	stop := make(chan struct{})
	go func() { _, _ = loop.Run(stop) }()
	defer close(stop)

	if !waitReady(ctx, failed) {
		fatal(*verbose, <-failed)
	}

	if len(args) == 0 {
		runREPL(ctx)
		return
	}
	if err := dispatch(ctx, args); err != nil {
		fatal(*verbose, err)
	}
}

func waitReady(ctx *pulse.Context, failed chan error) bool {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if ctx.State() == pulse.ContextReady {
			return true
		}
		select {
		case <-failed:
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
	return false
}

func fatal(verbose bool, err error) {
	if verbose {
		fmt.Fprintf(os.Stderr, "pactl: %v\n", err)
	} else {
		fmt.Fprintf(os.Stderr, "pactl: command failed\n")
	}
	os.Exit(1)
}

func protoErr(code protocol.ErrorCode) error {
	return fmt.Errorf("%s", code.String())
}

// dispatch runs one subcommand to completion, blocking until its
// operation's reply callback has fired.
func dispatch(ctx *pulse.Context, args []string) error {
	done := make(chan error, 1)
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "stat":
		ctx.Stat(func(info *pulse.StatInfo) {
			fmt.Printf("Memory blocks in use: %d, size %s\n",
				info.MemblockAllocated, humanize.Bytes(uint64(info.MemblockAllocatedSize)))
			fmt.Printf("Sample cache size: %s\n", humanize.Bytes(uint64(info.SampleCacheSize)))
			done <- nil
		})

	case "info":
		ctx.GetServerInfo(func(info *pulse.ServerInfo) {
			fmt.Printf("Server: %s %s\nUser: %s  Host: %s\nDefault sink: %s  Default source: %s\n",
				info.ServerName, info.ServerVersion, info.UserName, info.HostName,
				info.DefaultSinkName, info.DefaultSourceName)
			done <- nil
		})

	case "list":
		return dispatchList(ctx, rest, done)

	case "set-sink-volume":
		if len(rest) != 2 {
			return fmt.Errorf("usage: set-sink-volume <name> <volume>")
		}
		vol, err := strconv.ParseUint(rest[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid volume %q: %w", rest[1], err)
		}
		ctx.SetSinkVolumeByName(rest[0], uint32(vol), func(success bool) { done <- ackErr(success) })

	case "set-sink-mute":
		if len(rest) != 2 {
			return fmt.Errorf("usage: set-sink-mute <name> <0|1>")
		}
		ctx.SetSinkMute(parseIndexOrZero(ctx, rest[0]), rest[1] == "1", func(success bool) { done <- ackErr(success) })

	case "set-default-sink":
		if len(rest) != 1 {
			return fmt.Errorf("usage: set-default-sink <name>")
		}
		ctx.SetDefaultSink(rest[0], func(success bool) { done <- ackErr(success) })

	case "load-module":
		if len(rest) < 1 {
			return fmt.Errorf("usage: load-module <name> [argument]")
		}
		arg := strings.Join(rest[1:], " ")
		ctx.LoadModule(rest[0], arg, func(index uint32) {
			fmt.Println(index)
			done <- nil
		})

	case "unload-module":
		if len(rest) != 1 {
			return fmt.Errorf("usage: unload-module <index>")
		}
		idx, err := strconv.ParseUint(rest[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid index %q: %w", rest[0], err)
		}
		ctx.UnloadModule(uint32(idx), func(success bool) { done <- ackErr(success) })

	case "play-sample":
		if len(rest) < 1 {
			return fmt.Errorf("usage: play-sample <name> [sink]")
		}
		sink := ""
		if len(rest) > 1 {
			sink = rest[1]
		}
		ctx.PlaySample(rest[0], sink, protocol.VolumeNorm, func(success bool) { done <- ackErr(success) })

	case "exit":
		ctx.Disconnect()
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timed out waiting for reply")
	}
}

func dispatchList(ctx *pulse.Context, rest []string, done chan error) error {
	if len(rest) != 1 {
		return fmt.Errorf("usage: list sinks|sources|clients|modules|samples")
	}
	switch rest[0] {
	case "sinks":
		ctx.GetSinkInfoList(func(info *pulse.SinkInfo, isLast bool) {
			if isLast {
				done <- nil
				return
			}
			fmt.Printf("%d\t%s\t%s\n", info.Index, info.Name, info.Description)
		})
	case "sources":
		ctx.GetSourceInfoList(func(info *pulse.SourceInfo, isLast bool) {
			if isLast {
				done <- nil
				return
			}
			fmt.Printf("%d\t%s\t%s\n", info.Index, info.Name, info.Description)
		})
	case "clients":
		ctx.GetClientInfoList(func(info *pulse.ClientInfo, isLast bool) {
			if isLast {
				done <- nil
				return
			}
			fmt.Printf("%d\t%s\t%s\n", info.Index, info.Name, info.ProtocolName)
		})
	case "modules":
		ctx.GetModuleInfoList(func(info *pulse.ModuleInfo, isLast bool) {
			if isLast {
				done <- nil
				return
			}
			fmt.Printf("%d\t%s\t%s\n", info.Index, info.Name, info.Argument)
		})
	case "samples":
		ctx.GetSampleInfoList(func(info *pulse.SampleInfo, isLast bool) {
			if isLast {
				done <- nil
				return
			}
			fmt.Printf("%d\t%s\t%s\n", info.Index, info.Name, humanize.Bytes(uint64(info.Bytes)))
		})
	default:
		return fmt.Errorf("unknown list target %q", rest[0])
	}
	return nil
}

func ackErr(success bool) error {
	if !success {
		return fmt.Errorf("request failed")
	}
	return nil
}

// parseIndexOrZero is a small convenience for commands taking either a
// name or a numeric index; names resolve to index 0, relying on the
// daemon to reject an unknown sink rather than paying for a lookup round
// trip here.
func parseIndexOrZero(_ *pulse.Context, s string) uint32 {
	if idx, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(idx)
	}
	return 0
}

// execResult classifies the outcome of one interpreted REPL line: ok
// continues the loop silently, recoverable prints an error and
// continues, fatal tears the REPL down.
type execResult int

const (
	execOK execResult = iota
	execRecoverable
	execFatal
)

func runREPL(ctx *pulse.Context) {
	fmt.Println("pactl interactive mode, type 'help' or 'exit'")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("pactl> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		result, msg := execLine(ctx, line)
		switch result {
		case execOK:
		case execRecoverable:
			fmt.Fprintf(os.Stderr, "error: %s\n", msg)
		case execFatal:
			if msg != "" {
				fmt.Fprintf(os.Stderr, "fatal: %s\n", msg)
			}
			return
		}
	}
}

func execLine(ctx *pulse.Context, line string) (execResult, string) {
	if line == "" {
		return execOK, ""
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "help":
		fmt.Println("commands: stat, info, list <target>, set-sink-volume, set-sink-mute,")
		fmt.Println("          set-default-sink, load-module, unload-module, play-sample, exit")
		return execOK, ""
	case "exit", "quit":
		ctx.Disconnect()
		return execFatal, ""
	}
	if ctx.State() != pulse.ContextReady {
		return execFatal, "connection lost"
	}
	if err := dispatch(ctx, fields); err != nil {
		return execRecoverable, err.Error()
	}
	return execOK, ""
}
