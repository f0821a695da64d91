package pulse

import (
	"testing"

	"github.com/polypd/polypd/internal/ioloop"
	"github.com/polypd/polypd/internal/protocol"
	"github.com/polypd/polypd/internal/tagstruct"
	"github.com/stretchr/testify/require"
)

func TestDecodeSinkInfoRoundTrip(t *testing.T) {
	w := tagstruct.NewWriter()
	w.PutU32(3)
	w.PutString("sink0")
	w.PutString("Builtin Audio")
	w.PutSampleSpec(testSampleSpec())
	w.PutU32(1)
	w.PutU32(protocol.VolumeNorm)
	w.PutU32(7)
	w.PutString("sink0.monitor")
	w.PutUsec(2500)

	ts := tagstruct.NewReader(w.Bytes())
	info, err := decodeSinkInfo(ts)
	require.NoError(t, err)
	require.Nil(t, ts.EOF())
	require.Equal(t, uint32(3), info.Index)
	require.Equal(t, "sink0", info.Name)
	require.Equal(t, "Builtin Audio", info.Description)
	require.Equal(t, uint32(7), info.MonitorSource)
	require.Equal(t, "sink0.monitor", info.MonitorSourceName)
	require.Equal(t, uint64(2500), info.Latency)
}

func TestDecodeSinkInfoFailsOnTruncatedPayload(t *testing.T) {
	w := tagstruct.NewWriter()
	w.PutU32(3)
	w.PutString("sink0")
	ts := tagstruct.NewReader(w.Bytes())
	_, err := decodeSinkInfo(ts)
	require.Error(t, err)
}

func TestDecodeAutoloadInfoRoundTrip(t *testing.T) {
	w := tagstruct.NewWriter()
	w.PutU32(1)
	w.PutString("sink0")
	w.PutU32(0)
	w.PutString("module-foo")
	w.PutString("arg")

	ts := tagstruct.NewReader(w.Bytes())
	info, err := decodeAutoloadInfo(ts)
	require.NoError(t, err)
	require.Nil(t, ts.EOF())
	require.Equal(t, "sink0", info.Name)
	require.Equal(t, "module-foo", info.Module)
	require.Equal(t, "arg", info.Argument)
}

func TestGetSinkInfoListDeliversEachItemThenSentinel(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)

	h.fs.on(protocol.CommandGetSinkInfoList, func(tag uint32, ts *tagstruct.Reader) []byte {
		return replyWith(tag, func(w *tagstruct.Writer) {
			for _, name := range []string{"sink0", "sink1"} {
				w.PutU32(0)
				w.PutString(name)
				w.PutString("desc")
				w.PutSampleSpec(testSampleSpec())
				w.PutU32(0)
				w.PutU32(protocol.VolumeNorm)
				w.PutU32(InvalidIndex)
				w.PutString("")
				w.PutUsec(0)
			}
		})
	})

	var names []string
	var sawSentinel bool
	h.ctx.GetSinkInfoList(func(i *SinkInfo, isLast bool) {
		if isLast {
			sawSentinel = true
			return
		}
		names = append(names, i.Name)
	}).Unref()

	pump(t, loop, func() bool { return sawSentinel })
	require.Equal(t, []string{"sink0", "sink1"}, names)
}

func TestGetSinkInfoListEmptyStillDeliversSentinel(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)

	h.fs.on(protocol.CommandGetSinkInfoList, func(tag uint32, ts *tagstruct.Reader) []byte {
		return replyWith(tag, nil)
	})

	var count int
	var sawSentinel bool
	h.ctx.GetSinkInfoList(func(i *SinkInfo, isLast bool) {
		if isLast {
			sawSentinel = true
			return
		}
		count++
	}).Unref()

	pump(t, loop, func() bool { return sawSentinel })
	require.Equal(t, 0, count)
}

func TestGetSinkInfoListErrorReplyReportsSentinelOnly(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)

	h.fs.on(protocol.CommandGetSinkInfoList, func(tag uint32, ts *tagstruct.Reader) []byte {
		return errorReply(protocol.ErrNoEntity)
	})

	var count int
	var sawSentinel bool
	h.ctx.GetSinkInfoList(func(i *SinkInfo, isLast bool) {
		if isLast {
			sawSentinel = true
			return
		}
		count++
	}).Unref()

	pump(t, loop, func() bool { return sawSentinel })
	require.Equal(t, 0, count)
	require.Equal(t, protocol.ErrNoEntity, h.ctx.LastError())
}

func TestStatReturnsDecodedCounters(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)

	h.fs.on(protocol.CommandStat, func(tag uint32, ts *tagstruct.Reader) []byte {
		return replyWith(tag, func(w *tagstruct.Writer) {
			w.PutU32(10)
			w.PutU32(40960)
			w.PutU32(4)
			w.PutU32(16384)
			w.PutU32(2)
		})
	})

	var got *StatInfo
	var done bool
	h.ctx.Stat(func(i *StatInfo) { got = i; done = true }).Unref()

	pump(t, loop, func() bool { return done })
	require.NotNil(t, got)
	require.Equal(t, uint32(10), got.MemblockTotal)
	require.Equal(t, uint32(2), got.SampleCacheSize)
}

func TestGetServerInfoReturnsDecodedFields(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)

	h.fs.on(protocol.CommandGetServerInfo, func(tag uint32, ts *tagstruct.Reader) []byte {
		return replyWith(tag, func(w *tagstruct.Writer) {
			w.PutString("polypd")
			w.PutString("0.9")
			w.PutString("someone")
			w.PutString("host")
			w.PutSampleSpec(testSampleSpec())
			w.PutString("sink0")
			w.PutString("source0")
		})
	})

	var got *ServerInfo
	var done bool
	h.ctx.GetServerInfo(func(i *ServerInfo) { got = i; done = true }).Unref()

	pump(t, loop, func() bool { return done })
	require.NotNil(t, got)
	require.Equal(t, "polypd", got.ServerName)
	require.Equal(t, "sink0", got.DefaultSinkName)
	require.Equal(t, "source0", got.DefaultSourceName)
}

func TestLoadModuleReturnsIndexOnSuccessAndInvalidOnError(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)

	h.fs.on(protocol.CommandLoadModule, func(tag uint32, ts *tagstruct.Reader) []byte {
		name, _ := ts.GetString()
		if name == "module-reject" {
			return errorReply(protocol.ErrInvalid)
		}
		return replyWith(tag, func(w *tagstruct.Writer) { w.PutU32(5) })
	})

	var okIndex uint32
	var okDone bool
	h.ctx.LoadModule("module-accept", "", func(idx uint32) { okIndex = idx; okDone = true }).Unref()
	pump(t, loop, func() bool { return okDone })
	require.Equal(t, uint32(5), okIndex)

	var failIndex uint32
	var failDone bool
	h.ctx.LoadModule("module-reject", "", func(idx uint32) { failIndex = idx; failDone = true }).Unref()
	pump(t, loop, func() bool { return failDone })
	require.Equal(t, InvalidIndex, failIndex)
}

func TestSetSinkVolumeByIndexSendsVolumeAndReportsSuccess(t *testing.T) {
	loop := ioloop.NewPollLoop()
	h := newReadyHarness(t, loop)

	var gotIndex, gotVolume uint32
	h.fs.on(protocol.CommandSetSinkVolume, func(tag uint32, ts *tagstruct.Reader) []byte {
		gotIndex, _ = ts.GetU32()
		ts.GetString() // null device name placeholder
		gotVolume, _ = ts.GetU32()
		return replyWith(tag, nil)
	})

	var done bool
	var success bool
	h.ctx.SetSinkVolumeByIndex(2, protocol.VolumeNorm/2, func(ok bool) { success = ok; done = true }).Unref()

	pump(t, loop, func() bool { return done })
	require.True(t, success)
	require.Equal(t, uint32(2), gotIndex)
	require.Equal(t, protocol.VolumeNorm/2, gotVolume)
}
