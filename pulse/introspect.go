package pulse

import (
	"github.com/polypd/polypd/internal/dispatch"
	"github.com/polypd/polypd/internal/protocol"
	"github.com/polypd/polypd/internal/tagstruct"
)

// InvalidIndex is the sentinel "no such index"/"look up by name instead"
// value the wire protocol uses in place of a real object index.
const InvalidIndex uint32 = 0xFFFFFFFF

// StatInfo is the decoded reply to STAT.
type StatInfo struct {
	MemblockTotal         uint32
	MemblockTotalSize     uint32
	MemblockAllocated     uint32
	MemblockAllocatedSize uint32
	SampleCacheSize       uint32
}

// ServerInfo is the decoded reply to GET_SERVER_INFO.
type ServerInfo struct {
	ServerName        string
	ServerVersion     string
	UserName          string
	HostName          string
	SampleSpec        protocol.SampleSpec
	DefaultSinkName   string
	DefaultSourceName string
}

// SinkInfo describes one sink.
type SinkInfo struct {
	Index             uint32
	Name              string
	Description       string
	SampleSpec        protocol.SampleSpec
	OwnerModule       uint32
	Volume            uint32
	MonitorSource     uint32
	MonitorSourceName string
	Latency           uint64
}

// SourceInfo describes one source.
type SourceInfo struct {
	Index             uint32
	Name              string
	Description       string
	SampleSpec        protocol.SampleSpec
	OwnerModule       uint32
	MonitorOfSink     uint32
	MonitorOfSinkName string
	Latency           uint64
}

// ClientInfo describes one connected client.
type ClientInfo struct {
	Index        uint32
	Name         string
	ProtocolName string
	OwnerModule  uint32
}

// ModuleInfo describes one loaded module.
type ModuleInfo struct {
	Index      uint32
	Name       string
	Argument   string
	NUsed      uint32
	AutoUnload bool
}

// SinkInputInfo describes one stream feeding a sink.
type SinkInputInfo struct {
	Index      uint32
	Name       string
	Owner      uint32
	Client     uint32
	Sink       uint32
	SampleSpec protocol.SampleSpec
	Volume     uint32
	BufferUsec uint64
	SinkUsec   uint64
}

// SourceOutputInfo describes one stream draining a source.
type SourceOutputInfo struct {
	Index      uint32
	Name       string
	Owner      uint32
	Client     uint32
	Source     uint32
	SampleSpec protocol.SampleSpec
	BufferUsec uint64
	SourceUsec uint64
}

// SampleInfo describes one cached upload sample.
type SampleInfo struct {
	Index      uint32
	Name       string
	Volume     uint32
	Duration   uint64
	SampleSpec protocol.SampleSpec
	Bytes      uint32
	Lazy       bool
	Filename   string
}

// sendRequest writes command+tag+extra as a control packet and returns
// the tag it was sent under, or ok=false if the context has no live
// transport to send on.
func (c *Context) sendRequest(command protocol.Command, extra func(w *tagstruct.Writer)) (tag uint32, d *dispatch.Dispatcher, ok bool) {
	tag = c.nextTag()
	w := tagstruct.NewWriter()
	w.PutU32(uint32(command))
	w.PutU32(tag)
	if extra != nil {
		extra(w)
	}
	c.sendTagstruct(w)

	c.mu.Lock()
	d = c.dispatch
	c.mu.Unlock()
	return tag, d, d != nil
}

// simpleAck sends command and reports plain success/failure through cb.
func (c *Context) simpleAck(command protocol.Command, extra func(w *tagstruct.Writer), cb func(success bool)) *Operation {
	o := newOperation(c, nil)
	tag, d, ok := c.sendRequest(command, extra)
	if !ok {
		o.complete()
		return o.Ref()
	}
	d.RegisterReply(tag, dispatch.DefaultReplyTimeout, func(_ *dispatch.Dispatcher, command protocol.Command, _ uint32, ts *tagstruct.Reader) {
		success := command == protocol.CommandReply
		if !success {
			c.handleError(command, ts)
		} else if ts.EOF() != nil {
			c.fail(protocol.ErrProtocol)
			success = false
		}
		if cb != nil {
			cb(success)
		}
		o.complete()
	})
	return o.Ref()
}

// queryList sends command and feeds every decoded tuple in the reply to
// cb as it's parsed, finishing with one cb(nil, true) call. An error
// reply or timeout (after recording the error in LastError) and an
// undecodable tuple (after failing the context) also end the
// enumeration with cb(nil, true). This is the Go shape of the original library's repeated
// "while (!pa_tagstruct_eof(t)) { decode; cb(&i, 0); } cb(NULL, eof)"
// loops across every *_info_list reply.
func queryList[T any](c *Context, command protocol.Command, extra func(w *tagstruct.Writer), decode func(ts *tagstruct.Reader) (T, error), cb func(item *T, isLast bool)) *Operation {
	o := newOperation(c, nil)
	tag, d, ok := c.sendRequest(command, extra)
	if !ok {
		o.complete()
		return o.Ref()
	}
	d.RegisterReply(tag, dispatch.DefaultReplyTimeout, func(_ *dispatch.Dispatcher, command protocol.Command, _ uint32, ts *tagstruct.Reader) {
		defer o.complete()
		if command != protocol.CommandReply {
			c.handleError(command, ts)
			if cb != nil {
				cb(nil, true)
			}
			return
		}
		for ts.EOF() != nil {
			item, err := decode(ts)
			if err != nil {
				c.fail(protocol.ErrProtocol)
				if cb != nil {
					cb(nil, true)
				}
				return
			}
			if cb != nil {
				cb(&item, false)
			}
		}
		if cb != nil {
			cb(nil, true)
		}
	})
	return o.Ref()
}

// Stat reports live memblock allocation statistics.
func (c *Context) Stat(cb func(*StatInfo)) *Operation {
	o := newOperation(c, nil)
	tag, d, ok := c.sendRequest(protocol.CommandStat, nil)
	if !ok {
		o.complete()
		return o.Ref()
	}
	d.RegisterReply(tag, dispatch.DefaultReplyTimeout, func(_ *dispatch.Dispatcher, command protocol.Command, _ uint32, ts *tagstruct.Reader) {
		defer o.complete()
		if command != protocol.CommandReply {
			c.handleError(command, ts)
			if cb != nil {
				cb(nil)
			}
			return
		}
		var i StatInfo
		var err error
		if i.MemblockTotal, err = ts.GetU32(); err == nil {
			if i.MemblockTotalSize, err = ts.GetU32(); err == nil {
				if i.MemblockAllocated, err = ts.GetU32(); err == nil {
					if i.MemblockAllocatedSize, err = ts.GetU32(); err == nil {
						i.SampleCacheSize, err = ts.GetU32()
					}
				}
			}
		}
		if err != nil || ts.EOF() != nil {
			c.fail(protocol.ErrProtocol)
			if cb != nil {
				cb(nil)
			}
			return
		}
		if cb != nil {
			cb(&i)
		}
	})
	return o.Ref()
}

// GetServerInfo fetches the daemon's identity and defaults.
func (c *Context) GetServerInfo(cb func(*ServerInfo)) *Operation {
	o := newOperation(c, nil)
	tag, d, ok := c.sendRequest(protocol.CommandGetServerInfo, nil)
	if !ok {
		o.complete()
		return o.Ref()
	}
	d.RegisterReply(tag, dispatch.DefaultReplyTimeout, func(_ *dispatch.Dispatcher, command protocol.Command, _ uint32, ts *tagstruct.Reader) {
		defer o.complete()
		if command != protocol.CommandReply {
			c.handleError(command, ts)
			if cb != nil {
				cb(nil)
			}
			return
		}
		var i ServerInfo
		var err error
		if i.ServerName, err = ts.GetString(); err == nil {
			if i.ServerVersion, err = ts.GetString(); err == nil {
				if i.UserName, err = ts.GetString(); err == nil {
					if i.HostName, err = ts.GetString(); err == nil {
						if i.SampleSpec, err = ts.GetSampleSpec(); err == nil {
							if i.DefaultSinkName, err = ts.GetString(); err == nil {
								i.DefaultSourceName, err = ts.GetString()
							}
						}
					}
				}
			}
		}
		if err != nil || ts.EOF() != nil {
			c.fail(protocol.ErrProtocol)
			if cb != nil {
				cb(nil)
			}
			return
		}
		if cb != nil {
			cb(&i)
		}
	})
	return o.Ref()
}

func decodeSinkInfo(ts *tagstruct.Reader) (SinkInfo, error) {
	var i SinkInfo
	var err error
	if i.Index, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.Name, err = ts.GetString(); err != nil {
		return i, err
	}
	if i.Description, err = ts.GetString(); err != nil {
		return i, err
	}
	if i.SampleSpec, err = ts.GetSampleSpec(); err != nil {
		return i, err
	}
	if i.OwnerModule, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.Volume, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.MonitorSource, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.MonitorSourceName, err = ts.GetString(); err != nil {
		return i, err
	}
	i.Latency, err = ts.GetUsec()
	return i, err
}

// GetSinkInfoList enumerates every sink.
func (c *Context) GetSinkInfoList(cb func(*SinkInfo, bool)) *Operation {
	return queryList(c, protocol.CommandGetSinkInfoList, nil, decodeSinkInfo, cb)
}

// GetSinkInfoByIndex looks up a single sink by its server-assigned index.
func (c *Context) GetSinkInfoByIndex(index uint32, cb func(*SinkInfo, bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(index); w.PutNullString() }
	return queryList(c, protocol.CommandGetSinkInfo, extra, decodeSinkInfo, cb)
}

// GetSinkInfoByName looks up a single sink by name.
func (c *Context) GetSinkInfoByName(name string, cb func(*SinkInfo, bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(InvalidIndex); w.PutString(name) }
	return queryList(c, protocol.CommandGetSinkInfo, extra, decodeSinkInfo, cb)
}

func decodeSourceInfo(ts *tagstruct.Reader) (SourceInfo, error) {
	var i SourceInfo
	var err error
	if i.Index, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.Name, err = ts.GetString(); err != nil {
		return i, err
	}
	if i.Description, err = ts.GetString(); err != nil {
		return i, err
	}
	if i.SampleSpec, err = ts.GetSampleSpec(); err != nil {
		return i, err
	}
	if i.OwnerModule, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.MonitorOfSink, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.MonitorOfSinkName, err = ts.GetString(); err != nil {
		return i, err
	}
	i.Latency, err = ts.GetUsec()
	return i, err
}

// GetSourceInfoList enumerates every source.
func (c *Context) GetSourceInfoList(cb func(*SourceInfo, bool)) *Operation {
	return queryList(c, protocol.CommandGetSourceInfoList, nil, decodeSourceInfo, cb)
}

// GetSourceInfoByIndex looks up a single source by index.
func (c *Context) GetSourceInfoByIndex(index uint32, cb func(*SourceInfo, bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(index); w.PutNullString() }
	return queryList(c, protocol.CommandGetSourceInfo, extra, decodeSourceInfo, cb)
}

// GetSourceInfoByName looks up a single source by name.
func (c *Context) GetSourceInfoByName(name string, cb func(*SourceInfo, bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(InvalidIndex); w.PutString(name) }
	return queryList(c, protocol.CommandGetSourceInfo, extra, decodeSourceInfo, cb)
}

func decodeClientInfo(ts *tagstruct.Reader) (ClientInfo, error) {
	var i ClientInfo
	var err error
	if i.Index, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.Name, err = ts.GetString(); err != nil {
		return i, err
	}
	if i.ProtocolName, err = ts.GetString(); err != nil {
		return i, err
	}
	i.OwnerModule, err = ts.GetU32()
	return i, err
}

// GetClientInfo looks up a single client by index.
func (c *Context) GetClientInfo(index uint32, cb func(*ClientInfo, bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(index) }
	return queryList(c, protocol.CommandGetClientInfo, extra, decodeClientInfo, cb)
}

// GetClientInfoList enumerates every connected client.
func (c *Context) GetClientInfoList(cb func(*ClientInfo, bool)) *Operation {
	return queryList(c, protocol.CommandGetClientInfoList, nil, decodeClientInfo, cb)
}

func decodeModuleInfo(ts *tagstruct.Reader) (ModuleInfo, error) {
	var i ModuleInfo
	var err error
	if i.Index, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.Name, err = ts.GetString(); err != nil {
		return i, err
	}
	if i.Argument, err = ts.GetString(); err != nil {
		return i, err
	}
	if i.NUsed, err = ts.GetU32(); err != nil {
		return i, err
	}
	i.AutoUnload, err = ts.GetBoolean()
	return i, err
}

// GetModuleInfo looks up a single loaded module by index.
func (c *Context) GetModuleInfo(index uint32, cb func(*ModuleInfo, bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(index) }
	return queryList(c, protocol.CommandGetModuleInfo, extra, decodeModuleInfo, cb)
}

// GetModuleInfoList enumerates every loaded module.
func (c *Context) GetModuleInfoList(cb func(*ModuleInfo, bool)) *Operation {
	return queryList(c, protocol.CommandGetModuleInfoList, nil, decodeModuleInfo, cb)
}

func decodeSinkInputInfo(ts *tagstruct.Reader) (SinkInputInfo, error) {
	var i SinkInputInfo
	var err error
	if i.Index, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.Name, err = ts.GetString(); err != nil {
		return i, err
	}
	if i.Owner, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.Client, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.Sink, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.SampleSpec, err = ts.GetSampleSpec(); err != nil {
		return i, err
	}
	if i.Volume, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.BufferUsec, err = ts.GetUsec(); err != nil {
		return i, err
	}
	i.SinkUsec, err = ts.GetUsec()
	return i, err
}

// GetSinkInputInfo looks up a single sink-input by index.
func (c *Context) GetSinkInputInfo(index uint32, cb func(*SinkInputInfo, bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(index) }
	return queryList(c, protocol.CommandGetSinkInputInfo, extra, decodeSinkInputInfo, cb)
}

// GetSinkInputInfoList enumerates every sink-input.
func (c *Context) GetSinkInputInfoList(cb func(*SinkInputInfo, bool)) *Operation {
	return queryList(c, protocol.CommandGetSinkInputInfoList, nil, decodeSinkInputInfo, cb)
}

func decodeSourceOutputInfo(ts *tagstruct.Reader) (SourceOutputInfo, error) {
	var i SourceOutputInfo
	var err error
	if i.Index, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.Name, err = ts.GetString(); err != nil {
		return i, err
	}
	if i.Owner, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.Client, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.Source, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.SampleSpec, err = ts.GetSampleSpec(); err != nil {
		return i, err
	}
	if i.BufferUsec, err = ts.GetUsec(); err != nil {
		return i, err
	}
	i.SourceUsec, err = ts.GetUsec()
	return i, err
}

// GetSourceOutputInfo looks up a single source-output by index.
func (c *Context) GetSourceOutputInfo(index uint32, cb func(*SourceOutputInfo, bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(index) }
	return queryList(c, protocol.CommandGetSourceOutputInfo, extra, decodeSourceOutputInfo, cb)
}

// GetSourceOutputInfoList enumerates every source-output.
func (c *Context) GetSourceOutputInfoList(cb func(*SourceOutputInfo, bool)) *Operation {
	return queryList(c, protocol.CommandGetSourceOutputInfoList, nil, decodeSourceOutputInfo, cb)
}

func decodeSampleInfo(ts *tagstruct.Reader) (SampleInfo, error) {
	var i SampleInfo
	var err error
	if i.Index, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.Name, err = ts.GetString(); err != nil {
		return i, err
	}
	if i.Volume, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.Duration, err = ts.GetUsec(); err != nil {
		return i, err
	}
	if i.SampleSpec, err = ts.GetSampleSpec(); err != nil {
		return i, err
	}
	if i.Bytes, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.Lazy, err = ts.GetBoolean(); err != nil {
		return i, err
	}
	i.Filename, err = ts.GetString()
	return i, err
}

// GetSampleInfoByName looks up one cached sample by name.
func (c *Context) GetSampleInfoByName(name string, cb func(*SampleInfo, bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(InvalidIndex); w.PutString(name) }
	return queryList(c, protocol.CommandGetSampleInfo, extra, decodeSampleInfo, cb)
}

// GetSampleInfoByIndex looks up one cached sample by index.
func (c *Context) GetSampleInfoByIndex(index uint32, cb func(*SampleInfo, bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(index); w.PutNullString() }
	return queryList(c, protocol.CommandGetSampleInfo, extra, decodeSampleInfo, cb)
}

// GetSampleInfoList enumerates every cached sample.
func (c *Context) GetSampleInfoList(cb func(*SampleInfo, bool)) *Operation {
	return queryList(c, protocol.CommandGetSampleInfoList, nil, decodeSampleInfo, cb)
}

// SetSinkVolumeByIndex sets a sink's volume (a single value applied to
// every channel, matching the native protocol's scalar SET_SINK_VOLUME).
func (c *Context) SetSinkVolumeByIndex(index uint32, volume uint32, cb func(success bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(index); w.PutNullString(); w.PutU32(volume) }
	return c.simpleAck(protocol.CommandSetSinkVolume, extra, cb)
}

// SetSinkVolumeByName sets a sink's volume by name.
func (c *Context) SetSinkVolumeByName(name string, volume uint32, cb func(success bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(InvalidIndex); w.PutString(name); w.PutU32(volume) }
	return c.simpleAck(protocol.CommandSetSinkVolume, extra, cb)
}

// SetSinkInputVolume sets one sink-input's volume.
func (c *Context) SetSinkInputVolume(index uint32, volume uint32, cb func(success bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(index); w.PutU32(volume) }
	return c.simpleAck(protocol.CommandSetSinkInputVolume, extra, cb)
}

// SetSourceVolumeByIndex sets a source's volume.
func (c *Context) SetSourceVolumeByIndex(index uint32, volume uint32, cb func(success bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(index); w.PutNullString(); w.PutU32(volume) }
	return c.simpleAck(protocol.CommandSetSourceVolume, extra, cb)
}

// SetSinkMute mutes or unmutes a sink.
func (c *Context) SetSinkMute(index uint32, mute bool, cb func(success bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(index); w.PutBoolean(mute) }
	return c.simpleAck(protocol.CommandSetSinkMute, extra, cb)
}

// SetSourceMute mutes or unmutes a source.
func (c *Context) SetSourceMute(index uint32, mute bool, cb func(success bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(index); w.PutBoolean(mute) }
	return c.simpleAck(protocol.CommandSetSourceMute, extra, cb)
}

// SetDefaultSink changes the server's default sink.
func (c *Context) SetDefaultSink(name string, cb func(success bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutString(name) }
	return c.simpleAck(protocol.CommandSetDefaultSink, extra, cb)
}

// SetDefaultSource changes the server's default source.
func (c *Context) SetDefaultSource(name string, cb func(success bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutString(name) }
	return c.simpleAck(protocol.CommandSetDefaultSource, extra, cb)
}

// KillClient forcibly disconnects a client.
func (c *Context) KillClient(index uint32, cb func(success bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(index) }
	return c.simpleAck(protocol.CommandKillClient, extra, cb)
}

// KillSinkInput forcibly disconnects a sink-input.
func (c *Context) KillSinkInput(index uint32, cb func(success bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(index) }
	return c.simpleAck(protocol.CommandKillSinkInput, extra, cb)
}

// KillSourceOutput forcibly disconnects a source-output.
func (c *Context) KillSourceOutput(index uint32, cb func(success bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(index) }
	return c.simpleAck(protocol.CommandKillSourceOutput, extra, cb)
}

// LoadModule asks the daemon to load a module, reporting the new
// module's index (InvalidIndex on failure).
func (c *Context) LoadModule(name, argument string, cb func(index uint32)) *Operation {
	o := newOperation(c, nil)
	extra := func(w *tagstruct.Writer) { w.PutString(name); w.PutString(argument) }
	tag, d, ok := c.sendRequest(protocol.CommandLoadModule, extra)
	if !ok {
		o.complete()
		return o.Ref()
	}
	d.RegisterReply(tag, dispatch.DefaultReplyTimeout, func(_ *dispatch.Dispatcher, command protocol.Command, _ uint32, ts *tagstruct.Reader) {
		defer o.complete()
		index := InvalidIndex
		if command != protocol.CommandReply {
			c.handleError(command, ts)
		} else if idx, err := ts.GetU32(); err != nil || ts.EOF() != nil {
			c.fail(protocol.ErrProtocol)
		} else {
			index = idx
		}
		if cb != nil {
			cb(index)
		}
	})
	return o.Ref()
}

// UnloadModule asks the daemon to unload a previously loaded module.
func (c *Context) UnloadModule(index uint32, cb func(success bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(index) }
	return c.simpleAck(protocol.CommandUnloadModule, extra, cb)
}

// PlaySample asks the daemon to render a cached sample on a sink.
func (c *Context) PlaySample(name, sinkName string, volume uint32, cb func(success bool)) *Operation {
	extra := func(w *tagstruct.Writer) {
		w.PutString(name)
		w.PutNullableString(sinkName)
		w.PutU32(volume)
	}
	return c.simpleAck(protocol.CommandPlayUploadedSample, extra, cb)
}

// RemoveSample asks the daemon to drop a cached sample.
func (c *Context) RemoveSample(name string, cb func(success bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutString(name) }
	return c.simpleAck(protocol.CommandRemoveSample, extra, cb)
}

// AutoloadInfo describes one rule for loading a module on first access
// to a not-yet-existing sink or source.
type AutoloadInfo struct {
	Index    uint32
	Name     string
	Type     uint32
	Module   string
	Argument string
}

func decodeAutoloadInfo(ts *tagstruct.Reader) (AutoloadInfo, error) {
	var i AutoloadInfo
	var err error
	if i.Index, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.Name, err = ts.GetString(); err != nil {
		return i, err
	}
	if i.Type, err = ts.GetU32(); err != nil {
		return i, err
	}
	if i.Module, err = ts.GetString(); err != nil {
		return i, err
	}
	i.Argument, err = ts.GetString()
	return i, err
}

// GetAutoloadInfoByName looks up an autoload rule by trigger name and type.
func (c *Context) GetAutoloadInfoByName(name string, kind uint32, cb func(*AutoloadInfo, bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutString(name); w.PutU32(kind) }
	return queryList(c, protocol.CommandGetAutoloadInfo, extra, decodeAutoloadInfo, cb)
}

// GetAutoloadInfoByIndex looks up an autoload rule by index.
func (c *Context) GetAutoloadInfoByIndex(index uint32, cb func(*AutoloadInfo, bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(index) }
	return queryList(c, protocol.CommandGetAutoloadInfo, extra, decodeAutoloadInfo, cb)
}

// GetAutoloadInfoList enumerates every autoload rule.
func (c *Context) GetAutoloadInfoList(cb func(*AutoloadInfo, bool)) *Operation {
	return queryList(c, protocol.CommandGetAutoloadInfoList, nil, decodeAutoloadInfo, cb)
}

// AddAutoload registers a rule that loads module(argument) the first
// time name (of the given type) is looked up and doesn't yet exist.
func (c *Context) AddAutoload(name string, kind uint32, module, argument string, cb func(success bool)) *Operation {
	extra := func(w *tagstruct.Writer) {
		w.PutString(name)
		w.PutU32(kind)
		w.PutString(module)
		w.PutString(argument)
	}
	return c.simpleAck(protocol.CommandAddAutoload, extra, cb)
}

// RemoveAutoloadByName removes an autoload rule by trigger name and type.
func (c *Context) RemoveAutoloadByName(name string, kind uint32, cb func(success bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutString(name); w.PutU32(kind) }
	return c.simpleAck(protocol.CommandRemoveAutoload, extra, cb)
}

// RemoveAutoloadByIndex removes an autoload rule by index.
func (c *Context) RemoveAutoloadByIndex(index uint32, cb func(success bool)) *Operation {
	extra := func(w *tagstruct.Writer) { w.PutU32(index) }
	return c.simpleAck(protocol.CommandRemoveAutoload, extra, cb)
}
