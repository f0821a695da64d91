// Package protocol defines the wire-level constants shared by the polypd
// client library and daemon: command ids, error codes, and the sample-spec
// / channel-map / volume value types carried inside tag-structs.
//
// Naming and numbering follow the native protocol, cross-checked against
// the original polypaudio source tree's native-common.h and polyplib-def.h.
package protocol

// Command is a control-frame command id. The first two fields of every
// control tag-struct are (Command, Tag).
type Command uint32

const (
	CommandError Command = iota
	CommandTimeout

	CommandReply

	CommandCreatePlaybackStream
	CommandDeletePlaybackStream
	CommandCreateRecordStream
	CommandDeleteRecordStream
	CommandExit
	CommandAuth
	CommandSetClientName
	CommandLookupSink
	CommandLookupSource
	CommandDrainPlaybackStream
	CommandStat
	CommandGetPlaybackLatency
	CommandCreateUploadStream
	CommandDeleteUploadStream
	CommandFinishUploadStream
	CommandPlayUploadedSample

	CommandRemoveSample
	CommandGetServerInfo
	CommandGetSinkInfo
	CommandGetSinkInfoList
	CommandGetSourceInfo
	CommandGetSourceInfoList
	CommandGetModuleInfo
	CommandGetModuleInfoList
	CommandGetClientInfo
	CommandGetClientInfoList
	CommandGetSinkInputInfo
	CommandGetSinkInputInfoList
	CommandGetSourceOutputInfo
	CommandGetSourceOutputInfoList
	CommandGetSampleInfo
	CommandGetSampleInfoList
	CommandSubscribe
	CommandSubscribeEvent

	CommandSetSinkVolume
	CommandSetSinkInputVolume
	CommandSetSourceVolume

	CommandSetSinkMute
	CommandSetSourceMute

	CommandCorkPlaybackStream
	CommandFlushPlaybackStream
	CommandTriggerPlaybackStream

	CommandSetDefaultSink
	CommandSetDefaultSource

	CommandSetPlaybackStreamName
	CommandSetRecordStreamName

	CommandKillClient
	CommandKillSinkInput
	CommandKillSourceOutput

	CommandLoadModule
	CommandUnloadModule

	CommandGetAutoloadInfo
	CommandGetAutoloadInfoList
	CommandAddAutoload
	CommandRemoveAutoload

	CommandGetRecordLatency
	CommandCorkRecordStream
	CommandFlushRecordStream
	CommandPrebufPlaybackStream

	CommandRequest
	CommandOverflow
	CommandUnderflow
	CommandPlaybackStreamKilled
	CommandRecordStreamKilled
	CommandSubscribeEventNotify

	commandMax
)

var commandNames = map[Command]string{
	CommandError:                    "ERROR",
	CommandTimeout:                  "TIMEOUT",
	CommandReply:                    "REPLY",
	CommandCreatePlaybackStream:     "CREATE_PLAYBACK_STREAM",
	CommandDeletePlaybackStream:     "DELETE_PLAYBACK_STREAM",
	CommandCreateRecordStream:       "CREATE_RECORD_STREAM",
	CommandDeleteRecordStream:       "DELETE_RECORD_STREAM",
	CommandExit:                     "EXIT",
	CommandAuth:                     "AUTH",
	CommandSetClientName:            "SET_CLIENT_NAME",
	CommandLookupSink:               "LOOKUP_SINK",
	CommandLookupSource:             "LOOKUP_SOURCE",
	CommandDrainPlaybackStream:      "DRAIN_PLAYBACK_STREAM",
	CommandStat:                     "STAT",
	CommandGetPlaybackLatency:       "GET_PLAYBACK_LATENCY",
	CommandCreateUploadStream:       "CREATE_UPLOAD_STREAM",
	CommandDeleteUploadStream:       "DELETE_UPLOAD_STREAM",
	CommandFinishUploadStream:       "FINISH_UPLOAD_STREAM",
	CommandPlayUploadedSample:       "PLAY_SAMPLE",
	CommandRemoveSample:             "REMOVE_SAMPLE",
	CommandGetServerInfo:            "GET_SERVER_INFO",
	CommandGetSinkInfo:              "GET_SINK_INFO",
	CommandGetSinkInfoList:          "GET_SINK_INFO_LIST",
	CommandGetSourceInfo:            "GET_SOURCE_INFO",
	CommandGetSourceInfoList:        "GET_SOURCE_INFO_LIST",
	CommandGetModuleInfo:            "GET_MODULE_INFO",
	CommandGetModuleInfoList:        "GET_MODULE_INFO_LIST",
	CommandGetClientInfo:            "GET_CLIENT_INFO",
	CommandGetClientInfoList:        "GET_CLIENT_INFO_LIST",
	CommandGetSinkInputInfo:         "GET_SINK_INPUT_INFO",
	CommandGetSinkInputInfoList:     "GET_SINK_INPUT_INFO_LIST",
	CommandGetSourceOutputInfo:      "GET_SOURCE_OUTPUT_INFO",
	CommandGetSourceOutputInfoList:  "GET_SOURCE_OUTPUT_INFO_LIST",
	CommandGetSampleInfo:            "GET_SAMPLE_INFO",
	CommandGetSampleInfoList:        "GET_SAMPLE_INFO_LIST",
	CommandSubscribe:                "SUBSCRIBE",
	CommandSubscribeEvent:           "SUBSCRIBE_EVENT",
	CommandSetSinkVolume:            "SET_SINK_VOLUME",
	CommandSetSinkInputVolume:       "SET_SINK_INPUT_VOLUME",
	CommandSetSourceVolume:          "SET_SOURCE_VOLUME",
	CommandSetSinkMute:              "SET_SINK_MUTE",
	CommandSetSourceMute:            "SET_SOURCE_MUTE",
	CommandCorkPlaybackStream:       "CORK_PLAYBACK_STREAM",
	CommandFlushPlaybackStream:      "FLUSH_PLAYBACK_STREAM",
	CommandTriggerPlaybackStream:    "TRIGGER_PLAYBACK_STREAM",
	CommandSetDefaultSink:           "SET_DEFAULT_SINK",
	CommandSetDefaultSource:         "SET_DEFAULT_SOURCE",
	CommandSetPlaybackStreamName:    "SET_PLAYBACK_STREAM_NAME",
	CommandSetRecordStreamName:      "SET_RECORD_STREAM_NAME",
	CommandKillClient:               "KILL_CLIENT",
	CommandKillSinkInput:            "KILL_SINK_INPUT",
	CommandKillSourceOutput:         "KILL_SOURCE_OUTPUT",
	CommandLoadModule:               "LOAD_MODULE",
	CommandUnloadModule:             "UNLOAD_MODULE",
	CommandGetAutoloadInfo:          "GET_AUTOLOAD_INFO",
	CommandGetAutoloadInfoList:      "GET_AUTOLOAD_INFO_LIST",
	CommandAddAutoload:              "ADD_AUTOLOAD",
	CommandRemoveAutoload:           "REMOVE_AUTOLOAD",
	CommandGetRecordLatency:         "GET_RECORD_LATENCY",
	CommandCorkRecordStream:         "CORK_RECORD_STREAM",
	CommandFlushRecordStream:        "FLUSH_RECORD_STREAM",
	CommandPrebufPlaybackStream:     "PREBUF_PLAYBACK_STREAM",
	CommandRequest:                  "REQUEST",
	CommandOverflow:                 "OVERFLOW",
	CommandUnderflow:                "UNDERFLOW",
	CommandPlaybackStreamKilled:     "PLAYBACK_STREAM_KILLED",
	CommandRecordStreamKilled:       "RECORD_STREAM_KILLED",
	CommandSubscribeEventNotify:     "SUBSCRIBE_EVENT_NOTIFY",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return "UNKNOWN_COMMAND"
}

// Valid reports whether c is a recognized command id.
func (c Command) Valid() bool { return c < commandMax }

// ErrorCode is one of the native protocol's error codes.
type ErrorCode uint32

const (
	ErrOK ErrorCode = iota
	ErrAccess
	ErrCommand
	ErrInvalid
	ErrExist
	ErrNoEntity
	ErrConnectionRefused
	ErrProtocol
	ErrTimeout
	ErrAuthKey
	ErrInternal
	ErrConnectionTerminated
	ErrKilled
	ErrInvalidServer
	ErrInitFailed

	errMax
)

var errorStrings = [...]string{
	"OK",
	"Access denied",
	"Unknown command",
	"Invalid argument",
	"Entity exists",
	"No such entity",
	"Connection refused",
	"Protocol error",
	"Timeout",
	"No authorization key",
	"Internal error",
	"Connection terminated",
	"Entity killed",
	"Invalid server",
	"Initialization failed",
}

// String returns the human-readable message for e, mirroring the original
// polypaudio pa_strerror().
func (e ErrorCode) String() string {
	if int(e) < len(errorStrings) {
		return errorStrings[e]
	}
	return "Unknown error"
}

// SampleFormat enumerates the PCM sample encodings carried in a sample-spec.
type SampleFormat uint8

const (
	SampleU8 SampleFormat = iota
	SampleALaw
	SampleULaw
	SampleS16LE
	SampleS16BE
	SampleFloat32LE
	SampleFloat32BE
	SampleS32LE
	SampleS32BE

	sampleFormatMax
)

func (f SampleFormat) Valid() bool { return f < sampleFormatMax }

// SampleSpec is (format, channels, rate) — tag 'a'.
type SampleSpec struct {
	Format   SampleFormat
	Channels uint8
	Rate     uint32
}

// BytesPerSample returns the byte width of one sample frame's single
// channel, or 0 for an unrecognized format.
func (s SampleSpec) BytesPerSample() int {
	switch s.Format {
	case SampleU8, SampleALaw, SampleULaw:
		return 1
	case SampleS16LE, SampleS16BE:
		return 2
	case SampleFloat32LE, SampleFloat32BE, SampleS32LE, SampleS32BE:
		return 4
	default:
		return 0
	}
}

// FrameSize returns the byte width of one multi-channel audio frame.
func (s SampleSpec) FrameSize() int {
	return s.BytesPerSample() * int(s.Channels)
}

// BytesToUsec converts a byte count at this sample spec to microseconds.
func (s SampleSpec) BytesToUsec(bytes uint64) uint64 {
	fs := s.FrameSize()
	if fs == 0 || s.Rate == 0 {
		return 0
	}
	frames := bytes / uint64(fs)
	return frames * 1000000 / uint64(s.Rate)
}

// MaxChannels bounds channel-map / channel-volume tag payloads.
const MaxChannels = 32

// ChannelPosition names a speaker position within a channel map.
type ChannelPosition uint8

const (
	ChannelMono ChannelPosition = iota
	ChannelFrontLeft
	ChannelFrontRight
	ChannelFrontCenter
	ChannelRearLeft
	ChannelRearRight
	ChannelRearCenter
	ChannelLFE
	ChannelSideLeft
	ChannelSideRight
)

// ChannelMap is tag 'm': a count byte then that many position bytes.
type ChannelMap []ChannelPosition

// ChannelVolume is tag 'v': a count byte then that many u32 volumes.
// Volume 0x10000 (65536) is 0dB / "full volume", matching the original
// PA_VOLUME_NORM.
type ChannelVolume []uint32

// VolumeNorm is 0dB / unity gain.
const VolumeNorm uint32 = 0x10000

// BufferAttr carries the four memblockq watermarks negotiated at
// stream-creation time.
type BufferAttr struct {
	MaxLength uint32
	TLength   uint32
	Prebuf    uint32
	MinReq    uint32
	FragSize  uint32 // record streams only
}

// ControlChannel is the sentinel channel id (tag 0xFFFFFFFF) denoting a
// control frame rather than a bulk audio frame.
const ControlChannel uint32 = 0xFFFFFFFF

// FrameHeaderSize is the fixed 20-byte wire frame header: length, channel,
// offset-hi, offset-lo, flags — all u32, big-endian.
const FrameHeaderSize = 20

// MaxFramePayload is the hard cap on a single frame's payload length; any
// inbound header claiming more must fail the connection.
const MaxFramePayload = 1 << 20

// MaxPacketSize bounds a single control packet to 64 KiB.
const MaxPacketSize = 64 * 1024

// CookieLength is the shared-secret auth cookie size in bytes.
const CookieLength = 256

// DefaultReplyTimeoutSeconds is the data-plane reply timeout.
const DefaultReplyTimeoutSeconds = 10

// DefaultConnectTimeoutSeconds is the connect/auth/name-setup timeout.
const DefaultConnectTimeoutSeconds = 60

// DefaultUnixSocketPath is the default UNIX-domain server socket.
const DefaultUnixSocketPath = "/tmp/polypaudio/native"

// DefaultTCPPort is the default TCP port when no UNIX socket is reachable.
const DefaultTCPPort = 4713

// SubscriptionMask is a bitfield of facilities to subscribe to, as sent in
// a CommandSubscribe request.
type SubscriptionMask uint32

const (
	SubscriptionMaskNull         SubscriptionMask = 0
	SubscriptionMaskSink         SubscriptionMask = 1 << 0
	SubscriptionMaskSource       SubscriptionMask = 1 << 1
	SubscriptionMaskSinkInput    SubscriptionMask = 1 << 2
	SubscriptionMaskSourceOutput SubscriptionMask = 1 << 3
	SubscriptionMaskModule       SubscriptionMask = 1 << 4
	SubscriptionMaskClient       SubscriptionMask = 1 << 5
	SubscriptionMaskSampleCache  SubscriptionMask = 1 << 6
	SubscriptionMaskServer       SubscriptionMask = 1 << 7
	SubscriptionMaskAutoload     SubscriptionMask = 1 << 8

	SubscriptionMaskAll SubscriptionMask = SubscriptionMaskSink | SubscriptionMaskSource |
		SubscriptionMaskSinkInput | SubscriptionMaskSourceOutput | SubscriptionMaskModule |
		SubscriptionMaskClient | SubscriptionMaskSampleCache | SubscriptionMaskServer |
		SubscriptionMaskAutoload
)

// SubscriptionEventFacility is the low nibble of a CommandSubscribeEventNotify
// event code: which object kind the event concerns.
type SubscriptionEventFacility uint32

const (
	SubscriptionEventSink SubscriptionEventFacility = iota
	SubscriptionEventSource
	SubscriptionEventSinkInput
	SubscriptionEventSourceOutput
	SubscriptionEventModule
	SubscriptionEventClient
	SubscriptionEventSampleCache
	SubscriptionEventServer
	SubscriptionEventAutoload

	// SubscriptionEventFacilityMask extracts the facility from an event code.
	SubscriptionEventFacilityMask SubscriptionEventFacility = 15
)

// SubscriptionEventType is the masked-in operation bits of a
// CommandSubscribeEventNotify event code: what happened to the object.
type SubscriptionEventType uint32

const (
	SubscriptionEventNew    SubscriptionEventType = 0
	SubscriptionEventChange SubscriptionEventType = 16
	SubscriptionEventRemove SubscriptionEventType = 32

	// SubscriptionEventTypeMask extracts the operation from an event code.
	SubscriptionEventTypeMask SubscriptionEventType = 16 | 32
)

// MakeSubscriptionEvent packs a facility and type into the single u32 code
// carried by CommandSubscribeEventNotify.
func MakeSubscriptionEvent(facility SubscriptionEventFacility, typ SubscriptionEventType) uint32 {
	return uint32(facility&SubscriptionEventFacilityMask) | uint32(typ&SubscriptionEventTypeMask)
}

// SplitSubscriptionEvent unpacks a CommandSubscribeEventNotify event code
// into its facility and type.
func SplitSubscriptionEvent(code uint32) (SubscriptionEventFacility, SubscriptionEventType) {
	facility := SubscriptionEventFacility(code) & SubscriptionEventFacilityMask
	typ := SubscriptionEventType(code) & SubscriptionEventTypeMask
	return facility, typ
}

// Matches reports whether the facility bit for typ/facility's event is set
// in mask, mirroring pa_subscription_match_flags.
func (m SubscriptionMask) Matches(facility SubscriptionEventFacility) bool {
	return m&(1<<uint(facility&SubscriptionEventFacilityMask)) != 0
}
