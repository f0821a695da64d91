// Package tagstruct implements the self-describing typed serialization
// format used inside every control packet: a tag byte followed by a
// type-specific payload, written and read linearly.
//
// Grounded on the original polypaudio tagstruct.c tag byte assignments.
package tagstruct

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/polypd/polypd/internal/protocol"
)

// Tag bytes, exactly as assigned by the original polypaudio wire format.
const (
	tagString      = 't'
	tagNullString  = 'N'
	tagU32         = 'L'
	tagU8          = 'B'
	tagU64         = 'R'
	tagSampleSpec  = 'a'
	tagArbitrary   = 'x'
	tagBooleanTrue = '1'
	tagBooleanFalse = '0'
	tagTimeval     = 'T'
	tagUsec        = 'U'
	tagChannelMap  = 'm'
	tagCVolume     = 'v'
)

// ErrShort indicates the buffer ended before the expected payload did.
var ErrShort = errors.New("tagstruct: short buffer")

// ErrType indicates the next tag byte did not match the requested type.
var ErrType = errors.New("tagstruct: type mismatch")

// ErrInvalid indicates a structurally valid but semantically invalid
// payload (non-UTF-8 string, out-of-range sample format, oversized count).
var ErrInvalid = errors.New("tagstruct: invalid content")

// Writer appends tagged fields to a growable buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated buffer. The Writer remains usable.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// PutString writes a NUL-terminated UTF-8 string tagged 't'; see
// PutNullableString for the N/t choice.
func (w *Writer) PutString(s string) {
	w.buf = append(w.buf, tagString)
	w.buf = append(w.buf, []byte(s)...)
	w.buf = append(w.buf, 0)
}

// PutNullString writes the null-string tag (no payload).
func (w *Writer) PutNullString() {
	w.buf = append(w.buf, tagNullString)
}

// PutNullableString writes a null-string tag for "", else a string tag.
func (w *Writer) PutNullableString(s string) {
	if s == "" {
		w.PutNullString()
		return
	}
	w.PutString(s)
}

// PutU8 writes a single unsigned byte.
func (w *Writer) PutU8(v uint8) {
	w.buf = append(w.buf, tagU8, v)
}

// PutU32 writes a big-endian u32.
func (w *Writer) PutU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, tagU32)
	w.buf = append(w.buf, b[:]...)
}

// PutU64 writes a big-endian u64.
func (w *Writer) PutU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, tagU64)
	w.buf = append(w.buf, b[:]...)
}

// PutBoolean writes the single-byte boolean tag (no further payload).
func (w *Writer) PutBoolean(v bool) {
	if v {
		w.buf = append(w.buf, tagBooleanTrue)
	} else {
		w.buf = append(w.buf, tagBooleanFalse)
	}
}

// PutArbitrary writes a length-prefixed opaque byte string.
func (w *Writer) PutArbitrary(p []byte) {
	w.buf = append(w.buf, tagArbitrary)
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(p)))
	w.buf = append(w.buf, lb[:]...)
	w.buf = append(w.buf, p...)
}

// PutSampleSpec writes format:u8, channels:u8, rate:u32.
func (w *Writer) PutSampleSpec(ss protocol.SampleSpec) {
	w.buf = append(w.buf, tagSampleSpec, byte(ss.Format), ss.Channels)
	var rb [4]byte
	binary.BigEndian.PutUint32(rb[:], ss.Rate)
	w.buf = append(w.buf, rb[:]...)
}

// PutTimeval writes sec:u32, usec:u32.
func (w *Writer) PutTimeval(t time.Time) {
	w.buf = append(w.buf, tagTimeval)
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(t.Unix()))
	binary.BigEndian.PutUint32(b[4:8], uint32(t.Nanosecond()/1000))
	w.buf = append(w.buf, b[:]...)
}

// PutUsec writes a microsecond duration as a big-endian u64.
func (w *Writer) PutUsec(usec uint64) {
	w.buf = append(w.buf, tagUsec)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], usec)
	w.buf = append(w.buf, b[:]...)
}

// PutChannelMap writes count:u8 then that many position bytes.
func (w *Writer) PutChannelMap(cm protocol.ChannelMap) {
	w.buf = append(w.buf, tagChannelMap, byte(len(cm)))
	for _, p := range cm {
		w.buf = append(w.buf, byte(p))
	}
}

// PutCVolume writes count:u8 then that many u32 volumes.
func (w *Writer) PutCVolume(cv protocol.ChannelVolume) {
	w.buf = append(w.buf, tagCVolume, byte(len(cv)))
	for _, v := range cv {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		w.buf = append(w.buf, b[:]...)
	}
}

// Reader parses a tag-struct buffer with a linear cursor. A failed Get
// leaves the cursor unchanged.
type Reader struct {
	data []byte
	pos  int
}

// NewReader wraps data for reading. data is not copied or retained beyond
// the lifetime of the calls made on the Reader; callers that need to keep
// byte slices returned by GetArbitrary must copy them.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Pos returns the current cursor offset.
func (r *Reader) Pos() int { return r.pos }

// Len returns the total buffer length.
func (r *Reader) Len() int { return len(r.data) }

// EOF succeeds iff the cursor is exactly at the buffer end.
func (r *Reader) EOF() error {
	if r.pos != len(r.data) {
		return fmt.Errorf("tagstruct: %d trailing bytes: %w", len(r.data)-r.pos, ErrInvalid)
	}
	return nil
}

func (r *Reader) peekTag() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, ErrShort
	}
	return r.data[r.pos], nil
}

// GetString reads a NUL-terminated UTF-8 string. A null-string tag is
// consumed and yields "" with a nil error.
func (r *Reader) GetString() (string, error) {
	tag, err := r.peekTag()
	if err != nil {
		return "", err
	}
	if tag == tagNullString {
		r.pos++
		return "", nil
	}
	if tag != tagString {
		return "", ErrType
	}
	start := r.pos + 1
	nul := -1
	for i := start; i < len(r.data); i++ {
		if r.data[i] == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return "", ErrShort
	}
	s := r.data[start:nul]
	if !utf8.Valid(s) {
		return "", ErrInvalid
	}
	r.pos = nul + 1
	return string(s), nil
}

// IsNullStringNext reports whether the next tag is the null-string tag,
// without consuming it.
func (r *Reader) IsNullStringNext() bool {
	tag, err := r.peekTag()
	return err == nil && tag == tagNullString
}

func (r *Reader) GetU8() (uint8, error) {
	tag, err := r.peekTag()
	if err != nil {
		return 0, err
	}
	if tag != tagU8 {
		return 0, ErrType
	}
	if r.pos+2 > len(r.data) {
		return 0, ErrShort
	}
	v := r.data[r.pos+1]
	r.pos += 2
	return v, nil
}

func (r *Reader) GetU32() (uint32, error) {
	tag, err := r.peekTag()
	if err != nil {
		return 0, err
	}
	if tag != tagU32 {
		return 0, ErrType
	}
	if r.pos+5 > len(r.data) {
		return 0, ErrShort
	}
	v := binary.BigEndian.Uint32(r.data[r.pos+1 : r.pos+5])
	r.pos += 5
	return v, nil
}

func (r *Reader) GetU64() (uint64, error) {
	tag, err := r.peekTag()
	if err != nil {
		return 0, err
	}
	if tag != tagU64 {
		return 0, ErrType
	}
	if r.pos+9 > len(r.data) {
		return 0, ErrShort
	}
	v := binary.BigEndian.Uint64(r.data[r.pos+1 : r.pos+9])
	r.pos += 9
	return v, nil
}

func (r *Reader) GetBoolean() (bool, error) {
	tag, err := r.peekTag()
	if err != nil {
		return false, err
	}
	switch tag {
	case tagBooleanTrue:
		r.pos++
		return true, nil
	case tagBooleanFalse:
		r.pos++
		return false, nil
	default:
		return false, ErrType
	}
}

// GetArbitrary reads a length-prefixed byte string. The returned slice
// aliases the Reader's backing buffer.
func (r *Reader) GetArbitrary() ([]byte, error) {
	tag, err := r.peekTag()
	if err != nil {
		return nil, err
	}
	if tag != tagArbitrary {
		return nil, ErrType
	}
	if r.pos+5 > len(r.data) {
		return nil, ErrShort
	}
	n := binary.BigEndian.Uint32(r.data[r.pos+1 : r.pos+5])
	start := r.pos + 5
	end := start + int(n)
	if end < start || end > len(r.data) {
		return nil, ErrShort
	}
	v := r.data[start:end]
	r.pos = end
	return v, nil
}

func (r *Reader) GetSampleSpec() (protocol.SampleSpec, error) {
	var ss protocol.SampleSpec
	tag, err := r.peekTag()
	if err != nil {
		return ss, err
	}
	if tag != tagSampleSpec {
		return ss, ErrType
	}
	if r.pos+7 > len(r.data) {
		return ss, ErrShort
	}
	format := protocol.SampleFormat(r.data[r.pos+1])
	channels := r.data[r.pos+2]
	rate := binary.BigEndian.Uint32(r.data[r.pos+3 : r.pos+7])
	if !format.Valid() || channels == 0 || channels > protocol.MaxChannels || rate == 0 {
		return ss, ErrInvalid
	}
	ss = protocol.SampleSpec{Format: format, Channels: channels, Rate: rate}
	r.pos += 7
	return ss, nil
}

func (r *Reader) GetTimeval() (time.Time, error) {
	tag, err := r.peekTag()
	if err != nil {
		return time.Time{}, err
	}
	if tag != tagTimeval {
		return time.Time{}, ErrType
	}
	if r.pos+9 > len(r.data) {
		return time.Time{}, ErrShort
	}
	sec := binary.BigEndian.Uint32(r.data[r.pos+1 : r.pos+5])
	usec := binary.BigEndian.Uint32(r.data[r.pos+5 : r.pos+9])
	r.pos += 9
	return time.Unix(int64(sec), int64(usec)*1000), nil
}

func (r *Reader) GetUsec() (uint64, error) {
	tag, err := r.peekTag()
	if err != nil {
		return 0, err
	}
	if tag != tagUsec {
		return 0, ErrType
	}
	if r.pos+9 > len(r.data) {
		return 0, ErrShort
	}
	v := binary.BigEndian.Uint64(r.data[r.pos+1 : r.pos+9])
	r.pos += 9
	return v, nil
}

func (r *Reader) GetChannelMap() (protocol.ChannelMap, error) {
	tag, err := r.peekTag()
	if err != nil {
		return nil, err
	}
	if tag != tagChannelMap {
		return nil, ErrType
	}
	if r.pos+2 > len(r.data) {
		return nil, ErrShort
	}
	n := int(r.data[r.pos+1])
	if n > protocol.MaxChannels {
		return nil, ErrInvalid
	}
	start := r.pos + 2
	end := start + n
	if end > len(r.data) {
		return nil, ErrShort
	}
	cm := make(protocol.ChannelMap, n)
	for i := 0; i < n; i++ {
		cm[i] = protocol.ChannelPosition(r.data[start+i])
	}
	r.pos = end
	return cm, nil
}

func (r *Reader) GetCVolume() (protocol.ChannelVolume, error) {
	tag, err := r.peekTag()
	if err != nil {
		return nil, err
	}
	if tag != tagCVolume {
		return nil, ErrType
	}
	if r.pos+2 > len(r.data) {
		return nil, ErrShort
	}
	n := int(r.data[r.pos+1])
	if n > protocol.MaxChannels {
		return nil, ErrInvalid
	}
	start := r.pos + 2
	end := start + n*4
	if end > len(r.data) {
		return nil, ErrShort
	}
	cv := make(protocol.ChannelVolume, n)
	for i := 0; i < n; i++ {
		cv[i] = binary.BigEndian.Uint32(r.data[start+i*4 : start+i*4+4])
	}
	r.pos = end
	return cv, nil
}
