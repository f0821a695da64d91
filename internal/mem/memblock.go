// Package mem implements reference-counted opaque byte buffers: memblocks
// (bulk audio) and memchunks (views into them), plus packets (control
// messages) and a bounded memblockq FIFO.
//
// Grounded on the reference-counting idiom used elsewhere in this
// codebase (sync/atomic counters guarded by the single event-loop
// thread, e.g. rustyguts-bken server/client.go's sendHealth/dgramCache).
package mem

import "sync/atomic"

// Variant distinguishes how a Memblock owns its bytes.
type Variant int

const (
	// VariantAppended: bytes live inline, the memblock owns them.
	VariantAppended Variant = iota
	// VariantDynamic: bytes were handed in (e.g. from a decoder), the
	// memblock took ownership.
	VariantDynamic
	// VariantUser: bytes are borrowed; Release is called when refcount
	// reaches zero.
	VariantUser
)

// Stats tracks process-wide live memblock counts, queryable by streams.
type Stats struct {
	blocks atomic.Int64
	bytes  atomic.Int64
}

// GlobalStats is the process-wide memblock statistics counter: it
// tracks live blocks and bytes across every allocation.
var GlobalStats Stats

func (s *Stats) add(n int) {
	s.blocks.Add(1)
	s.bytes.Add(int64(n))
}

func (s *Stats) remove(n int) {
	s.blocks.Add(-1)
	s.bytes.Add(int64(-n))
}

// Blocks returns the current live memblock count.
func (s *Stats) Blocks() int64 { return s.blocks.Load() }

// Bytes returns the current live memblock byte total.
func (s *Stats) Bytes() int64 { return s.bytes.Load() }

// Memblock is an immutable, reference-counted byte region. Contents must
// never be mutated once the first reference beyond the creator is shared.
type Memblock struct {
	data    []byte
	variant Variant
	silence bool
	release func([]byte)
	refs    atomic.Int32
}

// New allocates a fresh appended memblock of the given size.
func New(size int) *Memblock {
	m := &Memblock{data: make([]byte, size), variant: VariantAppended}
	m.refs.Store(1)
	GlobalStats.add(size)
	return m
}

// NewUser wraps borrowed memory; release is invoked exactly once, when the
// refcount drops to zero.
func NewUser(data []byte, release func([]byte)) *Memblock {
	m := &Memblock{data: data, variant: VariantUser, release: release}
	m.refs.Store(1)
	GlobalStats.add(len(data))
	return m
}

// NewDynamic transfers ownership of data (e.g. a buffer the caller will no
// longer touch) to a new memblock.
func NewDynamic(data []byte) *Memblock {
	m := &Memblock{data: data, variant: VariantDynamic}
	m.refs.Store(1)
	GlobalStats.add(len(data))
	return m
}

// Ref increments the reference count and returns m for chaining. Not
// thread-safe across goroutines: only the owning event-loop thread may
// call Ref/Unref.
func (m *Memblock) Ref() *Memblock {
	m.refs.Add(1)
	return m
}

// Unref decrements the reference count, freeing the block (and invoking
// the release callback for user blocks) when it reaches zero.
func (m *Memblock) Unref() {
	if m.refs.Add(-1) == 0 {
		GlobalStats.remove(len(m.data))
		if m.variant == VariantUser && m.release != nil {
			m.release(m.data)
		}
		m.data = nil
	}
}

// RefCount returns the current reference count, for tests.
func (m *Memblock) RefCount() int32 { return m.refs.Load() }

// Acquire returns the underlying byte slice for read access. Callers must
// call Release before the memblock can be considered free to mutate or
// discard; between Acquire and Release the memblock must not be freed
// concurrently with access. Since Unref/Ref/Acquire are all
// single-threaded-loop-only here, Acquire is a plain accessor.
func (m *Memblock) Acquire() []byte { return m.data }

// Release bracket-closes an Acquire. Present for API symmetry with the
// acquire/release discipline elsewhere in this codebase; it performs no
// action beyond documenting the end of the access window.
func (m *Memblock) Release() {}

// Len returns the memblock's byte length.
func (m *Memblock) Len() int { return len(m.data) }

// Silence reports whether this block is marked as silence (downstream
// mixing code may skip it).
func (m *Memblock) Silence() bool { return m.silence }

// SetSilence marks or unmarks the block as silence.
func (m *Memblock) SetSilence(v bool) { m.silence = v }

// Variant reports the block's storage variant.
func (m *Memblock) Variant() Variant { return m.variant }

// Memchunk is a (memblock, offset, length) view. Multiple memchunks may
// alias one memblock.
type Memchunk struct {
	Block  *Memblock
	Index  int
	Length int
}

// Bytes returns the chunk's view into its memblock's data.
func (c Memchunk) Bytes() []byte {
	if c.Block == nil {
		return nil
	}
	data := c.Block.Acquire()
	defer c.Block.Release()
	return data[c.Index : c.Index+c.Length]
}

// Ref returns a new Memchunk referencing the same memblock with an
// incremented refcount, for handing the view to another owner.
func (c Memchunk) Ref() Memchunk {
	c.Block.Ref()
	return c
}
