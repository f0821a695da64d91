package mem

import "fmt"

// Packet is a fixed-size (<=64KiB) control message carrying a serialized
// tag-struct. Reference-counted; storage variant mirrors Memblock.
type Packet struct {
	block *Memblock
}

// MaxPacketSize bounds a single packet to 64 KiB.
const MaxPacketSize = 64 * 1024

// NewPacket copies data into a fresh appended-variant packet. Returns an
// error if data exceeds MaxPacketSize.
func NewPacket(data []byte) (*Packet, error) {
	if len(data) > MaxPacketSize {
		return nil, fmt.Errorf("mem: packet of %d bytes exceeds %d byte cap", len(data), MaxPacketSize)
	}
	b := New(len(data))
	copy(b.Acquire(), data)
	return &Packet{block: b}, nil
}

// Data returns the packet's payload bytes.
func (p *Packet) Data() []byte { return p.block.Acquire() }

// Len returns the payload length.
func (p *Packet) Len() int { return p.block.Len() }

// Ref increments the packet's reference count.
func (p *Packet) Ref() *Packet {
	p.block.Ref()
	return p
}

// Unref decrements the packet's reference count, freeing it at zero.
func (p *Packet) Unref() { p.block.Unref() }
