// Package ring provides the descriptor-ring index arithmetic and the
// memory-barrier primitives the DMA engine and driver shim share. It holds
// no submission-queue/completion-queue machinery of its own: the engine
// owns the slot state machine, and the hardware driver shim owns the MMIO
// register window.
package ring

import "fmt"

// Cursor implements head/tail index arithmetic for a fixed power-of-two
// sized ring. This is the same masking scheme a hardware SQ/CQ ring uses
// to wrap its cursor, generalized here for the flat descriptor ring: no
// kernel-managed queue exists to mirror, so only the index math survives.
type Cursor struct {
	size uint32
	mask uint32
}

// NewCursor builds a Cursor over a ring of the given size, which must be a
// power of two so wraparound can be computed with a mask instead of a
// modulo.
func NewCursor(size uint32) (*Cursor, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("ring size %d must be a power of two", size)
	}
	return &Cursor{size: size, mask: size - 1}, nil
}

// Index wraps pos into the ring's slot range.
func (c *Cursor) Index(pos uint32) uint32 {
	return pos & c.mask
}

// Size returns the ring's slot count.
func (c *Cursor) Size() uint32 {
	return c.size
}

// Distance returns how many slots are currently occupied between tail and
// head, where head trails tail by at most Size() in a healthy ring.
func (c *Cursor) Distance(head, tail uint32) uint32 {
	return tail - head
}
