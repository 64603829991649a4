// Package memxfer implements the memory-transfer facade: word-aligned
// Send/Recv with bounce-buffer read-modify-write for sub-word edges, and
// a bounded RecvString for reading a NUL-terminated string out of VE
// memory.
package memxfer

import (
	"context"
	"fmt"

	"github.com/veos-project/veos-core/internal/constants"
	"github.com/veos-project/veos-core/internal/dma"
	"github.com/veos-project/veos-core/internal/interfaces"
)

// Space is the byte-addressable memory a Facade reads and writes. It is
// satisfied by dma.FakeMemorySpace in tests and, in production, by
// whatever fronts the DMA engine's host-visible side of a transfer.
type Space interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
}

// Facade is the memory-transfer entry point used by the pseudo-process
// protocol dispatcher to read and write a VE task's memory.
type Facade struct {
	mem    Space
	logger interfaces.Logger
}

// NewFacade builds a Facade over the given memory space.
func NewFacade(mem Space, logger interfaces.Logger) *Facade {
	return &Facade{mem: mem, logger: logger}
}

// alignedSpan returns the 8-byte-aligned range [start, end) that fully
// covers [addr, addr+length), along with how far addr sits into that
// range (the head offset the caller must skip past in the bounce buffer).
func alignedSpan(addr uint64, length int) (start uint64, end uint64, headOff int) {
	start = addr &^ (constants.WordSize - 1)
	headOff = int(addr - start)
	rawEnd := addr + uint64(length)
	end = (rawEnd + constants.WordSize - 1) &^ (constants.WordSize - 1)
	return start, end, headOff
}

// Send writes data to VE memory at addr. When addr or len(data) isn't
// 8-byte aligned, Send reads the full aligned span first so the
// unaligned leading/trailing words are merged rather than clobbered.
func (f *Facade) Send(ctx context.Context, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start, end, headOff := alignedSpan(addr, len(data))
	span := int(end - start)

	if headOff == 0 && span == len(data) {
		if _, err := f.mem.WriteAt(data, int64(start)); err != nil {
			return fmt.Errorf("memxfer: send: %w", err)
		}
		return nil
	}

	buf := dma.GetBuffer(uint32(span))
	defer dma.PutBuffer(buf)

	if _, err := f.mem.ReadAt(buf, int64(start)); err != nil {
		return fmt.Errorf("memxfer: send: reading aligned span for merge: %w", err)
	}
	copy(buf[headOff:headOff+len(data)], data)
	if _, err := f.mem.WriteAt(buf, int64(start)); err != nil {
		return fmt.Errorf("memxfer: send: %w", err)
	}
	return nil
}

// Recv reads length bytes from VE memory at addr, returning exactly the
// requested bytes even when the underlying read spans a wider aligned
// region.
func (f *Facade) Recv(ctx context.Context, addr uint64, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start, end, headOff := alignedSpan(addr, length)
	span := int(end - start)

	buf := dma.GetBuffer(uint32(span))
	defer dma.PutBuffer(buf)

	if _, err := f.mem.ReadAt(buf, int64(start)); err != nil {
		return nil, fmt.Errorf("memxfer: recv: %w", err)
	}

	out := make([]byte, length)
	copy(out, buf[headOff:headOff+length])
	return out, nil
}
