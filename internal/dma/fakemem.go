// Package dma implements the DMA engine: the fixed-size hardware descriptor
// ring, the per-slot completion state machine, reqlist splitting, and the
// bounce-buffer pool the memory-transfer facade draws from.
package dma

import (
	"fmt"
	"sync"
)

// FakeMemorySpace is a sharded, in-memory byte-addressable store standing
// in for one side of a DMA transfer (a VE node's absolute address space or
// a host process's address space) in tests. Sharded locking gives tests
// the same cross-shard concurrency the real hardware would exhibit
// without serializing every transfer behind one mutex.
const ShardSize = 64 * 1024

type FakeMemorySpace struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewFakeMemorySpace allocates a zeroed memory space of the given size.
func NewFakeMemorySpace(size int64) *FakeMemorySpace {
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards < 1 {
		numShards = 1
	}
	return &FakeMemorySpace{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *FakeMemorySpace) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

// ReadAt copies len(p) bytes starting at off into p.
func (m *FakeMemorySpace) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, fmt.Errorf("fake memory: read [%d,%d) out of bounds (size=%d)", off, off+int64(len(p)), m.size)
	}
	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

// WriteAt copies p into the memory space starting at off.
func (m *FakeMemorySpace) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, fmt.Errorf("fake memory: write [%d,%d) out of bounds (size=%d)", off, off+int64(len(p)), m.size)
	}
	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

// Size returns the memory space's total byte length.
func (m *FakeMemorySpace) Size() int64 {
	return m.size
}
