package dma

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veos-project/veos-core/internal/constants"
	"github.com/veos-project/veos-core/internal/interfaces"
	"github.com/veos-project/veos-core/internal/uapi"
)

// SlotState is the per-descriptor-slot state machine. Every slot starts
// and ends at SlotEmpty; it can only move forward along
// Empty -> Posted -> {CompleteOK, CompleteErr, Canceled} -> Empty.
type SlotState int

const (
	SlotEmpty SlotState = iota
	SlotPosted
	SlotCompleteOK
	SlotCompleteErr
	SlotCanceled
)

type slot struct {
	state   SlotState
	request *Request
}

// Engine drives one node's fixed-size hardware descriptor ring. It is the
// only writer of descriptor slots; the interrupt helper is the only
// reader of completion status. Both sides agree on ring position through
// descUsedBegin/descNumUsed, mirroring the hardware's own FIFO ordering
// guarantee: slots complete in the order they were posted.
type Engine struct {
	mu     sync.Mutex
	driver interfaces.Driver
	cursor *cursor
	logger interfaces.Logger
	obs    interfaces.Observer

	slots []slot

	// descUsedBegin is the ring index of the oldest still-outstanding
	// slot; descNumUsed counts how many slots from there are occupied.
	descUsedBegin int
	descNumUsed   int

	stopCh chan struct{}
	doneCh chan struct{}
}

// cursor is a tiny local alias to avoid importing internal/ring's
// exported Cursor type just for index wraparound; Engine uses the same
// power-of-two masking technique ring.Cursor provides.
type cursor struct {
	size uint32
	mask uint32
}

func newCursor(size uint32) *cursor {
	return &cursor{size: size, mask: size - 1}
}

func (c *cursor) index(pos uint32) uint32 {
	return pos & c.mask
}

// NewEngine constructs an Engine over an already-mapped driver. NumDesc
// must be a power of two and match the ring size the driver was mapped
// with.
func NewEngine(driver interfaces.Driver, numDesc int, logger interfaces.Logger, obs interfaces.Observer) (*Engine, error) {
	if numDesc <= 0 || numDesc&(numDesc-1) != 0 {
		return nil, fmt.Errorf("dma: numDesc must be a positive power of two, got %d", numDesc)
	}
	e := &Engine{
		driver: driver,
		cursor: newCursor(uint32(numDesc)),
		logger: logger,
		obs:    obs,
		slots:  make([]slot, numDesc),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := driver.Start(); err != nil {
		return nil, fmt.Errorf("dma: starting engine: %w", err)
	}
	go e.interruptHelper()
	return e, nil
}

// Post publishes a reqlist's entries onto the ring and returns a handle
// for waiting on their joint completion. Entries are written to
// consecutive free slots starting at the ring's current free position;
// if fewer free slots are available than entries require, Post blocks
// until enough drain (a full ring is backpressure, not an error).
func (e *Engine) Post(ctx context.Context, entries []ReqListEntry) (*Request, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("dma: cannot post an empty reqlist")
	}

	hwEntries := make([]ReqListEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Err == nil {
			hwEntries = append(hwEntries, entry)
		}
	}
	if len(hwEntries) > len(e.slots) {
		return nil, fmt.Errorf("dma: reqlist of %d entries exceeds ring size %d", len(hwEntries), len(e.slots))
	}

	slotIdxs := make([]int, 0, len(hwEntries))

	e.mu.Lock()
	for len(slotIdxs) < len(hwEntries) {
		for e.descNumUsed >= len(e.slots) {
			e.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(constants.InterruptPollInterval):
			}
			e.mu.Lock()
		}
		pos := e.cursor.index(uint32(e.descUsedBegin + e.descNumUsed))
		e.descNumUsed++
		slotIdxs = append(slotIdxs, int(pos))
	}

	req := newRequest(len(entries), slotIdxs)

	// Translation-failed entries never touch the ring: they complete the
	// request immediately with the fault they carry, the same way a VE
	// page-table miss surfaces as ERROR without ever being posted.
	for _, entry := range entries {
		if entry.Err != nil {
			req.markSlotDone(entry.Err)
			if e.obs != nil {
				e.obs.ObserveDMAComplete(1, 0, 0, false)
			}
		}
	}

	var totalBytes uint64
	for i, entry := range hwEntries {
		idx := slotIdxs[i]
		desc := encodeDescriptor(entry)
		e.slots[idx] = slot{state: SlotPosted, request: req}
		if err := e.driver.WriteDescriptor(idx, desc); err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("dma: writing descriptor at slot %d: %w", idx, err)
		}
		totalBytes += uint64(entry.Length)
	}
	if len(hwEntries) > 0 {
		e.driver.CommitOrderBarrier()
	}
	e.mu.Unlock()

	if e.obs != nil && len(hwEntries) > 0 {
		e.obs.ObserveDMAPost(len(hwEntries), totalBytes)
	}
	return req, nil
}

// Wait blocks until req completes, fails, or ctx is canceled.
func (e *Engine) Wait(ctx context.Context, req *Request) error {
	return req.Wait(ctx)
}

// TimedWait blocks until req completes or timeout elapses.
func (e *Engine) TimedWait(req *Request, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return req.Wait(ctx)
}

// Test reports req's terminal state without blocking.
func (e *Engine) Test(req *Request) (bool, error) {
	return req.Test()
}

// Cancel marks every outstanding slot backing req as canceled. Slots
// already completed by the time Cancel runs are left alone; Cancel only
// affects work the hardware has not yet reported on.
func (e *Engine) Cancel(req *Request) error {
	e.mu.Lock()
	for _, idx := range req.slots {
		if e.slots[idx].state == SlotPosted {
			e.slots[idx].state = SlotCanceled
		}
	}
	e.mu.Unlock()
	req.markCanceled()
	if e.obs != nil {
		e.obs.ObserveDMACancel(len(req.slots))
	}
	return nil
}

// TerminateAll halts the engine and cancels every outstanding request,
// used during task teardown.
func (e *Engine) TerminateAll() error {
	e.mu.Lock()
	pending := make(map[*Request]struct{})
	for i := range e.slots {
		if e.slots[i].state == SlotPosted {
			e.slots[i].state = SlotCanceled
			if e.slots[i].request != nil {
				pending[e.slots[i].request] = struct{}{}
			}
		}
	}
	e.mu.Unlock()

	for req := range pending {
		req.markCanceled()
	}
	return e.driver.Halt()
}

// Close stops the interrupt helper, halts the engine and releases the
// driver's mapped registers. While any descriptor slot is still in use it
// fails instead and leaves the engine running. The engine must not be
// used after Close returns nil.
func (e *Engine) Close() error {
	e.mu.Lock()
	used := e.descNumUsed
	e.mu.Unlock()
	if used != 0 {
		return fmt.Errorf("dma: close: %d descriptor slots still in use", used)
	}
	close(e.stopCh)
	<-e.doneCh
	if err := e.driver.Halt(); err != nil {
		return err
	}
	return e.driver.Unmap()
}

// interruptHelper is the sole reader of completion status. It harvests
// strictly from descUsedBegin forward: a later slot's completion is
// never reported before an earlier, still-outstanding slot's, matching
// the ring's FIFO completion order.
func (e *Engine) interruptHelper() {
	defer close(e.doneCh)
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		woken, err := e.driver.WaitInterrupt(constants.InterruptPollInterval.Nanoseconds())
		if err != nil {
			if e.logger != nil {
				e.logger.Printf("dma: interrupt wait error: %v", err)
			}
			continue
		}
		if !woken {
			continue
		}
		e.harvestCompletions()
	}
}

// harvestCompletions walks forward from descUsedBegin, draining every
// slot the hardware has marked complete, and stops at the first slot
// still posted. It never skips ahead: a gap means the hardware hasn't
// finished that slot yet, and nothing behind it can be reported either.
func (e *Engine) harvestCompletions() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for e.descNumUsed > 0 {
		idx := int(e.cursor.index(uint32(e.descUsedBegin)))
		s := &e.slots[idx]
		if s.state == SlotCanceled {
			e.retireSlotLocked(idx)
			continue
		}
		if s.state != SlotPosted {
			break
		}

		ok, failed, err := e.driver.ReadStatus(idx)
		if err != nil {
			if e.logger != nil {
				e.logger.Printf("dma: reading status at slot %d: %v", idx, err)
			}
			break
		}
		if !ok && !failed {
			break // hardware hasn't completed this slot yet
		}

		if failed {
			s.state = SlotCompleteErr
			if s.request != nil {
				s.request.markSlotDone(fmt.Errorf("dma: slot %d reported a transfer error", idx))
			}
		} else {
			s.state = SlotCompleteOK
			if s.request != nil {
				s.request.markSlotDone(nil)
			}
		}
		if e.obs != nil {
			e.obs.ObserveDMAComplete(1, 0, 0, ok)
		}
		e.retireSlotLocked(idx)
	}
	if e.obs != nil {
		e.obs.ObserveQueueDepth(e.descNumUsed)
	}
}

// retireSlotLocked clears a harvested slot and advances the ring's
// outstanding-window bookkeeping. Caller holds e.mu.
func (e *Engine) retireSlotLocked(idx int) {
	if err := e.driver.ClearDescriptor(idx); err != nil && e.logger != nil {
		e.logger.Printf("dma: clearing descriptor at slot %d: %v", idx, err)
	}
	e.slots[idx] = slot{}
	e.descUsedBegin = int(e.cursor.index(uint32(e.descUsedBegin + 1)))
	e.descNumUsed--
}

// encodeDescriptor converts a reqlist entry into its hardware wire
// encoding. Register and physical-address endpoints carry no PID;
// only the task-relative tags (VEMVA/VHVA) are resolved per caller.
func encodeDescriptor(entry ReqListEntry) []byte {
	desc := uapi.DMADescriptor{
		SrcAddr: entry.Src.Addr,
		DstAddr: entry.Dst.Addr,
		Length:  uint32(entry.Length),
		SrcTag:  entry.Src.Tag,
		DstTag:  entry.Dst.Tag,
		Status:  uapi.DescStatusPosted,
		Flags:   uapi.DescFlagCommitBarrier,
	}
	return uapi.Marshal(&desc)
}
