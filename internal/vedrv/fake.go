package vedrv

import (
	"fmt"
	"sync"
	"time"

	"github.com/veos-project/veos-core/internal/constants"
)

// FakeDriver is an in-memory interfaces.Driver used by the engine, vedrv
// and test/unit tests and by veosd's --fake mode, so they never touch a
// real VE character device.
// CompleteSlot lets a test simulate the hardware finishing a descriptor.
type FakeDriver struct {
	mu          sync.Mutex
	mapped      bool
	halted      bool
	descriptors [constants.NDesc][]byte
	status      [constants.NDesc]uint8
	readPtr     uint32
	interrupts  chan struct{}
	BarrierCalls int
}

// NewFakeDriver returns a ready-to-map FakeDriver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		halted:     true,
		interrupts: make(chan struct{}, constants.NDesc),
	}
}

func (d *FakeDriver) MapRegisters(node int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mapped = true
	return nil
}

func (d *FakeDriver) Unmap() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mapped = false
	return nil
}

func (d *FakeDriver) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halted = true
	return nil
}

func (d *FakeDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halted = false
	return nil
}

func (d *FakeDriver) IsHalted() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted, nil
}

func (d *FakeDriver) ClearDescriptor(slot int) error {
	if slot < 0 || slot >= constants.NDesc {
		return fmt.Errorf("fake driver: slot %d out of range", slot)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.descriptors[slot] = nil
	d.status[slot] = 0
	return nil
}

func (d *FakeDriver) WriteDescriptor(slot int, enc []byte) error {
	if slot < 0 || slot >= constants.NDesc {
		return fmt.Errorf("fake driver: slot %d out of range", slot)
	}
	if len(enc) != 32 {
		return fmt.Errorf("fake driver: descriptor encoding must be 32 bytes, got %d", len(enc))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, 32)
	copy(buf, enc)
	d.descriptors[slot] = buf
	d.status[slot] = 1 // posted
	return nil
}

func (d *FakeDriver) ReadPtr() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readPtr, nil
}

func (d *FakeDriver) ReadStatus(slot int) (ok bool, failed bool, err error) {
	if slot < 0 || slot >= constants.NDesc {
		return false, false, fmt.Errorf("fake driver: slot %d out of range", slot)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.status[slot] {
	case 2:
		return true, false, nil
	case 3:
		return false, true, nil
	default:
		return false, false, nil
	}
}

func (d *FakeDriver) CommitOrderBarrier() {
	d.mu.Lock()
	d.BarrierCalls++
	d.mu.Unlock()
}

func (d *FakeDriver) WaitInterrupt(timeoutNs int64) (bool, error) {
	select {
	case <-d.interrupts:
		return true, nil
	case <-time.After(time.Duration(timeoutNs)):
		return false, nil
	}
}

// CompleteSlot simulates the hardware finishing the descriptor in slot:
// marks its status, advances the read pointer, and wakes WaitInterrupt.
func (d *FakeDriver) CompleteSlot(slot int, ok bool) {
	d.mu.Lock()
	if ok {
		d.status[slot] = 2
	} else {
		d.status[slot] = 3
	}
	d.readPtr++
	d.mu.Unlock()

	select {
	case d.interrupts <- struct{}{}:
	default:
	}
}

// DescriptorAt returns a copy of the raw bytes last written to slot, or
// nil if the slot is empty.
func (d *FakeDriver) DescriptorAt(slot int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.descriptors[slot] == nil {
		return nil
	}
	buf := make([]byte, len(d.descriptors[slot]))
	copy(buf, d.descriptors[slot])
	return buf
}
