// Package vedrv is the hardware descriptor driver shim: it opens a node's
// VE character device, maps its control-register window, and exposes the
// narrow interfaces.Driver contract the DMA engine needs. Concrete ioctl
// numbers and register offsets below are this shim's own encoding of the
// node's control window, not a kernel UAPI header.
package vedrv

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/veos-project/veos-core/internal/constants"
	"github.com/veos-project/veos-core/internal/logging"
	"github.com/veos-project/veos-core/internal/ring"
)

// VEDevicePathFormat is the character device path for a node, e.g.
// /dev/veslot0.
const VEDevicePathFormat = "/dev/veslot%d"

// Control-register window layout. The window is a single mmap'd page per
// node: a control word, the hardware read-pointer, a per-slot status byte
// table, and the descriptor storage itself.
const (
	regControl    = 0x00 // control word: bit0 = halt, bit1 = start
	regReadPtr    = 0x08 // hardware ring read cursor (uint32)
	regStatusBase = 0x10 // NDesc status bytes, one per slot

	controlWindowSize = 4096
)

const (
	ctrlBitHalt  uint32 = 1 << 0
	ctrlBitStart uint32 = 1 << 1
)

func descBase() int {
	// Descriptor storage starts after the status table, 8-byte aligned.
	base := regStatusBase + constants.NDesc
	if rem := base % 8; rem != 0 {
		base += 8 - rem
	}
	return base
}

// HWDriver implements interfaces.Driver against a real /dev/veslotN
// character device.
type HWDriver struct {
	mu     sync.Mutex
	fd     int
	node   int
	regs   []byte
	logger *logging.Logger
}

// NewHWDriver constructs an unmapped driver shim.
func NewHWDriver(logger *logging.Logger) *HWDriver {
	if logger == nil {
		logger = logging.Default()
	}
	return &HWDriver{fd: -1, logger: logger}
}

func (d *HWDriver) MapRegisters(node int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := fmt.Sprintf(VEDevicePathFormat, node)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return fmt.Errorf("vedrv: open %s: %w", path, err)
	}

	regs, err := unix.Mmap(fd, 0, controlWindowSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("vedrv: mmap %s: %w", path, err)
	}

	d.fd = fd
	d.node = node
	d.regs = regs
	d.logger.Debug("mapped control-register window", "node", node, "path", path)
	return nil
}

func (d *HWDriver) Unmap() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.regs != nil {
		err = unix.Munmap(d.regs)
		d.regs = nil
	}
	if d.fd >= 0 {
		if cerr := unix.Close(d.fd); err == nil {
			err = cerr
		}
		d.fd = -1
	}
	return err
}

func (d *HWDriver) controlWord() *uint32 {
	return (*uint32)(unsafe.Pointer(&d.regs[regControl]))
}

func (d *HWDriver) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.regs == nil {
		return fmt.Errorf("vedrv: node %d not mapped", d.node)
	}
	word := atomic.LoadUint32(d.controlWord())
	atomic.StoreUint32(d.controlWord(), (word|ctrlBitHalt)&^ctrlBitStart)
	ring.Mfence()
	return nil
}

func (d *HWDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.regs == nil {
		return fmt.Errorf("vedrv: node %d not mapped", d.node)
	}
	word := atomic.LoadUint32(d.controlWord())
	atomic.StoreUint32(d.controlWord(), (word|ctrlBitStart)&^ctrlBitHalt)
	ring.Mfence()
	return nil
}

func (d *HWDriver) IsHalted() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.regs == nil {
		return false, fmt.Errorf("vedrv: node %d not mapped", d.node)
	}
	word := atomic.LoadUint32(d.controlWord())
	return word&ctrlBitHalt != 0, nil
}

func (d *HWDriver) slotStatusByte(slot int) *byte {
	return &d.regs[regStatusBase+slot]
}

func (d *HWDriver) slotDescriptorBytes(slot int) []byte {
	off := descBase() + slot*32
	return d.regs[off : off+32]
}

func (d *HWDriver) ClearDescriptor(slot int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.regs == nil {
		return fmt.Errorf("vedrv: node %d not mapped", d.node)
	}
	if slot < 0 || slot >= constants.NDesc {
		return fmt.Errorf("vedrv: slot %d out of range", slot)
	}
	desc := d.slotDescriptorBytes(slot)
	for i := range desc {
		desc[i] = 0
	}
	*d.slotStatusByte(slot) = 0
	return nil
}

func (d *HWDriver) WriteDescriptor(slot int, enc []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.regs == nil {
		return fmt.Errorf("vedrv: node %d not mapped", d.node)
	}
	if slot < 0 || slot >= constants.NDesc {
		return fmt.Errorf("vedrv: slot %d out of range", slot)
	}
	if len(enc) != 32 {
		return fmt.Errorf("vedrv: descriptor encoding must be 32 bytes, got %d", len(enc))
	}
	copy(d.slotDescriptorBytes(slot), enc)
	ring.Sfence()
	return nil
}

func (d *HWDriver) ReadPtr() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.regs == nil {
		return 0, fmt.Errorf("vedrv: node %d not mapped", d.node)
	}
	ptr := (*uint32)(unsafe.Pointer(&d.regs[regReadPtr]))
	return atomic.LoadUint32(ptr), nil
}

func (d *HWDriver) ReadStatus(slot int) (ok bool, failed bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.regs == nil {
		return false, false, fmt.Errorf("vedrv: node %d not mapped", d.node)
	}
	if slot < 0 || slot >= constants.NDesc {
		return false, false, fmt.Errorf("vedrv: slot %d out of range", slot)
	}
	status := *d.slotStatusByte(slot)
	switch {
	case status == descStatusCompleteOK:
		return true, false, nil
	case status == descStatusCompleteErr:
		return false, true, nil
	default:
		return false, false, nil
	}
}

// Descriptor status byte values, mirrored from uapi to avoid importing the
// wire package solely for constant comparison.
const (
	descStatusCompleteOK  byte = 2
	descStatusCompleteErr byte = 3
)

func (d *HWDriver) CommitOrderBarrier() {
	ring.Mfence()
}

func (d *HWDriver) WaitInterrupt(timeoutNs int64) (bool, error) {
	d.mu.Lock()
	fd := d.fd
	d.mu.Unlock()
	if fd < 0 {
		return false, fmt.Errorf("vedrv: node not mapped")
	}

	timeoutMs := int(timeoutNs / 1_000_000)
	if timeoutMs <= 0 && timeoutNs > 0 {
		timeoutMs = 1
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		return false, fmt.Errorf("vedrv: poll: %w", err)
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}
