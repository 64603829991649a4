// Package interfaces provides internal interface definitions for veos-core.
// These are separate from the public interfaces to avoid circular imports
// between the root package and the internal packages.
package interfaces

// Driver is the narrow contract the DMA engine needs from the hardware
// descriptor driver shim: post/halt/start the engine, clear a descriptor,
// and read back status/read-pointer registers. Concrete implementations
// live in internal/vedrv; tests use a fake.
type Driver interface {
	// MapRegisters maps the control-register window for node.
	MapRegisters(node int) error
	// Unmap releases the mapped control-register window.
	Unmap() error

	// Halt stops the engine from processing the descriptor ring.
	Halt() error
	// Start sets the engine's start bit so it resumes processing.
	Start() error
	// IsHalted reports the engine's current halt state.
	IsHalted() (bool, error)

	// ClearDescriptor zeros the descriptor at the given ring slot.
	ClearDescriptor(slot int) error
	// WriteDescriptor publishes a reqlist entry's hardware encoding into
	// the given ring slot.
	WriteDescriptor(slot int, enc []byte) error

	// ReadPtr returns the hardware's current ring read cursor.
	ReadPtr() (uint32, error)
	// ReadStatus returns the per-slot completion status bits since the
	// last read, used by the interrupt helper to harvest completions.
	ReadStatus(slot int) (ok bool, failed bool, err error)

	// CommitOrderBarrier issues the memory barrier required after an MMIO
	// publish so the device observes writes before the start bit is read.
	CommitOrderBarrier()

	// WaitInterrupt blocks for a completion interrupt or until timeout
	// elapses, whichever comes first. Returns true if woken by interrupt.
	WaitInterrupt(timeoutNs int64) (bool, error)
}

// Logger is the narrow logging interface subsystems depend on so they are
// decoupled from the concrete logging.Logger type.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer collects metrics from the DMA engine and signal subsystem.
// Implementations must be thread-safe: methods are called from the
// interrupt helper, signal delivery pipeline, and request handler threads.
type Observer interface {
	ObserveDMAPost(entries int, bytes uint64)
	ObserveDMAComplete(entries int, bytes uint64, latencyNs uint64, ok bool)
	ObserveDMACancel(entries int)
	ObserveSignalSend(signo int, queued bool)
	ObserveSignalDeliver(signo int, action string)
	ObserveCoredump(ok bool, latencyNs uint64)
	ObserveQueueDepth(used int)
}
