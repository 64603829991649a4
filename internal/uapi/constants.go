// Package uapi defines the wire-level structures shared between the DMA
// engine, the signal subsystem, and the pseudo-process protocol: the
// hardware descriptor encoding, the address-space tag enum, the protocol's
// framing header and command IDs, and the signal frame/trampoline layout.
package uapi

// AddrSpaceTag identifies which address space a DMA endpoint's address is
// expressed in. Wire values follow the stable enumeration {0: VE virtual,
// 1: VE virtual w/o prot, 2: host virtual, 3: VE physical, 4: VE
// register-access physical, 5: host system-bus physical} and must not be
// renumbered. TagVHSHM is a domain addition outside that enumeration; no
// endpoint constructor or core-dump code in this module produces it.
type AddrSpaceTag uint8

const (
	TagVEMVA    AddrSpaceTag = 0 // VE virtual address, resolved through a task's page tables
	TagVEMVAWOP AddrSpaceTag = 1 // VE virtual address, walked without the protection check
	TagVHVA     AddrSpaceTag = 2 // VH virtual address, resolved through the caller's mm
	TagVEMAA    AddrSpaceTag = 3 // VE absolute (physical) address
	TagVERAA    AddrSpaceTag = 4 // VE register-access address (MMIO window)
	TagVHSAA    AddrSpaceTag = 5 // VH system-bus absolute (physical) address
	TagVHSHM    AddrSpaceTag = 6 // VH shared-memory area (core-dump fd transfer, lshm)
)

func (t AddrSpaceTag) String() string {
	switch t {
	case TagVEMVA:
		return "VEMVA"
	case TagVEMVAWOP:
		return "VEMVAWOP"
	case TagVHVA:
		return "VHVA"
	case TagVEMAA:
		return "VEMAA"
	case TagVERAA:
		return "VERAA"
	case TagVHSAA:
		return "VHSAA"
	case TagVHSHM:
		return "VHSHM"
	default:
		return "UNKNOWN"
	}
}

// Descriptor status byte values, written by the device into the ring slot.
const (
	DescStatusEmpty        uint8 = 0
	DescStatusPosted       uint8 = 1
	DescStatusCompleteOK   uint8 = 2
	DescStatusCompleteErr  uint8 = 3
	DescStatusCanceled     uint8 = 4
)

// Descriptor flag bits.
const (
	DescFlagCommitBarrier uint8 = 1 << 0 // slot requires the MMIO barrier before Start
)

// Pseudo-process protocol command IDs. Each request/response pair is framed
// by a ProtoHeader; CallerPID identifies the VE task on whose behalf the
// pseudo-process issued the request.
const (
	CmdDMARequest uint32 = iota + 1
	CmdSignalSend
	CmdSigAction
	CmdSigProcMask
	CmdSigPending
	CmdSigSuspend
	CmdSigAltStack
	CmdGetContext
	CmdSetContext
)

// Signal-frame flag bits, stored in SignalFrame.Flag.
const (
	FrameFlagSigInfo   uint32 = 1 << 0 // handler installed with siginfo delivery
	FrameFlagRestorer  uint32 = 1 << 1 // handler supplied its own restorer
	FrameFlagOnStack   uint32 = 1 << 2 // frame was built on the alternate signal stack
)

// Socket paths for the pseudo-process protocol's control and request
// channels.
const (
	ProtoControlSocketPath = "/var/run/veos/veos.sock"
)
