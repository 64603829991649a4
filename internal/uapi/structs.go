package uapi

import "unsafe"

// DMADescriptor is the hardware ring-slot encoding for one reqlist entry.
// Layout must stay exactly 32 bytes: the driver shim writes this directly
// into the mapped descriptor ring.
//
//	struct dma_descriptor {
//	  u64 src_addr;
//	  u64 dst_addr;
//	  u32 length;
//	  u8  src_tag;
//	  u8  dst_tag;
//	  u8  status;
//	  u8  flags;
//	  u64 reserved;
//	};
type DMADescriptor struct {
	SrcAddr  uint64
	DstAddr  uint64
	Length   uint32
	SrcTag   AddrSpaceTag
	DstTag   AddrSpaceTag
	Status   uint8
	Flags    uint8
	Reserved uint64
}

var _ [32]byte = [unsafe.Sizeof(DMADescriptor{})]byte{}

// ProtoHeader frames every message on the pseudo-process protocol's UNIX
// stream socket: a fixed 12-byte header followed by Command-specific
// payload bytes of length PayloadLen.
type ProtoHeader struct {
	Command    uint32
	CallerPID  int32
	PayloadLen uint32
}

var _ [12]byte = [unsafe.Sizeof(ProtoHeader{})]byte{}

// DMARequestPayload is the body of a CmdDMARequest message: one endpoint
// pair plus the transfer length.
type DMARequestPayload struct {
	SrcAddr uint64
	DstAddr uint64
	Length  int64
	SrcTag  AddrSpaceTag
	DstTag  AddrSpaceTag
	_       [6]byte
}

var _ [32]byte = [unsafe.Sizeof(DMARequestPayload{})]byte{}

// SignalSendPayload is the body of a CmdSignalSend message.
type SignalSendPayload struct {
	Value     int64
	TargetTID int32
	Signo     int32
	Code      int32
	_         int32
}

var _ [24]byte = [unsafe.Sizeof(SignalSendPayload{})]byte{}

// AckPayload is the body of every response message: Result is the
// protocol's negated-errno convention (0 or positive on success, negative
// errno on failure), produced by Error.Negate.
type AckPayload struct {
	Result int64
}

var _ [8]byte = [unsafe.Sizeof(AckPayload{})]byte{}

// SigActionPayload is the body of a CmdSigAction message: the disposition
// to install for Signo. An all-zero Handler/Flags/Mask with Ignore unset
// requests the default disposition.
type SigActionPayload struct {
	Signo    int32
	_        int32
	Handler  uint64
	Flags    uint64
	Mask     uint64
	Restorer uint64
	Ignore   uint8
	_        [7]byte
}

var _ [48]byte = [unsafe.Sizeof(SigActionPayload{})]byte{}

// SigProcMaskPayload is the body of a CmdSigProcMask message. How follows
// the sigprocmask(2) convention: 0=SIG_BLOCK, 1=SIG_UNBLOCK, 2=SIG_SETMASK.
type SigProcMaskPayload struct {
	How  int32
	_    int32
	Mask uint64
}

var _ [16]byte = [unsafe.Sizeof(SigProcMaskPayload{})]byte{}

// SigMaskResult is the response body for CmdSigProcMask and CmdSigPending:
// the mask in effect before the call, alongside the negated-errno result.
type SigMaskResult struct {
	OldMask uint64
	Result  int64
}

var _ [16]byte = [unsafe.Sizeof(SigMaskResult{})]byte{}

// SigSuspendPayload is the body of a CmdSigSuspend message: the mask to
// install as the blocked set for the duration of the wait.
type SigSuspendPayload struct {
	Mask uint64
}

var _ [8]byte = [unsafe.Sizeof(SigSuspendPayload{})]byte{}

// SigAltStackPayload is the body of a CmdSigAltStack message: the new
// alternate stack descriptor to install.
type SigAltStackPayload struct {
	Stack SigAltStackWire
}

var _ [24]byte = [unsafe.Sizeof(SigAltStackPayload{})]byte{}

// SigAltStackResult is the response body for CmdSigAltStack: the stack
// descriptor in effect before the call, alongside the negated-errno
// result.
type SigAltStackResult struct {
	Old    SigAltStackWire
	Result int64
}

var _ [32]byte = [unsafe.Sizeof(SigAltStackResult{})]byte{}

// ContextResult is the response body for CmdGetContext, and (without the
// Result field meaningfully populated on the way in) the request body for
// CmdSetContext: the VE register file snapshot.
type ContextResult struct {
	MContext MContextWire
	Result   int64
}

var _ [unsafe.Sizeof(MContextWire{}) + 8]byte = [unsafe.Sizeof(ContextResult{})]byte{}

// Trampoline holds the fixed instruction words the signal frame builder
// writes below the handler's return address so sigreturn can locate and
// re-enter the kernel without relying on libc's restorer.
type Trampoline [5]uint64

// SigAltStackWire is the wire form of an alternate signal stack
// descriptor (sigaltstack's stack_t).
type SigAltStackWire struct {
	Addr  uint64
	Flags int32
	_     int32
	Size  uint64
}

var _ [24]byte = [unsafe.Sizeof(SigAltStackWire{})]byte{}

// SigInfoWire is the wire form of siginfo_t fields the frame builder needs
// to reconstruct in VE memory.
type SigInfoWire struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	PID   int32
	UID   uint32
	Addr  uint64
}

var _ [32]byte = [unsafe.Sizeof(SigInfoWire{})]byte{}

// MContextWire is the machine-context portion of ucontext_t: the VE
// register file snapshot taken at signal-delivery time and restored by
// sigreturn.
type MContextWire struct {
	GPR [64]uint64 // general-purpose register file (SR0-SR63 analogue)
	PSW uint64      // program status word
	IC  uint64      // instruction counter / return address
}

var _ [64*8 + 16]byte = [unsafe.Sizeof(MContextWire{})]byte{}

// UContextWire is the wire form of ucontext_t: link to a possible nested
// frame, the altstack in effect, the machine context, and the signal mask
// to restore on return.
type UContextWire struct {
	Flags   uint64
	Link    uint64
	Stack   SigAltStackWire
	MContext MContextWire
	SigMask uint64
}

var _ [8 + 8 + 24 + (64*8 + 16) + 8]byte = [unsafe.Sizeof(UContextWire{})]byte{}

// SignalFrame is the complete fixed-layout frame built on the target
// task's stack (or altstack) before transferring control to the handler.
// LShmArea carries the VEMVA of the local shared-memory area used by the
// sigreturn trampoline to locate this frame after the handler returns.
type SignalFrame struct {
	Tramp    Trampoline
	Info     SigInfoWire
	Ctx      UContextWire
	LShmArea uint64
	Flag     uint32
	Signum   uint32
}

var _ [unsafe.Sizeof(Trampoline{}) + unsafe.Sizeof(SigInfoWire{}) + unsafe.Sizeof(UContextWire{}) + 16]byte = [unsafe.Sizeof(SignalFrame{})]byte{}
