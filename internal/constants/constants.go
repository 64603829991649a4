// Package constants holds the tunables shared across the DMA engine,
// signal subsystem, and memory-transfer facade.
package constants

import "time"

// DMA engine tunables.
const (
	// NDesc is the fixed length of the hardware descriptor ring
	// (N_DESC in the design).
	NDesc = 32

	// WordSize is the alignment unit for all DMA transfers (8 bytes).
	WordSize = 8

	// MaxTransferLen is the largest length a single post may cover:
	// 2^63 - 8, per the address-space tag invariant.
	MaxTransferLen int64 = (1 << 63) - WordSize

	// HostPageSize and VEPageSize bound how large a single reqlist entry
	// may be before it must be split again.
	HostPageSize = 4096
	VEPageSize   = 2 * 1024 * 1024 // VE pages are 2MiB-aligned hugepages

	// InterruptPollInterval is how long the interrupt helper blocks on the
	// driver between checks of should_stop when no completion arrives.
	InterruptPollInterval = 10 * time.Millisecond
)

// Signal subsystem tunables.
const (
	// SIGRTMIN mirrors the Linux real-time signal base; signals below this
	// number collapse to a single queued record per task.
	SIGRTMIN = 34
	SIGRTMAX = 64

	// NumSignals is the size of the handler table (64 entries, matching
	// the data model's "signal-handler table of 64 entries").
	NumSignals = 64

	// Named signal numbers the delivery/group-action/procmask logic needs
	// to single out, mirrored from Linux's numbering (asm-generic/signal.h).
	SIGILL  = 4
	SIGTRAP = 5
	SIGBUS  = 7
	SIGFPE  = 8
	SIGKILL = 9
	SIGSEGV = 11
	SIGCONT = 18
	SIGSTOP = 19
	SIGTSTP = 20
	SIGTTIN = 21
	SIGTTOU = 22

	// SICodeKernel marks a siginfo Code field as kernel-synthesized rather
	// than sent by another process, the SEND_SIG_PRIV sentinel that exempts
	// a signal from RLIMIT_SIGPENDING accounting.
	SICodeKernel int32 = 0x80

	// ErrnoEINTR is the errno a restart-syscall decision forces into a
	// task's return-value register when a handler runs without SA_RESTART.
	ErrnoEINTR = 4

	// DefaultRLimitSigpending is the default soft RLIMIT_SIGPENDING applied
	// per thread group when none is configured.
	DefaultRLimitSigpending = 1024

	// DefaultRLimitCore is the default RLIMIT_CORE: unlimited, matching a
	// freshly exec'd process with no explicit ulimit -c applied. A task
	// with RLimitCore == 0 skips core-dumping entirely.
	DefaultRLimitCore uint64 = ^uint64(0)

	// VEMinSigStackSize is VE_MINSIGSTKSZ, the minimum usable altstack size.
	VEMinSigStackSize = 4096

	// HandlerStackFrameSize is the fixed size reserved below SR11 for the
	// signal frame plus the ABI's local save area.
	HandlerStackFrameSize = 176
)

// Memory-transfer facade tunables.
const (
	// StringChunkSize is the chunk size used by RecvString scans (4 KiB).
	StringChunkSize = 4096
)

// Stopping/polling thread tunables.
const (
	StoppingThreadInterval = 1 * time.Millisecond
	PollingThreadTimeout   = 1 * time.Second
)

// SA_* action flags, stored in a handler table entry's Flags field.
const (
	SAFlagSigInfo  uint64 = 1 << 0 // handler takes (signo, *siginfo, *ucontext)
	SAFlagOnStack  uint64 = 1 << 1 // deliver on the registered altstack
	SAFlagRestart  uint64 = 1 << 2 // restart an interrupted syscall instead of returning EINTR
	SAFlagNoDefer  uint64 = 1 << 3 // don't add signo to the mask while the handler runs
	SAFlagResetHand uint64 = 1 << 4 // reset to default disposition before invoking the handler
)

// Core-dump tunables.
const (
	CorePatternPath = "/proc/sys/kernel/core_pattern"
)
