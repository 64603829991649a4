// Package vesignal implements the VE signal subsystem: per-task pending
// signal tracking, delivery and default-action handling, the sigreturn
// trampoline ABI, thread-group actions, and core-dump orchestration.
package vesignal

import (
	"sync"

	"github.com/veos-project/veos-core/internal/constants"
)

// TaskState is the coarse scheduling state a task's signal handling
// decisions key off of.
type TaskState int

const (
	TaskRunning TaskState = iota
	TaskStopped
	TaskTraced
	TaskZombie
)

// GroupFlag records thread-group-wide state that a single thread's
// handler-table entries can't express: whether the group is mid-coredump
// (delivery must stand down entirely) or has already begun exiting.
type GroupFlag int

const (
	GroupFlagNone GroupFlag = iota
	GroupFlagCoredump
	GroupFlagExit
)

// SigHand is the signal-disposition state shared by every thread in a
// thread group (POSIX's "one sighand per process" rule): the 64-entry
// handler table, the reference count of tasks sharing it, and the
// group-wide coredump/exit flag every member consults before delivering.
type SigHand struct {
	mu        sync.Mutex
	Handlers  [constants.NumSignals]HandlerDisposition
	refs      int
	groupFlag GroupFlag
}

// GroupFlag returns the thread group's current GROUP_COREDUMP/GROUP_EXIT
// state.
func (h *SigHand) GroupFlag() GroupFlag {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.groupFlag
}

// SetGroupFlag installs a new group-wide flag, visible to every task
// sharing this SigHand.
func (h *SigHand) SetGroupFlag(f GroupFlag) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.groupFlag = f
}

// HandlerDisposition is one entry in a SigHand's handler table.
type HandlerDisposition struct {
	Handler   uint64 // VE address of the handler function, 0 for default/ignore
	Flags     uint64 // SA_* flags: SA_RESTART, SA_SIGINFO, SA_ONSTACK, ...
	Mask      uint64 // additional signals blocked while the handler runs
	Ignore    bool
	Restorer  uint64 // VE address of the user-space sigreturn trampoline
}

// NewSigHand returns a SigHand with every entry at default disposition.
func NewSigHand() *SigHand {
	return &SigHand{refs: 1}
}

// Disposition returns a copy of the handler table entry for signo.
func (h *SigHand) Disposition(signo int) HandlerDisposition {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Handlers[signo]
}

// SetDisposition installs a new handler table entry for signo.
func (h *SigHand) SetDisposition(signo int, d HandlerDisposition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Handlers[signo] = d
}

// Retain increments the sharing refcount (a new thread joining the group).
func (h *SigHand) Retain() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// Release decrements the refcount and reports whether this was the last
// reference (the thread group is now empty of signal-handler sharers).
func (h *SigHand) Release() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs--
	return h.refs == 0
}

// AltStack is the alternate signal stack a task has registered via
// sigaltstack, mirrored from uapi.SigAltStackWire.
type AltStack struct {
	Addr    uint64
	Flags   int32
	Size    uint64
	OnStack bool
}

// RegisterImage holds the VE task's general-purpose registers and
// program counter, captured/restored around signal delivery.
type RegisterImage struct {
	GPR [64]uint64
	PSW uint64
	IC  uint64
}

// Task is the per-VE-task signal-handling state: identity, the pending
// signal set, blocking masks, the shared handler table, and the
// bookkeeping DoSignal/SigReturn/group actions operate on.
type Task struct {
	mu sync.Mutex

	PID  int32
	TGID int32
	UID  uint32
	GID  uint32

	Regs     RegisterImage
	AltStack AltStack
	SigHand  *SigHand

	Blocked uint64 // currently blocked signal mask
	Saved   uint64 // mask saved across a handler invocation (for sigreturn)

	State TaskState

	pending *PendingSet

	// VforkState and BlockStatus track the vfork/ptrace-stop coordination
	// §4 describes; SyncSignal is the signal number a tracer-stop thread
	// is waiting to be woken by.
	VforkState  int
	BlockStatus int
	SyncSignal  int

	RLimitSigpending uint64
	RLimitCore       uint64 // 0 disables core-dumping for this task

	// ExecDir is the directory the task's VE executable was launched
	// from, prepended to a core_pattern expansion that isn't absolute.
	ExecDir string

	// Ptraced excludes a task from the stopping thread's automatic
	// STOPPROC walk: a traced task's stop transitions are driven by its
	// tracer instead.
	Ptraced bool

	// Restart records how the syscall a task was blocked in classified
	// its own resumability, consulted by DoSignal when a handler is about
	// to run.
	Restart RestartState

	// ExitCode and ExitCodeSet hold the value the polling thread's dead-PID
	// harvest records for a task once its host pseudo process has exited;
	// ExitCodeSet distinguishes "exited with code 0" from "never recorded".
	ExitCode    int
	ExitCodeSet bool
}

// RestartState classifies how a syscall interrupted by signal delivery
// should be resumed once its handler returns or is bypassed.
type RestartState int

const (
	RestartNone RestartState = iota
	RestartERESTARTSYS
	RestartENORESTART
)

// VforkState/BlockStatus sentinel values a task's fields may hold; these
// gate Group.Continue's "never touch a task mid-vfork or mid-MONC-block"
// skip rule.
const (
	VforkInProgress  = 1
	BlockMONCPending = 1
)

// NewTask constructs a task with an empty pending set and the given
// shared handler table (pass a fresh *SigHand for a new thread group, or
// an existing one's pointer for a thread joining it).
func NewTask(pid, tgid int32, sh *SigHand) *Task {
	return &Task{
		PID:              pid,
		TGID:             tgid,
		SigHand:          sh,
		pending:          NewPendingSet(),
		RLimitSigpending: constants.DefaultRLimitSigpending,
		RLimitCore:       constants.DefaultRLimitCore,
		ExecDir:          ".",
		State:            TaskRunning,
	}
}

// Lock/Unlock expose the task's mutex to callers (Send/DoSignal/SigReturn)
// that need to serialize several field reads/writes as one step.
func (t *Task) Lock()   { t.mu.Lock() }
func (t *Task) Unlock() { t.mu.Unlock() }

// Pending returns the task's pending-signal set.
func (t *Task) Pending() *PendingSet { return t.pending }

// IsBlocked reports whether signo is currently in the task's blocked mask.
func (t *Task) IsBlocked(signo int) bool {
	return t.Blocked&(1<<uint(signo-1)) != 0
}
