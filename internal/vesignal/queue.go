package vesignal

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/veos-project/veos-core/internal/constants"
)

// ErrResourceExhausted is returned when a task's RLIMIT_SIGPENDING cap
// would be exceeded by queuing another signal.
var ErrResourceExhausted = errors.New("vesignal: RLIMIT_SIGPENDING exceeded")

// QueuedSignal is one pending signal instance: the signal number plus the
// siginfo fields needed to reconstruct uapi.SigInfoWire at delivery time.
type QueuedSignal struct {
	Signo  int32
	Code   int32
	Value  int64
	FromHW bool
}

// PendingSet tracks a task's pending signals. Standard signals (below
// SIGRTMIN) collapse to a single queued instance per signal number,
// matching POSIX; real-time signals queue every instance in FIFO order
// up to the task's RLIMIT_SIGPENDING.
type PendingSet struct {
	mu      sync.Mutex
	bitset  uint64 // bit (signo-1) set => at least one instance pending
	queue   []QueuedSignal
	count   uint64 // total queued instances, for RLIMIT_SIGPENDING accounting
}

// NewPendingSet returns an empty pending set.
func NewPendingSet() *PendingSet {
	return &PendingSet{}
}

func isRealtime(signo int) bool {
	return signo >= constants.SIGRTMIN && signo <= constants.SIGRTMAX
}

// Enqueue adds sig to the pending set. For a non-realtime signal already
// pending, this is a coalesce: the bit is already set and no new queue
// entry is added (the kernel rule that duplicate standard signals are
// not distinguishable once merged). Returns queued=false in that case.
func (p *PendingSet) Enqueue(sig QueuedSignal, rlimit uint64) (queued bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	signo := int(sig.Signo)
	bit := uint64(1) << uint(signo-1)

	if !isRealtime(signo) && p.bitset&bit != 0 {
		// A standard signal already pending coalesces into the existing
		// record rather than queuing a new one; a hardware-originated
		// re-raise still overwrites that record's si_addr/si_code with the
		// latest fault's, so a stale address from an earlier instance of
		// the same signal is never reported.
		if sig.FromHW {
			for i := range p.queue {
				if int(p.queue[i].Signo) == signo {
					p.queue[i].Code = sig.Code
					p.queue[i].Value = sig.Value
					break
				}
			}
		}
		return false, nil
	}

	if p.count >= rlimit {
		return false, ErrResourceExhausted
	}

	p.bitset |= bit
	p.queue = append(p.queue, sig)
	p.count++
	return true, nil
}

// isSynchronous reports whether signo is one of the fault signals a VE
// instruction raises synchronously against its own execution (SIGSEGV,
// SIGBUS, SIGILL, SIGFPE, SIGTRAP). psm_do_signal_ve dequeues these ahead
// of any other pending signal, since they describe a fault the task's own
// next instruction caused and so can't simply wait behind an
// asynchronously delivered one.
func isSynchronous(signo int) bool {
	switch signo {
	case constants.SIGILL, constants.SIGTRAP, constants.SIGBUS, constants.SIGFPE, constants.SIGSEGV:
		return true
	default:
		return false
	}
}

// Dequeue removes and returns the highest-priority unblocked pending
// signal: a synchronous fault signal always precedes any other, and
// within the same priority tier the lowest-numbered signal is serviced
// first (matching Linux's dequeue_signal order). Returns ok=false if
// nothing unblocked is pending.
func (p *PendingSet) Dequeue(blocked uint64) (QueuedSignal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bestIdx := -1
	bestSync := false
	for i, sig := range p.queue {
		signo := int(sig.Signo)
		if blocked&(uint64(1)<<uint(signo-1)) != 0 {
			continue
		}
		sync := isSynchronous(signo)
		switch {
		case bestIdx == -1:
			bestIdx, bestSync = i, sync
		case sync && !bestSync:
			bestIdx, bestSync = i, true
		case sync == bestSync && sig.Signo < p.queue[bestIdx].Signo:
			bestIdx = i
		}
	}
	if bestIdx == -1 {
		return QueuedSignal{}, false
	}

	sig := p.queue[bestIdx]
	p.queue = append(p.queue[:bestIdx], p.queue[bestIdx+1:]...)
	p.count--

	signo := int(sig.Signo)
	bit := uint64(1) << uint(signo-1)
	stillPending := false
	for _, q := range p.queue {
		if int(q.Signo) == signo {
			stillPending = true
			break
		}
	}
	if !stillPending {
		p.bitset &^= bit
	}
	return sig, true
}

// discard removes every queued instance of signo without returning it,
// used when SIGCONT cancels a pending stop signal outright.
func (p *PendingSet) discard(signo int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.queue[:0]
	for _, q := range p.queue {
		if int(q.Signo) == signo {
			p.count--
			continue
		}
		kept = append(kept, q)
	}
	p.queue = kept
	p.bitset &^= uint64(1) << uint(signo-1)
}

// Has reports whether signo has at least one instance pending.
func (p *PendingSet) Has(signo int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bitset&(uint64(1)<<uint(signo-1)) != 0
}

// Count returns the total number of queued instances across all signals.
func (p *PendingSet) Count() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Mask returns the bitmask of signals with at least one instance pending,
// the value sigpending(2) reports to a caller.
func (p *PendingSet) Mask() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bitset
}

// PollLimiter throttles how often the stopping thread may poll host
// process status, separate from (and much tighter than) the hard
// RLIMIT_SIGPENDING cap. A Supervisor holds a single limiter and consults
// it once per group on every tick; a group refused by the limiter is
// skipped until a later tick.
type PollLimiter struct {
	limiter *rate.Limiter
}

// NewPollLimiter returns a limiter allowing one status poll per interval,
// with a small burst to absorb the initial check.
func NewPollLimiter(interval time.Duration) *PollLimiter {
	return &PollLimiter{limiter: rate.NewLimiter(rate.Every(interval), 2)}
}

// Allow reports whether a poll may proceed now.
func (l *PollLimiter) Allow() bool {
	return l.limiter.Allow()
}
