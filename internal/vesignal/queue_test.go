package vesignal

import (
	"testing"

	"github.com/veos-project/veos-core/internal/constants"
)

func TestPendingSetCoalescesStandardSignal(t *testing.T) {
	p := NewPendingSet()
	queued, err := p.Enqueue(QueuedSignal{Signo: 15}, 1024)
	if err != nil || !queued {
		t.Fatalf("first enqueue: queued=%v err=%v", queued, err)
	}
	queued, err = p.Enqueue(QueuedSignal{Signo: 15}, 1024)
	if err != nil || queued {
		t.Fatalf("second enqueue should coalesce: queued=%v err=%v", queued, err)
	}
	if p.Count() != 1 {
		t.Fatalf("count = %d, want 1", p.Count())
	}
}

func TestPendingSetQueuesRealtimeSeparately(t *testing.T) {
	p := NewPendingSet()
	rt := constants.SIGRTMIN
	if _, err := p.Enqueue(QueuedSignal{Signo: int32(rt)}, 1024); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Enqueue(QueuedSignal{Signo: int32(rt)}, 1024); err != nil {
		t.Fatal(err)
	}
	if p.Count() != 2 {
		t.Fatalf("count = %d, want 2", p.Count())
	}
}

func TestPendingSetEnforcesRLimit(t *testing.T) {
	p := NewPendingSet()
	rt := constants.SIGRTMIN
	for i := 0; i < 2; i++ {
		if _, err := p.Enqueue(QueuedSignal{Signo: int32(rt)}, 2); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := p.Enqueue(QueuedSignal{Signo: int32(rt)}, 2); err != ErrResourceExhausted {
		t.Fatalf("err = %v, want ErrResourceExhausted", err)
	}
}

func TestPendingSetDequeueSkipsBlocked(t *testing.T) {
	p := NewPendingSet()
	p.Enqueue(QueuedSignal{Signo: 2}, 1024)
	p.Enqueue(QueuedSignal{Signo: 9}, 1024)

	blocked := uint64(1) << uint(2-1)
	sig, ok := p.Dequeue(blocked)
	if !ok || sig.Signo != 9 {
		t.Fatalf("sig = %+v, ok = %v, want signo 9", sig, ok)
	}
	if !p.Has(2) {
		t.Fatal("signal 2 should still be pending, it was blocked not dequeued")
	}
}

func TestPendingSetDequeueLowestFirst(t *testing.T) {
	p := NewPendingSet()
	p.Enqueue(QueuedSignal{Signo: 9}, 1024)
	p.Enqueue(QueuedSignal{Signo: 2}, 1024)

	sig, ok := p.Dequeue(0)
	if !ok || sig.Signo != 2 {
		t.Fatalf("sig = %+v, ok = %v, want signo 2 first", sig, ok)
	}
}

func TestPendingSetDequeuePrefersSynchronousSignal(t *testing.T) {
	p := NewPendingSet()
	p.Enqueue(QueuedSignal{Signo: 2}, 1024)                        // not synchronous, lower-numbered
	p.Enqueue(QueuedSignal{Signo: int32(constants.SIGSEGV)}, 1024) // synchronous, higher-numbered

	sig, ok := p.Dequeue(0)
	if !ok || int(sig.Signo) != constants.SIGSEGV {
		t.Fatalf("sig = %+v, ok = %v, want the synchronous SIGSEGV ahead of signo 2", sig, ok)
	}
}

func TestPendingSetEnqueueOverwritesSiAddrOnHardwareReraise(t *testing.T) {
	p := NewPendingSet()
	segv := int32(constants.SIGSEGV)
	if _, err := p.Enqueue(QueuedSignal{Signo: segv, Value: 0x1000, FromHW: true}, 1024); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Enqueue(QueuedSignal{Signo: segv, Value: 0x2000, FromHW: true}, 1024); err != nil {
		t.Fatal(err)
	}
	if p.Count() != 1 {
		t.Fatalf("count = %d, want 1: standard signals still coalesce", p.Count())
	}
	sig, ok := p.Dequeue(0)
	if !ok || sig.Value != 0x2000 {
		t.Fatalf("sig.Value = %#x, ok=%v, want the latest fault address 0x2000", sig.Value, ok)
	}
}

func TestPendingSetDiscard(t *testing.T) {
	p := NewPendingSet()
	p.Enqueue(QueuedSignal{Signo: 19}, 1024)
	p.discard(19)
	if p.Has(19) {
		t.Fatal("signal 19 should have been discarded")
	}
	if p.Count() != 0 {
		t.Fatalf("count = %d, want 0", p.Count())
	}
}

func TestPollLimiterAllowsFirstPoll(t *testing.T) {
	l := NewPollLimiter(constants.StoppingThreadInterval)
	if !l.Allow() {
		t.Fatal("first poll should be allowed")
	}
}
