package veos

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.DMAPosts != 0 {
		t.Errorf("Expected 0 initial DMA posts, got %d", snap.DMAPosts)
	}

	m.RecordDMAPost(2, 4096)
	m.RecordDMAComplete(2, 4096, 1_000_000, true)
	m.RecordDMAComplete(1, 0, 500_000, false)

	snap = m.Snapshot()
	if snap.DMAPosts != 1 {
		t.Errorf("Expected 1 DMA post, got %d", snap.DMAPosts)
	}
	if snap.DMAEntries != 2 {
		t.Errorf("Expected 2 DMA entries, got %d", snap.DMAEntries)
	}
	if snap.DMACompleted != 2 {
		t.Errorf("Expected 2 completed entries, got %d", snap.DMACompleted)
	}
	if snap.DMAFailed != 1 {
		t.Errorf("Expected 1 failed entry, got %d", snap.DMAFailed)
	}
}

func TestMetricsSignalAndCoredump(t *testing.T) {
	m := NewMetrics()

	m.RecordSignalSend(true)
	m.RecordSignalSend(false)
	m.RecordSignalDeliver()
	m.RecordCoredump(true, 2_000_000)
	m.RecordCoredump(false, 1_000_000)

	snap := m.Snapshot()
	if snap.SignalsSent != 2 {
		t.Errorf("Expected 2 signals sent, got %d", snap.SignalsSent)
	}
	if snap.SignalsQueued != 1 {
		t.Errorf("Expected 1 queued signal, got %d", snap.SignalsQueued)
	}
	if snap.SignalsCoalesced != 1 {
		t.Errorf("Expected 1 coalesced signal, got %d", snap.SignalsCoalesced)
	}
	if snap.SignalsDelivered != 1 {
		t.Errorf("Expected 1 delivered signal, got %d", snap.SignalsDelivered)
	}
	if snap.CoredumpsOK != 1 || snap.CoredumpsFailed != 1 {
		t.Errorf("Expected 1 ok and 1 failed coredump, got ok=%d failed=%d", snap.CoredumpsOK, snap.CoredumpsFailed)
	}
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordQueueDepth(4)
	m.RecordQueueDepth(8)
	m.RecordQueueDepth(2)

	snap := m.Snapshot()
	if snap.MaxQueueDepth != 8 {
		t.Errorf("Expected max queue depth 8, got %d", snap.MaxQueueDepth)
	}
	wantAvg := float64(4+8+2) / 3
	if snap.AvgQueueDepth != wantAvg {
		t.Errorf("Expected avg queue depth %.2f, got %.2f", wantAvg, snap.AvgQueueDepth)
	}
}

func TestMetricsLatencyPercentiles(t *testing.T) {
	m := NewMetrics()

	for _, latencyNs := range []uint64{500, 5_000, 50_000, 5_000_000} {
		m.RecordDMAComplete(1, 0, latencyNs, true)
	}

	snap := m.Snapshot()
	if snap.LatencyP50Ns == 0 {
		t.Error("Expected non-zero P50 latency")
	}
	if snap.LatencyP99Ns < snap.LatencyP50Ns {
		t.Errorf("Expected P99 (%d) >= P50 (%d)", snap.LatencyP99Ns, snap.LatencyP50Ns)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordDMAPost(1, 100)
	m.RecordSignalSend(true)

	m.Reset()
	snap := m.Snapshot()
	if snap.DMAPosts != 0 || snap.SignalsSent != 0 {
		t.Error("Expected all counters to be zero after Reset")
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	time.Sleep(1 * time.Millisecond)
	m.Stop()

	snap := m.Snapshot()
	if snap.UptimeNs == 0 {
		t.Error("Expected non-zero uptime after Stop")
	}
}

func TestMetricsObserverSatisfiesObserverInterface(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	obs.ObserveDMAPost(1, 64)
	obs.ObserveDMAComplete(1, 64, 1000, true)
	obs.ObserveDMACancel(1)
	obs.ObserveSignalSend(34, true)
	obs.ObserveSignalDeliver(34, "handler")
	obs.ObserveCoredump(true, 1000)
	obs.ObserveQueueDepth(3)

	snap := m.Snapshot()
	if snap.DMAPosts != 1 || snap.DMACanceled != 1 || snap.SignalsSent != 1 {
		t.Error("expected MetricsObserver calls to be recorded on the underlying Metrics")
	}
}
