package dma

import (
	"context"
	"testing"
	"time"

	"github.com/veos-project/veos-core/internal/constants"
	"github.com/veos-project/veos-core/internal/vedrv"
)

func newTestEngine(t *testing.T) (*Engine, *vedrv.FakeDriver) {
	t.Helper()
	fd := vedrv.NewFakeDriver()
	e, err := NewEngine(fd, constants.NDesc, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, fd
}

func postOneEntry(t *testing.T, e *Engine) *Request {
	t.Helper()
	entries, err := BuildReqList(VHPhysical(0x1000), VHPhysical(0x2000), 128)
	if err != nil {
		t.Fatalf("BuildReqList: %v", err)
	}
	req, err := e.Post(context.Background(), entries)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	return req
}

func TestEnginePostWaitCompletesOK(t *testing.T) {
	e, fd := newTestEngine(t)
	req := postOneEntry(t, e)

	done := make(chan error, 1)
	go func() { done <- e.Wait(context.Background(), req) }()

	// give the post time to land before completing it, then drive the fake
	// hardware to report success for slot 0.
	time.Sleep(10 * time.Millisecond)
	fd.CompleteSlot(0, true)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after completion")
	}
}

func TestEnginePostWaitReportsFailure(t *testing.T) {
	e, fd := newTestEngine(t)
	req := postOneEntry(t, e)

	done := make(chan error, 1)
	go func() { done <- e.Wait(context.Background(), req) }()

	time.Sleep(10 * time.Millisecond)
	fd.CompleteSlot(0, false)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error from a failed slot, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after completion")
	}
}

func TestEngineTestNonBlocking(t *testing.T) {
	e, fd := newTestEngine(t)
	req := postOneEntry(t, e)

	done, err := e.Test(req)
	if err != nil {
		t.Fatalf("Test returned error before completion: %v", err)
	}
	if done {
		t.Fatal("expected Test to report not-done before hardware completion")
	}

	fd.CompleteSlot(0, true)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if done, _ := e.Test(req); done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Test never reported completion")
}

func TestEngineCancelMarksRequestCanceled(t *testing.T) {
	e, _ := newTestEngine(t)
	req := postOneEntry(t, e)

	if err := e.Cancel(req); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	err := req.Wait(context.Background())
	if err != ErrCanceled {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
}

func TestEngineRejectsOversizedReqlist(t *testing.T) {
	e, _ := newTestEngine(t)
	entries := make([]ReqListEntry, constants.NDesc+1)
	for i := range entries {
		entries[i] = ReqListEntry{Src: VHPhysical(0), Dst: VHPhysical(0), Length: 8}
	}
	if _, err := e.Post(context.Background(), entries); err == nil {
		t.Fatal("expected an error posting more entries than ring slots")
	}
}

func TestEnginePostCompletesTranslationFailureWithoutTouchingRing(t *testing.T) {
	e, _ := newTestEngine(t)

	entries, err := BuildReqList(VEVirtual(42, 0x1000), VHPhysical(0x2000), 64)
	if err != nil {
		t.Fatalf("BuildReqList: %v", err)
	}
	entries = ResolvePhysical(entries, mapTranslator{})

	req, err := e.Post(context.Background(), entries)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if err := req.Wait(context.Background()); err == nil {
		t.Fatal("expected Wait to report the translation failure")
	}
	if e.descNumUsed != 0 {
		t.Errorf("descNumUsed = %d, want 0: a translation-failed entry must never occupy a ring slot", e.descNumUsed)
	}
}

func TestEnginePostContextCancellationWhileRingFull(t *testing.T) {
	e, _ := newTestEngine(t)

	// Fill every slot with requests that never complete.
	for i := 0; i < constants.NDesc; i++ {
		postOneEntry(t, e)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := e.Post(ctx, []ReqListEntry{{Src: VHPhysical(0), Dst: VHPhysical(0), Length: 8}}); err == nil {
		t.Fatal("expected Post to return an error once the context deadline passes")
	}
}
