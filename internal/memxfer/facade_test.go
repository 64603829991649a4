package memxfer

import (
	"context"
	"testing"

	"github.com/veos-project/veos-core/internal/constants"
	"github.com/veos-project/veos-core/internal/dma"
)

func newTestFacade(t *testing.T, size int64) (*Facade, *dma.FakeMemorySpace) {
	t.Helper()
	mem := dma.NewFakeMemorySpace(size)
	return NewFacade(mem, nil), mem
}

func TestSendAlignedWrite(t *testing.T) {
	f, mem := newTestFacade(t, 4096)
	data := []byte("12345678") // exactly one word, 8-byte aligned addr

	if err := f.Send(context.Background(), 64, data); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := make([]byte, 8)
	mem.ReadAt(got, 64)
	if string(got) != "12345678" {
		t.Errorf("got %q, want %q", got, "12345678")
	}
}

func TestSendUnalignedMergesSurroundingBytes(t *testing.T) {
	f, mem := newTestFacade(t, 4096)

	// seed the aligned word with a known pattern, then overwrite the
	// middle two bytes at an address that sits inside that word.
	seed := []byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	mem.WriteAt(seed, 800)

	if err := f.Send(context.Background(), 802, []byte{0x11, 0x22}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := make([]byte, 8)
	mem.ReadAt(got, 800)
	want := []byte{0xAA, 0xAA, 0x11, 0x22, 0xAA, 0xAA, 0xAA, 0xAA}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d = %#x, want %#x (full: % x)", i, got[i], want[i], got)
			break
		}
	}
}

func TestRecvReturnsExactlyRequestedBytes(t *testing.T) {
	f, mem := newTestFacade(t, 4096)
	mem.WriteAt([]byte("hello world, this is a test"), 100)

	got, err := f.Recv(context.Background(), 106, 5)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got) != "world" {
		t.Errorf("got %q, want %q", got, "world")
	}
}

func TestRecvUnalignedAddr(t *testing.T) {
	f, mem := newTestFacade(t, 4096)
	mem.WriteAt([]byte("abcdefghij"), 1000)

	got, err := f.Recv(context.Background(), 1003, 4)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got) != "defg" {
		t.Errorf("got %q, want %q", got, "defg")
	}
}

func TestSendRecvEmptyIsNoOp(t *testing.T) {
	f, _ := newTestFacade(t, 4096)
	if err := f.Send(context.Background(), 0, nil); err != nil {
		t.Errorf("Send with no data should be a no-op, got %v", err)
	}
	got, err := f.Recv(context.Background(), 0, 0)
	if err != nil || got != nil {
		t.Errorf("Recv with zero length should return (nil, nil), got (%v, %v)", got, err)
	}
}

func TestRecvStringFindsTerminator(t *testing.T) {
	f, mem := newTestFacade(t, 8192)
	payload := append([]byte("hello, ve\x00"), make([]byte, 100)...)
	mem.WriteAt(payload, 0)

	s, err := f.RecvString(context.Background(), 0, 4096)
	if err != nil {
		t.Fatalf("RecvString: %v", err)
	}
	if s != "hello, ve" {
		t.Errorf("got %q, want %q", s, "hello, ve")
	}
}

func TestRecvStringSpansMultipleChunks(t *testing.T) {
	f, mem := newTestFacade(t, 16384)
	long := make([]byte, stringChunkSize+50)
	for i := range long {
		long[i] = 'x'
	}
	long = append(long, 0)
	mem.WriteAt(long, 0)

	s, err := f.RecvString(context.Background(), 0, stringChunkSize*3)
	if err != nil {
		t.Fatalf("RecvString: %v", err)
	}
	if len(s) != stringChunkSize+50 {
		t.Errorf("len(s) = %d, want %d", len(s), stringChunkSize+50)
	}
}

func TestRecvStringNotFoundWithinMaxLen(t *testing.T) {
	f, mem := newTestFacade(t, 16384)
	noTerm := make([]byte, 8192)
	for i := range noTerm {
		noTerm[i] = 'y'
	}
	mem.WriteAt(noTerm, 0)

	_, err := f.RecvString(context.Background(), 0, 4096)
	if err != ErrNullNotFound {
		t.Fatalf("expected ErrNullNotFound, got %v", err)
	}
}

func TestRecvStringNeverTouchesThirdPageForUnalignedAddr(t *testing.T) {
	// addr starts 100 bytes before a VE page boundary; the two-page scan
	// must stop exactly at the end of the second page (addr + 2*VEPageSize
	// - pageOffset), never reading into a third page.
	addr := uint64(constants.VEPageSize - 100)
	size := int64(2 * constants.VEPageSize) // memory ends exactly at the second page's end: any read into a third page fails
	f, mem := newTestFacade(t, size)

	noTerm := make([]byte, size-int64(addr))
	for i := range noTerm {
		noTerm[i] = 'y'
	}
	mem.WriteAt(noTerm, int64(addr))

	_, err := f.RecvString(context.Background(), addr, 10*constants.VEPageSize)
	if err != ErrNullNotFound {
		t.Fatalf("expected ErrNullNotFound without reading past the second page, got %v", err)
	}
}

func TestRecvStringRejectsNonPositiveMaxLen(t *testing.T) {
	f, _ := newTestFacade(t, 4096)
	if _, err := f.RecvString(context.Background(), 0, 0); err != ErrDestinationTooSmall {
		t.Fatalf("expected ErrDestinationTooSmall, got %v", err)
	}
}

func TestSendRecvRoundTripThroughPool(t *testing.T) {
	f, _ := newTestFacade(t, 1<<20)
	data := make([]byte, 333) // deliberately not a multiple of 8
	for i := range data {
		data[i] = byte(i)
	}

	if err := f.Send(context.Background(), 4099, data); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := f.Recv(context.Background(), 4099, len(data))
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], data[i])
		}
	}
}
