package vesignal

import (
	"context"
	"testing"

	"github.com/veos-project/veos-core/internal/constants"
	"github.com/veos-project/veos-core/internal/dma"
	"github.com/veos-project/veos-core/internal/logging"
	"github.com/veos-project/veos-core/internal/memxfer"
	"github.com/veos-project/veos-core/internal/uapi"
)

func newTestFrameSender(t *testing.T, size int64) FrameSender {
	t.Helper()
	mem := dma.NewFakeMemorySpace(size)
	return memxfer.NewFacade(mem, logging.NewLogger(nil))
}

func TestFrameAddrUsesAltStackWhenOnStackRequested(t *testing.T) {
	task := newTestTask()
	task.Regs.GPR[11] = 0x8000
	task.AltStack = AltStack{Addr: 0x10000, Size: 8192}

	disp := HandlerDisposition{Flags: constants.SAFlagOnStack}
	addr, onStack := FrameAddr(task, disp)

	if !onStack {
		t.Fatal("expected onStack = true")
	}
	want := task.AltStack.Addr + task.AltStack.Size - constants.HandlerStackFrameSize
	if addr != want {
		t.Fatalf("addr = %x, want %x", addr, want)
	}
}

func TestFrameAddrFallsBackToStackPointer(t *testing.T) {
	task := newTestTask()
	task.Regs.GPR[11] = 0x8000

	addr, onStack := FrameAddr(task, HandlerDisposition{})
	if onStack {
		t.Fatal("expected onStack = false with no SA_ONSTACK")
	}
	if addr != task.Regs.GPR[11]-constants.HandlerStackFrameSize {
		t.Fatalf("addr = %x, want sp - frame size", addr)
	}
}

func TestFrameAddrSkipsAltStackAlreadyInUse(t *testing.T) {
	task := newTestTask()
	task.Regs.GPR[11] = 0x8000
	task.AltStack = AltStack{Addr: 0x10000, Size: 8192, OnStack: true}

	_, onStack := FrameAddr(task, HandlerDisposition{Flags: constants.SAFlagOnStack})
	if onStack {
		t.Fatal("an altstack already in use must not be reused")
	}
}

func TestBuildFramePopulatesFields(t *testing.T) {
	task := newTestTask()
	task.Regs.GPR[3] = 0xcafe
	task.Regs.PSW = 0x1
	task.Saved = 0xff

	sig := QueuedSignal{Signo: 11, Code: 1, Value: 0x4000}
	disp := HandlerDisposition{Handler: 0xdead, Flags: constants.SAFlagSigInfo, Restorer: 0x9999}

	frame := BuildFrame(task, sig, disp, uapi.Trampoline{}, true)

	if frame.Info.Signo != 11 || frame.Info.Addr != 0x4000 {
		t.Fatalf("frame.Info = %+v", frame.Info)
	}
	if frame.Ctx.SigMask != 0xff {
		t.Fatalf("frame.Ctx.SigMask = %x, want 0xff", frame.Ctx.SigMask)
	}
	if frame.Ctx.MContext.GPR[3] != 0xcafe {
		t.Fatalf("frame.Ctx.MContext.GPR[3] = %x, want 0xcafe", frame.Ctx.MContext.GPR[3])
	}
	if frame.Flag&uapi.FrameFlagSigInfo == 0 {
		t.Fatal("FrameFlagSigInfo should be set")
	}
	if frame.Flag&uapi.FrameFlagRestorer == 0 {
		t.Fatal("FrameFlagRestorer should be set given a non-zero Restorer")
	}
	if frame.Flag&uapi.FrameFlagOnStack == 0 {
		t.Fatal("FrameFlagOnStack should be set, onStack=true was passed")
	}
}

func TestPushFrameThenSigReturnRoundTrips(t *testing.T) {
	sender := newTestFrameSender(t, 1<<20)
	task := newTestTask()
	task.Regs.GPR[11] = 0x10000
	task.Regs.GPR[3] = 0x1234
	task.Blocked = 0
	task.Saved = 0x7

	sig := QueuedSignal{Signo: 11, Code: 1, Value: 0x2000}
	disp := HandlerDisposition{Handler: 0xdead}
	addr, onStack := FrameAddr(task, disp)
	frame := BuildFrame(task, sig, disp, uapi.Trampoline{1, 2, 3, 4, 5}, onStack)

	ctx := context.Background()
	if err := PushFrame(ctx, sender, addr, frame); err != nil {
		t.Fatal(err)
	}

	task.Regs.GPR[3] = 0 // simulate the handler clobbering a register
	task.Blocked = 0xabc

	fatalHW, err := SigReturn(ctx, sender, task, addr, false)
	if err != nil {
		t.Fatal(err)
	}
	if fatalHW {
		t.Fatal("software-originated signal must not report fatalHW")
	}
	if task.Regs.GPR[3] != 0x1234 {
		t.Fatalf("GPR[3] = %x, want restored 0x1234", task.Regs.GPR[3])
	}
	if task.Blocked != 0x7 {
		t.Fatalf("Blocked = %x, want restored saved mask 0x7", task.Blocked)
	}
}

func TestSigReturnForcesSigSegvWhenFrameUnreadable(t *testing.T) {
	sender := newTestFrameSender(t, 1<<20)
	task := newTestTask()
	task.SigHand.SetDisposition(constants.SIGSEGV, HandlerDisposition{Handler: 0xdead})
	task.Blocked = uint64(1) << uint(constants.SIGSEGV-1)

	ctx := context.Background()
	// An address past the fake memory space's end makes Recv fail, standing
	// in for a translation/DMA failure against the task's own stack.
	fatalHW, err := SigReturn(ctx, sender, task, 1<<30, false)
	if err == nil {
		t.Fatal("expected an error reading an out-of-bounds frame")
	}
	if !fatalHW {
		t.Fatal("an unreadable sigreturn frame must report fatalHW=true")
	}

	disp := task.SigHand.Disposition(constants.SIGSEGV)
	if disp.Handler != 0 {
		t.Fatalf("SIGSEGV handler = %x, want reset to default", disp.Handler)
	}
	task.Lock()
	blocked := task.Blocked
	task.Unlock()
	if blocked&(uint64(1)<<uint(constants.SIGSEGV-1)) != 0 {
		t.Fatal("SIGSEGV should be unblocked after the forced recovery")
	}
	if !task.Pending().Has(constants.SIGSEGV) {
		t.Fatal("a fresh SIGSEGV should be queued so delivery terminates the task")
	}
}

func TestSigReturnReportsFatalForHardwareOrigin(t *testing.T) {
	sender := newTestFrameSender(t, 1<<20)
	task := newTestTask()
	task.Regs.GPR[11] = 0x10000
	disp := HandlerDisposition{Handler: 0xdead}
	addr, onStack := FrameAddr(task, disp)
	frame := BuildFrame(task, QueuedSignal{Signo: 11}, disp, uapi.Trampoline{}, onStack)

	ctx := context.Background()
	if err := PushFrame(ctx, sender, addr, frame); err != nil {
		t.Fatal(err)
	}

	fatalHW, err := SigReturn(ctx, sender, task, addr, true)
	if err != nil {
		t.Fatal(err)
	}
	if !fatalHW {
		t.Fatal("a hardware-originated fault's sigreturn must report fatalHW=true")
	}
}
