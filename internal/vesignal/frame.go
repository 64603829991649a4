package vesignal

import (
	"context"
	"fmt"

	"github.com/veos-project/veos-core/internal/constants"
	"github.com/veos-project/veos-core/internal/uapi"
)

// FrameSender is the narrow memxfer surface frame push/pop needs.
type FrameSender interface {
	Send(ctx context.Context, addr uint64, data []byte) error
	Recv(ctx context.Context, addr uint64, length int) ([]byte, error)
}

// FrameAddr computes where the handler frame is written: the registered
// altstack when SA_ONSTACK is set and an altstack is active and not
// already in use, otherwise HandlerStackFrameSize bytes below the task's
// current stack pointer (SR11 in the register image), red-zone style.
func FrameAddr(task *Task, disp HandlerDisposition) (addr uint64, onStack bool) {
	useAltStack := disp.Flags&constants.SAFlagOnStack != 0 &&
		task.AltStack.Addr != 0 && !task.AltStack.OnStack

	if useAltStack {
		top := task.AltStack.Addr + task.AltStack.Size
		return top - constants.HandlerStackFrameSize, true
	}

	sp := task.Regs.GPR[11] // SR11 conventionally holds the stack pointer
	return sp - constants.HandlerStackFrameSize, false
}

// BuildFrame assembles the wire-format signal frame a handler invocation
// pushes onto the task's stack: the fixed trampoline, siginfo, and saved
// ucontext (register image, blocked mask, altstack) needed for SigReturn
// to restore the pre-signal state exactly.
func BuildFrame(task *Task, sig QueuedSignal, disp HandlerDisposition, trampoline uapi.Trampoline, onStack bool) uapi.SignalFrame {
	var flag uint32
	if disp.Flags&constants.SAFlagSigInfo != 0 {
		flag |= uapi.FrameFlagSigInfo
	}
	if disp.Restorer != 0 {
		flag |= uapi.FrameFlagRestorer
	}
	if onStack {
		flag |= uapi.FrameFlagOnStack
	}

	return uapi.SignalFrame{
		Tramp: trampoline,
		Info: uapi.SigInfoWire{
			Signo: sig.Signo,
			Code:  sig.Code,
			PID:   task.PID,
			UID:   task.UID,
			Addr:  uint64(sig.Value),
		},
		Ctx: uapi.UContextWire{
			Stack: uapi.SigAltStackWire{
				Addr:  task.AltStack.Addr,
				Size:  task.AltStack.Size,
			},
			MContext: uapi.MContextWire{
				GPR: task.Regs.GPR,
				PSW: task.Regs.PSW,
				IC:  task.Regs.IC,
			},
			SigMask: task.Saved,
		},
		Flag:   flag,
		Signum: uint32(sig.Signo),
	}
}

// PushFrame writes the frame to the task's stack at addr.
func PushFrame(ctx context.Context, sender FrameSender, addr uint64, frame uapi.SignalFrame) error {
	enc := uapi.MarshalSignalFrame(&frame)
	if err := sender.Send(ctx, addr, enc); err != nil {
		return fmt.Errorf("vesignal: pushing signal frame: %w", err)
	}
	return nil
}
