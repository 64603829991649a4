package vesignal

import (
	"context"
	"fmt"

	"github.com/veos-project/veos-core/internal/constants"
	"github.com/veos-project/veos-core/internal/uapi"
)

// SigReturn implements the sigreturn trampoline's return leg: read the
// frame back from frameAddr, restore the task's register image and
// blocked mask to their pre-handler values, and clear the altstack
// in-use flag if the frame was built on it.
//
// A signal whose origin was a hardware fault (fromHW) has no safe
// resumption point once its handler merely returns instead of
// terminating the task or transferring control elsewhere (there is no
// retryable instruction to resume): SigReturn reports fatalHW=true in
// that case so the caller kills the task rather than resuming it.
//
// If the frame itself can't be read back or decoded — a translation or
// DMA failure against the task's own stack — the task cannot safely
// resume in handler state at all: SigReturn forces SIGSEGV's disposition
// back to default, unblocks it, and queues a fresh kernel-originated
// instance, so the next delivery pass terminates the task instead of
// leaving it stuck forever inside a handler it can never return from.
func SigReturn(ctx context.Context, sender FrameSender, task *Task, frameAddr uint64, fromHW bool) (fatalHW bool, err error) {
	raw, recvErr := sender.Recv(ctx, frameAddr, frameSize())
	if recvErr != nil {
		forceSigSegv(task)
		return true, fmt.Errorf("vesignal: sigreturn: reading frame: %w", recvErr)
	}

	frame, unmarshalErr := uapi.UnmarshalSignalFrame(raw)
	if unmarshalErr != nil {
		forceSigSegv(task)
		return true, fmt.Errorf("vesignal: sigreturn: unmarshaling frame: %w", unmarshalErr)
	}

	task.Lock()
	task.Regs.GPR = frame.Ctx.MContext.GPR
	task.Regs.PSW = frame.Ctx.MContext.PSW
	task.Regs.IC = frame.Ctx.MContext.IC
	task.Blocked = frame.Ctx.SigMask
	if frame.Flag&uapi.FrameFlagOnStack != 0 {
		task.AltStack.OnStack = false
	}
	task.Unlock()

	return fromHW, nil
}

// forceSigSegv resets SIGSEGV to its default disposition, unblocks it,
// and queues a fresh kernel-originated instance, the recovery a corrupt
// or unreachable sigreturn frame forces regardless of whatever handler
// was previously installed for it.
func forceSigSegv(task *Task) {
	task.SigHand.SetDisposition(constants.SIGSEGV, HandlerDisposition{})

	task.Lock()
	task.Blocked &^= uint64(1) << uint(constants.SIGSEGV-1)
	task.Unlock()

	task.Pending().Enqueue(QueuedSignal{Signo: int32(constants.SIGSEGV), FromHW: true}, ^uint64(0))
}

func frameSize() int {
	f := uapi.SignalFrame{}
	return len(uapi.MarshalSignalFrame(&f))
}
