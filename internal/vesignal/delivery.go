package vesignal

import (
	"github.com/veos-project/veos-core/internal/constants"
	"github.com/veos-project/veos-core/internal/interfaces"
)

// Action is the outcome DoSignal decided for the dequeued signal.
type Action int

const (
	ActionNone Action = iota
	ActionIgnore
	ActionTerminate
	ActionCoreDump
	ActionStop
	ActionContinue
	ActionHandler
)

// Linux's conventional default dispositions for the low, POSIX-named
// signals; anything not listed here (including every real-time signal)
// defaults to terminate, matching Linux's default for unrecognized/RT
// signals with no installed handler.
var defaultStopSignals = map[int]bool{19: true, 20: true, 21: true, 22: true} // SIGSTOP/TSTP/TTIN/TTOU analogs
var defaultContinueSignals = map[int]bool{18: true}                          // SIGCONT analog
var defaultIgnoreSignals = map[int]bool{17: true, 23: true}                  // SIGCHLD/SIGURG analogs
var defaultCoreDumpSignals = map[int]bool{4: true, 6: true, 8: true, 11: true} // SIGILL/ABRT/FPE/SEGV analogs

func defaultAction(signo int) Action {
	switch {
	case defaultStopSignals[signo]:
		return ActionStop
	case defaultContinueSignals[signo]:
		return ActionContinue
	case defaultIgnoreSignals[signo]:
		return ActionIgnore
	case defaultCoreDumpSignals[signo]:
		return ActionCoreDump
	default:
		return ActionTerminate
	}
}

// DoSignal implements psm_do_signal_ve's dequeue/deliver decision: pull
// the highest-priority unblocked pending signal (synchronous fault
// signals are serviced ahead of any other, per PendingSet.Dequeue) and
// decide what the task must do with it. The caller is responsible for
// actually building and pushing a handler frame (BuildFrame) when the
// result is ActionHandler, for stopping/continuing the task's group on
// ActionStop/ActionContinue, and for invoking the core-dump orchestrator
// on ActionCoreDump.
//
// A thread group mid-coredump (GROUP_COREDUMP) short-circuits entirely:
// the task is parked stopped rather than delivered to, since its address
// space may be mid-read by the dump helper.
func DoSignal(task *Task, obs interfaces.Observer) (Action, *QueuedSignal, HandlerDisposition) {
	if task.SigHand.GroupFlag() == GroupFlagCoredump {
		task.Lock()
		task.State = TaskStopped
		task.Unlock()
		return ActionNone, nil, HandlerDisposition{}
	}

	task.Lock()
	blocked := task.Blocked
	task.Unlock()

	sig, ok := task.Pending().Dequeue(blocked)
	if !ok {
		return ActionNone, nil, HandlerDisposition{}
	}

	disp := task.SigHand.Disposition(int(sig.Signo))

	var action Action
	switch {
	case disp.Handler != 0 && !disp.Ignore:
		action = ActionHandler
	case disp.Ignore:
		action = ActionIgnore
	default:
		action = defaultAction(int(sig.Signo))
	}

	if obs != nil {
		obs.ObserveSignalDeliver(int(sig.Signo), actionName(action))
	}

	if action == ActionHandler {
		task.Lock()
		applyRestartSyscallRules(task, disp)

		task.Saved = task.Blocked
		newBlocked := task.Blocked | disp.Mask
		if disp.Flags&constants.SAFlagNoDefer == 0 {
			newBlocked |= uint64(1) << uint(sig.Signo-1)
		}
		task.Blocked = newBlocked
		if disp.Flags&constants.SAFlagResetHand != 0 {
			task.SigHand.SetDisposition(int(sig.Signo), HandlerDisposition{})
		}
		task.Unlock()
	}

	return action, &sig, disp
}

// applyRestartSyscallRules implements psm_do_signal_ve's restart-syscall
// step: a task dequeued mid-syscall resumes differently depending on how
// that syscall classified its own restartability and whether the handler
// about to run asked for SA_RESTART. ERESTARTSYS restarts the syscall
// (rewinding IC to re-execute the trapping instruction) only if the
// handler requests it, otherwise it reports EINTR like ENORESTART always
// does. Caller holds task.mu.
func applyRestartSyscallRules(task *Task, disp HandlerDisposition) {
	switch task.Restart {
	case RestartERESTARTSYS:
		if disp.Flags&constants.SAFlagRestart != 0 {
			task.Regs.IC -= 8
		} else {
			task.Regs.GPR[0] = uint64(-int64(constants.ErrnoEINTR))
		}
	case RestartENORESTART:
		task.Regs.GPR[0] = uint64(-int64(constants.ErrnoEINTR))
	}
	task.Restart = RestartNone
}

func actionName(a Action) string {
	switch a {
	case ActionIgnore:
		return "ignore"
	case ActionTerminate:
		return "terminate"
	case ActionCoreDump:
		return "coredump"
	case ActionStop:
		return "stop"
	case ActionContinue:
		return "continue"
	case ActionHandler:
		return "handler"
	default:
		return "none"
	}
}
