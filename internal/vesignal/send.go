package vesignal

import (
	"fmt"

	"github.com/veos-project/veos-core/internal/constants"
	"github.com/veos-project/veos-core/internal/interfaces"
)

// SigInfo is the caller-facing payload for Send, mirroring the fields
// carried in uapi.SigInfoWire.
type SigInfo struct {
	Code  int32
	Value int64

	// Priv marks a kernel-synthesized signal (SEND_SIG_PRIV): Code/Value
	// are overwritten with the kernel sentinel and the signal is exempt
	// from RLIMIT_SIGPENDING, the same way a fault the VE itself raised is.
	Priv bool
}

func isStopClass(signo int) bool {
	switch signo {
	case constants.SIGSTOP, constants.SIGTSTP, constants.SIGTTIN, constants.SIGTTOU:
		return true
	default:
		return false
	}
}

// Send implements psm_send_ve_signal's ordering. A signal arriving while
// the target's SigHand has GROUP_COREDUMP set is dropped outright (the
// group is frozen for the dump's duration), whether or not group is
// given. group, if non-nil, is the target's thread group, consulted for
// one group-wide effect: SIGCONT/a stop-class signal each clear the
// other's queued records group-wide, matching the rule that SIGCONT
// cancels a pending stop and a new stop cancels a pending SIGCONT.
//
// A hardware-originated signal (a fault the VE itself raised) cannot be
// ignored away — it is queued regardless of the task's disposition, since
// there is no "resume normally" path for it. Send leaves the blocked mask
// untouched, so a blocked hardware signal stays pending until it is
// unblocked. A software-originated signal (from kill/tgkill/sigqueue) honors
// the task's disposition and is dropped if explicitly ignored, or queued
// (respecting RLIMIT_SIGPENDING) otherwise. SEND_SIG_PRIV (info.Priv) gets
// the same RLIMIT_SIGPENDING exemption as a hardware fault, since both are
// kernel-originated rather than another process's doing.
func Send(group *Group, task *Task, signo int, info SigInfo, fromHW bool, obs interfaces.Observer) error {
	if signo < 1 || signo > constants.NumSignals {
		return fmt.Errorf("vesignal: signal number %d out of range", signo)
	}

	if task.SigHand.GroupFlag() == GroupFlagCoredump {
		return nil
	}

	if info.Priv {
		info.Code = constants.SICodeKernel
		info.Value = 0
	}

	task.Lock()
	disp := task.SigHand.Disposition(signo)
	rlimit := task.RLimitSigpending
	task.Unlock()

	if !fromHW && disp.Ignore {
		return nil
	}

	if group != nil {
		switch {
		case signo == constants.SIGCONT:
			group.Continue(obs)
		case isStopClass(signo):
			group.SigMasking(constants.SIGCONT)
		}
	}

	privileged := fromHW || info.Priv
	if privileged {
		rlimit = ^uint64(0) // a kernel-originated signal is never dropped for resource exhaustion
	}

	sig := QueuedSignal{Signo: int32(signo), Code: info.Code, Value: info.Value, FromHW: fromHW}
	queued, err := task.Pending().Enqueue(sig, rlimit)
	if err != nil {
		if obs != nil {
			obs.ObserveSignalSend(signo, false)
		}
		return err
	}

	if obs != nil {
		obs.ObserveSignalSend(signo, queued)
	}
	return nil
}
