package vesignal

import (
	"fmt"

	"github.com/veos-project/veos-core/internal/constants"
	"github.com/veos-project/veos-core/internal/interfaces"
)

// Group is the set of tasks sharing a thread group (TGID), the unit
// stop/continue/terminate and whole-group signal delivery act on.
type Group struct {
	Tasks []*Task
}

var stopClassSignals = []int{constants.SIGSTOP, constants.SIGTSTP, constants.SIGTTIN, constants.SIGTTOU}

// Continue implements the SIGCONTINUE group action: wakes every stopped
// task in the group back to TaskRunning and discards any already-pending
// stop-class signals group-wide, matching the rule that SIGCONT cancels a
// pending stop. A task mid-vfork or with a MONC block pending is left
// untouched entirely — it isn't safe to wake or to strip stop signals from
// until that coordination finishes.
func (g *Group) Continue(obs interfaces.Observer) {
	for _, t := range g.Tasks {
		t.Lock()
		skip := t.VforkState == VforkInProgress || t.BlockStatus == BlockMONCPending
		if !skip && t.State == TaskStopped {
			t.State = TaskRunning
		}
		t.Unlock()
		if skip {
			continue
		}
		for _, stopSig := range stopClassSignals {
			t.Pending().discard(stopSig)
		}
	}
	if obs != nil {
		obs.ObserveSignalDeliver(0, "group-continue")
	}
}

// Stop implements the SIGSTOPPING group action: unconditionally stops
// every task in the group.
func (g *Group) Stop(obs interfaces.Observer) {
	g.stopWalk(nil, nil, obs, "group-stop")
}

// StopProc implements the STOPPROC group action: before stopping each
// task, it consults status for that task's host pseudo process. The
// first task whose process hasn't actually reached ProcStateStopped
// ends the walk: that task and every task after it are left as they
// are, while the tasks walked before it have already been stopped.
func (g *Group) StopProc(status StatusReader, obs interfaces.Observer) {
	g.stopWalk(status, nil, obs, "group-stopproc")
}

// CleanThread implements the CLEANTHREAD group action: stops every member
// except caller. Used by the core-dump orchestrator's worker, which must
// keep running (it owns the dump) while it freezes every sibling thread.
func (g *Group) CleanThread(caller *Task, obs interfaces.Observer) {
	g.stopWalk(nil, caller, obs, "group-cleanthread")
}

func (g *Group) stopWalk(status StatusReader, skip *Task, obs interfaces.Observer, event string) {
	for _, t := range g.Tasks {
		if t == skip {
			continue
		}
		if status != nil {
			state, err := status(t.PID)
			if err != nil || state != ProcStateStopped {
				return
			}
		}
		t.Lock()
		if t.State == TaskRunning {
			t.State = TaskStopped
		}
		t.Unlock()
	}
	if obs != nil {
		obs.ObserveSignalDeliver(0, event)
	}
}

// SigMasking implements the SIGMASKING group action: drops every queued
// instance of signo from every member's pending set, used when a new
// stop-class signal cancels an already-pending SIGCONT group-wide.
func (g *Group) SigMasking(signo int) {
	for _, t := range g.Tasks {
		t.Pending().discard(signo)
	}
}

// Terminate marks every task in the group TaskZombie, the group-wide
// consequence of an ActionTerminate or ActionCoreDump default action:
// POSIX signal semantics are process-wide, so one thread's fatal
// signal ends every thread sharing its TGID.
func (g *Group) Terminate(obs interfaces.Observer) {
	for _, t := range g.Tasks {
		t.Lock()
		t.State = TaskZombie
		t.Unlock()
	}
	if obs != nil {
		obs.ObserveSignalDeliver(0, "group-terminate")
	}
}

// Broadcast delivers the same signal to every task in the group, used
// for group-directed signals (tgkill's "whole group" form) rather than
// signals targeted at a single thread.
func (g *Group) Broadcast(signo int, info SigInfo, fromHW bool, obs interfaces.Observer) error {
	for _, t := range g.Tasks {
		if err := Send(g, t, signo, info, fromHW, obs); err != nil {
			return fmt.Errorf("vesignal: group broadcast of signal %d: %w", signo, err)
		}
	}
	return nil
}

// CleanZombies removes every TaskZombie member from the group and returns
// the survivors, reaping threads that have already finished their part of
// a group-wide termination. This is a bookkeeping step distinct from the
// CLEANTHREAD group action above (which freezes live threads, not reaps
// dead ones).
func (g *Group) CleanZombies() []*Task {
	survivors := g.Tasks[:0]
	for _, t := range g.Tasks {
		t.Lock()
		dead := t.State == TaskZombie
		t.Unlock()
		if !dead {
			survivors = append(survivors, t)
		}
	}
	g.Tasks = survivors
	return g.Tasks
}
