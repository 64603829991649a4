package vesignal

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veos-project/veos-core/internal/constants"
	"github.com/veos-project/veos-core/internal/interfaces"
)

// Supervisor runs the two background threads the signal subsystem needs
// for a registry of tasks: the stopping thread, which walks every group
// looking for a host pseudo process that has actually reached a stop
// point and issues STOPPROC for it, and the polling thread, which
// periodically drains the driver's dead-PID sysfs attribute and records
// an exit code for each PID it reports. A fatal error from either
// surfaces through Run and cancels the other.
type Supervisor struct {
	Groups func() []*Group

	// Status resolves a task's host pseudo process state for STOPPROC;
	// defaults to ReadProcStatus.
	Status StatusReader

	// DeadPIDs polls the driver's dead-PID sysfs attribute and returns the
	// PIDs it reports, already tokenized. A nil DeadPIDs disables the
	// polling thread's harvest pass entirely — there is no real driver
	// sysfs surface wired to a Go handle outside a host with an actual VE
	// card attached, so production wiring of this hook is left to
	// cmd/veosd's startup, the same way the DMA translator defaults to
	// identity until a real page-table walker is attached.
	DeadPIDs func() ([]int32, error)

	// Exit records a task's exit code once its PID is reported dead by
	// DeadPIDs. A nil Exit makes the polling thread a no-op drain.
	Exit func(pid int32, code int)

	pollLimiter *PollLimiter
	logger      interfaces.Logger
	obs         interfaces.Observer
}

// NewSupervisor returns a Supervisor that lists live groups via groups on
// each tick, using the real /proc/<pid>/status reader for STOPPROC.
func NewSupervisor(groups func() []*Group, logger interfaces.Logger, obs interfaces.Observer) *Supervisor {
	return &Supervisor{
		Groups:      groups,
		Status:      ReadProcStatus,
		pollLimiter: NewPollLimiter(constants.StoppingThreadInterval),
		logger:      logger,
		obs:         obs,
	}
}

// Run blocks until ctx is canceled or one of the two threads returns a
// fatal error, in which case it cancels the other and returns that
// error.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.stoppingThread(ctx)
	})
	g.Go(func() error {
		return s.pollingThread(ctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("vesignal: supervisor: %w", err)
	}
	return nil
}

// stoppingThread implements §4.7's stopping thread: on every tick it
// walks each live group and, for any non-ptraced task that hasn't
// already reached TaskStopped/TaskZombie, issues STOPPROC — which itself
// consults the task's host pseudo process status and only commits the
// transition once that process has actually reached a stop point.
func (s *Supervisor) stoppingThread(ctx context.Context) error {
	ticker := time.NewTicker(constants.StoppingThreadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, grp := range s.Groups() {
				if !s.pollLimiter.Allow() {
					continue
				}
				s.stopGroupIfHostStopped(grp)
				s.checkGroupStopped(grp)
			}
		}
	}
}

// stopGroupIfHostStopped issues STOPPROC for grp whenever it still has a
// task neither stopped nor zombie and not under ptrace (a traced task's
// stop transitions are driven by its tracer, not this thread).
func (s *Supervisor) stopGroupIfHostStopped(grp *Group) {
	for _, t := range grp.Tasks {
		t.Lock()
		pending := !t.Ptraced && t.State != TaskStopped && t.State != TaskZombie
		t.Unlock()
		if pending {
			grp.StopProc(s.Status, s.obs)
			return
		}
	}
}

func (s *Supervisor) checkGroupStopped(grp *Group) {
	allStopped := true
	for _, t := range grp.Tasks {
		t.Lock()
		st := t.State
		t.Unlock()
		if st != TaskStopped && st != TaskZombie {
			allStopped = false
			break
		}
	}
	if allStopped && s.logger != nil {
		s.logger.Debugf("vesignal: group (tgid=%d) fully stopped", groupTGID(grp))
	}
}

func groupTGID(grp *Group) int32 {
	if len(grp.Tasks) == 0 {
		return 0
	}
	return grp.Tasks[0].TGID
}

// pollingThread implements §4.7's polling thread: it drains the driver's
// dead-PID sysfs attribute on a fixed timeout and, for each PID it
// reports, records an exit code on the matching task (SIGKILL when none
// was already set) and passes that code to Exit, which drops the
// reference. A PID matching no task is passed to Exit with SIGKILL.
// With DeadPIDs unset,
// there is nothing to poll and the thread simply waits for cancellation.
func (s *Supervisor) pollingThread(ctx context.Context) error {
	if s.DeadPIDs == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(constants.PollingThreadTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pids, err := s.DeadPIDs()
			if err != nil {
				if s.logger != nil {
					s.logger.Printf("vesignal: polling thread: reading dead-pid attribute: %v", err)
				}
				continue
			}
			for _, pid := range pids {
				code := constants.SIGKILL
				for _, grp := range s.Groups() {
					for _, t := range grp.Tasks {
						if t.PID != pid {
							continue
						}
						t.Lock()
						if !t.ExitCodeSet {
							t.ExitCode, t.ExitCodeSet = constants.SIGKILL, true
						}
						code = t.ExitCode
						t.Unlock()
					}
				}
				if s.Exit != nil {
					s.Exit(pid, code)
				}
			}
		}
	}
}
