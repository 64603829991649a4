package vesignal

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ProcState is the single character /proc/<pid>/status's "State:" line
// reports for a host pseudo process.
type ProcState byte

// ProcStateStopped is the 'T' state STOPPROC waits to observe before it
// will freeze the corresponding VE task.
const ProcStateStopped ProcState = 'T'

// StatusReader resolves a PID's current /proc/<pid>/status state, the
// narrow surface STOPPROC and the stopping thread consult to confirm a
// host pseudo process has actually reached a stop point before the signal
// subsystem declares its VE task stopped.
type StatusReader func(pid int32) (ProcState, error)

// ReadProcStatus is the production StatusReader, parsing the real
// /proc/<pid>/status file's "State:" line.
func ReadProcStatus(pid int32) (ProcState, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "State:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[1]) == 0 {
			return 0, fmt.Errorf("vesignal: malformed State line %q in /proc/%d/status", line, pid)
		}
		return ProcState(fields[1][0]), nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("vesignal: no State line in /proc/%d/status", pid)
}
