// Package registry holds the node's live task set: the init task and a
// lookup table from pid to *vesignal.Task, passed by reference to the
// subsystems that need to resolve a target task or assemble a thread
// group rather than reached for as a package-level singleton.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/veos-project/veos-core/internal/vesignal"
)

// Registry is the node-local task table.
type Registry struct {
	mu    sync.RWMutex
	init  *vesignal.Task
	tasks map[int32]*vesignal.Task
}

// New returns a Registry seeded with initTask already inserted.
func New(initTask *vesignal.Task) *Registry {
	r := &Registry{
		init:  initTask,
		tasks: make(map[int32]*vesignal.Task),
	}
	r.tasks[initTask.PID] = initTask
	return r
}

// Init returns the node's init task.
func (r *Registry) Init() *vesignal.Task {
	return r.init
}

// Insert adds task to the registry, keyed by its PID.
func (r *Registry) Insert(task *vesignal.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.PID] = task
}

// Remove deletes the task with the given PID, a no-op if absent.
func (r *Registry) Remove(pid int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, pid)
}

// Lookup returns the task with the given PID and whether it was found.
func (r *Registry) Lookup(pid int32) (*vesignal.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[pid]
	return t, ok
}

// MustLookup is Lookup wrapped in an error for callers (the protocol
// dispatcher) that need a formatted "no such task" failure rather than a
// bare bool.
func (r *Registry) MustLookup(pid int32) (*vesignal.Task, error) {
	t, ok := r.Lookup(pid)
	if !ok {
		return nil, fmt.Errorf("registry: no task with pid %d", pid)
	}
	return t, nil
}

// Group assembles the thread group sharing tgid into a *vesignal.Group,
// in ascending PID order for deterministic iteration (group-wide
// stop/continue/terminate don't care about order, but tests and logs
// read better when it's stable).
func (r *Registry) Group(tgid int32) *vesignal.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var members []*vesignal.Task
	for _, t := range r.tasks {
		if t.TGID == tgid {
			members = append(members, t)
		}
	}
	sortTasksByPID(members)
	return &vesignal.Group{Tasks: members}
}

// All returns a snapshot of every task currently registered.
func (r *Registry) All() []*vesignal.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*vesignal.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		all = append(all, t)
	}
	sortTasksByPID(all)
	return all
}

// Groups returns every distinct thread group currently registered, for
// the signal subsystem's stopping/polling threads to iterate.
func (r *Registry) Groups() []*vesignal.Group {
	r.mu.RLock()
	byTGID := make(map[int32][]*vesignal.Task)
	for _, t := range r.tasks {
		byTGID[t.TGID] = append(byTGID[t.TGID], t)
	}
	r.mu.RUnlock()

	groups := make([]*vesignal.Group, 0, len(byTGID))
	for _, members := range byTGID {
		sortTasksByPID(members)
		groups = append(groups, &vesignal.Group{Tasks: members})
	}
	return groups
}

func sortTasksByPID(tasks []*vesignal.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].PID < tasks[j].PID })
}
