package proc

import (
	"sync"

	"github.com/mello-os/kernel/internal/kerrno"
	"github.com/mello-os/kernel/internal/percpu"
)

// Table is the global process table: id allocation plus a lookup map,
// grounded on Biscuit's pid_cur/allprocs pattern in
// cmd/kernel/main.go (pid_cur atomic counter, allprocs map guarded by
// proclock).
type Table struct {
	mu      sync.Mutex
	nextID  ID
	tasks   map[ID]*Task
}

// NewTable returns an empty process table. IDs are assigned from 1
// upward, so the first task spawned (init) gets ID 1, matching Unix
// convention and spec.md §6's note that
// SIGKILL/SIGSTOP "may never target init (pid 1)".
func NewTable() *Table {
	return &Table{tasks: make(map[ID]*Task), nextID: 1}
}

// Spawn allocates a fresh Task, assigns it the next id, and registers
// it in the table. New tasks start in Ready state, spec.md §4.4.
func (pt *Table) Spawn(name string, prio percpu.Priority) *Task {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	id := pt.nextID
	pt.nextID++
	t := newTask(id, name, prio)
	t.PGID = id
	t.SID = id
	pt.tasks[id] = t
	return t
}

// Lookup returns the task for id, or NoSuchProcess.
func (pt *Table) Lookup(id ID) (*Task, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	t, ok := pt.tasks[id]
	if !ok {
		return nil, kerrno.NoSuchProcess
	}
	return t, nil
}

// Remove deletes id from the table, for reaping a zombie after wait4
// collects its exit status.
func (pt *Table) Remove(id ID) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.tasks, id)
}

// All returns every live task, for /proc enumeration and for the
// process-group membership scans jobcontrol performs.
func (pt *Table) All() []*Task {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	out := make([]*Task, 0, len(pt.tasks))
	for _, t := range pt.tasks {
		out = append(out, t)
	}
	return out
}

// InGroup returns every live task whose PGID is pgid, in no
// particular order, for signal fan-out to a process group.
func (pt *Table) InGroup(pgid ID) []*Task {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	var out []*Task
	for _, t := range pt.tasks {
		if t.PGID == pgid {
			out = append(out, t)
		}
	}
	return out
}

// Count returns the number of live tasks, for resource-exhaustion
// checks on Fork (spec.md §6's bounded-process-count note).
func (pt *Table) Count() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.tasks)
}
