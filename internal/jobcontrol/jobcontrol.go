// Package jobcontrol implements process groups and sessions from
// spec.md §3/§4.8: group/session membership, setpgid/getpgrp
// semantics, and controlling-terminal claim rules. Grounded on
// Biscuit's minimal pgrp handling plus the POSIX job-control model the
// rest of the pack's shell-adjacent tools assume; since Biscuit itself
// has no session/pgrp layer, this package follows spec.md §9's
// "cyclic references... use id-based back-references resolved through
// the global tables" note directly, indexing proc.Table by id rather
// than holding *proc.Task pointers.
package jobcontrol

import (
	"sync"

	"github.com/mello-os/kernel/internal/kerrno"
	"github.com/mello-os/kernel/internal/proc"
)

// Group is a process group: a session member plus the set of task ids
// currently in it. The pgid equals the id of the task that was group
// leader at creation, per spec.md §3.
type Group struct {
	PGID    proc.ID
	Session proc.ID
	Members map[proc.ID]struct{}
}

// Session is a login session: a leader task, an optional foreground
// group, and an optional controlling terminal.
type Session struct {
	SID         proc.ID
	Leader      proc.ID
	HasTTY      bool
	TTY         int
	HasFgGroup  bool
	FgGroup     proc.ID
}

// Table owns every live group and session, indexed by id per spec.md
// §5's "global tables... protected by per-object locks; the table-
// level lock only guards the set-of-objects metadata".
type Table struct {
	mu       sync.Mutex
	groups   map[proc.ID]*Group
	sessions map[proc.ID]*Session
	tasks    *proc.Table
}

// New constructs an empty jobcontrol table over the given process
// table.
func New(tasks *proc.Table) *Table {
	return &Table{
		groups:   make(map[proc.ID]*Group),
		sessions: make(map[proc.ID]*Session),
		tasks:    tasks,
	}
}

// NewSession makes task the leader of a fresh session and a fresh
// process group of the same id (matching setsid semantics: pgid ==
// sid == leader's id), with no controlling terminal yet.
func (t *Table) NewSession(task *proc.Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sid := task.ID
	t.sessions[sid] = &Session{SID: sid, Leader: task.ID}
	t.groups[sid] = &Group{PGID: sid, Session: sid, Members: map[proc.ID]struct{}{task.ID: {}}}
	task.SID = sid
	task.PGID = sid
}

// SetPGID implements spec.md §4.6's SETPGID: place task into the group
// pgid, creating that group (with task as its first member) if it
// does not yet exist. The new group must belong to task's current
// session — a cross-session setpgid is rejected with SessionMismatch.
func (t *Table) SetPGID(task *proc.Task, pgid proc.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.groups[pgid]
	if !ok {
		g = &Group{PGID: pgid, Session: task.SID, Members: map[proc.ID]struct{}{}}
		t.groups[pgid] = g
	}
	if g.Session != task.SID {
		return kerrno.SessionMismatch
	}

	if old, ok := t.groups[task.PGID]; ok {
		delete(old.Members, task.ID)
		if len(old.Members) == 0 && old.PGID != old.Session {
			delete(t.groups, old.PGID)
		}
	}
	g.Members[task.ID] = struct{}{}
	task.PGID = pgid
	return nil
}

// GetPGRP returns task's current group id, spec.md §4.6's GETPGRP.
func (t *Table) GetPGRP(task *proc.Task) proc.ID { return task.PGID }

// GroupMembers returns the task ids in pgid, for signal fan-out
// (SIGINT/SIGWINCH/etc. to a foreground group).
func (t *Table) GroupMembers(pgid proc.ID) []proc.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[pgid]
	if !ok {
		return nil
	}
	out := make([]proc.ID, 0, len(g.Members))
	for id := range g.Members {
		out = append(out, id)
	}
	return out
}

// ClaimControllingTTY implements spec.md §4.8's TIOCSCTTY: only a
// session leader may claim a controlling terminal, only if its session
// does not already have one.
func (t *Table) ClaimControllingTTY(task *proc.Task, ttyNum int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[task.SID]
	if !ok || sess.Leader != task.ID {
		return kerrno.PermissionDenied
	}
	if sess.HasTTY {
		return kerrno.AlreadyExists
	}
	sess.HasTTY = true
	sess.TTY = ttyNum
	sess.HasFgGroup = true
	sess.FgGroup = task.PGID
	task.CtrlTTY = ttyNum
	task.HasCtrlTTY = true
	return nil
}

// SetForegroundGroup implements spec.md §4.6's TCSETPGRP, recording
// which group in session sid is currently foreground; pgid must be a
// group of that session.
func (t *Table) SetForegroundGroup(sid proc.ID, pgid proc.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[sid]
	if !ok {
		return kerrno.NotFound
	}
	if _, ok := t.groups[pgid]; !ok || t.groups[pgid].Session != sid {
		return kerrno.SessionMismatch
	}
	sess.HasFgGroup = true
	sess.FgGroup = pgid
	return nil
}

// ForegroundGroup implements TCGETPGRP.
func (t *Table) ForegroundGroup(sid proc.ID) (proc.ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[sid]
	if !ok || !sess.HasFgGroup {
		return 0, kerrno.NotFound
	}
	return sess.FgGroup, nil
}

// SessionLeader returns the task id leading sid, for the PTY master-
// close -> SIGHUP-to-session-leader path in spec.md §4.8.
func (t *Table) SessionLeader(sid proc.ID) (proc.ID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[sid]
	if !ok {
		return 0, false
	}
	return sess.Leader, true
}

// ReleaseControllingTTY clears the controlling-terminal association,
// called when the session leader exits or the TTY is explicitly
// released.
func (t *Table) ReleaseControllingTTY(sid proc.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sess, ok := t.sessions[sid]; ok {
		sess.HasTTY = false
	}
}
