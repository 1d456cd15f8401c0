// Package pty implements the pseudo-terminal subsystem from spec.md
// §4.8: master/slave ring buffers, termios line discipline, window-size
// records with SIGWINCH, and the foreground-group read/write policy
// (SIGTTIN/SIGTTOU) coupled to jobcontrol sessions. Grounded on
// Biscuit's userio_i/circbuf_t ring-buffer pattern in
// cmd/kernel/main.go, generalized from Biscuit's raw byte pipe onto
// spec.md's canonical-mode line discipline.
package pty

import (
	"sync"

	"github.com/mello-os/kernel/internal/jobcontrol"
	"github.com/mello-os/kernel/internal/kerrno"
	"github.com/mello-os/kernel/internal/proc"
	"github.com/mello-os/kernel/internal/signal"
)

// NumPairs is spec.md §9's open question resolved the same way as
// ipc.NumPorts: the upper end of the implementation-defined range.
const NumPairs = 256

// Pair is one PTY pair. toSlave carries master-write input (after line
// discipline) to the slave reader; toMaster carries slave-write output
// (and ECHO copies) to the master reader.
type Pair struct {
	mu       sync.Mutex
	Num      int
	termios  Termios
	winsize  WinSize
	toSlave  ring
	toMaster ring
	seq      uint64

	SID        proc.ID
	HasSession bool
}

func (p *Pair) bumpSeq() { p.seq += 2 }

// Table owns every PTY pair plus the jobcontrol/signal wiring needed
// for SIGINT/SIGTSTP/SIGQUIT/SIGWINCH/SIGTTIN/SIGTTOU/SIGHUP
// generation, spec.md §4.8.
type Table struct {
	mu    sync.Mutex
	pairs [NumPairs]*Pair
	free  []int

	jobs  *jobcontrol.Table
	tasks *proc.Table
}

// New constructs a table with every slot free.
func New(jobs *jobcontrol.Table, tasks *proc.Table) *Table {
	t := &Table{jobs: jobs, tasks: tasks}
	for i := NumPairs - 1; i >= 0; i-- {
		t.free = append(t.free, i)
	}
	return t
}

// Open allocates a fresh PTY pair: the multiplexer-open operation from
// spec.md §4.8 ("returns the master endpoint and assigns a slave
// number").
func (t *Table) Open() (*Pair, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.free) == 0 {
		return nil, kerrno.ResourceExhausted
	}
	num := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	p := &Pair{Num: num, termios: DefaultTermios(), winsize: WinSize{Rows: 24, Cols: 80}}
	t.pairs[num] = p
	return p, nil
}

// Lookup returns the pair allocated at num.
func (t *Table) Lookup(num int) (*Pair, error) {
	if num < 0 || num >= NumPairs {
		return nil, kerrno.NotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pairs[num]
	if p == nil {
		return nil, kerrno.NotFound
	}
	return p, nil
}

func (t *Table) fgGroupOf(p *Pair) (proc.ID, bool) {
	if !p.HasSession {
		return 0, false
	}
	g, err := t.jobs.ForegroundGroup(p.SID)
	if err != nil {
		return 0, false
	}
	return g, true
}

func (t *Table) signalGroup(pgid proc.ID, sig int) {
	for _, id := range t.jobs.GroupMembers(pgid) {
		if task, err := t.tasks.Lookup(id); err == nil {
			task.RaiseSignal(sig)
		}
	}
}

// WriteMaster feeds bytes typed at the terminal side through the line
// discipline (ISIG/ICANON/ECHO/ICRNL), per spec.md §4.8.
func (t *Table) WriteMaster(p *Pair, buf []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	fg := func() (proc.ID, bool) { return t.fgGroupOf(p) }
	sg := func(pgid proc.ID, sig int) { t.signalGroup(pgid, sig) }

	n := 0
	for _, b := range buf {
		n++
		if p.termios.LFlag&ISIG != 0 {
			switch b {
			case p.termios.CC[VINTR]:
				if g, ok := fg(); ok {
					sg(g, signal.SIGINT)
				}
				continue
			case p.termios.CC[VSUSP]:
				if g, ok := fg(); ok {
					sg(g, signal.SIGTSTP)
				}
				continue
			case p.termios.CC[VQUIT]:
				if g, ok := fg(); ok {
					sg(g, signal.SIGQUIT)
				}
				continue
			}
		}

		if p.termios.LFlag&ICANON != 0 && b == p.termios.CC[VERASE] {
			p.toSlave.dropLast()
			continue
		}

		in := b
		if p.termios.IFlag&ICRNL != 0 && b == '\r' {
			in = '\n'
		}
		p.toSlave.write([]byte{in})

		if p.termios.LFlag&ECHO != 0 {
			p.echoLocked(in)
		}
	}
	p.bumpSeq()
	return n
}

func (p *Pair) echoLocked(b byte) {
	if p.termios.OFlag&ONLCR != 0 && b == '\n' {
		p.toMaster.write([]byte{'\r', '\n'})
		return
	}
	p.toMaster.write([]byte{b})
}

// ReadMaster drains the master's output ring.
func (t *Table) ReadMaster(p *Pair, buf []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.toMaster.read(buf)
	p.bumpSeq()
	return n
}

// checkForeground implements spec.md §4.8's "task outside the
// foreground group" gate for a slave-fd operation: if task is not a
// member of the PTY's foreground group, it raises the job-control
// signal on task's group and returns kerrno.IoError; otherwise it
// returns nil. isWrite selects SIGTTOU (write path) vs SIGTTIN (read
// path); the write gate only applies when TOSTOP is set.
func (t *Table) checkForeground(p *Pair, task *proc.Task, isWrite bool) error {
	g, ok := t.fgGroupOf(p)
	if !ok || task.PGID == g {
		return nil
	}
	if isWrite && p.termios.LFlag&TOSTOP == 0 {
		return nil
	}
	sig := signal.SIGTTIN
	if isWrite {
		sig = signal.SIGTTOU
	}
	t.signalGroup(task.PGID, sig)
	return kerrno.IoError
}

// ReadSlave implements a program's read from its stdin (the slave
// endpoint): if task is outside the PTY's foreground group, generates
// SIGTTIN and fails with EIO per spec.md §4.8. Otherwise returns the
// next canonical-mode line (or, in raw mode, whatever bytes are
// buffered); returns (0, false, nil) if nothing is ready yet, for the
// caller to block.
func (t *Table) ReadSlave(p *Pair, task *proc.Task, buf []byte) (int, bool, error) {
	if err := t.checkForeground(p, task, false); err != nil {
		return 0, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	avail, ready := p.canReadLocked()
	if !ready {
		return 0, false, nil
	}
	n := avail
	if n > len(buf) {
		n = len(buf)
	}
	got := p.toSlave.read(buf[:n])
	p.bumpSeq()
	return got, true, nil
}

func (p *Pair) canReadLocked() (int, bool) {
	if p.termios.LFlag&ICANON != 0 {
		return p.toSlave.peekLine('\n')
	}
	if p.toSlave.isEmpty() {
		return 0, false
	}
	return p.toSlave.len, true
}

// WriteSlave implements a program's write to its stdout (the slave
// endpoint): subject to the same foreground-group gate (SIGTTOU, only
// when TOSTOP is set), applies ONLCR, and returns bytes consumed
// (short on flow control when the master-readable ring is full).
func (t *Table) WriteSlave(p *Pair, task *proc.Task, buf []byte) (int, error) {
	if err := t.checkForeground(p, task, true); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, b := range buf {
		before := p.toMaster.len
		if p.termios.OFlag&ONLCR != 0 && b == '\n' {
			p.toMaster.write([]byte{'\r', '\n'})
		} else {
			p.toMaster.write([]byte{b})
		}
		if p.toMaster.len == before {
			break
		}
		n++
	}
	p.bumpSeq()
	return n, nil
}

// GetTermios/SetTermios implement TCGETS/TCSETS.
func (t *Table) GetTermios(p *Pair) Termios {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.termios
}

func (t *Table) SetTermios(p *Pair, tio Termios) {
	p.mu.Lock()
	p.termios = tio
	p.bumpSeq()
	p.mu.Unlock()
}

// GetWinSize/SetWinSize implement TIOCGWINSZ/TIOCSWINSZ; setting
// generates SIGWINCH to the foreground group, spec.md §4.8.
func (t *Table) GetWinSize(p *Pair) WinSize {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.winsize
}

func (t *Table) SetWinSize(p *Pair, ws WinSize) {
	p.mu.Lock()
	p.winsize = ws
	p.bumpSeq()
	p.mu.Unlock()

	if g, ok := t.fgGroupOf(p); ok {
		t.signalGroup(g, signal.SIGWINCH)
	}
}

// SlaveNumber implements TIOCGPTN.
func (t *Table) SlaveNumber(p *Pair) int { return p.Num }

// SetControllingTTY implements TIOCSCTTY: only the session leader may
// claim, and only if the session has none yet (delegated to
// jobcontrol, which owns session state).
func (t *Table) SetControllingTTY(p *Pair, task *proc.Task) error {
	if err := t.jobs.ClaimControllingTTY(task, p.Num); err != nil {
		return err
	}
	p.mu.Lock()
	p.SID = task.SID
	p.HasSession = true
	p.mu.Unlock()
	return nil
}

// SetForegroundGroup/ForegroundGroup implement TCSETPGRP/TCGETPGRP for
// the PTY's associated session.
func (t *Table) SetForegroundGroup(p *Pair, pgid proc.ID) error {
	if !p.HasSession {
		return kerrno.NotATerminal
	}
	return t.jobs.SetForegroundGroup(p.SID, pgid)
}

func (t *Table) ForegroundGroup(p *Pair) (proc.ID, error) {
	if !p.HasSession {
		return 0, kerrno.NotATerminal
	}
	return t.jobs.ForegroundGroup(p.SID)
}

// CloseMaster implements spec.md §4.8's "closing the master generates
// SIGHUP to the session leader that holds this PTY as controlling
// terminal" and frees the pair's slot.
func (t *Table) CloseMaster(p *Pair) {
	if p.HasSession {
		if leader, ok := t.jobs.SessionLeader(p.SID); ok {
			if task, err := t.tasks.Lookup(leader); err == nil {
				task.RaiseSignal(signal.SIGHUP)
			}
		}
		t.jobs.ReleaseControllingTTY(p.SID)
	}

	t.mu.Lock()
	t.pairs[p.Num] = nil
	t.free = append(t.free, p.Num)
	t.mu.Unlock()
}
