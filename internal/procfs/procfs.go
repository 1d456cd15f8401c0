// Package procfs implements the read-only /proc-style snapshot
// interface from spec.md §4.10: consistent per-task and per-PTY text
// streams built from the seqlock-protected state each subsystem
// already maintains. Grounded on Biscuit's /proc-less design (Biscuit
// has no procfs; this package instead follows the text-table
// formatting convention the rest of the pack's host tooling uses, e.g.
// arctir-proctor's status table), with the textual formats fixed by
// SPEC_FULL.md §5: one line per task ("pid tid pgid sid state priority
// name") and one line per PTY ("pty fg_pgid session termios_summary").
package procfs

import (
	"fmt"
	"strings"

	"github.com/mello-os/kernel/internal/jobcontrol"
	"github.com/mello-os/kernel/internal/proc"
	"github.com/mello-os/kernel/internal/pty"
)

// Reader produces text snapshots from the live subsystem tables. It
// holds no state of its own; every call re-reads the source of truth
// under that source's own seqlock/mutex discipline.
type Reader struct {
	Tasks *proc.Table
	Jobs  *jobcontrol.Table
	PTYs  *pty.Table
}

// TaskLines renders one line per live task: "pid tid pgid sid state
// priority name". This core models one thread per task, so pid and tid
// are always equal; the column is kept separate to match the external
// format spec.md implies a conventional /proc would use.
func (r *Reader) TaskLines() []string {
	var lines []string
	for _, t := range r.Tasks.All() {
		s := t.Snapshot()
		lines = append(lines, fmt.Sprintf("%d %d %d %d %s %d %s",
			s.ID, s.ID, s.PGID, s.SID, s.State, s.Priority, s.Name))
	}
	return lines
}

// TaskTable renders the task snapshot as a header plus lines, for
// direct display by host tooling.
func (r *Reader) TaskTable() string {
	var b strings.Builder
	b.WriteString("PID TID PGID SID STATE PRIORITY NAME\n")
	for _, l := range r.TaskLines() {
		b.WriteString(l)
		b.WriteString("\n")
	}
	return b.String()
}

// PTYLine renders one PTY's summary line: "pty fg_pgid session
// termios_summary". termios_summary is a compact flag string (e.g.
// "icanon,echo,isig") matching the convention real /proc-style tools
// use for bitset columns.
func PTYLine(num int, fgPgid, sid proc.ID, tio pty.Termios) string {
	return fmt.Sprintf("%d %d %d %s", num, fgPgid, sid, summarizeTermios(tio))
}

func summarizeTermios(tio pty.Termios) string {
	var flags []string
	if tio.LFlag&pty.ICANON != 0 {
		flags = append(flags, "icanon")
	}
	if tio.LFlag&pty.ECHO != 0 {
		flags = append(flags, "echo")
	}
	if tio.LFlag&pty.ISIG != 0 {
		flags = append(flags, "isig")
	}
	if tio.LFlag&pty.TOSTOP != 0 {
		flags = append(flags, "tostop")
	}
	if tio.IFlag&pty.ICRNL != 0 {
		flags = append(flags, "icrnl")
	}
	if tio.OFlag&pty.ONLCR != 0 {
		flags = append(flags, "onlcr")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

// PTYLines renders a summary line for every PTY num in the given
// range, skipping unallocated slots — the caller (host tooling) walks
// 0..pty.NumPairs since the Table does not itself expose which slots
// are live beyond Lookup returning NotFound.
func (r *Reader) PTYLines(numPairs int) []string {
	var lines []string
	for i := 0; i < numPairs; i++ {
		p, err := r.PTYs.Lookup(i)
		if err != nil {
			continue
		}
		fg, ferr := r.PTYs.ForegroundGroup(p)
		if ferr != nil {
			fg = 0
		}
		tio := r.PTYs.GetTermios(p)
		lines = append(lines, PTYLine(i, fg, p.SID, tio))
	}
	return lines
}
