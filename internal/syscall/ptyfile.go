package syscall

import (
	"github.com/mello-os/kernel/internal/kerrno"
	"github.com/mello-os/kernel/internal/proc"
	"github.com/mello-os/kernel/internal/pty"
)

// ptyFile adapts a pty.Pair endpoint to the fd.File interface so PTYs
// sit behind ordinary fds alongside pipes, per spec.md §4.8's "either
// endpoint supports read, write, and control operations."
type ptyFile struct {
	table    *pty.Table
	pair     *pty.Pair
	task     *proc.Task
	isMaster bool
}

func (f *ptyFile) Read(buf []byte) (int, kerrno.Errno) {
	if f.isMaster {
		n := f.table.ReadMaster(f.pair, buf)
		if n == 0 {
			return 0, kerrno.QueueEmpty
		}
		return n, kerrno.OK
	}
	n, ready, err := f.table.ReadSlave(f.pair, f.task, buf)
	if err != nil {
		return 0, kerrno.IoError
	}
	if !ready {
		return 0, kerrno.QueueEmpty
	}
	return n, kerrno.OK
}

func (f *ptyFile) Write(buf []byte) (int, kerrno.Errno) {
	if f.isMaster {
		n := f.table.WriteMaster(f.pair, buf)
		return n, kerrno.OK
	}
	n, err := f.table.WriteSlave(f.pair, f.task, buf)
	if err != nil {
		return 0, kerrno.IoError
	}
	return n, kerrno.OK
}

func (f *ptyFile) Close() error {
	if f.isMaster {
		f.table.CloseMaster(f.pair)
	}
	return nil
}
