package syscall

import (
	"sync"

	"github.com/mello-os/kernel/internal/kerrno"
)

// pipeBuf is the shared ring a pipe's two fd.File endpoints read and
// write through; unlike pty's ring this has no line discipline, just
// the flow-control contract spec.md §4.6's PIPE syscall implies (a
// plain byte stream between two fds).
type pipeBuf struct {
	mu     sync.Mutex
	data   []byte
	closed [2]bool // 0 = read end closed, 1 = write end closed
}

const pipeCapacity = 4096

type pipeEnd struct {
	buf     *pipeBuf
	isWrite bool
}

func newPipe() (*pipeEnd, *pipeEnd) {
	b := &pipeBuf{}
	return &pipeEnd{buf: b, isWrite: false}, &pipeEnd{buf: b, isWrite: true}
}

func (e *pipeEnd) Read(out []byte) (int, kerrno.Errno) {
	if e.isWrite {
		return 0, kerrno.BadFileDescriptor
	}
	e.buf.mu.Lock()
	defer e.buf.mu.Unlock()
	if len(e.buf.data) == 0 {
		if e.buf.closed[1] {
			return 0, kerrno.OK // EOF
		}
		return 0, kerrno.QueueEmpty // would block; caller retries
	}
	n := copy(out, e.buf.data)
	e.buf.data = e.buf.data[n:]
	return n, kerrno.OK
}

func (e *pipeEnd) Write(in []byte) (int, kerrno.Errno) {
	if !e.isWrite {
		return 0, kerrno.BadFileDescriptor
	}
	e.buf.mu.Lock()
	defer e.buf.mu.Unlock()
	if e.buf.closed[0] {
		return 0, kerrno.BrokenPipe
	}
	room := pipeCapacity - len(e.buf.data)
	if room <= 0 {
		return 0, kerrno.QueueFull
	}
	n := len(in)
	if n > room {
		n = room
	}
	e.buf.data = append(e.buf.data, in[:n]...)
	return n, kerrno.OK
}

func (e *pipeEnd) Close() error {
	e.buf.mu.Lock()
	defer e.buf.mu.Unlock()
	if e.isWrite {
		e.buf.closed[1] = true
	} else {
		e.buf.closed[0] = true
	}
	return nil
}
