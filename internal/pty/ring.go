package pty

// RingSize is spec.md §4.8's fixed 4 KiB per-direction ring buffer.
const RingSize = 4096

// ring is a byte ring buffer. Writes are split into the contiguous
// suffix and (if needed) a wrapped prefix; reads mirror the split, per
// spec.md §4.8.
type ring struct {
	buf        [RingSize]byte
	head, tail int // head = next read, tail = next write
	len        int
}

func (r *ring) free() int { return RingSize - r.len }

// write appends as much of p as fits and returns the count written; a
// count short of len(p) means the ring filled up (flow control:
// spec.md's "writer experiences flow control... full once the buffer
// is full").
func (r *ring) write(p []byte) int {
	n := len(p)
	if n > r.free() {
		n = r.free()
	}
	for i := 0; i < n; i++ {
		r.buf[r.tail] = p[i]
		r.tail = (r.tail + 1) % RingSize
	}
	r.len += n
	return n
}

// read drains up to len(p) bytes into p.
func (r *ring) read(p []byte) int {
	n := len(p)
	if n > r.len {
		n = r.len
	}
	for i := 0; i < n; i++ {
		p[i] = r.buf[r.head]
		r.head = (r.head + 1) % RingSize
	}
	r.len -= n
	return n
}

// peekLine scans for terminator (or up to r.len bytes) without
// consuming, returning the line length including the terminator if
// found, and whether one was found — used by canonical-mode reads to
// decide whether a full line is available yet.
func (r *ring) peekLine(terminator byte) (int, bool) {
	for i := 0; i < r.len; i++ {
		if r.buf[(r.head+i)%RingSize] == terminator {
			return i + 1, true
		}
	}
	return 0, false
}

// dropLast removes the most recently written byte, for VERASE
// handling in canonical mode (erases the previous character in the
// current, not-yet-terminated line).
func (r *ring) dropLast() bool {
	if r.len == 0 {
		return false
	}
	r.tail = (r.tail - 1 + RingSize) % RingSize
	r.len--
	return true
}

func (r *ring) isEmpty() bool { return r.len == 0 }
func (r *ring) isFull() bool  { return r.len == RingSize }
