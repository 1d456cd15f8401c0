package ipc

import (
	"strings"
	"testing"

	"github.com/mello-os/kernel/internal/kerrno"
	"github.com/mello-os/kernel/internal/percpu"
)

type fakeWaker struct {
	woken  percpu.TaskID
	caller int
	calls  int
}

func (f *fakeWaker) WakeFromPort(task percpu.TaskID, callerCoreID int) {
	f.woken = task
	f.caller = callerCoreID
	f.calls++
}

func TestSendRecvRoundTrip(t *testing.T) {
	tbl := NewTable(nil)
	if err := tbl.Send(2, []byte("ping"), 0); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	res, err := tbl.Recv(2, buf)
	if err != nil || res.Blocked || res.N != 4 || string(buf[:4]) != "ping" {
		t.Fatalf("Recv = %+v, %v", res, err)
	}
}

func TestRecvOnEmptyReportsBlocked(t *testing.T) {
	tbl := NewTable(nil)
	res, err := tbl.Recv(5, make([]byte, 4))
	if err != nil || !res.Blocked {
		t.Fatalf("expected Blocked result, got %+v, %v", res, err)
	}
}

func TestSendWakesFIFOWaiter(t *testing.T) {
	w := &fakeWaker{}
	tbl := NewTable(w)
	tbl.ParkWaiter(2, 10)
	tbl.ParkWaiter(2, 20)

	tbl.Send(2, []byte("x"), 3)

	if w.calls != 1 || w.woken != 10 || w.caller != 3 {
		t.Fatalf("expected FIFO wake of task 10 from core 3, got %+v", w)
	}
}

func TestQueueFullAtSixteen(t *testing.T) {
	tbl := NewTable(nil)
	for i := 0; i < MaxQueueLen; i++ {
		if err := tbl.Send(1, []byte("m"), 0); err != nil {
			t.Fatalf("send %d should succeed: %v", i, err)
		}
	}
	if err := tbl.Send(1, []byte("m"), 0); err != kerrno.QueueFull {
		t.Fatalf("17th send = %v, want QueueFull", err)
	}
}

func TestMessageTooLarge(t *testing.T) {
	tbl := NewTable(nil)
	big := strings.Repeat("x", MaxMessageLen+1)
	if err := tbl.Send(1, []byte(big), 0); err != kerrno.MessageTooLarge {
		t.Fatalf("got %v, want MessageTooLarge", err)
	}
}

func TestZeroLengthMessageSucceeds(t *testing.T) {
	tbl := NewTable(nil)
	if err := tbl.Send(1, nil, 0); err != nil {
		t.Fatalf("zero-length send should succeed: %v", err)
	}
	res, err := tbl.Recv(1, make([]byte, 4))
	if err != nil || res.N != 0 {
		t.Fatalf("expected empty message, got %+v, %v", res, err)
	}
}

func TestInvalidPortIndex(t *testing.T) {
	tbl := NewTable(nil)
	if err := tbl.Send(NumPorts, []byte("x"), 0); err != kerrno.NotFound {
		t.Fatalf("got %v, want NotFound", err)
	}
}

func TestFIFOOrderingAcrossSends(t *testing.T) {
	tbl := NewTable(nil)
	tbl.Send(1, []byte("a"), 0)
	tbl.Send(1, []byte("b"), 0)

	buf := make([]byte, 4)
	r1, _ := tbl.Recv(1, buf)
	first := string(buf[:r1.N])
	r2, _ := tbl.Recv(1, buf)
	second := string(buf[:r2.N])

	if first != "a" || second != "b" {
		t.Fatalf("got %q, %q; want a, b in order", first, second)
	}
}

func TestRemoveWaiterPreventsWake(t *testing.T) {
	w := &fakeWaker{}
	tbl := NewTable(w)
	tbl.ParkWaiter(1, 42)
	tbl.RemoveWaiter(1, 42)

	tbl.Send(1, []byte("x"), 0)
	if w.calls != 0 {
		t.Fatal("removed waiter should not be woken")
	}
}

func TestParkWaiterIsIdempotent(t *testing.T) {
	tbl := NewTable(nil)
	tbl.ParkWaiter(1, 1)
	tbl.ParkWaiter(1, 1)
	if tbl.WaiterLen(1) != 1 {
		t.Fatalf("waiter len = %d, want 1 (no duplicate park)", tbl.WaiterLen(1))
	}
}
