package ports

import (
	"errors"
	"testing"

	"github.com/qubes-vmm/qrexec-broker/internal/qrexecerr"
)

// Universal invariant 1: releasing a port that is not currently held by
// the given remote domain is a no-op.
func TestReleaseMismatchedDomainIsNoop(t *testing.T) {
	tbl := NewTable(513, 4)
	port, err := tbl.Allocate(7)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, ok := tbl.Release(port, 9); ok {
		t.Fatalf("release with wrong domain id reported notify")
	}
	if !tbl.InUse(port) {
		t.Fatalf("port was released despite domain mismatch")
	}
	if _, ok := tbl.Release(port, 7); ok {
		t.Fatalf("correct release should have no notify registered")
	}
	if tbl.InUse(port) {
		t.Fatalf("port still in use after correct release")
	}
}

func TestAllocateAssignsSequentialFreeSlots(t *testing.T) {
	tbl := NewTable(513, 2)
	p1, err := tbl.Allocate(1)
	if err != nil {
		t.Fatalf("allocate 1: %v", err)
	}
	p2, err := tbl.Allocate(2)
	if err != nil {
		t.Fatalf("allocate 2: %v", err)
	}
	if p1 == p2 {
		t.Fatalf("expected distinct ports, got %d twice", p1)
	}
	if p1 != 513 || p2 != 514 {
		t.Fatalf("expected sequential ports 513, 514 from BASE 513, got %d, %d", p1, p2)
	}
}

// Scenario S5: table exhaustion surfaces AllocationFailure, not a panic
// or silent wraparound.
func TestAllocateTableFullReturnsAllocationFailure(t *testing.T) {
	tbl := NewTable(513, 1)
	if _, err := tbl.Allocate(1); err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if _, err := tbl.Allocate(2); !errors.Is(err, qrexecerr.AllocationFailure) {
		t.Fatalf("err = %v, want AllocationFailure on full table", err)
	}
}

func TestNotifyOnCloseFiresOnceOnCorrectRelease(t *testing.T) {
	tbl := NewTable(513, 4)
	port, _ := tbl.Allocate(3)
	tbl.SetNotifyOnClose(port, "client-a")

	if _, ok := tbl.Release(port, 9); ok {
		t.Fatalf("mismatched release should not consume notify")
	}
	client, ok := tbl.Release(port, 3)
	if !ok || client != "client-a" {
		t.Fatalf("client = %q, ok = %v, want client-a, true", client, ok)
	}

	port2, _ := tbl.Allocate(3)
	_, ok = tbl.Release(port2, 3)
	if ok {
		t.Fatalf("notify should not persist across allocations")
	}
}

func TestClearNotifyRemovesPendingRegistration(t *testing.T) {
	tbl := NewTable(513, 4)
	port, _ := tbl.Allocate(5)
	tbl.SetNotifyOnClose(port, "client-b")
	tbl.ClearNotify("client-b")

	_, ok := tbl.Release(port, 5)
	if ok {
		t.Fatalf("cleared notify should not fire")
	}
}

func TestReleaseOutOfRangeIsNoop(t *testing.T) {
	tbl := NewTable(513, 4)
	if _, ok := tbl.Release(1000, 1); ok {
		t.Fatalf("out-of-range release reported notify")
	}
}
