package registry

import (
	"errors"
	"io"
	"testing"

	"github.com/qubes-vmm/qrexec-broker/internal/qrexecerr"
	"github.com/qubes-vmm/qrexec-broker/internal/transport"
)

func TestAcceptStartsInHello(t *testing.T) {
	r := New()
	a, _ := transport.NewPipe(64)
	c := r.Accept(a)
	if c.State != Hello {
		t.Fatalf("state = %v, want Hello", c.State)
	}
	if r.Get(c.ID) != c {
		t.Fatalf("Get did not return the accepted client")
	}
}

func TestAdvanceHappyPath(t *testing.T) {
	r := New()
	a, _ := transport.NewPipe(64)
	c := r.Accept(a)

	if err := r.Advance(c.ID, Hello, Cmdline); err != nil {
		t.Fatalf("advance to Cmdline: %v", err)
	}
	if err := r.Advance(c.ID, Cmdline, Running); err != nil {
		t.Fatalf("advance to Running: %v", err)
	}
	if r.Get(c.ID).State != Running {
		t.Fatalf("state = %v, want Running", r.Get(c.ID).State)
	}
}

func TestAdvanceWrongExpectedStateIsProtocolViolation(t *testing.T) {
	r := New()
	a, _ := transport.NewPipe(64)
	c := r.Accept(a)

	err := r.Advance(c.ID, Cmdline, Running)
	if !errors.Is(err, qrexecerr.ProtocolViolation) {
		t.Fatalf("err = %v, want ProtocolViolation", err)
	}
}

func TestTerminateClosesConnectionAndFreesSlot(t *testing.T) {
	r := New()
	a, b := transport.NewPipe(64)
	defer b.Close()
	c := r.Accept(a)

	conn := r.Terminate(c.ID)
	if conn == nil {
		t.Fatalf("expected terminated connection to be returned")
	}
	if r.Get(c.ID) != nil {
		t.Fatalf("client still present after terminate")
	}
	if _, err := b.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("peer read after terminate: err = %v, want io.EOF (connection closed)", err)
	}
	// second terminate is a no-op, not a panic
	if got := r.Terminate(c.ID); got != nil {
		t.Fatalf("second terminate returned %v, want nil", got)
	}
}

func TestRangeVisitsAllClients(t *testing.T) {
	r := New()
	a1, _ := transport.NewPipe(64)
	a2, _ := transport.NewPipe(64)
	r.Accept(a1)
	r.Accept(a2)

	seen := 0
	r.Range(func(*Client) { seen++ })
	if seen != 2 {
		t.Fatalf("visited %d clients, want 2", seen)
	}
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
}
