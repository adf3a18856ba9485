package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/qubes-vmm/qrexec-broker/internal/sanitize"
)

func scriptExiting(t *testing.T, code int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "resolver.sh")
	script := "#!/bin/sh\nexit " + string(rune('0'+code)) + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func awaitDecision(t *testing.T, ch <-chan Decision) Decision {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for policy decision")
		return Decision{}
	}
}

func TestDispatchAllowedMarksRecentAndClearsPending(t *testing.T) {
	d := New(7, "work")
	d.resolverPath = scriptExiting(t, 0)

	trig := sanitize.Trigger{ServiceName: "qubes.Filecopy", TargetDomain: "vault", RequestID: "req-1"}
	ch, err := d.Dispatch(context.Background(), trig)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	dec := awaitDecision(t, ch)
	if !dec.Allowed || dec.RequestID != "req-1" {
		t.Fatalf("decision = %+v", dec)
	}
	if d.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", d.Pending())
	}
	if !d.ConsumeConnect("req-1") {
		t.Fatalf("expected req-1 to be in the recently-allowed cache")
	}
	if d.ConsumeConnect("req-1") {
		t.Fatalf("ConsumeConnect should not fire twice for the same id")
	}
}

func TestDispatchDeniedDoesNotPopulateRecentAllowed(t *testing.T) {
	d := New(7, "work")
	d.resolverPath = scriptExiting(t, 1)

	trig := sanitize.Trigger{ServiceName: "qubes.Filecopy", TargetDomain: "vault", RequestID: "req-2"}
	ch, err := d.Dispatch(context.Background(), trig)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	dec := awaitDecision(t, ch)
	if dec.Allowed {
		t.Fatalf("expected denial")
	}
	if d.ConsumeConnect("req-2") {
		t.Fatalf("denied request must not appear in the allowed cache")
	}
}

func TestDispatchDuplicateRequestIDRejected(t *testing.T) {
	d := New(7, "work")
	d.resolverPath = scriptExiting(t, 0)

	trig := sanitize.Trigger{ServiceName: "qubes.Filecopy", TargetDomain: "vault", RequestID: "req-3"}
	ch, err := d.Dispatch(context.Background(), trig)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), trig); err == nil {
		t.Fatalf("expected duplicate request id to be rejected while pending")
	}
	awaitDecision(t, ch)
}
