package qsocket

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPathAndAliasPath(t *testing.T) {
	if got, want := Path("/run/qubes", "work"), "/run/qubes/qrexec.work"; got != want {
		t.Fatalf("Path = %q, want %q", got, want)
	}
	if got, want := AliasPath("/run/qubes", 7), "/run/qubes/qrexec.7"; got != want {
		t.Fatalf("AliasPath = %q, want %q", got, want)
	}
}

func TestListenCreatesSocketAndAlias(t *testing.T) {
	dir := t.TempDir()
	ln, err := Listen(dir, "work", 7)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	if _, err := os.Stat(Path(dir, "work")); err != nil {
		t.Fatalf("socket path missing: %v", err)
	}
	target, err := os.Readlink(AliasPath(dir, 7))
	if err != nil {
		t.Fatalf("alias missing: %v", err)
	}
	if target != filepath.Base(Path(dir, "work")) {
		t.Fatalf("alias target = %q", target)
	}
}

func TestCloseUnlinksSocketAndAlias(t *testing.T) {
	dir := t.TempDir()
	ln, err := Listen(dir, "work", 7)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln.Close()

	if _, err := os.Lstat(Path(dir, "work")); !os.IsNotExist(err) {
		t.Fatalf("socket path still present after close")
	}
	if _, err := os.Lstat(AliasPath(dir, 7)); !os.IsNotExist(err) {
		t.Fatalf("alias still present after close")
	}
}

func TestListenUnlinksStaleEntries(t *testing.T) {
	dir := t.TempDir()
	stale := Path(dir, "work")
	if err := os.WriteFile(stale, []byte("stale"), 0644); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}
	ln, err := Listen(dir, "work", 7)
	if err != nil {
		t.Fatalf("listen over stale entry: %v", err)
	}
	defer ln.Close()
}
