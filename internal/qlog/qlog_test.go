package qlog

import (
	"os"
	"path/filepath"
	"testing"

	logging "github.com/op/go-logging"
)

func TestSetupWritesToGivenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qrexec.work.log")
	f, err := OpenDaemonLog(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	logger := Setup("qrexec-daemon", f, logging.INFO)
	logger.Info("hello")
	f.Sync()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0660 {
		t.Fatalf("mode = %v, want 0660", info.Mode().Perm())
	}
	if info.Size() == 0 {
		t.Fatalf("expected log file to contain data")
	}
}

func TestColorHelpersReturnPlainTextWhenNotATerminal(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	if got := Red(f, "x"); got != "x" {
		t.Fatalf("Red on a plain file = %q, want %q", got, "x")
	}
}
