// Package qlog sets up the leveled loggers used by the daemon, client and
// unpacker binaries, grounded on logging.go's SetupLogging and color.go's
// color helpers.
package qlog

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	logging "github.com/op/go-logging"
)

var fileFormat = logging.MustStringFormatter(
	`%{time:2006-01-02 15:04:05.000} %{level:.6s} %{module} ▶ %{message}`,
)
var stderrFormat = logging.MustStringFormatter(
	`%{color}qrexec ▶ %{message}%{color:reset}`,
)

// Setup configures the named logger to write to dest (typically a daemon's
// per-guest log file, or os.Stderr for a short-lived client/unpacker
// process) at level, honoring a QREXEC_LOG_LEVEL environment override.
func Setup(name string, dest *os.File, level logging.Level) *logging.Logger {
	backend := logging.NewLogBackend(dest, "", 0)
	if dest == os.Stderr {
		logging.SetFormatter(stderrFormat)
	} else {
		logging.SetFormatter(fileFormat)
	}
	leveled := logging.AddModuleLevel(backend)
	if envLevel, err := logging.LogLevel(os.Getenv("QREXEC_LOG_LEVEL")); err == nil {
		leveled.SetLevel(envLevel, name)
	} else {
		leveled.SetLevel(level, name)
	}
	logging.SetBackend(leveled)
	return logging.MustGetLogger(name)
}

// OpenDaemonLog opens (creating if needed) the per-guest daemon log file
// at path with mode 0660, matching spec.md §7's "group-readable (0660,
// group qubes)" requirement. Group ownership itself is left to the
// invoking user (normally root, via a pre-created directory with the
// qubes group already set as its default group) since Go's os package has
// no portable chgrp-on-create primitive.
func OpenDaemonLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
	if err != nil {
		return nil, fmt.Errorf("qlog: open %s: %w", path, err)
	}
	// The create mode above is filtered by the process umask.
	if err := f.Chmod(0660); err != nil {
		f.Close()
		return nil, fmt.Errorf("qlog: chmod %s: %w", path, err)
	}
	return f, nil
}

// colorable reports whether f is a terminal colors should be written to.
func colorable(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func paint(c color.Attribute, f *os.File, s string) string {
	if !colorable(f) {
		return s
	}
	cl := color.New(c)
	cl.EnableColor()
	return cl.SprintFunc()(s)
}

func Cyan(f *os.File, s string) string    { return paint(color.FgHiCyan, f, s) }
func Green(f *os.File, s string) string   { return paint(color.FgHiGreen, f, s) }
func Magenta(f *os.File, s string) string { return paint(color.FgHiMagenta, f, s) }
func Yellow(f *os.File, s string) string  { return paint(color.FgHiYellow, f, s) }
func Red(f *os.File, s string) string     { return paint(color.FgHiRed, f, s) }
