// Command qrexec-unpacker is the trigger sandbox helper of spec.md §6
// ("unpacker user dir [-v] [-w [margin]]"), grounded on
// qfile-dom0-unpacker.c's main() and the teacher's urfave/cli single-app
// shape. The actual file-copy unpack routine is an external collaborator
// (spec.md §1); this binary performs only the credential/sandbox setup
// that precedes it.
package main

import (
	"fmt"
	"os"

	logging "github.com/op/go-logging"
	"github.com/urfave/cli"

	"github.com/qubes-vmm/qrexec-broker/internal/qlog"
	"github.com/qubes-vmm/qrexec-broker/unpacker"
)

func main() {
	app := cli.NewApp()
	app.Name = "qrexec-unpacker"
	app.Usage = "drop privileges and chroot before the file-copy unpack routine runs"
	app.Flags = []cli.Flag{
		cli.BoolFlag{Name: "v", Usage: "verbose logging"},
		cli.BoolFlag{Name: "w", Usage: "wait for free space instead of failing"},
		cli.Uint64Flag{Name: "margin", Usage: "bytes of headroom required in wait-for-space mode", Value: 0},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "qrexec-unpacker:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	args := c.Args()
	if len(args) < 2 {
		return cli.NewExitError("usage: qrexec-unpacker user dir [-v] [-w [-margin bytes]]", 1)
	}
	user, dir := args[0], args[1]
	verbose := c.Bool("v")
	wait := unpacker.WaitForSpace{Enabled: c.Bool("w"), Margin: c.Uint64("margin")}

	logger := qlog.Setup("qrexec-unpacker", os.Stderr, logLevel(verbose))

	creds, err := unpacker.ResolveUser(user)
	if err != nil {
		logger.Errorf("resolve user %s: %v", user, err)
		os.Exit(1)
	}
	creds.ApplyEnv()

	if err := unpacker.DropToFilesystemUID(creds); err != nil {
		logger.Errorf("drop to filesystem uid: %v", err)
		os.Exit(1)
	}
	if err := unpacker.PrepareIncomingDir(dir); err != nil {
		logger.Errorf("prepare incoming dir %s: %v", dir, err)
		os.Exit(1)
	}
	if err := unpacker.DropRealUID(creds.UID); err != nil {
		logger.Errorf("drop real uid: %v", err)
		os.Exit(1)
	}

	limits, err := unpacker.ResolveLimits(".")
	if err != nil {
		logger.Errorf("resolve limits: %v", err)
		os.Exit(1)
	}
	if verbose {
		logger.Infof("limits: %d bytes, %d files; wait-for-space=%v margin=%d", limits.MaxBytes, limits.MaxFiles, wait.Enabled, wait.Margin)
	}

	// The unpack routine itself reads framed file entries from stdin and
	// enforces limits/wait — a separate library per spec.md §1, not
	// reimplemented here.
	return nil
}

func logLevel(verbose bool) logging.Level {
	if verbose {
		return logging.DEBUG
	}
	return logging.INFO
}
