// Command qrexec-daemon is the per-guest broker process, wired per
// spec.md §6 ("daemon [-q] domid domain-name [default-user]") and grounded
// on the teacher's krd/krd.go for the setup/listen/run/wait-for-signal
// shape, with qrexec-daemon.c's init() supplying the double-fork readiness
// protocol this file translates.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	logging "github.com/op/go-logging"
	"github.com/urfave/cli"

	"github.com/qubes-vmm/qrexec-broker/daemon"
	"github.com/qubes-vmm/qrexec-broker/internal/qlog"
	"github.com/qubes-vmm/qrexec-broker/internal/qsocket"
	"github.com/qubes-vmm/qrexec-broker/internal/transport"
)

// readyEnv flags a re-exec'd child so it knows not to fork again.
const readyEnv = "_QREXEC_DAEMON_CHILD"

// startupTimeoutDefault is MAX_STARTUP_TIME_DEFAULT.
const startupTimeoutDefault = 60 * time.Second

func main() {
	app := cli.NewApp()
	app.Name = "qrexec-daemon"
	app.Usage = "broker command execution and service invocation for one guest domain"
	app.Flags = []cli.Flag{
		cli.BoolFlag{Name: "q", Usage: "suppress the progress banner"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "qrexec-daemon:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	args := c.Args()
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: qrexec-daemon [-q] domid domain-name [default-user]")
		os.Exit(1)
	}
	domid, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil || domid == 0 {
		fmt.Fprintln(os.Stderr, "domain id=0?")
		os.Exit(1)
	}
	domainName := args[1]
	defaultUser := "user"
	if len(args) >= 3 {
		defaultUser = args[2]
	}

	if os.Getenv(readyEnv) == "1" {
		runChild(uint32(domid), domainName, defaultUser)
		return nil
	}
	runParent(uint32(domid), domainName, c.Bool("q"))
	return nil
}

// runParent implements init()'s double-fork readiness wait: it re-executes
// this same binary as a child with readyEnv set, then waits for SIGUSR1
// (agent connected), the child's own exit (setup failure), or a timeout
// (spec.md §6, §9 "double-fork readiness signal").
func runParent(domid uint32, domainName string, quiet bool) {
	timeout := startupTimeoutDefault
	if v := os.Getenv("QREXEC_STARTUP_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}

	childArgs := append([]string{}, os.Args[1:]...)
	cmd := exec.Command(os.Args[0], childArgs...)
	cmd.Env = append(os.Environ(), readyEnv+"=1")
	cmd.Stdin = nil
	if err := cmd.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "fork:", err)
		os.Exit(1)
	}

	if os.Getenv("QREXEC_STARTUP_NOWAIT") != "" {
		os.Exit(0)
	}

	ready := make(chan os.Signal, 1)
	signal.Notify(ready, syscall.SIGUSR1)
	childDone := make(chan error, 1)
	go func() { childDone <- cmd.Wait() }()

	if !quiet {
		fmt.Fprint(os.Stderr, qlog.Cyan(os.Stderr, "Waiting for VM's qrexec agent."))
	}
	select {
	case <-ready:
		if !quiet {
			fmt.Fprintln(os.Stderr, qlog.Green(os.Stderr, " connected."))
		}
		os.Exit(0)
	case err := <-childDone:
		if !quiet {
			fmt.Fprintln(os.Stderr)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, qlog.Red(os.Stderr, fmt.Sprintf("qrexec-daemon: child exited: %v", err)))
		}
		os.Exit(1)
	case <-time.After(timeout):
		fmt.Fprintln(os.Stderr, qlog.Red(os.Stderr, fmt.Sprintf("\nCannot connect to '%s' qrexec agent for %s, giving up", domainName, timeout)))
		cmd.Process.Kill()
		os.Exit(3)
	}
}

// runChild does the work init() performs past the fork: open the log file,
// establish the ctrl-channel and HELLO with the agent, start listening on
// the local socket, then signal the parent and run until failure.
func runChild(domid uint32, domainName, defaultUser string) {
	logPath := fmt.Sprintf("/var/log/qubes/qrexec.%s.log", domainName)
	logFile, err := qlog.OpenDaemonLog(logPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open log:", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := qlog.Setup("qrexec-daemon", logFile, logging.INFO)

	// The real shared-ring ctrl-channel is an external collaborator
	// (spec.md §1); this binary dials the agent-side stand-in socket a
	// production deployment's libvchan binding would occupy instead.
	ctrlConn, err := dialAgent(domid)
	if err != nil {
		logger.Errorf("cannot connect to qrexec agent: %v", err)
		os.Exit(1)
	}
	ctrl := transport.NewUnixChannel(ctrlConn)

	if err := daemon.Handshake(ctrl); err != nil {
		logger.Errorf("agent HELLO failed: %v", err)
		os.Exit(1)
	}

	ln, err := qsocket.Listen(qsocket.DefaultRuntimeDir, domainName, domid)
	if err != nil {
		logger.Errorf("create local socket: %v", err)
		os.Exit(1)
	}
	defer ln.Close()

	d := daemon.New(daemon.Config{
		RemoteDomID:   domid,
		RemoteDomName: domainName,
		DefaultUser:   defaultUser,
		Logger:        logger,
	}, ln, ctrl)

	syscall.Kill(syscall.Getppid(), syscall.SIGUSR1)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stop
		cancel()
	}()

	if err := d.Run(ctx); err != nil {
		logger.Errorf("event loop exited: %v", err)
		os.Exit(1)
	}
}

func dialAgent(domid uint32) (net.Conn, error) {
	path := fmt.Sprintf("%s/qrexec-agent.%d.sock", qsocket.DefaultRuntimeDir, domid)
	return net.Dial("unix", path)
}
