// Command qrexec-client is the local invoker/responder binary of spec.md
// §6 ("client [-w timeout] [-W] [-t] [-T] -d domain {-l local_prog | -c
// request_id,src_domain_name,src_domain_id | -e} remote_cmdline"), grounded
// on qrexec-client.c's argument handling and the teacher's urfave/cli
// single-purpose-app shape (src/kr/kr.go).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/urfave/cli"

	"github.com/qubes-vmm/qrexec-broker/client/pump"
	"github.com/qubes-vmm/qrexec-broker/internal/handshake"
	"github.com/qubes-vmm/qrexec-broker/internal/qrexecerr"
	"github.com/qubes-vmm/qrexec-broker/internal/qsocket"
	"github.com/qubes-vmm/qrexec-broker/internal/transport"
	"github.com/qubes-vmm/qrexec-broker/internal/wire"
)

const protocolVersion = 3

// connectTimeoutDefault is the data-channel establishment deadline
// (spec.md §4.8): 5s, overridden by -w, disabled by -w 0.
const connectTimeoutDefault = 5 * time.Second

func main() {
	app := cli.NewApp()
	app.Name = "qrexec-client"
	app.Usage = "invoke a command or service in a guest domain, or fulfil one triggered from it"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "w", Usage: "data-channel connect timeout in seconds (0 disables)", Value: -1},
		cli.BoolFlag{Name: "W", Usage: "wait for data-channel connection (reserved, no-op beyond -w's deadline)"},
		cli.BoolFlag{Name: "t", Usage: "replace non-printable bytes in stdout"},
		cli.BoolFlag{Name: "T", Usage: "replace non-printable bytes in stderr"},
		cli.StringFlag{Name: "d", Usage: "target domain name"},
		cli.StringFlag{Name: "l", Usage: "local program to run instead of inheriting stdio"},
		cli.StringFlag{Name: "c", Usage: "request_id,src_domain_name,src_domain_id: respond to a triggered service call"},
		cli.BoolFlag{Name: "e", Usage: "use inherited stdio directly (no local program spawn)"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "qrexec-client:", err)
		os.Exit(1)
	}
}

type role struct {
	isService bool
	requestID string
	srcDomain string
	srcDomID  string
}

func run(c *cli.Context) error {
	domain := c.String("d")
	if domain == "" {
		return cli.NewExitError("qrexec-client: -d domain is required", 1)
	}
	localProg := c.String("l")
	connectSpec := c.String("c")
	inherit := c.Bool("e")

	chosen := 0
	for _, set := range []bool{localProg != "", connectSpec != "", inherit} {
		if set {
			chosen++
		}
	}
	if chosen != 1 {
		return cli.NewExitError("qrexec-client: exactly one of -l, -c, -e is required", 1)
	}
	if domain == "dom0" && connectSpec == "" {
		return cli.NewExitError("qrexec-client: -c is required when -d dom0", 1)
	}

	args := c.Args()
	if len(args) < 1 {
		return cli.NewExitError("qrexec-client: remote_cmdline is required", 1)
	}
	remoteCmdline := strings.Join(args, " ")

	var rl role
	if connectSpec != "" {
		fields := strings.SplitN(connectSpec, ",", 3)
		if len(fields) != 3 {
			return cli.NewExitError("qrexec-client: -c expects request_id,src_domain_name,src_domain_id", 1)
		}
		rl = role{isService: true, requestID: fields[0], srcDomain: fields[1], srcDomID: fields[2]}
	}

	timeout := connectTimeoutDefault
	if w := c.Int("w"); w >= 0 {
		timeout = time.Duration(w) * time.Second
	}

	code, err := invoke(domain, remoteCmdline, localProg, rl, timeout, c.Bool("t"), c.Bool("T"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "qrexec-client:", err)
		os.Exit(1)
	}
	os.Exit(code)
	return nil
}

func invoke(domain, remoteCmdline, localProg string, rl role, timeout time.Duration, filterOut, filterErr bool) (int, error) {
	daemonConn, err := net.Dial("unix", qsocket.Path(qsocket.DefaultRuntimeDir, domain))
	if err != nil {
		return 1, fmt.Errorf("connect to daemon for %s: %w", domain, err)
	}
	defer daemonConn.Close()

	// Client<->daemon HELLO: the daemon accepts and sends first
	// (daemon.serveClient), so the client receives before it sends.
	if _, err := handshake.Hello(daemonConn, protocolVersion, false); err != nil {
		return 1, fmt.Errorf("daemon handshake: %w", err)
	}

	msgType := wire.MsgExecCmdline
	var body []byte
	if rl.isService {
		msgType = wire.MsgServiceConnect
		params := wire.ExecParams{ConnectDomain: 0, ConnectPort: 0}
		sp := wire.NewServiceParams(rl.requestID)
		body = append(append([]byte(nil), params.Marshal()...), sp.Marshal()...)
	} else {
		params := wire.ExecParams{ConnectDomain: 0, ConnectPort: 0}
		body = append(append([]byte(nil), params.Marshal()...), remoteCmdline...)
	}
	if err := wire.WriteRecord(daemonConn, msgType, body); err != nil {
		return 1, fmt.Errorf("send cmdline: %w", err)
	}

	h, err := wire.ReadHeader(daemonConn)
	if err != nil {
		return 1, fmt.Errorf("read daemon reply: %w", err)
	}
	respBody, err := wire.ReadBody(daemonConn, h.Len)
	if err != nil {
		return 1, fmt.Errorf("read daemon reply body: %w", err)
	}
	resp, err := wire.UnmarshalExecParams(respBody[:8])
	if err != nil {
		return 1, fmt.Errorf("decode daemon reply: %w", err)
	}

	os.Setenv("QREXEC_REMOTE_DOMAIN", domain)

	dataConn, err := dialDataChannel(domain, resp.ConnectPort, timeout)
	if err != nil {
		return 1, fmt.Errorf("connect data-channel: %w", err)
	}
	defer dataConn.Close()
	data := transport.NewUnixChannel(dataConn)

	if _, err := handshake.Hello(data, protocolVersion, !rl.isService); err != nil {
		return 1, fmt.Errorf("data-channel handshake: %w", err)
	}

	p := &pump.Pump{
		Data:               data,
		IsService:          rl.isService,
		ReplaceOutputChars: filterOut,
		ReplaceStderrChars: filterErr,
	}

	if localProg != "" {
		cmd := exec.Command("/bin/sh", "-c", localProg)
		cmd.Stderr = os.Stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return 1, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return 1, err
		}
		if err := cmd.Start(); err != nil {
			return 1, err
		}
		p.LocalIn = stdout
		p.LocalOut = stdin
	} else {
		p.LocalIn = os.Stdin
		p.LocalOut = stdoutCloser{}
		p.LocalErr = os.Stderr
	}

	code, err := p.Run(context.Background())
	if err != nil {
		return 1, err
	}
	return code, nil
}

// stdoutCloser adapts os.Stdout to io.WriteCloser without actually closing
// the process's standard output on half-close.
type stdoutCloser struct{}

func (stdoutCloser) Write(b []byte) (int, error) { return os.Stdout.Write(b) }
func (stdoutCloser) Close() error                { return nil }

// dialDataChannel connects to the peer's data-channel endpoint. The real
// shared-ring transport is an external collaborator (spec.md §1); this
// dials the local stand-in socket a production libvchan binding would
// occupy instead, named by domain and allocated port.
func dialDataChannel(domain string, port uint32, timeout time.Duration) (net.Conn, error) {
	path := fmt.Sprintf("%s/qrexec-data.%s.%d.sock", qsocket.DefaultRuntimeDir, domain, port)
	if timeout <= 0 {
		return net.Dial("unix", path)
	}
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("unix", path, time.Until(deadline))
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("port %d: %w", port, qrexecerr.ConnectTimeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
