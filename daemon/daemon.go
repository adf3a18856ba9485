// Package daemon implements the per-guest broker event loop of spec.md
// §4.7/§5: single-threaded, readiness-multiplexed over the accept socket,
// every client connection and the ctrl-channel, grounded on
// qrexec-daemon.c's main/select_loop (fill_fdsets_for_select, the
// backpressure zeroing of the client read set) and on the teacher's
// krd/krd.go for top-level construct/start/wait wiring shape. Go has no
// select() over blocking reads, so every readiness source here is a
// goroutine feeding one of four channels that this package's single
// dispatch goroutine drains. The port table is touched only by that
// dispatch goroutine and has no lock; the client registry and the policy
// dispatcher are also called from per-client readers and resolver waiters
// and guard themselves with a mutex.
package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	logging "github.com/op/go-logging"

	"github.com/qubes-vmm/qrexec-broker/daemon/policy"
	"github.com/qubes-vmm/qrexec-broker/daemon/ports"
	"github.com/qubes-vmm/qrexec-broker/daemon/registry"
	"github.com/qubes-vmm/qrexec-broker/internal/handshake"
	"github.com/qubes-vmm/qrexec-broker/internal/qrexecerr"
	"github.com/qubes-vmm/qrexec-broker/internal/sanitize"
	"github.com/qubes-vmm/qrexec-broker/internal/transport"
	"github.com/qubes-vmm/qrexec-broker/internal/wire"
)

// ProtocolVersion is the protocol-version integer exchanged in every
// HELLO record.
const ProtocolVersion = 3

// PortBase is VCHAN_BASE_DATA_PORT: the first data-channel port number.
const PortBase = 513

// PortTableSize bounds concurrently active data-channel allocations —
// MAX_CLIENTS in the C source, sized the same as the client fd table.
const PortTableSize = 128

// DefaultUserKeyword is the literal command-body prefix substituted for
// the daemon's configured default user (spec.md §4.4, §6 GLOSSARY).
const DefaultUserKeyword = "DEFAULT:"

// defaultUserKeywordBare is DefaultUserKeyword without its trailing colon;
// only this much is actually discarded from the forwarded body, mirroring
// default_user_keyword_len_without_colon in qrexec-daemon.c (the colon
// itself is preserved and reattached to the substituted username).
const defaultUserKeywordBare = "DEFAULT"

// Config bundles a Daemon's fixed, construction-time parameters.
type Config struct {
	RemoteDomID   uint32
	RemoteDomName string
	DefaultUser   string
	Logger        *logging.Logger
}

// Daemon is one guest domain's broker: the local accept socket, the
// ctrl-channel to that guest's agent, and all the in-memory tables
// (ports, client registry, policy dispatcher) the event loop owns.
type Daemon struct {
	cfg Config

	listener net.Listener
	ctrl     transport.Channel

	ports    *ports.Table
	registry *registry.Registry
	policy   *policy.Dispatcher
	gate     *flowgate

	clientEvents chan clientEvent
	ctrlEvents   chan ctrlEvent
	newConns     chan net.Conn
	decisions    chan policyEvent
}

type clientEvent struct {
	id      string
	msgType wire.MessageType
	header  wire.Header
	body    []byte
	err     error
}

type ctrlEvent struct {
	header wire.Header
	body   []byte
	err    error
}

type policyEvent struct {
	trigger  sanitize.Trigger
	decision policy.Decision
}

// New constructs a Daemon around an already-connected ctrl-channel (the
// HELLO handshake with the agent, agent-sends-first, must already be
// complete — see Handshake) and an already-listening local accept socket.
func New(cfg Config, listener net.Listener, ctrl transport.Channel) *Daemon {
	return &Daemon{
		cfg:          cfg,
		listener:     listener,
		ctrl:         ctrl,
		ports:        ports.NewTable(PortBase, PortTableSize),
		registry:     registry.New(),
		policy:       policy.New(cfg.RemoteDomID, cfg.RemoteDomName),
		gate:         newFlowgate(),
		clientEvents: make(chan clientEvent, 32),
		ctrlEvents:   make(chan ctrlEvent, 32),
		newConns:     make(chan net.Conn, 8),
		decisions:    make(chan policyEvent, 32),
	}
}

// Handshake performs the ctrl-channel HELLO (agent sends first; spec.md
// §4.2) and must succeed before Run is called.
func Handshake(ctrl transport.Channel) error {
	_, err := handshake.Hello(ctrl, ProtocolVersion, false)
	return err
}

func (d *Daemon) logf(format string, args ...interface{}) {
	if d.cfg.Logger != nil {
		d.cfg.Logger.Infof(format, args...)
	}
}

// Run drives the event loop until ctx is cancelled or an unrecoverable
// ctrl-channel failure occurs, matching spec.md §5's "the loop exits only
// on unrecoverable failure."
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go d.acceptLoop(ctx)
	go d.ctrlReadLoop(ctx)

	for {
		d.updateBackpressure()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case conn := <-d.newConns:
			d.handleNewClient(conn)
		case ev := <-d.clientEvents:
			d.handleClientEvent(ev)
		case ev := <-d.ctrlEvents:
			if err := d.handleCtrlEvent(ev); err != nil {
				return err
			}
		case ev := <-d.decisions:
			d.handlePolicyDecision(ev)
		}
	}
}

// updateBackpressure stops client command reads while the ctrl-channel's
// free send space is smaller than a header, and reopens them once it can
// hold one (spec.md §5).
func (d *Daemon) updateBackpressure() {
	d.gate.setOpen(d.ctrl.SendSpace() >= wire.HeaderSize)
}

func (d *Daemon) acceptLoop(ctx context.Context) {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		select {
		case d.newConns <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func (d *Daemon) handleNewClient(conn net.Conn) {
	ch := asChannel(conn)
	c := d.registry.Accept(ch)
	go d.serveClient(c)
}

// serveClient performs the daemon-sends-first HELLO with a newly accepted
// client, then feeds every subsequent record it reads into clientEvents
// for the dispatch loop to act on — the per-connection analogue of
// handle_new_client/handle_client_hello/handle_cmdline_message_from_client.
func (d *Daemon) serveClient(c *registry.Client) {
	if _, err := handshake.Hello(c.Conn, ProtocolVersion, true); err != nil {
		d.clientEvents <- clientEvent{id: c.ID, err: err}
		return
	}
	if err := d.registry.Advance(c.ID, registry.Hello, registry.Cmdline); err != nil {
		d.clientEvents <- clientEvent{id: c.ID, err: err}
		return
	}

	// CMDLINE: exactly one command record is expected.
	d.gate.wait()
	h, err := wire.ReadHeader(c.Conn)
	if err != nil {
		d.clientEvents <- clientEvent{id: c.ID, err: err}
		return
	}
	switch h.Type {
	case wire.MsgExecCmdline, wire.MsgJustExec, wire.MsgServiceConnect:
	default:
		d.clientEvents <- clientEvent{id: c.ID, err: fmt.Errorf("%w: unexpected cmdline record type %v", qrexecerr.ProtocolViolation, h.Type)}
		return
	}
	body, err := wire.ReadBody(c.Conn, h.Len)
	if err != nil {
		d.clientEvents <- clientEvent{id: c.ID, err: err}
		return
	}
	d.clientEvents <- clientEvent{id: c.ID, msgType: h.Type, header: h, body: body}

	// RUNNING: only an orderly close is expected from here on; any data
	// is logged and the client is torn down regardless, like
	// handle_message_from_client's CLIENT_RUNNING case.
	buf := make([]byte, wire.MaxDataChunk)
	for {
		n, err := c.Conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.clientEvents <- clientEvent{id: c.ID, err: io.EOF}
			} else {
				d.clientEvents <- clientEvent{id: c.ID, err: err}
			}
			return
		}
		if n != 0 {
			d.logf("unexpected data received from client %s", c.ID)
			d.clientEvents <- clientEvent{id: c.ID, err: fmt.Errorf("%w: data from client %s in RUNNING state", qrexecerr.ProtocolViolation, c.ID)}
			return
		}
	}
}

func (d *Daemon) handleClientEvent(ev clientEvent) {
	if ev.err != nil {
		d.terminateClient(ev.id)
		return
	}
	d.handleCmdlineBody(ev)
}

// terminateClient mirrors terminate_client: invalidate the registry slot
// and scrub any notify-on-close entry pointing at it.
func (d *Daemon) terminateClient(id string) {
	d.registry.Terminate(id)
	d.ports.ClearNotify(id)
}

func (d *Daemon) handleCmdlineBody(ev clientEvent) {
	if len(ev.body) < 8 {
		d.terminateClient(ev.id)
		return
	}
	params, err := wire.UnmarshalExecParams(ev.body[:8])
	if err != nil {
		d.terminateClient(ev.id)
		return
	}
	rest := ev.body[8:]

	if ev.msgType == wire.MsgServiceConnect {
		// Matching a recently-allowed policy decision suppresses a
		// spurious later SERVICE_REFUSED (spec.md §4.4's CMDLINE bullet).
		d.policy.ConsumeConnect(identPrefix(rest))
	}

	client := d.registry.Get(ev.id)
	if client == nil {
		return
	}

	if params.ConnectPort == 0 {
		port, err := d.ports.Allocate(d.cfg.RemoteDomID)
		if err != nil {
			d.terminateClient(ev.id)
			return
		}
		d.ports.SetNotifyOnClose(port, ev.id)
		reply := wire.ExecParams{ConnectDomain: d.cfg.RemoteDomID, ConnectPort: port}
		if err := wire.WriteRecord(client.Conn, ev.msgType, reply.Marshal()); err != nil {
			d.terminateClient(ev.id)
			d.ports.Release(port, d.cfg.RemoteDomID)
			return
		}
		params.ConnectPort = port
		params.ConnectDomain = d.cfg.RemoteDomID
		d.registry.SetPort(ev.id, port)
	} else if !d.ports.InRange(params.ConnectPort) {
		d.terminateClient(ev.id)
		return
	}

	forwardBody := substituteDefaultUser(rest, d.cfg.DefaultUser)
	fullBody := append(append([]byte(nil), params.Marshal()...), forwardBody...)
	if err := wire.WriteRecord(d.ctrl, ev.msgType, fullBody); err != nil {
		d.terminateClient(ev.id)
		return
	}
	if err := d.registry.Advance(ev.id, registry.Cmdline, registry.Running); err != nil {
		d.terminateClient(ev.id)
	}
}

// substituteDefaultUser replaces a leading "DEFAULT" token (keeping its
// following colon) with user, per spec.md §4.4/§6 and scenario S2.
func substituteDefaultUser(body []byte, user string) []byte {
	if !bytes.HasPrefix(body, []byte(DefaultUserKeyword)) {
		return body
	}
	rest := body[len(defaultUserKeywordBare):] // keeps the leading ':'
	out := make([]byte, 0, len(user)+len(rest))
	out = append(out, user...)
	out = append(out, rest...)
	return out
}

// identPrefix extracts the zero-terminated identifier from a
// SERVICE_CONNECT body's trailing bytes (the service-params ident).
func identPrefix(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (d *Daemon) ctrlReadLoop(ctx context.Context) {
	for {
		h, err := wire.ReadHeader(d.ctrl)
		if err != nil {
			select {
			case d.ctrlEvents <- ctrlEvent{err: err}:
			case <-ctx.Done():
			}
			return
		}
		body, err := wire.ReadBody(d.ctrl, h.Len)
		if err != nil {
			select {
			case d.ctrlEvents <- ctrlEvent{err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case d.ctrlEvents <- ctrlEvent{header: h, body: body}:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Daemon) handleCtrlEvent(ev ctrlEvent) error {
	if ev.err != nil {
		return fmt.Errorf("ctrl-channel: %w", ev.err)
	}
	switch ev.header.Type {
	case wire.MsgTriggerService:
		return d.handleTriggerService(ev.body)
	case wire.MsgConnectionTerminated:
		return d.handleConnectionTerminated(ev.body)
	default:
		return fmt.Errorf("%w: unexpected ctrl-channel record type %v", qrexecerr.ProtocolViolation, ev.header.Type)
	}
}

func (d *Daemon) handleTriggerService(body []byte) error {
	raw, err := wire.UnmarshalTriggerParams(body)
	if err != nil {
		return err
	}
	trigger := sanitize.SanitizeTrigger(sanitize.FromWire(raw))

	if d.policy.Pending() >= PortTableSize {
		return d.sendServiceRefused(trigger.RequestID)
	}

	ch, err := d.policy.Dispatch(context.Background(), trigger)
	if err != nil {
		d.logf("policy dispatch for %s failed: %v", trigger.RequestID, err)
		return d.sendServiceRefused(trigger.RequestID)
	}
	go func() {
		d.decisions <- policyEvent{trigger: trigger, decision: <-ch}
	}()
	return nil
}

func (d *Daemon) handlePolicyDecision(ev policyEvent) {
	if ev.decision.Allowed {
		return
	}
	if err := d.sendServiceRefused(ev.trigger.RequestID); err != nil {
		d.logf("send SERVICE_REFUSED for %s: %v", ev.trigger.RequestID, err)
	}
}

func (d *Daemon) sendServiceRefused(requestID string) error {
	sp := wire.NewServiceParams(requestID)
	return wire.WriteRecord(d.ctrl, wire.MsgServiceRefused, sp.Marshal())
}

func (d *Daemon) handleConnectionTerminated(body []byte) error {
	params, err := wire.UnmarshalExecParams(body)
	if err != nil {
		return err
	}
	if !d.ports.InRange(params.ConnectPort) {
		return fmt.Errorf("%w: invalid port in CONNECTION_TERMINATED (%d)", qrexecerr.ProtocolViolation, params.ConnectPort)
	}
	if notifyID, ok := d.ports.Release(params.ConnectPort, params.ConnectDomain); ok {
		d.terminateClient(notifyID)
	}
	return nil
}

// asChannel adapts a net.Conn into a transport.Channel, using a real
// SendSpace probe where the platform supports it.
func asChannel(conn net.Conn) transport.Channel {
	return transport.NewUnixChannel(conn)
}
