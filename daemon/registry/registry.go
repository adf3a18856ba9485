// Package registry implements the per-client state machine of spec.md
// §4.2/§4.4, grounded on qrexec-daemon.c's clients[] array and
// handle_new_client/terminate_client/handle_client_hello family. Where the
// C implementation indexes by file descriptor, this keeps a map keyed by
// an opaque per-connection id (an RFC 4122 UUID, via satori/go.uuid) since
// Go's net.Conn has no small integer identity to reuse as a table index.
package registry

import (
	"fmt"
	"sync"

	uuid "github.com/satori/go.uuid"

	"github.com/qubes-vmm/qrexec-broker/internal/qrexecerr"
	"github.com/qubes-vmm/qrexec-broker/internal/transport"
)

// State is a client connection's position in the HELLO/CMDLINE/RUNNING
// state machine (spec.md §4.2).
type State int

const (
	// Invalid marks a client that has been torn down; its slot is gone.
	Invalid State = iota
	// Hello is the state immediately after accept, before the daemon's
	// HELLO has been acknowledged.
	Hello
	// Cmdline awaits the client's EXEC_CMDLINE/JUST_EXEC/SERVICE_CONNECT.
	Cmdline
	// Running awaits the client's own close. The client's data-channel
	// port stays allocated until the agent reports CONNECTION_TERMINATED.
	Running
)

func (s State) String() string {
	switch s {
	case Hello:
		return "HELLO"
	case Cmdline:
		return "CMDLINE"
	case Running:
		return "RUNNING"
	default:
		return "INVALID"
	}
}

// Client is one local-socket connection's record.
type Client struct {
	ID    string
	State State
	Conn  transport.Channel
	// Port is the data-channel port the daemon allocated for this
	// client's EXEC_CMDLINE/JUST_EXEC/SERVICE_CONNECT; zero until then,
	// and zero if the client supplied its own port.
	Port uint32
}

// Registry is the daemon's live client table — the Go analogue of
// qrexec-daemon.c's fd-indexed clients[] array, a map instead of an array
// since connections have no reusable small-integer index here.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Accept registers a newly accepted connection in the HELLO state,
// mirroring handle_new_client's post-accept state assignment.
func (r *Registry) Accept(conn transport.Channel) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &Client{ID: uuid.NewV4().String(), State: Hello, Conn: conn}
	r.clients[c.ID] = c
	return c
}

// Get returns the client record for id, or nil if it has been terminated.
func (r *Registry) Get(id string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[id]
}

// Advance transitions id from expect to next. It returns
// qrexecerr.ProtocolViolation if the client is not currently in the
// expected state (spec.md §4.2's transition table is otherwise silent, so
// any unexpected transition is treated as a protocol fault — the same
// fallthrough the C state machine's default case takes to terminate the
// client).
func (r *Registry) Advance(id string, expect, next State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return fmt.Errorf("%w: unknown client %s", qrexecerr.ProtocolViolation, id)
	}
	if c.State != expect {
		return fmt.Errorf("%w: client %s in state %s, expected %s", qrexecerr.ProtocolViolation, id, c.State, expect)
	}
	c.State = next
	return nil
}

// SetPort records the data-channel port allocated for id. Port releases
// are matched to clients through the port table's notify-on-close entries,
// not through this field.
func (r *Registry) SetPort(id string, port uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.Port = port
	}
}

// Terminate moves id to Invalid and closes its connection, mirroring
// terminate_client. Calling Terminate on an already-terminated or unknown
// id is a no-op. It returns the client's connection so the caller can
// finish any protocol-specific teardown (e.g. the port table's
// notify-on-close scrub), or nil if there was nothing to terminate.
func (r *Registry) Terminate(id string) transport.Channel {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		c.State = Invalid
		delete(r.clients, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	c.Conn.Close()
	return c.Conn
}

// Range calls f for every currently-registered client, in no particular
// order (the Go analogue of fill_fdsets_for_select's scan over clients[]).
func (r *Registry) Range(f func(*Client)) {
	r.mu.Lock()
	snapshot := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()
	for _, c := range snapshot {
		f(c)
	}
}

// Len reports the number of live clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
