// Package ports implements the fixed-size data-channel port table of
// spec.md §3/§4.3: one slot per active call, indexed by port-BASE, plus
// the parallel notify-on-close table.
package ports

import (
	"fmt"

	"github.com/qubes-vmm/qrexec-broker/internal/qrexecerr"
)

// unused marks a free port slot. Any value >= 0 is a remote-domain id.
const unused = -1

// NoNotify marks a port slot with no registered notify-on-close client.
const NoNotify = ""

// Table is the port allocator: a fixed-size array of slots, each either
// free or holding the remote-domain id of the call currently using it, in
// one-to-one correspondence with a notify-on-close table of client ids.
type Table struct {
	base     uint32
	used     []int64 // unused, or the allocating remote-domain id
	notify   []string
}

// NewTable constructs a port table covering the half-open range
// [base, base+size).
func NewTable(base uint32, size int) *Table {
	t := &Table{base: base, used: make([]int64, size), notify: make([]string, size)}
	for i := range t.used {
		t.used[i] = unused
	}
	return t
}

// Base returns the first port number covered by the table.
func (t *Table) Base() uint32 { return t.base }

// Size returns the number of slots in the table.
func (t *Table) Size() int { return len(t.used) }

// InRange reports whether port falls within this table's covered range.
func (t *Table) InRange(port uint32) bool {
	return port >= t.base && port < t.base+uint32(len(t.used))
}

// Allocate finds a free slot, marks it with remoteDomID, and returns the
// allocated port number. It returns qrexecerr.AllocationFailure if the
// table is full.
func (t *Table) Allocate(remoteDomID uint32) (port uint32, err error) {
	for i, v := range t.used {
		if v == unused {
			t.used[i] = int64(remoteDomID)
			t.notify[i] = NoNotify
			return t.base + uint32(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %d slots all in use", qrexecerr.AllocationFailure, len(t.used))
}

// SetNotifyOnClose arranges for clientID to be reported as "should close"
// (via Release's return value) when port is released.
func (t *Table) SetNotifyOnClose(port uint32, clientID string) {
	if !t.InRange(port) {
		return
	}
	t.notify[port-t.base] = clientID
}

// ClearNotify removes any notify-on-close registration pointing at
// clientID, regardless of which port it was attached to — used when a
// client is torn down for a reason other than its port being released, so
// a later release doesn't try to re-close it (spec.md §4.4: "scrub this fd
// from all notify-on-close entries").
func (t *Table) ClearNotify(clientID string) {
	for i, c := range t.notify {
		if c == clientID {
			t.notify[i] = NoNotify
		}
	}
}

// Release frees port iff it currently holds expectedRemoteDomID (a no-op
// otherwise — universal invariant 1). If a notify-on-close client was
// registered for the slot, its id is returned (and the registration
// cleared) so the caller can terminate that client; ok is false if no
// notify was pending.
func (t *Table) Release(port uint32, expectedRemoteDomID uint32) (notifyClientID string, ok bool) {
	if !t.InRange(port) {
		return "", false
	}
	i := port - t.base
	if t.used[i] != int64(expectedRemoteDomID) {
		return "", false
	}
	t.used[i] = unused
	notify := t.notify[i]
	t.notify[i] = NoNotify
	if notify == NoNotify {
		return "", false
	}
	return notify, true
}

// InUse reports whether port currently holds an allocation.
func (t *Table) InUse(port uint32) bool {
	if !t.InRange(port) {
		return false
	}
	return t.used[port-t.base] != unused
}
