// Package policy implements the policy dispatcher of spec.md §4.4: on a
// guest-originated TRIGGER_SERVICE, spawn the external policy-resolver
// binary and track the outstanding decision in a pending table keyed by
// request identifier, grounded on qrexec-daemon.c's handle_execute_service
// / reap_children / find_policy_pending_slot / send_service_refused.
package policy

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/qubes-vmm/qrexec-broker/internal/sanitize"
)

// ResolverPath is the default external policy-resolver binary, matching
// the C daemon's hardcoded "/usr/bin/qrexec-policy".
const ResolverPath = "/usr/bin/qrexec-policy"

// recentResolvedCacheSize bounds the "recently resolved, awaiting a
// matching SERVICE_CONNECT" window beyond the live pending table, so a
// slow-to-connect accepted service doesn't pin unbounded memory — spec.md
// §4.4.
const recentResolvedCacheSize = 256

// Decision is the outcome of running the policy resolver for one pending
// request.
type Decision struct {
	RequestID string
	Allowed   bool
}

// pendingEntry mirrors struct _policy_pending: the spawned resolver's pid
// (as *exec.Cmd, since Go has no raw SIGCHLD reap loop) and the trigger
// whose outcome it is about to decide.
type pendingEntry struct {
	cmd     *exec.Cmd
	trigger sanitize.Trigger
}

// Dispatcher tracks in-flight policy-resolver invocations and recently
// resolved "allowed" decisions awaiting their SERVICE_CONNECT.
type Dispatcher struct {
	mu              sync.Mutex
	pending         map[string]*pendingEntry
	recentAllowed   *lru.Cache
	remoteDomID     uint32
	remoteDomName   string
	resolverPath    string
}

// New constructs a dispatcher for one guest domain's daemon instance.
func New(remoteDomID uint32, remoteDomName string) *Dispatcher {
	cache, err := lru.New(recentResolvedCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// recentResolvedCacheSize never is.
		panic(err)
	}
	return &Dispatcher{
		pending:       make(map[string]*pendingEntry),
		recentAllowed: cache,
		remoteDomID:   remoteDomID,
		remoteDomName: remoteDomName,
		resolverPath:  ResolverPath,
	}
}

// Pending reports how many resolver invocations are currently in flight —
// the Go equivalent of policy_pending_max's high-water mark, used by
// callers that want to cap concurrent resolutions.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Dispatch spawns the policy resolver for trigger and returns a channel
// that receives exactly one Decision once the resolver exits (or an error
// if it could not even be started). The caller is expected to select over
// this channel from the event loop rather than block on it directly —
// the goroutine started here is this implementation's translation of the
// C daemon's fork+reap_children pair into something that needs no shared
// process-table scan.
func (d *Dispatcher) Dispatch(ctx context.Context, trigger sanitize.Trigger) (<-chan Decision, error) {
	d.mu.Lock()
	if _, exists := d.pending[trigger.RequestID]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("policy: request id %q already pending", trigger.RequestID)
	}
	cmd := exec.CommandContext(ctx, d.resolverPath, "--",
		strconv.FormatUint(uint64(d.remoteDomID), 10),
		d.remoteDomName,
		trigger.TargetDomain,
		trigger.ServiceName,
		trigger.RequestID,
	)
	if err := cmd.Start(); err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("policy: start resolver: %w", err)
	}
	d.pending[trigger.RequestID] = &pendingEntry{cmd: cmd, trigger: trigger}
	d.mu.Unlock()

	out := make(chan Decision, 1)
	go func() {
		err := cmd.Wait()
		allowed := err == nil

		d.mu.Lock()
		delete(d.pending, trigger.RequestID)
		if allowed {
			d.recentAllowed.Add(trigger.RequestID, trigger)
		}
		d.mu.Unlock()

		out <- Decision{RequestID: trigger.RequestID, Allowed: allowed}
	}()
	return out, nil
}

// ConsumeConnect reports whether requestID corresponds to a service the
// resolver recently allowed, and if so removes it from the recency cache —
// mirroring handle_cmdline_body_from_client's scan-and-clear over
// policy_pending on MSG_SERVICE_CONNECT, so a later spurious
// SERVICE_REFUSED is never sent for a connection that already succeeded.
func (d *Dispatcher) ConsumeConnect(requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.recentAllowed.Get(requestID); ok {
		d.recentAllowed.Remove(requestID)
		return true
	}
	return false
}
