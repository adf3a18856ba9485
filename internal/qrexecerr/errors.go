// Package qrexecerr names the error kinds shared across the broker, per
// spec.md §7. Callers wrap these with fmt.Errorf("...: %w", Kind) so that
// errors.Is keeps working through the call stack while the message still
// carries local context.
package qrexecerr

import "fmt"

var (
	// ProtocolViolation is an unexpected message type, wrong length, or
	// oversize length. Fatal to the affected connection; fatal to the
	// daemon itself when it occurs on the ctrl-channel.
	ProtocolViolation = fmt.Errorf("protocol violation")

	// IncompatibleVersion is a HELLO version mismatch. Fatal.
	IncompatibleVersion = fmt.Errorf("incompatible protocol version")

	// TransportError is a short read/write or a channel closed mid-frame.
	// Fatal to the affected connection.
	TransportError = fmt.Errorf("transport error")

	// AllocationFailure is a full port table. The requesting client is
	// closed without a reply; the daemon continues.
	AllocationFailure = fmt.Errorf("port allocation failed: table full")

	// ConnectTimeout is the client's data-channel establishment deadline
	// expiring. The client exits 1.
	ConnectTimeout = fmt.Errorf("connection establishment timed out")

	// PolicyDenied is the policy resolver exiting nonzero. A refusal is
	// sent to the agent; the daemon continues.
	PolicyDenied = fmt.Errorf("policy denied")

	// LocalIoError is a local stdin/stdout write failure other than EPIPE
	// (which is treated as an orderly half-close).
	LocalIoError = fmt.Errorf("local I/O error")
)
