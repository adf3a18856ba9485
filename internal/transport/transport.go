// Package transport abstracts the byte-reliable, in-order, bounded-buffer
// channels the broker rides on: the local client<->daemon socket, the
// ctrl-channel to the guest's agent, and per-call data-channels. The real
// shared-ring (libvchan) binding is an external collaborator per spec.md
// §1 and is not implemented here; this package defines the Channel
// interface every transport (real or test double) must satisfy, plus a
// PipeChannel double used throughout the test suite.
package transport

import "io"

// Channel is a bidirectional, byte-reliable, in-order stream with a
// bounded send buffer whose free space can be queried for backpressure
// (spec.md §4.7, §4.8).
type Channel interface {
	io.Reader
	io.Writer
	io.Closer

	// SendSpace reports the number of bytes currently free in the
	// channel's outbound buffer. The daemon uses it to decide whether a
	// header can be written to the ctrl-channel without blocking; the
	// pump does not consult it.
	SendSpace() int
}
