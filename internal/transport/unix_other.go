//go:build !linux

package transport

import "net"

// UnixChannel on non-Linux platforms cannot introspect the kernel send
// buffer (no TIOCOUTQ); it always reports a conservatively large free
// space. The ctrl-channel is Linux/Xen-only in production regardless — see
// DESIGN.md — so this path only matters for local development builds.
type UnixChannel struct {
	net.Conn
}

func NewUnixChannel(conn net.Conn) *UnixChannel {
	return &UnixChannel{Conn: conn}
}

func (c *UnixChannel) SendSpace() int { return wire64k }

const wire64k = 65536
