//go:build linux

package transport

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// UnixChannel adapts a net.Conn backed by a Unix-domain socket (the local
// client<->daemon connection, or any data-channel carried over a plain
// socket in test/dev builds that lack the real shared-ring transport) to
// the Channel interface, approximating "free space in the send buffer" via
// SO_SNDBUF minus the kernel's outstanding-bytes counter (TIOCOUTQ).
type UnixChannel struct {
	net.Conn
	syscaller syscall.Conn
}

// NewUnixChannel wraps conn. SendSpace probes the socket only when conn
// also implements syscall.Conn (true of *net.UnixConn and *net.TCPConn);
// otherwise it reports wire64k.
func NewUnixChannel(conn net.Conn) *UnixChannel {
	sc, _ := conn.(syscall.Conn)
	return &UnixChannel{Conn: conn, syscaller: sc}
}

// wire64k is returned when the introspection syscalls can't be performed
// (a degraded sandbox, or a conn type that isn't a raw OS socket): a
// conservatively large free-space figure so backpressure logic never
// wedges the event loop shut for a reason unrelated to real congestion.
const wire64k = 65536

// SendSpace reports the kernel socket send buffer's free capacity.
func (c *UnixChannel) SendSpace() int {
	if c.syscaller == nil {
		return wire64k
	}
	rc, err := c.syscaller.SyscallConn()
	if err != nil {
		return wire64k
	}
	var sndbuf, outq int
	ctrlErr := rc.Control(func(fd uintptr) {
		if v, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF); err == nil {
			sndbuf = v
		}
		if v, err := unix.IoctlGetInt(int(fd), unix.TIOCOUTQ); err == nil {
			outq = v
		}
	})
	if ctrlErr != nil || sndbuf == 0 {
		return wire64k
	}
	free := sndbuf - outq
	if free < 0 {
		return 0
	}
	return free
}
