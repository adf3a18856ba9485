//go:build windows

package qsocket

import (
	"net"

	"github.com/Microsoft/go-winio"
)

// Windows has no AF_UNIX filesystem sockets in the versions the teacher
// targeted; grounded on socket_windows.go's use of go-winio named pipes
// for the equivalent local IPC endpoint.
func listen(path string) (net.Listener, error) {
	return winio.ListenPipe(`\\.\pipe\`+path, nil)
}
