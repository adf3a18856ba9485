//go:build !windows

package qsocket

import "net"

func listen(path string) (net.Listener, error) {
	return net.Listen("unix", path)
}
