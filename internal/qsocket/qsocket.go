// Package qsocket resolves and creates the per-guest local accept socket
// path and its numeric-domid alias, grounded on src/common/socket/socket.go's
// KrDir/AgentListenUnix path-helper shape.
package qsocket

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// DefaultRuntimeDir is the directory the daemon creates its per-guest
// socket and alias in (spec.md §7: "runs from /var/run/qubes").
const DefaultRuntimeDir = "/var/run/qubes"

// Path returns the filesystem path of the local accept socket for domain,
// rooted at runtimeDir.
func Path(runtimeDir, domain string) string {
	return filepath.Join(runtimeDir, "qrexec."+domain)
}

// AliasPath returns the filesystem path of the numeric-domid symlink alias
// for the socket at Path(runtimeDir, domain).
func AliasPath(runtimeDir string, domID uint32) string {
	return filepath.Join(runtimeDir, fmt.Sprintf("qrexec.%d", domID))
}

// Listener is the local accept socket plus the bookkeeping needed to tear
// both the socket and its alias down on exit.
type Listener struct {
	net.Listener
	path  string
	alias string
}

// Listen creates the per-guest local socket and its numeric alias,
// unlinking any stale entries left behind by an unclean previous exit
// (mirroring AgentListenUnix's "delete UNIX socket in case daemon was not
// killed cleanly").
func Listen(runtimeDir, domain string, domID uint32) (*Listener, error) {
	if err := os.MkdirAll(runtimeDir, 0755); err != nil {
		return nil, fmt.Errorf("qsocket: create runtime dir: %w", err)
	}
	path := Path(runtimeDir, domain)
	alias := AliasPath(runtimeDir, domID)

	_ = os.Remove(path)
	_ = os.Remove(alias)

	ln, err := listen(path)
	if err != nil {
		return nil, fmt.Errorf("qsocket: listen %s: %w", path, err)
	}
	if err := os.Symlink(filepath.Base(path), alias); err != nil {
		ln.Close()
		os.Remove(path)
		return nil, fmt.Errorf("qsocket: symlink alias %s: %w", alias, err)
	}
	return &Listener{Listener: ln, path: path, alias: alias}, nil
}

// Close closes the listener and unlinks both the socket and its alias.
func (l *Listener) Close() error {
	err := l.Listener.Close()
	os.Remove(l.alias)
	os.Remove(l.path)
	return err
}
