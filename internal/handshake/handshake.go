// Package handshake implements the single symmetric HELLO exchange used at
// all three handshake sites named in spec.md §4.2: client<->daemon,
// daemon<->agent, and client<->peer on the data channel.
package handshake

import (
	"fmt"
	"io"

	"github.com/qubes-vmm/qrexec-broker/internal/qrexecerr"
	"github.com/qubes-vmm/qrexec-broker/internal/wire"
)

// Hello exchanges one HELLO record over rw. sendFirst selects which side
// writes before it reads; both sides of a connection must agree on
// complementary values of sendFirst (one true, one false) for the exchange
// to complete without deadlocking a synchronous io.ReadWriter.
//
// Returns the remote's advertised protocol version. A version mismatch
// against localVersion is qrexecerr.IncompatibleVersion; a malformed HELLO
// record is qrexecerr.ProtocolViolation. Both are fatal to the connection.
func Hello(rw io.ReadWriter, localVersion uint32, sendFirst bool) (remoteVersion uint32, err error) {
	send := func() error {
		return wire.WriteRecord(rw, wire.MsgHello, wire.PeerInfo{Version: localVersion}.Marshal())
	}
	recv := func() (uint32, error) {
		hdr, err := wire.ReadHeader(rw)
		if err != nil {
			if err == io.EOF {
				return 0, fmt.Errorf("%w: peer closed before HELLO", qrexecerr.TransportError)
			}
			return 0, err
		}
		if hdr.Type != wire.MsgHello {
			return 0, fmt.Errorf("%w: expected HELLO, got %s", qrexecerr.ProtocolViolation, hdr.Type)
		}
		body, err := wire.ReadBody(rw, hdr.Len)
		if err != nil {
			return 0, err
		}
		info, err := wire.UnmarshalPeerInfo(body)
		if err != nil {
			return 0, err
		}
		return info.Version, nil
	}

	if sendFirst {
		if err = send(); err != nil {
			return 0, err
		}
		remoteVersion, err = recv()
	} else {
		remoteVersion, err = recv()
		if err == nil {
			err = send()
		}
	}
	if err != nil {
		return 0, err
	}
	if remoteVersion != localVersion {
		return remoteVersion, fmt.Errorf("%w: remote %d, local %d", qrexecerr.IncompatibleVersion, remoteVersion, localVersion)
	}
	return remoteVersion, nil
}
