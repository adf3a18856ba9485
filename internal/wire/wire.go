// Package wire implements the fixed-layout header+body record codec shared
// by the local client socket, the ctrl-channel and every data-channel.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/qubes-vmm/qrexec-broker/internal/qrexecerr"
)

// MessageType is the 32-bit type tag carried by every header record.
type MessageType uint32

const (
	MsgHello MessageType = iota + 1
	MsgExecCmdline
	MsgJustExec
	MsgServiceConnect
	MsgServiceRefused
	MsgTriggerService
	MsgConnectionTerminated
	MsgDataStdin
	MsgDataStdout
	MsgDataStderr
	MsgDataExitCode
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgExecCmdline:
		return "EXEC_CMDLINE"
	case MsgJustExec:
		return "JUST_EXEC"
	case MsgServiceConnect:
		return "SERVICE_CONNECT"
	case MsgServiceRefused:
		return "SERVICE_REFUSED"
	case MsgTriggerService:
		return "TRIGGER_SERVICE"
	case MsgConnectionTerminated:
		return "CONNECTION_TERMINATED"
	case MsgDataStdin:
		return "DATA_STDIN"
	case MsgDataStdout:
		return "DATA_STDOUT"
	case MsgDataStderr:
		return "DATA_STDERR"
	case MsgDataExitCode:
		return "DATA_EXIT_CODE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

// MaxDataChunk bounds the length field of every record; a peer declaring
// more is in protocol violation.
const MaxDataChunk = 65536

// HeaderSize is the on-wire size of a Header record, used by callers that
// need to decide whether a transport's free send space can hold one
// (spec.md §5's backpressure rule).
const HeaderSize = 8

const headerSize = HeaderSize

// Header is the two-field record header: type tag and body length.
type Header struct {
	Type MessageType
	Len  uint32
}

// ReadHeader reads one header from r. A clean EOF at the start of a frame
// is reported as io.EOF (orderly peer close); any other short read or I/O
// error is reported as qrexecerr.TransportError. A length greater than
// MaxDataChunk is qrexecerr.ProtocolViolation.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [headerSize]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return Header{}, io.EOF
		}
		return Header{}, fmt.Errorf("read header: %w: %v", qrexecerr.TransportError, err)
	}
	h := Header{
		Type: MessageType(binary.LittleEndian.Uint32(buf[0:4])),
		Len:  binary.LittleEndian.Uint32(buf[4:8]),
	}
	if h.Len > MaxDataChunk {
		return Header{}, fmt.Errorf("%w: length %d exceeds MAX_DATA_CHUNK", qrexecerr.ProtocolViolation, h.Len)
	}
	return h, nil
}

// WriteHeader writes h to w. Any short write or I/O error is
// qrexecerr.TransportError.
func WriteHeader(w io.Writer, h Header) error {
	var buf [headerSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint32(buf[4:8], h.Len)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write header: %w: %v", qrexecerr.TransportError, err)
	}
	return nil
}

// ReadBody reads exactly n bytes of body following a header. Any short
// read is qrexecerr.TransportError: a body is never allowed to end in an
// orderly EOF, since the header already announced its length.
func ReadBody(r io.Reader, n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read body: %w: %v", qrexecerr.TransportError, err)
	}
	return buf, nil
}

// WriteBody writes body to w in full.
func WriteBody(w io.Writer, body []byte) error {
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write body: %w: %v", qrexecerr.TransportError, err)
	}
	return nil
}

// WriteRecord writes a header for body followed by body itself.
func WriteRecord(w io.Writer, typ MessageType, body []byte) error {
	if err := WriteHeader(w, Header{Type: typ, Len: uint32(len(body))}); err != nil {
		return err
	}
	return WriteBody(w, body)
}
