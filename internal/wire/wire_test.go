package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/qubes-vmm/qrexec-broker/internal/qrexecerr"
)

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Type: MsgExecCmdline, Len: 17}
	if err := WriteHeader(&buf, h); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestReadHeaderCleanEOF(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestReadHeaderMidFrameShortReadIsTransportError(t *testing.T) {
	// three bytes: not enough for a full 8-byte header, and not zero
	// either, so this is a mid-frame short read, not an orderly close.
	_, err := ReadHeader(bytes.NewReader([]byte{1, 2, 3}))
	if !errors.Is(err, qrexecerr.TransportError) {
		t.Fatalf("err = %v, want TransportError", err)
	}
}

func TestReadHeaderOversizeLengthIsProtocolViolation(t *testing.T) {
	var buf bytes.Buffer
	WriteHeader(&buf, Header{Type: MsgDataStdout, Len: MaxDataChunk + 1})
	_, err := ReadHeader(&buf)
	if !errors.Is(err, qrexecerr.ProtocolViolation) {
		t.Fatalf("err = %v, want ProtocolViolation", err)
	}
}

func TestBodyMarshalRoundTrip(t *testing.T) {
	pi := PeerInfo{Version: 3}
	got, err := UnmarshalPeerInfo(pi.Marshal())
	if err != nil || got != pi {
		t.Fatalf("got %+v, err %v", got, err)
	}

	ep := ExecParams{ConnectDomain: 7, ConnectPort: 513}
	gotEP, err := UnmarshalExecParams(ep.Marshal())
	if err != nil || gotEP != ep {
		t.Fatalf("got %+v, err %v", gotEP, err)
	}

	sp := NewServiceParams("req-0001")
	gotSP, err := UnmarshalServiceParams(sp.Marshal())
	if err != nil || gotSP.String() != "req-0001" {
		t.Fatalf("got %q, err %v", gotSP.String(), err)
	}
}

func TestWriteRecordThenReadHeaderAndBody(t *testing.T) {
	var buf bytes.Buffer
	ep := ExecParams{ConnectDomain: 1, ConnectPort: 0}
	if err := WriteRecord(&buf, MsgExecCmdline, ep.Marshal()); err != nil {
		t.Fatalf("write record: %v", err)
	}
	h, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if h.Type != MsgExecCmdline {
		t.Fatalf("type = %v", h.Type)
	}
	body, err := ReadBody(&buf, h.Len)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	got, err := UnmarshalExecParams(body)
	if err != nil || got != ep {
		t.Fatalf("got %+v, err %v", got, err)
	}
}
