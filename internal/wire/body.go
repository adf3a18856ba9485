package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/qubes-vmm/qrexec-broker/internal/qrexecerr"
)

// ServiceIdentLen is the fixed width of a service-params identifier buffer.
const ServiceIdentLen = 32

// TriggerFieldLen is the fixed width of each trigger-service string buffer.
const TriggerFieldLen = 32

// PeerInfo is the HELLO body: the sender's protocol-version integer.
type PeerInfo struct {
	Version uint32
}

const peerInfoLen = 4

func (p PeerInfo) Marshal() []byte {
	buf := make([]byte, peerInfoLen)
	binary.LittleEndian.PutUint32(buf, p.Version)
	return buf
}

func UnmarshalPeerInfo(b []byte) (PeerInfo, error) {
	if len(b) != peerInfoLen {
		return PeerInfo{}, fmt.Errorf("%w: peer-info length %d", qrexecerr.ProtocolViolation, len(b))
	}
	return PeerInfo{Version: binary.LittleEndian.Uint32(b)}, nil
}

// ExecParams is the connect-domain/connect-port body used by
// EXEC_CMDLINE/JUST_EXEC/SERVICE_CONNECT/CONNECTION_TERMINATED.
type ExecParams struct {
	ConnectDomain uint32
	ConnectPort   uint32
}

const execParamsLen = 8

func (p ExecParams) Marshal() []byte {
	buf := make([]byte, execParamsLen)
	binary.LittleEndian.PutUint32(buf[0:4], p.ConnectDomain)
	binary.LittleEndian.PutUint32(buf[4:8], p.ConnectPort)
	return buf
}

func UnmarshalExecParams(b []byte) (ExecParams, error) {
	if len(b) < execParamsLen {
		return ExecParams{}, fmt.Errorf("%w: exec-params length %d", qrexecerr.ProtocolViolation, len(b))
	}
	return ExecParams{
		ConnectDomain: binary.LittleEndian.Uint32(b[0:4]),
		ConnectPort:   binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// ServiceParams is the fixed-size zero-terminated service identifier body
// used by SERVICE_CONNECT (the "request identifier").
type ServiceParams struct {
	Ident [ServiceIdentLen]byte
}

func NewServiceParams(ident string) ServiceParams {
	var sp ServiceParams
	n := copy(sp.Ident[:], ident)
	if n < len(sp.Ident) {
		sp.Ident[n] = 0
	} else {
		sp.Ident[len(sp.Ident)-1] = 0
	}
	return sp
}

func (p ServiceParams) Marshal() []byte {
	buf := make([]byte, ServiceIdentLen)
	copy(buf, p.Ident[:])
	return buf
}

func (p ServiceParams) String() string {
	return cstr(p.Ident[:])
}

func UnmarshalServiceParams(b []byte) (ServiceParams, error) {
	if len(b) != ServiceIdentLen {
		return ServiceParams{}, fmt.Errorf("%w: service-params length %d", qrexecerr.ProtocolViolation, len(b))
	}
	var sp ServiceParams
	copy(sp.Ident[:], b)
	return sp, nil
}

// TriggerParams is the agent-originated service-trigger body: three
// fixed-size zero-terminated string buffers.
type TriggerParams struct {
	ServiceName  [TriggerFieldLen]byte
	TargetDomain [TriggerFieldLen]byte
	RequestID    [ServiceIdentLen]byte
}

const triggerParamsLen = TriggerFieldLen + TriggerFieldLen + ServiceIdentLen

func (p TriggerParams) Marshal() []byte {
	buf := make([]byte, 0, triggerParamsLen)
	buf = append(buf, p.ServiceName[:]...)
	buf = append(buf, p.TargetDomain[:]...)
	buf = append(buf, p.RequestID[:]...)
	return buf
}

func UnmarshalTriggerParams(b []byte) (TriggerParams, error) {
	if len(b) != triggerParamsLen {
		return TriggerParams{}, fmt.Errorf("%w: trigger-service-params length %d", qrexecerr.ProtocolViolation, len(b))
	}
	var p TriggerParams
	copy(p.ServiceName[:], b[0:TriggerFieldLen])
	copy(p.TargetDomain[:], b[TriggerFieldLen:2*TriggerFieldLen])
	copy(p.RequestID[:], b[2*TriggerFieldLen:])
	return p, nil
}

// cstr extracts the zero-terminated ASCII string from a fixed-size buffer.
// It does not enforce termination; callers that need the "zero-terminated
// within bounds" invariant should go through internal/sanitize first.
func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
