package sanitize

import (
	"fmt"

	"github.com/qubes-vmm/qrexec-broker/internal/qrexecerr"
	"github.com/qubes-vmm/qrexec-broker/internal/wire"
)

// Trigger is the sanitised form of a TRIGGER_SERVICE body: three plain Go
// strings, each force-terminated and whitelisted per spec.md §3.
type Trigger struct {
	ServiceName  string
	TargetDomain string
	RequestID    string
}

// SanitizeTrigger validates and rewrites an untrusted TRIGGER_SERVICE body.
// It never fails: every byte outside the per-field whitelist is rewritten
// to '_' and every field is force-terminated within its buffer, per the
// spec's open question decision (rewrite, not reject).
func SanitizeTrigger(u Untrusted[wire.TriggerParams]) Trigger {
	raw := u.v
	service := append([]byte(nil), raw.ServiceName[:]...)
	target := append([]byte(nil), raw.TargetDomain[:]...)
	request := append([]byte(nil), raw.RequestID[:]...)
	return Trigger{
		ServiceName:  sanitizeField(service, ExtraService),
		TargetDomain: sanitizeField(target, ExtraTarget),
		RequestID:    sanitizeField(request, ExtraRequest),
	}
}

// ExecParamsRange validates the port-range invariant that the daemon must
// check whenever a client or agent supplies an already-allocated
// connect-port (spec.md §4.4, §4.5): it must fall within
// [base, base+size).
func ExecParamsRange(u Untrusted[wire.ExecParams], base, size uint32) (wire.ExecParams, error) {
	p := u.v
	if p.ConnectPort != 0 && (p.ConnectPort < base || p.ConnectPort >= base+size) {
		return wire.ExecParams{}, fmt.Errorf("%w: connect-port %d out of range [%d,%d)", qrexecerr.ProtocolViolation, p.ConnectPort, base, base+size)
	}
	return p, nil
}

// ServiceIdent sanitises an untrusted SERVICE_CONNECT identifier body down
// to its zero-terminated prefix; the identifier whitelist is the same as
// the request-id field of a trigger.
func ServiceIdent(u Untrusted[wire.ServiceParams]) string {
	buf := append([]byte(nil), u.v.Ident[:]...)
	return sanitizeField(buf, ExtraRequest)
}
