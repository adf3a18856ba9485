package handshake

import (
	"errors"
	"testing"
	"time"

	"github.com/qubes-vmm/qrexec-broker/internal/qrexecerr"
	"github.com/qubes-vmm/qrexec-broker/internal/transport"
)

// Universal invariant 3: HELLO round-trip succeeds regardless of which
// side sends first, and fails with IncompatibleVersion on mismatch.
func TestHelloRoundTripEitherSideFirst(t *testing.T) {
	for _, firstIsA := range []bool{true, false} {
		a, b := transport.NewPipe(256)
		defer a.Close()
		defer b.Close()

		type result struct {
			version uint32
			err     error
		}
		resA := make(chan result, 1)
		resB := make(chan result, 1)

		go func() {
			v, err := Hello(a, 42, firstIsA)
			resA <- result{v, err}
		}()
		go func() {
			v, err := Hello(b, 42, !firstIsA)
			resB <- result{v, err}
		}()

		ra := await(t, resA)
		rb := await(t, resB)
		if ra.err != nil || rb.err != nil {
			t.Fatalf("firstIsA=%v: errs = %v / %v", firstIsA, ra.err, rb.err)
		}
		if ra.version != 42 || rb.version != 42 {
			t.Fatalf("firstIsA=%v: versions = %d / %d", firstIsA, ra.version, rb.version)
		}
	}
}

func TestHelloVersionMismatch(t *testing.T) {
	a, b := transport.NewPipe(256)
	defer a.Close()
	defer b.Close()

	type result struct {
		err error
	}
	resA := make(chan result, 1)
	resB := make(chan result, 1)
	go func() {
		_, err := Hello(a, 1, true)
		resA <- result{err}
	}()
	go func() {
		_, err := Hello(b, 2, false)
		resB <- result{err}
	}()
	ra := await(t, resA)
	rb := await(t, resB)
	if !errors.Is(ra.err, qrexecerr.IncompatibleVersion) {
		t.Errorf("a: err = %v, want IncompatibleVersion", ra.err)
	}
	if !errors.Is(rb.err, qrexecerr.IncompatibleVersion) {
		t.Errorf("b: err = %v, want IncompatibleVersion", rb.err)
	}
}

func await[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handshake result")
		var zero T
		return zero
	}
}
