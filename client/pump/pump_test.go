package pump

import (
	"bytes"
	"context"
	"errors"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/qubes-vmm/qrexec-broker/internal/qrexecerr"
	"github.com/qubes-vmm/qrexec-broker/internal/transport"
	"github.com/qubes-vmm/qrexec-broker/internal/wire"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func TestFilterReplacesNonPrintableBytes(t *testing.T) {
	buf := []byte("ok\x01\t\n\x7fend")
	Filter(buf)
	if got, want := string(buf), "ok_\t\n_end"; got != want {
		t.Fatalf("Filter = %q, want %q", got, want)
	}
}

// Scenario: inbound stdout data is delivered to local stdout, and the
// pump stops cleanly once an EXIT_CODE record arrives.
func TestPumpDeliversInboundDataThenExitCode(t *testing.T) {
	dataA, dataB := transport.NewPipe(4096)
	defer dataA.Close()
	defer dataB.Close()

	var stdout bytes.Buffer
	p := &Pump{
		Data:     dataA,
		LocalIn:  io.NopCloser(strings0{}),
		LocalOut: nopCloser{&stdout},
	}

	done := make(chan struct {
		code int
		err  error
	}, 1)
	go func() {
		code, err := p.Run(context.Background())
		done <- struct {
			code int
			err  error
		}{code, err}
	}()

	if err := wire.WriteRecord(dataB, wire.MsgDataStdout, []byte("hello")); err != nil {
		t.Fatalf("write stdout record: %v", err)
	}
	if err := wire.WriteRecord(dataB, wire.MsgDataExitCode, EncodeExitCode(7)); err != nil {
		t.Fatalf("write exit code record: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("pump error: %v", r.err)
		}
		if r.code != 7 {
			t.Fatalf("exit code = %d, want 7", r.code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pump to finish")
	}
	if stdout.String() != "hello" {
		t.Fatalf("stdout = %q, want %q", stdout.String(), "hello")
	}
}

// epipeWriter simulates a local stdin whose reader has gone away: every
// Write fails with EPIPE, and Close is tracked so the test can confirm the
// pump closes it rather than propagating the error.
type epipeWriter struct{ closed bool }

func (w *epipeWriter) Write(p []byte) (int, error) { return 0, syscall.EPIPE }
func (w *epipeWriter) Close() error                { w.closed = true; return nil }

// WRITE_STDIN_ERROR's EPIPE case: the pump must close the local side and
// keep running, not kill itself over a reader that exited early.
func TestApplyInboundEPIPEClosesAndContinues(t *testing.T) {
	w := &epipeWriter{}
	p := &Pump{LocalOut: w}
	done, err := p.applyInbound(wire.MsgDataStdin, []byte("data"), nil)
	if err != nil {
		t.Fatalf("applyInbound on EPIPE returned error: %v", err)
	}
	if done {
		t.Fatal("applyInbound on EPIPE reported done, want false (keep pumping)")
	}
	if !w.closed {
		t.Fatal("applyInbound on EPIPE did not close LocalOut")
	}
}

// A non-EPIPE write error is fatal and wrapped in qrexecerr.LocalIoError.
type failWriter struct{}

func (failWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }
func (failWriter) Close() error                { return nil }

func TestApplyInboundNonEPIPEWriteErrorIsFatal(t *testing.T) {
	p := &Pump{LocalOut: failWriter{}}
	_, err := p.applyInbound(wire.MsgDataStdin, []byte("data"), nil)
	if !errors.Is(err, qrexecerr.LocalIoError) {
		t.Fatalf("applyInbound error = %v, want wrapped qrexecerr.LocalIoError", err)
	}
}

func TestDecodeExitCodeShortBodyIs255(t *testing.T) {
	if got := decodeExitCode([]byte{1, 2}); got != 255 {
		t.Fatalf("decodeExitCode(short) = %d, want 255", got)
	}
}

// strings0 is an io.Reader whose every Read blocks forever, standing in
// for a local process whose stdout pump direction is unused
// in this test (only the inbound direction is exercised).
type strings0 struct{}

func (strings0) Read(p []byte) (int, error) {
	<-make(chan struct{})
	return 0, nil
}
