// Package pump implements the bidirectional I/O pump of spec.md §4.8: once
// a client or service process is RUNNING, local stdio is spliced through a
// data-channel in records of up to MaxDataChunk bytes, until an EXIT_CODE record
// arrives or either side half-closes. Grounded on qrexec-client.c's
// select_loop/handle_input/handle_vchan_data/do_replace_chars family, with
// the goroutine-per-stream feeder shape grounded on the curlrevshell
// iobroker bidirectional-stream-broker pattern (golang.org/x/sync/errgroup
// to supervise the paired I/O goroutines, since Go cannot select() on a
// blocking file read).
package pump

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/qubes-vmm/qrexec-broker/internal/qrexecerr"
	"github.com/qubes-vmm/qrexec-broker/internal/transport"
	"github.com/qubes-vmm/qrexec-broker/internal/wire"
)

// Filter replaces any byte that is not printable ASCII, tab, newline,
// carriage return, backspace or bell with '_' — a direct translation of
// do_replace_chars, used when a client was started with -t/-T.
func Filter(buf []byte) {
	for i, c := range buf {
		if (c < 0x20 || c > 0x7e) && c != '\t' && c != '\n' && c != '\r' && c != '\b' && c != '\a' {
			buf[i] = '_'
		}
	}
}

// Pump splices a local process's stdio through a data-channel.
type Pump struct {
	// Data is the data-channel stream: wire records in both directions.
	Data transport.Channel
	// LocalIn is read for outbound data (a local process's stdout, or —
	// on the service-invocation side — its own stdin being relayed back).
	LocalIn io.ReadCloser
	// LocalOut receives inbound data (a local process's stdin).
	LocalOut io.WriteCloser
	// LocalErr receives inbound MSG_DATA_STDERR records, normally
	// os.Stderr.
	LocalErr io.Writer

	// IsService marks this pump as running on the "remote end of a
	// service call" side, which tags outbound data as MSG_DATA_STDOUT
	// instead of MSG_DATA_STDIN (qrexec-client.c's handle_input).
	IsService bool
	// ReplaceOutputChars applies Filter to inbound stdin/stdout data
	// (-t).
	ReplaceOutputChars bool
	// ReplaceStderrChars applies Filter to inbound stderr data (-T).
	ReplaceStderrChars bool
}

// Run pumps data in both directions until an EXIT_CODE record arrives on
// the data-channel, at which point it returns that code, or until an
// unrecoverable I/O error occurs on either side. ctx cancellation stops
// the pump early with ctx.Err().
func (p *Pump) Run(ctx context.Context) (exitCode int, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	exitCodeCh := make(chan int, 1)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return p.pumpOutbound(egCtx) })
	eg.Go(func() error { return p.pumpInbound(egCtx, cancel, exitCodeCh) })

	waitErr := eg.Wait()
	select {
	case code := <-exitCodeCh:
		return code, nil
	default:
	}
	if waitErr != nil {
		return 0, waitErr
	}
	return 0, ctx.Err()
}

// pumpOutbound reads LocalIn in data-channel-sized chunks and forwards
// each as a DATA_STDIN/DATA_STDOUT record, sending a final zero-length
// record on EOF (handle_input's ret==0 path) and then stopping.
func (p *Pump) pumpOutbound(ctx context.Context) error {
	msgType := wire.MsgDataStdin
	if p.IsService {
		msgType = wire.MsgDataStdout
	}

	type chunk struct {
		n   int
		err error
	}
	reads := make(chan chunk, 1)
	buf := make([]byte, wire.MaxDataChunk)
	go func() {
		for {
			n, err := p.LocalIn.Read(buf)
			reads <- chunk{n, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-reads:
			if c.n > 0 {
				if err := wire.WriteRecord(p.Data, msgType, buf[:c.n]); err != nil {
					return fmt.Errorf("pump: write outbound: %w", err)
				}
			}
			if c.err != nil {
				// EOF (or any local read error) ends this
				// direction with a zero-length record, mirroring
				// the close(local_stdout_fd) + empty-record path.
				if err := wire.WriteRecord(p.Data, msgType, nil); err != nil {
					return fmt.Errorf("pump: write outbound close: %w", err)
				}
				return nil
			}
		}
	}
}

// pumpInbound reads data-channel records and applies them to local stdio
// until MSG_DATA_EXIT_CODE arrives, at which point it sends the decoded
// code on exitCodeCh, cancels the pump (so a still-open outbound direction
// is torn down immediately rather than waiting on local EOF, matching
// handle_vchan_data's unconditional do_exit on MSG_DATA_EXIT_CODE), and
// returns nil.
func (p *Pump) pumpInbound(ctx context.Context, cancel context.CancelFunc, exitCodeCh chan<- int) error {
	type record struct {
		h   wire.Header
		buf []byte
		err error
	}
	records := make(chan record, 1)
	go func() {
		for {
			h, err := wire.ReadHeader(p.Data)
			if err != nil {
				records <- record{err: err}
				return
			}
			body, err := wire.ReadBody(p.Data, h.Len)
			if err != nil {
				records <- record{err: err}
				return
			}
			records <- record{h: h, buf: body}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-records:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					return nil
				}
				return fmt.Errorf("pump: read inbound: %w", r.err)
			}
			done, err := p.applyInbound(r.h.Type, r.buf, exitCodeCh)
			if err != nil {
				return err
			}
			if done {
				cancel()
				return nil
			}
		}
	}
}

func (p *Pump) applyInbound(t wire.MessageType, buf []byte, exitCodeCh chan<- int) (done bool, err error) {
	switch t {
	case wire.MsgDataStdin, wire.MsgDataStdout:
		if len(buf) == 0 {
			return false, p.LocalOut.Close()
		}
		if p.ReplaceOutputChars {
			Filter(buf)
		}
		_, err := p.LocalOut.Write(buf)
		if err != nil {
			if errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) {
				// WRITE_STDIN_ERROR's EPIPE case (handle_vchan_data):
				// the local reader is gone. Close our side and keep
				// servicing the opposite direction instead of killing
				// the whole pump.
				p.LocalOut.Close()
				return false, nil
			}
			return false, fmt.Errorf("pump: %w: %v", qrexecerr.LocalIoError, err)
		}
		return false, nil
	case wire.MsgDataStderr:
		if p.ReplaceStderrChars {
			Filter(buf)
		}
		if p.LocalErr == nil {
			_, err := os.Stderr.Write(buf)
			return false, err
		}
		_, err := p.LocalErr.Write(buf)
		return false, err
	case wire.MsgDataExitCode:
		exitCodeCh <- decodeExitCode(buf)
		return true, nil
	default:
		return true, fmt.Errorf("%w: unexpected data-channel record type %v", qrexecerr.ProtocolViolation, t)
	}
}

// decodeExitCode mirrors qrexec-client.c's handle_vchan_data: a body
// shorter than 4 bytes is treated as status 255, matching "we don't know
// the real exit code, so report failure."
func decodeExitCode(buf []byte) int {
	if len(buf) < 4 {
		return 255
	}
	return int(int32(binary.LittleEndian.Uint32(buf[:4])))
}

// EncodeExitCode is the inverse of decodeExitCode, used by send_exit_code
// callers (the service side of a call reporting its child's exit status).
func EncodeExitCode(code int) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(int32(code)))
	return buf
}
