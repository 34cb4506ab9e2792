package protocol

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/roman-kulish/csi-activity/internal/dispatch"
)

// Preamble is written once at startup to signal pipeline readiness
var Preamble = [3]byte{0xCA, 0xFF, 0xEE}

const diagnosticTimeFormat = "15:04:05"

// Writer frames results on the protocol stream. Every write is flushed
// immediately; nothing else may be written to the underlying stream.
type Writer struct {
	mu       sync.Mutex
	w        *bufio.Writer
	preamble bool
}

// NewWriter creates a protocol writer over w
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WritePreamble emits the 3-byte handshake. It must be the first write and
// is emitted at most once.
func (pw *Writer) WritePreamble() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.preamble {
		return nil
	}
	if _, err := pw.w.Write(Preamble[:]); err != nil {
		return fmt.Errorf("writing preamble: %w", err)
	}
	if err := pw.w.Flush(); err != nil {
		return fmt.Errorf("flushing preamble: %w", err)
	}

	pw.preamble = true
	return nil
}

// WriteResult emits "<index>:<confidence>" followed by a newline
func (pw *Writer) WriteResult(index int, confidence float64) error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if !pw.preamble {
		return fmt.Errorf("result written before preamble")
	}
	if _, err := pw.w.WriteString(FormatResult(index, confidence) + "\n"); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	if err := pw.w.Flush(); err != nil {
		return fmt.Errorf("flushing result: %w", err)
	}
	return nil
}

// Emit implements dispatch.Sink
func (pw *Writer) Emit(_ context.Context, r dispatch.Result) error {
	return pw.WriteResult(r.Index, r.Confidence)
}

// FormatResult renders a result line body with the confidence rounded to
// two decimals
func FormatResult(index int, confidence float64) string {
	return strconv.Itoa(index) + ":" + strconv.FormatFloat(confidence, 'f', 2, 64)
}

// Diagnostics writes human-readable predictions, one per line, in the form
// "<HH:MM:SS> --> <activity> (acc: <confidence>)"
type Diagnostics struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewDiagnostics creates a diagnostic writer over w
func NewDiagnostics(w io.Writer) *Diagnostics {
	return &Diagnostics{w: w, now: time.Now}
}

// Emit implements dispatch.Sink
func (d *Diagnostics) Emit(_ context.Context, r dispatch.Result) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := fmt.Fprintf(d.w, "%s --> %s (acc: %s)\n",
		d.now().Format(diagnosticTimeFormat), r.Label, strconv.FormatFloat(r.Confidence, 'f', 2, 64))
	return err
}
