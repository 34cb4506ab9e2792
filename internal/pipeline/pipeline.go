package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/csi-activity/internal/csi"
	"github.com/roman-kulish/csi-activity/internal/dispatch"
	"github.com/roman-kulish/csi-activity/internal/protocol"
	"github.com/roman-kulish/csi-activity/internal/window"
)

const (
	// ParseErrorsThreshold is the number of consecutive malformed lines after
	// which the input is reported as corrupt. The stream keeps being read.
	ParseErrorsThreshold = 5

	maxLineSize = 1024 * 1024
)

// ErrBrokenPipe is returned when the input stream fails with anything but EOF
var ErrBrokenPipe = errors.New("broken pipe")

// State is the position of the main loop
type State int32

const (
	AwaitingLine State = iota
	Parsing
	Buffering
	Dispatching
	Stopped
)

func (s State) String() string {
	switch s {
	case AwaitingLine:
		return "awaiting-line"
	case Parsing:
		return "parsing"
	case Buffering:
		return "buffering"
	case Dispatching:
		return "dispatching"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats are the cumulative pipeline counters
type Stats struct {
	Lines      uint64 // Non-empty lines read
	Malformed  uint64 // Lines skipped as malformed
	Rejected   uint64 // Readings rejected by the buffer (duplicate or stale)
	Dispatched uint64 // Windows handed to the scheduler
}

// WithLogger sets the logger for the pipeline
func WithLogger(logger *slog.Logger) func(*Pipeline) {
	return func(p *Pipeline) {
		p.logger = logger.With(slog.String("component", "pipeline"))
	}
}

// WithParseErrorsThreshold sets the number of consecutive malformed lines
// reported as a corrupt input
func WithParseErrorsThreshold(threshold uint) func(*Pipeline) {
	return func(p *Pipeline) {
		p.parseErrorsThreshold = threshold
	}
}

// WithDispatchHook registers a function called on the reading loop right
// after each window is submitted
func WithDispatchHook(hook func(*dispatch.Handle)) func(*Pipeline) {
	return func(p *Pipeline) {
		p.onDispatch = hook
	}
}

// Pipeline is the online classification loop: it reads lines, parses them
// into readings, accumulates them into windows and dispatches every complete
// window for classification without waiting for the result.
type Pipeline struct {
	parser    *csi.Parser
	buffer    *window.Buffer
	scheduler *dispatch.Scheduler
	framer    *protocol.Writer

	parseErrorsThreshold uint
	malformedRun         uint
	onDispatch           func(*dispatch.Handle)

	state      atomic.Int32
	lines      atomic.Uint64
	malformed  atomic.Uint64
	rejected   atomic.Uint64
	dispatched atomic.Uint64

	logger *slog.Logger
}

// New creates a pipeline. The buffer is owned by the pipeline from now on.
func New(parser *csi.Parser, buffer *window.Buffer, scheduler *dispatch.Scheduler, framer *protocol.Writer, options ...func(*Pipeline)) *Pipeline {
	p := Pipeline{
		parser:               parser,
		buffer:               buffer,
		scheduler:            scheduler,
		framer:               framer,
		parseErrorsThreshold: ParseErrorsThreshold,
		logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&p)
	}

	return &p
}

// State returns the current loop state
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Stats returns the pipeline counters
func (p *Pipeline) Stats() Stats {
	return Stats{
		Lines:      p.lines.Load(),
		Malformed:  p.malformed.Load(),
		Rejected:   p.rejected.Load(),
		Dispatched: p.dispatched.Load(),
	}
}

// Run emits the preamble and processes in until it is closed or ctx is
// cancelled. Outstanding classifications are drained before Run returns.
func (p *Pipeline) Run(ctx context.Context, in io.Reader) (err error) {
	defer p.state.Store(int32(Stopped))

	if err = p.framer.WritePreamble(); err != nil {
		return err
	}
	if err = p.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer func() {
		p.scheduler.Close()
		p.logSummary()
	}()

	p.logger.Info("pipeline started", slog.Int("windowLength", p.buffer.Length()))

	lines := make(chan string)
	readErr := make(chan error, 1)
	go p.readLines(ctx, in, lines, readErr)

	for {
		p.state.Store(int32(AwaitingLine))

		select {
		case <-ctx.Done():
			p.logger.Info("pipeline cancelled")
			return nil

		case line, ok := <-lines:
			if !ok {
				if err = <-readErr; err != nil {
					return err
				}
				p.logger.Info("input closed")
				return nil
			}

			if err = p.handleLine(ctx, line); err != nil {
				return err
			}
		}
	}
}

// handleLine runs one line through parse, buffer, gate and dispatch
func (p *Pipeline) handleLine(ctx context.Context, line string) error {
	p.state.Store(int32(Parsing))
	p.lines.Add(1)

	reading, err := p.parser.Parse(line)
	if err != nil {
		n := p.malformed.Add(1)
		p.malformedRun++
		p.logger.Warn(err.Error(), slog.String("line", line))
		if p.malformedRun == p.parseErrorsThreshold {
			p.logger.Error("input looks corrupt", slog.Uint64("consecutive", uint64(p.malformedRun)), slog.Uint64("total", n))
		}
		return nil
	}
	p.malformedRun = 0

	p.state.Store(int32(Buffering))

	if err = p.buffer.Insert(reading); err != nil {
		p.rejected.Add(1)

		var dErr *window.DuplicateCellError
		switch {
		case errors.As(err, &dErr):
			p.logger.Warn(err.Error(), slog.String("device", reading.DeviceID))
		case errors.Is(err, window.ErrStaleReading):
			p.logger.Debug(err.Error(), slog.String("subcarrier", reading.Subcarrier))
		default:
			return fmt.Errorf("buffering reading: %w", err)
		}
		return nil
	}

	w, ok := p.buffer.TakeIfComplete()
	if !ok {
		return nil
	}

	p.state.Store(int32(Dispatching))

	h, err := p.scheduler.Submit(ctx, w)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return fmt.Errorf("dispatching window: %w", err)
	}
	p.dispatched.Add(1)

	p.logger.Debug("window dispatched",
		slog.Uint64("seq", h.Seq),
		slog.Int("rows", len(w.Timestamps)),
		slog.Int("columns", len(w.Subcarriers)))

	if p.onDispatch != nil {
		p.onDispatch(h)
	}
	return nil
}

// readLines reads from in and forwards non-empty lines. The lines channel is
// closed on EOF or when ctx is done; read failures are reported on errs first.
func (p *Pipeline) readLines(ctx context.Context, in io.Reader, lines chan<- string, errs chan<- error) {
	defer close(lines)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		select {
		case lines <- line:
		case <-ctx.Done():
			errs <- nil
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		errs <- fmt.Errorf("%w: error reading input: %w", ErrBrokenPipe, err)
		return
	}

	errs <- nil
}

func (p *Pipeline) logSummary() {
	ps := p.Stats()
	bs := p.buffer.Stats()
	ss := p.scheduler.Stats()

	p.logger.Info("pipeline stopped",
		slog.Group("stats",
			slog.String("lines", humanize.Comma(int64(ps.Lines))),
			slog.String("malformed", humanize.Comma(int64(ps.Malformed))),
			slog.String("rejected", humanize.Comma(int64(ps.Rejected))),
			slog.String("evicted", humanize.Comma(int64(bs.Evicted))),
			slog.String("windows", humanize.Comma(int64(ps.Dispatched))),
			slog.String("classified", humanize.Comma(int64(ss.Classified))),
			slog.String("failed", humanize.Comma(int64(ss.Failed))),
		))
}
