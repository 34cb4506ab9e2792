package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roman-kulish/csi-activity/internal/classifier"
	"github.com/roman-kulish/csi-activity/internal/window"
)

const defaultQueueSize = 4

var (
	// ErrClosed is returned by Submit after Close
	ErrClosed = errors.New("scheduler is closed")

	// ErrNotStarted is returned by Submit before Start
	ErrNotStarted = errors.New("scheduler is not started")
)

// Result is a classification decision for one dispatched window
type Result struct {
	classifier.Result

	Seq         uint64         // Submission sequence number, starting at 1
	Window      *window.Window // Classified window
	SubmittedAt time.Time
	CompletedAt time.Time
}

// Latency is the time from submission to classification
func (r Result) Latency() time.Duration {
	return r.CompletedAt.Sub(r.SubmittedAt)
}

// Sink receives results in submission order
type Sink interface {
	Emit(ctx context.Context, r Result) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, r Result) error

func (f SinkFunc) Emit(ctx context.Context, r Result) error {
	return f(ctx, r)
}

// Handle tracks a submitted window
type Handle struct {
	Seq uint64

	done   chan struct{}
	result Result
	err    error
}

// Done is closed once the window is classified and emitted, or has failed
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the window is processed
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-h.done:
		return h.result, h.err
	}
}

type job struct {
	handle      *Handle
	window      *window.Window
	submittedAt time.Time
}

// Stats are the cumulative scheduler counters
type Stats struct {
	Submitted  uint64
	Classified uint64
	Failed     uint64
}

// WithQueueSize sets the number of windows that may wait for classification
// before Submit blocks
func WithQueueSize(size int) func(*Scheduler) {
	return func(s *Scheduler) {
		s.queueSize = size
	}
}

// WithLogger sets the logger for the scheduler
func WithLogger(logger *slog.Logger) func(*Scheduler) {
	return func(s *Scheduler) {
		s.logger = logger.With(slog.String("component", "dispatch"))
	}
}

// WithSink appends a result sink. Sinks are called in registration order.
func WithSink(sink Sink) func(*Scheduler) {
	return func(s *Scheduler) {
		s.sinks = append(s.sinks, sink)
	}
}

// Scheduler classifies windows on a single worker, away from the reading
// loop. A single worker keeps results in submission order.
type Scheduler struct {
	classifier classifier.Classifier
	labels     classifier.Labels
	sinks      []Sink

	queueSize int
	queue     chan *job

	mu      sync.RWMutex
	started bool
	closed  bool
	seq     uint64
	wg      sync.WaitGroup

	submitted  atomic.Uint64
	classified atomic.Uint64
	failed     atomic.Uint64

	logger *slog.Logger
}

// NewScheduler creates a scheduler for c, decoding predictions with labels
func NewScheduler(c classifier.Classifier, labels classifier.Labels, options ...func(*Scheduler)) (*Scheduler, error) {
	if c == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if err := labels.Validate(); err != nil {
		return nil, fmt.Errorf("invalid labels: %w", err)
	}

	s := Scheduler{
		classifier: c,
		labels:     labels,
		queueSize:  defaultQueueSize,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	if s.queueSize < 0 {
		return nil, fmt.Errorf("invalid queue size: %d", s.queueSize)
	}

	return &s, nil
}

// Start launches the worker. Dispatched windows always run to completion,
// cancelling ctx does not abort them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return fmt.Errorf("scheduler is already running")
	}

	s.started = true
	s.queue = make(chan *job, s.queueSize)

	s.wg.Add(1)
	go s.run(context.WithoutCancel(ctx))

	return nil
}

// Submit hands w to the worker and returns without waiting for the result.
// It blocks only while the queue is full.
func (s *Scheduler) Submit(ctx context.Context, w *window.Window) (*Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if !s.started {
		return nil, ErrNotStarted
	}

	h := &Handle{
		Seq:  atomic.AddUint64(&s.seq, 1),
		done: make(chan struct{}),
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case s.queue <- &job{handle: h, window: w, submittedAt: time.Now()}:
	}

	s.submitted.Add(1)
	return h, nil
}

// Close stops accepting windows and waits until every submitted window is
// classified and emitted
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.started {
		close(s.queue)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Stats returns the scheduler counters
func (s *Scheduler) Stats() Stats {
	return Stats{
		Submitted:  s.submitted.Load(),
		Classified: s.classified.Load(),
		Failed:     s.failed.Load(),
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	for j := range s.queue {
		s.process(ctx, j)
	}
}

func (s *Scheduler) process(ctx context.Context, j *job) {
	defer close(j.handle.done)

	logger := s.logger.With(slog.Uint64("seq", j.handle.Seq))

	probs, err := s.classifier.Predict(ctx, j.window)
	if err == nil {
		j.handle.result.Result, err = s.labels.Decode(probs)
	}
	if err != nil {
		s.failed.Add(1)
		j.handle.err = fmt.Errorf("classifying window %d: %w", j.handle.Seq, err)
		logger.Error(j.handle.err.Error())
		return
	}

	j.handle.result.Seq = j.handle.Seq
	j.handle.result.Window = j.window
	j.handle.result.SubmittedAt = j.submittedAt
	j.handle.result.CompletedAt = time.Now()
	s.classified.Add(1)

	logger.Debug("window classified",
		slog.String("label", j.handle.result.Label),
		slog.Float64("confidence", j.handle.result.Confidence),
		slog.Duration("latency", j.handle.result.Latency()))

	for _, sink := range s.sinks {
		if err := sink.Emit(ctx, j.handle.result); err != nil {
			logger.Error(fmt.Sprintf("emitting result: %s", err.Error()))
		}
	}
}
