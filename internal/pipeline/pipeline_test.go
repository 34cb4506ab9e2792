package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/roman-kulish/csi-activity/internal/classifier"
	"github.com/roman-kulish/csi-activity/internal/csi"
	"github.com/roman-kulish/csi-activity/internal/dispatch"
	"github.com/roman-kulish/csi-activity/internal/protocol"
	"github.com/roman-kulish/csi-activity/internal/window"
)

var preamble = []byte{0xCA, 0xFF, 0xEE}

// spyClassifier records every window it receives
type spyClassifier struct {
	mu      sync.Mutex
	windows []*window.Window
	delay   func(n int) time.Duration
	answer  func(n int) []float64
}

func (s *spyClassifier) Predict(ctx context.Context, w *window.Window) ([]float64, error) {
	s.mu.Lock()
	n := len(s.windows)
	s.windows = append(s.windows, w)
	s.mu.Unlock()

	if s.delay != nil {
		time.Sleep(s.delay(n))
	}
	if s.answer != nil {
		return s.answer(n), nil
	}
	return []float64{0.1, 0.7, 0.1, 0.1}, nil
}

type harness struct {
	pipeline *Pipeline
	buffer   *window.Buffer
	out      *bytes.Buffer
}

func newHarness(t *testing.T, length int, c classifier.Classifier, options ...func(*Pipeline)) *harness {
	t.Helper()

	buffer, err := window.NewBuffer(length)
	if err != nil {
		t.Fatal(err)
	}

	out := &bytes.Buffer{}
	framer := protocol.NewWriter(out)

	scheduler, err := dispatch.NewScheduler(c, classifier.DefaultLabels(), dispatch.WithSink(framer))
	if err != nil {
		t.Fatal(err)
	}

	return &harness{
		pipeline: New(csi.NewParser(csi.DefaultDelimiter), buffer, scheduler, framer, options...),
		buffer:   buffer,
		out:      out,
	}
}

func line(sec int, subcarrier string, amplitude string) string {
	return fmt.Sprintf("10:00:%02d:0;aa:bb:cc:dd:ee:ff;%s;%s;0,1;-60;2412", sec, subcarrier, amplitude)
}

func TestPipeline_SingleWindow(t *testing.T) {
	spy := &spyClassifier{}
	h := newHarness(t, 9, spy)

	var input []string
	for i := 1; i <= 9; i++ {
		input = append(input, line(i, "1", fmt.Sprintf("%d,0", i)))
	}

	if err := h.pipeline.Run(context.Background(), strings.NewReader(strings.Join(input, "\n")+"\n")); err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	if len(spy.windows) != 1 {
		t.Fatalf("expected 1 dispatched window, got %d", len(spy.windows))
	}
	w := spy.windows[0]
	if shape := w.Shape(); shape != [3]int{1, 9, 1} {
		t.Errorf("expected shape (1, 9, 1), got %v", shape)
	}
	if diff := cmp.Diff([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9}, w.Flatten()); diff != "" {
		t.Errorf("window values mismatch (-want +got):\n%s", diff)
	}

	want := append(append([]byte{}, preamble...), []byte("1:0.70\n")...)
	if !bytes.Equal(h.out.Bytes(), want) {
		t.Errorf("expected output %q, got %q", want, h.out.Bytes())
	}
	if bytes.Count(h.out.Bytes(), preamble) != 1 {
		t.Error("preamble must appear exactly once")
	}
	if h.pipeline.State() != Stopped {
		t.Errorf("expected stopped state, got %s", h.pipeline.State())
	}
}

func TestPipeline_InterleavedSubcarriers(t *testing.T) {
	spy := &spyClassifier{}
	h := newHarness(t, 9, spy)

	// two windows, subcarrier order alternates per timestamp
	var input []string
	for i := 1; i <= 18; i++ {
		a := line(i, "1", fmt.Sprintf("%d,5", i))
		b := line(i, "2", fmt.Sprintf("-%d,5", i))
		if i%2 == 0 {
			a, b = b, a
		}
		input = append(input, a, b)
	}

	if err := h.pipeline.Run(context.Background(), strings.NewReader(strings.Join(input, "\n"))); err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	if len(spy.windows) != 2 {
		t.Fatalf("expected 2 dispatched windows, got %d", len(spy.windows))
	}
	for i, w := range spy.windows {
		if shape := w.Shape(); shape != [3]int{1, 9, 2} {
			t.Errorf("window %d: expected shape (1, 9, 2), got %v", i, shape)
		}
	}
	if got := h.out.String(); got != string(preamble)+"1:0.70\n1:0.70\n" {
		t.Errorf("unexpected output %q", got)
	}
}

func TestPipeline_MalformedLines(t *testing.T) {
	spy := &spyClassifier{}

	var rows, columns []int
	h := newHarness(t, 3, spy)

	input := []string{
		line(1, "1", "1,0"),
		"garbage",
		line(2, "1", "abc"),
		"10:00:03:0;dev;1;1,0;0",
		line(2, "1", "2,0"),
		line(3, "1", "3,0"),
	}

	for _, l := range input[:4] {
		if err := h.pipeline.handleLine(context.Background(), l); err != nil {
			t.Fatal(err)
		}
		rows = append(rows, h.buffer.Rows())
		columns = append(columns, h.buffer.Columns())
	}

	if diff := cmp.Diff([]int{1, 1, 1, 1}, rows); diff != "" {
		t.Errorf("malformed lines changed the row count (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 1, 1, 1}, columns); diff != "" {
		t.Errorf("malformed lines changed the column count (-want +got):\n%s", diff)
	}

	h.buffer.Clear()
	if err := h.pipeline.Run(context.Background(), strings.NewReader(strings.Join(input, "\n"))); err != nil {
		t.Fatal(err)
	}

	if got := h.out.String(); got != string(preamble)+"1:0.70\n" {
		t.Errorf("unexpected output %q", got)
	}
	if diff := cmp.Diff([]float64{1, 2, 3}, spy.windows[0].Flatten()); diff != "" {
		t.Errorf("window values mismatch (-want +got):\n%s", diff)
	}
	if st := h.pipeline.Stats(); st.Malformed != 6 || st.Dispatched != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestPipeline_BufferEmptyAfterDispatch(t *testing.T) {
	spy := &spyClassifier{}

	var h *harness
	var sizes [][2]int
	h = newHarness(t, 2, spy, WithDispatchHook(func(*dispatch.Handle) {
		sizes = append(sizes, [2]int{h.buffer.Rows(), h.buffer.Columns()})
		if h.buffer.IsComplete() {
			t.Error("buffer must be incomplete right after dispatch")
		}
	}))

	input := []string{
		line(1, "1", "1"), line(2, "1", "2"),
		line(3, "1", "3"), line(4, "1", "4"),
	}
	if err := h.pipeline.Run(context.Background(), strings.NewReader(strings.Join(input, "\n"))); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([][2]int{{0, 0}, {0, 0}}, sizes); diff != "" {
		t.Errorf("buffer not empty after dispatch (-want +got):\n%s", diff)
	}
}

func TestPipeline_OrderUnderJitter(t *testing.T) {
	spy := &spyClassifier{
		delay: func(n int) time.Duration {
			return time.Duration((n*7)%5) * time.Millisecond
		},
		answer: func(n int) []float64 {
			probs := make([]float64, 4)
			probs[n%4] = 0.9
			return probs
		},
	}
	h := newHarness(t, 1, spy)

	var input []string
	var want strings.Builder
	want.Write(preamble)
	for i := 0; i < 20; i++ {
		input = append(input, line(i, "1", "1"))
		want.WriteString(fmt.Sprintf("%d:0.90\n", i%4))
	}

	if err := h.pipeline.Run(context.Background(), strings.NewReader(strings.Join(input, "\n"))); err != nil {
		t.Fatal(err)
	}

	if got := h.out.String(); got != want.String() {
		t.Errorf("expected output %q, got %q", want.String(), got)
	}
}

func TestPipeline_ClassifierFailureIsSilent(t *testing.T) {
	c := classifier.Func(func(ctx context.Context, w *window.Window) ([]float64, error) {
		if w.At(0, 0) == 2 {
			return nil, errors.New("inference failed")
		}
		return []float64{0, 0, 1, 0}, nil
	})
	h := newHarness(t, 1, c)

	input := []string{line(1, "1", "1"), line(2, "1", "2"), line(3, "1", "3")}
	if err := h.pipeline.Run(context.Background(), strings.NewReader(strings.Join(input, "\n"))); err != nil {
		t.Fatal(err)
	}

	if got := h.out.String(); got != string(preamble)+"2:1.00\n2:1.00\n" {
		t.Errorf("unexpected output %q", got)
	}
}

func TestPipeline_Cancelled(t *testing.T) {
	h := newHarness(t, 9, &spyClassifier{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// a reader that never returns data
	pr, pw := io.Pipe()
	defer pw.Close()

	if err := h.pipeline.Run(ctx, pr); err != nil {
		t.Fatalf("cancelled pipeline must stop cleanly, got %v", err)
	}
	if !bytes.Equal(h.out.Bytes(), preamble) {
		t.Errorf("expected only the preamble, got %q", h.out.Bytes())
	}
}

func TestPipeline_NonFiniteAmplitudes(t *testing.T) {
	spy := &spyClassifier{}
	h := newHarness(t, 3, spy)

	input := []string{
		line(1, "1", "NaN"),
		line(2, "1", "Inf"),
		line(3, "1", "1,0"),
	}
	if err := h.pipeline.Run(context.Background(), strings.NewReader(strings.Join(input, "\n"))); err != nil {
		t.Fatal(err)
	}

	if len(spy.windows) != 0 {
		t.Errorf("no window may be classified, got %d", len(spy.windows))
	}
	if !bytes.Equal(h.out.Bytes(), preamble) {
		t.Errorf("expected only the preamble, got %q", h.out.Bytes())
	}
	if st := h.pipeline.Stats(); st.Malformed != 2 || st.Dispatched != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
	if h.buffer.Rows() != 1 {
		t.Errorf("expected only the finite reading to be buffered, got %d rows", h.buffer.Rows())
	}
}

func TestPipeline_MidnightRollover(t *testing.T) {
	spy := &spyClassifier{}
	h := newHarness(t, 3, spy)

	input := []string{
		"23:59:58:0;aa:bb:cc:dd:ee:ff;1;1;0,1;-60;2412",
		"23:59:59:0;aa:bb:cc:dd:ee:ff;1;2;0,1;-60;2412",
		"00:00:00:0;aa:bb:cc:dd:ee:ff;1;3;0,1;-60;2412",
	}
	if err := h.pipeline.Run(context.Background(), strings.NewReader(strings.Join(input, "\n"))); err != nil {
		t.Fatal(err)
	}

	if len(spy.windows) != 1 {
		t.Fatalf("expected 1 dispatched window, got %d", len(spy.windows))
	}
	if diff := cmp.Diff([]float64{1, 2, 3}, spy.windows[0].Flatten()); diff != "" {
		t.Errorf("window values mismatch (-want +got):\n%s", diff)
	}
}

func TestPipeline_ReaderStopsOnCancel(t *testing.T) {
	h := newHarness(t, 9, &spyClassifier{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lines := make(chan string)
	errs := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.pipeline.readLines(ctx, strings.NewReader(line(1, "1", "1")+"\n"+line(2, "1", "2")), lines, errs)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader must exit once the context is cancelled")
	}

	if _, ok := <-lines; ok {
		t.Error("expected lines channel to be closed")
	}
	if err := <-errs; err != nil {
		t.Errorf("expected no read error, got %v", err)
	}
}
