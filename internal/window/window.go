package window

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Window is an immutable snapshot of a completed buffer: W rows ordered by
// timestamp and one column per subcarrier, in order of first appearance.
// Its classifier input shape is (1, W, C).
type Window struct {
	Timestamps  []time.Time
	Subcarriers []string

	data *mat.Dense
}

// New builds a window from row-major values. Every row must have one value
// per subcarrier.
func New(timestamps []time.Time, subcarriers []string, values [][]float64) (*Window, error) {
	if len(timestamps) == 0 || len(subcarriers) == 0 {
		return nil, fmt.Errorf("window must have at least one row and one column")
	}
	if len(values) != len(timestamps) {
		return nil, fmt.Errorf("invalid window: %d timestamps, %d rows", len(timestamps), len(values))
	}

	flat := make([]float64, 0, len(timestamps)*len(subcarriers))
	for i, row := range values {
		if len(row) != len(subcarriers) {
			return nil, fmt.Errorf("invalid window row %d: %d subcarriers, %d values", i, len(subcarriers), len(row))
		}
		flat = append(flat, row...)
	}

	return &Window{
		Timestamps:  timestamps,
		Subcarriers: subcarriers,
		data:        mat.NewDense(len(timestamps), len(subcarriers), flat),
	}, nil
}

// Shape returns the classifier input shape (1, W, C)
func (w *Window) Shape() [3]int {
	r, c := w.data.Dims()
	return [3]int{1, r, c}
}

// At returns the amplitude at row t and column c
func (w *Window) At(t, c int) float64 {
	return w.data.At(t, c)
}

// Matrix exposes the amplitudes as a read-only W×C matrix
func (w *Window) Matrix() mat.Matrix {
	return w.data
}

// Values returns a copy of the amplitudes as W rows of C values
func (w *Window) Values() [][]float64 {
	r, c := w.data.Dims()
	values := make([][]float64, r)
	for i := range values {
		values[i] = mat.Row(make([]float64, c), i, w.data)
	}
	return values
}

// Flatten returns the amplitudes in row-major order
func (w *Window) Flatten() []float64 {
	r, c := w.data.Dims()
	flat := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		flat = append(flat, w.data.RawRowView(i)...)
	}
	return flat
}

// Tensor returns the amplitudes with the leading batch dimension, [1][W][C]
func (w *Window) Tensor() [][][]float64 {
	return [][][]float64{w.Values()}
}

// Start returns the timestamp of the first row
func (w *Window) Start() time.Time {
	return w.Timestamps[0]
}

// End returns the timestamp of the last row
func (w *Window) End() time.Time {
	return w.Timestamps[len(w.Timestamps)-1]
}
