package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/roman-kulish/csi-activity/internal/window"
)

const (
	ActivationLinear  = "linear"
	ActivationReLU    = "relu"
	ActivationSoftmax = "softmax"
)

// LayerDef is the serialized form of a fully connected layer. Weights are
// stored as inputs × outputs.
type LayerDef struct {
	Weights    [][]float64 `json:"weights"`
	Bias       []float64   `json:"bias"`
	Activation string      `json:"activation"`
}

// ModelDef is the serialized classifier artifact
type ModelDef struct {
	InputShape []int      `json:"inputShape"` // [W, C]
	Layers     []LayerDef `json:"layers"`
}

type layer struct {
	weights    *mat.Dense
	bias       []float64
	activation string
}

// Dense is a feed-forward classifier over the flattened window. It is
// read-only after construction and safe for concurrent use.
type Dense struct {
	rows, cols int
	layers     []layer
}

// LoadDense reads a JSON model artifact from path
func LoadDense(path string) (*Dense, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model file: %w", err)
	}

	var def ModelDef
	if err = json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshaling model: %w", err)
	}

	return NewDense(def)
}

// NewDense validates def and builds the model
func NewDense(def ModelDef) (*Dense, error) {
	if len(def.InputShape) != 2 || def.InputShape[0] <= 0 || def.InputShape[1] <= 0 {
		return nil, fmt.Errorf("invalid input shape %v, expected [W, C]", def.InputShape)
	}
	if len(def.Layers) == 0 {
		return nil, fmt.Errorf("model has no layers")
	}

	d := &Dense{rows: def.InputShape[0], cols: def.InputShape[1]}

	inputs := d.rows * d.cols
	for i, ls := range def.Layers {
		if len(ls.Weights) != inputs {
			return nil, fmt.Errorf("layer %d: expected %d weight rows, got %d", i, inputs, len(ls.Weights))
		}
		outputs := len(ls.Bias)
		if outputs == 0 {
			return nil, fmt.Errorf("layer %d: empty bias", i)
		}

		flat := make([]float64, 0, inputs*outputs)
		for j, w := range ls.Weights {
			if len(w) != outputs {
				return nil, fmt.Errorf("layer %d: weight row %d has %d values, expected %d", i, j, len(w), outputs)
			}
			flat = append(flat, w...)
		}

		switch ls.Activation {
		case "", ActivationLinear, ActivationReLU, ActivationSoftmax:
		default:
			return nil, fmt.Errorf("layer %d: unknown activation '%s'", i, ls.Activation)
		}

		d.layers = append(d.layers, layer{
			weights:    mat.NewDense(inputs, outputs, flat),
			bias:       ls.Bias,
			activation: ls.Activation,
		})
		inputs = outputs
	}

	return d, nil
}

// InputShape returns the expected window shape (1, W, C)
func (d *Dense) InputShape() [3]int {
	return [3]int{1, d.rows, d.cols}
}

// Classes returns the number of model outputs
func (d *Dense) Classes() int {
	return len(d.layers[len(d.layers)-1].bias)
}

// Predict runs the window through every layer and returns the output vector
func (d *Dense) Predict(ctx context.Context, w *window.Window) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if shape := w.Shape(); shape != d.InputShape() {
		return nil, fmt.Errorf("window shape %v does not match model input %v", shape, d.InputShape())
	}

	flat := w.Flatten()
	x := mat.NewDense(1, len(flat), flat)

	for _, l := range d.layers {
		_, outputs := l.weights.Dims()

		var y mat.Dense
		y.Mul(x, l.weights)

		out := y.RawRowView(0)
		floats.Add(out, l.bias)
		activate(l.activation, out)

		x = mat.NewDense(1, outputs, out)
	}

	return mat.Row(nil, 0, x), nil
}

func activate(activation string, v []float64) {
	switch activation {
	case ActivationReLU:
		for i := range v {
			v[i] = math.Max(0, v[i])
		}

	case ActivationSoftmax:
		m := floats.Max(v)
		for i := range v {
			v[i] = math.Exp(v[i] - m)
		}
		floats.Scale(1/floats.Sum(v), v)
	}
}
