package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/roman-kulish/csi-activity/internal/window"
)

// ErrEmptyPrediction is returned when a classifier yields no probabilities
var ErrEmptyPrediction = errors.New("classifier returned an empty probability vector")

// Classifier predicts per-class probabilities for a window of shape (1, W, C).
// Implementations must be safe for concurrent use.
type Classifier interface {
	Predict(ctx context.Context, w *window.Window) ([]float64, error)
}

// Func adapts a function to the Classifier interface
type Func func(ctx context.Context, w *window.Window) ([]float64, error)

func (f Func) Predict(ctx context.Context, w *window.Window) ([]float64, error) {
	return f(ctx, w)
}

// Labels maps a class index to a human-readable activity name
type Labels map[int]string

// DefaultLabels is the mapping of the reference deployment
func DefaultLabels() Labels {
	return Labels{
		0: "idle",
		1: "washing",
		2: "drying",
		3: "soaping",
	}
}

// Validate checks that the mapping covers the indexes 0..n-1 with non-empty names
func (l Labels) Validate() error {
	if len(l) == 0 {
		return errors.New("label mapping is empty")
	}
	for i := 0; i < len(l); i++ {
		name, ok := l[i]
		if !ok {
			return fmt.Errorf("label mapping has no entry for class %d", i)
		}
		if name == "" {
			return fmt.Errorf("label mapping has an empty name for class %d", i)
		}
	}
	return nil
}

// Name returns the activity name for index, or the index itself when unknown
func (l Labels) Name(index int) string {
	if name, ok := l[index]; ok {
		return name
	}
	return strconv.Itoa(index)
}

// Result is a single classification decision
type Result struct {
	Index      int     // Class index with the highest probability
	Label      string  // Activity name of Index
	Confidence float64 // Probability of Index, in [0, 1]
}

// Decode picks the most probable class of probs. It fails when the vector is
// empty, contains a value outside [0, 1] or the winning class has no label.
func (l Labels) Decode(probs []float64) (Result, error) {
	if len(probs) == 0 {
		return Result{}, ErrEmptyPrediction
	}
	if slices.ContainsFunc(probs, func(p float64) bool { return math.IsNaN(p) || p < 0 || p > 1 }) {
		return Result{}, fmt.Errorf("probability vector out of range: %v", probs)
	}

	index := 0
	for i, p := range probs {
		if p > probs[index] {
			index = i
		}
	}

	label, ok := l[index]
	if !ok {
		return Result{}, fmt.Errorf("class %d has no label", index)
	}

	return Result{
		Index:      index,
		Label:      label,
		Confidence: probs[index],
	}, nil
}
