package app

import (
	"slices"
	"time"

	"github.com/roman-kulish/csi-activity/internal/storage"
)

// WindowMark locates a classified window in the image
type WindowMark struct {
	Row        int // First cell row of the window
	Rows       int
	Start      time.Time
	LabelIndex int
	Label      string
	Confidence float64
}

// ActivityData is the session laid out as cells: one row per timestamp, one
// column per subcarrier
type ActivityData struct {
	Width, Height                int
	Subcarriers                  []string
	TimestampStart, TimestampEnd time.Time
	Histogram                    *AmplitudeHistogram
	Rows                         [][]*float64
	Windows                      []WindowMark
	Labels                       map[int]string

	columns map[string]int
}

func NewActivityData() *ActivityData {
	return &ActivityData{
		Histogram: NewAmplitudeHistogram(),
		Labels:    make(map[int]string),
		columns:   make(map[string]int),
	}
}

// Update appends the rows of a classified window. Subcarriers are placed in
// order of first appearance across the session.
func (a *ActivityData) Update(c *storage.Classification) {
	idx := make([]int, len(c.Subcarriers))
	for i, sc := range c.Subcarriers {
		col, ok := a.columns[sc]
		if !ok {
			col = len(a.Subcarriers)
			a.columns[sc] = col
			a.Subcarriers = append(a.Subcarriers, sc)
		}
		idx[i] = col
	}
	a.Width = len(a.Subcarriers)

	a.Windows = append(a.Windows, WindowMark{
		Row:        a.Height,
		Rows:       c.Rows(),
		Start:      c.WindowStart,
		LabelIndex: c.LabelIndex,
		Label:      c.Label,
		Confidence: c.Confidence,
	})
	a.Labels[c.LabelIndex] = c.Label

	for _, values := range c.Amplitudes {
		row := make([]*float64, a.Width)
		for i, v := range values {
			if i >= len(idx) {
				break
			}
			amplitude := v
			row[idx[i]] = &amplitude
			a.Histogram.Update(&amplitude)
		}
		a.Rows = append(a.Rows, row)
	}
	a.Height = len(a.Rows)

	if a.TimestampStart.IsZero() || a.TimestampStart.After(c.WindowStart) {
		a.TimestampStart = c.WindowStart
	}
	if a.TimestampEnd.IsZero() || a.TimestampEnd.Before(c.WindowEnd) {
		a.TimestampEnd = c.WindowEnd
	}
}

// LabelIndexes returns the seen class indexes in ascending order
func (a *ActivityData) LabelIndexes() []int {
	indexes := make([]int, 0, len(a.Labels))
	for index := range a.Labels {
		indexes = append(indexes, index)
	}
	slices.Sort(indexes)
	return indexes
}
