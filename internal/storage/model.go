package storage

import (
	"time"

	"github.com/roman-kulish/csi-activity/internal/dispatch"
)

// Session is one run of the classifier
type Session struct {
	ID        int64
	UUID      string
	StartTime time.Time
	Config    *string // JSON encoded runtime configuration
}

// Classification is a journaled decision together with the window it was
// made on
type Classification struct {
	Seq         uint64
	WindowStart time.Time
	WindowEnd   time.Time
	LabelIndex  int
	Label       string
	Confidence  float64
	Subcarriers []string
	Amplitudes  [][]float64 // Rows of per-subcarrier amplitudes
	Latency     time.Duration
}

// Rows returns the number of timestamps in the window
func (c *Classification) Rows() int {
	return len(c.Amplitudes)
}

// Columns returns the number of subcarriers in the window
func (c *Classification) Columns() int {
	return len(c.Subcarriers)
}

// FromResult converts an emitted result into its journal record
func FromResult(r dispatch.Result) Classification {
	c := Classification{
		Seq:        r.Seq,
		LabelIndex: r.Index,
		Label:      r.Label,
		Confidence: r.Confidence,
		Latency:    r.Latency(),
	}
	if r.Window != nil {
		c.WindowStart = r.Window.Start()
		c.WindowEnd = r.Window.End()
		c.Subcarriers = append([]string(nil), r.Window.Subcarriers...)
		c.Amplitudes = r.Window.Values()
	}
	return c
}

type classificationData struct {
	WindowStart string
	WindowEnd   string
	Subcarriers string
	Amplitudes  string
	LatencyUS   int64
}
