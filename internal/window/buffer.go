package window

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/roman-kulish/csi-activity/internal/csi"
)

const (
	// DuplicateReject keeps the first value of a cell and rejects later ones
	DuplicateReject DuplicatePolicy = "reject"

	// DuplicateOverwrite replaces the value of a cell with the latest reading
	DuplicateOverwrite DuplicatePolicy = "overwrite"
)

var (
	// ErrIncomplete is returned when a snapshot is requested from a buffer
	// which is not complete. It signals a programming error, not bad data.
	ErrIncomplete = errors.New("window buffer is not complete")

	// ErrStaleReading is returned when a full buffer receives a reading
	// older than every row it holds
	ErrStaleReading = errors.New("reading is older than the buffered window")
)

// DuplicatePolicy defines what happens when a (timestamp, subcarrier) cell
// receives a second value before the window completes
type DuplicatePolicy string

// Validate returns an error for unknown policies
func (p DuplicatePolicy) Validate() error {
	switch p {
	case DuplicateReject, DuplicateOverwrite:
		return nil
	default:
		return fmt.Errorf("unknown duplicate policy '%s'", p)
	}
}

// DuplicateCellError is returned by Insert under DuplicateReject
type DuplicateCellError struct {
	Timestamp  time.Time
	Subcarrier string
}

func (e *DuplicateCellError) Error() string {
	return fmt.Sprintf("duplicate reading for subcarrier %s at %s", e.Subcarrier, e.Timestamp.Format("15:04:05.000000"))
}

// Stats are the cumulative buffer counters
type Stats struct {
	Inserted    uint64 // Readings stored in a cell
	Duplicates  uint64 // Readings rejected as duplicate cells
	Overwritten uint64 // Cells replaced under DuplicateOverwrite
	Evicted     uint64 // Rows evicted to keep a stalled buffer bounded
	Stale       uint64 // Readings rejected with ErrStaleReading
}

// rolloverThreshold is how far a clock reading may fall behind the latest
// one before it is read as the next day
const rolloverThreshold = 12 * time.Hour

type rowKey struct {
	sec  int64
	nsec int
}

func keyOf(t time.Time) rowKey {
	return rowKey{sec: t.Unix(), nsec: t.Nanosecond()}
}

type row struct {
	timestamp time.Time
	cells     []float64
	set       []bool
}

// Buffer accumulates amplitudes keyed by (timestamp, subcarrier) until it
// holds exactly length rows with no missing cell. Rows are created for each
// distinct timestamp, columns for each distinct subcarrier in order of first
// appearance.
//
// The row count never exceeds length: a new timestamp arriving at a full but
// incomplete buffer evicts the oldest row, and columns left without any value
// are dropped, so a subcarrier that stopped reporting ages out of the window.
//
// Readings carry a time of day only. Timestamps are anchored to a running day
// offset which advances when the clock wraps past midnight, so rows stay in
// arrival order across days.
type Buffer struct {
	length int
	policy DuplicatePolicy

	mu        sync.Mutex
	rows      map[rowKey]*row
	columns   []string
	colIndex  map[string]int
	missing   int
	stats     Stats
	latest    time.Time
	seen      bool
	dayOffset time.Duration
}

// WithDuplicatePolicy sets the duplicate cell policy, DuplicateReject by default
func WithDuplicatePolicy(policy DuplicatePolicy) func(*Buffer) {
	return func(b *Buffer) {
		b.policy = policy
	}
}

// NewBuffer creates an empty buffer completing at length rows
func NewBuffer(length int, options ...func(*Buffer)) (*Buffer, error) {
	if length <= 0 {
		return nil, fmt.Errorf("invalid window length: %d", length)
	}

	b := &Buffer{
		length: length,
		policy: DuplicateReject,
	}
	for _, option := range options {
		option(b)
	}
	if err := b.policy.Validate(); err != nil {
		return nil, err
	}

	b.reset()
	return b, nil
}

// Length returns the configured window length W
func (b *Buffer) Length() int {
	return b.length
}

// Insert stores the amplitude of r at (r.Timestamp, r.Subcarrier)
func (b *Buffer) Insert(r csi.Reading) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts := b.anchorLocked(r.Timestamp)
	rw, ok := b.rows[keyOf(ts)]
	if !ok {
		if len(b.rows) >= b.length {
			oldest := b.oldestLocked()
			if !ts.After(oldest.timestamp) {
				b.stats.Stale++
				return ErrStaleReading
			}
			b.evictLocked(oldest)
		}
		rw = b.addRowLocked(ts)
	}

	col, ok := b.colIndex[r.Subcarrier]
	if !ok {
		col = b.addColumnLocked(r.Subcarrier)
	}

	if rw.set[col] {
		if b.policy == DuplicateReject {
			b.stats.Duplicates++
			return &DuplicateCellError{Timestamp: ts, Subcarrier: r.Subcarrier}
		}
		rw.cells[col] = r.Amplitude
		b.stats.Overwritten++
		return nil
	}

	rw.cells[col] = r.Amplitude
	rw.set[col] = true
	b.missing--
	b.stats.Inserted++
	return nil
}

// IsComplete reports whether the buffer holds exactly W rows and no cell is missing
func (b *Buffer) IsComplete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completeLocked()
}

// SnapshotAndReset returns the buffered window and empties the buffer.
// It returns ErrIncomplete, leaving the buffer untouched, when the buffer is
// not complete.
func (b *Buffer) SnapshotAndReset() (*Window, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.completeLocked() {
		return nil, ErrIncomplete
	}

	w := b.snapshotLocked()
	b.reset()
	return w, nil
}

// TakeIfComplete is the completeness gate: it returns the snapshot and resets
// the buffer when it is complete, and (nil, false) otherwise. After a take the
// buffer is empty, so a repeated call never yields the same window twice.
func (b *Buffer) TakeIfComplete() (*Window, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.completeLocked() {
		return nil, false
	}

	w := b.snapshotLocked()
	b.reset()
	return w, true
}

// Rows returns the number of buffered timestamps
func (b *Buffer) Rows() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

// Columns returns the number of buffered subcarriers
func (b *Buffer) Columns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.columns)
}

// Missing returns the number of empty cells
func (b *Buffer) Missing() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.missing
}

// Stats returns a copy of the buffer counters
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Clear drops all buffered readings
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

func (b *Buffer) reset() {
	b.rows = make(map[rowKey]*row, b.length)
	b.columns = nil
	b.colIndex = make(map[string]int)
	b.missing = 0
}

// anchorLocked shifts a time of day by the running day offset. A reading
// more than rolloverThreshold behind the latest one starts a new day, one
// more than rolloverThreshold ahead is a late reading from the previous day.
func (b *Buffer) anchorLocked(ts time.Time) time.Time {
	ts = ts.Add(b.dayOffset)
	if !b.seen {
		b.latest, b.seen = ts, true
		return ts
	}

	switch {
	case b.latest.Sub(ts) > rolloverThreshold:
		b.dayOffset += 24 * time.Hour
		ts = ts.Add(24 * time.Hour)
	case ts.Sub(b.latest) > rolloverThreshold:
		ts = ts.Add(-24 * time.Hour)
	}

	if ts.After(b.latest) {
		b.latest = ts
	}
	return ts
}

func (b *Buffer) completeLocked() bool {
	return len(b.rows) == b.length && len(b.columns) > 0 && b.missing == 0
}

func (b *Buffer) addRowLocked(ts time.Time) *row {
	rw := &row{
		timestamp: ts,
		cells:     make([]float64, len(b.columns)),
		set:       make([]bool, len(b.columns)),
	}
	b.rows[keyOf(ts)] = rw
	b.missing += len(b.columns)
	return rw
}

func (b *Buffer) addColumnLocked(subcarrier string) int {
	col := len(b.columns)
	b.columns = append(b.columns, subcarrier)
	b.colIndex[subcarrier] = col

	for _, rw := range b.rows {
		rw.cells = append(rw.cells, 0)
		rw.set = append(rw.set, false)
	}
	b.missing += len(b.rows)
	return col
}

func (b *Buffer) oldestLocked() *row {
	var oldest *row
	for _, rw := range b.rows {
		if oldest == nil || rw.timestamp.Before(oldest.timestamp) {
			oldest = rw
		}
	}
	return oldest
}

// evictLocked removes rw and drops every column left without values
func (b *Buffer) evictLocked(rw *row) {
	for _, set := range rw.set {
		if !set {
			b.missing--
		}
	}
	delete(b.rows, keyOf(rw.timestamp))
	b.stats.Evicted++

	keep := make([]bool, len(b.columns))
	for _, r := range b.rows {
		for col, set := range r.set {
			keep[col] = keep[col] || set
		}
	}
	if !slices.Contains(keep, false) {
		return
	}

	columns := make([]string, 0, len(b.columns))
	for col, name := range b.columns {
		if keep[col] {
			columns = append(columns, name)
		} else {
			b.missing -= len(b.rows)
		}
	}
	for _, r := range b.rows {
		cells := make([]float64, 0, len(columns))
		set := make([]bool, 0, len(columns))
		for col := range b.columns {
			if keep[col] {
				cells = append(cells, r.cells[col])
				set = append(set, r.set[col])
			}
		}
		r.cells, r.set = cells, set
	}

	b.columns = columns
	b.colIndex = make(map[string]int, len(columns))
	for col, name := range columns {
		b.colIndex[name] = col
	}
}

func (b *Buffer) snapshotLocked() *Window {
	rows := make([]*row, 0, len(b.rows))
	for _, rw := range b.rows {
		rows = append(rows, rw)
	}
	slices.SortFunc(rows, func(x, y *row) int {
		return x.timestamp.Compare(y.timestamp)
	})

	timestamps := make([]time.Time, len(rows))
	flat := make([]float64, 0, len(rows)*len(b.columns))
	for i, rw := range rows {
		timestamps[i] = rw.timestamp
		flat = append(flat, rw.cells...)
	}

	return &Window{
		Timestamps:  timestamps,
		Subcarriers: slices.Clone(b.columns),
		data:        mat.NewDense(len(rows), len(b.columns), flat),
	}
}
