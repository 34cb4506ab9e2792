package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roman-kulish/csi-activity/internal/dispatch"
)

const DefaultMaxBatchSize = 16

// ErrJournalClosed is returned by Emit after Close
var ErrJournalClosed = errors.New("journal is closed")

// WithMaxBatchSize sets the number of decisions buffered before a flush
func WithMaxBatchSize(n int) func(*Journal) {
	return func(j *Journal) {
		if n > 0 {
			j.maxBatchSize = n
		}
	}
}

// WithJournalLogger sets the logger for the journal
func WithJournalLogger(logger *slog.Logger) func(*Journal) {
	return func(j *Journal) {
		j.logger = logger.With(slog.String("component", "journal"))
	}
}

// Journal is a dispatch.Sink which records every emitted decision in a
// Store. Decisions are written in batches; Close flushes the remainder.
type Journal struct {
	store     Store
	sessionID int64

	mu           sync.Mutex
	batch        []Classification
	maxBatchSize int
	stored       uint64
	closed       bool

	logger *slog.Logger
}

// NewJournal creates a journal writing to an existing session of store
func NewJournal(store Store, sessionID int64, options ...func(*Journal)) *Journal {
	j := Journal{
		store:        store,
		sessionID:    sessionID,
		maxBatchSize: DefaultMaxBatchSize,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&j)
	}

	j.batch = make([]Classification, 0, j.maxBatchSize)
	return &j
}

// Emit implements dispatch.Sink
func (j *Journal) Emit(ctx context.Context, r dispatch.Result) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	j.batch = append(j.batch, FromResult(r))
	if len(j.batch) < j.maxBatchSize {
		return nil
	}
	return j.flushLocked(ctx)
}

// Flush writes buffered decisions
func (j *Journal) Flush(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.flushLocked(ctx)
}

func (j *Journal) flushLocked(ctx context.Context) error {
	if len(j.batch) == 0 {
		return nil
	}

	n := len(j.batch)
	err := j.store.StoreClassifications(ctx, j.sessionID, j.batch)

	// a failed batch is dropped, the stream goes on
	j.batch = j.batch[:0]
	if err != nil {
		return fmt.Errorf("storing %d classifications: %w", n, err)
	}

	j.stored += uint64(n)
	j.logger.Debug("classifications stored", slog.Int("batch", n), slog.Uint64("total", j.stored))
	return nil
}

// Stored returns the number of decisions written to the store
func (j *Journal) Stored() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.stored
}

// Close flushes the buffered decisions. The store is not closed.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	return j.flushLocked(context.Background())
}
