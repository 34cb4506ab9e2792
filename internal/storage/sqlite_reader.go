package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ReaderOption configures a ClassificationReader with filtering criteria
type ReaderOption func(*ClassificationReader)

// WithMinConfidence excludes decisions below the given confidence
func WithMinConfidence(c float64) ReaderOption {
	return func(r *ClassificationReader) {
		r.minConfidence = c
	}
}

// WithLabelIndex keeps only decisions for the given class index
func WithLabelIndex(index int) ReaderOption {
	return func(r *ClassificationReader) {
		r.labelIndex = index
	}
}

// WithStartSeq skips decisions with a sequence number below seq
func WithStartSeq(seq uint64) ReaderOption {
	return func(r *ClassificationReader) {
		r.startSeq = seq
	}
}

// ClassificationReader iterates over the journaled decisions of a session.
// A reader instance must be used from a single goroutine.
type ClassificationReader struct {
	db *sql.DB

	sessionID int64
	session   *Session

	minConfidence float64
	labelIndex    int // Negative means any
	startSeq      uint64

	current *Classification
	rows    *sql.Rows
	err     error
}

func newClassificationReader(ctx context.Context, db *sql.DB, sessionID int64, opts ...ReaderOption) (*ClassificationReader, error) {
	cr := &ClassificationReader{
		db:         db,
		sessionID:  sessionID,
		labelIndex: -1,
	}
	for _, opt := range opts {
		opt(cr)
	}
	if err := cr.init(ctx); err != nil {
		return nil, fmt.Errorf("initializing reader: %w", err)
	}
	return cr, nil
}

func (cr *ClassificationReader) init(ctx context.Context) error {
	if cr.db == nil {
		return errors.New("database connection required")
	}
	if cr.sessionID <= 0 {
		return errors.New("session ID required")
	}

	steps := []struct {
		msg string
		fn  func(context.Context) error
	}{
		{msg: "loading session", fn: cr.loadSession},
		{msg: "initializing query", fn: cr.initQuery},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.msg, err)
		}
	}
	return nil
}

func (cr *ClassificationReader) loadSession(ctx context.Context) (err error) {
	cr.session, err = querySession(ctx, cr.db, selectSessionSQL, cr.sessionID)
	return
}

func (cr *ClassificationReader) initQuery(ctx context.Context) (err error) {
	cr.rows, err = cr.db.QueryContext(ctx, selectClassificationsSQL,
		cr.sessionID, int64(cr.startSeq), cr.minConfidence, cr.labelIndex, cr.labelIndex)
	return
}

func (cr *ClassificationReader) scan() (*Classification, error) {
	var c Classification
	var data classificationData
	var seq int64

	err := cr.rows.Scan(
		&seq,
		&data.WindowStart,
		&data.WindowEnd,
		&c.LabelIndex,
		&c.Label,
		&c.Confidence,
		&data.Subcarriers,
		&data.Amplitudes,
		&data.LatencyUS,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning classification: %w", err)
	}

	c.Seq = uint64(seq)
	if err = fromClassificationData(&data, &c); err != nil {
		return nil, fmt.Errorf("classification %d: %w", seq, err)
	}
	return &c, nil
}

// Session returns the session this reader is accessing
func (cr *ClassificationReader) Session() *Session {
	return cr.session
}

// Next advances the iterator and returns true if there is another decision
// to read. Check Error when it returns false.
func (cr *ClassificationReader) Next(ctx context.Context) bool {
	if cr.err != nil || cr.rows == nil {
		return false
	}

	select {
	case <-ctx.Done():
		cr.err = ctx.Err()
		return false
	default:
	}

	if !cr.rows.Next() {
		cr.current = nil
		return false
	}

	cr.current, cr.err = cr.scan()
	return cr.err == nil
}

// Current returns the decision the iterator is positioned at
func (cr *ClassificationReader) Current() *Classification {
	return cr.current
}

func (cr *ClassificationReader) Error() error {
	if cr.err != nil {
		return cr.err
	}
	if cr.rows != nil {
		return cr.rows.Err()
	}
	return nil
}

func (cr *ClassificationReader) Close() error {
	if cr.rows != nil {
		err := cr.rows.Close()
		cr.current = nil
		cr.rows = nil
		return err
	}
	return nil
}
