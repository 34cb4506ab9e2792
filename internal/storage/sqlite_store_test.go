package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/roman-kulish/csi-activity/internal/classifier"
	"github.com/roman-kulish/csi-activity/internal/dispatch"
	"github.com/roman-kulish/csi-activity/internal/window"
)

func ts(sec, nsec int) time.Time {
	return time.Date(0, 1, 1, 10, 0, sec, nsec, time.UTC)
}

func newStore(t *testing.T) *SqliteStore {
	t.Helper()

	s := NewSqliteStore(filepath.Join(t.TempDir(), "journal.db"))
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing store: %v", err)
		}
	})
	return s
}

func makeClassification(seq uint64, label int, confidence float64) Classification {
	return Classification{
		Seq:         seq,
		WindowStart: ts(int(seq), 125000000),
		WindowEnd:   ts(int(seq), 875000000),
		LabelIndex:  label,
		Label:       classifier.DefaultLabels().Name(label),
		Confidence:  confidence,
		Subcarriers: []string{"1", "2"},
		Amplitudes:  [][]float64{{1.5, -2}, {3, 4.25}},
		Latency:     1500 * time.Microsecond,
	}
}

func readAll(t *testing.T, s *SqliteStore, sessionID int64, opts ...ReaderOption) []Classification {
	t.Helper()

	r, err := s.ReadClassifications(context.Background(), sessionID, opts...)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var got []Classification
	for r.Next(context.Background()) {
		got = append(got, *r.Current())
	}
	if err = r.Error(); err != nil {
		t.Fatal(err)
	}
	return got
}

func TestSqliteStore_Sessions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "", nil); err == nil {
		t.Error("expected error for empty UUID")
	}

	first, err := s.CreateSession(ctx, "5f1c6c1e-0000-4000-8000-000000000001", map[string]any{"windowLength": 9})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.CreateSession(ctx, "5f1c6c1e-0000-4000-8000-000000000002", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = s.CreateSession(ctx, "5f1c6c1e-0000-4000-8000-000000000002", nil); err == nil {
		t.Error("expected error for duplicate UUID")
	}

	sess, err := s.Session(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Config == nil || *sess.Config != `{"windowLength":9}` {
		t.Errorf("unexpected config %v", sess.Config)
	}
	if sess.StartTime.IsZero() {
		t.Error("start time must be set")
	}

	byUUID, err := s.SessionByUUID(ctx, "5f1c6c1e-0000-4000-8000-000000000002")
	if err != nil {
		t.Fatal(err)
	}
	if byUUID.ID != second || byUUID.Config != nil {
		t.Errorf("unexpected session %+v", byUUID)
	}

	sessions, err := s.Sessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[0].ID != first || sessions[1].ID != second {
		t.Errorf("unexpected sessions %+v", sessions)
	}
}

func TestSqliteStore_Classifications(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sessionID, err := s.CreateSession(ctx, "5f1c6c1e-0000-4000-8000-000000000003", "{}")
	if err != nil {
		t.Fatal(err)
	}

	want := []Classification{
		makeClassification(1, 0, 0.91),
		makeClassification(2, 2, 0.55),
		makeClassification(3, 2, 0.87),
	}
	if err = s.StoreClassifications(ctx, sessionID, want[:2]); err != nil {
		t.Fatal(err)
	}
	if err = s.StoreClassifications(ctx, sessionID, want[2:]); err != nil {
		t.Fatal(err)
	}
	if err = s.StoreClassifications(ctx, sessionID, nil); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want, readAll(t, s, sessionID)); diff != "" {
		t.Errorf("journal mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(want[1:], readAll(t, s, sessionID, WithLabelIndex(2))); diff != "" {
		t.Errorf("label filter mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Classification{want[0], want[2]}, readAll(t, s, sessionID, WithMinConfidence(0.8))); diff != "" {
		t.Errorf("confidence filter mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want[2:], readAll(t, s, sessionID, WithStartSeq(3))); diff != "" {
		t.Errorf("sequence filter mismatch (-want +got):\n%s", diff)
	}

	n, err := s.CountClassifications(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected 3 classifications, got %d", n)
	}

	if _, err = s.ReadClassifications(ctx, 0); err == nil {
		t.Error("expected error for missing session ID")
	}
}

func TestJournal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sessionID, err := s.CreateSession(ctx, "5f1c6c1e-0000-4000-8000-000000000004", nil)
	if err != nil {
		t.Fatal(err)
	}

	j := NewJournal(s, sessionID, WithMaxBatchSize(2))

	w, err := window.New([]time.Time{ts(1, 0), ts(2, 0)}, []string{"7"}, [][]float64{{0.5}, {1.5}})
	if err != nil {
		t.Fatal(err)
	}

	submitted := time.Now()
	for seq := uint64(1); seq <= 3; seq++ {
		res := dispatch.Result{
			Result:      classifier.Result{Index: 1, Label: "washing", Confidence: 0.75},
			Seq:         seq,
			Window:      w,
			SubmittedAt: submitted,
			CompletedAt: submitted.Add(2 * time.Millisecond),
		}
		if err = j.Emit(ctx, res); err != nil {
			t.Fatal(err)
		}
	}

	if j.Stored() != 2 {
		t.Errorf("expected one flushed batch of 2, got %d", j.Stored())
	}

	if err = j.Close(); err != nil {
		t.Fatal(err)
	}
	if j.Stored() != 3 {
		t.Errorf("expected 3 stored after close, got %d", j.Stored())
	}
	if err = j.Emit(ctx, dispatch.Result{}); !errors.Is(err, ErrJournalClosed) {
		t.Errorf("expected ErrJournalClosed, got %v", err)
	}

	got := readAll(t, s, sessionID)
	if len(got) != 3 {
		t.Fatalf("expected 3 journaled classifications, got %d", len(got))
	}

	want := Classification{
		Seq:         3,
		WindowStart: ts(1, 0),
		WindowEnd:   ts(2, 0),
		LabelIndex:  1,
		Label:       "washing",
		Confidence:  0.75,
		Subcarriers: []string{"7"},
		Amplitudes:  [][]float64{{0.5}, {1.5}},
		Latency:     2 * time.Millisecond,
	}
	if diff := cmp.Diff(want, got[2], cmpopts.EquateApproxTime(time.Microsecond)); diff != "" {
		t.Errorf("journaled classification mismatch (-want +got):\n%s", diff)
	}
	if got[2].Rows() != 2 || got[2].Columns() != 1 {
		t.Errorf("unexpected dimensions %dx%d", got[2].Rows(), got[2].Columns())
	}
}
