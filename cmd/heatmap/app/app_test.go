package app

import (
	"context"
	"flag"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/roman-kulish/csi-activity/internal/storage"
)

func classification(seq uint64, label int, name string, subcarriers []string, rows int) storage.Classification {
	start := time.Date(0, 1, 1, 9, 30, int(seq)*2, 0, time.UTC)

	amplitudes := make([][]float64, rows)
	for i := range amplitudes {
		amplitudes[i] = make([]float64, len(subcarriers))
		for j := range amplitudes[i] {
			amplitudes[i][j] = float64(i*len(subcarriers)+j) / 2
		}
	}

	return storage.Classification{
		Seq:         seq,
		WindowStart: start,
		WindowEnd:   start.Add(time.Duration(rows-1) * 100 * time.Millisecond),
		LabelIndex:  label,
		Label:       name,
		Confidence:  0.5 + float64(seq)/10,
		Subcarriers: subcarriers,
		Amplitudes:  amplitudes,
	}
}

func TestAmplitudeHistogram(t *testing.T) {
	h := NewAmplitudeHistogram()
	if got := h.PercentileBounds(); got != defaultAmplitudeBounds() {
		t.Errorf("expected default bounds for an empty histogram, got %+v", got)
	}

	for i := 0; i < 100; i++ {
		v := float64(i) / 10 // 0.0 .. 9.9
		h.Update(&v)
	}
	h.Update(nil)

	b := h.PercentileBounds()
	if b.Min >= 0.5 || b.Min < -1.5 {
		t.Errorf("unexpected lower bound %f", b.Min)
	}
	if b.Max <= 9.5 || b.Max > 11.5 {
		t.Errorf("unexpected upper bound %f", b.Max)
	}
	if b.Mean < 4.9 || b.Mean > 5.0 {
		t.Errorf("unexpected mean %f", b.Mean)
	}

	h.Clear()
	if h.Count() != 0 {
		t.Errorf("expected empty histogram, got %d", h.Count())
	}
}

func TestAmplitudeHistogram_MinimumRange(t *testing.T) {
	h := NewAmplitudeHistogram()
	for i := 0; i < 30; i++ {
		v := 7.0
		h.Update(&v)
	}

	b := h.PercentileBounds()
	if b.Max-b.Min < minimumRange {
		t.Errorf("expected at least %f range, got %+v", minimumRange, b)
	}
}

func TestColorMapper(t *testing.T) {
	cm := NewColorMapper(GrayscaleTheme, AmplitudeBounds{Min: 0, Max: 10})

	low, high, mid := -5.0, 50.0, 5.0
	if cm.GetColor(&low) != cm.Gradient(0) {
		t.Error("amplitudes below the range must map to the first color")
	}
	if cm.GetColor(&high) != cm.Gradient(1) {
		t.Error("amplitudes above the range must map to the last color")
	}
	if cm.GetColor(nil) != noDataColor {
		t.Error("missing amplitudes must map to the no data color")
	}

	r, _, _, _ := cm.GetColor(&mid).RGBA()
	r0, _, _, _ := cm.Gradient(0).RGBA()
	r1, _, _, _ := cm.Gradient(1).RGBA()
	if !(r0 < r && r < r1) {
		t.Errorf("expected mid amplitude between extremes, got %d (%d..%d)", r, r0, r1)
	}

	for theme := range validThemes {
		if NewColorMapper(theme, AmplitudeBounds{Max: 1}).Size() != DefaultColorMapSize {
			t.Errorf("theme %s: unexpected size", theme)
		}
	}
}

func TestActivityData_Update(t *testing.T) {
	data := NewActivityData()
	first := classification(1, 2, "drying", []string{"1", "2"}, 3)
	second := classification(2, 0, "idle", []string{"3", "1"}, 2)

	data.Update(&first)
	data.Update(&second)

	if data.Width != 3 || data.Height != 5 {
		t.Errorf("unexpected dimensions %dx%d", data.Width, data.Height)
	}
	if diff := cmp.Diff([]string{"1", "2", "3"}, data.Subcarriers); diff != "" {
		t.Errorf("subcarriers mismatch (-want +got):\n%s", diff)
	}

	// second window places subcarrier "3" in column 2 and "1" in column 0
	row := data.Rows[3]
	if row[1] != nil || *row[2] != 0 || *row[0] != 0.5 {
		t.Errorf("unexpected row layout %v %v %v", row[0], row[1], row[2])
	}
	if len(data.Rows[0]) != 2 {
		t.Errorf("rows of earlier windows keep their width, got %d", len(data.Rows[0]))
	}

	if diff := cmp.Diff([]int{0, 2}, data.LabelIndexes()); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	if data.Windows[1].Row != 3 || data.Windows[1].Rows != 2 {
		t.Errorf("unexpected window mark %+v", data.Windows[1])
	}
	if !data.TimestampStart.Equal(first.WindowStart) || !data.TimestampEnd.Equal(second.WindowEnd) {
		t.Errorf("unexpected time range %s - %s", data.TimestampStart, data.TimestampEnd)
	}
}

func TestActivityRenderer_Render(t *testing.T) {
	data := NewActivityData()
	for seq := uint64(1); seq <= 4; seq++ {
		c := classification(seq, int(seq%2), "label", []string{"1", "2", "3", "4"}, 9)
		data.Update(&c)
	}

	testCases := []struct {
		name          string
		noAnnotations bool
		width, height int
	}{
		{"annotated", false, 4*3 + defaultLeftBorder + defaultRightBorder, 36*3 + defaultTopBorder + defaultBottomBorder},
		{"bare", true, 4*3 + stripWidth + stripGap, 36 * 3},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := NewActivityRenderer(RenderConfig{
				Session:       "test",
				Scale:         3,
				ColorTheme:    ThermalTheme,
				Bounds:        data.Histogram.PercentileBounds(),
				NoAnnotations: tc.noAnnotations,
			})
			if err != nil {
				t.Fatal(err)
			}

			img, err := r.Render(data)
			if err != nil {
				t.Fatal(err)
			}
			if img.Bounds().Dx() != tc.width || img.Bounds().Dy() != tc.height {
				t.Errorf("expected %dx%d image, got %dx%d", tc.width, tc.height, img.Bounds().Dx(), img.Bounds().Dy())
			}
		})
	}

	if _, err := NewActivityRenderer(RenderConfig{Bounds: AmplitudeBounds{Min: 1, Max: 1}}); err == nil {
		t.Error("expected error for empty amplitude range")
	}
	r, _ := NewActivityRenderer(RenderConfig{Bounds: AmplitudeBounds{Max: 1}})
	if _, err := r.Render(NewActivityData()); err == nil {
		t.Error("expected error for empty data")
	}
}

func TestParseFlags(t *testing.T) {
	fs := flag.NewFlagSet("heatmap", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	c, err := parseFlags(fs, []string{"-db", "journal.sqlite", "-s", "abc", "-o", "out", "-f", "JPEG", "-theme", "marine", "-max-amp", "30"})
	if err != nil {
		t.Fatal(err)
	}
	if c.OutputFile != "out.jpeg" || c.Theme != MarineTheme || c.Session != "abc" {
		t.Errorf("unexpected config %+v", c)
	}
	if c.MinAmplitude != nil || c.MaxAmplitude == nil || *c.MaxAmplitude != 30 {
		t.Errorf("unexpected amplitude overrides %v %v", c.MinAmplitude, c.MaxAmplitude)
	}

	for _, args := range [][]string{
		{"-s", "1", "-o", "out"},
		{"-db", "x", "-s", "1"},
		{"-db", "x", "-o", "out", "-f", "gif"},
		{"-db", "x", "-o", "out", "-theme", "neon"},
		{"-db", "x", "-o", "out", "-scale", "0"},
		{"-db", "x", "-o", "out", "-min-amp", "5", "-max-amp", "5"},
	} {
		fs := flag.NewFlagSet("heatmap", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		if _, err = parseFlags(fs, args); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "journal.sqlite")
	ctx := context.Background()

	store := storage.NewSqliteStore(dbPath)
	sessionID, err := store.CreateSession(ctx, "8a1f0d8e-4d0b-4c5e-9a34-5b3f2a7c9e01", nil)
	if err != nil {
		t.Fatal(err)
	}
	var batch []storage.Classification
	for seq := uint64(1); seq <= 5; seq++ {
		batch = append(batch, classification(seq, int(seq%4), "activity", []string{"1", "2", "3"}, 9))
	}
	if err = store.StoreClassifications(ctx, sessionID, batch); err != nil {
		t.Fatal(err)
	}
	if err = store.Close(); err != nil {
		t.Fatal(err)
	}

	config := NewConfig()
	config.DBPath = dbPath
	config.Session = "8a1f0d8e-4d0b-4c5e-9a34-5b3f2a7c9e01"
	config.OutputFile = filepath.Join(dir, "activity.png")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err = Run(ctx, config, logger); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(config.OutputFile)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	wantHeight := 45*defaultScale + defaultTopBorder + defaultBottomBorder
	if img.Bounds().Dy() != wantHeight {
		t.Errorf("expected image height %d, got %d", wantHeight, img.Bounds().Dy())
	}

	config.Session = "99"
	if err = Run(ctx, config, logger); err == nil {
		t.Error("expected error for unknown session")
	}
}
