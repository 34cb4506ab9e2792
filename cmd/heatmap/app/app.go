package app

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/csi-activity/internal/storage"
)

func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	if _, err := os.Stat(config.DBPath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
	}

	store := storage.NewSqliteStore(config.DBPath)
	defer store.Close()

	session, err := findSession(ctx, store, config.Session)
	if err != nil {
		return err
	}

	data, err := readActivity(ctx, store, session, config, logger)
	if err != nil {
		return err
	}

	bounds := data.Histogram.PercentileBounds()
	if config.MinAmplitude != nil {
		bounds.Min = *config.MinAmplitude
	}
	if config.MaxAmplitude != nil {
		bounds.Max = *config.MaxAmplitude
	}

	renderer, err := NewActivityRenderer(RenderConfig{
		Session:       session.UUID,
		Scale:         config.Scale,
		ColorTheme:    config.Theme,
		Bounds:        bounds,
		NoAnnotations: config.NoAnnotations,
	})
	if err != nil {
		return fmt.Errorf("creating activity renderer: %w", err)
	}

	img, err := renderer.Render(data)
	if err != nil {
		return fmt.Errorf("rendering activity: %w", err)
	}

	logger.Info("writing image",
		slog.Group("image",
			slog.String("destination", config.OutputFile),
			slog.String("format", string(config.Format)),
			slog.String("theme", string(config.Theme)),
			slog.Int("width", img.Bounds().Dx()),
			slog.Int("height", img.Bounds().Dy()),
		))

	return writeImage(config.OutputFile, config.Format, img)
}

// findSession resolves a numeric database ID or a UUID
func findSession(ctx context.Context, store *storage.SqliteStore, ref string) (*storage.Session, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		session, err := store.Session(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading session %d: %w", id, err)
		}
		return session, nil
	}

	session, err := store.SessionByUUID(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", ref, err)
	}
	return session, nil
}

func readActivity(ctx context.Context, store *storage.SqliteStore, session *storage.Session, config *Config, logger *slog.Logger) (*ActivityData, error) {
	var opts []storage.ReaderOption
	if config.MinConfidence > 0 {
		opts = append(opts, storage.WithMinConfidence(config.MinConfidence))
	}

	iter, err := store.ReadClassifications(ctx, session.ID, opts...)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	logger.Info("reading windows",
		slog.Int64("sessionID", session.ID),
		slog.String("session", session.UUID),
		slog.Float64("minConfidence", config.MinConfidence))

	data := NewActivityData()
	for iter.Next(ctx) {
		data.Update(iter.Current())

		if config.Verbose {
			c := iter.Current()
			logger.Debug("window",
				slog.Uint64("seq", c.Seq),
				slog.String("label", c.Label),
				slog.Float64("confidence", c.Confidence))
		}
	}
	if err = iter.Error(); err != nil {
		return nil, err
	}
	if len(data.Windows) == 0 {
		return nil, errors.New("session has no classified windows")
	}

	bounds := data.Histogram.PercentileBounds()
	logger.Info("finished reading windows",
		slog.Group("stats",
			slog.String("windows", humanize.Comma(int64(len(data.Windows)))),
			slog.String("cells", humanize.Comma(int64(data.Histogram.Count()))),
			slog.Int("subcarriers", data.Width),
			slog.String("minAmplitude", fmt.Sprintf("%0.2f", bounds.Min)),
			slog.String("maxAmplitude", fmt.Sprintf("%0.2f", bounds.Max)),
		))

	return data, nil
}

func writeImage(path string, format ImageFormat, img image.Image) (err error) {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()

	switch format {
	case ImagePNG:
		return png.Encode(out, img)
	case ImageJPEG:
		return jpeg.Encode(out, img, &jpeg.Options{Quality: 98})
	default:
		return fmt.Errorf("unsupported image format: %s", format)
	}
}
