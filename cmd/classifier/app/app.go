package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/roman-kulish/csi-activity/internal/classifier"
	"github.com/roman-kulish/csi-activity/internal/csi"
	"github.com/roman-kulish/csi-activity/internal/dispatch"
	"github.com/roman-kulish/csi-activity/internal/pipeline"
	"github.com/roman-kulish/csi-activity/internal/protocol"
	"github.com/roman-kulish/csi-activity/internal/publish"
	"github.com/roman-kulish/csi-activity/internal/storage"
	"github.com/roman-kulish/csi-activity/internal/window"
)

// Run classifies the CSI stream on stdin and writes framed results to
// stdout. Logs and diagnostics go to stderr.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	var diagnostics io.Writer
	if config.Pipeline.Diagnostics {
		diagnostics = os.Stderr
	}
	return run(ctx, config, os.Stdin, os.Stdout, diagnostics, logger)
}

func run(ctx context.Context, config *Config, in io.Reader, out, diagnostics io.Writer, logger *slog.Logger) (err error) {
	session := uuid.NewString()
	logger = logger.With(slog.String("session", session))

	c, closeClassifier, err := createClassifier(&config.Classifier, config.WindowLength(), logger)
	if err != nil {
		return fmt.Errorf("failed to create classifier: %w", err)
	}
	defer func() {
		err = errors.Join(err, closeClassifier())
	}()

	buffer, err := window.NewBuffer(config.WindowLength(), window.WithDuplicatePolicy(config.Pipeline.DuplicatePolicy))
	if err != nil {
		return fmt.Errorf("failed to create window buffer: %w", err)
	}

	framer := protocol.NewWriter(out)
	options := []func(*dispatch.Scheduler){
		dispatch.WithQueueSize(config.Pipeline.QueueSize),
		dispatch.WithLogger(logger),
		dispatch.WithSink(framer),
	}

	if diagnostics != nil {
		options = append(options, dispatch.WithSink(protocol.NewDiagnostics(diagnostics)))
	}

	if config.Journal.Enabled {
		var store *storage.SqliteStore
		var journal *storage.Journal
		if store, journal, err = createJournal(ctx, config, session, logger); err != nil {
			return fmt.Errorf("failed to create journal: %w", err)
		}
		defer func() {
			err = errors.Join(err, journal.Close(), store.Close())
		}()
		options = append(options, dispatch.WithSink(journal))
	}

	if config.Publisher.Enabled {
		publisher, err := createPublisher(ctx, &config.Publisher, session, logger)
		if err != nil {
			return fmt.Errorf("failed to create publisher: %w", err)
		}
		defer publisher.Close()
		options = append(options, dispatch.WithSink(publisher))
	}

	scheduler, err := dispatch.NewScheduler(c, config.Labels, options...)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	p := pipeline.New(
		csi.NewParser(config.Pipeline.Delimiter),
		buffer,
		scheduler,
		framer,
		pipeline.WithLogger(logger),
	)

	return p.Run(ctx, in)
}

func createClassifier(config *ClassifierConfig, windowLength int, logger *slog.Logger) (classifier.Classifier, func() error, error) {
	noop := func() error { return nil }

	switch config.Type {
	case ClassifierDense:
		model, err := classifier.LoadDense(config.ModelPath)
		if err != nil {
			return nil, nil, err
		}
		if shape := model.InputShape(); shape[1] != windowLength {
			return nil, nil, fmt.Errorf("model expects %d timestamps per window, pipeline produces %d", shape[1], windowLength)
		}
		logger.Info("model loaded",
			slog.String("path", config.ModelPath),
			slog.Any("inputShape", model.InputShape()),
			slog.Int("classes", model.Classes()))
		return model, noop, nil

	case ClassifierCommand:
		path, err := classifier.FindCommand(config.Command)
		if err != nil {
			return nil, nil, err
		}
		cmd := classifier.NewCommand(path, config.Args,
			classifier.WithPredictTimeout(config.Timeout),
			classifier.WithCommandLogger(logger))
		return cmd, cmd.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown classifier type '%s'", config.Type)
	}
}

func createJournal(ctx context.Context, config *Config, session string, logger *slog.Logger) (*storage.SqliteStore, *storage.Journal, error) {
	dir, err := filepath.Abs(config.Journal.DataDirectory)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving data directory: %w", err)
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating data directory '%s': %w", dir, err)
	}

	dbPath := filepath.Join(dir, fmt.Sprintf("csi_session_%s.sqlite", time.Now().UTC().Format("20060102_150405")))
	store := storage.NewSqliteStore(dbPath)

	// credentials are not journaled
	snapshot := *config
	snapshot.Publisher.Password = ""

	sessionID, err := store.CreateSession(ctx, session, snapshot)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("creating session: %w", err)
	}

	logger.Info("journaling classifications", slog.String("path", dbPath), slog.Int64("sessionID", sessionID))

	journal := storage.NewJournal(store, sessionID,
		storage.WithMaxBatchSize(config.Journal.MaxBatchSize),
		storage.WithJournalLogger(logger))
	return store, journal, nil
}

func createPublisher(ctx context.Context, config *PublisherConfig, session string, logger *slog.Logger) (*publish.Publisher, error) {
	client, err := publish.Connect(ctx, publish.Config{
		Broker:   config.Broker,
		ClientID: config.ClientID,
		Username: config.Username,
		Password: config.Password,
	}, logger)
	if err != nil {
		return nil, err
	}

	p := publish.NewPublisher(client, session, config.Topic, publish.WithLogger(logger))
	logger.Info("publishing classifications", slog.String("broker", config.Broker), slog.String("topic", p.Topic()))
	return p, nil
}
