package app

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/csi-activity/internal/classifier"
	"github.com/roman-kulish/csi-activity/internal/csi"
	"github.com/roman-kulish/csi-activity/internal/publish"
	"github.com/roman-kulish/csi-activity/internal/storage"
	"github.com/roman-kulish/csi-activity/internal/window"
)

const (
	ClassifierDense   ClassifierType = "dense"
	ClassifierCommand ClassifierType = "command"

	maxJournalBatchSize = 1000

	envModelPath  = "CSI_MODEL_PATH"
	envLogLevel   = "CSI_LOG_LEVEL"
	envMQTTBroker = "CSI_MQTT_BROKER"
	envJournalDir = "CSI_JOURNAL_DIR"
)

type ClassifierType string

// Config represents the main application configuration
type Config struct {
	Settings   Settings          `yaml:"settings"`
	Pipeline   PipelineConfig    `yaml:"pipeline"`
	Labels     classifier.Labels `yaml:"labels"`
	Classifier ClassifierConfig  `yaml:"classifier"`
	Journal    JournalConfig     `yaml:"journal"`
	Publisher  PublisherConfig   `yaml:"publisher"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// PipelineConfig represents the stream and windowing settings
type PipelineConfig struct {
	SamplingFrequency float64                `yaml:"samplingFrequency"` // Hz
	WindowSeconds     float64                `yaml:"windowSeconds"`
	Delimiter         string                 `yaml:"delimiter"`
	DuplicatePolicy   window.DuplicatePolicy `yaml:"duplicatePolicy"`
	QueueSize         int                    `yaml:"queueSize"`
	Diagnostics       bool                   `yaml:"diagnostics"`
}

// ClassifierConfig selects and configures the model
type ClassifierConfig struct {
	Type      ClassifierType `yaml:"type"`
	ModelPath string         `yaml:"modelPath"`
	Command   string         `yaml:"command"`
	Args      []string       `yaml:"args"`
	Timeout   time.Duration  `yaml:"timeout"` // Per window answer deadline of the command classifier
}

// JournalConfig represents storage settings
type JournalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DataDirectory string `yaml:"dataDirectory"`
	MaxBatchSize  int    `yaml:"maxBatchSize"`
}

// PublisherConfig represents the MQTT result publisher settings
type PublisherConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"clientID"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// NewConfig returns the default configuration
func NewConfig() *Config {
	return &Config{
		Settings: Settings{LogLevel: "INFO"},
		Pipeline: PipelineConfig{
			SamplingFrequency: 9,
			WindowSeconds:     1,
			Delimiter:         csi.DefaultDelimiter,
			DuplicatePolicy:   window.DuplicateReject,
			QueueSize:         4,
			Diagnostics:       true,
		},
		Classifier: ClassifierConfig{
			Type:      ClassifierDense,
			ModelPath: "model.json",
			Timeout:   classifier.DefaultPredictTimeout,
		},
		Journal: JournalConfig{
			DataDirectory: "data",
			MaxBatchSize:  storage.DefaultMaxBatchSize,
		},
		Publisher: PublisherConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "csi-activity",
			Topic:    publish.DefaultTopic,
		},
	}
}

// LoadConfig reads the YAML configuration at path over the defaults and
// applies environment overrides. An empty path uses the defaults only.
func LoadConfig(path string) (*Config, error) {
	c := NewConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading configuration: %w", err)
		}
		if err = yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parsing configuration: %w", err)
		}
	}

	// a missing .env file is fine
	_ = godotenv.Load()
	c.applyEnv(os.LookupEnv)

	if len(c.Labels) == 0 {
		c.Labels = classifier.DefaultLabels()
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(envModelPath); ok && v != "" {
		c.Classifier.ModelPath = v
	}
	if v, ok := lookup(envLogLevel); ok && v != "" {
		c.Settings.LogLevel = v
	}
	if v, ok := lookup(envMQTTBroker); ok && v != "" {
		c.Publisher.Broker = v
	}
	if v, ok := lookup(envJournalDir); ok && v != "" {
		c.Journal.DataDirectory = v
	}
}

// Validate checks the configuration; errors name the offending key
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Level(); err != nil {
		errs = append(errs, fmt.Errorf("settings.logLevel: %w", err))
	}

	p := c.Pipeline
	if p.SamplingFrequency <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.samplingFrequency: must be positive, got %v", p.SamplingFrequency))
	}
	if p.WindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.windowSeconds: must be positive, got %v", p.WindowSeconds))
	}
	if p.SamplingFrequency > 0 && p.WindowSeconds > 0 && c.WindowLength() < 1 {
		errs = append(errs, errors.New("pipeline: window must hold at least one timestamp"))
	}
	if p.Delimiter == "" {
		errs = append(errs, errors.New("pipeline.delimiter: must not be empty"))
	}
	if err := p.DuplicatePolicy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.duplicatePolicy: %w", err))
	}
	if p.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.queueSize: must not be negative, got %d", p.QueueSize))
	}

	if err := c.Labels.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("labels: %w", err))
	}

	switch c.Classifier.Type {
	case ClassifierDense:
		if c.Classifier.ModelPath == "" {
			errs = append(errs, errors.New("classifier.modelPath: required for dense classifier"))
		}
	case ClassifierCommand:
		if c.Classifier.Command == "" {
			errs = append(errs, errors.New("classifier.command: required for command classifier"))
		}
		if c.Classifier.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("classifier.timeout: must be positive, got %s", c.Classifier.Timeout))
		}
	default:
		errs = append(errs, fmt.Errorf("classifier.type: unknown type '%s'", c.Classifier.Type))
	}

	if c.Journal.Enabled {
		if c.Journal.DataDirectory == "" {
			errs = append(errs, errors.New("journal.dataDirectory: must not be empty"))
		}
		if c.Journal.MaxBatchSize < 1 || c.Journal.MaxBatchSize > maxJournalBatchSize {
			errs = append(errs, fmt.Errorf("journal.maxBatchSize: must be between 1 and %d, got %d", maxJournalBatchSize, c.Journal.MaxBatchSize))
		}
	}

	if c.Publisher.Enabled {
		if c.Publisher.Broker == "" {
			errs = append(errs, errors.New("publisher.broker: must not be empty"))
		}
		if c.Publisher.ClientID == "" {
			errs = append(errs, errors.New("publisher.clientID: must not be empty"))
		}
		if c.Publisher.Topic == "" {
			errs = append(errs, errors.New("publisher.topic: must not be empty"))
		}
	}

	return errors.Join(errs...)
}

// WindowLength returns W, the number of timestamps in a window
func (c *Config) WindowLength() int {
	return int(math.Round(c.Pipeline.SamplingFrequency * c.Pipeline.WindowSeconds))
}

// Level returns the configured log level
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(strings.TrimSpace(c.Settings.LogLevel)))
	return level, err
}
