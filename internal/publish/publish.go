package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/roman-kulish/csi-activity/internal/dispatch"
)

const (
	// SessionPlaceholder is replaced with the session UUID in topic patterns
	SessionPlaceholder = "{session}"

	DefaultTopic = "csi/" + SessionPlaceholder + "/activity"

	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second

	windowTimeFormat = "15:04:05.000"
)

// ErrNotConnected is returned when publishing without a broker connection
var ErrNotConnected = errors.New("mqtt not connected")

// Config holds the broker connection settings
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Message is the JSON payload of a published decision
type Message struct {
	Session     string  `json:"session"`
	Seq         uint64  `json:"seq"`
	LabelIndex  int     `json:"labelIndex"`
	Label       string  `json:"label"`
	Confidence  float64 `json:"confidence"`
	WindowStart string  `json:"windowStart,omitempty"`
	WindowEnd   string  `json:"windowEnd,omitempty"`
}

// NewMessage builds the payload for r
func NewMessage(session string, r dispatch.Result) Message {
	m := Message{
		Session:    session,
		Seq:        r.Seq,
		LabelIndex: r.Index,
		Label:      r.Label,
		Confidence: r.Confidence,
	}
	if r.Window != nil {
		m.WindowStart = r.Window.Start().Format(windowTimeFormat)
		m.WindowEnd = r.Window.End().Format(windowTimeFormat)
	}
	return m
}

// FormatTopic replaces the session placeholder in pattern
func FormatTopic(pattern, session string) string {
	return strings.ReplaceAll(pattern, SessionPlaceholder, session)
}

// Connect opens a broker connection with automatic reconnects
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (mqtt.Client, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With(slog.String("component", "mqtt"), slog.String("broker", cfg.Broker))

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", slog.String("error", err.Error()))
	}

	client := mqtt.NewClient(opts)

	token := client.Connect()
	select {
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	case <-token.Done():
	case <-time.After(connectTimeout):
		// with connect retry enabled the client keeps trying in the background
		logger.Warn("mqtt broker not reachable yet, publishing will resume once connected")
		return client, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to mqtt broker %s: %w", cfg.Broker, err)
	}

	return client, nil
}

// WithQoS sets the publish quality of service
func WithQoS(qos byte) func(*Publisher) {
	return func(p *Publisher) {
		p.qos = qos
	}
}

// WithLogger sets the logger for the publisher
func WithLogger(logger *slog.Logger) func(*Publisher) {
	return func(p *Publisher) {
		p.logger = logger.With(slog.String("component", "publisher"))
	}
}

// Publisher is a dispatch.Sink which publishes every decision to a broker
type Publisher struct {
	client  mqtt.Client
	session string
	topic   string
	qos     byte

	published atomic.Uint64
	failed    atomic.Uint64
	inflight  sync.WaitGroup

	logger *slog.Logger
}

// NewPublisher creates a publisher for session. The topic pattern may
// contain the session placeholder.
func NewPublisher(client mqtt.Client, session, topic string, options ...func(*Publisher)) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}

	p := Publisher{
		client:  client,
		session: session,
		topic:   FormatTopic(topic, session),
		qos:     1,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&p)
	}

	return &p
}

// Topic returns the resolved topic
func (p *Publisher) Topic() string {
	return p.topic
}

// Emit implements dispatch.Sink. The message is handed to the client and
// delivery is awaited in the background, so a slow broker never holds up
// the classification worker. Delivery failures are logged and counted.
func (p *Publisher) Emit(_ context.Context, r dispatch.Result) error {
	if !p.client.IsConnected() {
		p.failed.Add(1)
		return ErrNotConnected
	}

	payload, err := json.Marshal(NewMessage(p.session, r))
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("marshaling message: %w", err)
	}

	token := p.client.Publish(p.topic, p.qos, false, payload)

	p.inflight.Add(1)
	go p.awaitDelivery(token, r.Seq)
	return nil
}

func (p *Publisher) awaitDelivery(token mqtt.Token, seq uint64) {
	defer p.inflight.Done()

	if !token.WaitTimeout(publishTimeout) {
		p.failed.Add(1)
		p.logger.Warn("publish timed out", slog.Uint64("seq", seq), slog.String("topic", p.topic))
		return
	}
	if err := token.Error(); err != nil {
		p.failed.Add(1)
		p.logger.Warn("publish failed", slog.Uint64("seq", seq), slog.String("topic", p.topic), slog.Any("error", err))
		return
	}

	p.published.Add(1)
	p.logger.Debug("result published", slog.Uint64("seq", seq), slog.String("topic", p.topic))
}

// Published returns the number of delivered and failed messages
func (p *Publisher) Published() (delivered, failed uint64) {
	return p.published.Load(), p.failed.Load()
}

// Close waits for outstanding deliveries and disconnects from the broker
func (p *Publisher) Close() {
	p.inflight.Wait()
	p.client.Disconnect(250)

	delivered, failed := p.Published()
	p.logger.Info("publisher closed", slog.Uint64("delivered", delivered), slog.Uint64("failed", failed))
}
