package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"

	"github.com/vietddude/polywatch/internal/core/config"
	"github.com/vietddude/polywatch/internal/core/domain"
)

const defaultSinkTimeout = 10 * time.Second

// Sink delivers a rendered alert to an external channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, a *domain.Alert, msg Message) error
	Close() error
}

// Envelope is the payload published to message brokers.
type Envelope struct {
	Type    domain.AlertType `json:"type"`
	TS      int64            `json:"ts"`
	Alert   *domain.Alert    `json:"alert"`
	Message Message          `json:"message"`
}

func encodeEnvelope(a *domain.Alert, msg Message) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:    a.Type,
		TS:      time.Now().UnixMilli(),
		Alert:   a,
		Message: msg,
	})
}

// NewSink builds the sink selected by cfg.Type. An empty webhook URL falls
// back to a log-only sink.
func NewSink(cfg config.SinkConfig) (Sink, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSinkTimeout
	}

	switch cfg.Type {
	case "", "webhook":
		if cfg.URL == "" {
			return NewLogSink(), nil
		}
		return NewWebhookSink(cfg.URL, timeout), nil
	case "nats":
		return NewNATSSink(cfg.URL, cfg.Subject, timeout)
	case "kafka":
		return NewKafkaSink(cfg.Brokers, cfg.Topic, nil)
	case "log":
		return NewLogSink(), nil
	default:
		return nil, fmt.Errorf("unknown alert sink %q", cfg.Type)
	}
}

// -----------------------------------------------------------------------------
// Webhook
// -----------------------------------------------------------------------------

// WebhookSink posts Discord-style embeds.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{url: url, client: &http.Client{Timeout: timeout}}
}

type webhookPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []webhookEmbed `json:"embeds"`
}

type webhookEmbed struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Color       int     `json:"color"`
	Fields      []Field `json:"fields,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, a *domain.Alert, msg Message) error {
	embed := webhookEmbed{
		Title:       msg.Title,
		Description: msg.Description,
		Color:       msg.Color,
		Fields:      msg.Fields,
	}
	if !msg.Timestamp.IsZero() {
		embed.Timestamp = msg.Timestamp.UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(webhookPayload{Embeds: []webhookEmbed{embed}})
	if err != nil {
		return fmt.Errorf("encode webhook: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

func (s *WebhookSink) Close() error { return nil }

// -----------------------------------------------------------------------------
// NATS
// -----------------------------------------------------------------------------

// NATSSink publishes envelopes to a subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
	log     *slog.Logger
}

func NewNATSSink(url, subject string, timeout time.Duration) (*NATSSink, error) {
	if url == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if subject == "" {
		subject = "polywatch.alerts"
	}

	nc, err := nats.Connect(url,
		nats.Name("polywatch"),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{
		nc:      nc,
		subject: subject,
		timeout: timeout,
		log:     slog.Default().With("component", "alert_nats"),
	}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Send(ctx context.Context, a *domain.Alert, msg Message) error {
	data, err := encodeEnvelope(a, msg)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := s.nc.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", s.subject, err)
	}

	fctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.nc.FlushWithContext(fctx); err != nil {
		return fmt.Errorf("flush %s: %w", s.subject, err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	if s.nc == nil || s.nc.IsClosed() {
		return nil
	}
	if err := s.nc.Drain(); err != nil {
		s.log.Error("Failed to drain NATS connection", "error", err)
		s.nc.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Kafka
// -----------------------------------------------------------------------------

// KafkaSink produces envelopes keyed by fingerprint.
type KafkaSink struct {
	topic string
	p     sarama.SyncProducer
}

func NewKafkaSink(brokers []string, topic string, cfg *sarama.Config) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(p, topic), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(p sarama.SyncProducer, topic string) *KafkaSink {
	if topic == "" {
		topic = "polywatch.alerts"
	}
	return &KafkaSink{topic: topic, p: p}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, a *domain.Alert, msg Message) error {
	data, err := encodeEnvelope(a, msg)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, _, err = s.p.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(a.Fingerprint),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("kafka send: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	if s.p != nil {
		return s.p.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Log
// -----------------------------------------------------------------------------

// LogSink writes alerts to the process log. Used when no external channel is
// configured.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{log: slog.Default().With("component", "alert_log")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, a *domain.Alert, msg Message) error {
	s.log.Info(msg.Title,
		"type", a.Type,
		"severity", a.Severity.String(),
		"fingerprint", a.Fingerprint,
		"description", msg.Description,
	)
	return nil
}

func (s *LogSink) Close() error { return nil }
