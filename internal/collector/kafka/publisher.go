// Package kafka publishes telemetry batches to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/trackbuffer/internal/domain"
	"github.com/bissquit/trackbuffer/internal/retry"
	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"
)

// ErrNoBrokers is returned when Config.Brokers is empty.
var ErrNoBrokers = errors.New("kafka publisher requires at least one broker")

// Config holds publisher configuration.
type Config struct {
	Brokers      []string
	LogsTopic    string
	ReplaysTopic string
	BatchTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements collector.Sender on Kafka. Each entry becomes one
// message.
type Publisher struct {
	logs    messageWriter
	replays messageWriter
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewPublisher creates writers for the logs and replays topics.
func NewPublisher(cfg Config, clock clockwork.Clock, logger *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if cfg.LogsTopic == "" {
		cfg.LogsTopic = "trackbuffer.logs"
	}
	if cfg.ReplaysTopic == "" {
		cfg.ReplaysTopic = "trackbuffer.replays"
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			BatchTimeout: cfg.BatchTimeout,
		}
	}

	logger.Info("kafka publisher configured",
		"brokers", cfg.Brokers,
		"logs_topic", cfg.LogsTopic,
		"replays_topic", cfg.ReplaysTopic,
	)

	return &Publisher{
		logs:    newWriter(cfg.LogsTopic),
		replays: newWriter(cfg.ReplaysTopic),
		clock:   clock,
		logger:  logger,
	}, nil
}

// SendLogs publishes log entries to the logs topic.
func (p *Publisher) SendLogs(ctx context.Context, logs []domain.LogEntry) (domain.Status, error) {
	msgs := make([]kafka.Message, 0, len(logs))
	for _, entry := range logs {
		msg, err := p.message(nil, entry)
		if err != nil {
			return domain.StatusErrorBadRequest, retry.NewPermanentError(domain.StatusErrorBadRequest, err)
		}
		msgs = append(msgs, msg)
	}
	return p.write(ctx, p.logs, msgs)
}

// SendReplays publishes replay payloads keyed by payload id.
func (p *Publisher) SendReplays(ctx context.Context, replays []domain.ReplayPayload) (domain.Status, error) {
	msgs := make([]kafka.Message, 0, len(replays))
	for _, replay := range replays {
		msg, err := p.message([]byte(replay.ID.String()), replay)
		if err != nil {
			return domain.StatusErrorBadRequest, retry.NewPermanentError(domain.StatusErrorBadRequest, err)
		}
		msgs = append(msgs, msg)
	}
	return p.write(ctx, p.replays, msgs)
}

// Close closes both writers.
func (p *Publisher) Close() error {
	return errors.Join(p.logs.Close(), p.replays.Close())
}

func (p *Publisher) message(key []byte, value any) (kafka.Message, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal message: %w", err)
	}
	return kafka.Message{
		Key:   key,
		Value: data,
		Time:  p.clock.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}, nil
}

func (p *Publisher) write(ctx context.Context, w messageWriter, msgs []kafka.Message) (domain.Status, error) {
	if len(msgs) == 0 {
		return domain.StatusSuccess, nil
	}
	if err := w.WriteMessages(ctx, msgs...); err != nil {
		status, retryable := classify(err)
		p.logger.Debug("kafka write failed", "status", status, "messages", len(msgs), "error", err)
		if retryable {
			return status, retry.NewRetryableError(status, err)
		}
		return status, retry.NewPermanentError(status, err)
	}
	return domain.StatusSuccess, nil
}

// classify maps a writer error to a status. Broker errors that kafka-go does
// not mark temporary are terminal; everything else is treated as a network
// failure.
func classify(err error) (domain.Status, bool) {
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil {
				return classify(e)
			}
		}
	}

	var kerr kafka.Error
	if !errors.As(err, &kerr) {
		return domain.StatusErrorNetwork, true
	}
	if kerr.Temporary() {
		return domain.StatusErrorServer, true
	}
	switch kerr {
	case kafka.TopicAuthorizationFailed, kafka.ClusterAuthorizationFailed:
		return domain.StatusErrorForbidden, false
	case kafka.SASLAuthenticationFailed:
		return domain.StatusErrorUnauthorized, false
	case kafka.MessageSizeTooLarge:
		return domain.StatusErrorBadRequest, false
	default:
		return domain.StatusErrorUnknown, false
	}
}
