package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"ai-speech-stream/internal/observability/logging"
	"ai-speech-stream/internal/observability/metrics"
)

const retryDelay = time.Second

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Validator checks a decoded event payload.
type Validator interface {
	Validate(event any) error
}

// Consumer reads one topic and relays valid events to a Hub.
type Consumer struct {
	reader    MessageReader
	topic     string
	hub       *Hub
	validator Validator
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// ReaderConfig selects brokers and a topic. Without a GroupID the reader
// starts from the last hour of partition 0.
type ReaderConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	Lookback time.Duration
}

// NewKafkaReader builds a kafka-go reader for cfg.
func NewKafkaReader(ctx context.Context, cfg ReaderConfig) (*kafka.Reader, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	if cfg.GroupID == "" {
		lookback := cfg.Lookback
		if lookback == 0 {
			lookback = time.Hour
		}
		if err := r.SetOffsetAt(ctx, time.Now().Add(-lookback)); err != nil {
			r.Close()
			return nil, fmt.Errorf("set offset on %s: %w", cfg.Topic, err)
		}
	}
	return r, nil
}

// NewConsumer creates a Consumer. validator may be nil.
func NewConsumer(reader MessageReader, topic string, hub *Hub, validator Validator) *Consumer {
	return &Consumer{
		reader:    reader,
		topic:     topic,
		hub:       hub,
		validator: validator,
		metrics:   metrics.DefaultMetrics,
		log:       logging.WithComponent("viewer-consumer").With().Str("topic", topic).Logger(),
	}
}

// Run consumes until ctx ends, then closes the reader. Read errors are
// retried after a short delay.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	c.log.Info().Msg("Consuming transcript events")

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn().Err(err).Msg("Kafka read error")
			select {
			case <-time.After(retryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		event, err := c.decode(msg)
		if err != nil {
			c.metrics.RecordViewerMessage(c.topic, "invalid")
			c.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("Skipping message")
			continue
		}
		c.metrics.RecordViewerMessage(c.topic, "relayed")
		c.log.Debug().Str("eventType", event.EventType).Str("key", event.Key).Msg("Received event")

		if err := c.hub.Broadcast(ctx, event); err != nil {
			return nil
		}
	}
}

var errNoEventType = errors.New("message has no eventType")

func (c *Consumer) decode(msg kafka.Message) (Event, error) {
	var head struct {
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(msg.Value, &head); err != nil {
		return Event{}, fmt.Errorf("decode message: %w", err)
	}
	if head.EventType == "" {
		return Event{}, errNoEventType
	}
	if c.validator != nil {
		if err := c.validator.Validate(json.RawMessage(msg.Value)); err != nil {
			return Event{}, err
		}
	}
	return Event{
		Topic:     msg.Topic,
		Key:       string(msg.Key),
		EventType: head.EventType,
		Event:     json.RawMessage(msg.Value),
	}, nil
}
