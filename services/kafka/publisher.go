// Package kafka publishes run progress and terminal status events
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Config struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

// Event is one progress or status message of a run
type Event struct {
	RunID   string    `json:"run_id"`
	Status  string    `json:"status"`
	Percent float64   `json:"percent"`
	Day     time.Time `json:"day,omitempty"`
	Equity  float64   `json:"equity"`
	Trades  int       `json:"trades"`
	Error   string    `json:"error,omitempty"`
	Ts      time.Time `json:"ts"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events keyed by run id, so one run's events stay ordered
type Publisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

func NewPublisher(cfg Config, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
		},
	}
	logger.Info("kafka publisher initialised", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return &Publisher{writer: writer, topic: cfg.Topic, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.RunID),
		Value: value,
		Time:  ev.Ts,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(ev.Status)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish event",
			zap.String("topic", p.topic),
			zap.String("run_id", ev.RunID),
			zap.Error(err))
		return fmt.Errorf("publish event for run %s: %w", ev.RunID, err)
	}
	p.logger.Debug("event published", zap.String("run_id", ev.RunID), zap.String("status", ev.Status))
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
