// Package kafka carries change events between instances over Kafka. The
// Publisher announces local writes; the Consumer invalidates cached
// results when any instance writes.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/pgfeatures/internal/invalidation"
)

type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	source   string
	log      *slog.Logger
}

// NewPublisher dials the brokers in cfg.
func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka publisher: no brokers configured")
	}
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Return.Successes = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	p, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("sync producer: %w", err)
	}
	return NewPublisherWithProducer(p, cfg.Topic, cfg.InstanceID, logger), nil
}

func NewPublisherWithProducer(p sarama.SyncProducer, topic, source string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{producer: p, topic: topic, source: source, log: logger}
}

// Notify publishes ev keyed by collection so events of one collection stay
// ordered on one partition.
func (p *Publisher) Notify(ctx context.Context, ev invalidation.Event) error {
	if ev.Source == "" {
		ev.Source = p.source
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("validate event: %w", err)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(ev.Collection),
		Value:     sarama.ByteEncoder(b),
		Timestamp: ev.TS,
		Headers: []sarama.RecordHeader{
			{Key: []byte("op"), Value: []byte(ev.Op)},
		},
	}
	part, off, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	p.log.DebugContext(ctx, "change event published",
		"collection", ev.Collection, "op", ev.Op, "partition", part, "offset", off)
	return nil
}

func (p *Publisher) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close producer: %w", err)
	}
	return nil
}
