package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Publisher sends invalidation events. Messages are keyed by region so
// successive versions of one region stay on one partition, in order.
type Publisher struct {
	topic string
	prod  sarama.SyncProducer
	now   func() time.Time
}

// NewPublisher connects a synchronous producer using the same broker,
// TLS and SASL settings as the consumer.
func NewPublisher(cfg InvalidationConfig) (*Publisher, error) {
	sc, err := cfg.saramaConfig()
	if err != nil {
		return nil, fmt.Errorf("kafka config: %w", err)
	}
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	prod, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("producer create: %w", err)
	}
	return NewPublisherWithProducer(prod, cfg.Topic), nil
}

func NewPublisherWithProducer(prod sarama.SyncProducer, topic string) *Publisher {
	return &Publisher{topic: topic, prod: prod, now: time.Now}
}

// Publish validates ev, stamps TS when unset and sends it.
func (p *Publisher) Publish(ev Event) (partition int32, offset int64, err error) {
	if err := ev.Validate(); err != nil {
		return 0, 0, fmt.Errorf("invalid event: %w", err)
	}
	if ev.TS.IsZero() {
		ev.TS = p.now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal event: %w", err)
	}
	partition, offset, err = p.prod.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.DedupeKey()),
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("send invalidation: %w", err)
	}
	return partition, offset, nil
}

func (p *Publisher) Close() error {
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("close producer: %w", err)
	}
	return nil
}
