// internal/eventlog/publisher.go

// Package eventlog publishes supervisor lifecycle events to Kafka for
// external consumers (dashboards, alerting). The publisher is optional: it
// only exists when brokers are configured.
package eventlog

import (
	"encoding/json"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/rankforge/sentinel/internal/supervisor"
	"github.com/rankforge/sentinel/pkg/logging"
)

// Publisher forwards lifecycle events from the supervisor's event bus to a
// Kafka topic.
type Publisher struct {
	producer *kafka.Producer
	topic    string
	logger   *logging.Logger
	done     chan struct{}
}

// NewPublisher creates a Kafka publisher for the given brokers and topic.
func NewPublisher(brokers, topic string, logger *logging.Logger) (*Publisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
	})
	if err != nil {
		return nil, err
	}

	return &Publisher{
		producer: producer,
		topic:    topic,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Run consumes events until the channel closes. Delivery is best-effort;
// the supervisor never blocks on Kafka.
func (p *Publisher) Run(events <-chan supervisor.Event) {
	defer close(p.done)

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		err = p.producer.Produce(&kafka.Message{
			TopicPartition: kafka.TopicPartition{
				Topic:     &p.topic,
				Partition: kafka.PartitionAny,
			},
			Key:   []byte(ev.ServiceID),
			Value: payload,
		}, nil)
		if err != nil {
			p.logger.WithError(err).Warn("failed to publish lifecycle event",
				"service", ev.ServiceID, "type", string(ev.Type))
		}
	}
}

// Close flushes outstanding messages and closes the producer. It waits for
// Run to observe the closed event channel first.
func (p *Publisher) Close() {
	<-p.done
	p.producer.Flush(15 * 1000)
	p.producer.Close()
}
