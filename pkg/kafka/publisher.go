// Package kafka publishes reward-service events to a Kafka topic. It satisfies the same
// Publisher contract as the RabbitMQ producer so either broker can back the service.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher writes every event to topic. Messages are keyed by routing key so each
// event type keeps its order within a partition.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(routingKey),
		Value: data,
		Headers: []kafka.Header{
			{Key: "exchange", Value: []byte(exchange)},
			{Key: "routing_key", Value: []byte(routingKey)},
		},
		Time: time.Now(),
	})
}

func (p *Publisher) Close() {
	_ = p.writer.Close()
}
