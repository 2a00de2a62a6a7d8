/*Package events publishes accepted telemetry to Kafka.

Downstream delivery workers (webhooks, SNMP, email) consume this topic; the
ingestion core itself never reads it back.
*/
package events

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/voltaic-systems/ingest/core/logger"
)

// Event is one accepted telemetry reading as published on the topic.
type Event struct {
	Time        time.Time              `json:"time"`
	TenantID    string                 `json:"tenant_id"`
	DeviceID    string                 `json:"device_id"`
	MessageType string                 `json:"message_type"`
	Metrics     map[string]interface{} `json:"metrics"`
}

// Publisher writes accepted events to a Kafka topic. Messages for the same
// device hash to the same partition, preserving per-device order.
type Publisher struct {
	writer *kafka.Writer
}

// Builder is a builder helper for the Publisher
type Builder struct {
	// Brokers is the list of Kafka bootstrap addresses. This is mandatory.
	Brokers []string
	// Topic is the destination topic. This is mandatory.
	Topic string
}

// NewPublisher creates the publisher.
func NewPublisher(b *Builder) *Publisher {
	if len(b.Brokers) == 0 {
		panic("Brokers are missing")
	}
	if b.Topic == "" {
		panic("Topic is missing")
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(b.Brokers...),
			Topic:        b.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 100 * time.Millisecond,
		},
	}
}

// Publish writes one event. A publish failure is logged but does not fail
// message processing; the record is already durably stored by then.
func (p *Publisher) Publish(ctx context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot marshal accepted event")
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TenantID + "/" + event.DeviceID),
		Value: value,
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot publish accepted event")
	}
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
