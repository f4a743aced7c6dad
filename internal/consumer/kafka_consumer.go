package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	log "github.com/sirupsen/logrus"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, message []byte) error
}

// poller is the part of *kafka.Consumer the loop needs.
type poller interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	Poll(timeoutMs int) kafka.Event
	Close() error
}

// handleTimeout bounds one message, including its database retries.
const handleTimeout = 30 * time.Second

type KafkaConsumer struct {
	consumer poller
	topic    string
	handler  MessageHandler
}

func NewKafkaConsumer(consumer poller, topic string, handler MessageHandler) (*KafkaConsumer, error) {
	if err := consumer.SubscribeTopics([]string{topic}, nil); err != nil {
		return nil, err
	}
	log.WithField("topic", topic).Info("Subscribed to Kafka topic")
	return &KafkaConsumer{consumer: consumer, topic: topic, handler: handler}, nil
}

// Start polls until ctx is cancelled or the client reports a fatal error.
// A message whose handling fails is logged and skipped; gateway events are
// redelivered by the gateway and settlement is idempotent.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			log.Info("Kafka consumer stopping due to context cancellation")
			return ctx.Err()
		default:
			ev := c.consumer.Poll(100)
			if ev == nil {
				continue
			}

			switch e := ev.(type) {
			case *kafka.Message:
				c.handle(ctx, e)
			case kafka.Error:
				if e.IsFatal() {
					log.WithError(e).Error("Fatal Kafka error")
					return e
				}
				if e.Code() == kafka.ErrAllBrokersDown {
					log.WithError(e).Warn("All Kafka brokers are down, waiting for reconnect")
					continue
				}
				log.WithError(e).Error("Kafka error")
			case kafka.PartitionEOF:
				log.WithField("partition", e.Partition).Debug("Reached end of partition")
			}
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, m *kafka.Message) {
	fields := log.Fields{"topic": c.topic}
	if m.TopicPartition.Topic != nil {
		fields["topic"] = *m.TopicPartition.Topic
	}
	fields["partition"] = m.TopicPartition.Partition
	fields["offset"] = m.TopicPartition.Offset

	hctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	if err := c.handler.HandleMessage(hctx, m.Value); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.WithError(err).WithFields(fields).Error("Failed to handle message")
		return
	}
	log.WithFields(fields).Debug("Handled message")
}

func (c *KafkaConsumer) Close() error {
	return c.consumer.Close()
}
