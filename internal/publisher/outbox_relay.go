// Package publisher relays committed outbox notifications to Kafka.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/domain"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	log "github.com/sirupsen/logrus"
)

const deliveryTimeout = 10 * time.Second

var ErrDeliveryTimeout = errors.New("timed out waiting for delivery report")

type OutboxStore interface {
	FetchUnpublished(ctx context.Context, limit int) ([]domain.Notification, error)
	MarkPublished(ctx context.Context, ids []string, at time.Time) error
}

// producer is the part of *kafka.Producer the relay needs.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

type OutboxRelay struct {
	store     OutboxStore
	producer  producer
	topics    map[domain.NotificationKind]string
	batchSize int
}

func NewOutboxRelay(store OutboxStore, p producer, buyerTopic, sellerTopic string, batchSize int) *OutboxRelay {
	return &OutboxRelay{
		store:    store,
		producer: p,
		topics: map[domain.NotificationKind]string{
			domain.NotifyBuyerPurchase: buyerTopic,
			domain.NotifySellerSale:    sellerTopic,
		},
		batchSize: batchSize,
	}
}

// PublishBatch produces one batch of pending notifications, waiting for each
// delivery report, and marks the delivered ones published. Delivery is
// at-least-once: a crash between produce and mark republishes.
func (r *OutboxRelay) PublishBatch(ctx context.Context) (int, error) {
	pending, err := r.store.FetchUnpublished(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	delivered := make([]string, 0, len(pending))
	var produceErr error
	for _, n := range pending {
		topic, ok := r.topics[n.Kind]
		if !ok {
			log.WithFields(log.Fields{"notification_id": n.ID, "kind": n.Kind}).Warn("Skipping notification of unknown kind")
			delivered = append(delivered, n.ID)
			continue
		}
		if err := r.produce(ctx, topic, n); err != nil {
			produceErr = fmt.Errorf("failed to publish notification %s: %w", n.ID, err)
			break
		}
		delivered = append(delivered, n.ID)
	}

	if len(delivered) > 0 {
		if err := r.store.MarkPublished(ctx, delivered, time.Now()); err != nil {
			return 0, errors.Join(produceErr, err)
		}
	}
	return len(delivered), produceErr
}

func (r *OutboxRelay) produce(ctx context.Context, topic string, n domain.Notification) error {
	deliveries := make(chan kafka.Event, 1)
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(n.RecipientID),
		Value:          n.Payload,
		Headers: []kafka.Header{
			{Key: "notification_id", Value: []byte(n.ID)},
			{Key: "kind", Value: []byte(n.Kind)},
		},
	}
	if err := r.producer.Produce(msg, deliveries); err != nil {
		return err
	}

	timer := time.NewTimer(deliveryTimeout)
	defer timer.Stop()
	select {
	case ev := <-deliveries:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %v", ev)
		}
		return m.TopicPartition.Error
	case <-timer.C:
		return ErrDeliveryTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run publishes a batch every interval until ctx is done.
func (r *OutboxRelay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Outbox relay stopping due to context cancellation")
			return
		case <-ticker.C:
			n, err := r.PublishBatch(ctx)
			if err != nil {
				log.WithError(err).WithField("published", n).Error("Failed to publish notifications")
				continue
			}
			if n > 0 {
				log.WithField("published", n).Info("Published notifications")
			}
		}
	}
}
