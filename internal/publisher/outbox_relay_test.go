package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"settlement-service/internal/domain"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memOutbox struct {
	pending   []domain.Notification
	published []string
}

func (m *memOutbox) FetchUnpublished(_ context.Context, limit int) ([]domain.Notification, error) {
	if len(m.pending) > limit {
		return m.pending[:limit], nil
	}
	return m.pending, nil
}

func (m *memOutbox) MarkPublished(_ context.Context, ids []string, _ time.Time) error {
	m.published = append(m.published, ids...)
	done := make(map[string]bool, len(ids))
	for _, id := range ids {
		done[id] = true
	}
	var rest []domain.Notification
	for _, n := range m.pending {
		if !done[n.ID] {
			rest = append(rest, n)
		}
	}
	m.pending = rest
	return nil
}

// fakeProducer reports delivery synchronously; failOn names a notification
// id whose delivery fails.
type fakeProducer struct {
	sent   []*kafka.Message
	failOn string
}

func (p *fakeProducer) Produce(msg *kafka.Message, deliveries chan kafka.Event) error {
	p.sent = append(p.sent, msg)
	report := *msg
	for _, h := range msg.Headers {
		if h.Key == "notification_id" && string(h.Value) == p.failOn {
			report.TopicPartition.Error = errors.New("broker rejected message")
		}
	}
	deliveries <- &report
	return nil
}

func notifications() []domain.Notification {
	return []domain.Notification{
		{ID: "n1", Kind: domain.NotifyBuyerPurchase, RecipientID: "buyer-1", Payload: []byte(`{"a":1}`)},
		{ID: "n2", Kind: domain.NotifySellerSale, RecipientID: "seller-1", Payload: []byte(`{"b":2}`)},
		{ID: "n3", Kind: domain.NotifyBuyerPurchase, RecipientID: "buyer-2", Payload: []byte(`{"c":3}`)},
	}
}

func TestPublishBatchRoutesByKind(t *testing.T) {
	store := &memOutbox{pending: notifications()}
	p := &fakeProducer{}
	relay := NewOutboxRelay(store, p, "successful_payments", "seller_sales", 10)

	n, err := relay.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"n1", "n2", "n3"}, store.published)

	require.Len(t, p.sent, 3)
	assert.Equal(t, "successful_payments", *p.sent[0].TopicPartition.Topic)
	assert.Equal(t, "seller_sales", *p.sent[1].TopicPartition.Topic)
	assert.Equal(t, []byte("buyer-1"), p.sent[0].Key)
	assert.JSONEq(t, `{"a":1}`, string(p.sent[0].Value))
}

func TestPublishBatchStopsAtFailedDelivery(t *testing.T) {
	store := &memOutbox{pending: notifications()}
	relay := NewOutboxRelay(store, &fakeProducer{failOn: "n2"}, "buyers", "sellers", 10)

	n, err := relay.PublishBatch(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"n1"}, store.published)
	require.Len(t, store.pending, 2)
	assert.Equal(t, "n2", store.pending[0].ID)
}

func TestPublishBatchRespectsBatchSize(t *testing.T) {
	store := &memOutbox{pending: notifications()}
	relay := NewOutboxRelay(store, &fakeProducer{}, "buyers", "sellers", 2)

	n, err := relay.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = relay.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = relay.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
