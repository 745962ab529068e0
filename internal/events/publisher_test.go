package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), NewEvent(TypePaymentStatusChanged, "payment", "pi_1", nil)))
	assert.NoError(t, p.Close())
}

func TestKafkaPublisher_Publish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "payment-events" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "pi_123" {
			return errors.New("unexpected key " + string(key))
		}

		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var got Event
		if err := json.Unmarshal(value, &got); err != nil {
			return err
		}
		if got.Type != TypeSupportTicketCreated || got.Data["priority"] != "high" {
			return errors.New("unexpected event body")
		}
		return nil
	})

	p := NewKafkaPublisherWithProducer(producer, "payment-events", zap.NewNop())
	event := NewEvent(TypeSupportTicketCreated, "support_ticket", "pi_123", map[string]interface{}{"priority": "high"})

	require.NoError(t, p.Publish(context.Background(), event))
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_PublishFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewKafkaPublisherWithProducer(producer, "payment-events", zap.NewNop())
	err := p.Publish(context.Background(), NewEvent(TypePaymentMethodChanged, "customer", "cus_1", nil))

	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_CancelledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	p := NewKafkaPublisherWithProducer(producer, "payment-events", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, p.Publish(ctx, NewEvent(TypePaymentStatusChanged, "payment", "pi_1", nil)), context.Canceled)
	require.NoError(t, p.Close())
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(TypeSubscriptionTrialEnds, "subscription", "sub_1", map[string]interface{}{"trial_end": 1})

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, 1, e.Version)
	assert.Equal(t, "sub_1", e.AggregateID)
	assert.NotZero(t, e.Timestamp)
}
