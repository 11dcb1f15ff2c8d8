package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenderchamp/bullfinch/transport"
)

type mockPublisher struct{ closed bool }

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { m.closed = true; return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }

func stubFactories(t *testing.T) {
	t.Helper()
	pub, sub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = pub
		SubscriberFactory = sub
	})
}

func TestRegister(t *testing.T) {
	saved := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = saved })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBrokers(t *testing.T) {
	assert.Equal(t, []string{"k1:9092"}, Brokers(transport.Endpoint{Host: "k1"}))

	endpoint := transport.Endpoint{Host: "k1", Port: 19092, Options: map[string]string{"brokers": "k2:9092, k3:9092,"}}
	assert.Equal(t, []string{"k1:19092", "k2:9092", "k3:9092"}, Brokers(endpoint))
}

func TestBuild(t *testing.T) {
	t.Run("uses consumer group from options", func(t *testing.T) {
		stubFactories(t)

		var subCfg kafka.SubscriberConfig
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, []string{"k1:9092"}, cfg.Brokers)
			return &mockPublisher{}, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			subCfg = cfg
			return &mockSubscriber{}, nil
		}

		endpoint := transport.Endpoint{Host: "k1", Options: map[string]string{"consumer_group": "lookups"}}
		tr, err := Build(context.Background(), endpoint, watermill.NopLogger{})
		require.NoError(t, err)
		assert.NotNil(t, tr.Publisher)
		assert.Equal(t, "lookups", subCfg.ConsumerGroup)
		assert.NotNil(t, subCfg.OverwriteSaramaConfig)
	})

	t.Run("defaults the consumer group", func(t *testing.T) {
		stubFactories(t)
		var group string
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return &mockPublisher{}, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			group = cfg.ConsumerGroup
			return &mockSubscriber{}, nil
		}

		_, err := Build(context.Background(), transport.Endpoint{Host: "k1"}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, DefaultConsumerGroup, group)
	})

	t.Run("closes publisher when subscriber fails", func(t *testing.T) {
		stubFactories(t)
		mockPub := &mockPublisher{}
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return mockPub, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), transport.Endpoint{Host: "k1"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, mockPub.closed)
	})
}
