package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
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
	loader, pub, sub := DefaultConfigLoader, PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = loader
		PublisherFactory = pub
		SubscriberFactory = sub
	})
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, opt := range opts {
			if err := opt(&lo); err != nil {
				return aws.Config{}, err
			}
		}
		return aws.Config{Region: lo.Region, Credentials: lo.Credentials}, nil
	}
}

func TestRegister(t *testing.T) {
	saved := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = saved })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "aws", caps.Name)
	assert.Equal(t, int64(262144), caps.MaxMessageSize)
	assert.Equal(t, transport.SQSCapabilities, Capabilities())
}

func TestEndpointURL(t *testing.T) {
	u, err := EndpointURL(transport.Endpoint{})
	require.NoError(t, err)
	assert.Nil(t, u)

	u, err = EndpointURL(transport.Endpoint{Host: "localstack", Port: 4566})
	require.NoError(t, err)
	assert.Equal(t, "http://localstack:4566", u.String())

	u, err = EndpointURL(transport.Endpoint{Host: "sqs.internal", Options: map[string]string{"scheme": "https"}})
	require.NoError(t, err)
	assert.Equal(t, "https://sqs.internal", u.String())
}

func TestBuild(t *testing.T) {
	t.Run("configures region, credentials and endpoint", func(t *testing.T) {
		stubFactories(t)

		var pubCfg sqs.PublisherConfig
		var subCfg sqs.SubscriberConfig
		PublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			pubCfg = cfg
			return &mockPublisher{}, nil
		}
		SubscriberFactory = func(cfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			subCfg = cfg
			return &mockSubscriber{}, nil
		}

		endpoint := transport.Endpoint{
			System: TransportName,
			Host:   "localstack",
			Port:   4566,
			Options: map[string]string{
				"region":            "eu-west-1",
				"access_key_id":     "test",
				"secret_access_key": "secret",
			},
		}
		tr, err := Build(context.Background(), endpoint, watermill.NopLogger{})
		require.NoError(t, err)
		assert.NotNil(t, tr.Publisher)

		assert.Equal(t, "eu-west-1", pubCfg.AWSConfig.Region)
		assert.Equal(t, "eu-west-1", subCfg.AWSConfig.Region)
		assert.Len(t, pubCfg.OptFns, 1)
		assert.Len(t, subCfg.OptFns, 1)

		creds, err := subCfg.AWSConfig.Credentials.Retrieve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "test", creds.AccessKeyID)
	})

	t.Run("default region and endpoint", func(t *testing.T) {
		stubFactories(t)
		var pubCfg sqs.PublisherConfig
		PublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			pubCfg = cfg
			return &mockPublisher{}, nil
		}
		SubscriberFactory = func(cfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return &mockSubscriber{}, nil
		}

		_, err := Build(context.Background(), transport.Endpoint{System: TransportName}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, DefaultRegion, pubCfg.AWSConfig.Region)
		assert.Empty(t, pubCfg.OptFns)
	})

	t.Run("config loader failure", func(t *testing.T) {
		stubFactories(t)
		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("no profile")
		}

		_, err := Build(context.Background(), transport.Endpoint{System: TransportName}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "no profile")
	})

	t.Run("closes publisher when subscriber fails", func(t *testing.T) {
		stubFactories(t)
		mockPub := &mockPublisher{}
		PublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return mockPub, nil
		}
		SubscriberFactory = func(cfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), transport.Endpoint{System: TransportName}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, mockPub.closed)
	})
}
