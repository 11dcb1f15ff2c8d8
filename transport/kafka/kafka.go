// Package kafka provides a Kafka transport. All Minions on a queue share one
// consumer group, so partitions are split between them.
package kafka

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fenderchamp/bullfinch/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

const (
	DefaultPort          = 9092
	DefaultConsumerGroup = "bullfinch"
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Brokers lists the bootstrap brokers: the endpoint address followed by any
// comma separated "brokers" option.
func Brokers(endpoint transport.Endpoint) []string {
	brokers := []string{endpoint.AddressOr(DefaultPort)}
	for _, extra := range strings.Split(endpoint.Option("brokers", ""), ",") {
		if extra = strings.TrimSpace(extra); extra != "" {
			brokers = append(brokers, extra)
		}
	}
	return brokers
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, endpoint transport.Endpoint, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := Brokers(endpoint)

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			ConsumerGroup:         endpoint.Option("consumer_group", DefaultConsumerGroup),
			OverwriteSaramaConfig: kafka.DefaultSaramaSubscriberConfig(),
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
