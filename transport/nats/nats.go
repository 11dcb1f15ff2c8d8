// Package nats provides a NATS Core transport. Consumers of one queue join
// the same queue group, so each request reaches one Minion. NATS Core cannot
// hold a message until it is confirmed; use nats-jetstream for that.
package nats

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/fenderchamp/bullfinch/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

const (
	DefaultPort       = 4222
	DefaultQueueGroup = "bullfinch"
	dialTimeout       = 5 * time.Second
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// URL renders the nats:// address for endpoint.
func URL(endpoint transport.Endpoint) string {
	return "nats://" + endpoint.AddressOr(DefaultPort)
}

// ConnectOptions translates endpoint options into nats.go options.
func ConnectOptions(endpoint transport.Endpoint) []nc.Option {
	opts := []nc.Option{
		nc.Name(endpoint.Option("client_name", "bullfinch")),
		nc.Timeout(dialTimeout),
	}
	if user := endpoint.Option("username", ""); user != "" {
		opts = append(opts, nc.UserInfo(user, endpoint.Option("password", "")))
	}
	return opts
}

// Build creates a new NATS transport.
func Build(ctx context.Context, endpoint transport.Endpoint, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := URL(endpoint)
	opts := ConnectOptions(endpoint)
	marshaler := &wmnats.NATSMarshaler{}
	jetStream := wmnats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		wmnats.PublisherConfig{
			URL:         url,
			NatsOptions: opts,
			Marshaler:   marshaler,
			JetStream:   jetStream,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		wmnats.SubscriberConfig{
			URL:              url,
			NatsOptions:      opts,
			QueueGroupPrefix: endpoint.Option("queue_group", DefaultQueueGroup),
			SubscribersCount: 1,
			Unmarshaler:      marshaler,
			JetStream:        jetStream,
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
	return transport.NATSCapabilities
}
