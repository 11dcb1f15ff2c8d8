// Package rabbitmq provides a RabbitMQ/AMQP transport. Queues are durable
// work queues on the default exchange, so Minions sharing a queue compete.
package rabbitmq

import (
	"context"
	"net/url"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fenderchamp/bullfinch/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

const DefaultPort = 5672

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// URI renders the AMQP URI for endpoint. Credentials default to guest/guest.
func URI(endpoint transport.Endpoint) string {
	u := url.URL{
		Scheme: endpoint.Option("scheme", "amqp"),
		User:   url.UserPassword(endpoint.Option("username", "guest"), endpoint.Option("password", "guest")),
		Host:   endpoint.AddressOr(DefaultPort),
	}
	if vhost := endpoint.Option("vhost", ""); vhost != "" {
		u.Path = "/" + vhost
	}
	return u.String()
}

// Build creates a new RabbitMQ transport over one shared connection.
func Build(ctx context.Context, endpoint transport.Endpoint, logger watermill.LoggerAdapter) (transport.Transport, error) {
	uri := URI(endpoint)

	amqpConfig := amqp.NewDurableQueueConfig(uri)
	// One unconfirmed request per consumer.
	amqpConfig.Consume.Qos.PrefetchCount = 1

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   uri,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		closeConn(conn, logger)
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		closeConn(conn, logger)
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  &connPublisher{Publisher: publisher, conn: conn, logger: logger},
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// connPublisher closes the shared connection after the publisher. The
// subscriber is closed first by transport.Transport.Close.
type connPublisher struct {
	message.Publisher
	conn   *amqp.ConnectionWrapper
	logger watermill.LoggerAdapter
}

func (p *connPublisher) Close() error {
	err := p.Publisher.Close()
	closeConn(p.conn, p.logger)
	return err
}

func closeConn(conn *amqp.ConnectionWrapper, logger watermill.LoggerAdapter) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		logger.Error("Cannot close AMQP connection", err, nil)
	}
}
