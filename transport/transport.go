// Package transport defines the broker adapters bullfinch can speak to.
// Each adapter (kafka, rabbitmq, aws, ...) lives in its own sub-package and
// registers a Builder with the transport registry.
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both halves. A shared pub/sub is closed once.
func (t Transport) Close() error {
	var pubErr, subErr error
	if t.Subscriber != nil {
		subErr = t.Subscriber.Close()
	}
	if t.Publisher != nil {
		if sub, ok := t.Publisher.(message.Subscriber); !ok || sub != t.Subscriber {
			pubErr = t.Publisher.Close()
		}
	}
	if subErr != nil {
		return subErr
	}
	return pubErr
}

// Builder creates a transport for one broker endpoint.
type Builder func(ctx context.Context, endpoint Endpoint, logger watermill.LoggerAdapter) (Transport, error)

// Endpoint says where a broker lives and how to talk to it. System selects
// the registered builder; Options carries adapter specific extras such as
// credentials or a Kafka consumer group.
type Endpoint struct {
	System  string
	Host    string
	Port    int
	Options map[string]string
}

// Address returns host:port, or just the host when no port is set.
func (e Endpoint) Address() string {
	if e.Port <= 0 {
		return e.Host
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// AddressOr returns Address using defaultPort when the endpoint has none.
func (e Endpoint) AddressOr(defaultPort int) string {
	if e.Port <= 0 && defaultPort > 0 {
		return net.JoinHostPort(e.Host, strconv.Itoa(defaultPort))
	}
	return e.Address()
}

// Option returns the named option or fallback when it is unset.
func (e Endpoint) Option(key, fallback string) string {
	if v, ok := e.Options[key]; ok && v != "" {
		return v
	}
	return fallback
}

// String identifies the endpoint in logs. Credentials are never included.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s", e.System, e.Address())
}

// CapabilitiesProvider is implemented by transports that can report their
// capabilities per instance.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
