package transport

// Capabilities describes what a broker adapter can do. The broker client
// relies on SupportsAck: without it a fetched message is not held invisible
// until it is confirmed.
type Capabilities struct {
	Name string

	// SupportsAck: the message stays reserved until explicitly acknowledged.
	SupportsAck bool

	// SupportsNack: an unacknowledged message is handed out again.
	SupportsNack bool

	// SupportsOrdering: messages on one queue arrive in publish order.
	SupportsOrdering bool

	// Durable: queued messages survive a broker restart.
	Durable bool

	// MaxMessageSize in bytes, 0 when unlimited or unknown.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once delivery (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Allows reports whether a payload of n bytes fits the transport's limit.
func (c Capabilities) Allows(n int) bool {
	return c.MaxMessageSize <= 0 || int64(n) <= c.MaxMessageSize
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsAck:      true,
		SupportsOrdering: true,
		Durable:          true,
		MaxMessageSize:   1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		Durable:          true,
	}

	// NATS Core has no acknowledgements: a fetched request is gone.
	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1048576,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		Durable:          true,
		MaxMessageSize:   1048576,
	}

	SQSCapabilities = Capabilities{
		Name:           "aws",
		SupportsAck:    true,
		SupportsNack:   true,
		Durable:        true,
		MaxMessageSize: 262144,
	}

	SQLiteCapabilities = Capabilities{
		Name:             "sqlite",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		Durable:          true,
	}

	PostgresCapabilities = Capabilities{
		Name:             "postgres",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		Durable:          true,
	}

	// A Redis list queue moves a fetched entry onto a per-consumer
	// processing list until it is acknowledged.
	RedisCapabilities = Capabilities{
		Name:             "redis",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		Durable:          true,
		MaxMessageSize:   512 * 1024 * 1024,
	}
)
