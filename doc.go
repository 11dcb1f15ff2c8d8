// Package bullfinch runs pools of queue workers. A Boss reads a JSON (or
// YAML) configuration document and starts worker_count Minions for every
// worker entry. Each Minion owns one broker connection, takes one request at
// a time off its work queue, hands it to the Handler registered for the
// entry's worker_class and publishes every result to the queue named by the
// request's response_queue, followed by the Sentinel {"EOF":"EOF"}.
//
// # Configuration
//
// The root document is read from a file path, a file:// URL or an
// http(s):// URL. Worker entries may be replaced by {"$ref": "other.json"},
// resolved relative to the referencing document. Run polls every document
// each config_refresh_seconds and replaces the whole fleet when one of them
// changed.
//
// # Brokers
//
// A worker entry picks its broker with options.broker:
//   - rabbitmq (default): AMQP durable queues
//   - kafka: consumer groups
//   - nats, nats-jetstream: core NATS or durable JetStream pull consumers
//   - aws: SQS queues
//   - redis: Redis lists with a per-consumer processing list
//   - sqlite, postgres: queue tables for deployments without a broker
//   - channel: in-process queues for tests
//
// # Handlers
//
// A Handler is configured once with the entry's options and then called for
// every request. It returns a sequence of result strings; returning or
// yielding ErrHandlerTimeout counts as a timeout, an error matching ErrFatal
// stops the Minion. BuiltinRegistry provides the echo and sql handlers.
//
// # Telemetry
//
// With performance.collect set, Minions record how long handling and
// publishing took and an Emitter sends the samples in batches to
// performance.queue every performance.interval milliseconds.
package bullfinch
