// Package jetstream provides a NATS JetStream transport. Every queue maps to
// a subject in one work-queue stream with a durable pull consumer, so a
// fetched request stays reserved until it is acknowledged.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/fenderchamp/bullfinch/internal/ids"
	"github.com/fenderchamp/bullfinch/transport"
	natstransport "github.com/fenderchamp/bullfinch/transport/nats"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	DefaultStreamName = "BULLFINCH"
	DefaultMaxDeliver = 3
	DefaultAckWait    = 30 * time.Second
	DefaultFetchWait  = time.Second
)

var errClosed = errors.New("jetstream transport is closed")

// Connect allows overriding the NATS connection for testing.
var Connect = nc.Connect

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, endpoint transport.Endpoint, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(ConfigFromEndpoint(endpoint), natstransport.ConnectOptions(endpoint), logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds JetStream specific settings.
type Config struct {
	URL        string
	StreamName string
	// MaxDeliver bounds redeliveries of an unacknowledged request.
	MaxDeliver int
	// AckWait is how long a fetched request stays reserved.
	AckWait   time.Duration
	Replicas  int
	FetchWait time.Duration
}

// ConfigFromEndpoint reads stream, max_deliver, ack_wait (seconds) and
// replicas from the endpoint options.
func ConfigFromEndpoint(endpoint transport.Endpoint) Config {
	return Config{
		URL:        natstransport.URL(endpoint),
		StreamName: endpoint.Option("stream", ""),
		MaxDeliver: atoi(endpoint.Option("max_deliver", "")),
		AckWait:    time.Duration(atoi(endpoint.Option("ack_wait", ""))) * time.Second,
		Replicas:   atoi(endpoint.Option("replicas", "")),
	}
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.FetchWait <= 0 {
		c.FetchWait = DefaultFetchWait
	}
	return c
}

// Transport implements Publisher and Subscriber for NATS JetStream.
type Transport struct {
	conn   *nc.Conn
	js     nc.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subMu         sync.Mutex
	subscriptions []*nc.Subscription
	wg            sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// New connects to NATS and makes sure the stream exists.
func New(cfg Config, opts []nc.Option, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	conn, err := Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := &Transport{
		conn:   conn,
		js:     js,
		config: cfg,
		logger: logger,
		closed: make(chan struct{}),
	}

	if err := t.ensureStream(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return t, nil
}

func (t *Transport) streamConfig() *nc.StreamConfig {
	return &nc.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		Retention: nc.WorkQueuePolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  t.config.Replicas,
	}
}

func (t *Transport) ensureStream() error {
	cfg := t.streamConfig()
	if _, err := t.js.AddStream(cfg); err != nil {
		if _, updErr := t.js.UpdateStream(cfg); updErr != nil {
			return errors.Join(err, updErr)
		}
	}
	return nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Publish stores messages on the queue's subject. The watermill UUID
// doubles as the JetStream de-duplication id.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errClosed
	}

	subject := t.subject(topic)
	for _, msg := range messages {
		if msg.UUID == "" {
			msg.UUID = ids.New()
		}
		headers := nc.Header{}
		for k, v := range msg.Metadata {
			headers.Set(k, v)
		}
		headers.Set(nc.MsgIdHdr, msg.UUID)

		if _, err := t.js.PublishMsg(&nc.Msg{Subject: subject, Data: msg.Payload, Header: headers}); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}
	return nil
}

// Subscribe binds to the queue's durable consumer and pulls one request at a
// time; the next pull waits for the previous request to be settled.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, errClosed
	}

	subject := t.subject(topic)
	durable := t.consumer(topic)
	consumerCfg := &nc.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nc.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nc.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, updErr := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); updErr != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", errors.Join(err, updErr))
		}
	}

	sub, err := t.js.PullSubscribe(subject, durable, nc.Bind(t.config.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	t.subMu.Lock()
	t.subscriptions = append(t.subscriptions, sub)
	t.subMu.Unlock()

	output := make(chan *message.Message)
	t.wg.Add(1)
	go t.pull(ctx, sub, output, topic)
	return output, nil
}

func (t *Transport) pull(ctx context.Context, sub *nc.Subscription, output chan<- *message.Message, topic string) {
	defer t.wg.Done()
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		default:
		}

		msgs, err := sub.Fetch(1, nc.MaxWait(t.config.FetchWait))
		if err != nil {
			if errors.Is(err, nc.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if t.isClosed() {
				return
			}
			t.logger.Error("Failed to fetch messages", err, watermill.LogFields{"topic": topic})
			continue
		}

		for _, natsMsg := range msgs {
			if !t.deliver(ctx, natsMsg, output) {
				return
			}
		}
	}
}

// deliver hands one request to the consumer and settles it on JetStream.
// It returns false once the subscription should stop.
func (t *Transport) deliver(ctx context.Context, natsMsg *nc.Msg, output chan<- *message.Message) bool {
	wmMsg := toWatermill(natsMsg)

	select {
	case output <- wmMsg:
	case <-ctx.Done():
		t.settle(natsMsg.Nak, "nak")
		return false
	case <-t.closed:
		t.settle(natsMsg.Nak, "nak")
		return false
	}

	select {
	case <-wmMsg.Acked():
		t.settle(natsMsg.Ack, "ack")
		return true
	case <-wmMsg.Nacked():
		t.settle(natsMsg.Nak, "nak")
		return true
	case <-ctx.Done():
		t.settle(natsMsg.Nak, "nak")
		return false
	case <-t.closed:
		t.settle(natsMsg.Nak, "nak")
		return false
	}
}

func (t *Transport) settle(fn func(...nc.AckOpt) error, op string) {
	if err := fn(); err != nil {
		t.logger.Error("Failed to "+op+" message", err, nil)
	}
}

func toWatermill(natsMsg *nc.Msg) *message.Message {
	id := natsMsg.Header.Get(nc.MsgIdHdr)
	if id == "" {
		id = ids.New()
	}
	wmMsg := message.NewMessage(id, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == nc.MsgIdHdr || len(v) == 0 {
			continue
		}
		wmMsg.Metadata.Set(k, v[0])
	}
	return wmMsg
}

func (t *Transport) subject(topic string) string {
	return t.config.StreamName + "." + topic
}

func (t *Transport) consumer(topic string) string {
	return "bullfinch_" + topic
}

// Close stops every pull loop, naks unsettled requests and drops the
// connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.wg.Wait()

		t.subMu.Lock()
		for _, sub := range t.subscriptions {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nc.ErrConnectionClosed) {
				t.logger.Debug("Unsubscribe failed", watermill.LogFields{"error": err.Error()})
			}
		}
		t.subscriptions = nil
		t.subMu.Unlock()

		t.conn.Close()
	})
	return nil
}

// Capabilities returns the capabilities of this transport instance.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}
