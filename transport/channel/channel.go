// Package channel provides an in-memory broker built on Watermill's
// GoChannel, for tests and local development. Every client dialling the same
// address shares one bus, and consumers of a queue compete for its messages.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/fenderchamp/bullfinch/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

var errBusClosed = errors.New("channel bus is closed")

// Factory allows overriding the GoChannel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

var (
	busesMu sync.Mutex
	buses   = make(map[string]*bus)
)

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build attaches a new client to the bus for endpoint's address, creating
// the bus on first use.
func Build(ctx context.Context, endpoint transport.Endpoint, logger watermill.LoggerAdapter) (transport.Transport, error) {
	b := busFor(endpoint.Address(), logger)
	sub := &subscriber{bus: b, done: make(chan struct{})}
	return transport.Transport{
		Publisher:  &publisher{bus: b},
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Reset closes every bus. Queued messages are discarded.
func Reset() {
	busesMu.Lock()
	defer busesMu.Unlock()
	for addr, b := range buses {
		b.close()
		delete(buses, addr)
	}
}

func busFor(addr string, logger watermill.LoggerAdapter) *bus {
	busesMu.Lock()
	defer busesMu.Unlock()
	if b, ok := buses[addr]; ok {
		return b
	}
	b := &bus{
		// Persistent keeps messages published before anyone consumes the
		// queue; each queue has exactly one GoChannel subscription.
		pubSub: Factory(gochannel.Config{Persistent: true}, logger),
		logger: logger,
		queues: make(map[string]chan *message.Message),
		closed: make(chan struct{}),
	}
	buses[addr] = b
	return b
}

type bus struct {
	pubSub *gochannel.GoChannel
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	queues map[string]chan *message.Message

	closeOnce sync.Once
	closed    chan struct{}
}

// queue returns the hand-off channel for topic. The first call subscribes
// the bus to topic and starts dispatching.
func (b *bus) queue(topic string) (chan *message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.closed:
		return nil, errBusClosed
	default:
	}

	if q, ok := b.queues[topic]; ok {
		return q, nil
	}
	in, err := b.pubSub.Subscribe(context.Background(), topic)
	if err != nil {
		return nil, err
	}
	q := make(chan *message.Message)
	b.queues[topic] = q
	go b.dispatch(topic, in, q)
	return q, nil
}

// dispatch releases each GoChannel message as soon as a consumer holds a
// copy, so the next one can flow. A nacked copy is published again.
func (b *bus) dispatch(topic string, in <-chan *message.Message, q chan<- *message.Message) {
	for msg := range in {
		delivery := msg.Copy()
		select {
		case q <- delivery:
			msg.Ack()
			go b.settle(topic, delivery)
		case <-b.closed:
			msg.Nack()
			return
		}
	}
}

func (b *bus) settle(topic string, delivery *message.Message) {
	select {
	case <-delivery.Acked():
	case <-delivery.Nacked():
		if err := b.pubSub.Publish(topic, delivery.Copy()); err != nil {
			b.logger.Error("Cannot requeue message", err, watermill.LogFields{"topic": topic, "uuid": delivery.UUID})
		}
	case <-b.closed:
	}
}

func (b *bus) close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		if err := b.pubSub.Close(); err != nil {
			b.logger.Error("Cannot close channel bus", err, nil)
		}
	})
}

type publisher struct {
	bus *bus
}

func (p *publisher) Publish(topic string, messages ...*message.Message) error {
	select {
	case <-p.bus.closed:
		return errBusClosed
	default:
	}
	return p.bus.pubSub.Publish(topic, messages...)
}

// Close is a no-op: the bus outlives its clients until Reset.
func (p *publisher) Close() error {
	return nil
}

type subscriber struct {
	bus       *bus
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Subscribe returns a channel fed from the shared queue. A message taken
// from the queue but never handed to the caller is nacked back.
func (s *subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.done:
		return nil, errors.New("subscriber is closed")
	default:
	}
	q, err := s.bus.queue(topic)
	if err != nil {
		return nil, err
	}
	out := make(chan *message.Message)
	s.wg.Add(1)
	go s.pump(ctx, q, out)
	return out, nil
}

func (s *subscriber) pump(ctx context.Context, q <-chan *message.Message, out chan<- *message.Message) {
	defer s.wg.Done()
	defer close(out)
	for {
		var msg *message.Message
		select {
		case msg = <-q:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.bus.closed:
			return
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			msg.Nack()
			return
		case <-s.done:
			msg.Nack()
			return
		case <-s.bus.closed:
			return
		}
	}
}

func (s *subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}
