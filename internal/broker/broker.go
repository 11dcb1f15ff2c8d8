// Package broker gives Minions and the telemetry Emitter a small queue
// client on top of a Watermill transport: a two-phase read (Fetch, then
// Confirm) plus Publish.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fenderchamp/bullfinch/internal/ids"
	"github.com/fenderchamp/bullfinch/internal/logging"
	"github.com/fenderchamp/bullfinch/transport"
)

var (
	// ErrFetchTimeout means no message arrived within the fetch timeout. It
	// is not a failure.
	ErrFetchTimeout = errors.New("broker: no message within fetch timeout")

	ErrClosed             = errors.New("broker: client is closed")
	ErrReadOpen           = errors.New("broker: queue already has an unconfirmed read")
	ErrNoOpenRead         = errors.New("broker: no unconfirmed read on queue")
	ErrSubscriptionClosed = errors.New("broker: subscription ended")
	ErrTooLarge           = errors.New("broker: payload exceeds transport limit")
)

// Error is a transient broker failure: the caller backs off and retries.
type Error struct {
	Op    string
	Queue string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker: %s %q: %v", e.Op, e.Queue, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Client is one broker connection. It is not safe for concurrent use on the
// same queue; each Minion owns its own client.
type Client interface {
	// Fetch waits up to timeout for the next message on queue and holds it
	// as the queue's open read. It returns ErrFetchTimeout when nothing
	// arrives.
	Fetch(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	// Confirm acknowledges the open read on queue.
	Confirm(queue string) error
	Publish(ctx context.Context, queue string, payload []byte) error
	// Close releases open reads back to the broker and closes the transport.
	Close() error
}

// Connector dials broker endpoints.
type Connector interface {
	Connect(ctx context.Context, endpoint transport.Endpoint) (Client, error)
}

// TransportConnector builds clients through a transport registry.
type TransportConnector struct {
	registry *transport.Registry
	logger   logging.ServiceLogger
}

// NewConnector returns a connector over registry; nil means the default
// transport registry.
func NewConnector(registry *transport.Registry, logger logging.ServiceLogger) *TransportConnector {
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &TransportConnector{registry: registry, logger: logger}
}

func (c *TransportConnector) Connect(ctx context.Context, endpoint transport.Endpoint) (Client, error) {
	log := c.logger.With(logging.LogFields{"broker": endpoint.String()})

	tr, err := c.registry.Build(ctx, endpoint, logging.NewWatermillAdapter(log))
	if err != nil {
		return nil, err
	}

	caps := c.registry.GetCapabilities(endpoint.System)
	if provider, ok := tr.Subscriber.(transport.CapabilitiesProvider); ok {
		caps = provider.Capabilities()
	}
	if !caps.SupportsAck {
		log.Info("Transport cannot hold a fetched message until it is confirmed; requests may be lost if a Minion dies", logging.LogFields{"transport": caps.Name})
	}

	return NewClient(tr, caps, log), nil
}

// NewClient wraps an already built transport.
func NewClient(tr transport.Transport, caps transport.Capabilities, logger logging.ServiceLogger) Client {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		tr:     tr,
		caps:   caps,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]<-chan *message.Message),
		open:   make(map[string]*message.Message),
	}
}

type client struct {
	tr     transport.Transport
	caps   transport.Capabilities
	logger logging.ServiceLogger

	// ctx bounds every subscription; it ends on Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[string]<-chan *message.Message
	open   map[string]*message.Message
	closed bool
}

func (c *client) subscription(queue string) (<-chan *message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if _, ok := c.open[queue]; ok {
		return nil, ErrReadOpen
	}
	if sub, ok := c.subs[queue]; ok {
		return sub, nil
	}
	sub, err := c.tr.Subscriber.Subscribe(c.ctx, queue)
	if err != nil {
		return nil, err
	}
	c.subs[queue] = sub
	return sub, nil
}

func (c *client) Fetch(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	sub, err := c.subscription(queue)
	if err != nil {
		return nil, &Error{Op: "fetch", Queue: queue, Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-sub:
		c.mu.Lock()
		defer c.mu.Unlock()
		if !ok {
			delete(c.subs, queue)
			return nil, &Error{Op: "fetch", Queue: queue, Err: ErrSubscriptionClosed}
		}
		if c.closed {
			msg.Nack()
			return nil, &Error{Op: "fetch", Queue: queue, Err: ErrClosed}
		}
		c.open[queue] = msg
		return msg.Payload, nil
	case <-timer.C:
		return nil, ErrFetchTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *client) Confirm(queue string) error {
	c.mu.Lock()
	msg, ok := c.open[queue]
	delete(c.open, queue)
	c.mu.Unlock()

	if !ok {
		return &Error{Op: "confirm", Queue: queue, Err: ErrNoOpenRead}
	}
	msg.Ack()
	return nil
}

// Publish sends payload to queue. It returns when the transport accepted the
// message or ctx ended, whichever is first.
func (c *client) Publish(ctx context.Context, queue string, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return &Error{Op: "publish", Queue: queue, Err: ErrClosed}
	}
	if !c.caps.Allows(len(payload)) {
		return &Error{Op: "publish", Queue: queue, Err: fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))}
	}

	msg := message.NewMessage(ids.New(), payload)
	msg.SetContext(ctx)
	// A transport that ignores the message context may still deliver after
	// ctx ended; delivery is at least once.
	done := make(chan error, 1)
	go func() {
		done <- c.tr.Publisher.Publish(queue, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return &Error{Op: "publish", Queue: queue, Err: err}
		}
		return nil
	case <-ctx.Done():
		return &Error{Op: "publish", Queue: queue, Err: ctx.Err()}
	}
}

func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for queue, msg := range c.open {
		msg.Nack()
		delete(c.open, queue)
	}
	c.mu.Unlock()

	c.cancel()
	if err := c.tr.Close(); err != nil {
		return &Error{Op: "close", Err: err}
	}
	return nil
}
