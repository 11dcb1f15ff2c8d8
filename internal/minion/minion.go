// Package minion implements the long-lived queue consumer: fetch a message,
// hand it to a Processor, confirm it, repeat until cancelled.
package minion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/fenderchamp/bullfinch/internal/broker"
	bferrors "github.com/fenderchamp/bullfinch/internal/errors"
	"github.com/fenderchamp/bullfinch/internal/logging"
	"github.com/fenderchamp/bullfinch/internal/metrics"
	"github.com/fenderchamp/bullfinch/internal/worker"
)

// State is where a Minion is in its life.
type State int32

const (
	Idle State = iota
	Running
	CancelRequested
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case CancelRequested:
		return "cancel_requested"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	DefaultBrokerBackoff = 5 * time.Second
	DefaultErrorBackoff  = 3 * time.Second
)

// Processor handles one fetched payload. The Minion confirms the message
// after Process returns, whatever it returns. Errors wrapping
// errors.ErrFatal stop the Minion.
type Processor interface {
	Process(ctx context.Context, payload []byte) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, payload []byte) error

func (f ProcessorFunc) Process(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

type Config struct {
	// Group is the worker group name, used in logs and metrics.
	Group string
	Queue string
	// FetchTimeout bounds each fetch and therefore cancellation latency.
	FetchTimeout time.Duration
	// BrokerBackoff is the pause after a broker failure.
	BrokerBackoff time.Duration
	// ErrorBackoff is the pause after any other unexpected failure.
	ErrorBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = time.Second
	}
	if c.BrokerBackoff <= 0 {
		c.BrokerBackoff = DefaultBrokerBackoff
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	return c
}

// Minion owns one broker client and consumes one queue with it.
type Minion struct {
	cfg       Config
	client    broker.Client
	processor Processor
	logger    logging.ServiceLogger
	metrics   *metrics.Metrics

	state atomic.Int32

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
	err       error
}

func New(cfg Config, client broker.Client, processor Processor, logger logging.ServiceLogger, m *metrics.Metrics) *Minion {
	if logger == nil {
		logger = logging.Discard()
	}
	cfg = cfg.withDefaults()
	return &Minion{
		cfg:       cfg,
		client:    client,
		processor: processor,
		logger:    logger.With(logging.LogFields{"group": cfg.Group, "queue": cfg.Queue}),
		metrics:   m,
	}
}

func (m *Minion) State() State {
	return State(m.state.Load())
}

// Err is the error the Minion stopped with, if any.
func (m *Minion) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Client is the broker client the Minion owns.
func (m *Minion) Client() broker.Client {
	return m.client
}

// Start runs the Minion on its own goroutine. Later calls do nothing.
func (m *Minion) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.state.Store(int32(Running))
	if m.cancelled {
		m.cancel()
		m.state.Store(int32(CancelRequested))
	}

	go func(done chan struct{}) {
		defer close(done)
		err := m.run(ctx)
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
	}(m.done)
}

// Run runs the Minion on the calling goroutine until ctx ends, Cancel is
// called or a fatal error occurs.
func (m *Minion) Run(ctx context.Context) error {
	m.Start(ctx)
	return m.Wait()
}

// Cancel asks the Minion to stop after the current iteration. It does not
// wait and may be called any number of times.
func (m *Minion) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.CompareAndSwap(int32(Running), int32(CancelRequested))
	m.cancelled = true
	if m.cancel != nil {
		m.cancel()
	}
}

// Wait blocks until the Minion's goroutine has exited and returns its
// error. It returns nil at once for a Minion that was never started.
func (m *Minion) Wait() error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	return m.Err()
}

func (m *Minion) run(ctx context.Context) error {
	m.metrics.MinionStarted(m.cfg.Group)
	defer m.metrics.MinionStopped(m.cfg.Group)
	defer m.state.Store(int32(Stopped))

	m.logger.Debug("Minion started", nil)
	for ctx.Err() == nil {
		payload, err := m.client.Fetch(ctx, m.cfg.Queue, m.cfg.FetchTimeout)
		switch {
		case err == nil:
		case errors.Is(err, broker.ErrFetchTimeout):
			continue
		case ctx.Err() != nil:
			continue
		default:
			m.metrics.LoopError(m.cfg.Queue, metrics.KindBroker)
			m.logger.Error("Fetch failed, backing off", err, logging.LogFields{"backoff": m.cfg.BrokerBackoff.String()})
			sleep(ctx, m.cfg.BrokerBackoff)
			continue
		}

		m.metrics.MessageFetched(m.cfg.Queue)
		if err := m.handle(ctx, payload); err != nil {
			if fatal := m.classify(ctx, err); fatal != nil {
				return fatal
			}
		}
	}
	m.logger.Debug("Minion stopped", nil)
	return nil
}

// handle processes one message and confirms it exactly once, even when the
// processor panics.
func (m *Minion) handle(ctx context.Context, payload []byte) (err error) {
	defer func() {
		cerr := m.client.Confirm(m.cfg.Queue)
		if cerr != nil {
			if err == nil {
				err = cerr
			} else {
				m.logger.Error("Confirm failed", cerr, nil)
			}
			return
		}
		m.metrics.MessageConfirmed(m.cfg.Queue)
	}()
	defer func() {
		if r := recover(); r != nil {
			err = bferrors.Fatalf("panic while processing: %v", r)
		}
	}()

	return m.processor.Process(context.WithoutCancel(ctx), payload)
}

// classify handles a processing error. It returns the error when the
// Minion must stop.
func (m *Minion) classify(ctx context.Context, err error) error {
	var brokerErr *broker.Error
	switch {
	case errors.Is(err, bferrors.ErrFatal):
		m.metrics.LoopError(m.cfg.Queue, metrics.KindFatal)
		m.logger.Error("Minion stopping on fatal error", err, nil)
		return err
	case errors.Is(err, worker.ErrHandlerTimeout):
		m.metrics.LoopError(m.cfg.Queue, metrics.KindTimeout)
		m.logger.Info("Handler timed out, message dropped", logging.LogFields{"error": err.Error()})
	case errors.As(err, &brokerErr):
		m.metrics.LoopError(m.cfg.Queue, metrics.KindBroker)
		m.logger.Error("Broker failure while processing, backing off", err, logging.LogFields{"backoff": m.cfg.BrokerBackoff.String()})
		sleep(ctx, m.cfg.BrokerBackoff)
	default:
		m.metrics.LoopError(m.cfg.Queue, metrics.KindOther)
		m.logger.Error("Unexpected error in processing loop, backing off", err, logging.LogFields{"backoff": m.cfg.ErrorBackoff.String()})
		sleep(ctx, m.cfg.ErrorBackoff)
	}
	return nil
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
