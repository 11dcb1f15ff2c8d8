package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fenderchamp/bullfinch/internal/broker"
	"github.com/fenderchamp/bullfinch/internal/ids"
	"github.com/fenderchamp/bullfinch/internal/jsoncodec"
	"github.com/fenderchamp/bullfinch/internal/logging"
	"github.com/fenderchamp/bullfinch/internal/metrics"
)

// Batch is the payload published to the reporting queue.
type Batch struct {
	BatchID string   `json:"batch_id"`
	Host    string   `json:"host"`
	Samples []Sample `json:"samples"`
}

// EmitterConfig controls batch delivery.
type EmitterConfig struct {
	Queue string
	// Interval between drains.
	Interval time.Duration
	// Timeout bounds a single publish attempt.
	Timeout time.Duration
	// RetryTime is the pause between attempts.
	RetryTime time.Duration
	// RetryAttempts is the total number of attempts per batch.
	RetryAttempts int
	Hostname      string
}

func (c EmitterConfig) withDefaults() EmitterConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.RetryTime < 0 {
		c.RetryTime = 0
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.Hostname == "" {
		c.Hostname = "unknown"
	}
	return c
}

// Emitter periodically drains a Collector and publishes the batch.
type Emitter struct {
	collector Collector
	client    broker.Client
	cfg       EmitterConfig
	logger    logging.ServiceLogger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// pending is only touched by the run goroutine.
	pending []Sample
}

func NewEmitter(collector Collector, client broker.Client, cfg EmitterConfig, logger logging.ServiceLogger, m *metrics.Metrics) *Emitter {
	if logger == nil {
		logger = logging.Discard()
	}
	cfg = cfg.withDefaults()
	return &Emitter{
		collector: collector,
		client:    client,
		cfg:       cfg,
		logger:    logger.With(logging.LogFields{"component": "emitter", "queue": cfg.Queue}),
		metrics:   m,
	}
}

// Start runs the emitter on its own goroutine until ctx ends or Cancel is
// called. Calling Start twice has no effect.
func (e *Emitter) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.run(ctx, e.done)
}

// Cancel asks the emitter to stop. It does not wait.
func (e *Emitter) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Wait blocks until the emitter goroutine has exited. It returns at once
// if the emitter was never started.
func (e *Emitter) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Emitter) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.logger.Debug("Emitter started", logging.LogFields{"interval": e.cfg.Interval.String()})
	for {
		select {
		case <-ctx.Done():
			e.flush()
			e.logger.Debug("Emitter stopped", nil)
			return
		case <-ticker.C:
			e.emit(ctx, e.cfg.RetryAttempts)
		}
	}
}

// flush makes one last attempt with whatever is left once the emitter has
// been cancelled.
func (e *Emitter) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	defer cancel()
	e.emit(ctx, 1)
}

func (e *Emitter) emit(ctx context.Context, attempts int) {
	samples := append(e.pending, e.collector.Drain()...)
	e.pending = nil
	if len(samples) == 0 {
		return
	}

	err := e.publish(ctx, samples, attempts)
	switch {
	case err == nil:
		e.metrics.BatchPublished(len(samples))
	case ctx.Err() != nil && attempts > 1:
		// Cancelled mid-retry; the final flush gets another go.
		e.pending = samples
	default:
		e.metrics.BatchDropped()
		e.logger.Error("Dropping telemetry batch", err, logging.LogFields{"samples": len(samples), "attempts": attempts})
	}
}

func (e *Emitter) publish(ctx context.Context, samples []Sample, attempts int) error {
	payload, err := jsoncodec.Marshal(Batch{
		BatchID: ids.New(),
		Host:    e.cfg.Hostname,
		Samples: samples,
	})
	if err != nil {
		return err
	}

	op := func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
		err := e.client.Publish(attemptCtx, e.cfg.Queue, payload)
		if errors.Is(err, broker.ErrTooLarge) || errors.Is(err, broker.ErrClosed) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(e.cfg.RetryTime)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Info("Telemetry publish failed, retrying", logging.LogFields{"error": err.Error(), "retry_in": next.String()})
		}),
	)
	return err
}
