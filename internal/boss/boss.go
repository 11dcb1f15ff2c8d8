// Package boss turns a configuration document into a running fleet of
// Minions and takes it down again.
package boss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fenderchamp/bullfinch/internal/broker"
	"github.com/fenderchamp/bullfinch/internal/config"
	bferrors "github.com/fenderchamp/bullfinch/internal/errors"
	"github.com/fenderchamp/bullfinch/internal/logging"
	"github.com/fenderchamp/bullfinch/internal/metrics"
	"github.com/fenderchamp/bullfinch/internal/minion"
	"github.com/fenderchamp/bullfinch/internal/telemetry"
	"github.com/fenderchamp/bullfinch/internal/worker"
	"github.com/fenderchamp/bullfinch/transport"
)

// Options are the collaborators a Boss is built with.
type Options struct {
	Logger   logging.ServiceLogger
	Registry *worker.Registry
	// Connector dials broker endpoints. Nil means the default transport
	// registry.
	Connector broker.Connector
	Metrics   *metrics.Metrics
	// Hostname is stamped on telemetry batches.
	Hostname string

	// Minion backoffs. Zero means the Minion defaults.
	BrokerBackoff time.Duration
	ErrorBackoff  time.Duration
}

// Boss owns every Minion built from one configuration. It is immutable once
// built; new configuration means a new Boss.
type Boss struct {
	logger  logging.ServiceLogger
	metrics *metrics.Metrics

	doc       config.Document
	sources   []config.SourceRecord
	names     []string
	groups    map[string][]*minion.Minion
	collector telemetry.Collector
	emitter   *telemetry.Emitter
	clients   []broker.Client
	handlers  []worker.Handler

	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
}

// New loads the configuration at root and builds the fleet, dialling one
// broker connection per Minion plus one for telemetry. It fails with a
// ConfigurationError or a ConnectivityError; nothing is left open when it
// fails.
func New(ctx context.Context, root config.Source, opts Options) (b *Boss, err error) {
	if opts.Logger == nil {
		return nil, bferrors.ErrLoggerRequired
	}
	if opts.Registry == nil {
		return nil, bferrors.ErrRegistryMissing
	}
	if opts.Connector == nil {
		opts.Connector = broker.NewConnector(nil, opts.Logger)
	}
	defer func() { opts.Metrics.FleetBuilt(err) }()

	loaded, err := Check(ctx, root, opts.Registry)
	if err != nil {
		return nil, err
	}
	doc := loaded.Document

	b = &Boss{
		logger:    opts.Logger.With(logging.LogFields{"component": "boss"}),
		metrics:   opts.Metrics,
		doc:       doc,
		sources:   loaded.Sources,
		groups:    make(map[string][]*minion.Minion),
		collector: telemetry.NewCollector(doc.Collecting()),
	}
	built := b
	defer func() {
		if err != nil {
			if rerr := built.release(); rerr != nil {
				built.logger.Error("Cannot release a partly built fleet", rerr, nil)
			}
		}
	}()

	if doc.Collecting() {
		if err := b.buildEmitter(ctx, opts); err != nil {
			return nil, err
		}
	}
	for _, w := range doc.Workers {
		if err := b.buildGroup(ctx, w, opts); err != nil {
			return nil, err
		}
	}

	b.logger.Info("Fleet built", logging.LogFields{
		"groups":     len(b.names),
		"minions":    b.MinionCount(),
		"collecting": doc.Collecting(),
		"refresh":    doc.RefreshInterval().String(),
	})
	return b, nil
}

// Check loads the configuration at root and verifies that every
// worker_class is registered, without dialling any broker.
func Check(ctx context.Context, root config.Source, registry *worker.Registry) (*config.Loaded, error) {
	if registry == nil {
		return nil, bferrors.ErrRegistryMissing
	}
	loaded, err := config.Load(ctx, root)
	if err != nil {
		return nil, err
	}
	if err := checkClasses(loaded.Document, registry); err != nil {
		return nil, err
	}
	return loaded, nil
}

func checkClasses(doc config.Document, registry *worker.Registry) error {
	var errs []error
	for i, w := range doc.Workers {
		if !registry.Has(w.WorkerClass) {
			errs = append(errs, fmt.Errorf("workers[%d] (%s): %w: %q", i, w.Name, worker.ErrUnknownClass, w.WorkerClass))
		}
	}
	return bferrors.NewConfigurationError(errors.Join(errs...))
}

func (b *Boss) connect(ctx context.Context, connector broker.Connector, endpoint transport.Endpoint) (broker.Client, error) {
	client, err := connector.Connect(ctx, endpoint)
	if err != nil {
		return nil, bferrors.ConnectivityError{Endpoint: endpoint.String(), Err: err}
	}
	b.clients = append(b.clients, client)
	return client, nil
}

func (b *Boss) buildEmitter(ctx context.Context, opts Options) error {
	perf := b.doc.Performance
	client, err := b.connect(ctx, opts.Connector, perf.Endpoint())
	if err != nil {
		return err
	}
	b.emitter = telemetry.NewEmitter(b.collector, client, telemetry.EmitterConfig{
		Queue:         perf.Queue,
		Interval:      perf.IntervalDuration(),
		Timeout:       perf.TimeoutDuration(),
		RetryTime:     perf.RetryDuration(),
		RetryAttempts: perf.RetryAttempts,
		Hostname:      opts.Hostname,
	}, opts.Logger, opts.Metrics)
	return nil
}

func (b *Boss) buildGroup(ctx context.Context, w config.WorkerConfig, opts Options) error {
	queue, err := w.Queue()
	if err != nil {
		return bferrors.Configurationf("worker %q: %w", w.Name, err)
	}
	if _, ok := b.groups[w.Name]; !ok {
		b.names = append(b.names, w.Name)
	}

	log := opts.Logger.With(logging.LogFields{"group": w.Name})
	for i := 0; i < w.Count(); i++ {
		handler, err := opts.Registry.Build(w.WorkerClass, w.Options)
		if err != nil {
			return bferrors.Configurationf("worker %q: %w", w.Name, err)
		}
		b.handlers = append(b.handlers, handler)

		client, err := b.connect(ctx, opts.Connector, queue.Endpoint)
		if err != nil {
			return err
		}

		monitor := minion.NewQueueMonitor(queue.SubscribeTo, handler, client, b.collector, log, opts.Metrics)
		m := minion.New(minion.Config{
			Group:         w.Name,
			Queue:         queue.SubscribeTo,
			FetchTimeout:  queue.Timeout,
			BrokerBackoff: opts.BrokerBackoff,
			ErrorBackoff:  opts.ErrorBackoff,
		}, client, monitor, log, opts.Metrics)
		b.groups[w.Name] = append(b.groups[w.Name], m)
	}
	return nil
}

// Start launches every Minion and then the Emitter. It does not block and
// only the first call has an effect.
func (b *Boss) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		for _, name := range b.names {
			for _, m := range b.groups[name] {
				m.Start(ctx)
			}
		}
		if b.emitter != nil {
			b.emitter.Start(ctx)
		}
		b.logger.Info("Fleet started", logging.LogFields{"minions": b.MinionCount()})
	})
}

// Stop cancels every Minion and the Emitter, waits for all of them to exit
// and then closes every broker connection. Later calls return the first
// call's result.
func (b *Boss) Stop() error {
	b.stopOnce.Do(func() {
		for _, name := range b.names {
			for _, m := range b.groups[name] {
				m.Cancel()
			}
		}
		if b.emitter != nil {
			b.emitter.Cancel()
		}

		for _, name := range b.names {
			for _, m := range b.groups[name] {
				if err := m.Wait(); err != nil {
					b.logger.Error("Minion had stopped with an error", err, logging.LogFields{"group": name})
				}
			}
		}
		if b.emitter != nil {
			b.emitter.Wait()
		}

		b.stopErr = b.release()
		b.logger.Info("Fleet stopped", nil)
	})
	return b.stopErr
}

// release closes handlers that hold resources and every broker client.
func (b *Boss) release() error {
	var errs []error
	for _, h := range b.handlers {
		if c, ok := h.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, c := range b.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Groups returns the Minions of every group, keyed by worker name.
func (b *Boss) Groups() map[string][]*minion.Minion {
	out := make(map[string][]*minion.Minion, len(b.groups))
	for name, ms := range b.groups {
		out[name] = append([]*minion.Minion(nil), ms...)
	}
	return out
}

// GroupNames returns group names in configuration order.
func (b *Boss) GroupNames() []string {
	return append([]string(nil), b.names...)
}

func (b *Boss) MinionCount() int {
	n := 0
	for _, ms := range b.groups {
		n += len(ms)
	}
	return n
}

func (b *Boss) RefreshInterval() time.Duration {
	return b.doc.RefreshInterval()
}

// Sources are the documents the Boss was built from, for staleness checks.
func (b *Boss) Sources() []config.SourceRecord {
	return append([]config.SourceRecord(nil), b.sources...)
}

func (b *Boss) Collector() telemetry.Collector {
	return b.collector
}

func (b *Boss) Document() config.Document {
	return b.doc
}
