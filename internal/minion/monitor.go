package minion

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fenderchamp/bullfinch/internal/broker"
	"github.com/fenderchamp/bullfinch/internal/logging"
	"github.com/fenderchamp/bullfinch/internal/metrics"
	"github.com/fenderchamp/bullfinch/internal/telemetry"
	"github.com/fenderchamp/bullfinch/internal/worker"
)

const (
	// Sentinel ends every response stream.
	Sentinel = `{"EOF":"EOF"}`
	// PublishLabel is the telemetry label for handling a request and
	// publishing its results.
	PublishLabel = "ResultSet iteration and queue insertion"

	DefaultPublishTimeout = 30 * time.Second

	tracerName = "github.com/fenderchamp/bullfinch/internal/minion"
)

// QueueMonitor is the Processor for the request/response protocol: decode
// the request, run the handler, stream its results and a Sentinel to the
// request's response_queue.
type QueueMonitor struct {
	queue     string
	handler   worker.Handler
	client    broker.Client
	collector telemetry.Collector
	logger    logging.ServiceLogger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	// PublishTimeout bounds each publish.
	PublishTimeout time.Duration
}

// NewQueueMonitor publishes through client, which is normally the same
// client the Minion fetches with.
func NewQueueMonitor(queue string, handler worker.Handler, client broker.Client, collector telemetry.Collector, logger logging.ServiceLogger, m *metrics.Metrics) *QueueMonitor {
	if logger == nil {
		logger = logging.Discard()
	}
	if collector == nil {
		collector = telemetry.NewCollector(false)
	}
	return &QueueMonitor{
		queue:          queue,
		handler:        handler,
		client:         client,
		collector:      collector,
		logger:         logger.With(logging.LogFields{"queue": queue}),
		metrics:        m,
		tracer:         otel.Tracer(tracerName),
		PublishTimeout: DefaultPublishTimeout,
	}
}

func (q *QueueMonitor) Process(ctx context.Context, payload []byte) error {
	ctx, span := q.tracer.Start(ctx, "bullfinch.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", q.queue),
			attribute.Int("messaging.message.body.size", len(payload)),
		),
	)
	defer span.End()

	req, err := worker.DecodeRequest(payload)
	if err != nil {
		q.metrics.MessageAbandoned(q.queue, "decode")
		q.logger.Info("Unable to decode request, ignoring", logging.LogFields{"error": err.Error()})
		span.SetStatus(codes.Error, "undecodable request")
		return nil
	}

	responseQueue, ok := req.ResponseQueue()
	if !ok {
		q.metrics.MessageAbandoned(q.queue, "no_response_queue")
		q.logger.Debug("Request did not contain a response queue", nil)
		span.SetStatus(codes.Error, "no response_queue")
		return nil
	}
	span.SetAttributes(
		attribute.String("bullfinch.response_queue", responseQueue),
		attribute.String("bullfinch.tracer", req.Tracer()),
	)

	start := time.Now()
	err = q.respond(ctx, responseQueue, req)
	elapsed := time.Since(start)
	q.metrics.ObserveProcessing(q.queue, elapsed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	q.collector.Add(PublishLabel, elapsed, req.Tracer())
	return nil
}

func (q *QueueMonitor) respond(ctx context.Context, responseQueue string, req worker.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.terminate(ctx, responseQueue)
			panic(r)
		}
	}()

	results, err := q.handler.Handle(ctx, q.collector, req)
	if err != nil {
		q.terminate(ctx, responseQueue)
		return err
	}
	for item, err := range results {
		if err != nil {
			q.terminate(ctx, responseQueue)
			return err
		}
		if err := q.publish(ctx, responseQueue, item); err != nil {
			return err
		}
	}
	return q.publish(ctx, responseQueue, Sentinel)
}

// terminate publishes a best-effort Sentinel after a failed handler so the
// reader of responseQueue is not left waiting.
func (q *QueueMonitor) terminate(ctx context.Context, responseQueue string) {
	if err := q.publish(ctx, responseQueue, Sentinel); err != nil {
		q.logger.Error("Could not terminate response stream", err, logging.LogFields{"response_queue": responseQueue})
	}
}

func (q *QueueMonitor) publish(ctx context.Context, responseQueue, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, q.PublishTimeout)
	defer cancel()
	if err := q.client.Publish(ctx, responseQueue, []byte(payload)); err != nil {
		var brokerErr *broker.Error
		if !errors.As(err, &brokerErr) {
			err = &broker.Error{Op: "publish", Queue: responseQueue, Err: err}
		}
		return err
	}
	q.metrics.ResultPublished(q.queue)
	return nil
}
