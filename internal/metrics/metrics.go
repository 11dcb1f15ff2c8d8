package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bullfinch"

// Loop error kinds, used as the "kind" label of loop_errors_total.
const (
	KindBroker  = "broker"
	KindTimeout = "handler_timeout"
	KindOther   = "other"
	KindFatal   = "fatal"
)

// Metrics holds every Prometheus collector bullfinch exports. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	fetchedTotal     *prometheus.CounterVec
	confirmedTotal   *prometheus.CounterVec
	abandonedTotal   *prometheus.CounterVec
	publishedTotal   *prometheus.CounterVec
	loopErrorsTotal  *prometheus.CounterVec
	processingHist   *prometheus.HistogramVec
	minionsRunning   *prometheus.GaugeVec
	batchesTotal     *prometheus.CounterVec
	samplesTotal     prometheus.Counter
	fleetBuildsTotal *prometheus.CounterVec
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the collectors. They are not registered until Register is
// called; a nil registerer means the Prometheus default registerer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:      registerer,
		fetchedTotal:    newCounterVec("minion", "messages_fetched_total", "Messages fetched from a work queue", []string{"queue"}),
		confirmedTotal:  newCounterVec("minion", "messages_confirmed_total", "Messages confirmed on a work queue", []string{"queue"}),
		abandonedTotal:  newCounterVec("minion", "messages_abandoned_total", "Messages confirmed without producing results", []string{"queue", "reason"}),
		publishedTotal:  newCounterVec("minion", "results_published_total", "Result payloads published, sentinel included", []string{"queue"}),
		loopErrorsTotal: newCounterVec("minion", "loop_errors_total", "Errors seen by the minion loop", []string{"queue", "kind"}),
		processingHist: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "minion",
				Name:      "processing_seconds",
				Help:      "Time spent handling a request and publishing its results",
				Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"queue"},
		),
		minionsRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "boss",
				Name:      "minions_running",
				Help:      "Minions currently running per worker group",
			},
			[]string{"group"},
		),
		batchesTotal: newCounterVec("telemetry", "batches_total", "Telemetry batches by outcome", []string{"outcome"}),
		samplesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "samples_emitted_total",
			Help:      "Telemetry samples delivered to the reporting queue",
		}),
		fleetBuildsTotal: newCounterVec("supervisor", "fleet_builds_total", "Fleet constructions by outcome", []string{"outcome"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.fetchedTotal,
		m.confirmedTotal,
		m.abandonedTotal,
		m.publishedTotal,
		m.loopErrorsTotal,
		m.processingHist,
		m.minionsRunning,
		m.batchesTotal,
		m.samplesTotal,
		m.fleetBuildsTotal,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) MessageFetched(queue string) {
	if m == nil {
		return
	}
	m.fetchedTotal.WithLabelValues(queue).Inc()
}

func (m *Metrics) MessageConfirmed(queue string) {
	if m == nil {
		return
	}
	m.confirmedTotal.WithLabelValues(queue).Inc()
}

// MessageAbandoned counts a request dropped before any result was produced,
// for example because it did not decode.
func (m *Metrics) MessageAbandoned(queue, reason string) {
	if m == nil {
		return
	}
	m.abandonedTotal.WithLabelValues(queue, reason).Inc()
}

func (m *Metrics) ResultPublished(queue string) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(queue).Inc()
}

func (m *Metrics) LoopError(queue, kind string) {
	if m == nil {
		return
	}
	m.loopErrorsTotal.WithLabelValues(queue, kind).Inc()
}

func (m *Metrics) ObserveProcessing(queue string, d time.Duration) {
	if m == nil {
		return
	}
	m.processingHist.WithLabelValues(queue).Observe(d.Seconds())
}

func (m *Metrics) MinionStarted(group string) {
	if m == nil {
		return
	}
	m.minionsRunning.WithLabelValues(group).Inc()
}

func (m *Metrics) MinionStopped(group string) {
	if m == nil {
		return
	}
	m.minionsRunning.WithLabelValues(group).Dec()
}

// BatchPublished records a delivered telemetry batch of n samples.
func (m *Metrics) BatchPublished(n int) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues("published").Inc()
	m.samplesTotal.Add(float64(n))
}

func (m *Metrics) BatchDropped() {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues("dropped").Inc()
}

// FleetBuilt records a Boss construction attempt.
func (m *Metrics) FleetBuilt(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.fleetBuildsTotal.WithLabelValues(outcome).Inc()
}
