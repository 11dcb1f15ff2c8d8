// Package config reads the bullfinch configuration document, resolves worker
// references across documents and remembers where every document came from
// so a running fleet can tell when it is out of date.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fenderchamp/bullfinch/transport"
)

const (
	DefaultRefreshSeconds = 300
	DefaultBroker         = "rabbitmq"

	DefaultPerfTimeout       = 1000
	DefaultPerfRetryTime     = 1000
	DefaultPerfRetryAttempts = 3
	DefaultPerfInterval      = 10000
)

// Document is a fully loaded configuration: every worker reference has been
// replaced by the document it points to and defaults are applied.
type Document struct {
	ConfigRefreshSeconds int            `mapstructure:"config_refresh_seconds"`
	Performance          *Performance   `mapstructure:"performance"`
	Workers              []WorkerConfig `mapstructure:"workers"`
}

// RefreshInterval is how long the supervisor waits between staleness probes.
func (d Document) RefreshInterval() time.Duration {
	if d.ConfigRefreshSeconds <= 0 {
		return DefaultRefreshSeconds * time.Second
	}
	return time.Duration(d.ConfigRefreshSeconds) * time.Second
}

// Collecting reports whether telemetry is switched on.
func (d Document) Collecting() bool {
	return d.Performance != nil && d.Performance.Collect
}

// MinionCount is the number of Minions the document asks for.
func (d Document) MinionCount() int {
	n := 0
	for _, w := range d.Workers {
		n += w.Count()
	}
	return n
}

// WorkerConfig describes one named group of identical Minions.
type WorkerConfig struct {
	Name        string         `mapstructure:"name"`
	WorkerClass string         `mapstructure:"worker_class"`
	WorkerCount *int           `mapstructure:"worker_count"`
	Options     map[string]any `mapstructure:"options"`

	// Origin is the location of the document the entry was read from.
	Origin string `mapstructure:"-"`
}

// Count returns worker_count, defaulting to 1.
func (w WorkerConfig) Count() int {
	if w.WorkerCount == nil {
		return 1
	}
	return *w.WorkerCount
}

// Queue extracts the Minion's queue settings from the worker options.
func (w WorkerConfig) Queue() (QueueSettings, error) {
	var opts queueOptions
	if err := decode(w.Options, &opts); err != nil {
		return QueueSettings{}, fmt.Errorf("options: %w", err)
	}

	settings := QueueSettings{
		SubscribeTo: strings.TrimSpace(opts.SubscribeTo),
		Timeout:     time.Duration(opts.Timeout) * time.Millisecond,
		Endpoint:    endpoint(opts.BrokerSettings),
	}

	var problems []string
	if settings.SubscribeTo == "" {
		problems = append(problems, "options.subscribe_to is required")
	}
	if opts.Timeout <= 0 {
		problems = append(problems, "options.timeout must be a positive number of milliseconds")
	}
	if err := opts.BrokerSettings.validate("options."); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return QueueSettings{}, fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return settings, nil
}

// QueueSettings is what a Minion needs to consume its queue.
type QueueSettings struct {
	SubscribeTo string
	Timeout     time.Duration
	Endpoint    transport.Endpoint
}

type queueOptions struct {
	SubscribeTo string `mapstructure:"subscribe_to"`
	Timeout     int    `mapstructure:"timeout"`

	BrokerSettings `mapstructure:",squash"`
}

// BrokerSettings locates the broker a Minion or the telemetry Emitter talks to.
type BrokerSettings struct {
	Broker        string            `mapstructure:"broker"`
	BrokerHost    string            `mapstructure:"broker_host"`
	BrokerPort    int               `mapstructure:"broker_port"`
	BrokerOptions map[string]string `mapstructure:"broker_options"`
}

// hostless transports need no broker_host.
var hostless = map[string]bool{
	"channel": true,
	"aws":     true,
}

func (b BrokerSettings) system() string {
	if s := strings.TrimSpace(b.Broker); s != "" {
		return strings.ToLower(s)
	}
	return DefaultBroker
}

func (b BrokerSettings) validate(prefix string) error {
	var problems []string
	if strings.TrimSpace(b.BrokerHost) == "" && !hostless[b.system()] {
		problems = append(problems, fmt.Sprintf("%sbroker_host is required for broker %q", prefix, b.system()))
	}
	if b.BrokerPort < 0 || b.BrokerPort > 65535 {
		problems = append(problems, fmt.Sprintf("%sbroker_port %d is out of range", prefix, b.BrokerPort))
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(problems, "; "))
}

func endpoint(b BrokerSettings) transport.Endpoint {
	return transport.Endpoint{
		System:  b.system(),
		Host:    strings.TrimSpace(b.BrokerHost),
		Port:    b.BrokerPort,
		Options: b.BrokerOptions,
	}
}

// Performance configures telemetry delivery. Durations are milliseconds.
type Performance struct {
	Collect       bool   `mapstructure:"collect"`
	Queue         string `mapstructure:"queue"`
	Timeout       int    `mapstructure:"timeout"`
	RetryTime     int    `mapstructure:"retry_time"`
	RetryAttempts int    `mapstructure:"retry_attempts"`
	Interval      int    `mapstructure:"interval"`

	BrokerSettings `mapstructure:",squash"`
}

// Endpoint is where telemetry batches are published.
func (p Performance) Endpoint() transport.Endpoint {
	return endpoint(p.BrokerSettings)
}

func (p Performance) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Millisecond
}

func (p Performance) RetryDuration() time.Duration {
	return time.Duration(p.RetryTime) * time.Millisecond
}

func (p Performance) IntervalDuration() time.Duration {
	return time.Duration(p.Interval) * time.Millisecond
}

func (p *Performance) applyDefaults() {
	if p.Timeout == 0 {
		p.Timeout = DefaultPerfTimeout
	}
	if p.RetryTime == 0 {
		p.RetryTime = DefaultPerfRetryTime
	}
	if p.RetryAttempts == 0 {
		p.RetryAttempts = DefaultPerfRetryAttempts
	}
	if p.Interval == 0 {
		p.Interval = DefaultPerfInterval
	}
}

func (p Performance) validate() []error {
	var errs []error
	if p.Timeout < 0 || p.RetryTime < 0 || p.RetryAttempts < 0 || p.Interval < 0 {
		errs = append(errs, fmt.Errorf("performance: timeout, retry_time, retry_attempts and interval cannot be negative"))
	}
	if !p.Collect {
		return errs
	}
	if strings.TrimSpace(p.Queue) == "" {
		errs = append(errs, fmt.Errorf("performance: queue is required when collect is true"))
	}
	if err := p.BrokerSettings.validate("performance."); err != nil {
		errs = append(errs, err)
	}
	return errs
}
