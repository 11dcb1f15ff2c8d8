package bullfinch

import (
	"context"

	bosspkg "github.com/fenderchamp/bullfinch/internal/boss"
	configpkg "github.com/fenderchamp/bullfinch/internal/config"
	errspkg "github.com/fenderchamp/bullfinch/internal/errors"
	loggingpkg "github.com/fenderchamp/bullfinch/internal/logging"
	metricspkg "github.com/fenderchamp/bullfinch/internal/metrics"
	minionpkg "github.com/fenderchamp/bullfinch/internal/minion"
	supervisorpkg "github.com/fenderchamp/bullfinch/internal/supervisor"
	telemetrypkg "github.com/fenderchamp/bullfinch/internal/telemetry"
	workerpkg "github.com/fenderchamp/bullfinch/internal/worker"
	"github.com/fenderchamp/bullfinch/internal/worker/builtin"
	"github.com/fenderchamp/bullfinch/transport"
	_ "github.com/fenderchamp/bullfinch/transport/transports"
)

type (
	Boss        = bosspkg.Boss
	BossOptions = bosspkg.Options

	Handler  = workerpkg.Handler
	Factory  = workerpkg.Factory
	Registry = workerpkg.Registry
	Request  = workerpkg.Request

	Collector = telemetrypkg.Collector
	Sample    = telemetrypkg.Sample

	Source       = configpkg.Source
	Document     = configpkg.Document
	WorkerConfig = configpkg.WorkerConfig

	ServiceLogger = loggingpkg.ServiceLogger
	LogFields     = loggingpkg.LogFields
	Metrics       = metricspkg.Metrics

	ConfigurationError = errspkg.ConfigurationError
	ConnectivityError  = errspkg.ConnectivityError

	// Broker adapters
	TransportBuilder      = transport.Builder
	TransportEndpoint     = transport.Endpoint
	TransportCapabilities = transport.Capabilities
)

// Sentinel is published after the last result of every request.
const Sentinel = minionpkg.Sentinel

var (
	ErrConfiguration   = errspkg.ErrConfiguration
	ErrConnectivity    = errspkg.ErrConnectivity
	ErrFatal           = errspkg.ErrFatal
	ErrLoggerRequired  = errspkg.ErrLoggerRequired
	ErrRegistryMissing = errspkg.ErrRegistryMissing
	ErrHandlerTimeout  = workerpkg.ErrHandlerTimeout
	ErrUnknownClass    = workerpkg.ErrUnknownClass

	NewRegistry   = workerpkg.NewRegistry
	DecodeOptions = workerpkg.DecodeOptions
	Items         = workerpkg.Items
	NewSource     = configpkg.NewSource
	NewBoss       = bosspkg.New
	Check         = bosspkg.Check
	NewLogger     = loggingpkg.New
	NewMetrics    = metricspkg.New
	Fatalf        = errspkg.Fatalf

	RegisterTransport = transport.RegisterWithCapabilities
)

// BuiltinRegistry returns a registry holding the echo and sql handlers.
// Register custom classes on it before building a Boss.
func BuiltinRegistry() *Registry {
	return builtin.Registry()
}

// Run supervises the fleet described at location until ctx is done,
// rebuilding it whenever the configuration changes. It fails only when the
// first fleet cannot be built.
func Run(ctx context.Context, location string, opts BossOptions) error {
	src, err := configpkg.NewSource(location)
	if err != nil {
		return errspkg.NewConfigurationError(err)
	}
	if opts.Logger == nil {
		return ErrLoggerRequired
	}
	build := func(ctx context.Context) (supervisorpkg.Fleet, error) {
		b, err := bosspkg.New(ctx, src, opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return supervisorpkg.New(build, opts.Logger).Run(ctx)
}
