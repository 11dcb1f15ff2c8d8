// Package supervisor keeps a fleet running on the latest configuration: it
// polls every configuration source and replaces the whole fleet when any of
// them changes.
package supervisor

import (
	"context"
	"time"

	"github.com/fenderchamp/bullfinch/internal/config"
	"github.com/fenderchamp/bullfinch/internal/logging"
)

// Fleet is what the supervisor manages; *boss.Boss is one.
type Fleet interface {
	Start(ctx context.Context)
	Stop() error
	RefreshInterval() time.Duration
	Sources() []config.SourceRecord
}

// Builder constructs a fresh fleet from the root configuration.
type Builder func(ctx context.Context) (Fleet, error)

type Supervisor struct {
	build  Builder
	logger logging.ServiceLogger

	// Probe reports whether any record changed. Defaults to config.Changed.
	Probe func(ctx context.Context, records []config.SourceRecord) (bool, error)
}

func New(build Builder, logger logging.ServiceLogger) *Supervisor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Supervisor{
		build:  build,
		logger: logger.With(logging.LogFields{"component": "supervisor"}),
		Probe:  config.Changed,
	}
}

// Run builds and starts the first fleet, failing if that is impossible, and
// then polls for configuration changes until ctx ends. The running fleet is
// stopped before Run returns nil.
//
// When a rebuild fails after the old fleet was stopped, no fleet runs until
// a later interval's rebuild succeeds.
func (s *Supervisor) Run(ctx context.Context) error {
	fleet, err := s.build(ctx)
	if err != nil {
		return err
	}
	fleet.Start(ctx)
	interval := fleet.RefreshInterval()
	sources := fleet.Sources()

	defer func() {
		if fleet != nil {
			s.stop(fleet)
		}
	}()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if fleet != nil {
			changed, err := s.Probe(ctx, sources)
			if err != nil {
				s.logger.Info("Could not check every configuration source, treating as unchanged", logging.LogFields{"error": err.Error()})
			}
			if !changed {
				timer.Reset(interval)
				continue
			}
			s.logger.Info("Configuration changed, restarting fleet", nil)
			s.stop(fleet)
			fleet = nil
		}
		if ctx.Err() != nil {
			return nil
		}

		next, err := s.build(ctx)
		if err != nil {
			s.logger.Error("Rebuilding fleet failed, retrying next interval", err, logging.LogFields{"retry_in": interval.String()})
			timer.Reset(interval)
			continue
		}
		next.Start(ctx)
		fleet = next
		interval = fleet.RefreshInterval()
		sources = fleet.Sources()
		timer.Reset(interval)
	}
}

func (s *Supervisor) stop(fleet Fleet) {
	if err := fleet.Stop(); err != nil {
		s.logger.Error("Fleet did not stop cleanly", err, nil)
	}
}
