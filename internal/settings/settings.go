// Package settings reads process-level knobs from BULLFINCH_* environment
// variables. The worker configuration document is handled by internal/config.
package settings

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/kelseyhightower/envconfig"

	"github.com/fenderchamp/bullfinch/internal/logging"
)

const prefix = "bullfinch"

type Settings struct {
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"text"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`
	Hostname    string `envconfig:"HOSTNAME"`
}

var defaultHostname = os.Hostname

// hostname is swapped in tests.
var hostname = defaultHostname

// Load reads the environment. An empty hostname falls back to the OS
// hostname, then to "unknown".
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(prefix, &s); err != nil {
		return Settings{}, fmt.Errorf("read environment: %w", err)
	}
	if s.Hostname == "" {
		h, err := hostname()
		if err != nil || h == "" {
			h = "unknown"
		}
		s.Hostname = h
	}
	if s.LogFormat == "" {
		s.LogFormat = logging.FormatText
	}
	switch s.LogFormat {
	case logging.FormatText, logging.FormatJSON:
	default:
		return Settings{}, fmt.Errorf("BULLFINCH_LOG_FORMAT: unsupported format %q", s.LogFormat)
	}
	if _, err := logging.ParseLevel(s.LogLevel); err != nil {
		return Settings{}, fmt.Errorf("BULLFINCH_LOG_LEVEL: %w", err)
	}
	return s, nil
}

// Level returns the parsed log level. Load has already validated it.
func (s Settings) Level() slog.Level {
	level, _ := logging.ParseLevel(s.LogLevel)
	return level
}
