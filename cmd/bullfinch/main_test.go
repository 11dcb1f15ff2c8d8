package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenderchamp/bullfinch/transport/channel"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "bullfinch.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

const echoConfig = `{
	"config_refresh_seconds": 60,
	"workers": [{
		"name": "echoes",
		"worker_class": "echo",
		"worker_count": 3,
		"options": {"subscribe_to": "requests", "timeout": 20, "broker": "channel", "broker_host": "cmd-test"}
	}]
}`

func quietEnv(t *testing.T) {
	t.Setenv("BULLFINCH_LOG_LEVEL", "info")
	t.Setenv("BULLFINCH_LOG_FORMAT", "text")
	t.Setenv("BULLFINCH_METRICS_ADDR", "")
	t.Setenv("BULLFINCH_HOSTNAME", "cmd-test")
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no argument", nil, "got 0 arguments"},
		{"two arguments", []string{"a.json", "b.json"}, "got 2 arguments"},
		{"unknown flag", []string{"--verbose", "a.json"}, "unknown flag"},
		{"check without argument", []string{"check"}, "usage: bullfinch check <config-location>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), tt.args, &stdout, &stderr)
			assert.Equal(t, exitUsage, code)
			assert.Contains(t, stderr.String(), tt.want)
			assert.Contains(t, stderr.String(), "usage: bullfinch")
			assert.Empty(t, stdout.String())
		})
	}
}

func TestCheck(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		path := writeConfig(t, echoConfig)
		var stdout, stderr bytes.Buffer

		code := run(context.Background(), []string{"check", path}, &stdout, &stderr)
		require.Equal(t, exitOK, code, stderr.String())
		assert.Contains(t, stdout.String(), "1 worker entries, 3 minions, 1 sources, telemetry off, refresh every 1m0s")
	})

	t.Run("unknown worker class", func(t *testing.T) {
		path := writeConfig(t, `{"workers": [{"name": "x", "worker_class": "fortune", "options": {"subscribe_to": "q", "timeout": 5, "broker": "channel"}}]}`)
		var stdout, stderr bytes.Buffer

		code := run(context.Background(), []string{"check", path}, &stdout, &stderr)
		assert.Equal(t, exitFailure, code)
		assert.Contains(t, stderr.String(), `unknown worker_class: "fortune"`)
	})

	t.Run("missing file", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := run(context.Background(), []string{"check", filepath.Join(t.TempDir(), "absent.json")}, &stdout, &stderr)
		assert.Equal(t, exitFailure, code)
		assert.Contains(t, stderr.String(), "invalid configuration")
	})
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Cleanup(channel.Reset)
	quietEnv(t)
	path := writeConfig(t, echoConfig)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var stdout, stderr bytes.Buffer

	code := run(ctx, []string{path}, &stdout, &stderr)
	assert.Equal(t, exitOK, code, stderr.String())
	assert.Contains(t, stderr.String(), "Fleet built")
	assert.Contains(t, stderr.String(), "Stopped")
}

func TestServeFailsOnBadConfiguration(t *testing.T) {
	quietEnv(t)
	path := writeConfig(t, `{"workers": [{"worker_class": "echo"}]}`)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{path}, &stdout, &stderr)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr.String(), "Cannot build the worker fleet")
	assert.Contains(t, stderr.String(), "name is required")
}

func TestServeRejectsBadEnvironment(t *testing.T) {
	quietEnv(t)
	t.Setenv("BULLFINCH_LOG_FORMAT", "xml")
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{writeConfig(t, echoConfig)}, &stdout, &stderr)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr.String(), "BULLFINCH_LOG_FORMAT")
}

func TestServeUnsupportedLocation(t *testing.T) {
	quietEnv(t)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"ftp://example.com/bullfinch.json"}, &stdout, &stderr)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr.String(), "ftp")
}
