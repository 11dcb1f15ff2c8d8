// Command bullfinch runs the worker fleet described by a configuration
// document and rebuilds it whenever that document changes.
//
//	bullfinch <config-location>
//	bullfinch check <config-location>
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fenderchamp/bullfinch/internal/boss"
	"github.com/fenderchamp/bullfinch/internal/config"
	"github.com/fenderchamp/bullfinch/internal/logging"
	"github.com/fenderchamp/bullfinch/internal/metrics"
	"github.com/fenderchamp/bullfinch/internal/settings"
	"github.com/fenderchamp/bullfinch/internal/supervisor"
	"github.com/fenderchamp/bullfinch/internal/worker"
	"github.com/fenderchamp/bullfinch/internal/worker/builtin"
	_ "github.com/fenderchamp/bullfinch/transport/transports"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type usageError struct {
	msg string
}

func (e usageError) Error() string { return e.msg }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr, builtin.Registry)
	root.SetArgs(args)

	cmd, err := root.ExecuteContextC(ctx)
	if err == nil {
		return exitOK
	}
	var usage usageError
	if errors.As(err, &usage) {
		fmt.Fprintf(stderr, "bullfinch: %s\nusage: %s\n", usage.msg, cmd.UseLine())
		return exitUsage
	}
	fmt.Fprintf(stderr, "bullfinch: %v\n", err)
	return exitFailure
}

func oneLocation(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return usageError{msg: fmt.Sprintf("expected the configuration location as the only argument, got %d arguments", len(args))}
	}
	return nil
}

func newRootCommand(stdout, stderr io.Writer, handlers func() *worker.Registry) *cobra.Command {
	root := &cobra.Command{
		Use:           "bullfinch <config-location>",
		Short:         "Run queue workers described by a configuration document",
		Long:          "bullfinch runs pools of Minions that take requests off work queues and publish their results.\nThe configuration location is a file path, a file:// URL or an http(s):// URL.",
		Args:          oneLocation,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), args[0], stderr, handlers())
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{msg: err.Error()}
	})

	root.AddCommand(&cobra.Command{
		Use:   "check <config-location>",
		Short: "Load and validate a configuration without connecting to any broker",
		Args:  oneLocation,
		RunE: func(cmd *cobra.Command, args []string) error {
			return check(cmd.Context(), args[0], stdout, handlers())
		},
	})
	return root
}

func check(ctx context.Context, location string, stdout io.Writer, handlers *worker.Registry) error {
	src, err := config.NewSource(location)
	if err != nil {
		return err
	}
	loaded, err := boss.Check(ctx, src, handlers)
	if err != nil {
		return err
	}
	doc := loaded.Document
	telemetry := "off"
	if doc.Collecting() {
		telemetry = "to " + doc.Performance.Queue
	}
	fmt.Fprintf(stdout, "%s: %d worker entries, %d minions, %d sources, telemetry %s, refresh every %s\n",
		location, len(doc.Workers), doc.MinionCount(), len(loaded.Sources), telemetry, doc.RefreshInterval())
	return nil
}

func serve(ctx context.Context, location string, stderr io.Writer, handlers *worker.Registry) error {
	s, err := settings.Load()
	if err != nil {
		return err
	}
	logger := logging.New(s.Level(), s.LogFormat, stderr)

	src, err := config.NewSource(location)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if err := m.Register(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if s.MetricsAddr != "" {
		shutdown := serveMetrics(s.MetricsAddr, reg, logger)
		defer shutdown()
	}

	build := func(ctx context.Context) (supervisor.Fleet, error) {
		b, err := boss.New(ctx, src, boss.Options{
			Logger:   logger,
			Registry: handlers,
			Metrics:  m,
			Hostname: s.Hostname,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	}

	logger.Info("Starting", logging.LogFields{"config": location, "host": s.Hostname})
	if err := supervisor.New(build, logger).Run(ctx); err != nil {
		logger.Error("Cannot build the worker fleet", err, logging.LogFields{"config": location})
		return err
	}
	logger.Info("Stopped", nil)
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger logging.ServiceLogger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics endpoint failed", err, logging.LogFields{"addr": addr})
		}
	}()
	logger.Info("Serving metrics", logging.LogFields{"addr": addr})

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
