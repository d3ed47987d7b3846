package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gmprom "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raskyld/molecule"
	"github.com/raskyld/molecule/internal/config"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a broker and serve until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg := config.Default()
		if path != "" {
			var err error
			cfg, err = config.Load(path)
			if err != nil {
				return err
			}
		}
		if nodeID, _ := cmd.Flags().GetString("node-id"); nodeID != "" {
			cfg.NodeID = nodeID
		}
		if listen, _ := cmd.Flags().GetString("http"); listen != "" {
			cfg.HTTP.Listen = listen
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runNode(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("config", "c", "", "Path to a YAML, TOML or JSON configuration file")
	runCmd.Flags().String("node-id", "", "Override the node ID of the configuration")
	runCmd.Flags().String("http", "", "Override the listen address of the HTTP surface")
}

// runNode starts the broker and its HTTP surface, then blocks until ctx is
// done or the HTTP server fails.
func runNode(ctx context.Context, cfg config.Config) error {
	logHandler, err := cfg.Log.Handler(os.Stderr)
	if err != nil {
		return err
	}
	logger := slog.New(logHandler).With(slog.String("component", "cli"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink, err := gmprom.NewPrometheusSinkFrom(gmprom.PrometheusOpts{
		Registerer: reg,
		Expiration: time.Minute,
	})
	if err != nil {
		return fmt.Errorf("prometheus sink: %w", err)
	}

	env := config.Env{
		LogHandler:   logHandler,
		MetricSink:   sink,
		Transporters: config.NewTransporters(logHandler, sink, cfg.MetricLabels()),
		Serializers:  config.NewSerializers(),
	}
	opts, err := cfg.BrokerOptions(env)
	if err != nil {
		return err
	}
	broker, err := molecule.Create(opts...)
	if err != nil {
		return err
	}
	if err := broker.Start(ctx); err != nil {
		return err
	}
	logger.Info("node started", slog.String("node_id", broker.NodeID()))

	serverErrors := make(chan error, 1)
	var srv *http.Server
	if cfg.HTTP.Listen != "" {
		srv = &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           newRouter(broker, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving HTTP", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-serverErrors:
		logger.Error("HTTP server failed", slog.String("error", runErr.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server did not shut down gracefully", slog.String("error", err.Error()))
		}
	}
	return errors.Join(runErr, broker.Stop(shutdownCtx))
}
