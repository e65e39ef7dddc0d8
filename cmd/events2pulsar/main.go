package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/viaacode/mh-events2pulsar/internal/config"
	"github.com/viaacode/mh-events2pulsar/internal/envelope"
	"github.com/viaacode/mh-events2pulsar/internal/ingestion"
	"github.com/viaacode/mh-events2pulsar/internal/metrics"
	"github.com/viaacode/mh-events2pulsar/internal/publisher"
	"github.com/viaacode/mh-events2pulsar/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to an optional YAML configuration file")
	flag.Parse()

	// 0. Initialize Logger
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.Log.SlogLevel())
	slog.Info("Loaded config", "config", cfg)

	format, err := envelope.ParseFormat(cfg.Envelope.Format)
	if err != nil {
		slog.Error("Invalid envelope format", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Pulsar
	client, err := publisher.Dial(cfg.Pulsar.URL(), cfg.Pulsar.ConnectionTimeout, cfg.Pulsar.OperationTimeout)
	if err != nil {
		slog.Error("Failed to initialize pulsar client", "error", err)
		os.Exit(1)
	}
	pub := publisher.New(client, cfg.Pulsar.Namespace, cfg.Pulsar.ProducerName)
	defer pub.Close()

	// 3. Initialize Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 4. Initialize Ingestion
	ingestionSvc := ingestion.NewService(envelope.NewBuilder(format), pub, m, cfg.Server.MaxBodySizeMB)

	// 5. Initialize Server
	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), cfg.Server.Mode)
	ingestionSvc.RegisterRoutes(srv.Engine)
	if cfg.Metrics.Enabled {
		srv.EnableMetrics(cfg.Metrics.Path, reg)
	}

	slog.Info("Forwarding events",
		"pulsar_url", cfg.Pulsar.URL(),
		"namespace", cfg.Pulsar.Namespace,
		"envelope_format", format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signal handler: triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}
	pub.Close()

	slog.Info("Shutdown complete")
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
