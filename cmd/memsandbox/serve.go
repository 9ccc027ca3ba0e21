package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/memsandbox/internal/config"
	"github.com/jkaninda/memsandbox/internal/gateway"
	"github.com/jkaninda/memsandbox/internal/gateway/httpapi"
	"github.com/jkaninda/memsandbox/internal/gateway/ws"
	"github.com/jkaninda/memsandbox/internal/observability"
)

const shutdownGrace = 10 * time.Second

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and the WebSocket execution stream",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Gateways.HTTP == nil {
		cfg.Gateways.HTTP = &config.HTTPGatewayConfig{}
	}
	if servePort != "" {
		cfg.Gateways.HTTP.ListenAddr = servePort
	}
	if len(cfg.Gateways.HTTP.APIKeys) == 0 {
		return errors.New("no API keys configured: set gateways.http.api_keys or MEMSANDBOX_API_KEY")
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting memsandbox server",
		slog.String("version", version),
		slog.String("config", configPath),
	)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if r := reporterConfig(cfg); r != nil && r.Enabled {
		reporter, err := observability.NewReporter(r.Spec(), sc.Monitor, sc.Obs.AnomalyOrNil(), logger)
		if err != nil {
			return fmt.Errorf("initializing stats reporter: %w", err)
		}
		stopReporter := reporter.Start(ctx)
		defer stopReporter()
		logger.Debug("stats reporter started", slog.String("schedule", r.Spec()))
	}

	gateways := []gateway.Gateway{buildHTTPGateway(cfg, sc)}
	return gateway.Run(ctx, gateways, shutdownGrace, logger)
}

// buildHTTPGateway creates the HTTP API and mounts the WebSocket stream on
// it when enabled.
func buildHTTPGateway(cfg *config.Config, sc *SharedComponents) *httpapi.Gateway {
	h := cfg.Gateways.HTTP
	httpCfg := httpapi.Config{
		ListenAddr:     h.Addr(),
		EnableDocs:     h.EnableDocs,
		APIKeys:        h.APIKeys,
		MaxRequestSize: h.MaxBodyBytes(),
		HealthChecker:  sc.Health,
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		httpCfg.Metrics = m
		httpCfg.MetricsRegistry = m.Registry
		httpCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		httpCfg.Tracer = ts.Tracer()
	}

	gw := httpapi.NewGateway(httpCfg, sc.Engine, sc.Logger)

	if w := cfg.Gateways.WebSocket; w != nil && w.Enabled {
		wsServer := ws.NewServer(sc.Engine, h.APIKeys, w, sc.Logger)
		gw.WithHandler(w.WSPath(), wsServer.Handler())
		sc.Logger.Debug("websocket stream mounted on http gateway", slog.String("path", w.WSPath()))
	}

	sc.Logger.Debug("gateway enabled",
		slog.String("type", "http"),
		slog.String("addr", h.Addr()),
		slog.Bool("docs", h.EnableDocs),
		slog.Bool("metrics", httpCfg.Metrics != nil),
	)
	return gw
}

func reporterConfig(cfg *config.Config) *config.ReporterConfig {
	if cfg.Observability == nil {
		return nil
	}
	return cfg.Observability.Reporter
}
