package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasbus/ws"
)

type bridgeOpts struct {
	*rootOpts
	Addr        string
	Path        string
	MetricsAddr string
	NoRateLimit bool
}

func newBridge(parent *rootOpts) *bridgeOpts {
	return &bridgeOpts{rootOpts: parent}
}

func (opts *bridgeOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Run an event bus bridge that routes envelopes between its connections.",
		Args:  exactArgs(0, newUsageError("expected no (non-flag) arguments")),
		RunE:  opts.RunE,
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "address to listen on")
	cmd.Flags().StringVar(&opts.Path, "path", ws.DefaultBridgePath, "path to serve the bridge on")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "address to serve /metrics on; empty disables it")
	cmd.Flags().BoolVar(&opts.NoRateLimit, "no-rate-limit", false, "accept frames as fast as clients send them")
	return cmd
}

func (opts *bridgeOpts) RunE(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config.BridgeConfig()
	if cmd.Flags().Changed("addr") || cfg.Addr == "" {
		cfg.Addr = opts.Addr
	}
	if cmd.Flags().Changed("path") || cfg.Path == "" {
		cfg.Path = opts.Path
	}
	metricsAddr := opts.Config.Bridge.MetricsAddr
	if cmd.Flags().Changed("metrics-addr") {
		metricsAddr = opts.MetricsAddr
	}
	if opts.NoRateLimit {
		cfg.RateLimitConfig = ws.NoRateLimit()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	cfg.Registerer = reg
	cfg.CheckOrigin = ws.AllOrigins()
	cfg.Logger = opts.Logger
	cfg.OnConnect = func(id string) {
		opts.Logger.Info("client connected", zap.String("conn_id", id))
	}
	cfg.OnDisconnect = func(id string, voluntary bool) {
		opts.Logger.Info("client disconnected", zap.String("conn_id", id), zap.Bool("voluntary", voluntary))
	}

	bridge := ws.NewBridge(cfg)
	if err := bridge.Start(ctx); err != nil {
		return err
	}
	cmd.Printf("bridge listening on %s%s\n", cfg.Addr, cfg.Path)

	var metricsServer *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				opts.Logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	return bridge.Stop(shutdownCtx)
}
