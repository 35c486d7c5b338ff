package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"leaselock/internal/metrics"
	"leaselock/internal/scheduler"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "leaselock.yaml"

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the configured jobs, each under its own lock",
		Long: `serve runs the cron jobs of the configuration file. Every node runs the
same configuration; for each tick only the node that wins the job's lock
executes the command, keeping the lease alive until it finishes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if g.configPath == "" {
				g.configPath = defaultConfigPath
			}
			return runServe(cmd, g)
		},
	}
}

func runServe(cmd *cobra.Command, g *globals) error {
	logger, err := g.logger(cmd)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id := nodeID(cfg, logger)
	logger = logger.With("node_id", id)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()
	logger.Info("connected to store", "backend", cfg.Store.Backend)

	reg := metrics.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var metricsSrv *http.Server
	if cfg.Metrics.Address != "" {
		metricsSrv = startMetricsServer(cfg.Metrics.Address, cfg.Metrics.Path, reg, logger)
	}

	sched := scheduler.New(st, cfg.Node, logger, lockOptions(cfg, id, logger, m)...)
	for _, jobCfg := range cfg.Jobs {
		if err := sched.AddJob(jobCfg); err != nil {
			return err
		}
	}
	sched.Start()

	notifySystemd(logger)
	stopWatchdog := startWatchdog(logger)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	if stopWatchdog != nil {
		stopWatchdog()
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	sched.Stop()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// startMetricsServer serves reg on addr until Shutdown.
func startMetricsServer(addr, path string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", "address", addr, "path", path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

// notifySystemd sends the ready notification to systemd if running under systemd.
func notifySystemd(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd", "error", err)
	} else if sent {
		logger.Debug("notified systemd ready")
	}
}

// startWatchdog pings the systemd watchdog at half its interval.
// Returns a function to stop it, or nil if the watchdog is not enabled.
func startWatchdog(logger *slog.Logger) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return nil
	}

	logger.Info("starting systemd watchdog", "interval", interval)

	ticker := time.NewTicker(interval / 2)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()

	return func() {
		close(done)
	}
}
