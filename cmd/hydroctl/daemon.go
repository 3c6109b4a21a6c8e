package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hydro-project/cluster/internal/clusterconfig"
	"github.com/hydro-project/cluster/internal/clusterstate"
	"github.com/hydro-project/cluster/internal/controller"
	"github.com/hydro-project/cluster/internal/ctrlapi"
	"github.com/hydro-project/cluster/internal/ctrlmetrics"
	"github.com/hydro-project/cluster/internal/logging"
	"github.com/hydro-project/cluster/internal/orchestrator"
	"github.com/hydro-project/cluster/internal/policy"
	"github.com/hydro-project/cluster/internal/reconciler"
	"github.com/hydro-project/cluster/internal/scaler"
	"github.com/hydro-project/cluster/internal/wire"
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "run the cluster controller event loop",
		RunE:  runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := clusterconfig.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("hydroctl: load config: %w", err)
	}
	clusterconfig.LoadFromEnv(cfg)

	logging.InitFromConfig(cfg.Logging)

	audit, err := logging.NewDecisionLogger(cfg.Logging.DecisionLogPath)
	if err != nil {
		return fmt.Errorf("hydroctl: open decision log: %w", err)
	}
	defer audit.Close()

	registry := prometheus.NewRegistry()
	metrics := ctrlmetrics.New(cfg.Metrics.Namespace, registry)
	if cfg.Metrics.Enabled {
		startMetricsServer(cfg.Metrics.ListenAddr, registry)
	}

	selfIP := os.Getenv("HYDRO_SELF_IP")
	if selfIP == "" {
		selfIP = "127.0.0.1"
	}

	sender := wire.NewSender()
	defer sender.Close()

	orchClient := orchestrator.New(cfg.Daemon.KubeconfigPath, os.Getenv("HYDRO_NAMESPACE"))

	rec := reconciler.New(reconciler.Config{
		StorageThreads: cfg.Reconciler.StorageThreads,
		RoutingThreads: cfg.Reconciler.RoutingThreads,
	}, orchClient, sender, metrics)

	scl, err := scaler.New(scaler.Config{
		SelfResponseIP: fmt.Sprintf("tcp://%s:%d", selfIP, 5010),
		PinListenAddr:  cfg.Scaler.PinListenAddr,
		AckTimeout:     cfg.Scaler.PinAckTimeout,
	}, sender, metrics, audit)
	if err != nil {
		return fmt.Errorf("hydroctl: start scaler: %w", err)
	}
	defer scl.Close()

	grace := &clusterstate.GraceClock{Period: cfg.Policy.GracePeriod, Start: time.Now()}
	pol := policy.New(policy.Tunables{
		MaxUtilization:      cfg.Policy.MaxUtilization,
		MinUtilization:      cfg.Policy.MinUtilization,
		MaxPinCount:         cfg.Policy.MaxPinCount,
		MaxLatencyDeviation: cfg.Policy.MaxLatencyDeviation,
		ScaleIncrease:       cfg.Policy.ScaleIncrease,
		GracePeriod:         cfg.Policy.GracePeriod,
		ExecReportPeriod:    cfg.Policy.ExecReportPeriod,
		NumExecThreads:      cfg.Policy.NumExecThreads,
	}, scl, metrics, grace, sender)

	ctrlCfg := controller.DefaultConfig()
	ctrlCfg.ReportPeriod = cfg.Daemon.ReportPeriod
	ctrlCfg.PollTimeout = cfg.Daemon.PollTimeout
	ctrlCfg.SetupSentinelPath = cfg.Daemon.SetupSentinelPath
	ctrlCfg.KubeconfigPath = cfg.Daemon.KubeconfigPath
	ctrlCfg.StartupPollDelay = cfg.Daemon.StartupPollDelay

	ctrl := controller.New(ctrlCfg, orchClient, rec, pol, scl, sender, metrics, audit)

	status := ctrlapi.New(cfg.Daemon.StatusAddr, ctrl, grace)
	status.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = status.Shutdown(shutdownCtx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Op().Info("hydroctl: starting controller", "report_period", cfg.Daemon.ReportPeriod)
	if err := ctrl.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("hydroctl: controller stopped: %w", err)
	}
	return nil
}

func startMetricsServer(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Warn("hydroctl: metrics server stopped", "error", err)
		}
	}()
}
