package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stackvirt/vmshift/pkg/instance"
	"github.com/stackvirt/vmshift/pkg/migration"
	"github.com/stackvirt/vmshift/pkg/monitor"
)

func main() {
	logger := zap.Must(zap.NewProduction()).Named("vmshift-agent")
	defer logger.Sync() //nolint:errcheck // what are we gonna do, log something about it?

	configPath := flag.String("config", "", "Path to the agent config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	if err := run(logger, cfg); err != nil {
		logger.Fatal("agent exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger, cfg Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	monMetrics := monitor.NewMetrics(reg)
	migMetrics := migration.NewMetrics(reg)

	if err := os.MkdirAll(cfg.Qemu.SocketDir, 0o755); err != nil {
		return err
	}
	builder := &instance.QemuBuilder{
		Binary:    cfg.Qemu.Binary,
		SocketDir: cfg.Qemu.SocketDir,
		ExtraArgs: cfg.Qemu.ExtraArgs,
		Logger:    logger,
	}
	dialer := &instance.QMPDialer{
		Builder: builder,
		Config:  monitor.Config{Logger: logger, Metrics: monMetrics},
	}

	registry := instance.NewRegistry()
	lifecycle := instance.NewManager(logger, builder)
	controller := migration.NewPhaseController(logger, registry, lifecycle, dialer, migMetrics, migration.Config{
		AdvertiseAddr:  cfg.AdvertiseAddr,
		PollInterval:   time.Duration(cfg.PollIntervalSeconds) * time.Second,
		DefaultTimeout: time.Duration(cfg.MigrationTimeoutSeconds) * time.Second,
	})

	server := newAgentServer(logger, controller, cfg.Peers)
	apiSrv := &http.Server{Addr: cfg.BindAddr, Handler: server.routes()}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving migration API", zap.String("addr", cfg.BindAddr))
		if err := apiSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := apiSrv.Shutdown(shutdownCtx)
		if merr := metricsSrv.Shutdown(shutdownCtx); merr != nil && err == nil {
			err = merr
		}
		return err
	})
	return g.Wait()
}
