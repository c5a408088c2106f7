// fleetd runs the headless Chromium fleet manager as a long-lived
// daemon: it loads configuration, wires the Fleet Manager's
// collaborators, exposes Prometheus metrics over HTTP, and shuts down
// cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chromefleet/internal/api"
	"chromefleet/internal/config"
	"chromefleet/internal/driver"
	"chromefleet/internal/fleet"
	"chromefleet/internal/launch"
	"chromefleet/internal/logging"
	"chromefleet/internal/pool"
	"chromefleet/internal/profile"
	"chromefleet/internal/reclaim"
	"chromefleet/internal/session"
	"chromefleet/internal/validator"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to fleet config YAML (defaults built in if omitted)")
		logLevel    = flag.String("log-level", "info", "log level: debug|info|warn|error")
		apiAddr     = flag.String("api-addr", "0.0.0.0:8080", "Fleet Manager HTTP API listen address")
		metricsAddr = flag.String("metrics-addr", "0.0.0.0:9090", "Prometheus metrics listen address")
		patternFile = flag.String("script-patterns", "configs/forbidden_patterns.yaml", "script validator deny-pattern file")
		warnAsErr   = flag.Bool("warnings-are-errors", false, "promote script validator warnings to ScriptForbidden")
	)
	flag.Parse()

	logCfg := logging.DefaultConfig()
	logCfg.Level = *logLevel
	log, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetd: invalid log config: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(log)

	var reloader *config.Reloader
	cfg := config.Default()
	if *configPath != "" {
		reloader = config.NewReloader(*configPath)
		if err := reloader.Load(); err != nil {
			log.Fatal("failed to load config", zap.Error(err))
		}
		cfg = reloader.Config()
	}

	profiles := profile.New(cfg.Storage.ProfilesDir)
	sessions := session.New(cfg.Storage.SessionsDir)
	reclaimer := reclaim.New()
	builder := launch.NewBuilder(cfg.Browser, profiles, reclaimer)
	factory := &driver.ChromeDPFactory{}

	registry := prometheus.NewRegistry()
	workerPool := pool.New(cfg.Pool, cfg.Browser, builder, factory, nil, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	factory.Ctx = ctx

	if err := workerPool.Start(ctx); err != nil {
		log.Fatal("failed to start worker pool", zap.Error(err))
	}

	if reloader != nil {
		reloader.OnChange(func(newCfg *config.Config) { workerPool.UpdateLimits(newCfg.Pool) })
		if err := reloader.Start(); err != nil {
			log.Warn("config hot-reload unavailable", zap.Error(err))
		}
		defer reloader.Stop()
	}

	sv := validator.New(*patternFile, *warnAsErr)
	if err := sv.Load(); err != nil {
		log.Warn("script validator pattern file failed to load, starting with an empty deny-list", zap.Error(err))
	} else if err := sv.Watch(ctx); err != nil {
		log.Warn("script validator hot-reload unavailable", zap.Error(err))
	}
	defer sv.Close()

	manager := fleet.New(cfg, profiles, sessions, workerPool, builder, factory, sv)
	apiServer := api.NewServer(manager)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	metricsServer := &http.Server{Addr: *metricsAddr, Handler: metricsMux}
	go func() {
		log.Info("metrics server listening", zap.String("addr", *metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	apiHTTPServer := &http.Server{Addr: *apiAddr, Handler: apiServer}
	go func() {
		log.Info("fleet manager API listening", zap.String("addr", *apiAddr))
		if err := apiHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("fleet manager API server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = apiHTTPServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		log.Error("worker pool shutdown reported an error", zap.Error(err))
	}
	cancel()
	log.Info("fleetd stopped")
}
