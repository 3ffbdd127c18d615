package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/talkwire/talkwire/internal/api"
	"github.com/talkwire/talkwire/internal/bridge"
	"github.com/talkwire/talkwire/internal/broker"
	"github.com/talkwire/talkwire/internal/cdr"
	"github.com/talkwire/talkwire/internal/config"
	"github.com/talkwire/talkwire/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting talkwire",
		"broker_port", cfg.BrokerPort,
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
	)

	startTime := time.Now()

	// Open the call history database unless disabled.
	var (
		history  *cdr.Repository
		recorder *cdr.Recorder
		hooks    broker.Hooks
	)
	if cfg.HistoryOff {
		slog.Info("call history disabled")
	} else {
		db, err := cdr.Open(cfg.DataDir)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		history = cdr.NewRepository(db)
		recorder = cdr.NewRecorder(history, logger)
		hooks = recorder.Hooks()
	}

	brk := broker.New(broker.Config{
		ListenAddr:   cfg.BrokerAddr(),
		RingTimeout:  cfg.RingTimeout,
		PingInterval: cfg.PingInterval,
		PingTimeout:  cfg.PingTimeout,
	}, hooks, logger)
	if err := brk.Start(); err != nil {
		slog.Error("failed to start broker", "error", err)
		os.Exit(1)
	}

	sessions := bridge.NewManager(cfg.DevicePort, logger)

	// Prometheus registry with the talkwire collector plus Go runtime
	// metrics. history must only enter the HistoryCounter interface when
	// non-nil, or the nil check inside the collector would pass a typed nil.
	var historyStats metrics.HistoryCounter
	if history != nil {
		historyStats = history
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(brk, sessions, historyStats, startTime),
	)

	handler := api.NewServer(brk, sessions, history, registry, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	g, gCtx := errgroup.WithContext(appCtx)

	if recorder != nil {
		g.Go(func() error {
			recorder.Run(gCtx)
			return nil
		})
	}

	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Wait for interrupt or server failure.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case <-gCtx.Done():
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	sessions.StopAll()
	brk.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	appCancel()
	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("talkwire stopped")
}
