// Command reverseproxy runs the streaming HTTP/1.1 reverse proxy: load a
// YAML config, prepare the upstream pool, and serve clients until a
// termination signal arrives.
//
// Grounded on the signal-handling and component-wiring shape of
// thushan-olla/main.go (flag parsing, logger construction, a cancellable
// root context tied to SIGINT/SIGTERM), adapted to this proxy's much
// smaller set of components and to config-file-driven startup instead of
// flags and environment variables.
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

	"github.com/WhileEndless/go-reverseproxy/internal/config"
	"github.com/WhileEndless/go-reverseproxy/internal/engine"
	"github.com/WhileEndless/go-reverseproxy/internal/logger"
	"github.com/WhileEndless/go-reverseproxy/internal/metrics"
	"github.com/WhileEndless/go-reverseproxy/internal/pool"
	"github.com/WhileEndless/go-reverseproxy/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "reverseproxy:", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) != 2 {
		return fmt.Errorf("usage: %s <config.yaml>", os.Args[0])
	}

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logging())
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer closeLog()

	registry := prometheus.NewRegistry()
	sink := metrics.NewPrometheus(registry)
	sampler := metrics.NewSampler(registry)

	p, err := pool.New(cfg, sink, log)
	if err != nil {
		return fmt.Errorf("preparing upstream pool: %w", err)
	}
	defer p.Close()

	t := cfg.Timeouts()
	eng := engine.New(p, sink, log, time.Duration(t.ConnectMs)*time.Millisecond)

	srv, err := server.New(cfg.Listen(), eng, log, server.Config{
		Workers:      cfg.Workers(),
		MaxClients:   cfg.Limits().MaxClientConns,
		ReadTimeout:  time.Duration(t.ReadMs) * time.Millisecond,
		WriteTimeout: time.Duration(t.WriteMs) * time.Millisecond,
		TotalTimeout: time.Duration(t.TotalMs) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	if addr := cfg.MetricsAddr(); addr != "" {
		go serveMetrics(ctx, addr, registry, log)
		go sampler.Run(ctx)
	}

	log.Info("reverse proxy started", "listen", cfg.Listen(), "upstreams", len(cfg.Upstreams()))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HandlerFor(reg))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("metrics listener stopped", "error", err)
	}
}
