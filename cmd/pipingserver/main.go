// Copyright 2026 The custompip Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Command pipingserver is the CLI entry point: it parses flags (and an
// optional TOML config file), wires the registry, pipe engine, and metrics
// recorder together, and runs the rendezvous and metrics HTTP listeners
// until interrupted.
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
	"golang.org/x/sync/errgroup"

	log "github.com/pingcap/log"

	"github.com/atachimiko/custompip/pkg/config"
	"github.com/atachimiko/custompip/pkg/httpserver"
	"github.com/atachimiko/custompip/pkg/metrics"
	"github.com/atachimiko/custompip/pkg/pipe"
	"github.com/atachimiko/custompip/pkg/rendezvous"
)

var version = "dev"

func main() {
	cfg := config.Default()
	var configPath string
	var metricsAddr string

	root := &cobra.Command{
		Use:   "pipingserver",
		Short: "Streaming HTTP rendezvous relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				if err := config.LoadFile(cfg, configPath); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg, metricsAddr)
		},
	}

	flags := root.Flags()
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "address to listen on")
	flags.BoolVar(&cfg.EnableHTTPS, "enable-https", cfg.EnableHTTPS, "serve over TLS")
	flags.StringVar(&cfg.HTTPSKeyPath, "https-key-path", cfg.HTTPSKeyPath, "TLS private key path")
	flags.StringVar(&cfg.HTTPSCertPath, "https-cert-path", cfg.HTTPSCertPath, "TLS certificate path")
	flags.BoolVar(&cfg.EnableLog, "enable-log", cfg.EnableLog, "enable structured logging")
	flags.IntVar(&cfg.MaxReceiversPerPath, "max-receivers-per-path", cfg.MaxReceiversPerPath, "reject n above this value (0 = unbounded)")
	flags.StringVar(&configPath, "config", "", "optional TOML config file overriding the flags above")
	flags.StringVar(&metricsAddr, "metrics-addr", ":9090", "address the metrics endpoint listens on")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, metricsAddr string) error {
	if err := initLogger(cfg.EnableLog); err != nil {
		return err
	}
	httpserver.ServerVersion = version

	promReg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promReg)

	var engine *pipe.Engine
	registry := rendezvous.NewRegistry(func(er *rendezvous.EstablishedRendezvous) {
		engine.Run(er)
	}, recorder, cfg.MaxReceiversPerPath)
	engine = pipe.New(registry, recorder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return registry.Run(gctx)
	})
	g.Go(func() error {
		return serveMetrics(gctx, metricsAddr, promReg)
	})
	g.Go(func() error {
		return serveRendezvous(gctx, cfg, registry)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func serveRendezvous(ctx context.Context, cfg *config.Config, reg *rendezvous.Registry) error {
	srv := httpserver.New(reg, cfg.EnableHTTPS)
	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}
	return serveAndShutdown(ctx, httpSrv, func() error {
		if cfg.EnableHTTPS {
			return httpSrv.ListenAndServeTLS(cfg.HTTPSCertPath, cfg.HTTPSKeyPath)
		}
		return httpSrv.ListenAndServe()
	})
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	return serveAndShutdown(ctx, srv, srv.ListenAndServe)
}

// serveAndShutdown runs listen (which blocks until the listener stops) in
// its own goroutine and shuts srv down gracefully when ctx is cancelled.
func serveAndShutdown(ctx context.Context, srv *http.Server, listen func() error) error {
	errCh := make(chan error, 1)
	go func() {
		if err := listen(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// initLogger wires the global pingcap/log logger. When disabled, only fatal
// messages pass through, implementing the logging-enablement toggle
// without gating every call site individually.
func initLogger(enabled bool) error {
	level := "info"
	if !enabled {
		level = "fatal"
	}
	logger, props, err := log.InitLogger(&log.Config{Level: level})
	if err != nil {
		return err
	}
	log.ReplaceGlobals(logger, props)
	return nil
}
