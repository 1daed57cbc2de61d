// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nishisan-dev/n-chat/internal/auth"
	"github.com/nishisan-dev/n-chat/internal/config"
	"github.com/nishisan-dev/n-chat/internal/logging"
	"github.com/nishisan-dev/n-chat/internal/pki"
	"github.com/nishisan-dev/n-chat/internal/server"
	"github.com/nishisan-dev/n-chat/internal/server/observability"
)

func main() {
	configPath := flag.String("config", "", "path to server config file (empty = defaults)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-config file] [port] [threads]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// threads limita o paralelismo do runtime; 0 usa 2x o número de CPUs
	// (mínimo 4), espelhando o dimensionamento clássico de pool de chat.
	threads := cfg.Server.Threads
	if threads <= 0 {
		threads = 2 * runtime.NumCPU()
		if threads < 4 {
			threads = 4
		}
	}
	runtime.GOMAXPROCS(threads)

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if cfg.Logging.DatagramSocket != "" {
		mirrored, mirrorCloser, err := logging.MirrorToDatagram(logger, cfg.Logging.DatagramSocket)
		if err != nil {
			logger.Warn("loggerd mirror unavailable, logging locally only", "error", err)
		}
		defer mirrorCloser.Close()
		logger = mirrored
	}

	authenticator, err := auth.New(cfg.Auth, logger)
	if err != nil {
		logger.Error("configuring auth backend", "error", err)
		os.Exit(1)
	}
	logger.Info("auth backend ready", "mode", cfg.Auth.Mode)

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var obs server.Observability
	var promHandler http.Handler

	if cfg.WebUI.Enabled {
		registry := prometheus.NewRegistry()
		obs.Metrics = observability.NewMetrics(registry)
		promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

		obs.Events, err = observability.NewEventStore(cfg.WebUI.EventsFile, 512, cfg.WebUI.EventsMaxLines)
		if err != nil {
			logger.Error("opening event store", "error", err)
			os.Exit(1)
		}
		defer obs.Events.Close()

		obs.History, err = observability.NewSessionHistoryStore(
			cfg.WebUI.SessionHistoryFile, 256, cfg.WebUI.SessionHistoryMaxLines)
		if err != nil {
			logger.Error("opening session history store", "error", err)
			os.Exit(1)
		}
		defer obs.History.Close()

		obs.Snapshots, err = observability.NewActiveSessionStore(
			cfg.WebUI.ActiveSessionsFile, 512, cfg.WebUI.ActiveSessionsMaxLines)
		if err != nil {
			logger.Error("opening active sessions store", "error", err)
			os.Exit(1)
		}
		defer obs.Snapshots.Close()
	}

	srv := server.New(cfg, logger, authenticator, obs)

	if cfg.WebUI.Enabled {
		if err := startWebUI(ctx, cfg, logger, srv, promHandler); err != nil {
			logger.Error("starting web ui", "error", err)
			os.Exit(1)
		}
		go srv.StartSnapshotter(ctx)
	}

	if err := srv.StartSweeper(ctx); err != nil {
		logger.Error("starting sweeper", "error", err)
		os.Exit(1)
	}

	if cfg.Monitor.Enabled {
		go srv.StartMonitor(ctx)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// loadConfig carrega o YAML (ou os defaults) e aplica os argumentos
// posicionais [port] [threads], que têm precedência sobre o arquivo.
func loadConfig(path string, args []string) (*config.ServerConfig, error) {
	var cfg *config.ServerConfig
	var err error

	if path == "" {
		cfg = config.DefaultServerConfig()
	} else {
		cfg, err = config.LoadServerConfig(path)
		if err != nil {
			return nil, err
		}
	}

	if len(args) > 2 {
		return nil, fmt.Errorf("too many arguments: want [port] [threads], got %v", args)
	}

	if len(args) >= 1 {
		port, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil || port == 0 {
			return nil, fmt.Errorf("invalid port %q", args[0])
		}
		host, _, err := net.SplitHostPort(cfg.Server.Listen)
		if err != nil {
			host = "0.0.0.0"
		}
		cfg.Server.Listen = net.JoinHostPort(host, args[0])
	}

	if len(args) == 2 {
		threads, err := strconv.Atoi(args[1])
		if err != nil || threads < 0 {
			return nil, fmt.Errorf("invalid threads %q", args[1])
		}
		cfg.Server.Threads = threads
	}

	return cfg, nil
}

// startWebUI sobe o listener HTTP (ou HTTPS, quando web_ui.tls está
// configurado) de observabilidade e o derruba junto com o context principal.
func startWebUI(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger,
	srv *server.Server, prom http.Handler) error {
	acl := observability.NewACL(cfg.WebUI.ParsedCIDRs)
	router := observability.NewRouter(srv, cfg, acl, prom)

	httpSrv := &http.Server{
		Addr:         cfg.WebUI.Listen,
		Handler:      router,
		ReadTimeout:  cfg.WebUI.ReadTimeout,
		WriteTimeout: cfg.WebUI.WriteTimeout,
		IdleTimeout:  cfg.WebUI.IdleTimeout,
	}

	scheme := "http"
	if cfg.WebUI.TLS.Cert != "" {
		tlsCfg, err := pki.NewServerTLSConfig(cfg.WebUI.TLS.CACert, cfg.WebUI.TLS.Cert, cfg.WebUI.TLS.Key)
		if err != nil {
			return fmt.Errorf("web ui tls: %w", err)
		}
		httpSrv.TLSConfig = tlsCfg
		scheme = "https"
	}

	go func() {
		logger.Info("web ui listening", "address", cfg.WebUI.Listen, "scheme", scheme)
		var err error
		if httpSrv.TLSConfig != nil {
			// Certificados já estão em TLSConfig; os paths ficam vazios.
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("web ui error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	return nil
}
