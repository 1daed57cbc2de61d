// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-chat/internal/config"
	"github.com/nishisan-dev/n-chat/internal/loggerd"
	"github.com/nishisan-dev/n-chat/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to loggerd config file (empty = defaults)")
	flag.Parse()

	cfg, err := config.LoadLoggerdConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// O log próprio do daemon vai para stdout; o socket é dos outros.
	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

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

	daemon, err := loggerd.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("initializing loggerd", "error", err)
		os.Exit(1)
	}

	if err := daemon.Run(ctx); err != nil {
		logger.Error("loggerd error", "error", err)
		os.Exit(1)
	}
}
