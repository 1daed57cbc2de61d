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
	"time"

	"github.com/nishisan-dev/n-chat/internal/config"
	"github.com/nishisan-dev/n-chat/internal/loadtest"
	"github.com/nishisan-dev/n-chat/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to loadtest config file (empty = defaults)")
	target := flag.String("target", "", "server address (overrides config)")
	clients := flag.Int("clients", 0, "number of concurrent connections (overrides config)")
	opsRate := flag.Float64("rate", 0, "operations per second per connection (overrides config)")
	duration := flag.Duration("duration", 0, "measurement window (overrides config)")
	mode := flag.String("mode", "", "operation under test: ping, chat or file (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *target, *clients, *opsRate, *duration, *mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	// Context com cancelamento via signal; a janela de medição em si é
	// aplicada pelo driver.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, aborting load test", "signal", sig)
		cancel()
	}()

	logger.Info("starting load test",
		"target", cfg.Target,
		"mode", cfg.Mode,
		"clients", cfg.Clients,
		"rate", cfg.Rate,
		"duration", cfg.Duration,
	)

	summary, err := loadtest.New(cfg, logger).Run(ctx)
	if err != nil {
		logger.Error("load test failed", "error", err)
		os.Exit(1)
	}

	printSummary(summary)
	if summary.Errors > 0 {
		os.Exit(1)
	}
}

// loadConfig carrega o YAML e aplica os overrides de linha de comando. Os
// overrides passam pela mesma validação de modo que o arquivo.
func loadConfig(path, target string, clients int, rate float64, duration time.Duration, mode string) (*config.LoadTestConfig, error) {
	cfg, err := config.LoadLoadTestConfig(path)
	if err != nil {
		return nil, err
	}

	if target != "" {
		cfg.Target = target
	}
	if clients > 0 {
		cfg.Clients = clients
	}
	if rate > 0 {
		cfg.Rate = rate
	}
	if duration > 0 {
		cfg.Duration = duration
	}
	if mode != "" {
		switch mode {
		case "ping", "chat", "file":
			cfg.Mode = mode
		default:
			return nil, fmt.Errorf("mode must be ping, chat or file, got %q", mode)
		}
	}
	return cfg, nil
}

func printSummary(s loadtest.Summary) {
	fmt.Printf("--- load test: %s ---\n", s.Mode)
	fmt.Printf("clients:    %d\n", s.Clients)
	fmt.Printf("elapsed:    %s\n", s.Elapsed.Round(time.Millisecond))
	fmt.Printf("operations: %d (%d errors)\n", s.Count, s.Errors)
	fmt.Printf("throughput: %.1f ops/s\n", s.OpsSec)
	if s.Count > 0 {
		fmt.Printf("latency:    min=%s avg=%s max=%s\n",
			s.Min.Round(time.Microsecond),
			s.Avg.Round(time.Microsecond),
			s.Max.Round(time.Microsecond),
		)
	}
	if s.BytesSent > 0 {
		mb := float64(s.BytesSent) / (1024 * 1024)
		fmt.Printf("data sent:  %.1f MB (%.2f MB/s)\n", mb, mb/s.Elapsed.Seconds())
	}
}
