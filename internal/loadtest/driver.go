// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package loadtest implementa o driver de carga do nchat-loadtest: K
// conexões simultâneas, cada uma emitindo operações em ritmo constante,
// com agregação de latência e vazão no final.
package loadtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"log/slog"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/n-chat/internal/client"
	"github.com/nishisan-dev/n-chat/internal/config"
)

// Result acumula as medições de um único worker.
type Result struct {
	Count  int64
	Errors int64
	Min    time.Duration
	Max    time.Duration
	Sum    time.Duration
}

// Summary é o agregado final do teste.
//
// No modo ping a latência é o round-trip completo (PING -> PING_OK). Nos
// modos chat e file o protocolo não tem ack, então a medição cobre o tempo
// de escrita da operação — vazão, na prática.
type Summary struct {
	Mode    string
	Clients int
	Elapsed time.Duration

	Count  int64
	Errors int64
	Min    time.Duration
	Avg    time.Duration
	Max    time.Duration
	OpsSec float64

	// Modo file: bytes de payload enviados (sem contar headers).
	BytesSent int64
}

// Driver conecta os clients e coordena a janela de medição.
type Driver struct {
	cfg    *config.LoadTestConfig
	logger *slog.Logger
}

// New cria o driver a partir da configuração validada.
func New(cfg *config.LoadTestConfig, logger *slog.Logger) *Driver {
	return &Driver{cfg: cfg, logger: logger}
}

// Run executa o teste: conecta e faz JOIN de todos os clients, roda os
// workers pela duração configurada e agrega os resultados. Qualquer falha
// de conexão ou JOIN aborta o teste inteiro.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	clients := make([]*client.Client, 0, d.cfg.Clients)
	defer func() {
		for _, c := range clients {
			c.Leave()
			c.Close()
		}
	}()

	for i := 0; i < d.cfg.Clients; i++ {
		name := fmt.Sprintf("%s-%d", d.cfg.Prefix, i)
		c := client.New(d.cfg.Target, client.Options{
			Logger:      d.logger,
			ChunkSize:   int(d.cfg.ChunkSizeRaw),
			BytesPerSec: d.cfg.ThrottleBytesPerSec,
		})
		if err := c.Connect(ctx); err != nil {
			return Summary{}, fmt.Errorf("client %d: %w", i, err)
		}
		clients = append(clients, c)

		if err := c.Join(name); err != nil {
			return Summary{}, fmt.Errorf("client %d join: %w", i, err)
		}
	}
	d.logger.Info("clients connected", "clients", len(clients), "target", d.cfg.Target)

	var filePath string
	if d.cfg.Mode == "file" {
		path, err := writeTempPayload(d.cfg.FileSizeRaw)
		if err != nil {
			return Summary{}, err
		}
		defer os.Remove(path)
		filePath = path
	}

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.Duration)
	defer cancel()

	results := make([]Result, len(clients))
	start := time.Now()

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *client.Client) {
			defer wg.Done()
			results[i] = d.worker(runCtx, c, filePath)
		}(i, c)
	}
	wg.Wait()

	summary := merge(results)
	summary.Mode = d.cfg.Mode
	summary.Clients = len(clients)
	summary.Elapsed = time.Since(start)
	if summary.Elapsed > 0 {
		summary.OpsSec = float64(summary.Count) / summary.Elapsed.Seconds()
	}
	if d.cfg.Mode == "file" {
		summary.BytesSent = summary.Count * d.cfg.FileSizeRaw
	}
	return summary, nil
}

// worker emite operações até a janela fechar, respeitando o rate limiter
// da conexão. Timeout de resposta conta como erro e segue; qualquer outro
// erro derruba o worker, porque a conexão já não é confiável.
func (d *Driver) worker(ctx context.Context, c *client.Client, filePath string) Result {
	limiter := rate.NewLimiter(rate.Limit(d.cfg.Rate), d.cfg.Burst)
	payload := bytes.Repeat([]byte{'x'}, d.cfg.PayloadSize)

	res := Result{Min: time.Duration(math.MaxInt64)}
	for {
		if err := limiter.Wait(ctx); err != nil {
			return res
		}

		var rtt time.Duration
		var err error
		switch d.cfg.Mode {
		case "ping":
			rtt, err = c.Ping(ctx)
		case "chat":
			begin := time.Now()
			err = c.SendText(string(payload))
			rtt = time.Since(begin)
		case "file":
			begin := time.Now()
			err = c.SendFile(ctx, filePath)
			rtt = time.Since(begin)
		}

		if err != nil {
			if ctx.Err() != nil {
				// Fim da janela no meio da operação: não conta como erro.
				return res
			}
			res.Errors++
			if errors.Is(err, client.ErrReplyTimeout) {
				continue
			}
			d.logger.Warn("worker stopping after error", "client", c.Name(), "error", err)
			return res
		}

		res.Count++
		res.Sum += rtt
		if rtt < res.Min {
			res.Min = rtt
		}
		if rtt > res.Max {
			res.Max = rtt
		}
	}
}

func merge(results []Result) Summary {
	var s Summary
	var total time.Duration
	s.Min = time.Duration(math.MaxInt64)
	for _, r := range results {
		s.Count += r.Count
		s.Errors += r.Errors
		total += r.Sum
		if r.Count == 0 {
			continue
		}
		if r.Min < s.Min {
			s.Min = r.Min
		}
		if r.Max > s.Max {
			s.Max = r.Max
		}
	}
	if s.Count > 0 {
		s.Avg = total / time.Duration(s.Count)
	} else {
		s.Min = 0
	}
	return s
}

// writeTempPayload materializa o arquivo enviado no modo file. O conteúdo
// é um padrão fixo; o server não olha o payload.
func writeTempPayload(size int64) (string, error) {
	f, err := os.CreateTemp("", "nchat-loadtest-*.bin")
	if err != nil {
		return "", fmt.Errorf("creating payload file: %w", err)
	}

	block := bytes.Repeat([]byte{0xAB}, 1<<20)
	remaining := size
	for remaining > 0 {
		n := int64(len(block))
		if n > remaining {
			n = remaining
		}
		if _, err := f.Write(block[:n]); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", fmt.Errorf("writing payload file: %w", err)
		}
		remaining -= n
	}

	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing payload file: %w", err)
	}
	return f.Name(), nil
}
