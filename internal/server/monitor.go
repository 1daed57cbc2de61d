// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// StartMonitor imprime métricas do server a cada intervalo configurado:
// conexões ativas, clientes no grupo, taxas de tráfego da janela e amostras
// de host (CPU, memória, load) via gopsutil. As taxas calculadas aqui também
// alimentam a API de observabilidade. Bloqueia até o context cancelar.
func (s *Server) StartMonitor(ctx context.Context) {
	interval := s.cfg.Monitor.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportStats(interval.Seconds())
		}
	}
}

// reportStats faz swap-and-reset dos contadores da janela e loga uma linha
// de stats.
func (s *Server) reportStats(intervalSecs float64) {
	in := s.windowIn.Swap(0)
	out := s.windowOut.Swap(0)

	inMBps := float64(in) / intervalSecs / (1024 * 1024)
	outMBps := float64(out) / intervalSecs / (1024 * 1024)
	s.setTrafficRates(inMBps, outMBps)

	attrs := []any{
		"conns", s.activeConns.Load(),
		"joined", s.registry.count(),
		"frames_in", s.framesIn.Load(),
		"frames_out", s.framesOut.Load(),
		"traffic_in_MBps", fmt.Sprintf("%.2f", inMBps),
		"traffic_out_MBps", fmt.Sprintf("%.2f", outMBps),
	}

	// CPU
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		attrs = append(attrs, "cpu_pct", fmt.Sprintf("%.1f", pct[0]))
	} else {
		s.logger.Debug("failed to collect cpu stats", "error", err)
	}

	// Memory
	if v, err := mem.VirtualMemory(); err == nil {
		attrs = append(attrs, "mem_used_pct", fmt.Sprintf("%.1f", v.UsedPercent))
	} else {
		s.logger.Debug("failed to collect memory stats", "error", err)
	}

	// Load Avg
	if l, err := load.Avg(); err == nil {
		attrs = append(attrs, "load1", fmt.Sprintf("%.2f", l.Load1))
	} else {
		s.logger.Debug("failed to collect load stats", "error", err)
	}

	s.logger.Info("server stats", attrs...)
}

// StartSnapshotter persiste resumos periódicos das sessões vivas no store de
// snapshots, quando configurado. Bloqueia até o context cancelar.
func (s *Server) StartSnapshotter(ctx context.Context) {
	if s.snapshots == nil {
		return
	}

	ticker := time.NewTicker(s.cfg.WebUI.ActiveSnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, sum := range s.SessionsSnapshot() {
				s.snapshots.PushSnapshot(sum, now)
			}
		}
	}
}
