// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/robfig/cron/v3"
)

// StartSweeper agenda a varredura de sessões anônimas ociosas com a expressão
// cron configurada. Retorna erro quando a expressão não parseia; o sweeper
// para sozinho quando o context cancela.
func (s *Server) StartSweeper(ctx context.Context) error {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(
		slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug))))

	if _, err := c.AddFunc(s.cfg.Limits.SweepSchedule, func() { s.sweepAnonymous() }); err != nil {
		return fmt.Errorf("parsing sweep schedule %q: %w", s.cfg.Limits.SweepSchedule, err)
	}

	c.Start()
	s.logger.Info("sweeper started", "schedule", s.cfg.Limits.SweepSchedule,
		"anonymous_ttl", s.cfg.Limits.AnonymousTTL.String())

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// sweepAnonymous derruba sessões que nunca completaram JOIN e estão ociosas
// além do TTL. Conectar e não fazer nada não segura recurso do server.
// Sessões com nome nunca são varridas: ficar só ouvindo o chat é legítimo.
func (s *Server) sweepAnonymous() int {
	cutoff := time.Now().Add(-s.cfg.Limits.AnonymousTTL)

	removed := 0
	s.sessions.Range(func(_, v any) bool {
		sess := v.(*session)
		if !sess.isAnonymous() {
			return true
		}
		last := time.Unix(0, sess.lastActivity.Load())
		if last.Before(cutoff) {
			sess.logger.Info("sweeping idle anonymous session",
				"idle", time.Since(last).Round(time.Second).String())
			sess.teardown(reasonSwept)
			removed++
		}
		return true
	})

	if removed > 0 {
		s.logger.Info("sweep finished", "removed", removed)
		s.pushEvent("info", "sweep", "", "", fmt.Sprintf("removed %d idle anonymous sessions", removed))
	}
	s.metrics.ObserveSweep(removed)
	return removed
}
