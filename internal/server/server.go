// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implementa o servidor de chat (nchat-server): accept loop,
// sessões por conexão, registry de membros, fan-out de broadcast e a
// manutenção periódica (sweeper e monitor).
package server

import (
	"context"
	"fmt"
	"math"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/nishisan-dev/n-chat/internal/auth"
	"github.com/nishisan-dev/n-chat/internal/config"
	"github.com/nishisan-dev/n-chat/internal/server/observability"
)

// keepAlivePeriod é o intervalo de keep-alive TCP das conexões de chat.
// Clientes ociosos são legítimos; o keep-alive só detecta peers mortos.
const keepAlivePeriod = 3 * time.Minute

// Observability agrupa os coletores opcionais plugados no server. Qualquer
// campo pode ser nil: o server funciona sem telemetria nenhuma.
type Observability struct {
	Metrics   *observability.Metrics
	Events    *observability.EventStore
	History   *observability.SessionHistoryStore
	Snapshots *observability.ActiveSessionStore
}

// Server é o servidor de chat. Possui o registry de membros e o mapa de
// sessões vivas; cada sessão mantém um back-reference para fazer broadcast
// e publicar telemetria.
type Server struct {
	cfg    *config.ServerConfig
	logger *slog.Logger
	auth   auth.Authenticator

	registry *registry
	sessions sync.Map // session id -> *session

	metrics   *observability.Metrics
	events    *observability.EventStore
	history   *observability.SessionHistoryStore
	snapshots *observability.ActiveSessionStore

	// Acumulados desde o start do processo.
	activeConns atomic.Int32
	framesIn    atomic.Int64
	framesOut   atomic.Int64
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64

	// Janela corrente do monitor (swap-and-reset a cada tick).
	windowIn  atomic.Int64
	windowOut atomic.Int64

	// Taxas da última janela, em MB/s (bits de float64).
	rateIn  atomic.Uint64
	rateOut atomic.Uint64
}

// New cria o servidor de chat com o backend de auth e a telemetria fornecidos.
func New(cfg *config.ServerConfig, logger *slog.Logger, authenticator auth.Authenticator, obs Observability) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		auth:      authenticator,
		registry:  newRegistry(),
		metrics:   obs.Metrics,
		events:    obs.Events,
		history:   obs.History,
		snapshots: obs.Snapshots,
	}
}

// Run inicia o servidor de chat e bloqueia até o context ser cancelado.
// O wire é TCP puro: o layout binário dos frames precisa bater byte a byte
// com os clientes existentes.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.logger.Info("server listening", "address", s.cfg.Server.Listen)
	return s.RunWithListener(ctx, ln)
}

// RunWithListener roda o accept loop sobre um listener já existente (para
// testes). Bloqueia até o context ser cancelado; no shutdown fecha o listener
// e derruba todas as sessões vivas.
func (s *Server) RunWithListener(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.closeAllSessions(reasonShutdown)
				s.logger.Info("server shutdown complete")
				return nil
			default:
				s.logger.Error("accepting connection", "error", err)
				continue
			}
		}

		go s.handleConn(conn)
	}
}

// handleConn prepara a sessão e dirige o ciclo de vida dela: writer goroutine
// para a fila de saída, read loop nesta goroutine, teardown no final.
func (s *Server) handleConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(keepAlivePeriod)
	}

	id, err := generateSessionID()
	if err != nil {
		s.logger.Error("generating session id", "error", err)
		conn.Close()
		return
	}

	sess := newSession(s, conn, id)
	s.sessions.Store(id, sess)
	s.activeConns.Add(1)
	s.metrics.ObserveConnectionOpened()

	sess.logger.Info("client connected")
	s.pushEvent("info", "connect", id, "", "client connected from "+sess.remote)

	go sess.writeLoop()
	reason := sess.readLoop()
	sess.teardown(reason)
}

// broadcast enfileira um frame pronto para todas as sessões com nome, exceto
// a origem. O snapshot do registry é tirado sob lock; o enqueue acontece fora
// dele, então um receptor lento nunca atrasa os demais.
func (s *Server) broadcast(frame []byte, origin *session) {
	for _, target := range s.registry.snapshot(origin) {
		target.send(frame)
	}
}

// closeAllSessions derruba todas as sessões vivas com o motivo dado.
func (s *Server) closeAllSessions(reason string) {
	s.sessions.Range(func(_, v any) bool {
		v.(*session).teardown(reason)
		return true
	})
}

// dropSession remove a sessão do mapa de vivas. Chamado pelo teardown.
func (s *Server) dropSession(sess *session) {
	s.sessions.Delete(sess.id)
	s.activeConns.Add(-1)
}

// --- Telemetria ---

// pushEvent publica no ring de eventos, se houver um configurado.
func (s *Server) pushEvent(level, eventType, sessionID, name, message string) {
	if s.events == nil {
		return
	}
	s.events.PushEvent(level, eventType, sessionID, name, message)
}

// pushHistory registra a sessão encerrada no histórico persistente.
func (s *Server) pushHistory(sess *session, name, reason string, duration time.Duration) {
	if s.history == nil {
		return
	}
	now := time.Now().UTC()
	s.history.Push(observability.SessionHistoryEntry{
		SessionID: sess.id,
		Name:      name,
		Remote:    sess.remote,
		StartedAt: sess.createdAt.UTC().Format(time.RFC3339),
		EndedAt:   now.Format(time.RFC3339),
		Duration:  duration.Round(time.Millisecond).String(),
		Reason:    reason,
		FramesIn:  sess.framesIn.Load(),
		FramesOut: sess.framesOut.Load(),
		BytesIn:   sess.bytesIn.Load(),
		BytesOut:  sess.bytesOut.Load(),
	})
}

// setTrafficRates publica as taxas calculadas pela última janela do monitor.
func (s *Server) setTrafficRates(inMBps, outMBps float64) {
	s.rateIn.Store(math.Float64bits(inMBps))
	s.rateOut.Store(math.Float64bits(outMBps))
}

// --- observability.ServerStats ---

// StatsSnapshot retorna os contadores agregados do server.
func (s *Server) StatsSnapshot() observability.StatsData {
	return observability.StatsData{
		ActiveConns:     s.activeConns.Load(),
		JoinedClients:   s.registry.count(),
		TrafficInBytes:  s.bytesIn.Load(),
		TrafficOutBytes: s.bytesOut.Load(),
		FramesIn:        s.framesIn.Load(),
		FramesOut:       s.framesOut.Load(),
		TrafficInMBps:   math.Float64frombits(s.rateIn.Load()),
		TrafficOutMBps:  math.Float64frombits(s.rateOut.Load()),
	}
}

// SessionsSnapshot retorna o resumo de todas as sessões vivas, ordenado por
// início e id para saída estável.
func (s *Server) SessionsSnapshot() []observability.SessionSummary {
	out := make([]observability.SessionSummary, 0, 16)
	s.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*session).summary())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt != out[j].StartedAt {
			return out[i].StartedAt < out[j].StartedAt
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// SessionDetail retorna a visão detalhada de uma sessão viva.
func (s *Server) SessionDetail(id string) (*observability.SessionDetail, bool) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return nil, false
	}
	d := v.(*session).detail()
	return &d, true
}

// SessionHistorySnapshot retorna as sessões encerradas mais recentes.
func (s *Server) SessionHistorySnapshot(limit int) []observability.SessionHistoryEntry {
	if s.history == nil {
		return []observability.SessionHistoryEntry{}
	}
	return s.history.Recent(limit)
}

// ActiveSessionHistorySnapshot retorna snapshots periódicos de sessões ativas,
// opcionalmente filtrados por sessão.
func (s *Server) ActiveSessionHistorySnapshot(sessionID string, limit int) []observability.ActiveSessionSnapshotEntry {
	if s.snapshots == nil {
		return []observability.ActiveSessionSnapshotEntry{}
	}
	return s.snapshots.Recent(limit, sessionID)
}

// EventsSnapshot retorna os eventos operacionais mais recentes.
func (s *Server) EventsSnapshot(limit int) []observability.EventEntry {
	if s.events == nil {
		return []observability.EventEntry{}
	}
	return s.events.Recent(limit)
}
