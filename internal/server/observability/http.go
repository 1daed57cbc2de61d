// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/nishisan-dev/n-chat/internal/config"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// ServerStats define a interface read-only que o router precisa do server.
// Isso desacopla o pacote observability do server sem expor o Server inteiro.
type ServerStats interface {
	StatsSnapshot() StatsData
	SessionsSnapshot() []SessionSummary
	SessionDetail(id string) (*SessionDetail, bool)
	SessionHistorySnapshot(limit int) []SessionHistoryEntry
	ActiveSessionHistorySnapshot(sessionID string, limit int) []ActiveSessionSnapshotEntry
	EventsSnapshot(limit int) []EventEntry
}

// NewRouter cria o http.Handler da API de observabilidade.
// Aplica middleware ACL em todas as rotas. prom serve /metrics no formato
// de exposição Prometheus; com nil a rota responde 404.
func NewRouter(stats ServerStats, cfg *config.ServerConfig, acl *ACL, prom http.Handler) http.Handler {
	mux := http.NewServeMux()

	// API v1
	mux.HandleFunc("GET /api/v1/health", handleHealth)
	mux.HandleFunc("GET /api/v1/metrics", makeMetricsHandler(stats))
	mux.HandleFunc("GET /api/v1/sessions", makeSessionsHandler(stats))
	mux.HandleFunc("GET /api/v1/sessions/history", makeSessionHistoryHandler(stats))
	mux.HandleFunc("GET /api/v1/sessions/active-history", makeActiveHistoryHandler(stats))
	mux.HandleFunc("GET /api/v1/sessions/{id}", makeSessionDetailHandler(stats))
	mux.HandleFunc("GET /api/v1/events", makeEventsHandler(stats))
	mux.HandleFunc("GET /api/v1/config/effective", makeConfigHandler(cfg))

	// Exposição Prometheus
	if prom != nil {
		mux.Handle("GET /metrics", prom)
	}

	// Página de status
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<!DOCTYPE html><html><head><title>N-Chat Observability</title></head><body><h1>N-Chat Server</h1><p>API em /api/v1; métricas Prometheus em /metrics.</p></body></html>`))
	})

	return acl.Middleware(mux)
}

// handleHealth retorna status do processo, uptime, versão e runtime stats.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	resp := HealthResponse{
		Status:  "ok",
		Uptime:  time.Since(startTime).String(),
		Version: Version,
		Go:      runtime.Version(),
		Stats: &RuntimeStats{
			GoRoutines:  runtime.NumGoroutine(),
			CPUCores:    runtime.NumCPU(),
			HeapAllocMB: float64(ms.HeapAlloc) / (1024 * 1024),
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

// makeMetricsHandler retorna os contadores agregados do server em JSON.
func makeMetricsHandler(stats ServerStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := stats.StatsSnapshot()
		resp := MetricsResponse{
			ActiveConns:     data.ActiveConns,
			JoinedClients:   data.JoinedClients,
			TrafficInBytes:  data.TrafficInBytes,
			TrafficOutBytes: data.TrafficOutBytes,
			FramesIn:        data.FramesIn,
			FramesOut:       data.FramesOut,
			TrafficInMBps:   data.TrafficInMBps,
			TrafficOutMBps:  data.TrafficOutMBps,
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func makeSessionsHandler(stats ServerStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := stats.SessionsSnapshot()
		if sessions == nil {
			sessions = []SessionSummary{}
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

func makeSessionDetailHandler(stats ServerStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		detail, ok := stats.SessionDetail(id)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	}
}

func makeSessionHistoryHandler(stats ServerStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := stats.SessionHistorySnapshot(parseLimit(r, 100))
		if entries == nil {
			entries = []SessionHistoryEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func makeActiveHistoryHandler(stats ServerStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		entries := stats.ActiveSessionHistorySnapshot(sessionID, parseLimit(r, 100))
		if entries == nil {
			entries = []ActiveSessionSnapshotEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func makeEventsHandler(stats ServerStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events := stats.EventsSnapshot(parseLimit(r, 100))
		if events == nil {
			events = []EventEntry{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}

// makeConfigHandler expõe a configuração efetiva (visão segura, sem credenciais).
func makeConfigHandler(cfg *config.ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := ConfigEffective{
			ServerListen:  cfg.Server.Listen,
			Threads:       cfg.Server.Threads,
			WebUIListen:   cfg.WebUI.Listen,
			AuthMode:      cfg.Auth.Mode,
			SendQueueMax:  cfg.Limits.SendQueueMax,
			AnonymousTTL:  cfg.Limits.AnonymousTTL.String(),
			SweepSchedule: cfg.Limits.SweepSchedule,
			LogLevel:      cfg.Logging.Level,
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// parseLimit extrai ?limit= da query; def quando ausente ou inválido.
func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
