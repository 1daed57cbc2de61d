// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Labels usados nas métricas.
const (
	LabelDirection = "direction"
	LabelKind      = "kind"
	LabelOp        = "op"
	LabelResult    = "result"
	LabelReason    = "reason"
	LabelEvent     = "event"
)

// Valores de direction.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Valores de result para operações de auth.
const (
	ResultOK    = "ok"
	ResultFail  = "fail"
	ResultError = "error"
)

// Metrics expõe contadores Prometheus do chat server. Todos os métodos
// aceitam receiver nil, permitindo desligar métricas sem if espalhado
// pelo código.
type Metrics struct {
	connectionsTotal prometheus.Counter
	activeConns      prometheus.Gauge
	joinedClients    prometheus.Gauge

	framesTotal *prometheus.CounterVec
	bytesTotal  *prometheus.CounterVec

	authTotal        *prometheus.CounterVec
	disconnectsTotal *prometheus.CounterVec

	fileTransfersTotal *prometheus.CounterVec

	sweepRunsTotal     prometheus.Counter
	sweptSessionsTotal prometheus.Counter

	sessionDuration prometheus.Histogram
}

// NewMetrics cria e registra as métricas do servidor.
// Com registry nil as métricas existem mas não são registradas (útil em teste).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "nchat",
				Subsystem: "server",
				Name:      "connections_total",
				Help:      "Total de conexões TCP aceitas",
			},
		),

		activeConns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nchat",
				Subsystem: "server",
				Name:      "active_connections",
				Help:      "Conexões abertas neste instante",
			},
		),

		joinedClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nchat",
				Subsystem: "server",
				Name:      "joined_clients",
				Help:      "Clientes atualmente no grupo (pós-JOIN)",
			},
		),

		framesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nchat",
				Subsystem: "server",
				Name:      "frames_total",
				Help:      "Frames por direção e tipo",
			},
			[]string{LabelDirection, LabelKind},
		),

		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nchat",
				Subsystem: "server",
				Name:      "bytes_total",
				Help:      "Bytes de payload por direção (header excluído)",
			},
			[]string{LabelDirection},
		),

		authTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nchat",
				Subsystem: "server",
				Name:      "auth_total",
				Help:      "Operações de register/login por resultado",
			},
			[]string{LabelOp, LabelResult},
		),

		disconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nchat",
				Subsystem: "server",
				Name:      "disconnects_total",
				Help:      "Sessões encerradas por motivo",
			},
			[]string{LabelReason},
		),

		fileTransfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nchat",
				Subsystem: "server",
				Name:      "file_transfers_total",
				Help:      "Transferências de arquivo por evento",
			},
			[]string{LabelEvent},
		),

		sweepRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "nchat",
				Subsystem: "server",
				Name:      "sweep_runs_total",
				Help:      "Execuções do sweeper de sessões anônimas",
			},
		),

		sweptSessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "nchat",
				Subsystem: "server",
				Name:      "swept_sessions_total",
				Help:      "Sessões anônimas removidas por inatividade",
			},
		),

		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "nchat",
				Subsystem: "server",
				Name:      "session_duration_seconds",
				Help:      "Duração de sessão entre accept e teardown",
				Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 14400, 86400},
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.connectionsTotal,
			m.activeConns,
			m.joinedClients,
			m.framesTotal,
			m.bytesTotal,
			m.authTotal,
			m.disconnectsTotal,
			m.fileTransfersTotal,
			m.sweepRunsTotal,
			m.sweptSessionsTotal,
			m.sessionDuration,
		)
	}

	return m
}

// --- Conexões ---

// ObserveConnectionOpened registra uma conexão aceita.
func (m *Metrics) ObserveConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.activeConns.Inc()
}

// ObserveConnectionClosed registra o encerramento de uma sessão e seu motivo.
func (m *Metrics) ObserveConnectionClosed(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeConns.Dec()
	m.disconnectsTotal.WithLabelValues(reason).Inc()
	m.sessionDuration.Observe(duration.Seconds())
}

// ObserveJoin registra entrada de um cliente no grupo.
func (m *Metrics) ObserveJoin() {
	if m == nil {
		return
	}
	m.joinedClients.Inc()
}

// ObserveLeave registra saída de um cliente do grupo.
func (m *Metrics) ObserveLeave() {
	if m == nil {
		return
	}
	m.joinedClients.Dec()
}

// --- Tráfego ---

// ObserveFrame registra um frame e seus bytes de payload.
func (m *Metrics) ObserveFrame(direction, kind string, bodyBytes int) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(direction, kind).Inc()
	m.bytesTotal.WithLabelValues(direction).Add(float64(bodyBytes))
}

// --- Auth ---

// ObserveAuth registra uma operação de register/login.
func (m *Metrics) ObserveAuth(op, result string) {
	if m == nil {
		return
	}
	m.authTotal.WithLabelValues(op, result).Inc()
}

// --- Arquivos ---

// ObserveFileTransfer registra um evento de transferência (started, completed, aborted).
func (m *Metrics) ObserveFileTransfer(event string) {
	if m == nil {
		return
	}
	m.fileTransfersTotal.WithLabelValues(event).Inc()
}

// --- Sweeper ---

// ObserveSweep registra uma execução do sweeper e quantas sessões removeu.
func (m *Metrics) ObserveSweep(removed int) {
	if m == nil {
		return
	}
	m.sweepRunsTotal.Inc()
	m.sweptSessionsTotal.Add(float64(removed))
}
