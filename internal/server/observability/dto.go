// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

// HealthResponse é retornado por GET /api/v1/health.
type HealthResponse struct {
	Status  string        `json:"status"`
	Uptime  string        `json:"uptime"`
	Version string        `json:"version"`
	Go      string        `json:"go"`
	Stats   *RuntimeStats `json:"stats,omitempty"`
}

// RuntimeStats expõe estado do runtime Go no health check.
type RuntimeStats struct {
	GoRoutines  int     `json:"goroutines"`
	CPUCores    int     `json:"cpu_cores"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
}

// StatsData contém os contadores agregados coletados do server.
type StatsData struct {
	ActiveConns   int32
	JoinedClients int

	// Acumulados desde o start do processo.
	TrafficInBytes  int64
	TrafficOutBytes int64
	FramesIn        int64
	FramesOut       int64

	// Taxas da última janela do monitor; zero quando o monitor está desligado.
	TrafficInMBps  float64
	TrafficOutMBps float64
}

// MetricsResponse é retornado por GET /api/v1/metrics.
type MetricsResponse struct {
	ActiveConns     int32   `json:"active_conns"`
	JoinedClients   int     `json:"joined_clients"`
	TrafficInBytes  int64   `json:"traffic_in_bytes"`
	TrafficOutBytes int64   `json:"traffic_out_bytes"`
	FramesIn        int64   `json:"frames_in"`
	FramesOut       int64   `json:"frames_out"`
	TrafficInMBps   float64 `json:"traffic_in_mbps,omitempty"`
	TrafficOutMBps  float64 `json:"traffic_out_mbps,omitempty"`
}

// SessionSummary é usado na lista de GET /api/v1/sessions.
type SessionSummary struct {
	SessionID    string `json:"session_id"`
	Name         string `json:"name,omitempty"` // vazio enquanto anônima
	Remote       string `json:"remote"`
	State        string `json:"state"` // anonymous | joined
	StartedAt    string `json:"started_at"`
	LastActivity string `json:"last_activity"`
	FramesIn     int64  `json:"frames_in"`
	FramesOut    int64  `json:"frames_out"`
	BytesIn      int64  `json:"bytes_in"`
	BytesOut     int64  `json:"bytes_out"`
	QueueFrames  int    `json:"queue_frames"`
	QueueBytes   int64  `json:"queue_bytes"`
	FileName     string `json:"file_name,omitempty"` // transferência em andamento
	Status       string `json:"status"`              // running | idle
}

// SessionDetail é retornado por GET /api/v1/sessions/{id}.
type SessionDetail struct {
	SessionSummary
	Transfer *TransferDetail `json:"transfer,omitempty"`
}

// TransferDetail representa a transferência de arquivo em andamento numa sessão.
type TransferDetail struct {
	FileName      string  `json:"file_name"`
	FileSize      int64   `json:"file_size"`
	ReceivedBytes int64   `json:"received_bytes"`
	Percent       float64 `json:"percent"`
	StartedAt     string  `json:"started_at"`
}

// SessionHistoryEntry representa uma sessão encerrada.
type SessionHistoryEntry struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name,omitempty"`
	Remote    string `json:"remote"`
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at"`
	Duration  string `json:"duration"`
	Reason    string `json:"reason"` // exit | peer_closed | io_error | violation | collision | queue_overflow | swept | shutdown
	FramesIn  int64  `json:"frames_in"`
	FramesOut int64  `json:"frames_out"`
	BytesIn   int64  `json:"bytes_in"`
	BytesOut  int64  `json:"bytes_out"`
}

// EventEntry representa um evento operacional no ring buffer.
type EventEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"` // info | warn | error
	Type      string `json:"type"`  // connect | auth | join | join_rejected | exit | disconnect | file_start | file_end | violation | queue_overflow | sweep
	Session   string `json:"session,omitempty"`
	Name      string `json:"name,omitempty"`
	Message   string `json:"message"`
}

// ConfigEffective é retornado por GET /api/v1/config/effective.
type ConfigEffective struct {
	ServerListen  string `json:"server_listen"`
	Threads       int    `json:"threads"`
	WebUIListen   string `json:"web_ui_listen"`
	AuthMode      string `json:"auth_mode"`
	SendQueueMax  string `json:"send_queue_max"`
	AnonymousTTL  string `json:"anonymous_ttl"`
	SweepSchedule string `json:"sweep_schedule"`
	LogLevel      string `json:"log_level"`
}
