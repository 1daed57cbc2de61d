// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nishisan-dev/n-chat/internal/config"
)

// mockStats implementa ServerStats para testes.
type mockStats struct {
	data      StatsData
	sessions  []SessionSummary
	details   map[string]*SessionDetail
	history   []SessionHistoryEntry
	snapshots []ActiveSessionSnapshotEntry
	events    []EventEntry
}

func (m *mockStats) StatsSnapshot() StatsData           { return m.data }
func (m *mockStats) SessionsSnapshot() []SessionSummary { return m.sessions }
func (m *mockStats) SessionDetail(id string) (*SessionDetail, bool) {
	if m.details == nil {
		return nil, false
	}
	d, ok := m.details[id]
	return d, ok
}
func (m *mockStats) SessionHistorySnapshot(limit int) []SessionHistoryEntry { return m.history }
func (m *mockStats) ActiveSessionHistorySnapshot(sessionID string, limit int) []ActiveSessionSnapshotEntry {
	return m.snapshots
}
func (m *mockStats) EventsSnapshot(limit int) []EventEntry { return m.events }

func newMockStats() *mockStats {
	return &mockStats{
		sessions: []SessionSummary{},
		details:  map[string]*SessionDetail{},
	}
}

func testCfg() *config.ServerConfig {
	return &config.ServerConfig{
		Server:  config.ServerListen{Listen: "0.0.0.0:1234", Threads: 8},
		Auth:    config.AuthConfig{Mode: "allow"},
		Limits:  config.LimitsConfig{SendQueueMax: "64mb", AnonymousTTL: 2 * time.Minute, SweepSchedule: "* * * * *"},
		WebUI:   config.WebUIConfig{Listen: "127.0.0.1:9847"},
		Logging: config.LoggingInfo{Level: "info"},
	}
}

func localhostACL(t *testing.T) *ACL {
	t.Helper()
	return NewACL(parseCIDRs(t, "127.0.0.1/32"))
}

func TestHealth_ReturnsOK(t *testing.T) {
	router := NewRouter(newMockStats(), testCfg(), localhostACL(t), nil)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got %v", resp.Status)
	}
	if resp.Uptime == "" {
		t.Error("expected uptime field")
	}
	if resp.Version == "" {
		t.Error("expected version field")
	}

	if resp.Stats == nil {
		t.Fatal("expected stats field in health response")
	}
	if resp.Stats.GoRoutines <= 0 {
		t.Errorf("expected goroutines > 0, got %d", resp.Stats.GoRoutines)
	}
	if resp.Stats.CPUCores <= 0 {
		t.Errorf("expected cpu_cores > 0, got %d", resp.Stats.CPUCores)
	}
	if resp.Stats.HeapAllocMB <= 0 {
		t.Errorf("expected heap_alloc_mb > 0, got %f", resp.Stats.HeapAllocMB)
	}
}

func TestMetrics_ReturnsData(t *testing.T) {
	mock := newMockStats()
	mock.data = StatsData{
		ActiveConns:     3,
		JoinedClients:   2,
		TrafficInBytes:  1024 * 1024,
		TrafficOutBytes: 3 * 1024 * 1024,
		FramesIn:        40,
		FramesOut:       120,
	}
	router := NewRouter(mock, testCfg(), localhostACL(t), nil)

	req := httptest.NewRequest("GET", "/api/v1/metrics", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp MetricsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.TrafficInBytes != 1024*1024 {
		t.Errorf("expected traffic_in_bytes %d, got %d", 1024*1024, resp.TrafficInBytes)
	}
	if resp.ActiveConns != 3 {
		t.Errorf("expected active_conns 3, got %d", resp.ActiveConns)
	}
	if resp.JoinedClients != 2 {
		t.Errorf("expected joined_clients 2, got %d", resp.JoinedClients)
	}
	if resp.FramesOut != 120 {
		t.Errorf("expected frames_out 120, got %d", resp.FramesOut)
	}
}

func TestPrometheusMetrics_ReturnsTextFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ObserveConnectionOpened()
	m.ObserveConnectionOpened()
	m.ObserveJoin()
	m.ObserveFrame(DirectionIn, "GROUP_MSG", 128)
	m.ObserveAuth("login", ResultOK)

	prom := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	router := NewRouter(newMockStats(), testCfg(), localhostACL(t), prom)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected text/plain content type, got %q", got)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"# HELP nchat_server_active_connections",
		"nchat_server_active_connections 2",
		"nchat_server_connections_total 2",
		"nchat_server_joined_clients 1",
		`nchat_server_frames_total{direction="in",kind="GROUP_MSG"} 1`,
		`nchat_server_bytes_total{direction="in"} 128`,
		`nchat_server_auth_total{op="login",result="ok"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics body to contain %q\nbody:\n%s", want, body)
		}
	}
}

func TestPrometheusMetrics_NilHandlerReturns404(t *testing.T) {
	router := NewRouter(newMockStats(), testCfg(), localhostACL(t), nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 with nil prometheus handler, got %d", rec.Code)
	}
}

func TestSessions_EmptyList(t *testing.T) {
	router := NewRouter(newMockStats(), testCfg(), localhostACL(t), nil)

	req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp []SessionSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp) != 0 {
		t.Errorf("expected empty sessions, got %d", len(resp))
	}
}

func TestSessions_WithData(t *testing.T) {
	mock := newMockStats()
	mock.sessions = []SessionSummary{
		{SessionID: "abc123", Name: "alice", State: "joined", FramesIn: 42, Status: "running"},
	}
	router := NewRouter(mock, testCfg(), localhostACL(t), nil)

	req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp []SessionSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected 1 session, got %d", len(resp))
	}
	if resp[0].SessionID != "abc123" {
		t.Errorf("expected session abc123, got %s", resp[0].SessionID)
	}
	if resp[0].Name != "alice" {
		t.Errorf("expected name alice, got %s", resp[0].Name)
	}
}

func TestSessionDetail_NotFound(t *testing.T) {
	router := NewRouter(newMockStats(), testCfg(), localhostACL(t), nil)

	req := httptest.NewRequest("GET", "/api/v1/sessions/nonexistent", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestSessionDetail_Found(t *testing.T) {
	mock := newMockStats()
	mock.details["abc123"] = &SessionDetail{
		SessionSummary: SessionSummary{
			SessionID: "abc123", Name: "alice", State: "joined", Status: "running",
		},
		Transfer: &TransferDetail{
			FileName:      "relatorio.pdf",
			FileSize:      2048,
			ReceivedBytes: 1024,
			Percent:       50.0,
		},
	}
	router := NewRouter(mock, testCfg(), localhostACL(t), nil)

	req := httptest.NewRequest("GET", "/api/v1/sessions/abc123", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp SessionDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.SessionID != "abc123" {
		t.Errorf("expected session abc123, got %s", resp.SessionID)
	}
	if resp.Transfer == nil || resp.Transfer.Percent != 50.0 {
		t.Errorf("expected transfer at 50%%, got %+v", resp.Transfer)
	}
}

func TestSessionHistory_ReturnsEntries(t *testing.T) {
	mock := newMockStats()
	mock.history = []SessionHistoryEntry{
		{SessionID: "s-old", Name: "bob", Reason: "exit", Duration: "5m0s"},
	}
	router := NewRouter(mock, testCfg(), localhostACL(t), nil)

	req := httptest.NewRequest("GET", "/api/v1/sessions/history?limit=10", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp []SessionHistoryEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp) != 1 || resp[0].Reason != "exit" {
		t.Fatalf("expected 1 history entry with reason 'exit', got %+v", resp)
	}
}

func TestActiveSessionHistory_ReturnsArray(t *testing.T) {
	router := NewRouter(newMockStats(), testCfg(), localhostACL(t), nil)

	req := httptest.NewRequest("GET", "/api/v1/sessions/active-history?limit=10", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp []ActiveSessionSnapshotEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp) != 0 {
		t.Fatalf("expected empty array, got %d", len(resp))
	}
}

func TestEvents_ReturnsEntries(t *testing.T) {
	mock := newMockStats()
	mock.events = []EventEntry{
		{Level: "info", Type: "join", Session: "s-1", Name: "alice", Message: "client joined"},
	}
	router := NewRouter(mock, testCfg(), localhostACL(t), nil)

	req := httptest.NewRequest("GET", "/api/v1/events?limit=50", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp []EventEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp) != 1 || resp[0].Type != "join" {
		t.Fatalf("expected 1 'join' event, got %+v", resp)
	}
}

func TestConfigEffective(t *testing.T) {
	router := NewRouter(newMockStats(), testCfg(), localhostACL(t), nil)

	req := httptest.NewRequest("GET", "/api/v1/config/effective", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp ConfigEffective
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.ServerListen != "0.0.0.0:1234" {
		t.Errorf("expected server_listen '0.0.0.0:1234', got %q", resp.ServerListen)
	}
	if resp.WebUIListen != "127.0.0.1:9847" {
		t.Errorf("expected web_ui_listen '127.0.0.1:9847', got %q", resp.WebUIListen)
	}
	if resp.AuthMode != "allow" {
		t.Errorf("expected auth_mode 'allow', got %q", resp.AuthMode)
	}
	if resp.AnonymousTTL != "2m0s" {
		t.Errorf("expected anonymous_ttl '2m0s', got %q", resp.AnonymousTTL)
	}
}

func TestACL_BlocksHealthEndpoint(t *testing.T) {
	// ACL só permite 10.0.0.0/8
	acl := NewACL([]*net.IPNet{
		mustParseCIDR("10.0.0.0/8"),
	})
	router := NewRouter(newMockStats(), testCfg(), acl, nil)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.RemoteAddr = "192.168.1.1:12345" // não permitido
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestRoot_ReturnsStatusPage(t *testing.T) {
	router := NewRouter(newMockStats(), testCfg(), localhostACL(t), nil)

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("expected Content-Type text/html, got %q", ct)
	}
}

func TestNotFound_Returns404(t *testing.T) {
	router := NewRouter(newMockStats(), testCfg(), localhostACL(t), nil)

	req := httptest.NewRequest("GET", "/nonexistent", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func mustParseCIDR(s string) *net.IPNet {
	_, cidr, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return cidr
}
