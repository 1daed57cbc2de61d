// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig representa a configuração completa do nchat-server.
type ServerConfig struct {
	Server  ServerListen  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Limits  LimitsConfig  `yaml:"limits"`
	Monitor MonitorConfig `yaml:"monitor"`
	Logging LoggingInfo   `yaml:"logging"`
	WebUI   WebUIConfig   `yaml:"web_ui"`
}

// ServerListen contém o endereço de escuta e o paralelismo do server.
type ServerListen struct {
	Listen  string `yaml:"listen"`  // default: "0.0.0.0:1234"
	Threads int    `yaml:"threads"` // cap de GOMAXPROCS; 0 = 2x NumCPU (mínimo 4)
}

// AuthConfig seleciona o backend de autenticação do server.
type AuthConfig struct {
	Mode      string        `yaml:"mode"`       // allow|static|http (default: allow)
	UsersFile string        `yaml:"users_file"` // modo static: YAML nome -> credencial
	Endpoint  string        `yaml:"endpoint"`   // modo http: URL do serviço de auth
	Timeout   time.Duration `yaml:"timeout"`    // modo http (default: 5s)
	RetryMax  int           `yaml:"retry_max"`  // modo http (default: 3)
	TLS       TLSClient     `yaml:"tls"`        // modo http: mTLS opcional até o endpoint
}

// TLSClient contém os caminhos dos certificados mTLS do client HTTP de auth.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// LimitsConfig contém os limites de proteção por sessão.
type LimitsConfig struct {
	SendQueueMax    string `yaml:"send_queue_max"` // ex: "64mb" (default: 64mb)
	SendQueueMaxRaw int64  `yaml:"-"`

	// Sessões conectadas que nunca completaram JOIN são varridas após o TTL.
	AnonymousTTL  time.Duration `yaml:"anonymous_ttl"`  // default: 2m
	SweepSchedule string        `yaml:"sweep_schedule"` // cron 5 campos (default: a cada minuto)
}

// MonitorConfig configura a telemetria periódica de host e runtime.
type MonitorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"` // default: 30s
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"` // vazio = stdout

	// Socket unix datagram do nchat-loggerd; vazio desabilita o espelho.
	DatagramSocket string `yaml:"datagram_socket"`
}

// WebUIConfig configura o listener HTTP de observabilidade.
type WebUIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen"`        // default: "127.0.0.1:9847"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 15s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 60s
	AllowOrigins []string      `yaml:"allow_origins"` // IP ou CIDR (deny-by-default)
	TLS          WebUITLS      `yaml:"tls"`           // vazio = HTTP puro

	// Persistência de eventos
	EventsFile     string `yaml:"events_file"`      // default: "events.jsonl"
	EventsMaxLines int    `yaml:"events_max_lines"` // default: 10000

	// Persistência de histórico de sessões encerradas
	SessionHistoryFile     string `yaml:"session_history_file"`      // default: "session-history.jsonl"
	SessionHistoryMaxLines int    `yaml:"session_history_max_lines"` // default: 5000

	// Snapshots periódicos de sessões ativas
	ActiveSessionsFile     string        `yaml:"active_sessions_file"`      // default: "active-sessions.jsonl"
	ActiveSessionsMaxLines int           `yaml:"active_sessions_max_lines"` // default: 20000
	ActiveSnapshotInterval time.Duration `yaml:"active_snapshot_interval"`  // default: 5m

	// Parsed é preenchido em validate(); não vem do YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// WebUITLS contém os certificados do HTTPS opcional da web UI. Cert e Key
// habilitam TLS; CACert, quando presente, exige certificado de client (mTLS).
type WebUITLS struct {
	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
}

// DefaultServerConfig retorna a configuração usada quando nenhum arquivo é
// passado na linha de comando: escuta em 0.0.0.0:1234, aceita qualquer
// credencial e não expõe web UI.
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}
	// validate só falha com campos preenchidos errados; zero values viram defaults
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("config: default server config invalid: %v", err))
	}
	return cfg
}

// LoadServerConfig lê e valida o arquivo YAML de configuração do server.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = "0.0.0.0:1234"
	}
	if c.Server.Threads < 0 {
		return fmt.Errorf("server.threads must be >= 0, got %d", c.Server.Threads)
	}

	// Auth defaults e validação por modo
	if c.Auth.Mode == "" {
		c.Auth.Mode = "allow"
	}
	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	switch c.Auth.Mode {
	case "allow":
	case "static":
		if c.Auth.UsersFile == "" {
			return fmt.Errorf("auth.users_file is required when auth.mode is static")
		}
	case "http":
		if c.Auth.Endpoint == "" {
			return fmt.Errorf("auth.endpoint is required when auth.mode is http")
		}
	default:
		return fmt.Errorf("auth.mode must be allow, static or http, got %q", c.Auth.Mode)
	}
	if c.Auth.Timeout <= 0 {
		c.Auth.Timeout = 5 * time.Second
	}
	if c.Auth.RetryMax <= 0 {
		c.Auth.RetryMax = 3
	}

	// Limits defaults
	if c.Limits.SendQueueMax == "" {
		c.Limits.SendQueueMax = "64mb"
	}
	parsed, err := ParseByteSize(c.Limits.SendQueueMax)
	if err != nil {
		return fmt.Errorf("limits.send_queue_max: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("limits.send_queue_max must be > 0, got %s", c.Limits.SendQueueMax)
	}
	c.Limits.SendQueueMaxRaw = parsed
	if c.Limits.AnonymousTTL <= 0 {
		c.Limits.AnonymousTTL = 2 * time.Minute
	}
	if c.Limits.SweepSchedule == "" {
		c.Limits.SweepSchedule = "* * * * *"
	}

	if c.Monitor.Enabled && c.Monitor.Interval <= 0 {
		c.Monitor.Interval = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Web UI defaults e validação
	if c.WebUI.Enabled {
		if c.WebUI.Listen == "" {
			c.WebUI.Listen = "127.0.0.1:9847"
		}
		if c.WebUI.ReadTimeout <= 0 {
			c.WebUI.ReadTimeout = 5 * time.Second
		}
		if c.WebUI.WriteTimeout <= 0 {
			c.WebUI.WriteTimeout = 15 * time.Second
		}
		if c.WebUI.IdleTimeout <= 0 {
			c.WebUI.IdleTimeout = 60 * time.Second
		}
		if c.WebUI.EventsFile == "" {
			c.WebUI.EventsFile = "events.jsonl"
		}
		if c.WebUI.EventsMaxLines <= 0 {
			c.WebUI.EventsMaxLines = 10000
		}
		if c.WebUI.SessionHistoryFile == "" {
			c.WebUI.SessionHistoryFile = "session-history.jsonl"
		}
		if c.WebUI.SessionHistoryMaxLines <= 0 {
			c.WebUI.SessionHistoryMaxLines = 5000
		}
		if c.WebUI.ActiveSessionsFile == "" {
			c.WebUI.ActiveSessionsFile = "active-sessions.jsonl"
		}
		if c.WebUI.ActiveSessionsMaxLines <= 0 {
			c.WebUI.ActiveSessionsMaxLines = 20000
		}
		if c.WebUI.ActiveSnapshotInterval <= 0 {
			c.WebUI.ActiveSnapshotInterval = 5 * time.Minute
		}
		if len(c.WebUI.AllowOrigins) == 0 {
			return fmt.Errorf("web_ui.allow_origins is required when web_ui is enabled (deny-by-default)")
		}
		cidrs, err := ParseOrigins(c.WebUI.AllowOrigins)
		if err != nil {
			return fmt.Errorf("web_ui.allow_origins: %w", err)
		}
		c.WebUI.ParsedCIDRs = cidrs

		if (c.WebUI.TLS.Cert == "") != (c.WebUI.TLS.Key == "") {
			return fmt.Errorf("web_ui.tls requires both cert and key")
		}
		if c.WebUI.TLS.CACert != "" && c.WebUI.TLS.Cert == "" {
			return fmt.Errorf("web_ui.tls.ca_cert requires cert and key")
		}
	}

	return nil
}

// ParseOrigins converte uma lista de IPs ou CIDRs em redes. IPs isolados
// viram /32 (ou /128 para IPv6).
func ParseOrigins(origins []string) ([]*net.IPNet, error) {
	var cidrs []*net.IPNet
	for _, origin := range origins {
		_, cidr, err := net.ParseCIDR(origin)
		if err != nil {
			ip := net.ParseIP(strings.TrimSpace(origin))
			if ip == nil {
				return nil, fmt.Errorf("%q is not a valid IP or CIDR", origin)
			}
			if ip.To4() != nil {
				_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
			} else {
				_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
			}
		}
		cidrs = append(cidrs, cidr)
	}
	return cidrs, nil
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
