// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadTestConfig representa a configuração do nchat-loadtest.
type LoadTestConfig struct {
	Target   string        `yaml:"target"`   // default: "127.0.0.1:1234"
	Clients  int           `yaml:"clients"`  // default: 4
	Rate     float64       `yaml:"rate"`     // operações/s por client (default: 100)
	Burst    int           `yaml:"burst"`    // default: 1
	Duration time.Duration `yaml:"duration"` // default: 10s
	Prefix   string        `yaml:"prefix"`   // prefixo dos nomes (default: "loadtest")

	// Mode escolhe a operação medida: ping (latência de eco), chat
	// (GROUP_MSG broadcast) ou file (transferência em chunks).
	Mode        string `yaml:"mode"`         // ping|chat|file (default: ping)
	PayloadSize int    `yaml:"payload_size"` // corpo em ping/chat, bytes (default: 64)

	// Modo file
	FileSize     string `yaml:"file_size"`  // ex: "4mb" (default: 4mb)
	FileSizeRaw  int64  `yaml:"-"`
	ChunkSize    string `yaml:"chunk_size"` // ex: "64kb" (default: 64kb)
	ChunkSizeRaw int64  `yaml:"-"`

	// Limite de banda do envio de arquivos; 0 desabilita o throttle.
	ThrottleBytesPerSec int64 `yaml:"throttle_bytes_per_sec"`

	Logging LoggingInfo `yaml:"logging"`
}

// LoadLoadTestConfig lê e valida o arquivo YAML do loadtest. Um path vazio
// retorna a configuração default.
func LoadLoadTestConfig(path string) (*LoadTestConfig, error) {
	var cfg LoadTestConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading loadtest config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing loadtest config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating loadtest config: %w", err)
	}

	return &cfg, nil
}

func (c *LoadTestConfig) validate() error {
	if c.Target == "" {
		c.Target = "127.0.0.1:1234"
	}
	if c.Clients < 0 {
		return fmt.Errorf("clients must be >= 0, got %d", c.Clients)
	}
	if c.Clients == 0 {
		c.Clients = 4
	}
	if c.Rate < 0 {
		return fmt.Errorf("rate must be >= 0, got %f", c.Rate)
	}
	if c.Rate == 0 {
		c.Rate = 100
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Duration <= 0 {
		c.Duration = 10 * time.Second
	}
	if c.Prefix == "" {
		c.Prefix = "loadtest"
	}

	if c.Mode == "" {
		c.Mode = "ping"
	}
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode != "ping" && c.Mode != "chat" && c.Mode != "file" {
		return fmt.Errorf("mode must be ping, chat or file, got %q", c.Mode)
	}
	if c.PayloadSize < 0 {
		return fmt.Errorf("payload_size must be >= 0, got %d", c.PayloadSize)
	}
	if c.PayloadSize == 0 {
		c.PayloadSize = 64
	}

	if c.FileSize == "" {
		c.FileSize = "4mb"
	}
	parsed, err := ParseByteSize(c.FileSize)
	if err != nil {
		return fmt.Errorf("file_size: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("file_size must be > 0, got %s", c.FileSize)
	}
	c.FileSizeRaw = parsed

	if c.ChunkSize == "" {
		c.ChunkSize = "64kb"
	}
	parsed, err = ParseByteSize(c.ChunkSize)
	if err != nil {
		return fmt.Errorf("chunk_size: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("chunk_size must be > 0, got %s", c.ChunkSize)
	}
	c.ChunkSizeRaw = parsed

	if c.ThrottleBytesPerSec < 0 {
		return fmt.Errorf("throttle_bytes_per_sec must be >= 0, got %d", c.ThrottleBytesPerSec)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	return nil
}
