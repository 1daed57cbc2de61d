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

// LoggerdConfig representa a configuração completa do nchat-loggerd, o
// daemon que recebe registros de log por unix datagram e os persiste em
// arquivos diários.
type LoggerdConfig struct {
	Socket   string         `yaml:"socket"` // default: "/tmp/loggerd.sock"
	Dir      string         `yaml:"dir"`    // default: "."
	Rotation RotationConfig `yaml:"rotation"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Logging  LoggingInfo    `yaml:"logging"`
}

// RotationConfig configura a compressão e retenção dos arquivos diários.
type RotationConfig struct {
	Compress   string `yaml:"compress"`     // gzip|zst|none (default: gzip)
	MaxAgeDays int    `yaml:"max_age_days"` // default: 14
	Schedule   string `yaml:"schedule"`     // cron 5 campos (default: "5 0 * * *")
}

// FileExtension retorna a extensão dos arquivos rotacionados.
func (r RotationConfig) FileExtension() string {
	switch r.Compress {
	case "zst":
		return ".zst"
	case "gzip":
		return ".gz"
	default:
		return ""
	}
}

// ArchiveConfig configura o upload dos arquivos rotacionados para um bucket
// S3-compatible antes da retenção apagá-los localmente.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"` // vazio = AWS
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Remove o arquivo local logo após o upload, sem esperar a retenção.
	DeleteAfterUpload bool `yaml:"delete_after_upload"`
}

// LoadLoggerdConfig lê e valida o arquivo YAML de configuração do loggerd.
// Um path vazio retorna a configuração default.
func LoadLoggerdConfig(path string) (*LoggerdConfig, error) {
	var cfg LoggerdConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading loggerd config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing loggerd config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating loggerd config: %w", err)
	}

	return &cfg, nil
}

func (c *LoggerdConfig) validate() error {
	if c.Socket == "" {
		c.Socket = "/tmp/loggerd.sock"
	}
	if c.Dir == "" {
		c.Dir = "."
	}

	if c.Rotation.Compress == "" {
		c.Rotation.Compress = "gzip"
	}
	c.Rotation.Compress = strings.ToLower(strings.TrimSpace(c.Rotation.Compress))
	if c.Rotation.Compress != "gzip" && c.Rotation.Compress != "zst" && c.Rotation.Compress != "none" {
		return fmt.Errorf("rotation.compress must be gzip, zst or none, got %q", c.Rotation.Compress)
	}
	if c.Rotation.MaxAgeDays < 0 {
		return fmt.Errorf("rotation.max_age_days must be >= 0, got %d", c.Rotation.MaxAgeDays)
	}
	if c.Rotation.MaxAgeDays == 0 {
		c.Rotation.MaxAgeDays = 14
	}
	if c.Rotation.Schedule == "" {
		c.Rotation.Schedule = "5 0 * * *"
	}

	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archive is enabled")
		}
		if c.Archive.Region == "" {
			c.Archive.Region = "us-east-1"
		}
		if (c.Archive.AccessKeyID == "") != (c.Archive.SecretAccessKey == "") {
			return fmt.Errorf("archive.access_key_id and archive.secret_access_key must be set together")
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	return nil
}

// RetentionCutoff calcula o instante antes do qual arquivos rotacionados
// podem ser apagados.
func (r RotationConfig) RetentionCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -r.MaxAgeDays)
}
