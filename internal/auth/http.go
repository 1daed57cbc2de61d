// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/nishisan-dev/n-chat/internal/config"
	"github.com/nishisan-dev/n-chat/internal/pki"
)

// HTTP encaminha login/register a um serviço externo de credenciais via
// POST JSON. Retries com backoff ficam por conta do retryablehttp; o
// timeout por tentativa vem da config.
type HTTP struct {
	client   *retryablehttp.Client
	endpoint string
}

// authRequest é o corpo enviado ao serviço. Credential vira base64 no JSON.
type authRequest struct {
	Op         string `json:"op"` // login | register
	Name       string `json:"name"`
	Credential []byte `json:"credential"`
}

// authResponse é o veredito do serviço.
type authResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// NewHTTP cria o adaptador HTTP. Com cfg.TLS.CACert preenchido a conexão
// até o serviço usa mTLS.
func NewHTTP(cfg config.AuthConfig, logger *slog.Logger) (*HTTP, error) {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = leveledLogger{logger}

	if cfg.TLS.CACert != "" {
		tlsCfg, err := pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("configuring auth mTLS: %w", err)
		}
		rc.HTTPClient.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}

	return &HTTP{client: rc, endpoint: cfg.Endpoint}, nil
}

// Login valida credenciais no serviço remoto.
func (h *HTTP) Login(ctx context.Context, name string, credential []byte) error {
	return h.call(ctx, "login", name, credential)
}

// Register registra o usuário no serviço remoto.
func (h *HTTP) Register(ctx context.Context, name string, credential []byte) error {
	return h.call(ctx, "register", name, credential)
}

func (h *HTTP) call(ctx context.Context, op, name string, credential []byte) error {
	body, err := json.Marshal(authRequest{Op: op, Name: name, Credential: credential})
	if err != nil {
		return fmt.Errorf("encoding auth request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling auth service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: service rejected %s for %q", ErrDenied, op, name)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("auth service returned status %d", resp.StatusCode)
	}

	var ar authResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return fmt.Errorf("decoding auth response: %w", err)
	}
	if !ar.OK {
		if ar.Message == "" {
			ar.Message = "credentials rejected"
		}
		return fmt.Errorf("%w: %s", ErrDenied, ar.Message)
	}
	return nil
}

// leveledLogger adapta *slog.Logger para o LeveledLogger do retryablehttp.
type leveledLogger struct {
	l *slog.Logger
}

func (w leveledLogger) Error(msg string, kv ...interface{}) { w.l.Error(msg, kv...) }
func (w leveledLogger) Warn(msg string, kv ...interface{})  { w.l.Warn(msg, kv...) }
func (w leveledLogger) Info(msg string, kv ...interface{})  { w.l.Debug(msg, kv...) }
func (w leveledLogger) Debug(msg string, kv ...interface{}) { w.l.Debug(msg, kv...) }
