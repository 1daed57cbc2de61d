// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package auth faz a ponte entre os frames REGISTER/LOGIN do chat e o
// serviço de credenciais. O core trata a credencial como bytes opacos:
// nenhuma suposição sobre hash, criptografia ou armazenamento.
//
// Falhas de rede até o serviço viram _FAIL para o cliente, nunca
// encerramento de sessão.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nishisan-dev/n-chat/internal/config"
)

// ErrDenied indica credencial rejeitada pelo backend (login inválido,
// nome já registrado). Erros que NÃO embrulham ErrDenied são falhas de
// infraestrutura (serviço fora, arquivo ilegível).
var ErrDenied = errors.New("auth: denied")

// Authenticator é o contrato síncrono do adaptador de credenciais.
// Implementações devem ter timeout próprio; o caller não impõe um.
type Authenticator interface {
	Register(ctx context.Context, name string, credential []byte) error
	Login(ctx context.Context, name string, credential []byte) error
}

// New constrói o Authenticator do modo configurado.
func New(cfg config.AuthConfig, logger *slog.Logger) (Authenticator, error) {
	switch cfg.Mode {
	case "", "allow":
		return Allow{}, nil
	case "static":
		return NewStatic(cfg.UsersFile)
	case "http":
		return NewHTTP(cfg, logger)
	default:
		return nil, fmt.Errorf("auth: unknown mode %q", cfg.Mode)
	}
}

// Allow aceita qualquer credencial. É o default para ambientes de
// desenvolvimento e redes fechadas.
type Allow struct{}

func (Allow) Register(ctx context.Context, name string, credential []byte) error { return nil }
func (Allow) Login(ctx context.Context, name string, credential []byte) error    { return nil }
