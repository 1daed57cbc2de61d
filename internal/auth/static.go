// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Static valida credenciais contra um arquivo YAML local. Register
// acrescenta o usuário e persiste o arquivo; o rewrite é atômico
// (tmp + rename) para não corromper o arquivo em caso de crash.
type Static struct {
	mu    sync.Mutex
	path  string
	users map[string]string
}

// usersFile é o formato do arquivo de usuários.
type usersFile struct {
	Users map[string]string `yaml:"users"`
}

// NewStatic carrega o arquivo de usuários. Arquivo inexistente inicia
// uma base vazia; o arquivo é criado no primeiro Register.
func NewStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading users file: %w", err)
	}

	var uf usersFile
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &uf); err != nil {
			return nil, fmt.Errorf("parsing users file %s: %w", path, err)
		}
	}
	if uf.Users == nil {
		uf.Users = make(map[string]string)
	}

	return &Static{path: path, users: uf.Users}, nil
}

// Login compara a credencial em tempo constante.
func (s *Static) Login(ctx context.Context, name string, credential []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.users[name]
	if !ok {
		// Compara mesmo assim para não vazar existência do usuário pelo timing.
		subtle.ConstantTimeCompare(credential, credential)
		return fmt.Errorf("%w: unknown user", ErrDenied)
	}
	if subtle.ConstantTimeCompare([]byte(stored), credential) != 1 {
		return fmt.Errorf("%w: invalid credentials", ErrDenied)
	}
	return nil
}

// Register adiciona o usuário e persiste o arquivo.
func (s *Static) Register(ctx context.Context, name string, credential []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[name]; exists {
		return fmt.Errorf("%w: name already registered", ErrDenied)
	}

	s.users[name] = string(credential)
	if err := s.persist(); err != nil {
		delete(s.users, name)
		return fmt.Errorf("persisting users file: %w", err)
	}
	return nil
}

// persist reescreve o arquivo de usuários. Deve ser chamado com s.mu travado.
func (s *Static) persist() error {
	data, err := yaml.Marshal(usersFile{Users: s.users})
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
