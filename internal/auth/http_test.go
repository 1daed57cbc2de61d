// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-chat/internal/config"
)

// capturedRequest guarda o que o serviço fake recebeu.
type capturedRequest struct {
	ContentType string
	Body        authRequest
}

func newHTTPAuth(t *testing.T, endpoint string) *HTTP {
	t.Helper()
	h, err := NewHTTP(config.AuthConfig{
		Mode:     "http",
		Endpoint: endpoint,
		Timeout:  2 * time.Second,
		RetryMax: 0, // sem retries nos testes para falhar rápido
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	return h
}

func TestHTTP_LoginOK(t *testing.T) {
	var mu sync.Mutex
	var got capturedRequest

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		got.ContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got.Body); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(authResponse{OK: true})
	}))
	defer ts.Close()

	h := newHTTPAuth(t, ts.URL)
	if err := h.Login(context.Background(), "alice", []byte("s3cret")); err != nil {
		t.Fatalf("Login: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.ContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got.ContentType)
	}
	if got.Body.Op != "login" {
		t.Errorf("op = %q, want login", got.Body.Op)
	}
	if got.Body.Name != "alice" {
		t.Errorf("name = %q, want alice", got.Body.Name)
	}
	if !bytes.Equal(got.Body.Credential, []byte("s3cret")) {
		t.Errorf("credential = %q, want s3cret", got.Body.Credential)
	}
}

func TestHTTP_RegisterSendsRegisterOp(t *testing.T) {
	var mu sync.Mutex
	var gotOp string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req authRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		gotOp = req.Op
		mu.Unlock()
		json.NewEncoder(w).Encode(authResponse{OK: true})
	}))
	defer ts.Close()

	h := newHTTPAuth(t, ts.URL)
	if err := h.Register(context.Background(), "bob", []byte("pw")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotOp != "register" {
		t.Errorf("op = %q, want register", gotOp)
	}
}

func TestHTTP_DeniedByBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(authResponse{OK: false, Message: "bad password"})
	}))
	defer ts.Close()

	h := newHTTPAuth(t, ts.URL)
	err := h.Login(context.Background(), "alice", []byte("wrong"))
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	if !strings.Contains(err.Error(), "bad password") {
		t.Errorf("error %q should carry the service message", err)
	}
}

func TestHTTP_DeniedByStatus(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		h := newHTTPAuth(t, ts.URL)
		err := h.Login(context.Background(), "alice", []byte("pw"))
		ts.Close()

		if !errors.Is(err, ErrDenied) {
			t.Fatalf("status %d: expected ErrDenied, got %v", status, err)
		}
	}
}

func TestHTTP_ServerErrorIsNotDenial(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	h := newHTTPAuth(t, ts.URL)
	err := h.Login(context.Background(), "alice", []byte("pw"))
	if err == nil {
		t.Fatal("expected error on 500")
	}
	if errors.Is(err, ErrDenied) {
		t.Fatalf("infra failure must not map to ErrDenied: %v", err)
	}
}

func TestHTTP_UnreachableServiceIsNotDenial(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // derruba o serviço antes da chamada

	h := newHTTPAuth(t, ts.URL)
	err := h.Login(context.Background(), "alice", []byte("pw"))
	if err == nil {
		t.Fatal("expected error on unreachable service")
	}
	if errors.Is(err, ErrDenied) {
		t.Fatalf("network failure must not map to ErrDenied: %v", err)
	}
}
