// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"sort"
	"sync"
)

// registry mapeia nomes de chat para sessões que completaram JOIN. Sessões
// anônimas (conectadas mas sem JOIN) não aparecem aqui.
//
// Broadcast tira um snapshot das sessões sob lock e envia fora dele: um
// receptor lento nunca segura o lock do registry.
type registry struct {
	mu     sync.RWMutex
	byName map[string]*session
}

func newRegistry() *registry {
	return &registry{byName: make(map[string]*session)}
}

// addAndPeers registra a sessão sob o nome proposto e retorna os nomes já
// online, em uma única seção crítica. Retorna ok=false quando o nome já está
// em uso; nesse caso nada é registrado.
//
// Coletar os peers na mesma seção crítica garante que o INITIAL do recém-
// chegado e os JOINs que ele passa a receber não percam ninguém.
func (r *registry) addAndPeers(name string, s *session) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byName[name]; taken {
		return nil, false
	}

	peers := make([]string, 0, len(r.byName))
	for n := range r.byName {
		peers = append(peers, n)
	}
	sort.Strings(peers)

	r.byName[name] = s
	return peers, true
}

// remove desregistra o nome apenas se ainda apontar para a mesma sessão.
// Retorna true se a sessão estava registrada.
func (r *registry) remove(name string, s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byName[name]; ok && cur == s {
		delete(r.byName, name)
		return true
	}
	return false
}

// snapshot retorna as sessões registradas, excluindo a origem.
func (r *registry) snapshot(exclude *session) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]*session, 0, len(r.byName))
	for _, s := range r.byName {
		if s != exclude {
			targets = append(targets, s)
		}
	}
	return targets
}

// names retorna os nomes online em ordem alfabética.
func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// count retorna o número de sessões registradas.
func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
