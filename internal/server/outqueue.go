// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"errors"
	"sync"
)

// Erros da outQueue.
var (
	ErrQueueClosed   = errors.New("outqueue: closed")
	ErrQueueOverflow = errors.New("outqueue: byte budget exceeded")
)

// outQueue é a fila FIFO de frames de saída de uma sessão. O produtor é
// qualquer goroutine fazendo broadcast ou respondendo a sessão; o consumidor
// é a writer goroutine da própria sessão.
//
// O limite é em bytes, não em frames: um receptor lento acumulando mais que
// o budget configurado é desconectado em vez de travar os remetentes.
type outQueue struct {
	mu       sync.Mutex
	notEmpty sync.Cond

	frames [][]byte
	bytes  int64
	max    int64
	closed bool
}

// newOutQueue cria uma fila com o budget de bytes especificado.
func newOutQueue(max int64) *outQueue {
	q := &outQueue{max: max}
	q.notEmpty.L = &q.mu
	return q
}

// push enfileira um frame sem bloquear. Retorna ErrQueueOverflow quando o
// frame não cabe no budget e ErrQueueClosed depois de close().
func (q *outQueue) push(frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.bytes+int64(len(frame)) > q.max {
		return ErrQueueOverflow
	}

	q.frames = append(q.frames, frame)
	q.bytes += int64(len(frame))
	q.notEmpty.Signal()
	return nil
}

// pop bloqueia até haver um frame ou a fila fechar. O segundo retorno é
// false quando a fila foi fechada; frames ainda enfileirados são descartados,
// entrega é best-effort.
func (q *outQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}

	if q.closed {
		return nil, false
	}

	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	q.bytes -= int64(len(frame))
	return frame, true
}

// close fecha a fila e acorda o consumidor. Idempotente.
func (q *outQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.frames = nil
	q.bytes = 0
	q.notEmpty.Broadcast()
}

// depth retorna a ocupação atual (frames e bytes) para telemetria.
func (q *outQueue) depth() (int, int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames), q.bytes
}
