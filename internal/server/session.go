// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/nishisan-dev/n-chat/internal/auth"
	"github.com/nishisan-dev/n-chat/internal/protocol"
	"github.com/nishisan-dev/n-chat/internal/server/observability"
)

// readBufferSize é o tamanho do buffer de leitura por conexão.
const readBufferSize = 64 * 1024

// frameWriteTimeout é o deadline de write por frame. Um peer que não drena
// um frame inteiro nesse prazo é considerado morto; a fila limitada cobre o
// caso do peer lento porém vivo.
const frameWriteTimeout = 60 * time.Second

// Motivos de encerramento de sessão. Aparecem nos logs, no histórico de
// sessões e no label reason das métricas de disconnect.
const (
	reasonExit          = "exit"
	reasonPeerClosed    = "peer_closed"
	reasonIOError       = "io_error"
	reasonViolation     = "violation"
	reasonCollision     = "collision"
	reasonQueueOverflow = "queue_overflow"
	reasonSwept         = "swept"
	reasonShutdown      = "shutdown"
)

// fileTransfer é o substate de recepção de arquivo de uma sessão. Pertence à
// read goroutine; o mutex da sessão só protege leituras feitas por snapshots.
type fileTransfer struct {
	name      string
	size      uint64
	received  uint64
	startedAt time.Time
}

// session é o estado server-side de uma conexão de chat. A read goroutine
// dirige a máquina de estados do protocolo; a writer goroutine drena a fila
// de saída. Nenhuma das duas bloqueia a outra.
type session struct {
	id     string
	conn   net.Conn
	remote string
	srv    *Server
	logger *slog.Logger

	queue *outQueue

	mu       sync.Mutex
	name     string // vazio até JOIN aceito
	closed   bool
	transfer *fileTransfer

	createdAt    time.Time
	lastActivity atomic.Int64 // UnixNano do último frame recebido

	framesIn  atomic.Int64
	framesOut atomic.Int64
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64

	closeOnce sync.Once
}

func newSession(srv *Server, conn net.Conn, id string) *session {
	s := &session{
		id:        id,
		conn:      conn,
		remote:    conn.RemoteAddr().String(),
		srv:       srv,
		logger:    srv.logger.With("session", id, "remote", conn.RemoteAddr().String()),
		queue:     newOutQueue(srv.cfg.Limits.SendQueueMaxRaw),
		createdAt: time.Now(),
	}
	s.lastActivity.Store(s.createdAt.UnixNano())
	return s
}

// generateSessionID gera um ID único para a sessão de chat.
func generateSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	// Formato UUID v4
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16]), nil
}

// --- Read path ---

// readLoop lê e despacha frames até a conexão encerrar. Retorna o motivo do
// encerramento; o caller executa o teardown.
//
// Leituras bloqueantes com io.ReadFull em uma goroutine dedicada tornam o
// parsing prefix-closed por construção: header e body chegam inteiros na
// ordem do stream, independente de como o TCP segmentou.
func (s *session) readLoop() string {
	r := bufio.NewReaderSize(s.conn, readBufferSize)

	for {
		h, err := protocol.ReadHeader(r)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return reasonPeerClosed
			case errors.Is(err, protocol.ErrBodyTooLarge):
				s.logger.Warn("frame length over limit, disconnecting",
					"sender", h.Sender, "kind", h.Kind.String(), "length", h.Length)
				s.srv.pushEvent("warn", "violation", s.id, s.currentName(),
					fmt.Sprintf("declared body of %d bytes exceeds limit", h.Length))
				return reasonViolation
			default:
				if s.isClosed() {
					return reasonShutdown
				}
				s.logger.Error("reading frame header", "error", err)
				return reasonIOError
			}
		}

		body, err := protocol.ReadBody(r, h)
		if err != nil {
			if s.isClosed() {
				return reasonShutdown
			}
			s.logger.Error("reading frame body", "kind", h.Kind.String(), "error", err)
			return reasonIOError
		}

		s.accountIn(h, len(body))

		if stop, reason := s.dispatch(h, body); stop {
			return reason
		}
	}
}

// dispatch trata um frame completo. Retorna stop=true quando a sessão deve
// encerrar (EXIT ou colisão de nome).
func (s *session) dispatch(h protocol.Header, body []byte) (bool, string) {
	switch h.Kind {
	case protocol.KindRegister, protocol.KindLogin:
		s.handleAuth(h.Kind, h.Sender, body)

	case protocol.KindJoin:
		if !s.handleJoin(h.Sender) {
			return true, reasonCollision
		}

	case protocol.KindGroupMsg:
		s.relayGroupMsg(body)

	case protocol.KindFileStart:
		s.handleFileStart(body)

	case protocol.KindFileData:
		s.handleFileData(body)

	case protocol.KindFileEnd:
		s.handleFileEnd()

	case protocol.KindPing:
		// Body de PING é aceito e descartado; a resposta é vazia.
		s.reply(protocol.KindPingOK, nil)

	case protocol.KindExit:
		return true, reasonExit

	default:
		// Body já foi consumido, o framing segue íntegro.
		s.violation(h.Kind, fmt.Sprintf("unknown frame kind %d", uint32(h.Kind)))
	}
	return false, ""
}

// handleAuth encaminha REGISTER/LOGIN ao auth adapter e responde _OK/_FAIL
// só para esta sessão. Falha de credencial ou de infraestrutura nunca
// derruba a conexão: o cliente pode tentar de novo.
func (s *session) handleAuth(kind protocol.Kind, name string, credential []byte) {
	op := "login"
	okKind, failKind := protocol.KindLoginOK, protocol.KindLoginFail
	if kind == protocol.KindRegister {
		op = "register"
		okKind, failKind = protocol.KindRegisterOK, protocol.KindRegisterFail
	}

	err := s.authenticate(op, name, credential)
	switch {
	case err == nil:
		s.logger.Info("auth accepted", "op", op, "name", name)
		s.srv.pushEvent("info", "auth", s.id, name, op+" accepted")
		s.srv.metrics.ObserveAuth(op, observability.ResultOK)
		s.reply(okKind, nil)

	case errors.Is(err, auth.ErrDenied):
		s.logger.Info("auth denied", "op", op, "name", name, "reason", err)
		s.srv.pushEvent("info", "auth", s.id, name, op+" denied")
		s.srv.metrics.ObserveAuth(op, observability.ResultFail)
		s.reply(failKind, nil)

	default:
		s.logger.Error("auth backend failure", "op", op, "name", name, "error", err)
		s.srv.pushEvent("warn", "auth", s.id, name, op+" failed: backend unavailable")
		s.srv.metrics.ObserveAuth(op, observability.ResultError)
		s.reply(failKind, nil)
	}
}

func (s *session) authenticate(op, name string, credential []byte) error {
	// O adapter é o dono do próprio timeout (spec do boundary): o core não
	// impõe um deadline.
	ctx := context.Background()
	if op == "register" {
		return s.srv.auth.Register(ctx, name, credential)
	}
	return s.srv.auth.Login(ctx, name, credential)
}

// handleJoin tenta vincular o nome proposto (campo sender do frame). Retorna
// false em colisão: a sessão é encerrada sem frame de resposta e o dono do
// nome não vê nada.
//
// O INITIAL com a lista de quem já está online é enfileirado para o novato
// antes do broadcast de JOIN para os demais, então o novato monta o roster
// sem se ver nele.
func (s *session) handleJoin(proposed string) bool {
	if proposed == "" {
		s.violation(protocol.KindJoin, "join with empty name")
		return true
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	if s.name != "" {
		already := s.name
		s.mu.Unlock()
		s.violation(protocol.KindJoin, fmt.Sprintf("join after join (bound as %q)", already))
		return true
	}
	peers, ok := s.srv.registry.addAndPeers(proposed, s)
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("name already in use, disconnecting", "name", proposed)
		s.srv.pushEvent("warn", "join_rejected", s.id, proposed, "name already in use")
		return false
	}
	s.name = proposed
	s.mu.Unlock()

	if len(peers) > 0 {
		s.reply(protocol.KindInitial, []byte(strings.Join(peers, ",")))
	}

	if frame, err := protocol.EncodeFrame(protocol.KindJoin, proposed, nil); err == nil {
		s.srv.broadcast(frame, s)
	}

	s.logger.Info("client joined", "name", proposed, "online", s.srv.registry.count())
	s.srv.pushEvent("info", "join", s.id, proposed, proposed+" joined the chat")
	s.srv.metrics.ObserveJoin()
	return true
}

// relayGroupMsg reencoda a mensagem com o sender confiável (o nome vinculado
// no JOIN, não o que o cliente mandou no header) e faz o fan-out.
func (s *session) relayGroupMsg(body []byte) {
	name, ok := s.joinedName(protocol.KindGroupMsg)
	if !ok {
		return
	}
	frame, err := protocol.EncodeFrame(protocol.KindGroupMsg, name, body)
	if err != nil {
		s.logger.Error("encoding group message", "error", err)
		return
	}
	s.srv.broadcast(frame, s)
}

// --- File relay ---

// handleFileStart registra o substate de recepção e repassa o FILE_START.
// Um FILE_START no meio de uma transferência substitui a anterior, que fica
// sem FILE_END nos peers.
func (s *session) handleFileStart(body []byte) {
	name, ok := s.joinedName(protocol.KindFileStart)
	if !ok {
		return
	}

	info, err := protocol.DecodeFileInfo(body)
	if err != nil {
		s.violation(protocol.KindFileStart, fmt.Sprintf("file info body of %d bytes", len(body)))
		return
	}

	s.mu.Lock()
	if prev := s.transfer; prev != nil {
		s.logger.Warn("file transfer restarted mid-stream", "previous", prev.name, "file", info.Name)
		s.srv.metrics.ObserveFileTransfer("aborted")
	}
	s.transfer = &fileTransfer{name: info.Name, size: info.Size, startedAt: time.Now()}
	s.mu.Unlock()

	if frame, err := protocol.EncodeFrame(protocol.KindFileStart, name, body); err == nil {
		s.srv.broadcast(frame, s)
	}

	s.logger.Info("file relay started", "file", info.Name, "size", info.Size)
	s.srv.pushEvent("info", "file_start", s.id, name,
		fmt.Sprintf("relaying %s (%d bytes)", info.Name, info.Size))
	s.srv.metrics.ObserveFileTransfer("started")
}

// handleFileData contabiliza e repassa um chunk. Chunks fora de uma
// transferência ativa ou além do tamanho declarado são descartados com
// warning; o servidor nunca repassa mais bytes do que o FILE_START declarou.
func (s *session) handleFileData(body []byte) {
	name, ok := s.joinedName(protocol.KindFileData)
	if !ok {
		return
	}

	s.mu.Lock()
	t := s.transfer
	if t == nil {
		s.mu.Unlock()
		s.violation(protocol.KindFileData, "file data outside an active transfer")
		return
	}
	if t.received+uint64(len(body)) > t.size {
		file, declared, received := t.name, t.size, t.received
		s.mu.Unlock()
		s.violation(protocol.KindFileData, fmt.Sprintf(
			"chunk of %d bytes overruns %s (declared %d, received %d)",
			len(body), file, declared, received))
		return
	}
	t.received += uint64(len(body))
	s.mu.Unlock()

	if frame, err := protocol.EncodeFrame(protocol.KindFileData, name, body); err == nil {
		s.srv.broadcast(frame, s)
	}
}

// handleFileEnd repassa o FILE_END e zera o substate. Transferências que
// terminam aquém do tamanho declarado são repassadas mesmo assim: quem decide
// o que fazer com um arquivo curto é o receptor.
func (s *session) handleFileEnd() {
	name, ok := s.joinedName(protocol.KindFileEnd)
	if !ok {
		return
	}

	s.mu.Lock()
	t := s.transfer
	s.transfer = nil
	s.mu.Unlock()

	if t == nil {
		s.violation(protocol.KindFileEnd, "file end without active transfer")
		return
	}
	if t.received != t.size {
		s.logger.Warn("file transfer ended short",
			"file", t.name, "declared", t.size, "received", t.received)
	}

	if frame, err := protocol.EncodeFrame(protocol.KindFileEnd, name, nil); err == nil {
		s.srv.broadcast(frame, s)
	}

	s.logger.Info("file relay finished", "file", t.name, "received", t.received)
	s.srv.pushEvent("info", "file_end", s.id, name,
		fmt.Sprintf("finished %s (%d bytes)", t.name, t.received))
	s.srv.metrics.ObserveFileTransfer("completed")
}

// --- Write path ---

// writeLoop drena a fila de saída para o socket, um frame por write, até a
// fila fechar no teardown.
func (s *session) writeLoop() {
	for {
		frame, ok := s.queue.pop()
		if !ok {
			return
		}

		s.conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
		if _, err := s.conn.Write(frame); err != nil {
			if !s.isClosed() {
				s.logger.Error("writing frame", "error", err)
			}
			s.teardown(reasonIOError)
			return
		}
		s.accountOut(frame)
	}
}

// send enfileira um frame pronto para esta sessão. Estouro do budget de bytes
// derruba a sessão: um receptor que não drena não pode reter memória do
// server nem atrasar os remetentes. Fila fechada significa teardown em
// andamento; o frame é descartado.
func (s *session) send(frame []byte) {
	err := s.queue.push(frame)
	switch {
	case err == nil:
	case errors.Is(err, ErrQueueOverflow):
		s.logger.Warn("send queue overflow, disconnecting",
			"budget_bytes", s.srv.cfg.Limits.SendQueueMaxRaw)
		s.srv.pushEvent("warn", "queue_overflow", s.id, s.currentName(),
			"send queue budget exceeded")
		s.teardown(reasonQueueOverflow)
	}
}

// reply encoda um frame originado pelo server (sender "SERVER") e enfileira
// para esta sessão.
func (s *session) reply(kind protocol.Kind, body []byte) {
	frame, err := protocol.EncodeFrame(kind, protocol.SenderServer, body)
	if err != nil {
		s.logger.Error("encoding reply", "kind", kind.String(), "error", err)
		return
	}
	s.send(frame)
}

// --- Teardown ---

// teardown encerra a sessão exatamente uma vez, em qualquer goroutine. Ordem
// do protocolo: remover do registry primeiro; só depois, se a sessão tinha
// nome, o EXIT sintético é enfileirado aos demais — nunca chega à própria
// sessão e nunca é emitido duas vezes.
func (s *session) teardown(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		name := s.name
		aborted := s.transfer != nil
		s.transfer = nil
		removed := false
		if name != "" {
			removed = s.srv.registry.remove(name, s)
		}
		s.mu.Unlock()

		if removed {
			if frame, err := protocol.EncodeFrame(protocol.KindExit, name, nil); err == nil {
				s.srv.broadcast(frame, s)
			}
			s.srv.metrics.ObserveLeave()
		}
		if aborted {
			s.srv.metrics.ObserveFileTransfer("aborted")
		}

		s.queue.close()
		s.conn.Close()
		s.srv.dropSession(s)

		duration := time.Since(s.createdAt)
		s.logger.Info("session closed",
			"name", name,
			"reason", reason,
			"duration", duration.Round(time.Millisecond).String(),
			"frames_in", s.framesIn.Load(),
			"frames_out", s.framesOut.Load(),
			"bytes_in", s.bytesIn.Load(),
			"bytes_out", s.bytesOut.Load(),
		)

		eventType := "disconnect"
		if reason == reasonExit {
			eventType = "exit"
		}
		s.srv.pushEvent("info", eventType, s.id, name, "session closed: "+reason)
		s.srv.pushHistory(s, name, reason, duration)
		s.srv.metrics.ObserveConnectionClosed(reason, duration)
	})
}

// --- Helpers ---

// joinedName retorna o nome vinculado. Frames de chat de sessões anônimas
// são violação de protocolo: descartados e logados, sem disconnect.
func (s *session) joinedName(kind protocol.Kind) (string, bool) {
	name := s.currentName()
	if name == "" {
		s.violation(kind, kind.String()+" from anonymous session")
		return "", false
	}
	return name, true
}

// violation registra um frame descartado. Só length acima do limite
// desconecta; os demais casos mantêm a sessão viva.
func (s *session) violation(kind protocol.Kind, detail string) {
	s.logger.Warn("protocol violation, frame dropped", "kind", kind.String(), "detail", detail)
	s.srv.pushEvent("warn", "violation", s.id, s.currentName(), detail)
}

func (s *session) currentName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// isAnonymous reporta se a sessão ainda não completou JOIN (alvo do sweeper).
func (s *session) isAnonymous() bool {
	return s.currentName() == ""
}

func (s *session) accountIn(h protocol.Header, bodyLen int) {
	s.lastActivity.Store(time.Now().UnixNano())
	wire := int64(protocol.HeaderSize + bodyLen)
	s.framesIn.Add(1)
	s.bytesIn.Add(wire)
	s.srv.framesIn.Add(1)
	s.srv.bytesIn.Add(wire)
	s.srv.windowIn.Add(wire)
	s.srv.metrics.ObserveFrame(observability.DirectionIn, h.Kind.String(), bodyLen)
}

func (s *session) accountOut(frame []byte) {
	wire := int64(len(frame))
	s.framesOut.Add(1)
	s.bytesOut.Add(wire)
	s.srv.framesOut.Add(1)
	s.srv.bytesOut.Add(wire)
	s.srv.windowOut.Add(wire)
	if h, err := protocol.ParseHeader(frame); err == nil {
		s.srv.metrics.ObserveFrame(observability.DirectionOut, h.Kind.String(), int(h.Length))
	}
}

// --- Snapshots ---

// summary monta a visão da sessão para a API de observabilidade.
func (s *session) summary() observability.SessionSummary {
	s.mu.Lock()
	name := s.name
	transfer := s.transfer
	s.mu.Unlock()

	state, status := "anonymous", "idle"
	if name != "" {
		state = "joined"
	}

	sum := observability.SessionSummary{
		SessionID:    s.id,
		Name:         name,
		Remote:       s.remote,
		State:        state,
		StartedAt:    s.createdAt.UTC().Format(time.RFC3339),
		LastActivity: time.Unix(0, s.lastActivity.Load()).UTC().Format(time.RFC3339),
		FramesIn:     s.framesIn.Load(),
		FramesOut:    s.framesOut.Load(),
		BytesIn:      s.bytesIn.Load(),
		BytesOut:     s.bytesOut.Load(),
	}
	sum.QueueFrames, sum.QueueBytes = s.queue.depth()

	if transfer != nil {
		status = "running"
		sum.FileName = transfer.name
	}
	sum.Status = status
	return sum
}

// detail estende o summary com o progresso da transferência em andamento.
func (s *session) detail() observability.SessionDetail {
	d := observability.SessionDetail{SessionSummary: s.summary()}

	s.mu.Lock()
	t := s.transfer
	if t != nil {
		percent := float64(0)
		if t.size > 0 {
			percent = float64(t.received) / float64(t.size) * 100
		}
		d.Transfer = &observability.TransferDetail{
			FileName:      t.name,
			FileSize:      int64(t.size),
			ReceivedBytes: int64(t.received),
			Percent:       percent,
			StartedAt:     t.startedAt.UTC().Format(time.RFC3339),
		}
	}
	s.mu.Unlock()
	return d
}
