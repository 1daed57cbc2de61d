// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package client implementa a biblioteca de acesso ao server de chat: dial,
// auth, JOIN, mensagens de grupo, envio/recepção de arquivos e PING com
// medição de RTT. É a base do nchat-loadtest e dos testes de integração.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/nishisan-dev/n-chat/internal/protocol"
)

// Erros do client.
var (
	// ErrClosed indica operação sobre um client já fechado ou nunca conectado.
	ErrClosed = errors.New("client: connection closed")

	// ErrAuthDenied indica REGISTER_FAIL/LOGIN_FAIL do server.
	ErrAuthDenied = errors.New("client: authentication denied")

	// ErrReplyTimeout indica que o server não respondeu dentro do ReplyTimeout.
	ErrReplyTimeout = errors.New("client: timed out waiting for server reply")
)

// Options controla timeouts e o envio de arquivos.
type Options struct {
	DialTimeout  time.Duration // default: 10s
	ReplyTimeout time.Duration // espera por _OK/_FAIL e PING_OK (default: 5s)
	ChunkSize    int           // tamanho de cada FILE_DATA (default: 64KB)
	BytesPerSec  int64         // throttle do envio de arquivos; 0 desliga
	Logger       *slog.Logger  // nil descarta
}

func (o *Options) normalize() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = 5 * time.Second
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 64 * 1024
	}
	if o.ChunkSize > int(protocol.MaxBodySize) {
		o.ChunkSize = int(protocol.MaxBodySize)
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Client é uma conexão de usuário com o server de chat. Os callbacks devem
// ser registrados antes de Connect; todos são invocados da goroutine de
// leitura, então não podem bloquear em operações do próprio client.
type Client struct {
	target string
	opts   Options
	logger *slog.Logger

	conn   net.Conn
	connMu sync.Mutex

	// Serializa frames de saída: SendText, SendFile e Ping podem escrever
	// concorrentemente e um frame não pode intercalar com outro.
	writeMu sync.Mutex

	nameMu sync.Mutex
	name   string

	// Callbacks de eventos do chat.
	onRoster    func(names []string)
	onJoin      func(name string)
	onExit      func(name string)
	onMessage   func(sender, text string)
	onFileStart func(sender string, info protocol.FileInfo)
	onFileChunk func(sender string, chunk []byte)
	onFileEnd   func(sender string)
	onClose     func(err error)

	onSendProgress func(name string, sent, total uint64)

	// Resposta pendente de auth/ping. O protocolo não tem correlação de
	// frames, então há no máximo uma operação de cada tipo em voo.
	replyMu   sync.Mutex
	authReply chan protocol.Kind
	pingReply chan struct{}

	authMu sync.Mutex // um handshake de auth por vez
	pingMu sync.Mutex // um ping em voo por vez

	stopCh chan struct{}
	stopMu sync.Once
	wg     sync.WaitGroup
}

// New cria um client para o endereço host:port. Connect estabelece a conexão.
func New(target string, opts Options) *Client {
	opts.normalize()
	return &Client{
		target: target,
		opts:   opts,
		logger: opts.Logger.With("component", "chat_client", "server", target),
		stopCh: make(chan struct{}),
	}
}

// SetOnRoster define o callback do INITIAL (lista de quem já está online).
// Deve ser chamado antes de Connect().
func (c *Client) SetOnRoster(fn func(names []string)) { c.onRoster = fn }

// SetOnJoin define o callback de entrada de um participante.
func (c *Client) SetOnJoin(fn func(name string)) { c.onJoin = fn }

// SetOnExit define o callback de saída de um participante.
func (c *Client) SetOnExit(fn func(name string)) { c.onExit = fn }

// SetOnMessage define o callback de mensagens de grupo.
func (c *Client) SetOnMessage(fn func(sender, text string)) { c.onMessage = fn }

// SetOnFileStart define o callback do anúncio de transferência.
func (c *Client) SetOnFileStart(fn func(sender string, info protocol.FileInfo)) {
	c.onFileStart = fn
}

// SetOnFileChunk define o callback de cada chunk recebido.
func (c *Client) SetOnFileChunk(fn func(sender string, chunk []byte)) { c.onFileChunk = fn }

// SetOnFileEnd define o callback do fim de uma transferência.
func (c *Client) SetOnFileEnd(fn func(sender string)) { c.onFileEnd = fn }

// SetOnClose define o callback chamado quando o server encerra (ou derruba)
// a conexão. Não é chamado quando o próprio client faz Close().
func (c *Client) SetOnClose(fn func(err error)) { c.onClose = fn }

// SetOnSendProgress define o callback de progresso do SendFile.
func (c *Client) SetOnSendProgress(fn func(name string, sent, total uint64)) {
	c.onSendProgress = fn
}

// Connect estabelece a conexão TCP e inicia a goroutine de leitura.
func (c *Client) Connect(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.target)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.target, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	c.logger.Debug("connected")
	return nil
}

// Close encerra a conexão e aguarda a goroutine de leitura terminar.
// Fecha a conn primeiro para desbloquear o read pendente. Idempotente.
func (c *Client) Close() {
	c.stopMu.Do(func() {
		close(c.stopCh)
	})

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()

	c.connMu.Lock()
	c.conn = nil
	c.connMu.Unlock()
}

// Name retorna o nome anunciado no Join, ou vazio antes dele.
func (c *Client) Name() string {
	c.nameMu.Lock()
	defer c.nameMu.Unlock()
	return c.name
}

// Register registra um usuário novo. O conteúdo da credencial é opaco para
// o protocolo; quem dá significado é o adapter de auth do server.
func (c *Client) Register(ctx context.Context, name string, credential []byte) error {
	return c.authRequest(ctx, protocol.KindRegister, name, credential,
		protocol.KindRegisterOK, protocol.KindRegisterFail)
}

// Login autentica um usuário existente.
func (c *Client) Login(ctx context.Context, name string, credential []byte) error {
	return c.authRequest(ctx, protocol.KindLogin, name, credential,
		protocol.KindLoginOK, protocol.KindLoginFail)
}

func (c *Client) authRequest(ctx context.Context, req protocol.Kind, name string,
	credential []byte, okKind, failKind protocol.Kind) error {

	c.authMu.Lock()
	defer c.authMu.Unlock()

	reply := make(chan protocol.Kind, 1)
	c.replyMu.Lock()
	c.authReply = reply
	c.replyMu.Unlock()
	defer func() {
		c.replyMu.Lock()
		c.authReply = nil
		c.replyMu.Unlock()
	}()

	if err := c.send(req, name, credential); err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.ReplyTimeout)
	defer timer.Stop()

	select {
	case kind := <-reply:
		switch kind {
		case okKind:
			return nil
		case failKind:
			return ErrAuthDenied
		default:
			return fmt.Errorf("client: unexpected %s reply to %s", kind, req)
		}
	case <-timer.C:
		return fmt.Errorf("%w (%s)", ErrReplyTimeout, req)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return ErrClosed
	}
}

// Join anuncia o nome no grupo. Não há resposta de sucesso: o roster chega
// via OnRoster quando já existe gente online, e uma colisão de nome derruba
// a conexão (OnClose).
func (c *Client) Join(name string) error {
	if err := c.send(protocol.KindJoin, name, nil); err != nil {
		return err
	}
	c.nameMu.Lock()
	c.name = name
	c.nameMu.Unlock()
	return nil
}

// Leave anuncia a saída do grupo. O server encerra a conexão na sequência.
func (c *Client) Leave() error {
	return c.send(protocol.KindExit, c.Name(), nil)
}

// SendText envia uma mensagem de grupo.
func (c *Client) SendText(text string) error {
	return c.send(protocol.KindGroupMsg, c.Name(), []byte(text))
}

// Ping mede o round-trip até o server. Serializa pings concorrentes: o
// protocolo não correlaciona PING com PING_OK.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()

	reply := make(chan struct{}, 1)
	c.replyMu.Lock()
	c.pingReply = reply
	c.replyMu.Unlock()
	defer func() {
		c.replyMu.Lock()
		c.pingReply = nil
		c.replyMu.Unlock()
	}()

	start := time.Now()
	if err := c.send(protocol.KindPing, c.Name(), nil); err != nil {
		return 0, err
	}

	timer := time.NewTimer(c.opts.ReplyTimeout)
	defer timer.Stop()

	select {
	case <-reply:
		return time.Since(start), nil
	case <-timer.C:
		return 0, fmt.Errorf("%w (PING)", ErrReplyTimeout)
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.stopCh:
		return 0, ErrClosed
	}
}

// SendFile transmite um arquivo local: FILE_START com nome e tamanho,
// FILE_DATA em chunks de até ChunkSize (sob o throttle configurado) e
// FILE_END. Outros sends do mesmo client esperam entre um chunk e o
// próximo; frames nunca intercalam.
func (c *Client) SendFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	info := protocol.FileInfo{Name: filepath.Base(path), Size: uint64(st.Size())}
	if err := c.send(protocol.KindFileStart, c.Name(), protocol.EncodeFileInfo(info)); err != nil {
		return err
	}

	sink := &chunkSink{c: c, total: info.Size, name: info.Name}
	dst := NewThrottledWriter(ctx, sink, c.opts.BytesPerSec)

	if _, err := io.CopyBuffer(dst, f, make([]byte, c.opts.ChunkSize)); err != nil {
		// Transferência fica pendurada no receiver até um novo FILE_START
		// ou a queda da conexão; o relay tolera os dois.
		return fmt.Errorf("sending %s: %w", info.Name, err)
	}

	if err := c.send(protocol.KindFileEnd, c.Name(), nil); err != nil {
		return err
	}

	c.logger.Debug("file sent", "file", info.Name, "size", info.Size)
	return nil
}

// chunkSink converte cada Write em um frame FILE_DATA.
type chunkSink struct {
	c     *Client
	name  string
	total uint64
	sent  uint64
}

func (s *chunkSink) Write(p []byte) (int, error) {
	if err := s.c.send(protocol.KindFileData, s.c.Name(), p); err != nil {
		return 0, err
	}
	s.sent += uint64(len(p))
	if s.c.onSendProgress != nil {
		s.c.onSendProgress(s.name, s.sent, s.total)
	}
	return len(p), nil
}

// send serializa um frame na conexão. Seguro para uso concorrente.
func (c *Client) send(kind protocol.Kind, sender string, body []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteFrame(conn, kind, sender, body); err != nil {
		return fmt.Errorf("sending %s: %w", kind, err)
	}
	return nil
}

// readLoop consome frames do server e despacha para os callbacks até a
// conexão cair ou Close() ser chamado.
func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	br := bufio.NewReaderSize(conn, 64*1024)
	for {
		h, err := protocol.ReadHeader(br)
		if err != nil {
			c.dispatchClose(err)
			return
		}
		body, err := protocol.ReadBody(br, h)
		if err != nil {
			c.dispatchClose(err)
			return
		}
		c.dispatch(h, body)
	}
}

func (c *Client) dispatch(h protocol.Header, body []byte) {
	switch h.Kind {
	case protocol.KindInitial:
		if c.onRoster != nil {
			c.onRoster(splitRoster(body))
		}

	case protocol.KindJoin:
		if c.onJoin != nil {
			c.onJoin(h.Sender)
		}

	case protocol.KindExit:
		if c.onExit != nil {
			c.onExit(h.Sender)
		}

	case protocol.KindGroupMsg:
		if c.onMessage != nil {
			c.onMessage(h.Sender, string(body))
		}

	case protocol.KindFileStart:
		info, err := protocol.DecodeFileInfo(body)
		if err != nil {
			c.logger.Warn("invalid FILE_START from server", "sender", h.Sender, "error", err)
			return
		}
		if c.onFileStart != nil {
			c.onFileStart(h.Sender, info)
		}

	case protocol.KindFileData:
		if c.onFileChunk != nil {
			c.onFileChunk(h.Sender, body)
		}

	case protocol.KindFileEnd:
		if c.onFileEnd != nil {
			c.onFileEnd(h.Sender)
		}

	case protocol.KindRegisterOK, protocol.KindRegisterFail,
		protocol.KindLoginOK, protocol.KindLoginFail:
		c.replyMu.Lock()
		reply := c.authReply
		c.replyMu.Unlock()
		if reply == nil {
			c.logger.Debug("unsolicited auth reply dropped", "kind", h.Kind.String())
			return
		}
		select {
		case reply <- h.Kind:
		default:
		}

	case protocol.KindPingOK:
		c.replyMu.Lock()
		reply := c.pingReply
		c.replyMu.Unlock()
		if reply == nil {
			return
		}
		select {
		case reply <- struct{}{}:
		default:
		}

	default:
		c.logger.Debug("unexpected frame from server",
			"kind", h.Kind.String(), "sender", h.Sender, "length", h.Length)
	}
}

// dispatchClose diferencia queda da conexão de Close() local: só a primeira
// chega no callback.
func (c *Client) dispatchClose(err error) {
	select {
	case <-c.stopCh:
		return
	default:
	}

	if errors.Is(err, io.EOF) {
		c.logger.Debug("server closed the connection")
	} else {
		c.logger.Warn("connection lost", "error", err)
	}
	if c.onClose != nil {
		c.onClose(err)
	}
}

// splitRoster decodifica o body do INITIAL (nomes separados por vírgula).
func splitRoster(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	return strings.Split(string(body), ",")
}
