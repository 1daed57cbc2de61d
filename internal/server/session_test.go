// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"log/slog"

	"github.com/nishisan-dev/n-chat/internal/auth"
	"github.com/nishisan-dev/n-chat/internal/config"
	"github.com/nishisan-dev/n-chat/internal/protocol"
)

// --- Test harness ---

func newTestServer(t *testing.T, authenticator auth.Authenticator, obs Observability) (*Server, string) {
	t.Helper()
	return newTestServerWithConfig(t, config.DefaultServerConfig(), authenticator, obs)
}

func newTestServerWithConfig(t *testing.T, cfg *config.ServerConfig, authenticator auth.Authenticator, obs Observability) (*Server, string) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, logger, authenticator, obs)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.RunWithListener(ctx, ln)

	return srv, ln.Addr().String()
}

// testClient fala o protocolo binário cru com o server, sem passar pela
// biblioteca de client: os testes validam o wire, não a conveniência.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(kind protocol.Kind, sender string, body []byte) {
	c.t.Helper()
	if err := protocol.WriteFrame(c.conn, kind, sender, body); err != nil {
		c.t.Fatalf("WriteFrame %s: %v", kind, err)
	}
}

func (c *testClient) read(timeout time.Duration) (protocol.Header, []byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	h, err := protocol.ReadHeader(c.r)
	if err != nil {
		return h, nil, err
	}
	body, err := protocol.ReadBody(c.r, h)
	return h, body, err
}

// expect lê o próximo frame e valida kind e sender.
func (c *testClient) expect(kind protocol.Kind, sender string) []byte {
	c.t.Helper()
	h, body, err := c.read(2 * time.Second)
	if err != nil {
		c.t.Fatalf("reading %s frame: %v", kind, err)
	}
	if h.Kind != kind {
		c.t.Fatalf("frame kind = %s, want %s", h.Kind, kind)
	}
	if h.Sender != sender {
		c.t.Fatalf("frame sender = %q, want %q", h.Sender, sender)
	}
	return body
}

// expectSilence garante que nenhum frame chega dentro da janela.
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	_, _, err := c.read(d)
	if err == nil {
		c.t.Fatal("expected no frame, got one")
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
}

// expectClosed garante que o server encerrou a conexão.
func (c *testClient) expectClosed(d time.Duration) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(d))
	_, err := c.r.ReadByte()
	if err == nil {
		c.t.Fatal("expected connection to be closed")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.t.Fatal("connection still open after deadline")
	}
}

// awaitJoined espera o registry atingir o número esperado de membros.
func awaitJoined(t *testing.T, srv *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.registry.count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry stuck at %d members, want %d", srv.registry.count(), want)
}

// --- JOIN / roster ---

func TestJoin_RosterAndBroadcast(t *testing.T) {
	srv, addr := newTestServer(t, auth.Allow{}, Observability{})

	alice := dialClient(t, addr)
	alice.send(protocol.KindJoin, "alice", nil)
	awaitJoined(t, srv, 1)

	// Primeiro a entrar: sala vazia, nenhum INITIAL.
	alice.expectSilence(150 * time.Millisecond)

	bob := dialClient(t, addr)
	bob.send(protocol.KindJoin, "bob", nil)

	if got := bob.expect(protocol.KindInitial, protocol.SenderServer); string(got) != "alice" {
		t.Errorf("INITIAL body = %q, want alice", got)
	}
	if body := alice.expect(protocol.KindJoin, "bob"); len(body) != 0 {
		t.Errorf("JOIN body = %q, want empty", body)
	}

	carol := dialClient(t, addr)
	carol.send(protocol.KindJoin, "carol", nil)

	// Lista em ordem alfabética, excluindo a própria carol.
	if got := carol.expect(protocol.KindInitial, protocol.SenderServer); string(got) != "alice,bob" {
		t.Errorf("INITIAL body = %q, want alice,bob", got)
	}
	alice.expect(protocol.KindJoin, "carol")
	bob.expect(protocol.KindJoin, "carol")
}

func TestJoin_NameCollisionDisconnects(t *testing.T) {
	srv, addr := newTestServer(t, auth.Allow{}, Observability{})

	alice := dialClient(t, addr)
	alice.send(protocol.KindJoin, "alice", nil)
	awaitJoined(t, srv, 1)

	intruder := dialClient(t, addr)
	intruder.send(protocol.KindJoin, "alice", nil)

	// O intruso cai sem frame de resposta; a dona do nome não vê nada.
	intruder.expectClosed(2 * time.Second)
	alice.expectSilence(150 * time.Millisecond)

	if srv.registry.count() != 1 {
		t.Errorf("registry count = %d, want 1", srv.registry.count())
	}
}

func TestJoin_SecondJoinDropped(t *testing.T) {
	srv, addr := newTestServer(t, auth.Allow{}, Observability{})

	alice := dialClient(t, addr)
	alice.send(protocol.KindJoin, "alice", nil)
	awaitJoined(t, srv, 1)
	bob := dialClient(t, addr)
	bob.send(protocol.KindJoin, "bob", nil)
	bob.expect(protocol.KindInitial, protocol.SenderServer)
	alice.expect(protocol.KindJoin, "bob")

	// Segundo JOIN não revincula nem derruba: é descartado.
	alice.send(protocol.KindJoin, "alice2", nil)
	bob.expectSilence(150 * time.Millisecond)
	awaitJoined(t, srv, 2)

	// A sessão segue viva e com o nome original.
	alice.send(protocol.KindGroupMsg, "alice", []byte("still here"))
	if got := bob.expect(protocol.KindGroupMsg, "alice"); string(got) != "still here" {
		t.Errorf("body = %q, want 'still here'", got)
	}
}

func TestJoin_EmptyNameDropped(t *testing.T) {
	srv, addr := newTestServer(t, auth.Allow{}, Observability{})

	c := dialClient(t, addr)
	c.send(protocol.KindJoin, "", nil)
	time.Sleep(50 * time.Millisecond)

	if srv.registry.count() != 0 {
		t.Fatalf("registry count = %d, want 0", srv.registry.count())
	}

	// A sessão continua utilizável.
	c.send(protocol.KindJoin, "alice", nil)
	awaitJoined(t, srv, 1)
}

// --- GROUP_MSG ---

func TestGroupMsg_RelayAndSenderRewrite(t *testing.T) {
	srv, addr := newTestServer(t, auth.Allow{}, Observability{})

	alice := dialClient(t, addr)
	alice.send(protocol.KindJoin, "alice", nil)
	awaitJoined(t, srv, 1)

	bob := dialClient(t, addr)
	bob.send(protocol.KindJoin, "bob", nil)
	bob.expect(protocol.KindInitial, protocol.SenderServer)
	alice.expect(protocol.KindJoin, "bob")

	// O sender forjado no header é ignorado: vale o nome do JOIN.
	bob.send(protocol.KindGroupMsg, "mallory", []byte("hi"))

	if got := alice.expect(protocol.KindGroupMsg, "bob"); string(got) != "hi" {
		t.Errorf("body = %q, want hi", got)
	}
	// Quem mandou não recebe a própria mensagem.
	bob.expectSilence(150 * time.Millisecond)
}

func TestGroupMsg_EmptyBodyIsLegal(t *testing.T) {
	srv, addr := newTestServer(t, auth.Allow{}, Observability{})

	alice := dialClient(t, addr)
	alice.send(protocol.KindJoin, "alice", nil)
	awaitJoined(t, srv, 1)
	bob := dialClient(t, addr)
	bob.send(protocol.KindJoin, "bob", nil)
	bob.expect(protocol.KindInitial, protocol.SenderServer)
	alice.expect(protocol.KindJoin, "bob")

	alice.send(protocol.KindGroupMsg, "alice", nil)
	if body := bob.expect(protocol.KindGroupMsg, "alice"); len(body) != 0 {
		t.Errorf("body = %q, want empty", body)
	}
}

func TestGroupMsg_AnonymousDropped(t *testing.T) {
	srv, addr := newTestServer(t, auth.Allow{}, Observability{})

	alice := dialClient(t, addr)
	alice.send(protocol.KindJoin, "alice", nil)
	awaitJoined(t, srv, 1)

	anon := dialClient(t, addr)
	anon.send(protocol.KindGroupMsg, "ghost", []byte("boo"))

	// Frame descartado: ninguém recebe e a sessão anônima não cai.
	alice.expectSilence(150 * time.Millisecond)
	anon.send(protocol.KindJoin, "ghost", nil)
	anon.expect(protocol.KindInitial, protocol.SenderServer)
}

// --- File relay ---

func TestFileRelay_InterleavedWithChat(t *testing.T) {
	srv, addr := newTestServer(t, auth.Allow{}, Observability{})

	alice := dialClient(t, addr)
	alice.send(protocol.KindJoin, "alice", nil)
	awaitJoined(t, srv, 1)
	bob := dialClient(t, addr)
	bob.send(protocol.KindJoin, "bob", nil)
	bob.expect(protocol.KindInitial, protocol.SenderServer)
	alice.expect(protocol.KindJoin, "bob")

	info := protocol.EncodeFileInfo(protocol.FileInfo{Name: "x.bin", Size: 10})
	alice.send(protocol.KindFileStart, "alice", info)
	alice.send(protocol.KindFileData, "alice", []byte("AAAAA"))
	alice.send(protocol.KindGroupMsg, "alice", []byte("hi"))
	alice.send(protocol.KindFileData, "alice", []byte("BBBBB"))
	alice.send(protocol.KindFileEnd, "alice", nil)

	// bob recebe tudo na ordem de envio, chat intercalado incluso.
	gotInfo, err := protocol.DecodeFileInfo(bob.expect(protocol.KindFileStart, "alice"))
	if err != nil {
		t.Fatalf("DecodeFileInfo: %v", err)
	}
	if gotInfo.Name != "x.bin" || gotInfo.Size != 10 {
		t.Errorf("FileInfo = %+v, want x.bin/10", gotInfo)
	}
	if got := bob.expect(protocol.KindFileData, "alice"); string(got) != "AAAAA" {
		t.Errorf("first chunk = %q", got)
	}
	if got := bob.expect(protocol.KindGroupMsg, "alice"); string(got) != "hi" {
		t.Errorf("chat body = %q", got)
	}
	if got := bob.expect(protocol.KindFileData, "alice"); string(got) != "BBBBB" {
		t.Errorf("second chunk = %q", got)
	}
	bob.expect(protocol.KindFileEnd, "alice")
}

func TestFileRelay_OverrunChunkDropped(t *testing.T) {
	srv, addr := newTestServer(t, auth.Allow{}, Observability{})

	alice := dialClient(t, addr)
	alice.send(protocol.KindJoin, "alice", nil)
	awaitJoined(t, srv, 1)
	bob := dialClient(t, addr)
	bob.send(protocol.KindJoin, "bob", nil)
	bob.expect(protocol.KindInitial, protocol.SenderServer)
	alice.expect(protocol.KindJoin, "bob")

	info := protocol.EncodeFileInfo(protocol.FileInfo{Name: "small.bin", Size: 5})
	alice.send(protocol.KindFileStart, "alice", info)
	alice.send(protocol.KindFileData, "alice", []byte("abc"))
	// 3 + 4 > 5: este chunk estoura o tamanho declarado e é descartado.
	alice.send(protocol.KindFileData, "alice", []byte("wxyz"))
	alice.send(protocol.KindFileEnd, "alice", nil)

	bob.expect(protocol.KindFileStart, "alice")
	if got := bob.expect(protocol.KindFileData, "alice"); string(got) != "abc" {
		t.Errorf("chunk = %q, want abc", got)
	}
	bob.expect(protocol.KindFileEnd, "alice")
	bob.expectSilence(150 * time.Millisecond)
}

func TestFileRelay_DataWithoutStartDropped(t *testing.T) {
	srv, addr := newTestServer(t, auth.Allow{}, Observability{})

	alice := dialClient(t, addr)
	alice.send(protocol.KindJoin, "alice", nil)
	awaitJoined(t, srv, 1)
	bob := dialClient(t, addr)
	bob.send(protocol.KindJoin, "bob", nil)
	bob.expect(protocol.KindInitial, protocol.SenderServer)
	alice.expect(protocol.KindJoin, "bob")

	alice.send(protocol.KindFileData, "alice", []byte("orphan"))
	bob.expectSilence(150 * time.Millisecond)

	// Sessão segue viva depois do descarte.
	alice.send(protocol.KindGroupMsg, "alice", []byte("ok"))
	bob.expect(protocol.KindGroupMsg, "alice")
}

func TestFileRelay_BadFileInfoDropped(t *testing.T) {
	srv, addr := newTestServer(t, auth.Allow{}, Observability{})

	alice := dialClient(t, addr)
	alice.send(protocol.KindJoin, "alice", nil)
	awaitJoined(t, srv, 1)
	bob := dialClient(t, addr)
	bob.send(protocol.KindJoin, "bob", nil)
	bob.expect(protocol.KindInitial, protocol.SenderServer)
	alice.expect(protocol.KindJoin, "bob")

	// Body de FILE_START com tamanho errado (precisa ter 264 bytes).
	alice.send(protocol.KindFileStart, "alice", []byte("not a fileinfo"))
	bob.expectSilence(150 * time.Millisecond)
}

// --- PING / auth ---

func TestPing_AnsweredForAnonymous(t *testing.T) {
	_, addr := newTestServer(t, auth.Allow{}, Observability{})

	c := dialClient(t, addr)
	c.send(protocol.KindPing, "whoever", []byte("payload-123"))

	if body := c.expect(protocol.KindPingOK, protocol.SenderServer); len(body) != 0 {
		t.Errorf("PING_OK body = %q, want empty", body)
	}
}

type denyAuth struct{}

func (denyAuth) Register(ctx context.Context, name string, credential []byte) error {
	return fmt.Errorf("%w: name already registered", auth.ErrDenied)
}

func (denyAuth) Login(ctx context.Context, name string, credential []byte) error {
	return fmt.Errorf("%w: invalid credentials", auth.ErrDenied)
}

type brokenAuth struct{}

func (brokenAuth) Register(ctx context.Context, name string, credential []byte) error {
	return errors.New("credential service unreachable")
}

func (brokenAuth) Login(ctx context.Context, name string, credential []byte) error {
	return errors.New("credential service unreachable")
}

func TestAuth_RepliesToSenderOnly(t *testing.T) {
	srv, addr := newTestServer(t, auth.Allow{}, Observability{})

	alice := dialClient(t, addr)
	alice.send(protocol.KindJoin, "alice", nil)
	awaitJoined(t, srv, 1)

	c := dialClient(t, addr)
	c.send(protocol.KindLogin, "bob", []byte("blob"))
	c.expect(protocol.KindLoginOK, protocol.SenderServer)

	c.send(protocol.KindRegister, "bob", []byte("blob"))
	c.expect(protocol.KindRegisterOK, protocol.SenderServer)

	// Auth nunca vira broadcast.
	alice.expectSilence(150 * time.Millisecond)
}

func TestAuth_DeniedKeepsSessionOpen(t *testing.T) {
	_, addr := newTestServer(t, denyAuth{}, Observability{})

	c := dialClient(t, addr)
	c.send(protocol.KindLogin, "alice", []byte("wrong"))
	c.expect(protocol.KindLoginFail, protocol.SenderServer)

	c.send(protocol.KindRegister, "alice", []byte("dup"))
	c.expect(protocol.KindRegisterFail, protocol.SenderServer)

	// O cliente pode seguir tentando na mesma conexão.
	c.send(protocol.KindPing, "alice", nil)
	c.expect(protocol.KindPingOK, protocol.SenderServer)
}

func TestAuth_BackendFailureMapsToFail(t *testing.T) {
	_, addr := newTestServer(t, brokenAuth{}, Observability{})

	c := dialClient(t, addr)
	c.send(protocol.KindLogin, "alice", []byte("blob"))
	c.expect(protocol.KindLoginFail, protocol.SenderServer)

	c.send(protocol.KindPing, "alice", nil)
	c.expect(protocol.KindPingOK, protocol.SenderServer)
}

// --- EXIT / desconexão ---

func TestExit_BroadcastsToPeers(t *testing.T) {
	srv, addr := newTestServer(t, auth.Allow{}, Observability{})

	alice := dialClient(t, addr)
	alice.send(protocol.KindJoin, "alice", nil)
	awaitJoined(t, srv, 1)
	bob := dialClient(t, addr)
	bob.send(protocol.KindJoin, "bob", nil)
	bob.expect(protocol.KindInitial, protocol.SenderServer)
	alice.expect(protocol.KindJoin, "bob")

	bob.send(protocol.KindExit, "bob", nil)

	if body := alice.expect(protocol.KindExit, "bob"); len(body) != 0 {
		t.Errorf("EXIT body = %q, want empty", body)
	}
	bob.expectClosed(2 * time.Second)
	awaitJoined(t, srv, 1)
}

func TestPeerClose_BroadcastsExit(t *testing.T) {
	srv, addr := newTestServer(t, auth.Allow{}, Observability{})

	alice := dialClient(t, addr)
	alice.send(protocol.KindJoin, "alice", nil)
	awaitJoined(t, srv, 1)
	bob := dialClient(t, addr)
	bob.send(protocol.KindJoin, "bob", nil)
	bob.expect(protocol.KindInitial, protocol.SenderServer)
	alice.expect(protocol.KindJoin, "bob")

	// Fechar o socket sem EXIT é a saída suja; peers veem o mesmo EXIT.
	bob.conn.Close()

	alice.expect(protocol.KindExit, "bob")
	awaitJoined(t, srv, 1)
}

func TestAnonymousClose_NoBroadcast(t *testing.T) {
	srv, addr := newTestServer(t, auth.Allow{}, Observability{})

	alice := dialClient(t, addr)
	alice.send(protocol.KindJoin, "alice", nil)
	awaitJoined(t, srv, 1)

	anon := dialClient(t, addr)
	anon.send(protocol.KindPing, "x", nil)
	anon.expect(protocol.KindPingOK, protocol.SenderServer)
	anon.conn.Close()

	alice.expectSilence(150 * time.Millisecond)
}

// --- Violations / framing ---

func TestOversizedBody_Disconnects(t *testing.T) {
	_, addr := newTestServer(t, auth.Allow{}, Observability{})

	c := dialClient(t, addr)
	buf := make([]byte, protocol.HeaderSize)
	protocol.EncodeHeader(buf, protocol.KindGroupMsg, "alice", protocol.MaxBodySize+1)
	if _, err := c.conn.Write(buf); err != nil {
		t.Fatalf("writing oversized header: %v", err)
	}

	c.expectClosed(2 * time.Second)
}

func TestUnknownKind_Ignored(t *testing.T) {
	srv, addr := newTestServer(t, auth.Allow{}, Observability{})

	alice := dialClient(t, addr)
	alice.send(protocol.KindJoin, "alice", nil)
	awaitJoined(t, srv, 1)
	bob := dialClient(t, addr)
	bob.send(protocol.KindJoin, "bob", nil)
	bob.expect(protocol.KindInitial, protocol.SenderServer)
	alice.expect(protocol.KindJoin, "bob")

	// Kind fora do enum, body consumido, sessão intacta.
	alice.send(protocol.Kind(99), "alice", []byte("future stuff"))
	alice.send(protocol.KindGroupMsg, "alice", []byte("after"))

	if got := bob.expect(protocol.KindGroupMsg, "alice"); string(got) != "after" {
		t.Errorf("body = %q, want after", got)
	}
}

func TestSplitDelivery_SameOutput(t *testing.T) {
	srv, addr := newTestServer(t, auth.Allow{}, Observability{})

	alice := dialClient(t, addr)
	alice.send(protocol.KindJoin, "alice", nil)
	awaitJoined(t, srv, 1)
	bob := dialClient(t, addr)
	bob.send(protocol.KindJoin, "bob", nil)
	bob.expect(protocol.KindInitial, protocol.SenderServer)
	alice.expect(protocol.KindJoin, "bob")

	// Header partido no meio, body em dois pedaços.
	frame, err := protocol.EncodeFrame(protocol.KindGroupMsg, "alice", []byte("fragmented hello"))
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	cuts := []int{0, 40, protocol.HeaderSize, protocol.HeaderSize + 5, len(frame)}
	for i := 1; i < len(cuts); i++ {
		if _, err := alice.conn.Write(frame[cuts[i-1]:cuts[i]]); err != nil {
			t.Fatalf("partial write: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if got := bob.expect(protocol.KindGroupMsg, "alice"); string(got) != "fragmented hello" {
		t.Errorf("body = %q, want 'fragmented hello'", got)
	}

	// Byte a byte: o parse é prefix-closed, a saída tem que ser idêntica.
	frame2, _ := protocol.EncodeFrame(protocol.KindGroupMsg, "alice", []byte("one at a time"))
	for i := range frame2 {
		if _, err := alice.conn.Write(frame2[i : i+1]); err != nil {
			t.Fatalf("byte write %d: %v", i, err)
		}
	}
	if got := bob.expect(protocol.KindGroupMsg, "alice"); string(got) != "one at a time" {
		t.Errorf("body = %q, want 'one at a time'", got)
	}
}
