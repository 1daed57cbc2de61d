// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// fanOutHandler é um slog.Handler que despacha cada registro para dois handlers.
// Usado pelo espelho de datagram para gravar simultaneamente no handler do
// processo e no socket do loggerd.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Verifica Enabled() de cada handler individualmente antes de despachar.
	// Isso garante que registros DEBUG não são enviados ao handler primário
	// quando este aceita apenas INFO (ou superior).
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// Falhas no espelho não devem impedir o log do processo.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// datagramHandler serializa cada registro em uma única linha e o envia como
// um datagram para o loggerd. Envio é fire-and-forget: se o daemon não está
// escutando, o registro é descartado sem afetar o processo.
//
// Formato da linha:
//
//	[2025-06-20 15:04:05.123] [INFO] [server.go:42:handleJoin] msg key=value
type datagramHandler struct {
	conn  net.Conn
	attrs []slog.Attr
	group string
}

func (h *datagramHandler) Enabled(_ context.Context, _ slog.Level) bool {
	// O nível efetivo é decidido pelo daemon e pelo handler primário;
	// o espelho aceita tudo que chegar até ele.
	return true
}

func (h *datagramHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "[%s] [%s]", r.Time.Format("2006-01-02 15:04:05.000"), r.Level.String())
	if src := formatSource(r.PC); src != "" {
		fmt.Fprintf(&buf, " [%s]", src)
	}
	buf.WriteByte(' ')
	buf.WriteString(r.Message)

	// Attrs acumulados já carregam o prefixo de grupo da época do WithAttrs;
	// só os attrs do registro recebem o grupo corrente.
	for _, a := range h.attrs {
		appendAttr(&buf, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&buf, a, h.group)
		return true
	})

	// Um registro por datagram; erros de envio são deliberadamente ignorados.
	_, _ = h.conn.Write(buf.Bytes())
	return nil
}

func appendAttr(buf *bytes.Buffer, a slog.Attr, group string) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	fmt.Fprintf(buf, " %s=%v", key, a.Value.Resolve())
}

func (h *datagramHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		merged = append(merged, a)
	}
	return &datagramHandler{conn: h.conn, attrs: merged, group: h.group}
}

func (h *datagramHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &datagramHandler{conn: h.conn, attrs: h.attrs, group: group}
}

// formatSource resolve o PC do registro para "arquivo.go:linha:função".
func formatSource(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	if frame.File == "" {
		return ""
	}
	fn := frame.Function
	if i := strings.LastIndex(fn, "."); i >= 0 {
		fn = fn[i+1:]
	}
	return fmt.Sprintf("%s:%d:%s", filepath.Base(frame.File), frame.Line, fn)
}

// MirrorToDatagram envolve o logger para que cada registro também seja
// enviado ao socket unix datagram do loggerd. O envio é fire-and-forget.
//
// Se o socket não puder ser alcançado no momento da criação, o logger
// original é retornado junto com o erro: o caller loga o aviso e segue sem
// o espelho.
func MirrorToDatagram(base *slog.Logger, socketPath string) (*slog.Logger, io.Closer, error) {
	conn, err := net.DialTimeout("unixgram", socketPath, 2*time.Second)
	if err != nil {
		return base, io.NopCloser(strings.NewReader("")), fmt.Errorf("dialing loggerd socket %s: %w", socketPath, err)
	}

	combined := &fanOutHandler{
		primary:   base.Handler(),
		secondary: &datagramHandler{conn: conn},
	}
	return slog.New(combined), conn, nil
}
