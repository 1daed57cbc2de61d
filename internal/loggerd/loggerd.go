// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package loggerd implementa o daemon de log central do n-chat: recebe
// registros por unix datagram, persiste um registro por linha em arquivos
// diários e rotaciona (compressão, arquivamento S3 e retenção) os dias
// anteriores.
package loggerd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"log/slog"

	"github.com/nishisan-dev/n-chat/internal/config"
)

const (
	// maxDatagramSize é o maior registro aceito por datagrama (64KB).
	// Datagramas maiores são truncados pelo kernel na leitura.
	maxDatagramSize = 64 * 1024

	dayLayout = "2006-01-02"
	logExt    = ".log"
)

// Daemon é o receptor de registros de log. Run bloqueia lendo datagramas do
// socket até o context cancelar; o socket é removido na saída.
type Daemon struct {
	cfg     *config.LoggerdConfig
	logger  *slog.Logger
	rotator *Rotator

	mu      sync.Mutex
	file    *os.File
	day     string
	lineBuf []byte
}

// New cria o daemon e o rotator associado. O context é usado apenas para a
// resolução de credenciais do arquivamento (quando habilitado).
func New(ctx context.Context, cfg *config.LoggerdConfig, logger *slog.Logger) (*Daemon, error) {
	rotator, err := NewRotator(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Daemon{cfg: cfg, logger: logger, rotator: rotator}, nil
}

// Run faz bind do socket unixgram (modo 0666, para qualquer processo local
// logar), agenda a rotação e consome datagramas até o context cancelar.
// Um socket esquecido por uma execução anterior é substituído.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("creating log dir %s: %w", d.cfg.Dir, err)
	}
	if err := os.Remove(d.cfg.Socket); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale socket %s: %w", d.cfg.Socket, err)
	}

	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: d.cfg.Socket, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("binding log socket %s: %w", d.cfg.Socket, err)
	}
	defer func() {
		conn.Close()
		os.Remove(d.cfg.Socket)
		d.closeDayFile()
		d.logger.Info("loggerd stopped")
	}()

	// net.UnixConn não faz unlink no Close; o chmod permite que o server e
	// os clients (qualquer uid) enviem registros.
	if err := os.Chmod(d.cfg.Socket, 0o666); err != nil {
		return fmt.Errorf("chmod log socket %s: %w", d.cfg.Socket, err)
	}

	if err := d.rotator.StartSchedule(ctx); err != nil {
		return err
	}
	// Passada inicial: comprime os dias que ficaram para trás enquanto o
	// daemon esteve fora do ar.
	go d.rotator.Rotate(ctx, time.Now())

	d.logger.Info("loggerd listening", "socket", d.cfg.Socket, "dir", d.cfg.Dir,
		"compress", d.cfg.Rotation.Compress, "archive", d.cfg.Archive.Enabled)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := conn.ReadFromUnix(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("reading log datagram: %w", err)
		}
		if n == 0 {
			continue
		}
		d.append(ctx, buf[:n])
	}
}

// append grava um registro como uma linha no arquivo do dia corrente. A
// virada de dia fecha o arquivo anterior e dispara uma rotação assíncrona.
// Falhas de escrita descartam o registro; log é best-effort.
func (d *Daemon) append(ctx context.Context, record []byte) {
	record = bytes.TrimRight(record, "\n")
	now := time.Now()
	day := now.Format(dayLayout)

	d.mu.Lock()
	prevDay := d.day
	if d.file == nil || day != d.day {
		if err := d.openDayFile(day); err != nil {
			d.mu.Unlock()
			d.logger.Error("opening day file", "day", day, "error", err)
			return
		}
	}

	d.lineBuf = append(d.lineBuf[:0], record...)
	d.lineBuf = append(d.lineBuf, '\n')
	_, err := d.file.Write(d.lineBuf)
	d.mu.Unlock()

	if err != nil {
		d.logger.Error("appending log record", "day", day, "error", err)
	}
	if prevDay != "" && prevDay != day {
		go d.rotator.Rotate(ctx, now)
	}
}

// openDayFile troca o arquivo corrente pelo do dia informado. Caller segura
// d.mu. O_APPEND sem buffer em userspace: cada registro já sai no write,
// equivalente a um flush por linha.
func (d *Daemon) openDayFile(day string) error {
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
	path := filepath.Join(d.cfg.Dir, day+logExt)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	d.file = f
	d.day = day
	return nil
}

func (d *Daemon) closeDayFile() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
}
