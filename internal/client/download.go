// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"log/slog"

	"github.com/nishisan-dev/n-chat/internal/protocol"
)

// maxFileNameLength é o comprimento máximo aceito para o nome anunciado no
// FILE_START. Acima disso o filesystem rejeitaria de qualquer forma.
const maxFileNameLength = 255

// FileReceiver materializa transferências recebidas em um diretório local.
// Cada stream é escrito em um arquivo temporário e renomeado para o nome
// anunciado só quando o FILE_END chega com o tamanho conferido; uma queda no
// meio nunca deixa um arquivo final truncado.
//
// O relay garante no máximo um stream em andamento por sender, então o mapa
// é indexado pelo nome do sender.
type FileReceiver struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*inboundFile
}

type inboundFile struct {
	tmp      *os.File
	tmpPath  string
	name     string
	declared uint64
	received uint64
}

// NewFileReceiver cria um receiver que grava em dir (criado se preciso).
func NewFileReceiver(dir string, logger *slog.Logger) (*FileReceiver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating download dir %s: %w", dir, err)
	}
	return &FileReceiver{
		dir:    dir,
		logger: logger.With("component", "file_receiver"),
		active: make(map[string]*inboundFile),
	}, nil
}

// Wire registra os callbacks de arquivo do client neste receiver. Erros de
// escrita são logados; a transferência problemática é abortada sem derrubar
// a conexão.
func (fr *FileReceiver) Wire(c *Client) {
	c.SetOnFileStart(func(sender string, info protocol.FileInfo) {
		if err := fr.Start(sender, info); err != nil {
			fr.logger.Warn("rejecting inbound file", "sender", sender,
				"file", info.Name, "error", err)
		}
	})
	c.SetOnFileChunk(func(sender string, chunk []byte) {
		if err := fr.Data(sender, chunk); err != nil {
			fr.logger.Warn("inbound chunk dropped", "sender", sender, "error", err)
		}
	})
	c.SetOnFileEnd(func(sender string) {
		if _, err := fr.End(sender); err != nil {
			fr.logger.Warn("inbound file discarded", "sender", sender, "error", err)
		}
	})
}

// Start abre o arquivo temporário de um novo stream. Um FILE_START com
// transferência já em andamento do mesmo sender descarta a anterior, que o
// sender abandonou.
func (fr *FileReceiver) Start(sender string, info protocol.FileInfo) error {
	if err := validateFileName(info.Name); err != nil {
		return err
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()

	if old, ok := fr.active[sender]; ok {
		fr.logger.Warn("inbound transfer restarted mid-stream",
			"sender", sender, "old_file", old.name, "new_file", info.Name)
		fr.discardLocked(sender)
	}

	tmp, err := os.CreateTemp(fr.dir, ".nchat-recv-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	fr.active[sender] = &inboundFile{
		tmp:      tmp,
		tmpPath:  tmp.Name(),
		name:     info.Name,
		declared: info.Size,
	}
	fr.logger.Debug("inbound file started", "sender", sender,
		"file", info.Name, "size", info.Size)
	return nil
}

// Data acrescenta um chunk ao stream do sender. Chunks sem FILE_START são
// ignorados (o relay tolera órfãos); overrun aborta a transferência.
func (fr *FileReceiver) Data(sender string, chunk []byte) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	in, ok := fr.active[sender]
	if !ok {
		return nil
	}

	if in.received+uint64(len(chunk)) > in.declared {
		fr.discardLocked(sender)
		return fmt.Errorf("transfer of %s exceeds declared size %d", in.name, in.declared)
	}

	if _, err := in.tmp.Write(chunk); err != nil {
		fr.discardLocked(sender)
		return fmt.Errorf("writing %s: %w", in.name, err)
	}
	in.received += uint64(len(chunk))
	return nil
}

// End fecha o stream e publica o arquivo com o nome anunciado, substituindo
// um arquivo homônimo anterior. Um FILE_END sem stream ativo é ignorado;
// bytes faltando descartam o temporário.
func (fr *FileReceiver) End(sender string) (string, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	in, ok := fr.active[sender]
	if !ok {
		return "", nil
	}
	delete(fr.active, sender)

	if in.received != in.declared {
		in.tmp.Close()
		os.Remove(in.tmpPath)
		return "", fmt.Errorf("transfer of %s ended short: %d of %d bytes",
			in.name, in.received, in.declared)
	}

	if err := in.tmp.Sync(); err != nil {
		in.tmp.Close()
		os.Remove(in.tmpPath)
		return "", fmt.Errorf("syncing %s: %w", in.name, err)
	}
	if err := in.tmp.Close(); err != nil {
		os.Remove(in.tmpPath)
		return "", fmt.Errorf("closing %s: %w", in.name, err)
	}

	final := filepath.Join(fr.dir, in.name)
	if err := validatePathInDir(fr.dir, final); err != nil {
		os.Remove(in.tmpPath)
		return "", err
	}
	if err := os.Rename(in.tmpPath, final); err != nil {
		os.Remove(in.tmpPath)
		return "", fmt.Errorf("publishing %s: %w", in.name, err)
	}

	fr.logger.Info("inbound file received", "sender", sender,
		"file", in.name, "size", in.received)
	return final, nil
}

// Abort descarta o stream ativo do sender, se houver. Usado quando a
// conexão cai no meio de uma transferência.
func (fr *FileReceiver) Abort(sender string) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.discardLocked(sender)
}

func (fr *FileReceiver) discardLocked(sender string) {
	in, ok := fr.active[sender]
	if !ok {
		return
	}
	delete(fr.active, sender)
	in.tmp.Close()
	os.Remove(in.tmpPath)
}

// validateFileName valida o nome anunciado pelo sender remoto antes de usá-lo
// como componente de caminho. Previne path traversal e arquivos ocultos.
func validateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("file name cannot be empty")
	}

	if len(name) > maxFileNameLength {
		return fmt.Errorf("file name exceeds max length %d", maxFileNameLength)
	}

	// Rejeita separadores de path
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("file name contains path separator")
	}

	// Rejeita NUL byte
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("file name contains null byte")
	}

	// Rejeita path traversal
	if name == "." || name == ".." || strings.HasPrefix(name, "..") {
		return fmt.Errorf("file name contains path traversal")
	}

	// Rejeita nomes que começam com ponto (hidden files)
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("file name starts with dot")
	}

	return nil
}

// validatePathInDir verifica que o caminho resolvido permanece dentro de dir.
// Defesa em profundidade contra path traversal.
func validatePathInDir(dir, resolvedPath string) error {
	absBase, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving download dir: %w", err)
	}
	absResolved, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}

	rel, err := filepath.Rel(absBase, absResolved)
	if err != nil {
		return fmt.Errorf("path escapes download dir: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path %q escapes download dir %q", resolvedPath, dir)
	}
	return nil
}
