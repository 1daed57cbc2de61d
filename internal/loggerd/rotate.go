// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package loggerd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/n-chat/internal/config"
)

// archiver envia um arquivo rotacionado para o armazenamento remoto.
type archiver interface {
	Upload(ctx context.Context, path string) error
}

// Rotator executa a passada de rotação sobre o diretório de logs: comprime
// os arquivos diários que não são do dia corrente, envia os artefatos para o
// bucket (quando habilitado) e apaga o que passou da retenção.
//
// O upload é idempotente (mesma chave, mesmo conteúdo); sem
// delete_after_upload os artefatos locais são reenviados a cada passada até
// a retenção removê-los, o que garante que falhas parciais não deixam dia
// de fora do bucket.
type Rotator struct {
	dir               string
	rotation          config.RotationConfig
	logger            *slog.Logger
	archiver          archiver
	deleteAfterUpload bool

	mu sync.Mutex // uma passada por vez (cron + virada de dia podem coincidir)
}

// NewRotator monta o rotator a partir da configuração. O uploader S3 só é
// construído quando o arquivamento está habilitado.
func NewRotator(ctx context.Context, cfg *config.LoggerdConfig, logger *slog.Logger) (*Rotator, error) {
	r := &Rotator{
		dir:               cfg.Dir,
		rotation:          cfg.Rotation,
		logger:            logger,
		deleteAfterUpload: cfg.Archive.DeleteAfterUpload,
	}
	if cfg.Archive.Enabled {
		up, err := NewUploader(ctx, cfg.Archive)
		if err != nil {
			return nil, err
		}
		r.archiver = up
	}
	return r, nil
}

// StartSchedule agenda a rotação com a expressão cron configurada. Retorna
// erro quando a expressão não parseia; o scheduler para sozinho quando o
// context cancela.
func (r *Rotator) StartSchedule(ctx context.Context) error {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(
		slog.NewLogLogger(r.logger.Handler(), slog.LevelDebug))))

	if _, err := c.AddFunc(r.rotation.Schedule, func() { r.Rotate(ctx, time.Now()) }); err != nil {
		return fmt.Errorf("parsing rotation schedule %q: %w", r.rotation.Schedule, err)
	}

	c.Start()
	r.logger.Info("rotation scheduled", "schedule", r.rotation.Schedule,
		"max_age_days", r.rotation.MaxAgeDays)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// Rotate roda uma passada completa: compressão, arquivamento e retenção.
// Falhas em um arquivo não interrompem os demais.
func (r *Rotator) Rotate(ctx context.Context, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := now.Format(dayLayout) + logExt

	for _, name := range r.listPlainDailies(current) {
		if err := r.compressOne(name); err != nil {
			r.logger.Error("compressing daily file", "file", name, "error", err)
		}
	}

	if r.archiver != nil {
		for _, name := range r.listArtifacts(current) {
			if err := r.archiveOne(ctx, name); err != nil {
				r.logger.Error("archiving daily file", "file", name, "error", err)
			}
		}
	}

	r.applyRetention(now)
}

// listPlainDailies devolve os arquivos .log de dias anteriores, candidatos à
// compressão. Com compress=none a lista é vazia: o próprio .log é o artefato.
func (r *Rotator) listPlainDailies(current string) []string {
	if r.rotation.FileExtension() == "" {
		return nil
	}
	var out []string
	for _, name := range r.listDir() {
		if !strings.HasSuffix(name, logExt) || name == current {
			continue
		}
		if _, ok := rotatedDay(name); !ok {
			continue
		}
		out = append(out, name)
	}
	return out
}

// listArtifacts devolve os artefatos rotacionados (comprimidos, ou .log de
// dias anteriores quando compress=none) candidatos a upload.
func (r *Rotator) listArtifacts(current string) []string {
	var out []string
	for _, name := range r.listDir() {
		if _, ok := rotatedDay(name); !ok {
			continue
		}
		switch {
		case strings.HasSuffix(name, ".gz") || strings.HasSuffix(name, ".zst"):
			out = append(out, name)
		case r.rotation.FileExtension() == "" && name != current:
			out = append(out, name)
		}
	}
	return out
}

func (r *Rotator) listDir() []string {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.logger.Error("listing log dir", "dir", r.dir, "error", err)
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names
}

// compressOne comprime um arquivo diário para <name><ext> via arquivo
// temporário + rename, e remove o original. Uma queda no meio deixa no
// máximo um .tmp órfão; o original segue elegível na próxima passada.
func (r *Rotator) compressOne(name string) error {
	src := filepath.Join(r.dir, name)
	dst := src + r.rotation.FileExtension()

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(r.dir, filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	zw, err := newCompressor(tmp, r.rotation.Compress)
	if err != nil {
		tmp.Close()
		return err
	}
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		tmp.Close()
		return fmt.Errorf("compressing %s: %w", src, err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("finishing compression of %s: %w", src, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("renaming %s: %w", tmpName, err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("removing %s: %w", src, err)
	}

	r.logger.Info("daily file rotated", "file", name, "artifact", filepath.Base(dst))
	return nil
}

// archiveOne envia um artefato para o bucket e, com delete_after_upload,
// remove a cópia local em caso de sucesso.
func (r *Rotator) archiveOne(ctx context.Context, name string) error {
	path := filepath.Join(r.dir, name)
	if err := r.archiver.Upload(ctx, path); err != nil {
		return err
	}
	r.logger.Info("daily file archived", "file", name)
	if r.deleteAfterUpload {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing %s after upload: %w", path, err)
		}
	}
	return nil
}

// applyRetention apaga artefatos cujo dia ficou antes do cutoff. Inclui
// .log sem compressão de dias antigos, para cobrir troca de modo.
func (r *Rotator) applyRetention(now time.Time) {
	cutoff := r.rotation.RetentionCutoff(now)

	for _, name := range r.listDir() {
		day, ok := rotatedDay(name)
		if !ok {
			continue
		}
		if !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(r.dir, name)); err != nil {
			r.logger.Error("removing expired file", "file", name, "error", err)
			continue
		}
		r.logger.Info("expired file removed", "file", name, "day", day.Format(dayLayout))
	}
}

// rotatedDay extrai a data do nome de um arquivo diário
// (YYYY-MM-DD.log[.gz|.zst]). Arquivos fora do padrão não são tocados.
func rotatedDay(name string) (time.Time, bool) {
	name = strings.TrimSuffix(name, ".gz")
	name = strings.TrimSuffix(name, ".zst")
	base, ok := strings.CutSuffix(name, logExt)
	if !ok {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation(dayLayout, base, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// newCompressor cria o io.WriteCloser de compressão para o modo configurado.
func newCompressor(w io.Writer, mode string) (io.WriteCloser, error) {
	switch mode {
	case "zst":
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case "gzip":
		gzWriter, err := pgzip.NewWriterLevel(w, pgzip.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("creating gzip writer: %w", err)
		}
		if err := gzWriter.SetConcurrency(1<<20, runtime.GOMAXPROCS(0)); err != nil {
			return nil, fmt.Errorf("configuring gzip concurrency: %w", err)
		}
		return gzWriter, nil
	default:
		return nil, fmt.Errorf("unsupported compression mode %q", mode)
	}
}
