// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package loggerd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/n-chat/internal/config"
)

// Uploader envia artefatos rotacionados para um bucket S3-compatible
// (AWS, MinIO, localstack). A chave do objeto é prefix + nome do arquivo.
type Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewUploader constrói o client S3 a partir da configuração de arquivamento.
// Sem credenciais estáticas, a cadeia default da AWS resolve (env, perfil,
// IMDS); o endpoint custom cobre buckets fora da AWS.
func NewUploader(ctx context.Context, cfg config.ArchiveConfig) (*Uploader, error) {
	opts := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Uploader{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// Upload envia um arquivo local para o bucket. Reenviar a mesma chave é
// idempotente: o conteúdo de um dia fechado não muda.
func (u *Uploader) Upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	key := u.prefix + filepath.Base(path)
	if _, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", u.bucket, key, err)
	}
	return nil
}
