// Package storage provides the durable artifact store backing every pipeline
// stage: a key/value + blob interface with an S3 implementation and an
// in-memory implementation for tests and local runs.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/rs/zerolog/log"
)

// Store is the durable key/value + blob interface used by the pipeline.
// Keys are forward-slash paths partitioned by project id.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// DownloadTo streams an artifact to a local file path.
	DownloadTo(ctx context.Context, key, localPath string) error
	// UploadFile streams a local file to an artifact key.
	UploadFile(ctx context.Context, key, localPath, contentType string) error
}

// S3Store is the production Store backed by an S3 bucket.
type S3Store struct {
	svc    *s3.S3
	bucket string
	prefix string
}

// S3Options configures the S3-backed store. Endpoint is only set for
// S3-compatible servers (MinIO etc.).
type S3Options struct {
	Bucket   string
	Region   string
	Prefix   string
	Endpoint string
}

func NewS3(opts S3Options) (*S3Store, error) {
	awsCfg := aws.NewConfig().WithRegion(opts.Region)
	if opts.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(opts.Endpoint).WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Store{
		svc:    s3.New(sess),
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
	}, nil
}

func (s *S3Store) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case "NotFound", s3.ErrCodeNoSuchKey:
				return false, nil
			}
		}
		return false, fmt.Errorf("failed to head %s: %w", key, err)
	}
	return true, nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.fullKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.svc.PutObjectWithContext(ctx, input); err != nil {
		log.Error().Err(err).
			Str("bucket", s.bucket).
			Str("key", key).
			Msg("failed to upload object")
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) DownloadTo(ctx context.Context, key, localPath string) error {
	out, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer out.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, out.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	return nil
}

func (s *S3Store) UploadFile(ctx context.Context, key, localPath, contentType string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", localPath, err)
	}
	return s.Put(ctx, key, data, contentType)
}
