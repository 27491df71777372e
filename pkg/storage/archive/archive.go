// Package archive persists the raw response payload of each
// successful batch fetch, for replay and audit. Archival is optional
// and best-effort: a failure to archive never fails the batch it
// describes (see the Fetch Engine's archival expansion in
// SPEC_FULL.md).
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store archives a raw batch payload and returns a reference that
// Retrieve can later resolve back to the bytes.
type Store interface {
	Store(ctx context.Context, batchID string, payload []byte) (reference string, err error)
	Retrieve(ctx context.Context, reference string) ([]byte, error)
}

// S3Store archives payloads to an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config configures an S3Store.
type S3Config struct {
	Bucket          string
	Prefix          string // e.g. "batches/"
	Region          string
	Endpoint        string // non-empty for MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Store builds an S3-backed archive store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Store) Store(ctx context.Context, batchID string, payload []byte) (string, error) {
	key := s.buildKey(batchID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload batch archive to S3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *S3Store) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	key := s.extractKey(reference)
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get batch archive from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch archive: %w", err)
	}
	return data, nil
}

func (s *S3Store) buildKey(batchID string) string {
	timestamp := time.Now().Format("2006/01/02")
	return fmt.Sprintf("%s%s/%s.json", s.prefix, timestamp, batchID)
}

func (s *S3Store) extractKey(reference string) string {
	const schemePrefix = "s3://"
	if len(reference) > len(schemePrefix) && reference[:len(schemePrefix)] == schemePrefix {
		parts := reference[len(schemePrefix):]
		for i, c := range parts {
			if c == '/' {
				return parts[i+1:]
			}
		}
	}
	return reference
}

// LocalStore archives payloads to the local filesystem, for
// development and single-node deployments without an object store.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a local filesystem archive store rooted at
// basePath.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

func (l *LocalStore) Store(ctx context.Context, batchID string, payload []byte) (string, error) {
	path := filepath.Join(l.basePath, batchID+".json")
	if err := os.WriteFile(path, payload, 0644); err != nil {
		return "", fmt.Errorf("failed to write batch archive: %w", err)
	}
	return path, nil
}

func (l *LocalStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	return os.ReadFile(reference)
}
