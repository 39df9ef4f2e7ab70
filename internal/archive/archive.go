// Package archive writes completed reconciliation summaries to durable
// object storage for later audit. Archival is best effort; a failed
// write never changes job state.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"transaction-reconciler/internal/config"
	"transaction-reconciler/internal/models"
	"transaction-reconciler/internal/recon"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver snapshots job summaries. With a bucket configured it writes
// to S3, otherwise to a local directory. No configuration disables it.
type Archiver struct {
	up uploader
}

// New picks the destination from the configuration. Returns nil when
// neither S3 nor a local directory is configured.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{up: &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}}, nil
	}
	if cfg.ArchiveDir != "" {
		return &Archiver{up: &localUploader{baseDir: cfg.ArchiveDir}}, nil
	}
	return nil, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Store writes one summary under clients/<client>/jobs/<date>-<job>.json.
func (a *Archiver) Store(ctx context.Context, job models.Job, summary recon.Summary) error {
	body, err := json.MarshalIndent(map[string]any{
		"job_id":       job.ID,
		"client_id":    job.ClientID,
		"completed_at": job.CompletedAt,
		"summary":      summary,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal archive record: %w", err)
	}
	key := fmt.Sprintf("clients/%s/jobs/%s-%s.json",
		job.ClientID, time.Now().UTC().Format("20060102"), job.ID)
	if _, err := a.up.Upload(ctx, key, body, "application/json"); err != nil {
		return fmt.Errorf("upload archive record: %w", err)
	}
	return nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
