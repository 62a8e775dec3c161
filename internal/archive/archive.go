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
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"prediction-service/internal/config"
	"prediction-service/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver copies terminal job records to long-term storage so they outlive the result TTL.
type Archiver struct {
	up uploader
}

// Record is the archived form of a job.
type Record struct {
	ID        string           `json:"id"`
	Input     string           `json:"input"`
	Status    models.Status    `json:"status"`
	Attempts  int              `json:"attempts"`
	Output    *models.Output   `json:"output,omitempty"`
	Error     *models.JobError `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// New picks S3 when ARCHIVE_BUCKET is set, else a local directory when ARCHIVE_DIR is set.
// It returns nil when archiving is disabled.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ArchiveBucket != "" {
		awsCfg, err := cfg.AWS(ctx)
		if err != nil {
			return nil, err
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = cfg.ArchivePathStyle
		})
		return NewS3(client, cfg.ArchiveBucket), nil
	}
	if cfg.ArchiveDir != "" {
		return NewLocal(cfg.ArchiveDir), nil
	}
	return nil, nil
}

func NewLocal(dir string) *Archiver {
	return &Archiver{up: &localUploader{baseDir: dir}}
}

func NewS3(client *s3.Client, bucket string) *Archiver {
	return &Archiver{up: &s3Uploader{client: client, bucket: bucket}}
}

// Archive writes a terminal job and returns where it landed.
func (a *Archiver) Archive(ctx context.Context, job models.Job) (string, error) {
	if !job.Status.Terminal() {
		return "", fmt.Errorf("archive job %s: status %s is not terminal", job.ID, job.Status)
	}
	v := job.View()
	body, err := json.Marshal(Record{
		ID:        job.ID,
		Input:     job.Input,
		Status:    job.Status,
		Attempts:  job.Attempts,
		Output:    v.Output,
		Error:     v.Error,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return a.up.Upload(ctx, Key(job), body, "application/json")
}

// Key lays records out by completion day: predictions/2006/01/02/<id>.json.
func Key(job models.Job) string {
	ts := job.UpdatedAt
	if ts.IsZero() {
		ts = job.CreatedAt
	}
	return fmt.Sprintf("predictions/%s/%s.json", ts.UTC().Format("2006/01/02"), sanitizeKey(job.ID))
}

func sanitizeKey(key string) string {
	key = filepath.Base(filepath.Clean(key))
	return strings.TrimPrefix(key, ".")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename file: %w", err)
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
