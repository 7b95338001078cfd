// Package archive stores raw copies of harvested documents either on local
// disk or in an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"spend-enrichment-pipeline/internal/config"
)

// Uploader writes body under key and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// New picks the uploader named by cfg.ArchiveDestination.
func New(ctx context.Context, cfg config.Config) (Uploader, error) {
	switch strings.ToLower(cfg.ArchiveDestination) {
	case "s3":
		if cfg.ArchiveS3Bucket == "" {
			return nil, errors.New("archive destination s3 requested but ARCHIVE_S3_BUCKET is not configured")
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}, nil
	case "local", "":
		dir := cfg.ArchiveDir
		if dir == "" {
			dir = "./archive"
		}
		return &LocalUploader{baseDir: dir}, nil
	default:
		return nil, fmt.Errorf("unknown archive destination %q", cfg.ArchiveDestination)
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
	}), nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// DocumentKey builds the archive key for a buyer's document.
func DocumentKey(buyerID, documentID, sourceURL string) string {
	ext := strings.ToLower(path.Ext(strings.SplitN(sourceURL, "?", 2)[0]))
	if len(ext) > 6 || ext == "" || unsafeKeyChars.MatchString(ext[1:]) {
		ext = ".html"
	}
	return path.Join("board-documents", unsafeKeyChars.ReplaceAllString(buyerID, "_"), documentID+ext)
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

// LocalUploader writes under a base directory.
type LocalUploader struct {
	baseDir string
}

// NewLocalUploader writes archives beneath dir.
func NewLocalUploader(dir string) *LocalUploader {
	return &LocalUploader{baseDir: dir}
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

// S3Uploader puts objects into a bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
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
