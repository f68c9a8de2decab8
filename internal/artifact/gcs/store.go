// Package gcs persists capture artifacts in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/pixelproof/adcapture/internal/capture"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
}

// Store writes artifacts to a configured GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed artifact store. Authentication is handled via
// Application Default Credentials. The bucket is checked on startup so a
// misconfigured deployment fails fast.
func New(ctx context.Context, client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		return nil, fmt.Errorf("bucket %q attributes: %w", cfg.Bucket, err)
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Put uploads data to the configured bucket and returns a gs:// URI.
func (s *Store) Put(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", capture.NewError(capture.ClassUpload,
				fmt.Errorf("write object %s: %w (close writer: %v)", path, err, closeErr))
		}
		return "", capture.NewError(capture.ClassUpload, fmt.Errorf("write object %s: %w", path, err))
	}
	// Close finalizes the upload; the object does not exist until it returns.
	if err := writer.Close(); err != nil {
		return "", capture.NewError(capture.ClassUpload, fmt.Errorf("close writer for %s: %w", path, err))
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

var _ capture.ArtifactStore = (*Store)(nil)
