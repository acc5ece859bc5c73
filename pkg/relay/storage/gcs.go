package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// GCS persists recordings to a Google Cloud Storage bucket using application
// default credentials.
type GCS struct {
	client *gcs.Client
	bucket string
}

func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: gcs bucket is required")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: create gcs client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

func (g *GCS) Persist(ctx context.Context, localPath, objectName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", localPath, err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = ContentTypeWAV
	if _, err := io.Copy(w, f); err != nil {
		// Canceling the context aborts the upload before Close commits it.
		cancel()
		_ = w.Close()
		return fmt.Errorf("storage: upload gs://%s/%s: %w", g.bucket, objectName, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: upload gs://%s/%s: %w", g.bucket, objectName, err)
	}
	return nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}
