// Package storage abstracts the object store that receives processed tile
// artifacts. The production implementation targets Google Cloud Storage;
// tests substitute an in-memory Store.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"

	gcs "cloud.google.com/go/storage"
)

// Store uploads named artifacts.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader) error
	Close() error
}

// Discard is a Store that drains and drops uploads. Used when no bucket is
// configured and in tests.
type Discard struct{}

func (Discard) Put(_ context.Context, _ string, r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

func (Discard) Close() error { return nil }

// GCS implements Store on a Google Cloud Storage bucket.
type GCS struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCS opens a client using ambient credentials.
func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("open storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: prefix}, nil
}

// Put streams r into <prefix>/<name>. The write is atomic: the object only
// becomes visible once Close succeeds.
func (g *GCS) Put(ctx context.Context, name string, r io.Reader) error {
	obj := g.client.Bucket(g.bucket).Object(path.Join(g.prefix, name))
	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize %s: %w", name, err)
	}
	return nil
}

// Close releases the underlying client.
func (g *GCS) Close() error { return g.client.Close() }
