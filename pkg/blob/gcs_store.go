package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// gcsStore is the default attachment backend, selected for a
// "blob receipts folder id" of the form gs://bucket/prefix.
type gcsStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func newGCSStore(ctx context.Context, folderURI string) (Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: open gcs client: %w", err)
	}
	bucket, prefix := splitBucketPrefix(folderURI, "gs://")
	return &gcsStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *gcsStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	objectName := joinKey(s.prefix, key)
	obj := s.client.Bucket(s.bucket).Object(objectName)
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("blob: write gcs object: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("blob: close gcs object: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, objectName), nil
}

func (s *gcsStore) Get(ctx context.Context, ref string) ([]byte, error) {
	bucket, object := splitBucketPrefix(ref, "gs://")
	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: open gcs reader: %w", err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
