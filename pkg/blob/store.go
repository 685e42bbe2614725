package blob

import (
	"context"
	"fmt"
	"strings"
)

// Store persists receipt attachment bytes under a folder identified by a
// scheme-qualified URI (gs://bucket/prefix or s3://bucket/prefix) and
// returns the fully-qualified object reference written.
type Store interface {
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Open selects a backend by the URI scheme of folderURI, per the
// "blob receipts folder id" config value.
func Open(ctx context.Context, folderURI string) (Store, error) {
	switch {
	case strings.HasPrefix(folderURI, "gs://"):
		return newGCSStore(ctx, folderURI)
	case strings.HasPrefix(folderURI, "s3://"):
		return newS3Store(ctx, folderURI)
	default:
		return nil, fmt.Errorf("blob: unsupported folder URI scheme: %q", folderURI)
	}
}

func splitBucketPrefix(folderURI, scheme string) (bucket, prefix string) {
	trimmed := strings.TrimPrefix(folderURI, scheme)
	parts := strings.SplitN(trimmed, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = strings.TrimSuffix(parts[1], "/")
	}
	return bucket, prefix
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
