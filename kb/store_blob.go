package kb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"
)

// BlobObjectInfo describes a stored object. Version is opaque and only
// compared for equality.
type BlobObjectInfo struct {
	Key       string
	Version   string
	UpdatedAt time.Time
	Size      int64
}

// BlobStore holds the per-build artifacts (all_paths.txt, split_paths.txt)
// and, through BlobManifestStore, build manifests.
//
// Head and Download return ErrBlobNotFound for missing keys. UploadIfMatch
// with an empty expectedVersion writes unconditionally; otherwise it fails
// with ErrBlobVersionMismatch unless the stored version still equals
// expectedVersion. List returns keys starting with prefix, sorted.
type BlobStore interface {
	Head(ctx context.Context, key string) (*BlobObjectInfo, error)
	Download(ctx context.Context, key string, dest string) error
	UploadIfMatch(ctx context.Context, key string, src string, expectedVersion string) (*BlobObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]BlobObjectInfo, error)
}

// putBlob stages data in a temp file and uploads it to key.
func putBlob(ctx context.Context, store BlobStore, key string, data []byte, expectedVersion string) (*BlobObjectInfo, error) {
	dir, err := os.MkdirTemp("", "schemarag-blob-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, path.Base(key))
	if err := os.WriteFile(src, data, 0o644); err != nil {
		return nil, err
	}
	return store.UploadIfMatch(ctx, key, src, expectedVersion)
}

// getBlob downloads key into memory. Artifacts and manifests are small.
func getBlob(ctx context.Context, store BlobStore, key string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "schemarag-blob-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	dest := filepath.Join(dir, path.Base(key))
	if err := store.Download(ctx, key, dest); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		return nil, fmt.Errorf("read downloaded %s: %w", key, err)
	}
	return data, nil
}

func isBlobMissing(err error) bool {
	return errors.Is(err, ErrBlobNotFound) || errors.Is(err, os.ErrNotExist)
}
