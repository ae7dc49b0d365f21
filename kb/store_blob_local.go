package kb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const localUploadPattern = ".upload-*"

// LocalBlobStore keeps build artifacts and manifests under Root, for single
// host deployments and tests. Versions are sha256 content hashes, so
// rewriting identical bytes keeps the version. Conditional uploads are
// serialised within the process; the rename makes each write atomic for
// readers.
type LocalBlobStore struct {
	Root string

	mu sync.Mutex
}

var _ BlobStore = (*LocalBlobStore)(nil)

// resolve maps key under Root and rejects keys that escape it.
func (l *LocalBlobStore) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(l.Root, clean), nil
}

func (l *LocalBlobStore) Head(ctx context.Context, key string) (*BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	return l.describe(key, p)
}

func (l *LocalBlobStore) Download(ctx context.Context, key, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := l.resolve(key)
	if err != nil {
		return err
	}
	in, err := os.Open(p)
	if err != nil {
		return localBlobError(key, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("download %s: %w", key, err)
	}
	return out.Close()
}

// UploadIfMatch stages src next to the target and renames it into place.
func (l *LocalBlobStore) UploadIfMatch(ctx context.Context, key string, src string, expectedVersion string) (*BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dest, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if expectedVersion != "" {
		current, err := l.describe(key, dest)
		if err != nil && !errors.Is(err, ErrBlobNotFound) {
			return nil, err
		}
		if current == nil || current.Version != expectedVersion {
			return nil, fmt.Errorf("%w: %s", ErrBlobVersionMismatch, key)
		}
	}

	staged, version, err := stageCopy(src, filepath.Dir(dest))
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}
	if err := os.Rename(staged, dest); err != nil {
		_ = os.Remove(staged)
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return nil, err
	}
	return &BlobObjectInfo{Key: key, Version: version, UpdatedAt: info.ModTime().UTC(), Size: info.Size()}, nil
}

// Delete is a no-op for missing keys.
func (l *LocalBlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	p, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List walks only the directory named by prefix up to its last slash.
func (l *LocalBlobStore) List(ctx context.Context, prefix string) ([]BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := l.Root
	if i := strings.LastIndex(prefix, "/"); i > 0 {
		dir, err := l.resolve(prefix[:i])
		if err != nil {
			return nil, err
		}
		start = dir
	}

	items := []BlobObjectInfo{}
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(localUploadPattern, d.Name()); ok {
			return nil
		}
		rel, err := filepath.Rel(l.Root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := l.describe(key, p)
		if err != nil {
			return err
		}
		items = append(items, *info)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return []BlobObjectInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

func (l *LocalBlobStore) describe(key, p string) (*BlobObjectInfo, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, localBlobError(key, err)
	}
	version, err := fileContentSHA256(p)
	if err != nil {
		return nil, localBlobError(key, err)
	}
	return &BlobObjectInfo{Key: key, Version: version, UpdatedAt: info.ModTime().UTC(), Size: info.Size()}, nil
}

// stageCopy copies src into a synced temp file in dir and returns its path
// and content hash.
func stageCopy(src, dir string) (string, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", "", err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(dir, localUploadPattern)
	if err != nil {
		return "", "", err
	}
	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(tmp, h), in)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", "", err
	}
	return tmp.Name(), hex.EncodeToString(h.Sum(nil)), nil
}

func localBlobError(key string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s: %w", ErrBlobNotFound, key, err)
	}
	return err
}
