package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// BlobManifestStore keeps build manifests as JSON objects in a BlobStore,
// next to the build artifacts. <collection>/manifest.json points at the
// latest build and is the CAS target; <collection>/<build>/manifest.json is
// the write-once history entry.
type BlobManifestStore struct {
	Store BlobStore
}

var _ ManifestStore = (*BlobManifestStore)(nil)

func (s *BlobManifestStore) Get(ctx context.Context, collection string) (*ManifestDocument, error) {
	key := buildManifestKey(collection)
	info, err := s.Store.Head(ctx, key)
	if err != nil {
		return nil, missingAsManifestNotFound(err)
	}
	manifest, err := s.read(ctx, key)
	if err != nil {
		return nil, missingAsManifestNotFound(err)
	}
	return &ManifestDocument{Manifest: *manifest, Version: info.Version}, nil
}

func (s *BlobManifestStore) HeadVersion(ctx context.Context, collection string) (string, error) {
	info, err := s.Store.Head(ctx, buildManifestKey(collection))
	if isBlobMissing(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Version, nil
}

// UpsertIfMatch records the history entry first, so a published pointer
// always has one.
func (s *BlobManifestStore) UpsertIfMatch(ctx context.Context, collection string, manifest BuildManifest, expectedVersion string) (string, error) {
	if manifest.SchemaVersion == 0 {
		manifest.SchemaVersion = buildManifestSchemaVersion
	}
	if manifest.BuildID != "" {
		if _, err := s.write(ctx, buildHistoryKey(collection, manifest.BuildID), manifest, ""); err != nil {
			return "", fmt.Errorf("record build %s for %s: %w", manifest.BuildID, collection, err)
		}
	}
	info, err := s.write(ctx, buildManifestKey(collection), manifest, expectedVersion)
	if err != nil {
		return "", fmt.Errorf("publish manifest for %s: %w", collection, err)
	}
	return info.Version, nil
}

func (s *BlobManifestStore) History(ctx context.Context, collection string, limit int) ([]BuildManifest, error) {
	objects, err := s.Store.List(ctx, collection+"/")
	if err != nil {
		return nil, fmt.Errorf("list builds for %s: %w", collection, err)
	}
	builds := make([]BuildManifest, 0, len(objects))
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Key, collection+"/")
		buildID, name, ok := strings.Cut(rest, "/")
		if !ok || buildID == "" || name != manifestFileName {
			continue
		}
		m, err := s.read(ctx, obj.Key)
		if isBlobMissing(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		builds = append(builds, *m)
	}
	return newestBuildsFirst(builds, limit), nil
}

// Delete drops the latest pointer. History entries go with their artifacts.
func (s *BlobManifestStore) Delete(ctx context.Context, collection string) error {
	err := s.Store.Delete(ctx, buildManifestKey(collection))
	if err != nil && !isBlobMissing(err) {
		return fmt.Errorf("delete manifest for %s: %w", collection, err)
	}
	return nil
}

func (s *BlobManifestStore) read(ctx context.Context, key string) (*BuildManifest, error) {
	data, err := getBlob(ctx, s.Store, key)
	if err != nil {
		return nil, err
	}
	var m BuildManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", key, err)
	}
	return &m, nil
}

func (s *BlobManifestStore) write(ctx context.Context, key string, m BuildManifest, expectedVersion string) (*BlobObjectInfo, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return putBlob(ctx, s.Store, key, data, expectedVersion)
}

func missingAsManifestNotFound(err error) error {
	if isBlobMissing(err) {
		return ErrManifestNotFound
	}
	return err
}
