package kb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBuildManifest(collection string) BuildManifest {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return BuildManifest{
		Collection:   collection,
		BuildID:      "0b6f6c56-0d1c-4c55-9a0c-5e1f1f6f2a10",
		Dimension:    384,
		Anchors:      2,
		Paths:        4,
		Fragments:    5,
		SplitOrigins: 1,
		ArtifactKeys: []string{
			buildArtifactKey(collection, "0b6f6c56-0d1c-4c55-9a0c-5e1f1f6f2a10", allPathsArtifact),
			buildArtifactKey(collection, "0b6f6c56-0d1c-4c55-9a0c-5e1f1f6f2a10", splitPathsArtifact),
		},
		StartedAt:   now.Add(-time.Second),
		CompletedAt: now,
	}
}

// runManifestStoreTests exercises any ManifestStore implementation.
func runManifestStoreTests(t *testing.T, newStore func(t *testing.T) ManifestStore) {
	ctx := context.Background()
	collection := "schema_paths"
	manifest := sampleBuildManifest(collection)

	tests := []struct {
		name string
		run  func(t *testing.T, store ManifestStore)
	}{
		{
			name: "get_missing",
			run: func(t *testing.T, store ManifestStore) {
				_, err := store.Get(ctx, collection)
				require.ErrorIs(t, err, ErrManifestNotFound)
			},
		},
		{
			name: "get_after_upsert",
			run: func(t *testing.T, store ManifestStore) {
				version, err := store.UpsertIfMatch(ctx, collection, manifest, "")
				require.NoError(t, err)
				require.NotEmpty(t, version)

				doc, err := store.Get(ctx, collection)
				require.NoError(t, err)
				assert.Equal(t, version, doc.Version)
				assert.Equal(t, buildManifestSchemaVersion, doc.Manifest.SchemaVersion)
				assert.Equal(t, manifest.BuildID, doc.Manifest.BuildID)
				assert.Equal(t, manifest.Fragments, doc.Manifest.Fragments)
				assert.Equal(t, manifest.ArtifactKeys, doc.Manifest.ArtifactKeys)
				assert.True(t, manifest.CompletedAt.Equal(doc.Manifest.CompletedAt))
			},
		},
		{
			name: "stale_version_conflicts",
			run: func(t *testing.T, store ManifestStore) {
				_, err := store.UpsertIfMatch(ctx, collection, manifest, "")
				require.NoError(t, err)

				_, err = store.UpsertIfMatch(ctx, collection, manifest, "stale-version")
				require.ErrorIs(t, err, ErrBlobVersionMismatch)
			},
		},
		{
			name: "matching_version_replaces",
			run: func(t *testing.T, store ManifestStore) {
				v1, err := store.UpsertIfMatch(ctx, collection, manifest, "")
				require.NoError(t, err)

				next := manifest
				next.BuildID = "second-build"
				v2, err := store.UpsertIfMatch(ctx, collection, next, v1)
				require.NoError(t, err)
				assert.NotEqual(t, v1, v2)

				doc, err := store.Get(ctx, collection)
				require.NoError(t, err)
				assert.Equal(t, "second-build", doc.Manifest.BuildID)
			},
		},
		{
			name: "head_version",
			run: func(t *testing.T, store ManifestStore) {
				version, err := store.HeadVersion(ctx, collection)
				require.NoError(t, err)
				assert.Empty(t, version)

				upserted, err := store.UpsertIfMatch(ctx, collection, manifest, "")
				require.NoError(t, err)
				version, err = store.HeadVersion(ctx, collection)
				require.NoError(t, err)
				assert.Equal(t, upserted, version)
			},
		},
		{
			name: "history_newest_first",
			run: func(t *testing.T, store ManifestStore) {
				empty, err := store.History(ctx, collection, 0)
				require.NoError(t, err)
				assert.Empty(t, empty)

				version := ""
				for i, id := range []string{"build-1", "build-2", "build-3"} {
					next := manifest
					next.BuildID = id
					next.CompletedAt = manifest.CompletedAt.Add(time.Duration(i) * time.Minute)
					version, err = store.UpsertIfMatch(ctx, collection, next, version)
					require.NoError(t, err)
				}

				builds, err := store.History(ctx, collection, 2)
				require.NoError(t, err)
				require.Len(t, builds, 2)
				assert.Equal(t, "build-3", builds[0].BuildID)
				assert.Equal(t, "build-2", builds[1].BuildID)

				all, err := store.History(ctx, collection, 0)
				require.NoError(t, err)
				assert.Len(t, all, 3)

				other, err := store.History(ctx, "other_paths", 0)
				require.NoError(t, err)
				assert.Empty(t, other)
			},
		},
		{
			name: "history_survives_delete",
			run: func(t *testing.T, store ManifestStore) {
				_, err := store.UpsertIfMatch(ctx, collection, manifest, "")
				require.NoError(t, err)
				require.NoError(t, store.Delete(ctx, collection))

				builds, err := store.History(ctx, collection, 0)
				require.NoError(t, err)
				require.Len(t, builds, 1)
				assert.Equal(t, manifest.BuildID, builds[0].BuildID)
			},
		},
		{
			name: "delete",
			run: func(t *testing.T, store ManifestStore) {
				require.NoError(t, store.Delete(ctx, collection))

				_, err := store.UpsertIfMatch(ctx, collection, manifest, "")
				require.NoError(t, err)
				require.NoError(t, store.Delete(ctx, collection))

				_, err = store.Get(ctx, collection)
				require.ErrorIs(t, err, ErrManifestNotFound)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, newStore(t))
		})
	}
}

func TestBlobManifestStore(t *testing.T) {
	runManifestStoreTests(t, func(t *testing.T) ManifestStore {
		return &BlobManifestStore{Store: &LocalBlobStore{Root: t.TempDir()}}
	})
}

func TestBuildManifestKeys(t *testing.T) {
	assert.Equal(t, "schema_paths/manifest.json", buildManifestKey("schema_paths"))
	assert.Equal(t, "schema_paths/b1/manifest.json", buildHistoryKey("schema_paths", "b1"))
	assert.Equal(t, "schema_paths/b1/all_paths.txt", buildArtifactKey("schema_paths", "b1", allPathsArtifact))
}
