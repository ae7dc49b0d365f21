package kb

import (
	"context"
	"path"
	"sort"
	"time"
)

const (
	buildManifestSchemaVersion = 1
	defaultBuildHistoryLimit   = 20
	manifestFileName           = "manifest.json"
)

// BuildManifest records the outcome of one successful rebuild.
type BuildManifest struct {
	SchemaVersion  int       `json:"schema_version" bson:"schema_version"`
	Collection     string    `json:"collection" bson:"collection"`
	BuildID        string    `json:"build_id" bson:"build_id"`
	Dimension      int       `json:"dimension" bson:"dimension"`
	Anchors        int       `json:"anchors" bson:"anchors"`
	Paths          int       `json:"paths" bson:"paths"`
	Fragments      int       `json:"fragments" bson:"fragments"`
	SplitOrigins   int       `json:"split_origins" bson:"split_origins"`
	ArtifactKeys   []string  `json:"artifact_keys,omitempty" bson:"artifact_keys,omitempty"`
	StartedAt      time.Time `json:"started_at" bson:"started_at"`
	CompletedAt    time.Time `json:"completed_at" bson:"completed_at"`
	DurationMillis int64     `json:"duration_ms" bson:"duration_ms"`
}

// ManifestDocument pairs a parsed manifest with its version for CAS.
type ManifestDocument struct {
	Manifest BuildManifest `json:"manifest"`
	Version  string        `json:"version"`
}

// ManifestStore keeps the latest BuildManifest per collection with CAS update
// semantics, plus the manifest of every build that was published.
type ManifestStore interface {
	// Get returns ErrManifestNotFound if absent.
	Get(ctx context.Context, collection string) (*ManifestDocument, error)

	// HeadVersion returns "" when no manifest exists.
	HeadVersion(ctx context.Context, collection string) (string, error)

	// UpsertIfMatch publishes a manifest. Callers pass the version returned by
	// HeadVersion, "" when none exists; a stale version returns
	// ErrBlobVersionMismatch.
	UpsertIfMatch(ctx context.Context, collection string, manifest BuildManifest, expectedVersion string) (string, error)

	// History lists published builds, newest first. limit <= 0 selects a
	// default of 20. The history survives Delete.
	History(ctx context.Context, collection string, limit int) ([]BuildManifest, error)

	// Delete removes the latest pointer and returns nil if already absent.
	Delete(ctx context.Context, collection string) error
}

func buildManifestKey(collection string) string {
	return path.Join(collection, manifestFileName)
}

// buildHistoryKey is the immutable per-build copy of a manifest.
func buildHistoryKey(collection, buildID string) string {
	return buildArtifactKey(collection, buildID, manifestFileName)
}

func buildArtifactKey(collection, buildID, name string) string {
	return path.Join(collection, buildID, name)
}

func newestBuildsFirst(builds []BuildManifest, limit int) []BuildManifest {
	sort.SliceStable(builds, func(i, j int) bool {
		return builds[i].CompletedAt.After(builds[j].CompletedAt)
	})
	if limit <= 0 {
		limit = defaultBuildHistoryLimit
	}
	if len(builds) > limit {
		builds = builds[:limit]
	}
	return builds
}
