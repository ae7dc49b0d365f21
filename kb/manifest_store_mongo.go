package kb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	mongoKindLatest = "latest"
	mongoKindBuild  = "build"
)

// mongoManifestDoc is either the latest pointer of a vector collection
// (_id = collection, guarded by version) or one build's history entry
// (_id = collection/build_id).
type mongoManifestDoc struct {
	ID         string        `bson:"_id"`
	Kind       string        `bson:"kind"`
	Collection string        `bson:"collection"`
	Version    string        `bson:"version,omitempty"`
	Manifest   BuildManifest `bson:"manifest"`
	UpdatedAt  time.Time     `bson:"updated_at"`
}

// MongoManifestStore keeps build manifests in a MongoDB collection shared by
// every vector collection. The caller owns the mongo.Client lifecycle.
type MongoManifestStore struct {
	Collection *mongo.Collection
}

func NewMongoManifestStore(coll *mongo.Collection) *MongoManifestStore {
	return &MongoManifestStore{Collection: coll}
}

var _ ManifestStore = (*MongoManifestStore)(nil)

// EnsureIndexes creates the index History sorts on. It is idempotent.
func (s *MongoManifestStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.Collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "collection", Value: 1},
			{Key: "kind", Value: 1},
			{Key: "manifest.completed_at", Value: -1},
		},
	})
	if err != nil {
		return fmt.Errorf("create manifest history index: %w", err)
	}
	return nil
}

func (s *MongoManifestStore) Get(ctx context.Context, collection string) (*ManifestDocument, error) {
	var doc mongoManifestDoc
	if err := s.Collection.FindOne(ctx, latestFilter(collection)).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("find manifest for %s: %w", collection, err)
	}
	return &ManifestDocument{Manifest: doc.Manifest, Version: doc.Version}, nil
}

func (s *MongoManifestStore) HeadVersion(ctx context.Context, collection string) (string, error) {
	var doc struct {
		Version string `bson:"version"`
	}
	err := s.Collection.FindOne(ctx, latestFilter(collection),
		options.FindOne().SetProjection(bson.M{"version": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("head manifest for %s: %w", collection, err)
	}
	return doc.Version, nil
}

// UpsertIfMatch records the history entry, then swaps the latest pointer.
// An empty expectedVersion only creates; a duplicate key means another
// builder published first.
func (s *MongoManifestStore) UpsertIfMatch(ctx context.Context, collection string, manifest BuildManifest, expectedVersion string) (string, error) {
	if manifest.SchemaVersion == 0 {
		manifest.SchemaVersion = buildManifestSchemaVersion
	}
	now := time.Now().UTC()

	if manifest.BuildID != "" {
		entry := mongoManifestDoc{
			ID:         collection + "/" + manifest.BuildID,
			Kind:       mongoKindBuild,
			Collection: collection,
			Manifest:   manifest,
			UpdatedAt:  now,
		}
		_, err := s.Collection.ReplaceOne(ctx, bson.M{"_id": entry.ID}, entry, options.Replace().SetUpsert(true))
		if err != nil {
			return "", fmt.Errorf("record build %s for %s: %w", manifest.BuildID, collection, err)
		}
	}

	latest := mongoManifestDoc{
		ID:         collection,
		Kind:       mongoKindLatest,
		Collection: collection,
		Version:    uuid.NewString(),
		Manifest:   manifest,
		UpdatedAt:  now,
	}
	if expectedVersion == "" {
		if _, err := s.Collection.InsertOne(ctx, latest); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return "", ErrBlobVersionMismatch
			}
			return "", fmt.Errorf("publish manifest for %s: %w", collection, err)
		}
		return latest.Version, nil
	}

	filter := latestFilter(collection)
	filter["version"] = expectedVersion
	res, err := s.Collection.ReplaceOne(ctx, filter, latest)
	if err != nil {
		return "", fmt.Errorf("publish manifest for %s: %w", collection, err)
	}
	if res.MatchedCount == 0 {
		return "", ErrBlobVersionMismatch
	}
	return latest.Version, nil
}

func (s *MongoManifestStore) History(ctx context.Context, collection string, limit int) ([]BuildManifest, error) {
	if limit <= 0 {
		limit = defaultBuildHistoryLimit
	}
	cur, err := s.Collection.Find(ctx,
		bson.M{"collection": collection, "kind": mongoKindBuild},
		options.Find().
			SetSort(bson.D{{Key: "manifest.completed_at", Value: -1}}).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("list builds for %s: %w", collection, err)
	}
	var docs []mongoManifestDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode builds for %s: %w", collection, err)
	}
	builds := make([]BuildManifest, 0, len(docs))
	for _, d := range docs {
		builds = append(builds, d.Manifest)
	}
	return builds, nil
}

func (s *MongoManifestStore) Delete(ctx context.Context, collection string) error {
	if _, err := s.Collection.DeleteOne(ctx, latestFilter(collection)); err != nil {
		return fmt.Errorf("delete manifest for %s: %w", collection, err)
	}
	return nil
}

func latestFilter(collection string) bson.M {
	return bson.M{"_id": collection, "kind": mongoKindLatest}
}
