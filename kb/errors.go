package kb

import "errors"

var (
	ErrBlobVersionMismatch = errors.New("blob version mismatch")
	ErrBlobNotFound        = errors.New("blob not found")
	ErrManifestNotFound    = errors.New("build manifest not found")

	ErrCollectionNotFound  = errors.New("collection not found")
	ErrCollectionNotLoaded = errors.New("collection is not loaded for query")
	ErrNodeNotFound        = errors.New("schema node not found")

	ErrInvalidEmbeddingDimension = errors.New("invalid embedding dimension")
	ErrEmbeddingMismatch         = errors.New("embedding response does not match request")
	ErrQueryEmbedding            = errors.New("query embedding failed")
	ErrMalformedRerankResponse   = errors.New("malformed rerank response")

	ErrRemoteTimeout = errors.New("remote call timed out")

	ErrPipelineUninitialized = errors.New("pipeline is not initialized")
	ErrRebuildLeaseConflict  = errors.New("rebuild lease conflict")
)
