package kb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// s3ContentSHA256 is the user metadata key carrying the hex sha256 of the
// uploaded body.
const s3ContentSHA256 = "content-sha256"

// S3BlobStore keeps build artifacts and manifests in an S3 bucket. ETags are
// the object versions; conditional writes use If-Match.
type S3BlobStore struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

var _ BlobStore = (*S3BlobStore)(nil)

// NewS3BlobStore returns a store rooted at prefix. A non-empty prefix is
// treated as a directory.
func NewS3BlobStore(client *s3.Client, bucket, prefix string) *S3BlobStore {
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		prefix += "/"
	}
	return &S3BlobStore{Client: client, Bucket: bucket, Prefix: prefix}
}

// NewS3Client loads the default AWS configuration. A non-empty endpoint
// selects path-style addressing for S3-compatible servers such as MinIO.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (s *S3BlobStore) Head(ctx context.Context, key string) (*BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		return nil, s3Error("head", key, err)
	}
	return &BlobObjectInfo{
		Key:       key,
		Version:   aws.ToString(out.ETag),
		UpdatedAt: s3Time(out.LastModified),
		Size:      aws.ToInt64(out.ContentLength),
	}, nil
}

func (s *S3BlobStore) Download(ctx context.Context, key string, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		return s3Error("get", key, err)
	}
	defer out.Body.Close()

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		_ = f.Close()
		return fmt.Errorf("download %s: %w", key, err)
	}
	return f.Close()
}

// UploadIfMatch writes src to key. With a non-empty expectedVersion the put
// carries If-Match and a 412 becomes ErrBlobVersionMismatch.
func (s *S3BlobStore) UploadIfMatch(ctx context.Context, key string, src string, expectedVersion string) (*BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum, err := fileContentSHA256(src)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", src, err)
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	in := &s3.PutObjectInput{
		Bucket:       aws.String(s.Bucket),
		Key:          aws.String(s.Prefix + key),
		Body:         f,
		ContentType:  aws.String(blobContentType(key)),
		CacheControl: aws.String(blobCacheControl(key)),
		Metadata:     map[string]string{s3ContentSHA256: sum},
	}
	if expectedVersion != "" {
		in.IfMatch = aws.String(expectedVersion)
	}
	out, err := s.Client.PutObject(ctx, in)
	if err != nil {
		return nil, s3Error("put", key, err)
	}
	return &BlobObjectInfo{
		Key:       key,
		Version:   aws.ToString(out.ETag),
		UpdatedAt: time.Now().UTC(),
		Size:      stat.Size(),
	}, nil
}

func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err = s3Error("delete", key, err); err != nil && !errors.Is(err, ErrBlobNotFound) {
		return err
	}
	return nil
}

// List relies on S3 returning keys in ascending UTF-8 order.
func (s *S3BlobStore) List(ctx context.Context, prefix string) ([]BlobObjectInfo, error) {
	var items []BlobObjectInfo
	pages := s3.NewListObjectsV2Paginator(s.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix + prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, s3Error("list", prefix, err)
		}
		for _, obj := range page.Contents {
			items = append(items, BlobObjectInfo{
				Key:       strings.TrimPrefix(aws.ToString(obj.Key), s.Prefix),
				Version:   aws.ToString(obj.ETag),
				UpdatedAt: s3Time(obj.LastModified),
				Size:      aws.ToInt64(obj.Size),
			})
		}
	}
	if items == nil {
		items = []BlobObjectInfo{}
	}
	return items, nil
}

// ContentSHA256 returns the body hash recorded at upload, or "" for objects
// written by other tools.
func (s *S3BlobStore) ContentSHA256(ctx context.Context, key string) (string, error) {
	out, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		return "", s3Error("head", key, err)
	}
	return out.Metadata[s3ContentSHA256], nil
}

// s3Error maps missing objects to ErrBlobNotFound and failed preconditions
// to ErrBlobVersionMismatch. A nil err stays nil.
func s3Error(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	var resp *smithyhttp.ResponseError
	if errors.As(err, &resp) {
		switch resp.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		case http.StatusPreconditionFailed:
			return fmt.Errorf("%w: %s", ErrBlobVersionMismatch, key)
		}
	}
	return fmt.Errorf("s3 %s %s: %w", op, key, err)
}

func s3Time(t *time.Time) time.Time {
	if t == nil {
		return time.Now().UTC()
	}
	return t.UTC()
}

func blobContentType(key string) string {
	switch path.Ext(key) {
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

// blobCacheControl keeps caches from serving a stale latest pointer. Build
// directories are write-once.
func blobCacheControl(key string) string {
	if strings.Count(key, "/") == 1 && path.Base(key) == manifestFileName {
		return "no-cache"
	}
	return "max-age=31536000, immutable"
}
