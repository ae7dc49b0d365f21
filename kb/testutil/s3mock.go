// Package testutil runs an in-process S3 endpoint for artifact store tests.
package testutil

import (
	"context"
	"io"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// MockS3 is a gofakes3 endpoint with one bucket and a path-style client.
type MockS3 struct {
	Server *httptest.Server
	Client *s3.Client
	Bucket string
}

// MustStartMockS3 serves an empty bucket until t finishes.
func MustStartMockS3(t testing.TB, bucket string) *MockS3 {
	t.Helper()
	if bucket == "" {
		t.Fatal("mock s3: bucket is required")
	}

	server := httptest.NewServer(gofakes3.New(s3mem.New()).Server())
	t.Cleanup(server.Close)

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		t.Fatalf("mock s3: load aws config: %v", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(server.URL)
	})
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Fatalf("mock s3: create bucket %q: %v", bucket, err)
	}
	return &MockS3{Server: server, Client: client, Bucket: bucket}
}

// Keys lists the raw object keys under prefix, bypassing any store prefix.
func (m *MockS3) Keys(t testing.TB, prefix string) []string {
	t.Helper()
	out, err := m.Client.ListObjectsV2(context.Background(), &s3.ListObjectsV2Input{
		Bucket: aws.String(m.Bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		t.Fatalf("mock s3: list %q: %v", prefix, err)
	}
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	sort.Strings(keys)
	return keys
}

// Object returns the body and content type stored at the raw key.
func (m *MockS3) Object(t testing.TB, key string) ([]byte, string) {
	t.Helper()
	out, err := m.Client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		t.Fatalf("mock s3: get %q: %v", key, err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		t.Fatalf("mock s3: read %q: %v", key, err)
	}
	return body, aws.ToString(out.ContentType)
}
