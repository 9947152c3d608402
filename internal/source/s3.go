package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 reads a document object from a bucket using conditional gets keyed on
// the object's ETag.
type S3 struct {
	client  s3API
	bucket  string
	key     string
	maxSize int64

	mu   sync.Mutex
	etag string
}

func NewS3(client s3API, bucket, key string) *S3 {
	return &S3{
		client:  client,
		bucket:  bucket,
		key:     key,
		maxSize: defaultMaxDocumentSize,
	}
}

func (s *S3) Fetch(ctx context.Context) ([]byte, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	}

	s.mu.Lock()
	if s.etag != "" {
		input.IfNoneMatch = aws.String(s.etag)
	}
	s.mu.Unlock()

	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("s3://%s/%s: %w", s.bucket, s.key, ErrNotFound)
		}
		var status interface{ HTTPStatusCode() int }
		if errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotModified {
			return nil, ErrNotModified
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(out.Body, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", s.bucket, s.key, err)
	}
	if int64(len(raw)) > s.maxSize {
		return nil, fmt.Errorf("s3://%s/%s: document exceeds %d bytes", s.bucket, s.key, s.maxSize)
	}

	s.mu.Lock()
	s.etag = aws.ToString(out.ETag)
	s.mu.Unlock()

	return raw, nil
}
