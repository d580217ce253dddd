package objectstorage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/valyala/gozstd"
)

func (s *S3Storage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	return decompress(key, resp.Body), nil
}

type zstdReadCloser struct {
	*gozstd.Reader
	body io.Closer
}

func (z *zstdReadCloser) Close() error {
	z.Reader.Release()
	return z.body.Close()
}

// keyが.zstdで終わる場合は展開しながら読む
func decompress(key string, body io.ReadCloser) io.ReadCloser {
	if !strings.HasSuffix(key, zstdSuffix) {
		return body
	}
	return &zstdReadCloser{Reader: gozstd.NewReader(body), body: body}
}
