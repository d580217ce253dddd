package objectstorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"github.com/valyala/gozstd"
)

type S3Storage struct {
	client    *s3.S3
	bucket    string
	compress  bool
	publicURL string
}

func NewS3(client *s3.S3, bucket string, compress bool, publicURL string) *S3Storage {
	return &S3Storage{client: client, bucket: bucket, compress: compress, publicURL: publicURL}
}

func (s *S3Storage) Driver() string { return "s3" }

func (s *S3Storage) URL(key string) string { return publicURL(s.publicURL, key) }

// オブジェクトが存在するか
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head object %s: %w", key, err)
	}
	return true, nil
}

// オブジェクトをアップロードする compressが有効ならzstd圧縮する
// ToDo: bufを使っているのでメモリ効率が悪い
func (s *S3Storage) Save(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	var buf bytes.Buffer
	if s.compress {
		if err := compress(&buf, r); err != nil {
			return "", err
		}
		key += zstdSuffix
		contentType = "application/zstd"
	} else if _, err := io.Copy(&buf, r); err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s to bucket %s: %w", key, s.bucket, err)
	}
	return key, nil
}

func compress(w io.Writer, r io.Reader) error {
	zw := gozstd.NewWriter(w)
	defer zw.Release()
	if _, err := io.Copy(zw, r); err != nil {
		return err
	}
	return zw.Close()
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

// 現在の時刻でオブジェクトのキーを生成する
// uploads/YYYY/MM/DD/UUID.ext
func GenerateObjectKey(ext string) string {
	now := time.Now()
	key := fmt.Sprintf("uploads/%04d/%02d/%02d/%s",
		now.Year(), now.Month(), now.Day(),
		uuid.New().String())
	if ext != "" {
		key += "." + ext
	}
	return key
}
