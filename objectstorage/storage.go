package objectstorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/masa23/formd/config"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrUnsafePath = errors.New("object key escapes storage root")
)

// zstd圧縮したオブジェクトのキーにつく
const zstdSuffix = ".zstd"

// Storage stores uploaded files. Keys are slash separated and relative.
type Storage interface {
	// Save stores r under key and returns the key actually used.
	Save(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	URL(key string) string
	Driver() string
}

// New builds the storage selected by conf.Driver.
func New(conf config.ObjectStorage) (Storage, error) {
	switch conf.Driver {
	case "local":
		return NewLocal(conf.Root, conf.Compress, conf.PublicURL)
	case "s3", "":
		s3session, err := session.NewSession(&aws.Config{
			Region:           aws.String(conf.Region),
			Endpoint:         aws.String(conf.Endpoint),
			S3ForcePathStyle: aws.Bool(conf.Endpoint != ""),
			Credentials: credentials.NewChainCredentials([]credentials.Provider{
				&credentials.StaticProvider{
					Value: credentials.Value{
						AccessKeyID:     conf.AccessKey,
						SecretAccessKey: conf.SecretKey,
					},
				},
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 session: %w", err)
		}
		return NewS3(s3.New(s3session), conf.Bucket, conf.Compress, conf.PublicURL), nil
	}
	return nil, fmt.Errorf("unknown object storage driver %q", conf.Driver)
}

func publicURL(base, key string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
