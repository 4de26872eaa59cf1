package contract

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"autoloc/pkg/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
)

var ErrObjectNotFound = errors.New("contract document not found")

// Storage keeps rendered contract documents by key.
type Storage interface {
	Put(ctx context.Context, key string, doc []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// NewStorage builds the backend selected by cfg.Storage.
func NewStorage(ctx context.Context, cfg config.ContractConfig) (Storage, error) {
	switch cfg.Storage {
	case "local":
		return NewLocalStorage(cfg.Dir)
	case "s3":
		return NewS3Storage(ctx, cfg.S3)
	}
	return nil, errors.Errorf("unknown contract storage %q", cfg.Storage)
}

type LocalStorage struct {
	dir string
}

func NewLocalStorage(dir string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create contract dir %s", dir)
	}
	return &LocalStorage{dir: dir}, nil
}

func (s *LocalStorage) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", errors.Errorf("invalid contract key %q", key)
	}
	return filepath.Join(s.dir, clean), nil
}

func (s *LocalStorage) Put(_ context.Context, key string, doc []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrapf(err, "create dir for %s", key)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, doc, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", key)
	}
	return errors.Wrapf(os.Rename(tmp, p), "store %s", key)
}

func (s *LocalStorage) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	doc, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrObjectNotFound, key)
	}
	return doc, errors.Wrapf(err, "read %s", key)
}

func (s *LocalStorage) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "delete %s", key)
	}
	return nil
}

// S3Storage keeps contracts in an S3 bucket or any S3 compatible store.
type S3Storage struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Storage(ctx context.Context, cfg config.S3Config) (*S3Storage, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
	})
	return &S3Storage{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Storage) key(key string) string {
	return s.prefix + strings.TrimPrefix(key, "/")
}

func (s *S3Storage) Put(ctx context.Context, key string, doc []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(key)),
		Body:          bytes.NewReader(doc),
		ContentType:   aws.String("application/pdf"),
		ContentLength: aws.Int64(int64(len(doc))),
	})
	return errors.Wrapf(err, "upload %s", key)
}

func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, errors.Wrap(ErrObjectNotFound, key)
		}
		return nil, errors.Wrapf(err, "download %s", key)
	}
	defer out.Body.Close()

	doc, err := io.ReadAll(out.Body)
	return doc, errors.Wrapf(err, "read %s", key)
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	return errors.Wrapf(err, "delete %s", key)
}
