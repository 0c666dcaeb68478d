package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNotFound is returned by a Store when the base location or a file does
// not exist.
var ErrNotFound = errors.New("not found")

// Store is where raw source files live.
type Store interface {
	// Check verifies the base location exists.
	Check(ctx context.Context) error
	// Open returns the named file and the location it was read from.
	Open(ctx context.Context, name string) (io.ReadCloser, string, error)
}

// LocalStore reads files from a directory.
type LocalStore struct {
	BaseDir string
}

func (s LocalStore) Check(context.Context) error {
	info, err := os.Stat(s.BaseDir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return fmt.Errorf("raw data directory %s: %w", s.BaseDir, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to stat raw data directory: %w", err)
	}
	return nil
}

func (s LocalStore) Open(_ context.Context, name string) (io.ReadCloser, string, error) {
	p := filepath.Join(s.BaseDir, name)
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, p, fmt.Errorf("file %s: %w", p, ErrNotFound)
	}
	if err != nil {
		return nil, p, fmt.Errorf("failed to open %s: %w", p, err)
	}
	return f, p, nil
}

const DefaultS3Region = "us-east-1"

// S3StoreConfig configures the S3 store.
type S3StoreConfig struct {
	Bucket string
	Prefix string
	Region string
	// EndpointURL overrides the S3 endpoint, e.g. for MinIO.
	EndpointURL string
	// AccessKeyID and SecretAccessKey select static credentials. When both
	// are empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store reads files from an S3 bucket under a key prefix.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = DefaultS3Region
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = true
		},
	}
	if cfg.EndpointURL != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *S3Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *S3Store) Check(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return fmt.Errorf("bucket %s: %w", s.bucket, ErrNotFound)
		}
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Store) Open(ctx context.Context, name string) (io.ReadCloser, string, error) {
	key := s.key(name)
	loc := "s3://" + s.bucket + "/" + key
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, loc, fmt.Errorf("object %s: %w", loc, ErrNotFound)
		}
		return nil, loc, fmt.Errorf("failed to get object %s: %w", loc, err)
	}
	return out.Body, loc, nil
}
