// Package s3store is a ChunkStore kept in an S3 bucket, one object per chunk.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/waynenilsen/self-encryption/digest"
	"github.com/waynenilsen/self-encryption/store"
)

// API is the subset of the S3 client used by the store.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Config struct {
	Bucket string
	// Prefix is prepended to every object key.
	Prefix string
	// SkipExisting checks for an existing object before uploading.
	SkipExisting bool
}

// DefaultConfig provides default configuration values
var DefaultConfig = Config{
	Prefix:       "chunks/",
	SkipExisting: true,
}

type Store struct {
	client API
	config Config
}

// Assert that Store satisfies the ChunkStore interface.
var _ store.ChunkStore = &Store{}

func New(client API, config Config) *Store {
	return &Store{client: client, config: config}
}

// NewFromConfig creates a Store from an AWS configuration and checks that the
// bucket is reachable.
func NewFromConfig(ctx context.Context, cfg aws.Config, config Config) (*Store, error) {
	client := s3.NewFromConfig(cfg)

	// Verify bucket exists and is accessible
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(config.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", config.Bucket, err)
	}

	return New(client, config), nil
}

func (s *Store) key(name digest.Digest) string {
	return path.Join(s.config.Prefix, name.String())
}

func (s *Store) Put(ctx context.Context, name digest.Digest, data []byte) error {
	key := s.key(name)

	if s.config.SkipExisting {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			return nil
		}
		var notFound *types.NotFound
		if !errors.As(err, &notFound) {
			return &store.IOError{Op: "put", Name: name, Err: err}
		}
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return &store.IOError{Op: "put", Name: name, Err: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name digest.Digest) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, store.ErrNotFound
		}
		return nil, &store.IOError{Op: "get", Name: name, Err: err}
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, &store.IOError{Op: "get", Name: name, Err: err}
	}
	return data, nil
}
