package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/Faultbox/terrastream/internal/config"
)

// S3Source reads store files from an Amazon S3 bucket.
type S3Source struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 loads the default AWS configuration, overridden by explicit
// credentials, region and endpoint when they are set.
func NewS3(ctx context.Context, cfg config.StorageConfig) (*S3Source, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Source(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3Source wraps an existing client.
func NewS3Source(client *s3.Client, bucket, prefix string) *S3Source {
	return &S3Source{client: client, bucket: bucket, prefix: prefix}
}

// Open heads the object and returns a handle issuing ranged GETs.
func (s *S3Source) Open(ctx context.Context, name string) (Blob, error) {
	key := objectKey(s.prefix, name)

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		var nsk *types.NoSuchKey
		if errors.As(err, &nf) || errors.As(err, &nsk) {
			return nil, fmt.Errorf("%s/%s: %w", s.bucket, key, ErrNotFound)
		}
		return nil, err
	}

	return &s3Blob{
		ctx:    ctx,
		client: s.client,
		bucket: s.bucket,
		key:    key,
		size:   aws.ToInt64(head.ContentLength),
	}, nil
}

func (s *S3Source) String() string {
	return fmt.Sprintf("s3:%s/%s", s.bucket, s.prefix)
}

type s3Blob struct {
	ctx    context.Context
	client *s3.Client
	bucket string
	key    string
	size   int64
}

func (b *s3Blob) Size() int64 {
	return b.size
}

func (b *s3Blob) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	end, err := rangeEnd(off, len(p), b.size)
	if err != nil {
		return 0, err
	}

	resp, err := b.client.GetObject(b.ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	return readFullRange(resp.Body, p, off, end)
}

func (b *s3Blob) Close() error {
	return nil
}
