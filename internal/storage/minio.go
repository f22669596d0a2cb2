package storage

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Faultbox/terrastream/internal/config"
)

// MinioSource reads store files from a MinIO or other S3-compatible bucket.
type MinioSource struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinio connects a MinIO client for the configured endpoint.
func NewMinio(cfg config.StorageConfig) (*MinioSource, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}
	return NewMinioSource(client, cfg.Bucket, cfg.Prefix), nil
}

// NewMinioSource wraps an existing client.
func NewMinioSource(client *minio.Client, bucket, prefix string) *MinioSource {
	return &MinioSource{client: client, bucket: bucket, prefix: prefix}
}

// Open stats the object and returns a handle issuing ranged GETs.
func (s *MinioSource) Open(ctx context.Context, name string) (Blob, error) {
	key := objectKey(s.prefix, name)

	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil, fmt.Errorf("%s/%s: %w", s.bucket, key, ErrNotFound)
		}
		return nil, err
	}

	return &minioBlob{
		ctx:    ctx,
		client: s.client,
		bucket: s.bucket,
		key:    key,
		size:   info.Size,
	}, nil
}

func (s *MinioSource) String() string {
	return fmt.Sprintf("minio:%s/%s", s.bucket, s.prefix)
}

type minioBlob struct {
	ctx    context.Context
	client *minio.Client
	bucket string
	key    string
	size   int64
}

func (b *minioBlob) Size() int64 {
	return b.size
}

func (b *minioBlob) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	end, err := rangeEnd(off, len(p), b.size)
	if err != nil {
		return 0, err
	}

	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(off, end); err != nil {
		return 0, err
	}
	obj, err := b.client.GetObject(b.ctx, b.bucket, b.key, opts)
	if err != nil {
		return 0, err
	}
	defer obj.Close()

	return readFullRange(obj, p, off, end)
}

func (b *minioBlob) Close() error {
	return nil
}
