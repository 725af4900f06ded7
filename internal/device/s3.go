package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/media-director/internal/block"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client used by S3Backend.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Backend stores volume files as objects in an S3-compatible bucket.
type S3Backend struct {
	s3     S3API
	bucket string
	prefix string
	logger *zap.Logger

	// indexCache caches block indexes of files already read.
	mu         sync.RWMutex
	indexCache map[string]*block.Index
}

func NewS3Backend(s3api S3API, bucket, prefix string, logger *zap.Logger) *S3Backend {
	return &S3Backend{
		s3:         s3api,
		bucket:     bucket,
		prefix:     prefix,
		logger:     logger,
		indexCache: make(map[string]*block.Index),
	}
}

func (b *S3Backend) volumePrefix(volume string) string {
	if b.prefix != "" {
		return fmt.Sprintf("%s/%s/", b.prefix, volume)
	}
	return volume + "/"
}

func (b *S3Backend) objectKey(volume string, file uint32) string {
	return fmt.Sprintf("%s%04d.vol", b.volumePrefix(volume), file)
}

func (b *S3Backend) indexKey(volume string, file uint32) string {
	return fmt.Sprintf("%s%04d.idx", b.volumePrefix(volume), file)
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (b *S3Backend) get(ctx context.Context, key string) ([]byte, error) {
	resp, err := b.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (b *S3Backend) ReadFile(ctx context.Context, volume string, file uint32) ([]byte, error) {
	data, err := b.get(ctx, b.objectKey(volume, file))
	if isNotFound(err) {
		return nil, missing(volume, file)
	}
	if err != nil {
		return nil, fmt.Errorf("downloading volume file from S3: %w", err)
	}
	return data, nil
}

func (b *S3Backend) ReadIndex(ctx context.Context, volume string, file uint32) (*block.Index, error) {
	key := b.indexKey(volume, file)

	b.mu.RLock()
	if idx, ok := b.indexCache[key]; ok {
		b.mu.RUnlock()
		return idx, nil
	}
	b.mu.RUnlock()

	data, err := b.get(ctx, key)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("downloading index from S3: %w", err)
	}
	idx, err := block.DecodeIndex(data)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.indexCache[key] = idx
	b.mu.Unlock()
	return idx, nil
}

func (b *S3Backend) WriteFile(ctx context.Context, volume string, file uint32, data []byte, idx *block.Index) error {
	key := b.objectKey(volume, file)
	_, err := b.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &b.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"md-volume": volume,
			"md-file":   strconv.FormatUint(uint64(file), 10),
		},
	})
	if err != nil {
		return fmt.Errorf("uploading volume file to S3: %w", err)
	}

	if idx != nil {
		idxKey := b.indexKey(volume, file)
		_, err := b.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      &b.bucket,
			Key:         &idxKey,
			Body:        bytes.NewReader(idx.Encode()),
			ContentType: aws.String("application/octet-stream"),
		})
		if err != nil {
			b.logger.Warn("failed to upload index sidecar", zap.Error(err), zap.String("key", idxKey))
		}
		b.mu.Lock()
		delete(b.indexCache, idxKey)
		b.mu.Unlock()
	}

	b.logger.Debug("volume file uploaded to S3",
		zap.String("volume", volume),
		zap.String("key", key),
		zap.Int("size", len(data)),
	)
	return nil
}

func (b *S3Backend) DeleteVolume(ctx context.Context, volume string) error {
	prefix := b.volumePrefix(volume)
	var token *string
	for {
		out, err := b.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &b.bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("listing volume objects: %w", err)
		}
		for _, obj := range out.Contents {
			if _, err := b.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &b.bucket, Key: obj.Key}); err != nil {
				return fmt.Errorf("deleting %s: %w", aws.ToString(obj.Key), err)
			}
			b.mu.Lock()
			delete(b.indexCache, aws.ToString(obj.Key))
			b.mu.Unlock()
		}
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		token = out.NextContinuationToken
	}
}

func (b *S3Backend) Stats(_ context.Context) (Stats, error) {
	return Stats{Backend: "s3", Volumes: -1, TotalBytes: -1}, nil
}

func (b *S3Backend) Close() error {
	b.mu.Lock()
	b.indexCache = nil
	b.mu.Unlock()
	return nil
}
