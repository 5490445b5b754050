// Package s3 keeps the working tree in an S3 bucket. Directories that hold
// nothing are stored as zero-length marker objects whose key ends in "/".
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/cowrite/cowrite/internal/fserr"
	"github.com/cowrite/cowrite/internal/logging"
	"github.com/cowrite/cowrite/internal/metrics"
	"github.com/cowrite/cowrite/internal/pathindex"
)

// deleteBatch is the S3 limit on keys per DeleteObjects call.
const deleteBatch = 1000

// BackendConfig holds S3 backend settings.
type BackendConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Prefix    string `json:"prefix" yaml:"prefix"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Region    string `json:"region" yaml:"region"`
}

// S3Backend implements storage.Backend using S3/MinIO.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewBackend creates a new S3 backend from a BackendConfig.
func NewBackend(ctx context.Context, cfg BackendConfig) (*S3Backend, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	backend := &S3Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}

	// Verify bucket exists
	if err := backend.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}

	return backend, nil
}

// NewBackendFromJSON creates an S3Backend from raw JSON config.
func NewBackendFromJSON(ctx context.Context, raw json.RawMessage) (*S3Backend, error) {
	var cfg BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return NewBackend(ctx, cfg)
}

func (b *S3Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(b.bucket),
		})
		if createErr != nil {
			metrics.RecordStorageOperation(b.Type(), "create_bucket", time.Since(start), false)
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
		}
		metrics.RecordStorageOperation(b.Type(), "create_bucket", time.Since(start), true)
		logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	}
	return nil
}

// key maps an index path onto an object key. Directory paths keep their
// trailing slash.
func (b *S3Backend) key(op, p string) (string, error) {
	if !strings.HasPrefix(p, pathindex.Root) || p == pathindex.Root {
		return "", fserr.E(op, p, fserr.InvalidInput, "path must start with ./ and name an entry")
	}
	return b.prefix + strings.TrimPrefix(p, pathindex.Root), nil
}

// indexPath maps an object key back onto an index path.
func (b *S3Backend) indexPath(key string) (string, bool) {
	rel, ok := strings.CutPrefix(key, b.prefix)
	if !ok || rel == "" {
		return "", false
	}
	return pathindex.Root + rel, true
}

// list returns every key under prefix.
func (b *S3Backend) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Scan lists the bucket. A marker counts as an empty directory only when no
// other key lies below it.
func (b *S3Backend) Scan(ctx context.Context) ([]string, []string, error) {
	keys, err := b.list(ctx, b.prefix)
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(keys)

	var files, emptyDirs []string
	for i, k := range keys {
		p, ok := b.indexPath(k)
		if !ok {
			continue
		}
		if !strings.HasSuffix(k, "/") {
			files = append(files, p)
			continue
		}
		if i+1 < len(keys) && strings.HasPrefix(keys[i+1], k) {
			continue
		}
		emptyDirs = append(emptyDirs, p)
	}
	return files, emptyDirs, nil
}

// ReadFile downloads a whole object.
func (b *S3Backend) ReadFile(ctx context.Context, p string) ([]byte, error) {
	key, err := b.key("read", p)
	if err != nil {
		return nil, err
	}
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fserr.Wrap("read", p, fserr.NotFound, err)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

func (b *S3Backend) put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	logging.Debug("S3 put object", zap.String("key", key), zap.Int("size", len(data)))
	return nil
}

// WriteFile uploads content to S3.
func (b *S3Backend) WriteFile(ctx context.Context, p string, data []byte) error {
	key, err := b.key("write", p)
	if err != nil {
		return err
	}
	return b.put(ctx, key, data)
}

func (b *S3Backend) exists(ctx context.Context, key string) bool {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	return err == nil
}

// CreateFile uploads an empty object. It fails if the key is taken.
func (b *S3Backend) CreateFile(ctx context.Context, p string) error {
	key, err := b.key("create", p)
	if err != nil {
		return err
	}
	if b.exists(ctx, key) {
		return fserr.E("create", p, fserr.AlreadyExists, "")
	}
	return b.put(ctx, key, nil)
}

// keepParent writes a marker for the parent of p, so a directory emptied by a
// removal or a move stays visible to Scan.
func (b *S3Backend) keepParent(ctx context.Context, p string) error {
	parent := pathindex.Parent(p)
	if parent == pathindex.Root {
		return nil
	}
	key, err := b.key("mkdir", parent)
	if err != nil {
		return err
	}
	return b.put(ctx, key, nil)
}

func (b *S3Backend) deleteKeys(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete objects: %w", err)
		}
	}
	return nil
}

// RemoveFile deletes an object.
func (b *S3Backend) RemoveFile(ctx context.Context, p string) error {
	key, err := b.key("remove", p)
	if err != nil {
		return err
	}
	if err := b.keepParent(ctx, p); err != nil {
		return err
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	logging.Debug("S3 delete object", zap.String("key", key))
	return nil
}

func (b *S3Backend) copy(ctx context.Context, srcKey, dstKey string) error {
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(b.bucket + "/" + srcKey),
	})
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return nil
}

// Rename copies every key under oldPath to newPath, then deletes the
// originals. S3 has no atomic rename.
func (b *S3Backend) Rename(ctx context.Context, oldPath, newPath string) error {
	src, err := b.key("rename", oldPath)
	if err != nil {
		return err
	}
	dst, err := b.key("rename", newPath)
	if err != nil {
		return err
	}

	keys := []string{src}
	if strings.HasSuffix(src, "/") {
		if keys, err = b.list(ctx, src); err != nil {
			return err
		}
		if len(keys) == 0 {
			return fserr.E("rename", oldPath, fserr.NotFound, "")
		}
	}
	for _, k := range keys {
		if err := b.copy(ctx, k, dst+strings.TrimPrefix(k, src)); err != nil {
			return err
		}
	}
	if err := b.keepParent(ctx, oldPath); err != nil {
		return err
	}
	return b.deleteKeys(ctx, keys)
}

// MakeDir writes a directory marker.
func (b *S3Backend) MakeDir(ctx context.Context, p string) error {
	key, err := b.key("mkdir", p)
	if err != nil {
		return err
	}
	return b.put(ctx, key, nil)
}

// RemoveDir deletes every key under the directory.
func (b *S3Backend) RemoveDir(ctx context.Context, p string) error {
	key, err := b.key("rmdir", p)
	if err != nil {
		return err
	}
	keys, err := b.list(ctx, key)
	if err != nil {
		return err
	}
	if err := b.keepParent(ctx, p); err != nil {
		return err
	}
	return b.deleteKeys(ctx, keys)
}

// Type returns "s3".
func (b *S3Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }
