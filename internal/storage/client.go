// Package storage keeps job sources and portrait artifacts in an S3
// compatible bucket.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dunamismax/facecraft/internal/config"
)

// ErrObjectTooLarge is returned by ReadObject for sources above the
// configured limit.
var ErrObjectTooLarge = errors.New("object exceeds size limit")

type Client struct {
	minio    *minio.Client
	bucket   string
	maxBytes int64
}

func NewClient(cfg config.StorageConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("storage endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("storage bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Client{
		minio:    mc,
		bucket:   cfg.Bucket,
		maxBytes: int64(max(cfg.MaxObjectMB, 1)) << 20,
	}, nil
}

// SourceKey is where a job's uploaded photo lands.
func SourceKey(jobID string) string {
	return path.Join("uploads", jobID, "source")
}

// EnsureBucket creates the bucket unless it exists. A concurrent creation by
// another replica counts as success.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}

	makeErr := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
	if makeErr == nil {
		return nil
	}
	if code := minio.ToErrorResponse(makeErr).Code; code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
		return nil
	}
	return fmt.Errorf("create bucket %s: %w", c.bucket, makeErr)
}

// PresignedPutURL lets a client upload a job source directly to the bucket.
func (c *Client) PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := c.minio.PresignedPutObject(ctx, c.bucket, objectKey, expiry)
	if err != nil {
		return "", fmt.Errorf("presign upload %s: %w", objectKey, err)
	}
	return u.String(), nil
}

// PresignedGetURL returns a download link that saves the artifact under its
// own file name.
func (c *Client) PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(objectKey)))

	u, err := c.minio.PresignedGetObject(ctx, c.bucket, objectKey, expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign download %s: %w", objectKey, err)
	}
	return u.String(), nil
}

func (c *Client) ObjectExists(ctx context.Context, objectKey string) (bool, error) {
	_, err := c.minio.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("stat object %s: %w", objectKey, err)
	}
}

// ReadObject downloads a job source. Objects above the size limit are
// rejected before any body is transferred.
func (c *Client) ReadObject(ctx context.Context, objectKey string) ([]byte, error) {
	info, err := c.minio.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("stat object %s: %w", objectKey, err)
	}
	if info.Size > c.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrObjectTooLarge, objectKey, info.Size, c.maxBytes)
	}

	obj, err := c.minio.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", objectKey, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", objectKey, err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("%w: %s grew past %d bytes", ErrObjectTooLarge, objectKey, c.maxBytes)
	}
	return data, nil
}

// WriteObject stores one portrait artifact.
func (c *Client) WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error {
	_, err := c.minio.PutObject(ctx, c.bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "private, max-age=3600",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return nil
}

// DeleteObjects removes every object under prefix and returns how many were
// queued for removal.
func (c *Client) DeleteObjects(ctx context.Context, prefix string) (int, error) {
	if strings.TrimSpace(prefix) == "" || prefix == "/" {
		return 0, errors.New("refusing to delete with empty prefix")
	}

	var (
		listed  int
		listErr error
	)
	objects := make(chan minio.ObjectInfo)
	go func() {
		defer close(objects)
		for obj := range c.minio.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			listed++
			objects <- obj
		}
	}()

	var removeErr error
	for result := range c.minio.RemoveObjects(ctx, c.bucket, objects, minio.RemoveObjectsOptions{}) {
		if removeErr == nil {
			removeErr = fmt.Errorf("remove object %s: %w", result.ObjectName, result.Err)
		}
	}
	if listErr != nil {
		return listed, fmt.Errorf("list objects %s: %w", prefix, listErr)
	}
	return listed, removeErr
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject", "NotFound":
		return true
	}
	return false
}
