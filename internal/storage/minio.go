package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	gwerr "github.com/fsweb/fsweb/internal/errors"
)

// MinioAPI is the subset of the MinIO client the store uses, narrowed so
// tests can substitute it.
type MinioAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket, region string) error
	FPutObject(ctx context.Context, bucket, object, path string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	// GetObject opens the object, or bytes [start, end] when start >= 0.
	// Errors surface here rather than on first read.
	GetObject(ctx context.Context, bucket, object string, start, end int64) (io.ReadCloser, error)
	StatObject(ctx context.Context, bucket, object string) (minio.ObjectInfo, error)
	RemoveObjects(ctx context.Context, bucket string, objects []string) []minio.RemoveObjectError
}

// realMinioClient wraps *minio.Client to satisfy MinioAPI.
type realMinioClient struct {
	client *minio.Client
}

func (c *realMinioClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return c.client.BucketExists(ctx, bucket)
}

func (c *realMinioClient) MakeBucket(ctx context.Context, bucket, region string) error {
	return c.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func (c *realMinioClient) FPutObject(ctx context.Context, bucket, object, path string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return c.client.FPutObject(ctx, bucket, object, path, opts)
}

func (c *realMinioClient) GetObject(ctx context.Context, bucket, object string, start, end int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if start >= 0 {
		if err := opts.SetRange(start, end); err != nil {
			return nil, err
		}
	}
	obj, err := c.client.GetObject(ctx, bucket, object, opts)
	if err != nil {
		return nil, err
	}
	// minio.Object is lazy; Stat forces the request so a missing key is
	// reported now instead of on the first Read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, err
	}
	return obj, nil
}

func (c *realMinioClient) StatObject(ctx context.Context, bucket, object string) (minio.ObjectInfo, error) {
	return c.client.StatObject(ctx, bucket, object, minio.StatObjectOptions{})
}

func (c *realMinioClient) RemoveObjects(ctx context.Context, bucket string, objects []string) []minio.RemoveObjectError {
	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for _, key := range objects {
			select {
			case objectsCh <- minio.ObjectInfo{Key: key}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var failed []minio.RemoveObjectError
	for rErr := range c.client.RemoveObjects(ctx, bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		failed = append(failed, rErr)
	}
	return failed
}

// maxSinglePut is the largest object S3 accepts in one PUT.
const maxSinglePut = 5 << 30

// MinioStore implements Store with the MinIO client, whose API matches the
// store boundary one to one (bucketExists, makeBucket, fPutObject, ...).
type MinioStore struct {
	Bucket string
	Region string
	// SinglePutLimit is the largest file uploaded in a single PUT, whose
	// ETag is the MD5 of the content. Larger files go up in parts and get a
	// multipart ETag (<md5-of-part-md5s>-<parts>).
	SinglePutLimit int64
	client         MinioAPI
	ensured        atomic.Bool
}

// NewMinioStore connects to a MinIO (or any S3-compatible) endpoint given as
// host:port.
func NewMinioStore(endpoint, bucket, region, accessKey, secretKey string, useSSL, pathStyle bool) (*MinioStore, error) {
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	}
	if pathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("creating MinIO client: %w", err)
	}
	slog.Info("MinIO store configured", "endpoint", endpoint, "bucket", bucket, "region", region)
	return NewMinioStoreWithClient(bucket, region, &realMinioClient{client: client}), nil
}

// NewMinioStoreWithClient creates a MinioStore with a pre-configured client.
func NewMinioStoreWithClient(bucket, region string, client MinioAPI) *MinioStore {
	return &MinioStore{Bucket: bucket, Region: region, SinglePutLimit: maxSinglePut, client: client}
}

// EnsureNamespace creates the bucket in Region when missing.
func (s *MinioStore) EnsureNamespace(ctx context.Context) error {
	if s.ensured.Load() {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.Bucket)
	if err != nil {
		return unavailable("checking bucket "+s.Bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.Bucket, s.Region); err != nil {
			switch minio.ToErrorResponse(err).Code {
			case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
			default:
				return unavailable("creating bucket "+s.Bucket, err)
			}
		} else {
			slog.Info("Created bucket", "bucket", s.Bucket, "region", s.Region)
		}
	}
	s.ensured.Store(true)
	return nil
}

// Put uploads localPath with FPutObject and returns the bucket's ETag.
func (s *MinioStore) Put(ctx context.Context, id, localPath string, meta Metadata) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty path: %w", gwerr.ErrNoReadableFile)
	}
	fi, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w: %w", localPath, gwerr.ErrNoReadableFile, err)
	}

	contentType, user := splitMetadata(meta)
	info, err := s.client.FPutObject(ctx, s.Bucket, id, localPath, minio.PutObjectOptions{
		ContentType:      contentType,
		UserMetadata:     user,
		SendContentMd5:   true,
		DisableMultipart: fi.Size() <= s.SinglePutLimit,
	})
	if err != nil {
		return "", unavailable("uploading "+id, err)
	}
	if etag := normalizeETag(info.ETag); etag != "" {
		return etag, nil
	}

	f, _, sum, err := openUpload(localPath)
	if err != nil {
		return "", err
	}
	f.Close()
	return hexSum(sum), nil
}

// Get opens the whole object.
func (s *MinioStore) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	return s.get(ctx, id, -1, -1)
}

// GetRange opens bytes [start, end] of the object.
func (s *MinioStore) GetRange(ctx context.Context, id string, start, end int64) (io.ReadCloser, error) {
	if err := validRange(start, end); err != nil {
		return nil, err
	}
	return s.get(ctx, id, start, end)
}

func (s *MinioStore) get(ctx context.Context, id string, start, end int64) (io.ReadCloser, error) {
	rc, err := s.client.GetObject(ctx, s.Bucket, id, start, end)
	if err != nil {
		if isMinioNotFound(err) {
			return nil, notFound(id)
		}
		return nil, unavailable("getting "+id, err)
	}
	return rc, nil
}

// Stat returns the object's size, ETag and user metadata.
func (s *MinioStore) Stat(ctx context.Context, id string) (*ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.Bucket, id)
	if err != nil {
		if isMinioNotFound(err) {
			return nil, notFound(id)
		}
		return nil, unavailable("stat "+id, err)
	}
	return &ObjectInfo{
		ID:           id,
		Size:         info.Size,
		Hash:         normalizeETag(info.ETag),
		ContentType:  info.ContentType,
		Metadata:     joinMetadata(info.UserMetadata, info.ContentType),
		LastModified: info.LastModified,
	}, nil
}

// Remove deletes ids with a single streamed RemoveObjects call.
func (s *MinioStore) Remove(ctx context.Context, ids []string) ([]RemoveError, error) {
	var failed []RemoveError
	for _, rErr := range s.client.RemoveObjects(ctx, s.Bucket, ids) {
		if isMinioNotFound(rErr.Err) {
			continue
		}
		failed = append(failed, RemoveError{ID: rErr.ObjectName, Err: rErr.Err})
	}
	if err := ctx.Err(); err != nil {
		return failed, unavailable("deleting objects", err)
	}
	return failed, nil
}

// HealthCheck asks the endpoint whether the bucket exists.
func (s *MinioStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.Bucket)
	return err
}

func isMinioNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return resp.StatusCode == http.StatusNotFound
}

// Ensure MinioStore implements Store at compile time.
var _ Store = (*MinioStore)(nil)
