package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// gcsRemoveConcurrency bounds parallel deletes; GCS has no batch delete in
// the Go client.
const gcsRemoveConcurrency = 8

// GCSAPI defines the subset of the GCS client interface that the store
// uses. This allows mocking in tests.
type GCSAPI interface {
	// BucketExists reports whether bucket exists.
	BucketExists(ctx context.Context, bucket string) (bool, error)
	// CreateBucket creates bucket in project at location.
	CreateBucket(ctx context.Context, bucket, project, location string) error
	// Upload writes r to object and returns the stored attributes. attrs
	// carries content type, metadata and the expected MD5.
	Upload(ctx context.Context, bucket, object string, r io.Reader, attrs GCSAttrs) (*GCSAttrs, error)
	// NewRangeReader reads length bytes from offset; length -1 reads to the end.
	NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error)
	// Attrs returns the attributes of the given GCS object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
}

// GCSAttrs holds object attributes exchanged with GCS.
type GCSAttrs struct {
	Size        int64
	MD5         []byte // raw MD5 hash bytes
	ContentType string
	Metadata    map[string]string
	Updated     time.Time
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (c *realGCSClient) CreateBucket(ctx context.Context, bucket, project, location string) error {
	var attrs *gcs.BucketAttrs
	if location != "" {
		attrs = &gcs.BucketAttrs{Location: location}
	}
	return c.client.Bucket(bucket).Create(ctx, project, attrs)
}

func (c *realGCSClient) Upload(ctx context.Context, bucket, object string, r io.Reader, attrs GCSAttrs) (*GCSAttrs, error) {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = attrs.ContentType
	w.Metadata = attrs.Metadata
	w.MD5 = attrs.MD5
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return fromObjectAttrs(w.Attrs()), nil
}

func (c *realGCSClient) NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewRangeReader(ctx, offset, length)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return fromObjectAttrs(attrs), nil
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func fromObjectAttrs(attrs *gcs.ObjectAttrs) *GCSAttrs {
	if attrs == nil {
		return &GCSAttrs{}
	}
	return &GCSAttrs{
		Size:        attrs.Size,
		MD5:         attrs.MD5,
		ContentType: attrs.ContentType,
		Metadata:    attrs.Metadata,
		Updated:     attrs.Updated,
	}
}

// GCSStore implements Store on a Google Cloud Storage bucket.
type GCSStore struct {
	// Bucket is the GCS bucket name.
	Bucket string
	// Project is the GCP project that owns Bucket; needed only to create it.
	Project string
	// Location is the bucket location used on creation (empty = GCS default).
	Location string
	// client is the GCS client (satisfying GCSAPI interface).
	client  GCSAPI
	ensured atomic.Bool
}

// NewGCSStore creates a GCSStore using Application Default Credentials.
// endpoint and withoutAuth target emulators such as fake-gcs-server.
func NewGCSStore(ctx context.Context, bucket, project, location, endpoint string, withoutAuth bool) (*GCSStore, error) {
	var opts []option.ClientOption
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	if withoutAuth {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	slog.Info("GCS store configured", "bucket", bucket, "project", project, "endpoint", endpoint)
	return NewGCSStoreWithClient(bucket, project, location, &realGCSClient{client: client}), nil
}

// NewGCSStoreWithClient creates a GCSStore with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewGCSStoreWithClient(bucket, project, location string, client GCSAPI) *GCSStore {
	return &GCSStore{
		Bucket:   bucket,
		Project:  project,
		Location: location,
		client:   client,
	}
}

// EnsureNamespace creates the bucket when missing. A 409 from a concurrent
// creator counts as success.
func (s *GCSStore) EnsureNamespace(ctx context.Context) error {
	if s.ensured.Load() {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.Bucket)
	if err != nil {
		return unavailable("checking bucket "+s.Bucket, err)
	}
	if !exists {
		if err := s.client.CreateBucket(ctx, s.Bucket, s.Project, s.Location); err != nil {
			if !isGCSConflict(err) {
				return unavailable("creating bucket "+s.Bucket, err)
			}
		} else {
			slog.Info("Created bucket", "bucket", s.Bucket, "project", s.Project)
		}
	}
	s.ensured.Store(true)
	return nil
}

// Put uploads localPath. The MD5 is sent along so GCS rejects corrupted
// uploads, and the stored MD5 is returned as the hash.
func (s *GCSStore) Put(ctx context.Context, id, localPath string, meta Metadata) (string, error) {
	f, _, sum, err := openUpload(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	contentType, user := splitMetadata(meta)
	attrs, err := s.client.Upload(ctx, s.Bucket, id, f, GCSAttrs{
		ContentType: contentType,
		Metadata:    user,
		MD5:         sum,
	})
	if err != nil {
		return "", unavailable("uploading "+id, err)
	}
	if len(attrs.MD5) > 0 {
		return hexSum(attrs.MD5), nil
	}
	return hexSum(sum), nil
}

// Get opens the whole object.
func (s *GCSStore) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	return s.read(ctx, id, 0, -1)
}

// GetRange opens bytes [start, end] of the object.
func (s *GCSStore) GetRange(ctx context.Context, id string, start, end int64) (io.ReadCloser, error) {
	if err := validRange(start, end); err != nil {
		return nil, err
	}
	return s.read(ctx, id, start, end-start+1)
}

func (s *GCSStore) read(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	rc, err := s.client.NewRangeReader(ctx, s.Bucket, id, offset, length)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, notFound(id)
		}
		return nil, unavailable("getting "+id, err)
	}
	return rc, nil
}

// Stat returns the object's attributes.
func (s *GCSStore) Stat(ctx context.Context, id string) (*ObjectInfo, error) {
	attrs, err := s.client.Attrs(ctx, s.Bucket, id)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, notFound(id)
		}
		return nil, unavailable("stat "+id, err)
	}
	return &ObjectInfo{
		ID:           id,
		Size:         attrs.Size,
		Hash:         hexSum(attrs.MD5),
		ContentType:  attrs.ContentType,
		Metadata:     joinMetadata(attrs.Metadata, attrs.ContentType),
		LastModified: attrs.Updated,
	}, nil
}

// Remove deletes ids concurrently. Objects that are already gone are skipped.
func (s *GCSStore) Remove(ctx context.Context, ids []string) ([]RemoveError, error) {
	var (
		mu     sync.Mutex
		failed []RemoveError
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(gcsRemoveConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			err := s.client.Delete(gctx, s.Bucket, id)
			if err == nil || isGCSNotFound(err) {
				return nil
			}
			mu.Lock()
			failed = append(failed, RemoveError{ID: id, Err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return failed, unavailable("deleting objects", err)
	}
	return failed, nil
}

// HealthCheck verifies that the bucket can be queried.
func (s *GCSStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.Bucket)
	return err
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// isGCSConflict reports a bucket that already exists.
func isGCSConflict(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}

// Ensure GCSStore implements Store at compile time.
var _ Store = (*GCSStore)(nil)
