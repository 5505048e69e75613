package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// maxDeleteBatch is the S3 limit on keys per DeleteObjects call.
const maxDeleteBatch = 1000

// S3API defines the subset of the AWS S3 client interface that the store
// uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Store implements Store on top of an S3-compatible bucket through the
// AWS SDK for Go v2.
type S3Store struct {
	// Bucket is the namespace all objects are stored in.
	Bucket string
	// Region is the location constraint used when creating Bucket.
	Region string
	// client is the AWS S3 client (satisfying S3API interface).
	client  S3API
	ensured atomic.Bool
}

// NewS3Store creates an S3Store for bucket. Credentials come from the default
// chain unless a static key pair is given; endpointURL and usePathStyle
// target S3-compatible servers.
func NewS3Store(ctx context.Context, bucket, region, endpointURL string, usePathStyle bool, accessKeyID, secretAccessKey string) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))

	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpointURL)
		})
	}
	if usePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	slog.Info("S3 store configured", "bucket", bucket, "region", region, "endpoint", endpointURL)
	return NewS3StoreWithClient(bucket, region, s3.NewFromConfig(cfg, s3Opts...)), nil
}

// NewS3StoreWithClient creates an S3Store with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewS3StoreWithClient(bucket, region string, client S3API) *S3Store {
	return &S3Store{
		Bucket: bucket,
		Region: region,
		client: client,
	}
}

// EnsureNamespace checks for the bucket and creates it when missing.
func (s *S3Store) EnsureNamespace(ctx context.Context) error {
	if s.ensured.Load() {
		return nil
	}

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.Bucket)})
	if err == nil {
		s.ensured.Store(true)
		return nil
	}
	if !isAWSNotFound(err) {
		return unavailable("checking bucket "+s.Bucket, err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s.Bucket)}
	if s.Region != "" && s.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.Region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		if !isAWSBucketExists(err) {
			return unavailable("creating bucket "+s.Bucket, err)
		}
		// Lost the race; make sure the winner's bucket is usable by us.
		if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.Bucket)}); err != nil {
			return unavailable("checking bucket "+s.Bucket, err)
		}
	} else {
		slog.Info("Created bucket", "bucket", s.Bucket, "region", s.Region)
	}
	s.ensured.Store(true)
	return nil
}

// Put uploads localPath under id. Content-MD5 is sent so the store verifies
// the bytes it received.
func (s *S3Store) Put(ctx context.Context, id, localPath string, meta Metadata) (string, error) {
	f, size, sum, err := openUpload(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	contentType, user := splitMetadata(meta)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(id),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentMD5:    aws.String(base64.StdEncoding.EncodeToString(sum)),
		Metadata:      user,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return "", unavailable("uploading "+id, err)
	}
	if etag := normalizeETag(aws.ToString(out.ETag)); etag != "" {
		return etag, nil
	}
	return hexSum(sum), nil
}

// Get opens the whole object.
func (s *S3Store) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	return s.get(ctx, id, nil)
}

// GetRange opens bytes [start, end] of the object.
func (s *S3Store) GetRange(ctx context.Context, id string, start, end int64) (io.ReadCloser, error) {
	if err := validRange(start, end); err != nil {
		return nil, err
	}
	return s.get(ctx, id, aws.String(fmt.Sprintf("bytes=%d-%d", start, end)))
}

func (s *S3Store) get(ctx context.Context, id string, byteRange *string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(id),
		Range:  byteRange,
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, notFound(id)
		}
		return nil, unavailable("getting "+id, err)
	}
	return resp.Body, nil
}

// Stat returns the object's size, ETag and metadata.
func (s *S3Store) Stat(ctx context.Context, id string) (*ObjectInfo, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, notFound(id)
		}
		return nil, unavailable("stat "+id, err)
	}
	contentType := aws.ToString(resp.ContentType)
	return &ObjectInfo{
		ID:           id,
		Size:         aws.ToInt64(resp.ContentLength),
		Hash:         normalizeETag(aws.ToString(resp.ETag)),
		ContentType:  contentType,
		Metadata:     joinMetadata(resp.Metadata, contentType),
		LastModified: aws.ToTime(resp.LastModified),
	}, nil
}

// Remove deletes ids in batches of up to 1000 keys.
func (s *S3Store) Remove(ctx context.Context, ids []string) ([]RemoveError, error) {
	var failed []RemoveError
	for start := 0; start < len(ids); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(ids))

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, id := range ids[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(id)})
		}

		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.Bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return failed, unavailable("deleting objects", err)
		}
		for _, e := range out.Errors {
			failed = append(failed, RemoveError{
				ID:  aws.ToString(e.Key),
				Err: fmt.Errorf("%s: %s", aws.ToString(e.Code), aws.ToString(e.Message)),
			})
		}
	}
	return failed, nil
}

// HealthCheck verifies that the S3 endpoint answers. A missing bucket is
// healthy; it is created on first write.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.Bucket)})
	if err != nil && !isAWSNotFound(err) {
		return err
	}
	return nil
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404", "NoSuchBucket":
			return true
		}
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var re interface{ HTTPStatusCode() int }
	if errors.As(err, &re) && re.HTTPStatusCode() == 404 {
		return true
	}
	return false
}

// isAWSBucketExists reports a lost bucket-creation race.
func isAWSBucketExists(err error) bool {
	var owned *types.BucketAlreadyOwnedByYou
	if errors.As(err, &owned) {
		return true
	}
	var exists *types.BucketAlreadyExists
	if errors.As(err, &exists) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
			return true
		}
	}
	return false
}

// Ensure S3Store implements Store at compile time.
var _ Store = (*S3Store)(nil)
