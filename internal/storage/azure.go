package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"golang.org/x/sync/errgroup"
)

const azureRemoveConcurrency = 8

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the store uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// ContainerExists reports whether the container exists.
	ContainerExists(ctx context.Context, container string) (bool, error)
	// CreateContainer creates the container.
	CreateContainer(ctx context.Context, container string) error
	// UploadFile uploads f as a block blob, overwriting any existing blob.
	UploadFile(ctx context.Context, container, blobName string, f *os.File, props AzureProps) error
	// Download reads count bytes from offset; count 0 reads to the end.
	Download(ctx context.Context, container, blobName string, offset, count int64) (io.ReadCloser, error)
	// Properties returns the blob's system properties and metadata.
	Properties(ctx context.Context, container, blobName string) (*AzureProps, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, container, blobName string) error
}

// AzureProps carries blob properties exchanged with Azure.
type AzureProps struct {
	Size         int64
	ContentMD5   []byte
	ContentType  string
	Metadata     map[string]string
	LastModified time.Time
}

// AzureStore implements Store on an Azure Blob Storage container.
// Credentials are resolved from a connection string, a managed identity, or
// DefaultAzureCredential, in that order.
type AzureStore struct {
	// Container is the Azure Blob container name.
	Container string
	// AccountURL is the storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL string
	client     AzureBlobAPI
	ensured    atomic.Bool
}

// NewAzureStore creates an AzureStore for container.
func NewAzureStore(container, accountURL, connectionString string, useManagedIdentity bool) (*AzureStore, error) {
	client, err := newRealAzureClient(accountURL, connectionString, useManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}
	slog.Info("Azure store configured", "container", container, "account", accountURL)
	return NewAzureStoreWithClient(container, accountURL, client), nil
}

// NewAzureStoreWithClient creates an AzureStore with a pre-configured Azure
// client. This is primarily used for testing with mock clients.
func NewAzureStoreWithClient(container, accountURL string, client AzureBlobAPI) *AzureStore {
	return &AzureStore{
		Container:  container,
		AccountURL: accountURL,
		client:     client,
	}
}

// EnsureNamespace creates the container when missing.
func (s *AzureStore) EnsureNamespace(ctx context.Context) error {
	if s.ensured.Load() {
		return nil
	}
	exists, err := s.client.ContainerExists(ctx, s.Container)
	if err != nil {
		return unavailable("checking container "+s.Container, err)
	}
	if !exists {
		if err := s.client.CreateContainer(ctx, s.Container); err != nil {
			if !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
				return unavailable("creating container "+s.Container, err)
			}
		} else {
			slog.Info("Created container", "container", s.Container)
		}
	}
	s.ensured.Store(true)
	return nil
}

// Put uploads localPath as a block blob. Block uploads leave Content-MD5
// unset, so the locally computed digest is stored explicitly and returned.
func (s *AzureStore) Put(ctx context.Context, id, localPath string, meta Metadata) (string, error) {
	f, _, sum, err := openUpload(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	contentType, user := splitMetadata(meta)
	err = s.client.UploadFile(ctx, s.Container, id, f, AzureProps{
		ContentMD5:  sum,
		ContentType: contentType,
		Metadata:    user,
	})
	if err != nil {
		return "", unavailable("uploading "+id, err)
	}
	return hexSum(sum), nil
}

// Get opens the whole blob.
func (s *AzureStore) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	return s.download(ctx, id, 0, 0)
}

// GetRange opens bytes [start, end] of the blob.
func (s *AzureStore) GetRange(ctx context.Context, id string, start, end int64) (io.ReadCloser, error) {
	if err := validRange(start, end); err != nil {
		return nil, err
	}
	return s.download(ctx, id, start, end-start+1)
}

func (s *AzureStore) download(ctx context.Context, id string, offset, count int64) (io.ReadCloser, error) {
	rc, err := s.client.Download(ctx, s.Container, id, offset, count)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, notFound(id)
		}
		return nil, unavailable("downloading "+id, err)
	}
	return rc, nil
}

// Stat returns the blob's properties.
func (s *AzureStore) Stat(ctx context.Context, id string) (*ObjectInfo, error) {
	props, err := s.client.Properties(ctx, s.Container, id)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, notFound(id)
		}
		return nil, unavailable("stat "+id, err)
	}
	return &ObjectInfo{
		ID:           id,
		Size:         props.Size,
		Hash:         hexSum(props.ContentMD5),
		ContentType:  props.ContentType,
		Metadata:     joinMetadata(props.Metadata, props.ContentType),
		LastModified: props.LastModified,
	}, nil
}

// Remove deletes ids concurrently; Azure has no multi-delete in azblob.Client.
func (s *AzureStore) Remove(ctx context.Context, ids []string) ([]RemoveError, error) {
	var (
		mu     sync.Mutex
		failed []RemoveError
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(azureRemoveConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			err := s.client.DeleteBlob(gctx, s.Container, id)
			if err == nil || isAzureNotFound(err) {
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
		return failed, unavailable("deleting blobs", err)
	}
	return failed, nil
}

// HealthCheck verifies that the container can be queried.
func (s *AzureStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.ContainerExists(ctx, s.Container)
	return err
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

// Ensure AzureStore implements Store at compile time.
var _ Store = (*AzureStore)(nil)
