package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// realAzureClient wraps the official Azure SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

// newRealAzureClient creates a real Azure Blob client. If connectionString is
// non-empty, it uses connection string auth. If useManagedIdentity is true, it
// uses managed identity credentials. Otherwise it falls back to
// DefaultAzureCredential.
func newRealAzureClient(accountURL, connectionString string, useManagedIdentity bool) (*realAzureClient, error) {
	if connectionString != "" {
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	if useManagedIdentity {
		cred, err := azidentity.NewManagedIdentityCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure managed identity credential: %w", err)
		}
		client, err := azblob.NewClient(accountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client with managed identity: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &realAzureClient{client: client}, nil
}

func (c *realAzureClient) ContainerExists(ctx context.Context, container string) (bool, error) {
	_, err := c.client.ServiceClient().NewContainerClient(container).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.ContainerNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *realAzureClient) CreateContainer(ctx context.Context, container string) error {
	_, err := c.client.CreateContainer(ctx, container, nil)
	return err
}

func (c *realAzureClient) UploadFile(ctx context.Context, container, blobName string, f *os.File, props AzureProps) error {
	meta := make(map[string]*string, len(props.Metadata))
	for k, v := range props.Metadata {
		meta[k] = to.Ptr(v)
	}
	headers := &blob.HTTPHeaders{BlobContentMD5: props.ContentMD5}
	if props.ContentType != "" {
		headers.BlobContentType = to.Ptr(props.ContentType)
	}
	_, err := c.client.UploadFile(ctx, container, blobName, f, &azblob.UploadFileOptions{
		HTTPHeaders: headers,
		Metadata:    meta,
	})
	return err
}

func (c *realAzureClient) Download(ctx context.Context, container, blobName string, offset, count int64) (io.ReadCloser, error) {
	resp, err := c.client.DownloadStream(ctx, container, blobName, &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: offset, Count: count},
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *realAzureClient) Properties(ctx context.Context, container, blobName string) (*AzureProps, error) {
	resp, err := c.client.ServiceClient().NewContainerClient(container).NewBlobClient(blobName).GetProperties(ctx, nil)
	if err != nil {
		return nil, err
	}
	props := &AzureProps{
		ContentMD5: resp.ContentMD5,
		Metadata:   make(map[string]string, len(resp.Metadata)),
	}
	if resp.ContentLength != nil {
		props.Size = *resp.ContentLength
	}
	if resp.ContentType != nil {
		props.ContentType = *resp.ContentType
	}
	if resp.LastModified != nil {
		props.LastModified = *resp.LastModified
	}
	for k, v := range resp.Metadata {
		if v != nil {
			props.Metadata[k] = *v
		}
	}
	return props, nil
}

func (c *realAzureClient) DeleteBlob(ctx context.Context, container, blobName string) error {
	_, err := c.client.DeleteBlob(ctx, container, blobName, nil)
	return err
}
