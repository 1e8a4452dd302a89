package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureStore keeps blobs in one Azure Blob Storage container.
type AzureStore struct {
	client    *azblob.Client
	container string
	prefix    string
}

// NewAzureStore authenticates with a shared account key.
func NewAzureStore(account, key, container, prefix string) (*AzureStore, error) {
	if account == "" || key == "" || container == "" {
		return nil, fmt.Errorf("blob: AZURE_STORAGE_ACCOUNT, AZURE_STORAGE_KEY and AZURE_BLOB_CONTAINER required for the azure backend")
	}
	cred, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("blob: azure shared key credential: %w", err)
	}
	url := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	client, err := azblob.NewClientWithSharedKeyCredential(url, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("blob: azure client: %w", err)
	}
	return &AzureStore{client: client, container: container, prefix: prefix}, nil
}

func (s *AzureStore) Backend() string { return "azure" }

func (s *AzureStore) blobName(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *AzureStore) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	packed, err := packMeta(meta)
	if err != nil {
		return err
	}
	contentType := ContentTypeBinary
	_, err = s.client.UploadBuffer(ctx, s.container, s.blobName(key), data, &azblob.UploadBufferOptions{
		Metadata: map[string]*string{packedMetaKey: &packed},
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: &contentType,
		},
	})
	if err != nil {
		return fmt.Errorf("blob: azure put %s: %w", key, err)
	}
	return nil
}

func (s *AzureStore) Open(ctx context.Context, key string) (io.ReadCloser, Info, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, s.blobName(key), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, Info{}, ErrNotFound
		}
		return nil, Info{}, fmt.Errorf("blob: azure get %s: %w", key, err)
	}
	info := Info{Key: key, ContentType: ContentTypeBinary}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	if resp.LastModified != nil {
		info.CreatedAt = *resp.LastModified
	}
	// The service may return metadata keys with different casing.
	for k, v := range resp.Metadata {
		if strings.EqualFold(k, packedMetaKey) && v != nil {
			info.Metadata = unpackMeta(*v)
		}
	}
	if info.Metadata == nil {
		info.Metadata = map[string]string{}
	}
	return resp.Body, info, nil
}

func (s *AzureStore) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteBlob(ctx, s.container, s.blobName(key), nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil
		}
		return fmt.Errorf("blob: azure delete %s: %w", key, err)
	}
	return nil
}

func (s *AzureStore) Ping(ctx context.Context) error {
	_, err := s.client.ServiceClient().NewContainerClient(s.container).GetProperties(ctx, nil)
	return err
}

func (s *AzureStore) Close() error { return nil }
