package rehost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// azureStore uploads to Azure Blob Storage.
// URL form: azure://account/container[?endpoint=...&sas=...]
// The account key is read from COMFYD_AZURE_ACCOUNT_KEY or the usual
// AZURE_STORAGE_* variables; a SAS token takes precedence.
type azureStore struct {
	client    *azblob.Client
	container string
	base      string
}

func newAzureStore(ctx context.Context, u *url.URL) (*azureStore, error) {
	account := strings.TrimSpace(u.Host)
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME", "AZURE_ACCOUNT_NAME")
	}
	if account == "" {
		return nil, fmt.Errorf("rehost: azure account required (azure://account/container or AZURE_STORAGE_ACCOUNT)")
	}
	container := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if container == "" || strings.Contains(container, "/") {
		return nil, fmt.Errorf("rehost: azure store missing container (expected azure://account/container)")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(query.Get("endpoint"))
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", account)
	}
	sas := strings.TrimSpace(query.Get("sas"))
	if sas == "" {
		sas = firstEnv("COMFYD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN", "AZURE_SAS_TOKEN")
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := azureClientOptions()
	if sas != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, sas)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		accountKey := firstEnv("COMFYD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
		if accountKey == "" {
			return nil, fmt.Errorf("rehost: azure account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(account, accountKey)
		if credErr != nil {
			return nil, fmt.Errorf("rehost: build azure credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("rehost: create azure client: %w", err)
	}
	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(checkCtx, container, nil); err != nil {
		if !isContainerExists(err) {
			return nil, fmt.Errorf("rehost: create azure container: %w", err)
		}
	}
	return &azureStore{
		client:    client,
		container: container,
		base:      strings.TrimRight(endpoint, "/") + "/" + container,
	}, nil
}

func azureClientOptions() *azblob.ClientOptions {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 256
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: transportAdapter{rt: clone},
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

var _ policy.Transporter = transportAdapter{}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("rehost: parse azure endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func (s *azureStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	opts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr(contentType),
		},
	}
	if _, err := s.client.UploadStream(ctx, s.container, key, body, opts); err != nil {
		return fmt.Errorf("azure: upload blob: %w", err)
	}
	return nil
}

func (s *azureStore) PublicBase() string { return s.base }

func (s *azureStore) Close() error { return nil }
