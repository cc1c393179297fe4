// Package rehost copies generated artifacts from the engine's volatile output
// directory into durable object storage and returns a public URL for the
// stored copy. Backends are selected by store URL scheme: s3:// targets any
// S3-compatible service, aws:// targets AWS S3 with regional config, azure://
// targets Azure Blob Storage, and memory:// keeps objects in process for
// tests.
package rehost

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/xid"

	"pkt.systems/comfyd/internal/svcfields"
	"pkt.systems/pslog"
)

// Store uploads objects to one storage backend.
type Store interface {
	// Put uploads one object under key.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	// PublicBase returns the base URL objects are served from, used when no
	// explicit public URL is configured.
	PublicBase() string
	Close() error
}

// UploadError reports a failed re-host attempt. Callers treat it as
// non-fatal and fall back to the engine URL.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("rehost: upload artifact %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("rehost: upload artifact: %v", e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Config selects and parameterises the storage backend.
type Config struct {
	// StoreURL names the backend, e.g. s3://minio.local:9000/artifacts or
	// aws://my-bucket?region=eu-north-1 or azure://account/container.
	StoreURL string
	// PublicURL overrides the backend-derived base for returned URLs.
	PublicURL string
	// Prefix is prepended to every object key.
	Prefix string
	// MaxBytes caps the artifact size; larger artifacts fail the re-host.
	// Zero disables the cap.
	MaxBytes int64
	// HTTPClient fetches the artifact from the engine. Defaults to a plain
	// http.Client.
	HTTPClient *http.Client
	Logger     pslog.Logger
}

// Rehoster fetches artifacts from the engine and persists them.
type Rehoster struct {
	store      Store
	httpc      *http.Client
	publicBase string
	prefix     string
	maxBytes   int64
	logger     pslog.Logger
}

// Open parses the store URL, connects the backend, and verifies it is
// reachable. It is called during startup; failures here are fatal.
func Open(ctx context.Context, cfg Config) (*Rehoster, error) {
	raw := strings.TrimSpace(cfg.StoreURL)
	if raw == "" {
		return nil, fmt.Errorf("rehost: store URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("rehost: parse store URL: %w", err)
	}
	var store Store
	switch u.Scheme {
	case "memory", "mem":
		store = NewMemory()
	case "s3":
		store, err = newS3Store(ctx, u)
	case "aws":
		store, err = newAWSStore(ctx, u)
	case "azure":
		store, err = newAzureStore(ctx, u)
	default:
		return nil, fmt.Errorf("rehost: store scheme %q not supported", u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	publicBase := strings.TrimRight(strings.TrimSpace(cfg.PublicURL), "/")
	if publicBase == "" {
		publicBase = strings.TrimRight(store.PublicBase(), "/")
	}
	if publicBase == "" {
		_ = store.Close()
		return nil, fmt.Errorf("rehost: public URL required for store %q", raw)
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Rehoster{
		store:      store,
		httpc:      httpc,
		publicBase: publicBase,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		maxBytes:   cfg.MaxBytes,
		logger:     svcfields.WithSubsystem(logger, "rehost"),
	}, nil
}

// Close releases the backend.
func (r *Rehoster) Close() error {
	return r.store.Close()
}

// Rehost downloads the artifact at srcURL and uploads it under a fresh
// date-partitioned key. filename only contributes its extension.
func (r *Rehoster) Rehost(ctx context.Context, srcURL, filename string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return "", &UploadError{Err: err}
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return "", &UploadError{Err: fmt.Errorf("fetch artifact: %w", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &UploadError{Err: fmt.Errorf("fetch artifact: engine returned status %d", resp.StatusCode)}
	}
	var reader io.Reader = resp.Body
	if r.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, r.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", &UploadError{Err: fmt.Errorf("read artifact: %w", err)}
	}
	if r.maxBytes > 0 && int64(len(data)) > r.maxBytes {
		return "", &UploadError{Err: fmt.Errorf("artifact exceeds size cap of %d bytes", r.maxBytes)}
	}
	key := r.key(filename)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(key))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := r.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return "", &UploadError{Key: key, Err: err}
	}
	publicURL := r.publicBase + "/" + key
	r.logger.Debug("rehost.uploaded", "key", key, "bytes", len(data), "content_type", contentType, "url", publicURL)
	return publicURL, nil
}

func (r *Rehoster) key(filename string) string {
	ext := path.Ext(filename)
	if ext == "" {
		ext = ".png"
	}
	day := time.Now().UTC().Format("2006/01/02")
	name := xid.New().String() + ext
	if r.prefix == "" {
		return path.Join(day, name)
	}
	return path.Join(r.prefix, day, name)
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if name == "" {
			continue
		}
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
