package rehost

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// s3Store uploads to any S3-compatible service through the MinIO client.
// URL form: s3://host[:port]/bucket[?scheme=http&insecure=1&path-style=1&region=...]
type s3Store struct {
	client *minio.Client
	bucket string
	base   string
}

func newS3Store(ctx context.Context, u *url.URL) (*s3Store, error) {
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return nil, fmt.Errorf("rehost: s3 store missing host (expected s3://host[:port]/bucket)")
	}
	bucket := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if bucket == "" || strings.Contains(bucket, "/") {
		return nil, fmt.Errorf("rehost: s3 store missing bucket (expected s3://host[:port]/bucket)")
	}
	query := u.Query()
	secure := true
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	for _, name := range []string{"tls", "secure"} {
		if v := query.Get(name); v != "" {
			if ok, err := strconv.ParseBool(v); err == nil {
				secure = ok
			}
		}
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	skipVerify := false
	if v := query.Get("insecure-skip-verify"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			skipVerify = ok
		}
	}
	options := &minio.Options{
		Creds:     resolveS3Credentials(),
		Secure:    secure,
		Region:    strings.TrimSpace(query.Get("region")),
		Transport: defaultTransport(skipVerify),
	}
	pathStyle := true
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			pathStyle = ok
		}
	}
	if pathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("rehost: create s3 client: %w", err)
	}
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(checkCtx, bucket)
	if err != nil {
		return nil, fmt.Errorf("rehost: s3 connectivity check failed: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("rehost: s3 bucket %s does not exist", bucket)
	}
	scheme := "https"
	if !secure {
		scheme = "http"
	}
	return &s3Store{
		client: client,
		bucket: bucket,
		base:   fmt.Sprintf("%s://%s/%s", scheme, endpoint, bucket),
	}, nil
}

// resolveS3Credentials prefers explicit static credentials from the
// environment and falls back to the usual AWS/MinIO provider chain.
func resolveS3Credentials() *credentials.Credentials {
	accessKey := firstEnv("COMFYD_S3_ACCESS_KEY_ID", "MINIO_ROOT_USER")
	secretKey := firstEnv("COMFYD_S3_SECRET_ACCESS_KEY", "MINIO_ROOT_PASSWORD")
	if accessKey != "" && secretKey != "" {
		return credentials.NewStaticV4(accessKey, secretKey, firstEnv("COMFYD_S3_SESSION_TOKEN"))
	}
	chain := []credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
		&credentials.FileAWSCredentials{},
		&credentials.IAM{},
	}
	return credentials.NewChainCredentials(chain)
}

func defaultTransport(skipVerify bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
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
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if clone.ExpectContinueTimeout == 0 {
		clone.ExpectContinueTimeout = 1 * time.Second
	}
	if skipVerify {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

func (s *s3Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("s3: put object: %w", err)
	}
	return nil
}

func (s *s3Store) PublicBase() string { return s.base }

func (s *s3Store) Close() error { return nil }
