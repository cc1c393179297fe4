package rehost

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// awsStore uploads to AWS S3 through the official SDK and its default
// credential resolution (env, shared config, IAM roles).
// URL form: aws://bucket?region=eu-north-1[&endpoint=...&insecure=1]
type awsStore struct {
	client *s3.Client
	bucket string
	base   string
}

func newAWSStore(ctx context.Context, u *url.URL) (*awsStore, error) {
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return nil, fmt.Errorf("rehost: aws store missing bucket (expected aws://bucket)")
	}
	query := u.Query()
	region := strings.TrimSpace(query.Get("region"))
	if region == "" {
		region = firstEnv("COMFYD_AWS_REGION", "AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return nil, fmt.Errorf("rehost: aws store requires a region (aws://bucket?region=... or AWS_REGION)")
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	httpClient := &http.Client{Transport: defaultTransport(insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("rehost: load aws config: %w", err)
	}
	endpoint := strings.TrimSpace(query.Get("endpoint"))
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			resolved := endpoint
			if !strings.Contains(resolved, "://") {
				scheme := "https"
				if insecure {
					scheme = "http"
				}
				resolved = scheme + "://" + resolved
			}
			o.BaseEndpoint = aws.String(resolved)
			o.UsePathStyle = true
		}
	})
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := client.HeadBucket(checkCtx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("rehost: aws bucket %s not reachable: %w", bucket, err)
	}
	base := fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, region)
	if endpoint != "" {
		resolved := endpoint
		if !strings.Contains(resolved, "://") {
			scheme := "https"
			if insecure {
				scheme = "http"
			}
			resolved = scheme + "://" + resolved
		}
		base = strings.TrimRight(resolved, "/") + "/" + bucket
	}
	return &awsStore{client: client, bucket: bucket, base: base}, nil
}

func (s *awsStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("aws: put object: %w", err)
	}
	return nil
}

func (s *awsStore) PublicBase() string { return s.base }

func (s *awsStore) Close() error { return nil }
