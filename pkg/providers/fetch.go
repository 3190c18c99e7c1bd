package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client used for downloads.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ErrSourceNotFound is returned when a remote source does not exist.
var ErrSourceNotFound = errors.New("source not found")

// SourceFetcher downloads s3://, http(s):// and file:// sources.
type SourceFetcher struct {
	// Region is the AWS region for S3 sources. Defaults to the SDK's resolution.
	Region string

	// Profile selects a shared AWS config profile.
	Profile string

	// HTTPClient downloads http sources.
	HTTPClient *http.Client

	once     sync.Once
	s3Client S3API
	s3Err    error
}

// NewSourceFetcher creates a fetcher. s3Client may be nil to load the
// default AWS configuration on first use.
func NewSourceFetcher(region, profile string, s3Client S3API) *SourceFetcher {
	return &SourceFetcher{
		Region:     region,
		Profile:    profile,
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
		s3Client:   s3Client,
	}
}

// Fetch opens a source for reading. The caller closes the reader.
func (f *SourceFetcher) Fetch(ctx context.Context, source string) (io.ReadCloser, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("invalid source %q: %w", source, err)
	}

	switch u.Scheme {
	case "s3":
		return f.fetchS3(ctx, u)
	case "http", "https":
		return f.fetchHTTP(ctx, source)
	case "file", "":
		path := u.Path
		if u.Scheme == "" {
			path = source
		}
		file, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, source)
		}
		return file, err
	default:
		return nil, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
}

func (f *SourceFetcher) client(ctx context.Context) (S3API, error) {
	f.once.Do(func() {
		if f.s3Client != nil {
			return
		}
		var opts []func(*awsconfig.LoadOptions) error
		if f.Region != "" {
			opts = append(opts, awsconfig.WithRegion(f.Region))
		}
		if f.Profile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(f.Profile))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			f.s3Err = fmt.Errorf("unable to load AWS config: %w", err)
			return
		}
		f.s3Client = s3.NewFromConfig(cfg)
	})
	return f.s3Client, f.s3Err
}

func (f *SourceFetcher) fetchS3(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 source must be s3://bucket/key")
	}

	client, err := f.client(ctx)
	if err != nil {
		return nil, err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrSourceNotFound, bucket, key)
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("failed to get s3://%s/%s: %s: %s", bucket, key, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

func (f *SourceFetcher) fetchHTTP(ctx context.Context, source string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", source, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, source)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to download %s: %s", source, resp.Status)
	}
	return resp.Body, nil
}
