package s3client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/s3-replica-sync/pkg/objectstore"
)

const (
	defaultListRetries     = 5
	defaultItemRetries     = 1
	defaultBaseDelay       = 100 * time.Millisecond
	defaultMaxDelay        = 30 * time.Second
	defaultHeadConcurrency = 16

	// contentHashMetaKey is written on upload so later listings can trust a
	// content-derived checksum even for multipart objects.
	contentHashMetaKey = "content-sha256"
)

// Options configures a Client.
type Options struct {
	Bucket   string
	Prefix   string
	Region   string
	Profile  string
	Endpoint string
	// AccessKey and SecretKey override the default credential chain when both are set.
	AccessKey string
	SecretKey string

	// ItemRetries bounds retries of single-object calls. Zero means one retry.
	ItemRetries     int
	HeadConcurrency int
	Logger          *slog.Logger
}

// Client implements objectstore.Client on top of S3 with retry logic.
type Client struct {
	s3Client    *s3.Client
	uploader    *manager.Uploader
	downloader  *manager.Downloader
	bucket      string
	prefix      string
	namespace   string
	listRetries int
	itemRetries int
	baseDelay   time.Duration
	maxDelay    time.Duration
	headLimit   int
	logger      *slog.Logger
}

var _ objectstore.Client = (*Client)(nil)

// New loads the AWS configuration and creates a Client for the bucket/prefix in opts.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	configOpts := []func(*config.LoadOptions) error{config.WithHTTPClient(httpClient)}
	if opts.Profile != "" {
		configOpts = append(configOpts, config.WithSharedConfigProfile(opts.Profile))
	}
	if opts.Region != "" {
		configOpts = append(configOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newClient(s3Client, opts, cfg.Region), nil
}

func newClient(s3Client *s3.Client, opts Options, region string) *Client {
	itemRetries := opts.ItemRetries
	if itemRetries <= 0 {
		itemRetries = defaultItemRetries
	}
	headLimit := opts.HeadConcurrency
	if headLimit <= 0 {
		headLimit = defaultHeadConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := normalizePrefix(opts.Prefix)

	return &Client{
		s3Client:    s3Client,
		uploader:    manager.NewUploader(s3Client),
		downloader:  manager.NewDownloader(s3Client),
		bucket:      opts.Bucket,
		prefix:      prefix,
		namespace:   NamespaceID(opts.Endpoint, region, opts.Bucket, prefix),
		listRetries: defaultListRetries,
		itemRetries: itemRetries,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		headLimit:   headLimit,
		logger:      logger,
	}
}

// Namespace returns endpoint/bucket/prefix.
func (c *Client) Namespace() string {
	return c.namespace
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.headObject(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HeadModTime returns the object's LastModified in ms, or 0 when it does not exist.
func (c *Client) HeadModTime(ctx context.Context, key string) (int64, error) {
	out, err := c.headObject(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return aws.ToTime(out.LastModified).UnixMilli(), nil
}

// Upload puts data under key through the multipart-aware uploader.
func (c *Client) Upload(ctx context.Context, key string, data []byte, contentHash string) error {
	input := &s3.PutObjectInput{
		Bucket:            aws.String(c.bucket),
		Key:               aws.String(c.fullKey(key)),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	}
	if contentType := guessContentType(key); contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if contentHash != "" {
		input.Metadata = map[string]string{contentHashMetaKey: contentHash}
	}

	_, err := withRetry(ctx, c, c.itemRetries, func() (*manager.UploadOutput, error) {
		// The body must be rewound for every attempt.
		input.Body = bytes.NewReader(data)
		return c.uploader.Upload(ctx, input)
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Download returns the full content of key. A missing key yields objectstore.ErrNotFound.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	buf, err := withRetry(ctx, c, c.itemRetries, func() (*manager.WriteAtBuffer, error) {
		buf := manager.NewWriteAtBuffer(nil)
		_, err := c.downloader.Download(ctx, buf, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(c.fullKey(key)),
		})
		return buf, err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, objectstore.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

// Delete removes key. Deleting a missing key is not an error in S3.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := withRetry(ctx, c, c.itemRetries, func() (*s3.DeleteObjectOutput, error) {
		return c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(c.fullKey(key)),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// ListWithMetadata lists every object under prefix (relative to the namespace root).
// With fetchExtendedChecksum each object is HEADed to obtain a content-derived checksum.
func (c *Client) ListWithMetadata(ctx context.Context, prefix string, fetchExtendedChecksum bool) ([]objectstore.Object, error) {
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.prefix + prefix),
	})

	var objects []objectstore.Object
	for paginator.HasMorePages() {
		page, err := withRetry(ctx, c, c.listRetries, func() (*s3.ListObjectsV2Output, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil || obj.Size == nil {
				continue
			}
			key := trimKeyPrefix(*obj.Key, c.prefix)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			objects = append(objects, objectstore.Object{
				Key:      key,
				Size:     aws.ToInt64(obj.Size),
				ModTime:  aws.ToTime(obj.LastModified).UnixMilli(),
				Checksum: strings.Trim(aws.ToString(obj.ETag), "\""),
			})
		}
	}

	if !fetchExtendedChecksum || len(objects) == 0 {
		return objects, nil
	}
	return c.fillChecksums(ctx, objects)
}

// fillChecksums HEADs objects in parallel. Objects that vanished since the listing
// are dropped.
func (c *Client) fillChecksums(ctx context.Context, objects []objectstore.Object) ([]objectstore.Object, error) {
	gone := make([]bool, len(objects))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.headLimit)
	for i := range objects {
		g.Go(func() error {
			out, err := c.headObject(gctx, objects[i].Key)
			if err != nil {
				if isNotFound(err) {
					mu.Lock()
					gone[i] = true
					mu.Unlock()
					return nil
				}
				return fmt.Errorf("head object %s: %w", objects[i].Key, err)
			}
			if sum, ok := reliableChecksum(out); ok {
				objects[i].Checksum = sum
				objects[i].ChecksumReliable = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	kept := objects[:0]
	for i, obj := range objects {
		if !gone[i] {
			kept = append(kept, obj)
		}
	}
	return kept, nil
}

func (c *Client) headObject(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	return withRetry(ctx, c, c.itemRetries, func() (*s3.HeadObjectOutput, error) {
		return c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket:       aws.String(c.bucket),
			Key:          aws.String(c.fullKey(key)),
			ChecksumMode: types.ChecksumModeEnabled,
		})
	})
}

func (c *Client) fullKey(key string) string {
	return c.prefix + key
}

// reliableChecksum returns a SHA-256 that describes the whole object content, if any.
func reliableChecksum(out *s3.HeadObjectOutput) (string, bool) {
	if sum := aws.ToString(out.ChecksumSHA256); sum != "" && out.ChecksumType != types.ChecksumTypeComposite && !strings.Contains(sum, "-") {
		return sum, true
	}
	if sum := out.Metadata[contentHashMetaKey]; sum != "" {
		return sum, true
	}
	return "", false
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, or
// maxRetries retries have been spent.
func withRetry[T any](ctx context.Context, c *Client, maxRetries int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		output, err := fn()
		if err == nil {
			return output, nil
		}

		// NotFound answers are final
		if isNotFound(err) || !c.isRetryableError(err) {
			return zero, err
		}

		lastErr = err
		if attempt < maxRetries {
			delay := c.calculateDelay(attempt)
			c.logger.Debug("s3 retry", "attempt", attempt+1, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryableError checks if an error is retryable
func (c *Client) isRetryableError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "ServiceUnavailable", "RequestTimeout", "RequestTimeoutException", "InternalError":
			return true
		}
		// Retry on 5xx errors
		if httpErr, ok := apiErr.(interface{ HTTPStatusCode() int }); ok {
			code := httpErr.HTTPStatusCode()
			return code >= 500 && code < 600
		}
	}
	// Also retry on network errors
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

// calculateDelay calculates the retry delay with exponential backoff and jitter
func (c *Client) calculateDelay(attempt int) time.Duration {
	base := float64(c.baseDelay)
	delay := base * math.Pow(2.0, float64(attempt))

	// Add jitter (±25%)
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter

	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}

	return time.Duration(delay)
}
