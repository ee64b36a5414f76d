package s3client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

func TestParseS3URI(t *testing.T) {
	tests := []struct {
		name       string
		uri        string
		wantBucket string
		wantPrefix string
		wantErr    bool
	}{
		{name: "bucket only", uri: "s3://mybucket", wantBucket: "mybucket"},
		{name: "bucket with trailing slash", uri: "s3://mybucket/", wantBucket: "mybucket"},
		{name: "bucket with prefix", uri: "s3://mybucket/prefix", wantBucket: "mybucket", wantPrefix: "prefix/"},
		{name: "nested prefix with trailing slashes", uri: "s3://mybucket/a/b///", wantBucket: "mybucket", wantPrefix: "a/b/"},
		{name: "missing scheme", uri: "mybucket/prefix", wantErr: true},
		{name: "missing bucket", uri: "s3:///prefix", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, prefix, err := ParseS3URI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseS3URI(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
			if bucket != tt.wantBucket || prefix != tt.wantPrefix {
				t.Errorf("ParseS3URI(%q) = (%q, %q), want (%q, %q)", tt.uri, bucket, prefix, tt.wantBucket, tt.wantPrefix)
			}
		})
	}
}

func TestTrimKeyPrefix(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		prefix string
		want   string
	}{
		{name: "normal key with prefix", key: "assets/images/file.png", prefix: "assets/images/", want: "file.png"},
		{name: "nested path", key: "assets/images/subfolder/file.png", prefix: "assets/images/", want: "subfolder/file.png"},
		{name: "empty prefix", key: "assets/images/file.png", prefix: "", want: "assets/images/file.png"},
		{name: "prefix not matching", key: "other/path/file.png", prefix: "assets/images/", want: "other/path/file.png"},
		{name: "key is exactly prefix", key: "prefix/", prefix: "prefix/", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := trimKeyPrefix(tt.key, tt.prefix); got != tt.want {
				t.Errorf("trimKeyPrefix(%q, %q) = %q, want %q", tt.key, tt.prefix, got, tt.want)
			}
		})
	}
}

func TestNamespaceID(t *testing.T) {
	tests := []struct {
		name                             string
		endpoint, region, bucket, prefix string
		want                             string
	}{
		{name: "aws default region", bucket: "b", want: "s3.us-east-1.amazonaws.com/b/"},
		{name: "aws region and prefix", region: "ap-northeast-1", bucket: "b", prefix: "library/", want: "s3.ap-northeast-1.amazonaws.com/b/library"},
		{name: "custom endpoint", endpoint: "https://minio.local:9000/", region: "x", bucket: "b", prefix: "p/", want: "minio.local:9000/b/p"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NamespaceID(tt.endpoint, tt.region, tt.bucket, tt.prefix); got != tt.want {
				t.Errorf("NamespaceID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReliableChecksum(t *testing.T) {
	tests := []struct {
		name   string
		out    *s3.HeadObjectOutput
		want   string
		wantOK bool
	}{
		{
			name:   "full object sha256",
			out:    &s3.HeadObjectOutput{ChecksumSHA256: aws.String("abc="), ChecksumType: types.ChecksumTypeFullObject},
			want:   "abc=",
			wantOK: true,
		},
		{
			name: "composite checksum falls back to metadata",
			out: &s3.HeadObjectOutput{
				ChecksumSHA256: aws.String("xyz=-3"),
				ChecksumType:   types.ChecksumTypeComposite,
				Metadata:       map[string]string{contentHashMetaKey: "meta="},
			},
			want:   "meta=",
			wantOK: true,
		},
		{
			name:   "nothing usable",
			out:    &s3.HeadObjectOutput{ETag: aws.String("\"d41d8cd98f00b204e9800998ecf8427e\"")},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := reliableChecksum(tt.out)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("reliableChecksum() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestIsRetryableError(t *testing.T) {
	c := &Client{}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "slow down", err: &smithy.GenericAPIError{Code: "SlowDown"}, want: true},
		{name: "access denied", err: &smithy.GenericAPIError{Code: "AccessDenied"}, want: false},
		{name: "deadline", err: fmt.Errorf("wrapped: %w", context.DeadlineExceeded), want: true},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: true},
		{name: "plain", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(&types.NotFound{}) {
		t.Error("types.NotFound should be not found")
	}
	if !isNotFound(fmt.Errorf("get: %w", &types.NoSuchKey{})) {
		t.Error("wrapped NoSuchKey should be not found")
	}
	if !isNotFound(&smithy.GenericAPIError{Code: "NotFound"}) {
		t.Error("generic NotFound code should be not found")
	}
	if isNotFound(errors.New("boom")) {
		t.Error("plain error should not be not found")
	}
}

func TestWithRetry(t *testing.T) {
	c := &Client{
		baseDelay: time.Millisecond,
		maxDelay:  time.Millisecond,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	t.Run("retries retryable errors once", func(t *testing.T) {
		calls := 0
		_, err := withRetry(context.Background(), c, 1, func() (int, error) {
			calls++
			return 0, &smithy.GenericAPIError{Code: "ServiceUnavailable"}
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if calls != 2 {
			t.Errorf("calls = %d, want 2", calls)
		}
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		calls := 0
		_, err := withRetry(context.Background(), c, 3, func() (int, error) {
			calls++
			return 0, &smithy.GenericAPIError{Code: "AccessDenied"}
		})
		if err == nil || calls != 1 {
			t.Errorf("err = %v, calls = %d; want error after 1 call", err, calls)
		}
	})

	t.Run("returns value on success", func(t *testing.T) {
		calls := 0
		got, err := withRetry(context.Background(), c, 3, func() (int, error) {
			calls++
			if calls < 2 {
				return 0, io.ErrUnexpectedEOF
			}
			return 42, nil
		})
		if err != nil || got != 42 {
			t.Errorf("withRetry() = (%d, %v), want (42, nil)", got, err)
		}
	})
}

func TestNewClientOptions(t *testing.T) {
	c := newClient(s3.New(s3.Options{Region: "us-east-1"}), Options{Bucket: "b", Prefix: "p"}, "us-east-1")
	if c.itemRetries != defaultItemRetries || c.headLimit != defaultHeadConcurrency {
		t.Errorf("defaults: itemRetries = %d, headLimit = %d", c.itemRetries, c.headLimit)
	}
	if c.logger == nil {
		t.Error("logger should default to slog.Default()")
	}

	c = newClient(s3.New(s3.Options{Region: "us-east-1"}), Options{Bucket: "b", ItemRetries: 3, HeadConcurrency: 4}, "us-east-1")
	if c.itemRetries != 3 || c.headLimit != 4 {
		t.Errorf("configured: itemRetries = %d, headLimit = %d", c.itemRetries, c.headLimit)
	}
}

func TestCalculateDelayIsCapped(t *testing.T) {
	c := &Client{baseDelay: 100 * time.Millisecond, maxDelay: time.Second}
	for attempt := 0; attempt < 10; attempt++ {
		if d := c.calculateDelay(attempt); d > time.Second || d <= 0 {
			t.Errorf("calculateDelay(%d) = %v, want within (0, 1s]", attempt, d)
		}
	}
}

func TestGuessContentType(t *testing.T) {
	if got := guessContentType("README"); got != "" {
		t.Errorf("guessContentType(README) = %q, want empty", got)
	}
	if got := guessContentType("paper.pdf"); got != "application/pdf" {
		t.Errorf("guessContentType(paper.pdf) = %q, want application/pdf", got)
	}
}
