package s3client

import (
	"errors"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ParseS3URI parses an S3 URI into bucket and prefix. The prefix is cleaned and,
// when not empty, ends with "/".
func ParseS3URI(uri string) (bucket, prefix string, err error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", fmt.Errorf("invalid S3 URI: must start with s3://")
	}

	p := strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(p, "/", 2)

	if len(parts) == 0 || parts[0] == "" {
		return "", "", fmt.Errorf("invalid S3 URI: missing bucket name")
	}

	bucket = parts[0]
	if len(parts) > 1 {
		prefix = normalizePrefix(parts[1])
	}

	return bucket, prefix, nil
}

// NamespaceID builds the identity of a remote destination. Two configurations that
// point at the same objects produce the same id.
func NamespaceID(endpoint, region, bucket, prefix string) string {
	host := strings.TrimSuffix(endpoint, "/")
	host = strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://")
	if host == "" {
		if region == "" {
			region = "us-east-1"
		}
		host = "s3." + region + ".amazonaws.com"
	}
	return host + "/" + bucket + "/" + strings.TrimSuffix(prefix, "/")
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	cleaned := path.Clean(strings.TrimPrefix(prefix, "/"))
	if cleaned == "." || cleaned == "/" {
		return ""
	}
	return cleaned + "/"
}

// trimKeyPrefix strips prefix (which ends with "/") from key.
func trimKeyPrefix(key, prefix string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix)
}

func guessContentType(filename string) string {
	ext := filepath.Ext(filename)
	if ext == "" {
		return ""
	}
	return mime.TypeByExtension(ext)
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
