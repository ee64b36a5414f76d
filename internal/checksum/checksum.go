// Package checksum computes the content hashes used to compare replicas. Hashes
// are SHA-256, base64 encoded like the ChecksumSHA256 field of S3.
package checksum

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"io"

	"github.com/spf13/afero"
)

const bufferSize = 64 * 1024 // 64KB buffer

// CalculateFileSHA256 calculates the SHA-256 checksum of a file on fs and returns it
// base64 encoded, the same encoding S3 uses for ChecksumSHA256.
func CalculateFileSHA256(fs afero.Fs, filePath string) (string, error) {
	file, err := fs.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	return CalculateSHA256(file)
}

// CalculateSHA256 calculates SHA-256 checksum from reader and returns base64 encoded string
func CalculateSHA256(r io.Reader) (string, error) {
	hash := sha256.New()
	buffer := make([]byte, bufferSize)

	for {
		n, err := r.Read(buffer)
		if n > 0 {
			if _, err := hash.Write(buffer[:n]); err != nil {
				return "", fmt.Errorf("write to hash: %w", err)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}
	}

	return encode(hash), nil
}

// CalculateBytesSHA256 is CalculateSHA256 for content already in memory.
func CalculateBytesSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func encode(h hash.Hash) string {
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
