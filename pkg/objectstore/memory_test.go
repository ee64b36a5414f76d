package objectstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuya-takeyama/s3-replica-sync/internal/checksum"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("mem://bucket")

	require.NoError(t, m.Upload(ctx, "docs/a.pdf", []byte("hello"), checksum.CalculateBytesSHA256([]byte("hello"))))

	ok, err := m.Exists(ctx, "docs/a.pdf")
	require.NoError(t, err)
	assert.True(t, ok)

	mod, err := m.HeadModTime(ctx, "docs/a.pdf")
	require.NoError(t, err)
	assert.NotZero(t, mod)

	data, err := m.Download(ctx, "docs/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, m.Delete(ctx, "docs/a.pdf"))
	_, err = m.Download(ctx, "docs/a.pdf")
	assert.ErrorIs(t, err, ErrNotFound)

	mod, err = m.HeadModTime(ctx, "docs/a.pdf")
	require.NoError(t, err)
	assert.Zero(t, mod)
}

func TestMemoryUploadRejectsWrongHint(t *testing.T) {
	m := NewMemory("mem://bucket")
	err := m.Upload(context.Background(), "a", []byte("hello"), "not-the-hash")
	assert.Error(t, err)
	_, ok := m.Get("a")
	assert.False(t, ok)
}

func TestMemoryListWithMetadata(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("mem://bucket")
	m.Put("b.txt", []byte("bb"), 2000)
	m.Put("a.txt", []byte("a"), 1000)
	m.Put("other/c.txt", []byte("c"), 3000)

	objs, err := m.ListWithMetadata(ctx, "", true)
	require.NoError(t, err)
	require.Len(t, objs, 3)
	assert.Equal(t, "a.txt", objs[0].Key)
	assert.True(t, objs[0].ChecksumReliable)
	assert.Equal(t, checksum.CalculateBytesSHA256([]byte("a")), objs[0].Checksum)
	assert.Equal(t, int64(1000), objs[0].ModTime)

	objs, err = m.ListWithMetadata(ctx, "other/", false)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.False(t, objs[0].ChecksumReliable)
	assert.Equal(t, int64(1), objs[0].Size)
}

func TestMemoryFailureInjection(t *testing.T) {
	boom := errors.New("boom")
	m := NewMemory("mem://bucket")
	m.Fail = func(op, key string) error {
		if op == "upload" && key == "bad" {
			return boom
		}
		return nil
	}

	assert.ErrorIs(t, m.Upload(context.Background(), "bad", []byte("x"), ""), boom)
	assert.NoError(t, m.Upload(context.Background(), "good", []byte("x"), ""))
	assert.Equal(t, 2, m.Calls("upload"))
}
