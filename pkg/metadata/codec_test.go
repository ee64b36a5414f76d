package metadata

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSnapshot(t *testing.T) {
	snap := Snapshot{
		NamespaceID:  "s3.us-east-1.amazonaws.com/bucket/library",
		LastFullSync: 1700000000000,
		Records: map[string]SyncRecord{
			"A.pdf": rec("A.pdf", "h1", 1699999999000),
		},
		WrittenBy: "run-1",
	}

	data, err := EncodeSnapshot(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"schemaVersion": 2`)
	assert.Contains(t, string(data), `"lastSyncHash": "h1"`)

	got, err := DecodeSnapshot(data)
	require.NoError(t, err)
	snap.SchemaVersion = SchemaVersion
	assert.Equal(t, snap, got)
}

func TestDecodeSnapshotCorrupt(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: "<xml/>"},
		{name: "truncated", data: `{"schemaVersion": 2, "records": {`},
		{name: "old schema", data: `{"schemaVersion": 1, "namespaceId": "ns", "records": {}}`},
		{name: "missing schema", data: `{"namespaceId": "ns"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSnapshot([]byte(tt.data))
			assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)
		})
	}
}

func TestDecodeSnapshotNormalizes(t *testing.T) {
	got, err := DecodeSnapshot([]byte(`{"schemaVersion": 2, "records": {"k": {"lastSyncHash": "h"}}}`))
	require.NoError(t, err)
	assert.Equal(t, SyncRecord{Key: "k"}, got.Records["k"])

	got, err = DecodeSnapshot([]byte(`{"schemaVersion": 2}`))
	require.NoError(t, err)
	assert.NotNil(t, got.Records)
}
