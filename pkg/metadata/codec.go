package metadata

import (
	"fmt"

	"github.com/goccy/go-json"
)

// EncodeSnapshot serializes snap in the wire format shared by the local and remote
// copies.
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	if snap.SchemaVersion == 0 {
		snap.SchemaVersion = SchemaVersion
	}
	if snap.Records == nil {
		snap.Records = map[string]SyncRecord{}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses data. Unparsable input and schema mismatches return an
// error wrapping ErrCorrupt.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if snap.SchemaVersion != SchemaVersion {
		return Snapshot{}, fmt.Errorf("%w: schema version %d, want %d", ErrCorrupt, snap.SchemaVersion, SchemaVersion)
	}
	normalize(&snap)
	return snap, nil
}
