package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/secsync/internal/ir"
)

// marshalPublicData converts public data to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON, the same bytes the author signed over.
func marshalPublicData(obj ir.Object) (string, error) {
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal public data: %w", err)
	}
	return string(data), nil
}

func unmarshalSnapshotPublicData(data string) (ir.SnapshotPublicData, error) {
	var pub ir.SnapshotPublicData
	if err := json.Unmarshal([]byte(data), &pub); err != nil {
		return ir.SnapshotPublicData{}, fmt.Errorf("unmarshal snapshot public data: %w", err)
	}
	if pub.ParentSnapshotUpdateClocks == nil {
		pub.ParentSnapshotUpdateClocks = map[string]int64{}
	}
	return pub, nil
}

func unmarshalUpdatePublicData(data string) (ir.UpdatePublicData, error) {
	var pub ir.UpdatePublicData
	if err := json.Unmarshal([]byte(data), &pub); err != nil {
		return ir.UpdatePublicData{}, fmt.Errorf("unmarshal update public data: %w", err)
	}
	return pub, nil
}
