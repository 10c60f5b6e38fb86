package models

import (
	"fmt"
	"strings"
)

// EntityType names a replicated record family. Every buffered mutation and
// every inbound change batch is partitioned by entity type.
type EntityType string

const (
	EntityBlobsMeta   EntityType = "blobs_meta"
	EntityDeviceBlobs EntityType = "device_blobs"
	EntityAssets      EntityType = "assets"
	EntityWorks       EntityType = "works"
	EntityVersions    EntityType = "versions"
	EntityAnnotations EntityType = "annotations"
	EntityCards       EntityType = "cards"
)

// entityOrder lists types parents first. Account upgrades re-enqueue guest
// data in this order so the remote never sees a child before its parent.
var entityOrder = []EntityType{
	EntityBlobsMeta,
	EntityDeviceBlobs,
	EntityAssets,
	EntityWorks,
	EntityVersions,
	EntityAnnotations,
	EntityCards,
}

// recordEntityTypes are stored as opaque JSON records.
var recordEntityTypes = map[EntityType]struct{}{
	EntityWorks:       {},
	EntityVersions:    {},
	EntityAnnotations: {},
	EntityCards:       {},
}

// EntityTypes returns every known entity type in dependency order.
func EntityTypes() []EntityType {
	out := make([]EntityType, len(entityOrder))
	copy(out, entityOrder)
	return out
}

func IsValidEntityType(t EntityType) bool {
	for _, known := range entityOrder {
		if known == t {
			return true
		}
	}
	return false
}

// IsRecordType reports whether t is stored in the generic records table.
func IsRecordType(t EntityType) bool {
	_, ok := recordEntityTypes[t]
	return ok
}

func ParseEntityType(raw string) (EntityType, error) {
	value := EntityType(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("entity type is required")
	}
	if !IsValidEntityType(value) {
		return "", fmt.Errorf("invalid entity type: %s", value)
	}
	return value, nil
}

// DeviceBlobID is the entity id of a presence record.
func DeviceBlobID(deviceID, digest string) string {
	return deviceID + ":" + digest
}

// SplitDeviceBlobID is the inverse of DeviceBlobID.
func SplitDeviceBlobID(id string) (deviceID, digest string, ok bool) {
	idx := strings.LastIndex(id, ":")
	if idx <= 0 || idx == len(id)-1 {
		return "", "", false
	}
	return id[:idx], id[idx+1:], true
}
