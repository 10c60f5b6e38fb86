package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Operation is the kind of change a mutation applies.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func ParseOperation(raw string) (Operation, error) {
	switch op := Operation(strings.ToLower(strings.TrimSpace(raw))); op {
	case OpCreate, OpUpdate, OpDelete:
		return op, nil
	case "":
		return "", fmt.Errorf("operation is required")
	default:
		return "", fmt.Errorf("invalid operation: %s", op)
	}
}

// Mutation is a local change submitted by a feature module.
type Mutation struct {
	EntityType EntityType     `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Operation  Operation      `json:"operation"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Validate checks the mutation shape before it is applied or buffered.
func (m Mutation) Validate() error {
	if !IsValidEntityType(m.EntityType) {
		return fmt.Errorf("invalid entity type: %q", m.EntityType)
	}
	if strings.TrimSpace(m.EntityID) == "" {
		return fmt.Errorf("entity id is required")
	}
	if _, err := ParseOperation(string(m.Operation)); err != nil {
		return err
	}
	return nil
}

// EntryStatus is the lifecycle state of a buffered mutation.
type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntryDead    EntryStatus = "dead"
)

// Entry is a durable write buffer row. Acknowledged entries are deleted, so
// an Entry always describes an unacknowledged mutation.
type Entry struct {
	Sequence      int64          `json:"sequence"`
	DeviceID      string         `json:"device_id"`
	OwnerID       string         `json:"owner_id,omitempty"`
	EntityType    EntityType     `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	Operation     Operation      `json:"operation"`
	Payload       map[string]any `json:"payload,omitempty"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	Status        EntryStatus    `json:"status"`
	DeadReason    string         `json:"dead_reason,omitempty"`
}

// Mutation returns the change the entry carries.
func (e Entry) Mutation() Mutation {
	return Mutation{EntityType: e.EntityType, EntityID: e.EntityID, Operation: e.Operation, Payload: e.Payload}
}

// ToFields converts a JSON-tagged struct into a field map.
func ToFields(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// FromFields decodes a field map into a JSON-tagged struct.
func FromFields(fields map[string]any, out any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
