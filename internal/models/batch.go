package models

import "time"

// Change is one entity change inside an inbound batch.
type Change struct {
	EntityID  string         `json:"entity_id"`
	Operation Operation      `json:"operation"`
	Revision  int64          `json:"revision"`
	Fields    map[string]any `json:"fields,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Batch is an ordered group of changes for one entity type. Position is
// assigned by the remote and increases monotonically per account.
type Batch struct {
	EntityType EntityType `json:"entity_type"`
	Position   int64      `json:"position"`
	Changes    []Change   `json:"changes"`
}

// Record is an opaque entity stored for an out-of-scope feature module.
type Record struct {
	EntityType EntityType     `json:"entity_type"`
	ID         string         `json:"id"`
	OwnerID    string         `json:"-"`
	Fields     map[string]any `json:"fields"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
