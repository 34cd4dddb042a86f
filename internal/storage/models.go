package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FactRecord is one row of the append-only fact log.
type FactRecord struct {
	Seq       int64
	ID        uuid.UUID
	Kind      string
	EntityID  string
	Event     string
	Fields    json.RawMessage
	Timestamp time.Time
}

// Projection is the merged state of one entity: every fact's fields applied in order.
type Projection struct {
	Kind      string
	EntityID  string
	State     json.RawMessage
	LastEvent string
	UpdatedAt time.Time
}

// Field decodes a single top-level field of the projected state.
func (p Projection) Field(name string) (any, bool) {
	var state map[string]any
	if err := json.Unmarshal(p.State, &state); err != nil {
		return nil, false
	}
	v, ok := state[name]
	return v, ok
}
