package ir

// MutationKind is the kind of a local or remote change.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Valid reports whether k is a known mutation kind.
func (k MutationKind) Valid() bool {
	switch k {
	case MutationCreate, MutationUpdate, MutationDelete:
		return true
	}
	return false
}

// MutationEvent is a durable record of a local change awaiting delivery.
//
// At most one event per (ModelName, ModelID) is not in process at any time;
// the queue coalesces new changes into it. CreatedAt is strictly increasing
// across the queue and fixes delivery order.
type MutationEvent struct {
	ID        string       `json:"id"`
	ModelName string       `json:"model_name"`
	ModelID   string       `json:"model_id"`
	Kind      MutationKind `json:"kind"`
	Payload   string       `json:"payload"`
	CreatedAt int64        `json:"created_at"`
	InProcess bool         `json:"in_process"`

	// Version is the remote version the change was made against, if known.
	Version *int64 `json:"version,omitempty"`
}

// Record decodes the event payload.
func (e MutationEvent) Record(key string) (Record, error) {
	return DecodePayload(e.ModelName, key, e.Payload)
}

// MutationSyncMetadata is the last known remote version of one record.
type MutationSyncMetadata struct {
	ModelName     string `json:"model_name"`
	ModelID       string `json:"model_id"`
	Version       int64  `json:"version"`
	Deleted       bool   `json:"deleted"`
	LastChangedAt int64  `json:"last_changed_at"`
}

// ModelSyncMetadata is the sync cursor of one model.
type ModelSyncMetadata struct {
	ModelName string `json:"model_name"`
	Cursor    string `json:"cursor"`
	LastSync  int64  `json:"last_sync"`
}
