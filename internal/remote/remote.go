// Package remote defines the boundary between the engine and the remote
// backend: a request channel for mutations, change subscriptions and
// paginated fetches, and a credential provider.
//
// The backend's conflict semantics and wire schema are its own; the engine
// only relies on versions increasing per record.
package remote

import (
	"context"

	"github.com/roach88/tether/internal/ir"
)

// Channel is a connection to the remote backend.
type Channel interface {
	// SendMutation applies one local change remotely and returns the record
	// as the backend stored it, with its new version.
	SendMutation(ctx context.Context, req MutationRequest) (MutationResponse, error)

	// Subscribe streams remote changes to the given models. The channel is
	// closed when the subscription ends, including when ctx is cancelled.
	Subscribe(ctx context.Context, models []string) (<-chan ChangeNotice, error)

	// FetchAll returns one page of changes to model after cursor. An empty
	// cursor starts from the beginning.
	FetchAll(ctx context.Context, model, cursor string) (Page, error)
}

// MutationRequest is one queued local change.
type MutationRequest struct {
	EventID string          `json:"event_id"`
	Model   string          `json:"model"`
	Kind    ir.MutationKind `json:"kind"`
	Record  ir.Record       `json:"record"`

	// Version is the last remote version the engine knows for the record,
	// or nil for a record never seen remotely.
	Version *int64 `json:"version,omitempty"`
}

// MutationResponse acknowledges a mutation.
type MutationResponse struct {
	Record  ir.Record `json:"record"`
	Version int64     `json:"version"`
}

// ChangeNotice is one remote change to a record.
type ChangeNotice struct {
	Record  ir.Record       `json:"record"`
	Version int64           `json:"version"`
	Op      ir.MutationKind `json:"op"`
}

// Page is one page of a FetchAll scan.
type Page struct {
	Items []ChangeNotice `json:"items"`

	// Cursor resumes the scan after this page. Once More is false it marks
	// the point a later delta sync continues from.
	Cursor string `json:"cursor"`
	More   bool   `json:"more"`
}

// CredentialProvider supplies the current access token.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// Refresher is implemented by credential providers that can signal a
// refresh after the backend reported expired credentials.
type Refresher interface {
	WaitForRefresh(ctx context.Context) error
}

// StaticCredentials is a fixed token.
type StaticCredentials string

func (c StaticCredentials) Token(context.Context) (string, error) {
	return string(c), nil
}
