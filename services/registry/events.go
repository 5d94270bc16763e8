package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StatusSubject carries a StatusEvent for every materialized status transition.
const StatusSubject = "registry.entries.status"

const (
	ReasonDiscovered = "discovered"
	ReasonRefreshed  = "refreshed"
	ReasonChecked    = "checked"
	ReasonBurned     = "burned"
)

// Publisher is satisfied by *bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// StatusEvent is published for every materialized status transition.
type StatusEvent struct {
	EntryID         uuid.UUID `json:"entry_id"`
	AssetIdentifier string    `json:"asset_identifier"`
	Previous        Status    `json:"previous,omitempty"`
	Status          Status    `json:"status"`
	Reason          string    `json:"reason"`
	At              time.Time `json:"at"`
}

// PublishStatus publishes evt when p is non-nil.
func PublishStatus(ctx context.Context, p Publisher, evt StatusEvent) error {
	if p == nil {
		return nil
	}
	return p.Publish(ctx, StatusSubject, evt)
}
