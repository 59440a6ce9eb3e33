package model

import (
	"fmt"
	"time"
)

// EventKind identifies a notification produced by a committed transition.
type EventKind string

// Event kinds.
const (
	EventStageProgress       EventKind = "stage_progress"
	EventStageAdvanced       EventKind = "stage_advanced"
	EventChangesRequested    EventKind = "changes_requested"
	EventFinalApprovalNeeded EventKind = "final_approval_needed"
	EventFullyApproved       EventKind = "fully_approved"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventStageProgress, EventStageAdvanced, EventChangesRequested,
		EventFinalApprovalNeeded, EventFullyApproved:
		return true
	}
	return false
}

// UnmarshalText rejects unknown kinds.
func (k *EventKind) UnmarshalText(b []byte) error {
	v := EventKind(b)
	if !v.Valid() {
		return fmt.Errorf("unknown event kind %q", string(b))
	}
	*k = v
	return nil
}

// Event is a typed notification handed to the dispatcher after commit.
type Event struct {
	ID         string    `json:"id"`
	Kind       EventKind `json:"kind"`
	AssetID    string    `json:"asset_id"`
	AssetName  string    `json:"asset_name,omitempty"`
	ProjectID  string    `json:"project_id"`
	StageOrder int       `json:"stage_order,omitempty"`
	StageName  string    `json:"stage_name,omitempty"`
	Recipients []string  `json:"recipients"`
	ActorID    string    `json:"actor_id"`
	Notes      string    `json:"notes,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
