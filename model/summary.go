package model

import (
	"encoding/json"
	"fmt"
)

// PositionState is the derived place of an asset in its workflow.
type PositionState string

// Position states.
const (
	PositionNotStarted           PositionState = "not_started"
	PositionInReview             PositionState = "in_review"
	PositionPendingFinalApproval PositionState = "pending_final_approval"
	PositionFullyApproved        PositionState = "fully_approved"
	PositionStalled              PositionState = "stalled"
)

// Position is never stored; it is computed from the ledger on every read.
// Stage is set only for PositionInReview.
type Position struct {
	State PositionState `json:"state"`
	Stage int           `json:"stage,omitempty"`
}

func (p Position) String() string {
	if p.State == PositionInReview {
		return fmt.Sprintf("in_review(%d)", p.Stage)
	}
	return string(p.State)
}

// MarshalJSON renders the position with its display label.
func (p Position) MarshalJSON() ([]byte, error) {
	type plain Position
	return json.Marshal(struct {
		plain
		Label string `json:"label"`
	}{plain(p), p.String()})
}

// StageSummary is one stage of an asset as seen by the current round.
// AwaitingClose marks an in_review stage whose quorum is already met,
// typically after its roster shrank; the next approval closes it.
type StageSummary struct {
	Order         int         `json:"order"`
	Name          string      `json:"name"`
	Color         string      `json:"color"`
	Status        StageStatus `json:"status"`
	Required      int         `json:"required"`
	Received      int         `json:"received"`
	IsComplete    bool        `json:"is_complete"`
	AwaitingClose bool        `json:"awaiting_close,omitempty"`
	ApproverIDs   []string    `json:"approver_ids"`
	Notes         string      `json:"notes,omitempty"`
}

// AssetSummary is the result of a stage summary read and of every engine
// mutation.
type AssetSummary struct {
	AssetID    string         `json:"asset_id"`
	ProjectID  string         `json:"project_id"`
	WorkflowID string         `json:"workflow_id"`
	Round      int            `json:"round"`
	Position   Position       `json:"position"`
	Stages     []StageSummary `json:"stages"`
}

// ReviewView is the audit view of an asset: the summary plus every recorded
// action across all rounds.
type ReviewView struct {
	AssetSummary
	Approvals     []ApprovalRecord `json:"approvals"`
	Final         *FinalApproval   `json:"final,omitempty"`
	LastRejection *Rejection       `json:"last_rejection,omitempty"`
}

// AssetProgress is the per-asset metrics row.
type AssetProgress struct {
	AssetID        string   `json:"asset_id"`
	AssetName      string   `json:"asset_name"`
	ApprovedStages int      `json:"approved_stages"`
	TotalStages    int      `json:"total_stages"`
	Progress       float64  `json:"progress"`
	Position       Position `json:"position"`
	NeedsAttention bool     `json:"needs_attention"`
	NearCompletion bool     `json:"near_completion"`
}

// StageBucket counts assets currently in review at one stage.
type StageBucket struct {
	Order  int    `json:"order"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	Assets int    `json:"assets"`
}

// ProjectProgress is the per-project rollup.
type ProjectProgress struct {
	ProjectID            string          `json:"project_id"`
	ProjectName          string          `json:"project_name"`
	HasWorkflow          bool            `json:"has_workflow"`
	WorkflowID           string          `json:"workflow_id,omitempty"`
	AssetCount           int             `json:"asset_count"`
	Progress             float64         `json:"progress"`
	Stages               []StageBucket   `json:"stages"`
	NotStarted           int             `json:"not_started"`
	PendingFinalApproval int             `json:"pending_final_approval"`
	FullyApproved        int             `json:"fully_approved"`
	Stalled              int             `json:"stalled"`
	NeedsAttention       []AssetProgress `json:"needs_attention"`
	NearCompletion       []AssetProgress `json:"near_completion"`
	Assets               []AssetProgress `json:"assets"`
}

// Dashboard is the organization rollup.
type Dashboard struct {
	OrganizationID string            `json:"organization_id"`
	Projects       []ProjectProgress `json:"projects"`
	AssetCount     int               `json:"asset_count"`
	Progress       float64           `json:"progress"`
	FullyApproved  int               `json:"fully_approved"`
	NeedsAttention int               `json:"needs_attention"`
}
