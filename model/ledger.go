package model

import (
	"fmt"
	"sort"
	"time"
)

// StageStatus is the closed set of states a stage progress row can be in.
type StageStatus uint8

// Stage statuses. The zero value is deliberately invalid.
const (
	StagePending StageStatus = iota + 1
	StageInReview
	StageApproved
	StageChangesRequested
)

var stageStatusNames = map[StageStatus]string{
	StagePending:          "pending",
	StageInReview:         "in_review",
	StageApproved:         "approved",
	StageChangesRequested: "changes_requested",
}

// ParseStageStatus converts the persisted name back to a StageStatus.
func ParseStageStatus(s string) (StageStatus, error) {
	for k, v := range stageStatusNames {
		if v == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown stage status %q", s)
}

func (s StageStatus) String() string {
	if name, ok := stageStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StageStatus(%d)", uint8(s))
}

// Valid reports whether s is one of the declared statuses.
func (s StageStatus) Valid() bool {
	_, ok := stageStatusNames[s]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (s StageStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid stage status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *StageStatus) UnmarshalText(b []byte) error {
	v, err := ParseStageStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ApprovalAction is what a reviewer did at a stage.
type ApprovalAction uint8

// Reviewer actions.
const (
	ActionApprove ApprovalAction = iota + 1
	ActionRequestChanges
)

// ParseApprovalAction converts the persisted name back to an ApprovalAction.
func ParseApprovalAction(s string) (ApprovalAction, error) {
	switch s {
	case "approve":
		return ActionApprove, nil
	case "request_changes":
		return ActionRequestChanges, nil
	}
	return 0, fmt.Errorf("unknown approval action %q", s)
}

func (a ApprovalAction) String() string {
	switch a {
	case ActionApprove:
		return "approve"
	case ActionRequestChanges:
		return "request_changes"
	}
	return fmt.Sprintf("ApprovalAction(%d)", uint8(a))
}

// MarshalText implements encoding.TextMarshaler.
func (a ApprovalAction) MarshalText() ([]byte, error) {
	if a != ActionApprove && a != ActionRequestChanges {
		return nil, fmt.Errorf("invalid approval action %d", uint8(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ApprovalAction) UnmarshalText(b []byte) error {
	v, err := ParseApprovalAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// StageProgress is the ledger row for one (asset, stage) pair.
type StageProgress struct {
	AssetID    string      `json:"asset_id"`
	StageOrder int         `json:"stage_order"`
	Status     StageStatus `json:"status"`
	ReviewedBy string      `json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time  `json:"reviewed_at,omitempty"`
	Notes      string      `json:"notes,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// ApprovalRecord is one reviewer's action at a stage within a review round.
type ApprovalRecord struct {
	ID         string         `json:"id"`
	AssetID    string         `json:"asset_id"`
	Round      int            `json:"round"`
	StageOrder int            `json:"stage_order"`
	UserID     string         `json:"user_id"`
	Action     ApprovalAction `json:"action"`
	Notes      string         `json:"notes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// FinalApproval is the owner's sign-off stamp.
type FinalApproval struct {
	UserID string    `json:"user_id"`
	Notes  string    `json:"notes,omitempty"`
	At     time.Time `json:"at"`
}

// Rejection remembers the most recent request for changes.
type Rejection struct {
	Round      int       `json:"round"`
	StageOrder int       `json:"stage_order"`
	UserID     string    `json:"user_id"`
	Notes      string    `json:"notes"`
	At         time.Time `json:"at"`
}

// Ledger is everything recorded about one asset's trip through its workflow.
// A ledger with Version 0 has never been persisted.
type Ledger struct {
	AssetID       string           `json:"asset_id"`
	ProjectID     string           `json:"project_id"`
	WorkflowID    string           `json:"workflow_id"`
	Version       int              `json:"version"`
	Round         int              `json:"round"`
	Stages        []StageProgress  `json:"stages"`
	Approvals     []ApprovalRecord `json:"approvals"`
	Final         *FinalApproval   `json:"final,omitempty"`
	LastRejection *Rejection       `json:"last_rejection,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Exists reports whether the asset has entered its workflow.
func (l Ledger) Exists() bool {
	return l.Version > 0
}

// StageRow returns the progress row for order, if one was created.
func (l Ledger) StageRow(order int) (StageProgress, bool) {
	for _, s := range l.Stages {
		if s.StageOrder == order {
			return s, true
		}
	}
	return StageProgress{}, false
}

// StageStatusAt returns the status of order, treating a missing row as pending.
func (l Ledger) StageStatusAt(order int) StageStatus {
	if row, ok := l.StageRow(order); ok {
		return row.Status
	}
	return StagePending
}

// CurrentStage returns the order of the in_review stage, or 0 when there is none.
func (l Ledger) CurrentStage() int {
	for _, s := range l.Stages {
		if s.Status == StageInReview {
			return s.StageOrder
		}
	}
	return 0
}

// InReviewCount counts in_review rows; anything above 1 is a broken ledger.
func (l Ledger) InReviewCount() int {
	n := 0
	for _, s := range l.Stages {
		if s.Status == StageInReview {
			n++
		}
	}
	return n
}

// ApprovedCount counts approved rows.
func (l Ledger) ApprovedCount() int {
	n := 0
	for _, s := range l.Stages {
		if s.Status == StageApproved {
			n++
		}
	}
	return n
}

// HasChangesRequested reports whether any row is changes_requested.
func (l Ledger) HasChangesRequested() bool {
	for _, s := range l.Stages {
		if s.Status == StageChangesRequested {
			return true
		}
	}
	return false
}

// Approvers returns the distinct users who approved order in the current
// round, in the order they first approved.
func (l Ledger) Approvers(order int) []string {
	records := make([]ApprovalRecord, 0)
	for _, a := range l.Approvals {
		if a.Round == l.Round && a.StageOrder == order && a.Action == ActionApprove {
			records = append(records, a)
		}
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })

	seen := make(map[string]bool, len(records))
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if !seen[r.UserID] {
			seen[r.UserID] = true
			ids = append(ids, r.UserID)
		}
	}
	return ids
}

// Approval returns the current-round approve record for (order, user).
func (l Ledger) Approval(order int, userID string) (ApprovalRecord, bool) {
	for _, a := range l.Approvals {
		if a.Round == l.Round && a.StageOrder == order && a.UserID == userID && a.Action == ActionApprove {
			return a, true
		}
	}
	return ApprovalRecord{}, false
}

// Position derives where the asset sits given a workflow of stageCount stages.
// A ledger without rows has not started; an unpersisted ledger that carries
// seed rows is positioned by them. A final stamp is terminal even if the
// workflow's stage list changed afterwards.
func (l Ledger) Position(stageCount int) Position {
	if l.Final != nil {
		return Position{State: PositionFullyApproved}
	}
	if len(l.Stages) == 0 {
		return Position{State: PositionNotStarted}
	}
	if cur := l.CurrentStage(); cur > 0 {
		return Position{State: PositionInReview, Stage: cur}
	}
	if stageCount > 0 && l.ApprovedCount() == stageCount {
		return Position{State: PositionPendingFinalApproval}
	}
	return Position{State: PositionStalled}
}

// Apply returns the ledger that results from committing change on top of l.
// Stores and the engine share it so both agree on the committed state.
func (l Ledger) Apply(change LedgerChange) Ledger {
	next := Ledger{
		AssetID:       change.AssetID,
		ProjectID:     change.ProjectID,
		WorkflowID:    change.WorkflowID,
		Version:       l.Version + 1,
		Round:         change.Round,
		Final:         l.Final,
		LastRejection: l.LastRejection,
		UpdatedAt:     change.At,
	}
	if change.Final != nil {
		f := *change.Final
		next.Final = &f
	}
	if change.LastRejection != nil {
		r := *change.LastRejection
		next.LastRejection = &r
	}

	rows := make(map[int]StageProgress, len(l.Stages)+len(change.Stages))
	for _, s := range l.Stages {
		rows[s.StageOrder] = s
	}
	for _, s := range change.Stages {
		s.AssetID = change.AssetID
		rows[s.StageOrder] = s
	}
	next.Stages = make([]StageProgress, 0, len(rows))
	for _, s := range rows {
		next.Stages = append(next.Stages, s)
	}
	sort.Slice(next.Stages, func(i, j int) bool { return next.Stages[i].StageOrder < next.Stages[j].StageOrder })

	next.Approvals = make([]ApprovalRecord, len(l.Approvals))
	copy(next.Approvals, l.Approvals)
	for _, a := range change.Approvals {
		a.AssetID = change.AssetID
		replaced := false
		for i, existing := range next.Approvals {
			if existing.Round == a.Round && existing.StageOrder == a.StageOrder &&
				existing.UserID == a.UserID && existing.Action == a.Action {
				a.ID = existing.ID
				a.CreatedAt = existing.CreatedAt
				next.Approvals[i] = a
				replaced = true
				break
			}
		}
		if !replaced {
			next.Approvals = append(next.Approvals, a)
		}
	}
	return next
}

// LedgerChange is the write set of one committed transition. ExpectedVersion
// is the ledger version the change was computed from; 0 creates the ledger.
type LedgerChange struct {
	AssetID         string
	ProjectID       string
	WorkflowID      string
	ExpectedVersion int
	Round           int
	Stages          []StageProgress
	Approvals       []ApprovalRecord
	Final           *FinalApproval
	LastRejection   *Rejection
	At              time.Time
}

// Empty reports whether the change writes nothing.
func (c LedgerChange) Empty() bool {
	return len(c.Stages) == 0 && len(c.Approvals) == 0 && c.Final == nil && c.LastRejection == nil
}
