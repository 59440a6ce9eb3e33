package model

import "time"

// Project groups assets under an optional approval workflow. CreatedBy is the
// project owner, the only user allowed to grant final approval.
type Project struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	WorkflowID     string    `json:"workflow_id,omitempty"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// HasWorkflow reports whether the project gates its assets through stages.
func (p Project) HasWorkflow() bool {
	return p.WorkflowID != ""
}

// Asset is a generated card or mockup under review.
type Asset struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// StageReviewer authorizes a user to approve one stage of a project.
type StageReviewer struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	StageOrder int       `json:"stage_order"`
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name"`
	AddedBy    string    `json:"added_by"`
	AddedAt    time.Time `json:"added_at"`
}
