package model

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// DefaultStageColor is applied to stages declared without a color.
const DefaultStageColor = "#6B7280"

// OrderedStage is one gate of a workflow.
type OrderedStage struct {
	Order int    `json:"order" yaml:"order"`
	Name  string `json:"name" yaml:"name"`
	Color string `json:"color" yaml:"color"`
}

// Workflow is a named, ordered list of stages owned by an organization.
type Workflow struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Name           string         `json:"name"`
	Stages         []OrderedStage `json:"stages"`
	IsDefault      bool           `json:"is_default"`
	IsArchived     bool           `json:"is_archived"`
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// StageCount returns N, the number of stages.
func (w Workflow) StageCount() int {
	return len(w.Stages)
}

// Stage returns the stage with the given order.
func (w Workflow) Stage(order int) (OrderedStage, bool) {
	if order < 1 || order > len(w.Stages) {
		return OrderedStage{}, false
	}
	s := w.Stages[order-1]
	if s.Order != order {
		// Stages are stored sorted; fall back to a scan for hand-built values.
		for _, st := range w.Stages {
			if st.Order == order {
				return st, true
			}
		}
		return OrderedStage{}, false
	}
	return s, true
}

// NormalizeStages assigns positional orders to stages that omit one, fills in
// default colors, trims names, and sorts by order. It does not validate.
func NormalizeStages(stages []OrderedStage) []OrderedStage {
	out := make([]OrderedStage, len(stages))
	explicit := false
	for _, s := range stages {
		if s.Order != 0 {
			explicit = true
			break
		}
	}
	for i, s := range stages {
		s.Name = strings.TrimSpace(s.Name)
		if s.Color == "" {
			s.Color = DefaultStageColor
		}
		if !explicit {
			s.Order = i + 1
		}
		out[i] = s
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// ValidateStages checks that orders are exactly 1..N with no gaps or
// duplicates, that there is at least one stage, and that names and colors are
// well formed. The slice must already be sorted by order.
func ValidateStages(stages []OrderedStage) []FieldError {
	var errs []FieldError
	if len(stages) == 0 {
		return []FieldError{{Field: "stages", Code: "REQUIRED", Message: "a workflow needs at least one stage"}}
	}

	seen := make(map[int]bool, len(stages))
	for i, s := range stages {
		field := fmt.Sprintf("stages[%d]", i)
		if s.Order < 1 {
			errs = append(errs, FieldError{Field: field + ".order", Code: "INVALID", Message: "order must be a positive integer"})
		} else if seen[s.Order] {
			errs = append(errs, FieldError{Field: field + ".order", Code: "DUPLICATE", Message: fmt.Sprintf("order %d is used more than once", s.Order)})
		}
		seen[s.Order] = true
		if s.Name == "" {
			errs = append(errs, FieldError{Field: field + ".name", Code: "REQUIRED", Message: "stage name is required"})
		}
		if !colorPattern.MatchString(s.Color) {
			errs = append(errs, FieldError{Field: field + ".color", Code: "INVALID", Message: fmt.Sprintf("color %q is not a #RRGGBB value", s.Color)})
		}
	}

	for order := 1; order <= len(stages); order++ {
		if !seen[order] {
			errs = append(errs, FieldError{Field: "stages", Code: "GAP", Message: fmt.Sprintf("stage order %d is missing; orders must be contiguous from 1", order)})
		}
	}
	return errs
}
