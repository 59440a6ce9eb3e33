package definition

import (
	"strings"
	"testing"

	"github.com/pitabwire/assetflow/model"
)

func TestValidator_valid(t *testing.T) {
	f, err := NewLoader().LoadFile("testdata/seeds/brand.yaml")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if errs := NewValidator().Validate([]SeedFile{f}); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestValidator_gap(t *testing.T) {
	f, err := NewLoader().LoadFile("testdata/invalid_gap.yaml")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	errs := NewValidator().Validate([]SeedFile{f})
	if !hasCode(errs, "GAP") {
		t.Errorf("Validate() = %v, want a GAP error", errs)
	}
	if !strings.HasPrefix(errs[0].Path, "testdata/invalid_gap.yaml.workflows[0]") {
		t.Errorf("Path = %q", errs[0].Path)
	}
}

func TestValidator_fileLevel(t *testing.T) {
	tests := []struct {
		name string
		file SeedFile
		code string
	}{
		{
			name: "missing organization",
			file: SeedFile{Workflows: []SeedWorkflow{{Name: "A", Stages: []model.OrderedStage{{Name: "s"}}}}},
			code: "REQUIRED",
		},
		{
			name: "no workflows",
			file: SeedFile{OrganizationID: "org-1"},
			code: "REQUIRED",
		},
		{
			name: "duplicate names",
			file: SeedFile{OrganizationID: "org-1", Workflows: []SeedWorkflow{
				{Name: "A", Stages: []model.OrderedStage{{Name: "s"}}},
				{Name: "A", Stages: []model.OrderedStage{{Name: "s"}}},
			}},
			code: "DUPLICATE",
		},
		{
			name: "two defaults",
			file: SeedFile{OrganizationID: "org-1", Workflows: []SeedWorkflow{
				{Name: "A", Default: true, Stages: []model.OrderedStage{{Name: "s"}}},
				{Name: "B", Default: true, Stages: []model.OrderedStage{{Name: "s"}}},
			}},
			code: "DUPLICATE",
		},
		{
			name: "no stages",
			file: SeedFile{OrganizationID: "org-1", Workflows: []SeedWorkflow{{Name: "A"}}},
			code: "REQUIRED",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := NewValidator().Validate([]SeedFile{tt.file})
			if !hasCode(errs, tt.code) {
				t.Errorf("Validate() = %v, want code %s", errs, tt.code)
			}
		})
	}
}

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}
