package definition

import (
	"fmt"
	"strings"

	"github.com/pitabwire/assetflow/model"
)

// VError describes a single validation error in a seed file.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks seed files offline, before anything is written.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks every file. Errors are prefixed with the source path.
func (v *Validator) Validate(files []SeedFile) []VError {
	var errs []VError
	for i, f := range files {
		prefix := f.SourceFile
		if prefix == "" {
			prefix = fmt.Sprintf("files[%d]", i)
		}
		errs = append(errs, v.validateFile(prefix, f)...)
	}
	return errs
}

func (v *Validator) validateFile(prefix string, f SeedFile) []VError {
	var errs []VError

	if f.OrganizationID == "" {
		errs = append(errs, VError{Path: prefix + ".organization_id", Code: "REQUIRED", Message: "organization_id is required"})
	}
	if len(f.Workflows) == 0 {
		errs = append(errs, VError{Path: prefix + ".workflows", Code: "REQUIRED", Message: "at least one workflow is required"})
	}

	names := make(map[string]bool, len(f.Workflows))
	defaults := 0
	for i, wf := range f.Workflows {
		wfPath := fmt.Sprintf("%s.workflows[%d]", prefix, i)
		name := strings.TrimSpace(wf.Name)
		if name == "" {
			errs = append(errs, VError{Path: wfPath + ".name", Code: "REQUIRED", Message: "workflow name is required"})
		} else if names[name] {
			errs = append(errs, VError{Path: wfPath + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("workflow %q is declared more than once", name)})
		}
		names[name] = true
		if wf.Default {
			defaults++
		}

		for _, fe := range model.ValidateStages(model.NormalizeStages(wf.Stages)) {
			errs = append(errs, VError{Path: wfPath + "." + fe.Field, Code: fe.Code, Message: fe.Message})
		}
	}
	if defaults > 1 {
		errs = append(errs, VError{Path: prefix + ".workflows", Code: "DUPLICATE", Message: "only one workflow may be the default"})
	}
	return errs
}
