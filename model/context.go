package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Well-known roles carried in the token's roles claim.
const (
	RoleOrgAdmin = "org:admin"
)

// RequestContext carries the identity and tracing information for the
// lifetime of an authenticated request. It is immutable after construction and
// safe for concurrent reads.
type RequestContext struct {
	SubjectID      string
	Name           string
	Email          string
	OrganizationID string
	Roles          []string
	Claims         map[string]any
	CorrelationID  string
	TraceID        string
}

// Validate checks that all mandatory fields are present.
// SubjectID and OrganizationID must be non-empty.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if rc.OrganizationID == "" {
		errs = append(errs, fmt.Errorf("OrganizationID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// IsOrgAdmin reports whether the caller administers its organization.
func (rc *RequestContext) IsOrgAdmin() bool {
	return rc.HasRole(RoleOrgAdmin)
}

// DisplayName returns the best human-readable name for the caller.
func (rc *RequestContext) DisplayName() string {
	switch {
	case rc.Name != "":
		return rc.Name
	case rc.Email != "":
		return rc.Email
	default:
		return rc.SubjectID
	}
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
