package models

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// IdentityReference is one identity mention produced by a data source or a
// document-extraction job. Whichever of email, platform user id, and display
// name are known may be set; at least one resolvable key is required.
type IdentityReference struct {
	Platform       string          `json:"platform" validate:"required"`
	PlatformUserID string          `json:"platform_user_id,omitempty"`
	Email          string          `json:"email,omitempty" validate:"omitempty,email"`
	DisplayName    string          `json:"display_name,omitempty"`
	Embedding      []float64       `json:"embedding,omitempty"`
	IsTeamMember   bool            `json:"is_team_member,omitempty"`
	RawMetadata    json.RawMessage `json:"raw_metadata,omitempty"`
}

// Validate enforces the reference contract before any store access.
func (r *IdentityReference) Validate() error {
	if strings.TrimSpace(r.Platform) == "" {
		return errs.NewValidationError("platform", "platform is required")
	}
	if err := validate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			field := strings.ToLower(fieldErrs[0].Field())
			return errs.NewValidationError(field, field+" failed "+fieldErrs[0].Tag()+" validation")
		}
		return errs.NewValidationError("", err.Error())
	}
	if r.PlatformUserID == "" && r.Email == "" && strings.TrimSpace(r.DisplayName) == "" {
		return errs.NewValidationError("", "at least one of platform_user_id, email, or display_name is required")
	}
	if err := ValidateRawPlatformData(r.Platform, r.RawMetadata); err != nil {
		return err
	}
	return nil
}

// NormalizedEmail returns the lowercased, trimmed email, or "".
func (r *IdentityReference) NormalizedEmail() string {
	return strings.ToLower(strings.TrimSpace(r.Email))
}

// Resolve actions
const (
	ResolveActionMatched    = "matched"
	ResolveActionCreated    = "created"
	ResolveActionAutoMerged = "auto_merged"
	ResolveActionQueued     = "queued"
)

// ResolveResult reports how a reference was resolved. CanonicalIdentityID is
// always set: the queued path still returns a best-effort identity id for
// immediate use.
type ResolveResult struct {
	CanonicalIdentityID string  `json:"canonical_identity_id"`
	Action              string  `json:"action"`
	Confidence          float64 `json:"confidence"`
	SuggestionID        *string `json:"suggestion_id,omitempty"`
}

// requiredRawFields is the per-platform required-field contract for the open
// raw_platform_data blob, validated at the store boundary. Platforms without
// an entry accept any shape.
var requiredRawFields = map[string][]string{
	"slack":  {"team_id"},
	"github": {"login"},
}

// ValidateRawPlatformData checks the raw metadata blob against the platform's
// required-field contract.
func ValidateRawPlatformData(platform string, raw json.RawMessage) error {
	required, ok := requiredRawFields[strings.ToLower(platform)]
	if !ok || len(raw) == 0 {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return errs.NewValidationError("raw_metadata", "raw_metadata must be a JSON object")
	}

	for _, field := range required {
		if _, present := fields[field]; !present {
			return errs.NewValidationError("raw_metadata", "missing required field "+field+" for platform "+platform)
		}
	}
	return nil
}
