package models

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// CanonicalIdentity is the golden record for one real-world person within a
// tenant. A non-null canonical email is unique per tenant (case-insensitive)
// among identities that have not been merged away.
type CanonicalIdentity struct {
	ID             string          `json:"id" db:"id"`
	TenantID       string          `json:"tenant_id" db:"tenant_id"`
	CanonicalName  string          `json:"canonical_name" db:"canonical_name"`
	CanonicalEmail *string         `json:"canonical_email,omitempty" db:"canonical_email"`
	IsTeamMember   bool            `json:"is_team_member" db:"is_team_member"`
	Metadata       json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	NameEmbedding  pq.Float64Array `json:"-" db:"name_embedding"`
	MergedInto     *string         `json:"merged_into,omitempty" db:"merged_into"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
}

// IsActive reports whether the identity is still a live golden record.
func (c *CanonicalIdentity) IsActive() bool {
	return c.MergedInto == nil && c.DeletedAt == nil
}

// PlatformIdentity is a source-system-specific identifier owned by exactly
// one canonical identity. Unique per (tenant, platform, platform_user_id);
// ownership transfers atomically on merge.
type PlatformIdentity struct {
	ID                  string          `json:"id" db:"id"`
	TenantID            string          `json:"tenant_id" db:"tenant_id"`
	CanonicalIdentityID string          `json:"canonical_identity_id" db:"canonical_identity_id"`
	Platform            string          `json:"platform" db:"platform"`
	PlatformUserID      string          `json:"platform_user_id" db:"platform_user_id"`
	PlatformEmail       *string         `json:"platform_email,omitempty" db:"platform_email"`
	DisplayName         string          `json:"display_name" db:"display_name"`
	Confidence          float64         `json:"confidence" db:"confidence"`
	Verified            bool            `json:"verified" db:"verified"`
	RawPlatformData     json.RawMessage `json:"raw_platform_data,omitempty" db:"raw_platform_data"`
	FirstSeenAt         time.Time       `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt          time.Time       `json:"last_seen_at" db:"last_seen_at"`
}

// EmailAlias is one known email address for a canonical identity, stored
// lowercased. Unique per (tenant, email_address); at most one alias per
// identity carries is_primary.
type EmailAlias struct {
	ID                  string    `json:"id" db:"id"`
	TenantID            string    `json:"tenant_id" db:"tenant_id"`
	CanonicalIdentityID string    `json:"canonical_identity_id" db:"canonical_identity_id"`
	EmailAddress        string    `json:"email_address" db:"email_address"`
	IsPrimary           bool      `json:"is_primary" db:"is_primary"`
	SourcePlatform      string    `json:"source_platform" db:"source_platform"`
	UsageCount          int       `json:"usage_count" db:"usage_count"`
	FirstSeenAt         time.Time `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt          time.Time `json:"last_seen_at" db:"last_seen_at"`
}

// IdentityExport is the full exportable state of one canonical identity.
type IdentityExport struct {
	Identity           *CanonicalIdentity  `json:"identity"`
	PlatformIdentities []*PlatformIdentity `json:"platform_identities"`
	EmailAliases       []*EmailAlias       `json:"email_aliases"`
}

// CanonicalIdentityListResponse is the API response for listing identities
type CanonicalIdentityListResponse struct {
	Identities []*CanonicalIdentity `json:"identities"`
	TotalCount int                  `json:"total_count"`
	Page       int                  `json:"page"`
	PageSize   int                  `json:"page_size"`
}
