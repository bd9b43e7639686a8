package models

import (
	"encoding/json"
	"time"
)

// MergeConflict records one scalar field where survivor and duplicate
// disagreed and first-writer-wins kept the survivor's value.
type MergeConflict struct {
	Field          string `json:"field"`
	KeptValue      any    `json:"kept_value"`
	DiscardedValue any    `json:"discarded_value"`
}

// IdentitySnapshot captures the full state of one identity at merge time,
// for the before/after audit record.
type IdentitySnapshot struct {
	Identity           *CanonicalIdentity  `json:"identity"`
	PlatformIdentities []*PlatformIdentity `json:"platform_identities"`
	EmailAliases       []*EmailAlias       `json:"email_aliases"`
	EdgeCount          int                 `json:"edge_count"`
}

// MergeAuditRecord is written once per completed merge. Merges are not
// automatically reversible; this record is what a rollback investigation
// works from.
type MergeAuditRecord struct {
	ID              string          `json:"id" db:"id"`
	TenantID        string          `json:"tenant_id" db:"tenant_id"`
	SurvivorID      string          `json:"survivor_id" db:"survivor_id"`
	DuplicateID     string          `json:"duplicate_id" db:"duplicate_id"`
	EntityKind      string          `json:"entity_kind" db:"entity_kind"`
	Reason          string          `json:"reason" db:"reason"`
	SimilarityScore float64         `json:"similarity_score" db:"similarity_score"`
	BeforeState     json.RawMessage `json:"before_state" db:"before_state"`
	AfterState      json.RawMessage `json:"after_state" db:"after_state"`
	Conflicts       json.RawMessage `json:"conflicts,omitempty" db:"conflicts"`
	PerformedBy     string          `json:"performed_by" db:"performed_by"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}
