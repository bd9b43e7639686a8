package models

import (
	"encoding/json"
	"time"
)

// Merge suggestion statuses
const (
	SuggestionStatusPending  = "pending"
	SuggestionStatusApproved = "approved"
	SuggestionStatusRejected = "rejected"
	SuggestionStatusMerged   = "merged"
	SuggestionStatusObsolete = "obsolete"
)

// Entity kinds a suggestion can reference. Graph-entity suggestions reuse the
// same review queue but their ids point at graph nodes, not identity rows.
const (
	EntityKindIdentity    = "identity"
	EntityKindGraphEntity = "graph_entity"
)

// MergeSuggestion is a persisted ambiguous match awaiting human review.
// The pair is stored in canonical order (IdentityAID < IdentityBID) so the
// unordered pair is unique per tenant with a plain index.
type MergeSuggestion struct {
	ID              string          `json:"id" db:"id"`
	TenantID        string          `json:"tenant_id" db:"tenant_id"`
	IdentityAID     string          `json:"identity_a_id" db:"identity_a_id"`
	IdentityBID     string          `json:"identity_b_id" db:"identity_b_id"`
	EntityKind      string          `json:"entity_kind" db:"entity_kind"`
	SimilarityScore float64         `json:"similarity_score" db:"similarity_score"`
	MatchingReason  string          `json:"matching_reason" db:"matching_reason"`
	Evidence        json.RawMessage `json:"evidence,omitempty" db:"evidence"`
	Status          string          `json:"status" db:"status"`
	ReviewedBy      *string         `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewNotes     *string         `json:"review_notes,omitempty" db:"review_notes"`
	ReviewedAt      *time.Time      `json:"reviewed_at,omitempty" db:"reviewed_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// OrderPair returns the two ids in canonical storage order.
func OrderPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// MatchEvidence is the structured signal breakdown behind a confidence score.
// Persisted on suggestions so reviewer decisions are auditable.
type MatchEvidence struct {
	EmailMatch        bool     `json:"email_match"`
	PlatformMatch     bool     `json:"platform_match"`
	NameSimilarity    float64  `json:"name_similarity"`
	EditDistance      int      `json:"edit_distance"`
	EmbeddingUsed     bool     `json:"embedding_used"`
	OracleConsulted   bool     `json:"oracle_consulted"`
	OracleAgreed      *bool    `json:"oracle_agreed,omitempty"`
	OracleUnavailable bool     `json:"oracle_unavailable,omitempty"`
	CandidateName     string   `json:"candidate_name,omitempty"`
	MatchedName       string   `json:"matched_name,omitempty"`
	Signals           []string `json:"signals,omitempty"`
}

// Marshal renders the evidence for persistence.
func (e *MatchEvidence) Marshal() json.RawMessage {
	raw, err := json.Marshal(e)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

// ReviewDecisionRequest is the API request for approving or rejecting a
// suggestion.
type ReviewDecisionRequest struct {
	Notes string `json:"notes"`
}

// MergeSuggestionListResponse is the API response for listing suggestions
type MergeSuggestionListResponse struct {
	Suggestions []*MergeSuggestion `json:"suggestions"`
	TotalCount  int                `json:"total_count"`
	Page        int                `json:"page"`
	PageSize    int                `json:"page_size"`
}
