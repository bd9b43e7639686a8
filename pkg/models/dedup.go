package models

import "time"

// Dedup job run statuses
const (
	DedupRunStatusRunning   = "running"
	DedupRunStatusCompleted = "completed"
	DedupRunStatusFailed    = "failed"
	DedupRunStatusCancelled = "cancelled"
)

// DedupJobRun is one scheduled batch deduplication pass over a tenant's
// knowledge graph. The row doubles as the lease record: a new run may start
// only when no other run for the tenant holds an unexpired lease.
type DedupJobRun struct {
	ID                 string     `json:"id" db:"id"`
	TenantID           string     `json:"tenant_id" db:"tenant_id"`
	Status             string     `json:"status" db:"status"`
	DryRun             bool       `json:"dry_run" db:"dry_run"`
	Checkpoint         *string    `json:"checkpoint,omitempty" db:"checkpoint"`
	LeasedUntil        time.Time  `json:"leased_until" db:"leased_until"`
	EntitiesScanned    int        `json:"entities_scanned" db:"entities_scanned"`
	PairsEvaluated     int        `json:"pairs_evaluated" db:"pairs_evaluated"`
	MergesExecuted     int        `json:"merges_executed" db:"merges_executed"`
	SuggestionsCreated int        `json:"suggestions_created" db:"suggestions_created"`
	Error              *string    `json:"error,omitempty" db:"error"`
	StartedAt          time.Time  `json:"started_at" db:"started_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// PlannedMerge is one merge a dry-run pass would have executed.
type PlannedMerge struct {
	EntityType  string  `json:"entity_type"`
	SurvivorID  string  `json:"survivor_id"`
	DuplicateID string  `json:"duplicate_id"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

// DedupReport summarizes one batch run, including the merges a dry run
// would have performed.
type DedupReport struct {
	RunID              string         `json:"run_id"`
	TenantID           string         `json:"tenant_id"`
	DryRun             bool           `json:"dry_run"`
	EntitiesScanned    int            `json:"entities_scanned"`
	PairsEvaluated     int            `json:"pairs_evaluated"`
	MergesExecuted     int            `json:"merges_executed"`
	SuggestionsCreated int            `json:"suggestions_created"`
	PlannedMerges      []PlannedMerge `json:"planned_merges,omitempty"`
}

// StartDedupRunRequest is the API request for triggering a batch run.
type StartDedupRunRequest struct {
	DryRun bool `json:"dry_run"`
}
