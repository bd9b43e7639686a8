// Package merging executes identity merges atomically: alias and platform
// re-parenting, scalar and metadata folding, graph edge re-targeting, and the
// audit trail all commit together or not at all.
package merging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/models"
)

// IdentityStore is the canonical identity persistence the executor needs.
type IdentityStore interface {
	Get(ctx context.Context, tenantID string, id string) (*models.CanonicalIdentity, error)
	Update(ctx context.Context, identity *models.CanonicalIdentity) error
	MarkMerged(ctx context.Context, tenantID string, duplicateID string, survivorID string) error
}

// PlatformStore re-parents and counts platform identities.
type PlatformStore interface {
	ListByIdentity(ctx context.Context, tenantID string, canonicalIdentityID string) ([]*models.PlatformIdentity, error)
	CountByIdentity(ctx context.Context, tenantID string, canonicalIdentityID string) (int, error)
	Reparent(ctx context.Context, tenantID string, fromIdentityID string, toIdentityID string) (int, error)
}

// AliasStore re-parents and counts email aliases.
type AliasStore interface {
	ListByIdentity(ctx context.Context, tenantID string, canonicalIdentityID string) ([]*models.EmailAlias, error)
	CountByIdentity(ctx context.Context, tenantID string, canonicalIdentityID string) (int, error)
	Reparent(ctx context.Context, tenantID string, fromIdentityID string, toIdentityID string, survivorHasPrimary bool) (int, error)
}

// SuggestionStore retires pending suggestions that reference a merged-away
// id. exceptID spares the suggestion that triggered the merge so its reviewer
// decision can still land.
type SuggestionStore interface {
	MarkObsoleteForIdentity(ctx context.Context, tenantID string, identityID string, exceptID string) (int, error)
}

// AuditStore writes the merge audit trail.
type AuditStore interface {
	Create(ctx context.Context, record *models.MergeAuditRecord) (*models.MergeAuditRecord, error)
}

// Graph is the knowledge-graph side of a merge.
type Graph interface {
	EdgeSignatures(ctx context.Context, tenantID string, entityID string) ([]graph.EdgeSignature, error)
	MergeNodes(ctx context.Context, tenantID string, survivorID string, duplicateID string, expectedEdgeCount int) error
}

// Emitter publishes merge events after commit. Failures are logged, never
// propagated; the merge already happened.
type Emitter interface {
	IdentitiesMerged(ctx context.Context, record *models.MergeAuditRecord) error
}

// Request describes one merge to perform. SuggestionID, when set, names the
// approved suggestion driving this merge so it survives obsoletion.
type Request struct {
	TenantID     string
	SurvivorID   string
	DuplicateID  string
	Reason       string
	Score        float64
	PerformedBy  string
	SuggestionID string
}

// Executor performs merges. Safe for concurrent use.
type Executor struct {
	db          database.DB
	identities  IdentityStore
	platforms   PlatformStore
	aliases     AliasStore
	suggestions SuggestionStore
	audits      AuditStore
	graph       Graph
	emitter     Emitter
	logger      ectologger.Logger

	mu     sync.Mutex
	chains *UnionFind
}

// NewExecutor creates a merge executor. graphStore and emitter may be nil for
// deployments without a knowledge graph or event bus.
func NewExecutor(
	db database.DB,
	identities IdentityStore,
	platforms PlatformStore,
	aliases AliasStore,
	suggestions SuggestionStore,
	audits AuditStore,
	graphStore Graph,
	emitter Emitter,
	logger ectologger.Logger,
) *Executor {
	return &Executor{
		db:          db,
		identities:  identities,
		platforms:   platforms,
		aliases:     aliases,
		suggestions: suggestions,
		audits:      audits,
		graph:       graphStore,
		emitter:     emitter,
		logger:      logger,
		chains:      NewUnionFind(),
	}
}

// MergeIdentities folds the duplicate identity into the survivor. Both ids
// are first resolved through any existing merge chain, so a merge that
// references an already-merged id lands on the live root. Resolving both ids
// to the same root returns errs.ErrAlreadyMerged with no side effects.
func (e *Executor) MergeIdentities(ctx context.Context, req Request) (*models.MergeAuditRecord, error) {
	survivor, err := e.resolveRoot(ctx, req.TenantID, req.SurvivorID)
	if err != nil {
		return nil, err
	}
	duplicate, err := e.resolveRoot(ctx, req.TenantID, req.DuplicateID)
	if err != nil {
		return nil, err
	}

	if survivor.ID == duplicate.ID {
		return nil, errs.ErrAlreadyMerged
	}
	if duplicate.DeletedAt != nil {
		return nil, fmt.Errorf("identity %s is deleted: %w", duplicate.ID, errs.ErrNotFound)
	}

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":    req.TenantID,
		"survivor_id":  survivor.ID,
		"duplicate_id": duplicate.ID,
		"reason":       req.Reason,
	})

	txCtx, tx, err := e.db.GetTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(txCtx)

	before, err := e.snapshotPair(txCtx, req.TenantID, survivor, duplicate)
	if err != nil {
		return nil, err
	}

	expectedEdges := expectedEdgeCount(survivor.ID, duplicate.ID, before.survivorSigs, before.duplicateSigs)

	// Re-parent owned records, verifying counts as we go. A row that slips
	// through re-parenting is exactly the orphan this check exists to catch.
	movedPlatforms, err := e.platforms.Reparent(txCtx, req.TenantID, duplicate.ID, survivor.ID)
	if err != nil {
		return nil, err
	}
	platformCount, err := e.platforms.CountByIdentity(txCtx, req.TenantID, survivor.ID)
	if err != nil {
		return nil, err
	}
	if want := len(before.survivor.PlatformIdentities) + movedPlatforms; platformCount != want {
		return nil, &errs.MergeIntegrityError{
			SurvivorID:  survivor.ID,
			DuplicateID: duplicate.ID,
			Check:       "platform_identity_count",
			Expected:    want,
			Actual:      platformCount,
		}
	}

	survivorHasPrimary := false
	for _, alias := range before.survivor.EmailAliases {
		if alias.IsPrimary {
			survivorHasPrimary = true
			break
		}
	}
	movedAliases, err := e.aliases.Reparent(txCtx, req.TenantID, duplicate.ID, survivor.ID, survivorHasPrimary)
	if err != nil {
		return nil, err
	}
	aliasCount, err := e.aliases.CountByIdentity(txCtx, req.TenantID, survivor.ID)
	if err != nil {
		return nil, err
	}
	if want := len(before.survivor.EmailAliases) + movedAliases; aliasCount != want {
		return nil, &errs.MergeIntegrityError{
			SurvivorID:  survivor.ID,
			DuplicateID: duplicate.ID,
			Check:       "email_alias_count",
			Expected:    want,
			Actual:      aliasCount,
		}
	}

	// Tombstone the duplicate before updating the survivor so a canonical
	// email moving between the rows never trips the partial unique index.
	if err := e.identities.MarkMerged(txCtx, req.TenantID, duplicate.ID, survivor.ID); err != nil {
		return nil, err
	}

	conflicts, err := foldScalars(survivor, duplicate)
	if err != nil {
		return nil, err
	}
	if err := e.identities.Update(txCtx, survivor); err != nil {
		return nil, err
	}

	if _, err := e.suggestions.MarkObsoleteForIdentity(txCtx, req.TenantID, duplicate.ID, req.SuggestionID); err != nil {
		return nil, err
	}

	// The graph write runs before commit: an edge-count mismatch rolls back
	// both stores and leaves the pair untouched. The reverse failure is not
	// covered: if the commit below fails after the graph merge succeeded, the
	// graph holds the merged node while the identity rows stay split until a
	// later merge attempt reconverges them.
	if e.graph != nil {
		if err := e.graph.MergeNodes(ctx, req.TenantID, survivor.ID, duplicate.ID, expectedEdges); err != nil {
			return nil, err
		}
	}

	record, err := e.writeAudit(txCtx, req, survivor, duplicate, before, expectedEdges, conflicts, models.EntityKindIdentity)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.chains.Union(survivor.ID, duplicate.ID)
	e.mu.Unlock()

	if e.emitter != nil {
		if err := e.emitter.IdentitiesMerged(ctx, record); err != nil {
			log.WithError(err).Warn("failed to publish merge event")
		}
	}

	log.WithField("audit_id", record.ID).Info("merged identities")
	return record, nil
}

// MergeGraphEntities folds one graph node into another without any canonical
// identity involvement. Used by the batch deduplicator for non-person nodes.
func (e *Executor) MergeGraphEntities(ctx context.Context, req Request) (*models.MergeAuditRecord, error) {
	if e.graph == nil {
		return nil, errors.New("graph store not configured")
	}

	survivorSigs, err := e.graph.EdgeSignatures(ctx, req.TenantID, req.SurvivorID)
	if err != nil {
		return nil, err
	}
	duplicateSigs, err := e.graph.EdgeSignatures(ctx, req.TenantID, req.DuplicateID)
	if err != nil {
		return nil, err
	}
	expectedEdges := expectedEdgeCount(req.SurvivorID, req.DuplicateID, survivorSigs, duplicateSigs)

	txCtx, tx, err := e.db.GetTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(txCtx)

	if _, err := e.suggestions.MarkObsoleteForIdentity(txCtx, req.TenantID, req.DuplicateID, req.SuggestionID); err != nil {
		return nil, err
	}

	// Graph merge first, commit after: a failed graph merge rolls back the
	// suggestion update, but a commit failure after a successful graph merge
	// leaves the nodes folded with the suggestions still pending. Rerunning
	// the merge clears the remainder.
	if err := e.graph.MergeNodes(ctx, req.TenantID, req.SurvivorID, req.DuplicateID, expectedEdges); err != nil {
		return nil, err
	}

	beforeState, _ := json.Marshal(map[string]any{
		"survivor_edge_count":  len(survivorSigs),
		"duplicate_edge_count": len(duplicateSigs),
	})
	afterState, _ := json.Marshal(map[string]any{
		"survivor_edge_count": expectedEdges,
	})

	record, err := e.audits.Create(txCtx, &models.MergeAuditRecord{
		TenantID:        req.TenantID,
		SurvivorID:      req.SurvivorID,
		DuplicateID:     req.DuplicateID,
		EntityKind:      models.EntityKindGraphEntity,
		Reason:          req.Reason,
		SimilarityScore: req.Score,
		BeforeState:     beforeState,
		AfterState:      afterState,
		PerformedBy:     req.PerformedBy,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, err
	}

	if e.emitter != nil {
		if err := e.emitter.IdentitiesMerged(ctx, record); err != nil {
			e.logger.WithContext(ctx).WithError(err).Warn("failed to publish merge event")
		}
	}

	return record, nil
}

// ResolveID follows the merge chain from id to its live root.
func (e *Executor) ResolveID(ctx context.Context, tenantID string, id string) (string, error) {
	identity, err := e.resolveRoot(ctx, tenantID, id)
	if err != nil {
		return "", err
	}
	return identity.ID, nil
}

func (e *Executor) resolveRoot(ctx context.Context, tenantID string, id string) (*models.CanonicalIdentity, error) {
	e.mu.Lock()
	id = e.chains.Find(id)
	e.mu.Unlock()

	seen := map[string]bool{}
	for {
		if seen[id] {
			return nil, fmt.Errorf("merge chain cycle at identity %s", id)
		}
		seen[id] = true

		identity, err := e.identities.Get(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		if identity.MergedInto == nil {
			return identity, nil
		}

		e.mu.Lock()
		e.chains.Record(id, *identity.MergedInto)
		e.mu.Unlock()
		id = *identity.MergedInto
	}
}

type pairSnapshot struct {
	survivor      *models.IdentitySnapshot
	duplicate     *models.IdentitySnapshot
	survivorSigs  []graph.EdgeSignature
	duplicateSigs []graph.EdgeSignature
}

func (e *Executor) snapshotPair(ctx context.Context, tenantID string, survivor, duplicate *models.CanonicalIdentity) (*pairSnapshot, error) {
	snap := &pairSnapshot{}

	var err error
	snap.survivor, err = e.snapshotIdentity(ctx, tenantID, survivor)
	if err != nil {
		return nil, err
	}
	snap.duplicate, err = e.snapshotIdentity(ctx, tenantID, duplicate)
	if err != nil {
		return nil, err
	}

	if e.graph != nil {
		snap.survivorSigs, err = e.graph.EdgeSignatures(ctx, tenantID, survivor.ID)
		if err != nil {
			return nil, err
		}
		snap.survivor.EdgeCount = len(snap.survivorSigs)

		snap.duplicateSigs, err = e.graph.EdgeSignatures(ctx, tenantID, duplicate.ID)
		if err != nil {
			return nil, err
		}
		snap.duplicate.EdgeCount = len(snap.duplicateSigs)
	}

	return snap, nil
}

func (e *Executor) snapshotIdentity(ctx context.Context, tenantID string, identity *models.CanonicalIdentity) (*models.IdentitySnapshot, error) {
	copied := *identity
	snap := &models.IdentitySnapshot{Identity: &copied}

	var err error
	snap.PlatformIdentities, err = e.platforms.ListByIdentity(ctx, tenantID, identity.ID)
	if err != nil {
		return nil, err
	}
	snap.EmailAliases, err = e.aliases.ListByIdentity(ctx, tenantID, identity.ID)
	if err != nil {
		return nil, err
	}

	return snap, nil
}

func (e *Executor) writeAudit(
	ctx context.Context,
	req Request,
	survivor, duplicate *models.CanonicalIdentity,
	before *pairSnapshot,
	edgeCount int,
	conflicts []models.MergeConflict,
	entityKind string,
) (*models.MergeAuditRecord, error) {
	after, err := e.snapshotIdentity(ctx, req.TenantID, survivor)
	if err != nil {
		return nil, err
	}
	after.EdgeCount = edgeCount

	beforeState, err := json.Marshal(map[string]any{
		"survivor":  before.survivor,
		"duplicate": before.duplicate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal before state: %w", err)
	}
	afterState, err := json.Marshal(map[string]any{"survivor": after})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal after state: %w", err)
	}
	conflictsRaw, err := json.Marshal(conflicts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merge conflicts: %w", err)
	}

	return e.audits.Create(ctx, &models.MergeAuditRecord{
		TenantID:        req.TenantID,
		SurvivorID:      survivor.ID,
		DuplicateID:     duplicate.ID,
		EntityKind:      entityKind,
		Reason:          req.Reason,
		SimilarityScore: req.Score,
		BeforeState:     beforeState,
		AfterState:      afterState,
		Conflicts:       conflictsRaw,
		PerformedBy:     req.PerformedBy,
	})
}

// foldScalars merges the duplicate's scalar fields and metadata into the
// survivor in place. First writer wins: the survivor only adopts values it
// was missing, and every disagreement is recorded.
func foldScalars(survivor, duplicate *models.CanonicalIdentity) ([]models.MergeConflict, error) {
	var conflicts []models.MergeConflict

	if survivor.CanonicalName != duplicate.CanonicalName {
		conflicts = append(conflicts, models.MergeConflict{
			Field:          "canonical_name",
			KeptValue:      survivor.CanonicalName,
			DiscardedValue: duplicate.CanonicalName,
		})
	}

	if survivor.CanonicalEmail == nil {
		survivor.CanonicalEmail = duplicate.CanonicalEmail
	} else if duplicate.CanonicalEmail != nil && *survivor.CanonicalEmail != *duplicate.CanonicalEmail {
		conflicts = append(conflicts, models.MergeConflict{
			Field:          "canonical_email",
			KeptValue:      *survivor.CanonicalEmail,
			DiscardedValue: *duplicate.CanonicalEmail,
		})
	}

	if len(survivor.NameEmbedding) == 0 {
		survivor.NameEmbedding = duplicate.NameEmbedding
	}

	survivor.IsTeamMember = survivor.IsTeamMember || duplicate.IsTeamMember

	merged, metadataConflicts, err := mergeMetadata(survivor.Metadata, duplicate.Metadata)
	if err != nil {
		return nil, err
	}
	survivor.Metadata = merged
	conflicts = append(conflicts, metadataConflicts...)

	return conflicts, nil
}

// expectedEdgeCount predicts the survivor's distinct edge count after the
// duplicate's edges are re-targeted. Shared neighbors collapse, and direct
// edges between the pair become a single self-reference.
func expectedEdgeCount(survivorID, duplicateID string, survivorSigs, duplicateSigs []graph.EdgeSignature) int {
	merged := make(map[graph.EdgeSignature]bool, len(survivorSigs)+len(duplicateSigs))

	for _, sig := range survivorSigs {
		if sig.OtherID == duplicateID {
			sig.OtherID = survivorID
		}
		merged[sig] = true
	}
	for _, sig := range duplicateSigs {
		if sig.OtherID == duplicateID || sig.OtherID == survivorID {
			sig.OtherID = survivorID
		}
		merged[sig] = true
	}

	return len(merged)
}
