// Package dedup runs scheduled batch deduplication over a tenant's knowledge
// graph: backfilling embeddings, finding near-duplicate entities per type
// partition, and merging or queueing them by the same decision policy the
// live resolver uses.
package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/policy"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// JobStore persists runs and the tenant lease.
type JobStore interface {
	AcquireLease(ctx context.Context, tenantID string, dryRun bool, leaseDuration time.Duration) (*models.DedupJobRun, error)
	RenewLease(ctx context.Context, runID string, leaseDuration time.Duration) error
	Checkpoint(ctx context.Context, run *models.DedupJobRun) error
	Finish(ctx context.Context, run *models.DedupJobRun, status string, runErr error) error
	LatestCheckpoint(ctx context.Context, tenantID string) (string, error)
}

// EntityGraph is the knowledge-graph surface a batch run walks.
type EntityGraph interface {
	ListEntityTypes(ctx context.Context, tenantID string) ([]string, error)
	EntitiesMissingEmbedding(ctx context.Context, tenantID string, entityType string, limit int) ([]*graph.EntityNode, error)
	SetEmbedding(ctx context.Context, tenantID string, entityID string, embedding []float64) error
	ListWithEmbeddings(ctx context.Context, tenantID string, entityType string) ([]*graph.EntityNode, error)
	FindSimilar(ctx context.Context, tenantID string, entityType string, embedding []float64, topK int, minScore float64) ([]graph.SimilarEntity, error)
}

// Embedder backfills missing entity embeddings; optional.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Merger executes graph-entity merges.
type Merger interface {
	MergeGraphEntities(ctx context.Context, req merging.Request) (*models.MergeAuditRecord, error)
}

// SuggestionStore queues review-band pairs.
type SuggestionStore interface {
	Create(ctx context.Context, s *models.MergeSuggestion) (*models.MergeSuggestion, error)
}

// Config carries the batch run tunables.
type Config struct {
	// LeaseDuration is how long a run may go without renewing before another
	// run may take over the tenant.
	LeaseDuration time.Duration
	// TopK bounds the nearest-neighbor hits considered per entity.
	TopK int
	// MinScore is the similarity floor for candidate pairs.
	MinScore float64
	// MaxEditDistance gates auto-merges on names, same as live matching.
	MaxEditDistance int
	// EmbedBatchSize bounds each embedding backfill round.
	EmbedBatchSize int
}

func (c *Config) applyDefaults() {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 10 * time.Minute
	}
	if c.TopK <= 0 {
		c.TopK = 10
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 100
	}
}

// Deduplicator runs batch passes. One tenant runs at most one pass at a time,
// enforced by the job store lease.
type Deduplicator struct {
	jobs        JobStore
	graph       EntityGraph
	embedder    Embedder
	merger      Merger
	suggestions SuggestionStore
	policy      *policy.Policy
	scorer      *matching.Scorer
	config      Config
	logger      ectologger.Logger
}

// NewDeduplicator creates a batch deduplicator. embedder may be nil; entities
// without embeddings are then skipped rather than backfilled.
func NewDeduplicator(
	jobs JobStore,
	entityGraph EntityGraph,
	embedder Embedder,
	merger Merger,
	suggestions SuggestionStore,
	decisionPolicy *policy.Policy,
	config Config,
	logger ectologger.Logger,
) *Deduplicator {
	config.applyDefaults()
	if config.MinScore <= 0 {
		config.MinScore = decisionPolicy.ReviewThreshold
	}
	return &Deduplicator{
		jobs:        jobs,
		graph:       entityGraph,
		embedder:    embedder,
		merger:      merger,
		suggestions: suggestions,
		policy:      decisionPolicy,
		scorer:      matching.NewScorer(),
		config:      config,
		logger:      logger,
	}
}

// Run executes one batch pass for a tenant. Losing the lease race returns
// errs.ConflictError without side effects. Cancellation checkpoints the last
// completed partition and closes the run as cancelled; the next run resumes
// after that partition.
func (d *Deduplicator) Run(ctx context.Context, tenantID string, dryRun bool) (*models.DedupReport, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.Deduplicator.Run")
	defer span.End()

	run, err := d.jobs.AcquireLease(ctx, tenantID, dryRun, d.config.LeaseDuration)
	if err != nil {
		return nil, err
	}

	log := d.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": tenantID,
		"run_id":    run.ID,
		"dry_run":   dryRun,
	})
	log.Info("starting batch deduplication run")

	report := &models.DedupReport{RunID: run.ID, TenantID: tenantID, DryRun: dryRun}

	err = d.walk(ctx, run, report)
	report.EntitiesScanned = run.EntitiesScanned
	report.PairsEvaluated = run.PairsEvaluated
	report.MergesExecuted = run.MergesExecuted
	report.SuggestionsCreated = run.SuggestionsCreated

	switch {
	case err == nil:
		// A completed run clears the resume point.
		run.Checkpoint = nil
		if finishErr := d.jobs.Finish(ctx, run, models.DedupRunStatusCompleted, nil); finishErr != nil {
			return report, finishErr
		}
		log.WithFields(map[string]any{
			"entities_scanned": run.EntitiesScanned,
			"pairs_evaluated":  run.PairsEvaluated,
			"merges_executed":  run.MergesExecuted,
		}).Info("batch deduplication run completed")
		return report, nil

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Finish with a fresh context; the run's own context is dead.
		finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if finishErr := d.jobs.Finish(finishCtx, run, models.DedupRunStatusCancelled, err); finishErr != nil {
			log.WithError(finishErr).Error("failed to close cancelled dedup run")
		}
		log.Info("batch deduplication run cancelled at checkpoint")
		return report, err

	default:
		if finishErr := d.jobs.Finish(ctx, run, models.DedupRunStatusFailed, err); finishErr != nil {
			log.WithError(finishErr).Error("failed to close failed dedup run")
		}
		return report, err
	}
}

// walk processes entity-type partitions in order, checkpointing after each.
func (d *Deduplicator) walk(ctx context.Context, run *models.DedupJobRun, report *models.DedupReport) error {
	resumeAfter, err := d.jobs.LatestCheckpoint(ctx, run.TenantID)
	if err != nil {
		return err
	}

	entityTypes, err := d.graph.ListEntityTypes(ctx, run.TenantID)
	if err != nil {
		return err
	}

	for _, entityType := range entityTypes {
		// Partitions are sorted; everything up to the checkpoint is done.
		if resumeAfter != "" && entityType <= resumeAfter {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := d.backfillEmbeddings(ctx, run.TenantID, entityType); err != nil {
			return err
		}
		if err := d.scanPartition(ctx, run, report, entityType); err != nil {
			return err
		}

		checkpoint := entityType
		run.Checkpoint = &checkpoint
		if err := d.jobs.Checkpoint(ctx, run); err != nil {
			return err
		}
		if err := d.jobs.RenewLease(ctx, run.ID, d.config.LeaseDuration); err != nil {
			return err
		}
	}

	return nil
}

func (d *Deduplicator) backfillEmbeddings(ctx context.Context, tenantID string, entityType string) error {
	if d.embedder == nil {
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		missing, err := d.graph.EntitiesMissingEmbedding(ctx, tenantID, entityType, d.config.EmbedBatchSize)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			return nil
		}

		for _, node := range missing {
			vector, err := d.embedder.Embed(ctx, node.Name)
			if err != nil {
				// One bad entity must not sink the run; it will be retried
				// next pass.
				d.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"entity_id": node.ID,
				}).Warn("failed to embed entity name, skipping")
				continue
			}
			if err := d.graph.SetEmbedding(ctx, tenantID, node.ID, vector); err != nil {
				return err
			}
		}

		if len(missing) < d.config.EmbedBatchSize {
			return nil
		}
	}
}

func (d *Deduplicator) scanPartition(ctx context.Context, run *models.DedupJobRun, report *models.DedupReport, entityType string) error {
	nodes, err := d.graph.ListWithEmbeddings(ctx, run.TenantID, entityType)
	if err != nil {
		return err
	}

	// Entities merged away earlier in this pass are dead ids.
	mergedAway := map[string]bool{}

	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if mergedAway[node.ID] {
			continue
		}
		run.EntitiesScanned++

		hits, err := d.graph.FindSimilar(ctx, run.TenantID, entityType, node.Embedding, d.config.TopK, d.config.MinScore)
		if err != nil {
			return err
		}

		for _, hit := range hits {
			// Each unordered pair is evaluated once, from its smaller id.
			if hit.ID <= node.ID || mergedAway[hit.ID] {
				continue
			}
			run.PairsEvaluated++

			if err := d.evaluatePair(ctx, run, report, entityType, node, hit, mergedAway); err != nil {
				return err
			}
		}
	}

	return nil
}

func (d *Deduplicator) evaluatePair(
	ctx context.Context,
	run *models.DedupJobRun,
	report *models.DedupReport,
	entityType string,
	node *graph.EntityNode,
	hit graph.SimilarEntity,
	mergedAway map[string]bool,
) error {
	confidence := hit.Score
	nameA := d.scorer.NormalizeName(node.Name)
	nameB := d.scorer.NormalizeName(hit.Name)
	distance := d.scorer.LevenshteinDistance(nameA, nameB)

	decision := d.policy.Decide(confidence)
	if decision == policy.DecisionAutoMerge && distance > d.config.MaxEditDistance {
		// Same gate as live matching: embeddings alone do not auto-merge
		// entities whose names disagree too much.
		decision = policy.DecisionQueue
	}

	switch decision {
	case policy.DecisionAutoMerge:
		if run.DryRun {
			report.PlannedMerges = append(report.PlannedMerges, models.PlannedMerge{
				EntityType:  entityType,
				SurvivorID:  node.ID,
				DuplicateID: hit.ID,
				Confidence:  confidence,
				Reason:      "embedding similarity",
			})
			return nil
		}

		_, err := d.merger.MergeGraphEntities(ctx, merging.Request{
			TenantID:    run.TenantID,
			SurvivorID:  node.ID,
			DuplicateID: hit.ID,
			Reason:      "batch dedup embedding similarity",
			Score:       confidence,
			PerformedBy: "dedup:" + run.ID,
		})
		if err != nil {
			if errors.Is(err, errs.ErrAlreadyMerged) {
				mergedAway[hit.ID] = true
				return nil
			}
			if errs.IsMergeIntegrity(err) {
				// The pair stays intact; surface it to a human instead.
				d.logger.WithContext(ctx).WithError(err).Error("batch merge failed integrity check, queueing for review")
				return d.queuePair(ctx, run, entityType, node, hit, confidence, distance)
			}
			return err
		}
		mergedAway[hit.ID] = true
		run.MergesExecuted++
		return nil

	case policy.DecisionQueue:
		if run.DryRun {
			return nil
		}
		return d.queuePair(ctx, run, entityType, node, hit, confidence, distance)

	default:
		return nil
	}
}

func (d *Deduplicator) queuePair(ctx context.Context, run *models.DedupJobRun, entityType string, node *graph.EntityNode, hit graph.SimilarEntity, confidence float64, distance int) error {
	evidence := models.MatchEvidence{
		NameSimilarity: confidence,
		EditDistance:   distance,
		EmbeddingUsed:  true,
		CandidateName:  node.Name,
		MatchedName:    hit.Name,
		Signals:        []string{"batch_dedup", "entity_type:" + entityType},
	}

	_, err := d.suggestions.Create(ctx, &models.MergeSuggestion{
		TenantID:        run.TenantID,
		IdentityAID:     node.ID,
		IdentityBID:     hit.ID,
		EntityKind:      models.EntityKindGraphEntity,
		SimilarityScore: confidence,
		MatchingReason:  "batch dedup candidate",
		Evidence:        evidence.Marshal(),
	})
	if err != nil {
		return err
	}
	run.SuggestionsCreated++
	return nil
}
