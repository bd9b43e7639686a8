// Package matching computes candidate matches for identity references and
// produces bounded confidence scores.
package matching

import (
	"context"
	"errors"
	"math"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/oracle"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// AliasLookup resolves a normalized email to its alias row.
type AliasLookup interface {
	GetByEmail(ctx context.Context, tenantID string, email string) (*models.EmailAlias, error)
}

// PlatformLookup resolves a (platform, platform_user_id) key to its owner.
type PlatformLookup interface {
	GetByPlatformUserID(ctx context.Context, tenantID string, platform string, platformUserID string) (*models.PlatformIdentity, error)
}

// CandidateSource pages through live identities, oldest first. The ordering
// is part of the contract: it makes tie-breaking deterministic.
type CandidateSource interface {
	ListActive(ctx context.Context, tenantID string, limit int, offset int) ([]*models.CanonicalIdentity, error)
}

// Embedder turns text into a vector; optional.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Config carries the tunable matching thresholds. The cut points are product
// decisions, so they arrive from configuration rather than constants.
type Config struct {
	// AutoMergeThreshold is the minimum confidence for automatic merging.
	AutoMergeThreshold float64
	// ReviewThreshold is the floor of the human-review band.
	ReviewThreshold float64
	// MaxEditDistance gates auto-merges: above it, confidence is capped
	// below AutoMergeThreshold regardless of embedding similarity.
	MaxEditDistance int
	// MaxCandidates bounds the probabilistic scan per tenant.
	MaxCandidates int
	// OracleBand is the half-width around AutoMergeThreshold within which
	// the semantic oracle is consulted.
	OracleBand float64
}

// MatchOutcome is the result of matching one reference against the store.
type MatchOutcome struct {
	// IdentityID is the best existing identity, or "" when the reference
	// should become a new identity.
	IdentityID string
	Confidence float64
	Evidence   models.MatchEvidence
	Reason     string
}

// Engine matches identity references against the canonical store: a
// deterministic pass over exact keys, then a probabilistic pass over name
// signals, with an optional semantic oracle tie-breaker near the auto-merge
// boundary.
type Engine struct {
	logger    ectologger.Logger
	aliases   AliasLookup
	platforms PlatformLookup
	source    CandidateSource
	embedder  Embedder
	oracle    oracle.Oracle
	scorer    *Scorer
	config    Config
}

// NewEngine creates a matching engine. embedder and semanticOracle may be
// nil; the engine degrades to structural-only scoring.
func NewEngine(
	logger ectologger.Logger,
	aliases AliasLookup,
	platforms PlatformLookup,
	source CandidateSource,
	embedder Embedder,
	semanticOracle oracle.Oracle,
	config Config,
) *Engine {
	if config.MaxCandidates <= 0 {
		config.MaxCandidates = 500
	}
	return &Engine{
		logger:    logger,
		aliases:   aliases,
		platforms: platforms,
		source:    source,
		embedder:  embedder,
		oracle:    semanticOracle,
		scorer:    NewScorer(),
		config:    config,
	}
}

// Match resolves a reference to its best existing identity and a confidence
// score. Exact email or platform-id hits return confidence 1.0 without
// further scoring. Scoring is symmetric in the pair, and ties between
// candidates break on creation order so repeat runs produce the same
// suggestion.
func (e *Engine) Match(ctx context.Context, tenantID string, ref *models.IdentityReference) (*MatchOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Engine.Match")
	defer span.End()

	outcome, err := e.deterministicPass(ctx, tenantID, ref)
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return outcome, nil
	}

	return e.probabilisticPass(ctx, tenantID, ref)
}

func (e *Engine) deterministicPass(ctx context.Context, tenantID string, ref *models.IdentityReference) (*MatchOutcome, error) {
	if email := ref.NormalizedEmail(); email != "" {
		alias, err := e.aliases.GetByEmail(ctx, tenantID, email)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
		if alias != nil {
			return &MatchOutcome{
				IdentityID: alias.CanonicalIdentityID,
				Confidence: 1.0,
				Evidence:   models.MatchEvidence{EmailMatch: true, Signals: []string{"exact_email"}},
				Reason:     "exact email match",
			}, nil
		}
	}

	if ref.PlatformUserID != "" {
		pi, err := e.platforms.GetByPlatformUserID(ctx, tenantID, ref.Platform, ref.PlatformUserID)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
		if pi != nil {
			return &MatchOutcome{
				IdentityID: pi.CanonicalIdentityID,
				Confidence: 1.0,
				Evidence:   models.MatchEvidence{PlatformMatch: true, Signals: []string{"exact_platform_id"}},
				Reason:     "exact platform identity match",
			}, nil
		}
	}

	return nil, nil
}

func (e *Engine) probabilisticPass(ctx context.Context, tenantID string, ref *models.IdentityReference) (*MatchOutcome, error) {
	log := e.logger.WithContext(ctx).WithFields(map[string]any{"tenant_id": tenantID})

	name := e.scorer.NormalizeName(ref.DisplayName)
	if name == "" {
		return &MatchOutcome{Reason: "no name signal available"}, nil
	}

	refEmbedding := ref.Embedding
	if len(refEmbedding) == 0 && e.embedder != nil {
		vector, err := e.embedder.Embed(ctx, name)
		if err != nil {
			log.WithError(err).Warn("failed to embed reference name, falling back to edit distance")
		} else {
			refEmbedding = vector
		}
	}

	var best *models.CanonicalIdentity
	bestConfidence := 0.0
	bestDistance := 0
	bestEmbedding := false

	candidates, err := e.source.ListActive(ctx, tenantID, e.config.MaxCandidates, 0)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		candidateName := e.scorer.NormalizeName(candidate.CanonicalName)
		if candidateName == "" {
			continue
		}

		distance := e.scorer.LevenshteinDistance(name, candidateName)

		var confidence float64
		embeddingUsed := false
		if len(refEmbedding) > 0 && len(candidate.NameEmbedding) > 0 {
			confidence = e.scorer.CosineSimilarity(refEmbedding, []float64(candidate.NameEmbedding))
			embeddingUsed = true
		} else {
			// Without embeddings on both sides the structural evidence is
			// too thin to auto-merge; edit-distance similarity can still
			// reach the review band.
			confidence = e.capBelowAutoMerge(e.scorer.LevenshteinSimilarity(name, candidateName))
		}

		// Strictly-greater keeps the oldest candidate on ties; ListActive
		// orders by creation time.
		if confidence > bestConfidence {
			best = candidate
			bestConfidence = confidence
			bestDistance = distance
			bestEmbedding = embeddingUsed
		}
	}

	if best == nil || bestConfidence < e.config.ReviewThreshold {
		return &MatchOutcome{
			Confidence: bestConfidence,
			Reason:     "no candidate above review threshold",
		}, nil
	}

	evidence := models.MatchEvidence{
		NameSimilarity: bestConfidence,
		EditDistance:   bestDistance,
		EmbeddingUsed:  bestEmbedding,
		CandidateName:  ref.DisplayName,
		MatchedName:    best.CanonicalName,
		Signals:        []string{"name_similarity"},
	}

	confidence := bestConfidence
	if bestDistance > e.config.MaxEditDistance {
		confidence = e.capBelowAutoMerge(confidence)
		evidence.Signals = append(evidence.Signals, "edit_distance_gate")
	}

	confidence = e.consultOracle(ctx, ref, best, confidence, &evidence)

	return &MatchOutcome{
		IdentityID: best.ID,
		Confidence: confidence,
		Evidence:   evidence,
		Reason:     "probabilistic name match",
	}, nil
}

// consultOracle asks the semantic oracle when confidence sits near the
// auto-merge boundary. Oracle failure is fail-closed: confidence never rises
// above the review band on an unavailable oracle.
func (e *Engine) consultOracle(ctx context.Context, ref *models.IdentityReference, candidate *models.CanonicalIdentity, confidence float64, evidence *models.MatchEvidence) float64 {
	if e.oracle == nil || e.config.OracleBand <= 0 {
		return confidence
	}
	if math.Abs(confidence-e.config.AutoMergeThreshold) > e.config.OracleBand {
		return confidence
	}

	evidence.OracleConsulted = true

	a := oracle.Description{Name: ref.DisplayName, Email: ref.NormalizedEmail(), Platform: ref.Platform}
	b := oracle.Description{Name: candidate.CanonicalName}
	if candidate.CanonicalEmail != nil {
		b.Email = *candidate.CanonicalEmail
	}

	same, err := e.oracle.Same(ctx, a, b)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("semantic oracle unavailable, capping confidence below auto-merge")
		evidence.OracleUnavailable = true
		return e.capBelowAutoMerge(confidence)
	}

	evidence.OracleAgreed = &same
	if same {
		if evidence.EditDistance <= e.config.MaxEditDistance && confidence < e.config.AutoMergeThreshold {
			return e.config.AutoMergeThreshold
		}
		return confidence
	}

	// The oracle says different: keep the pair out of both the auto-merge
	// and review bands.
	if confidence >= e.config.ReviewThreshold {
		return math.Nextafter(e.config.ReviewThreshold, 0)
	}
	return confidence
}

func (e *Engine) capBelowAutoMerge(confidence float64) float64 {
	ceiling := math.Nextafter(e.config.AutoMergeThreshold, 0)
	return math.Min(confidence, ceiling)
}
