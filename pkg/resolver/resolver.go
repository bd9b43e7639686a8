// Package resolver is the ingestion entrypoint: it takes identity references
// from connected platforms and lands each one on exactly one canonical
// identity, creating, attaching, or queueing for review as the confidence
// warrants.
package resolver

import (
	"context"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/policy"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Matcher scores a reference against the canonical store.
type Matcher interface {
	Match(ctx context.Context, tenantID string, ref *models.IdentityReference) (*matching.MatchOutcome, error)
}

// IdentityRepo is the canonical identity persistence the resolver needs.
type IdentityRepo interface {
	Create(ctx context.Context, identity *models.CanonicalIdentity) (*models.CanonicalIdentity, error)
	GetActiveByEmail(ctx context.Context, tenantID string, email string) (*models.CanonicalIdentity, error)
}

// PlatformRepo upserts platform identities.
type PlatformRepo interface {
	Upsert(ctx context.Context, pi *models.PlatformIdentity) (*models.PlatformIdentity, error)
}

// AliasRepo upserts email aliases.
type AliasRepo interface {
	Upsert(ctx context.Context, alias *models.EmailAlias) (*models.EmailAlias, error)
}

// SuggestionRepo records review-band pairs.
type SuggestionRepo interface {
	Create(ctx context.Context, s *models.MergeSuggestion) (*models.MergeSuggestion, error)
}

// Embedder turns a name into a vector for storage on new identities; optional.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Emitter publishes resolution events; optional.
type Emitter interface {
	IdentityCreated(ctx context.Context, identity *models.CanonicalIdentity) error
	SuggestionCreated(ctx context.Context, suggestion *models.MergeSuggestion) error
}

// Resolver resolves identity references.
type Resolver struct {
	db          database.DB
	matcher     Matcher
	identities  IdentityRepo
	platforms   PlatformRepo
	aliases     AliasRepo
	suggestions SuggestionRepo
	embedder    Embedder
	emitter     Emitter
	policy      *policy.Policy
	logger      ectologger.Logger
}

// NewResolver creates a resolver. embedder and emitter may be nil.
func NewResolver(
	db database.DB,
	matcher Matcher,
	identities IdentityRepo,
	platforms PlatformRepo,
	aliases AliasRepo,
	suggestions SuggestionRepo,
	embedder Embedder,
	emitter Emitter,
	decisionPolicy *policy.Policy,
	logger ectologger.Logger,
) *Resolver {
	return &Resolver{
		db:          db,
		matcher:     matcher,
		identities:  identities,
		platforms:   platforms,
		aliases:     aliases,
		suggestions: suggestions,
		embedder:    embedder,
		emitter:     emitter,
		policy:      decisionPolicy,
		logger:      logger,
	}
}

// Resolve lands one reference on a canonical identity. The result always
// carries a usable identity id, including on the queued path, where the
// reference becomes a provisional identity pending review. A write conflict
// with a concurrent resolver is retried once against the refreshed store
// before surfacing.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, ref *models.IdentityReference) (*models.ResolveResult, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.Resolve")
	defer span.End()

	if err := ref.Validate(); err != nil {
		return nil, err
	}

	result, err := r.resolveOnce(ctx, tenantID, ref)
	if err != nil && errs.IsConflict(err) {
		r.logger.WithContext(ctx).WithError(err).Info("write conflict during resolve, retrying against refreshed store")
		result, err = r.resolveOnce(ctx, tenantID, ref)
	}
	return result, err
}

func (r *Resolver) resolveOnce(ctx context.Context, tenantID string, ref *models.IdentityReference) (*models.ResolveResult, error) {
	outcome, err := r.matcher.Match(ctx, tenantID, ref)
	if err != nil {
		return nil, err
	}

	if outcome.IdentityID != "" {
		switch r.policy.Decide(outcome.Confidence) {
		case policy.DecisionAutoMerge:
			return r.attach(ctx, tenantID, ref, outcome)
		case policy.DecisionQueue:
			return r.createAndQueue(ctx, tenantID, ref, outcome)
		}
	}

	return r.createIdentity(ctx, tenantID, ref, outcome.Confidence)
}

// attach lands the reference on an existing identity. Covers both exact key
// matches and probabilistic matches above the auto-merge threshold.
func (r *Resolver) attach(ctx context.Context, tenantID string, ref *models.IdentityReference, outcome *matching.MatchOutcome) (*models.ResolveResult, error) {
	if err := r.attachRecords(ctx, tenantID, outcome.IdentityID, ref, outcome.Confidence, false); err != nil {
		return nil, err
	}

	action := models.ResolveActionAutoMerged
	if outcome.Evidence.EmailMatch || outcome.Evidence.PlatformMatch {
		action = models.ResolveActionMatched
	}

	return &models.ResolveResult{
		CanonicalIdentityID: outcome.IdentityID,
		Action:              action,
		Confidence:          outcome.Confidence,
	}, nil
}

// createAndQueue creates a provisional identity for the reference and queues
// a suggestion pairing it with the review-band candidate. The caller gets the
// provisional id immediately; an approved review later folds it into the
// candidate. Both writes share one transaction: a failed suggestion insert
// rolls the provisional identity back instead of leaving it queued with
// nothing pending.
func (r *Resolver) createAndQueue(ctx context.Context, tenantID string, ref *models.IdentityReference, outcome *matching.MatchOutcome) (*models.ResolveResult, error) {
	txCtx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(txCtx)

	created, err := r.createIdentity(txCtx, tenantID, ref, outcome.Confidence)
	if err != nil {
		return nil, err
	}

	suggestion, err := r.suggestions.Create(txCtx, &models.MergeSuggestion{
		TenantID:        tenantID,
		IdentityAID:     created.CanonicalIdentityID,
		IdentityBID:     outcome.IdentityID,
		EntityKind:      models.EntityKindIdentity,
		SimilarityScore: outcome.Confidence,
		MatchingReason:  outcome.Reason,
		Evidence:        outcome.Evidence.Marshal(),
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, err
	}

	if r.emitter != nil {
		if emitErr := r.emitter.SuggestionCreated(ctx, suggestion); emitErr != nil {
			r.logger.WithContext(ctx).WithError(emitErr).Warn("failed to publish suggestion event")
		}
	}

	return &models.ResolveResult{
		CanonicalIdentityID: created.CanonicalIdentityID,
		Action:              models.ResolveActionQueued,
		Confidence:          outcome.Confidence,
		SuggestionID:        &suggestion.ID,
	}, nil
}

// createIdentity creates a new canonical identity and its owned records in
// one transaction: a lost write race rolls the provisional identity back
// rather than leaving an orphan.
func (r *Resolver) createIdentity(ctx context.Context, tenantID string, ref *models.IdentityReference, confidence float64) (*models.ResolveResult, error) {
	name := strings.TrimSpace(ref.DisplayName)
	if name == "" {
		if name = ref.NormalizedEmail(); name == "" {
			name = ref.Platform + ":" + ref.PlatformUserID
		}
	}

	identity := &models.CanonicalIdentity{
		TenantID:      tenantID,
		CanonicalName: name,
		IsTeamMember:  ref.IsTeamMember,
	}
	if email := ref.NormalizedEmail(); email != "" {
		identity.CanonicalEmail = &email
	}

	identity.NameEmbedding = pq.Float64Array(ref.Embedding)
	if len(identity.NameEmbedding) == 0 && r.embedder != nil && strings.TrimSpace(ref.DisplayName) != "" {
		vector, err := r.embedder.Embed(ctx, name)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).Warn("failed to embed new identity name")
		} else {
			identity.NameEmbedding = pq.Float64Array(vector)
		}
	}

	txCtx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(txCtx)

	created, err := r.identities.Create(txCtx, identity)
	if err != nil {
		return nil, err
	}

	if err := r.attachRecords(txCtx, tenantID, created.ID, ref, confidence, true); err != nil {
		return nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, err
	}

	if r.emitter != nil {
		if emitErr := r.emitter.IdentityCreated(ctx, created); emitErr != nil {
			r.logger.WithContext(ctx).WithError(emitErr).Warn("failed to publish identity event")
		}
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":   tenantID,
		"identity_id": created.ID,
		"platform":    ref.Platform,
	}).Info("created canonical identity")

	return &models.ResolveResult{
		CanonicalIdentityID: created.ID,
		Action:              models.ResolveActionCreated,
		Confidence:          confidence,
	}, nil
}

// attachRecords upserts the platform identity and email alias for the
// reference under the given identity.
func (r *Resolver) attachRecords(ctx context.Context, tenantID string, identityID string, ref *models.IdentityReference, confidence float64, newIdentity bool) error {
	if ref.PlatformUserID != "" {
		pi := &models.PlatformIdentity{
			TenantID:            tenantID,
			CanonicalIdentityID: identityID,
			Platform:            ref.Platform,
			PlatformUserID:      ref.PlatformUserID,
			DisplayName:         ref.DisplayName,
			Confidence:          confidence,
			RawPlatformData:     ref.RawMetadata,
		}
		if email := ref.NormalizedEmail(); email != "" {
			pi.PlatformEmail = &email
		}
		if _, err := r.platforms.Upsert(ctx, pi); err != nil {
			return err
		}
	}

	if email := ref.NormalizedEmail(); email != "" {
		alias := &models.EmailAlias{
			TenantID:            tenantID,
			CanonicalIdentityID: identityID,
			EmailAddress:        email,
			IsPrimary:           newIdentity,
			SourcePlatform:      ref.Platform,
		}
		if _, err := r.aliases.Upsert(ctx, alias); err != nil {
			return err
		}
	}

	return nil
}

// ResolveByEmail finds the live identity owning a canonical email.
func (r *Resolver) ResolveByEmail(ctx context.Context, tenantID string, email string) (*models.CanonicalIdentity, error) {
	return r.identities.GetActiveByEmail(ctx, tenantID, strings.ToLower(strings.TrimSpace(email)))
}
