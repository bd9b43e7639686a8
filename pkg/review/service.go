// Package review is the human decision point for ambiguous matches: listing
// queued merge suggestions and applying approve or reject decisions.
package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// SuggestionRepo is the suggestion persistence the service needs.
type SuggestionRepo interface {
	Get(ctx context.Context, tenantID string, id string) (*models.MergeSuggestion, error)
	List(ctx context.Context, tenantID string, status string, page int, pageSize int) ([]*models.MergeSuggestion, int, error)
	UpdateStatus(ctx context.Context, tenantID string, id string, status string, reviewedBy string, notes string) error
}

// IdentityReader fetches identities for pre-decision re-validation.
type IdentityReader interface {
	Get(ctx context.Context, tenantID string, id string) (*models.CanonicalIdentity, error)
}

// Merger executes approved merges.
type Merger interface {
	MergeIdentities(ctx context.Context, req merging.Request) (*models.MergeAuditRecord, error)
	MergeGraphEntities(ctx context.Context, req merging.Request) (*models.MergeAuditRecord, error)
}

// Emitter publishes review decisions; optional.
type Emitter interface {
	SuggestionDecided(ctx context.Context, suggestion *models.MergeSuggestion) error
}

// Service drives the review queue.
type Service struct {
	suggestions SuggestionRepo
	identities  IdentityReader
	merger      Merger
	emitter     Emitter
	logger      ectologger.Logger
}

// NewService creates a review service. emitter may be nil.
func NewService(
	suggestions SuggestionRepo,
	identities IdentityReader,
	merger Merger,
	emitter Emitter,
	logger ectologger.Logger,
) *Service {
	return &Service{
		suggestions: suggestions,
		identities:  identities,
		merger:      merger,
		emitter:     emitter,
		logger:      logger,
	}
}

// List pages through suggestions for a tenant. An empty status returns all
// statuses; the queue itself is status "pending".
func (s *Service) List(ctx context.Context, tenantID string, status string, page int, pageSize int) (*models.MergeSuggestionListResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Service.List")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}

	suggestions, total, err := s.suggestions.List(ctx, tenantID, status, page, pageSize)
	if err != nil {
		return nil, err
	}

	return &models.MergeSuggestionListResponse{
		Suggestions: suggestions,
		TotalCount:  total,
		Page:        page,
		PageSize:    pageSize,
	}, nil
}

// Decide applies a reviewer's verdict to a pending suggestion. The pair is
// re-validated first: when either side has been merged away or deleted since
// the suggestion was created, the suggestion flips to obsolete and the
// verdict is not applied. Approval merges with the older identity surviving,
// then marks the suggestion merged; rejection marks it rejected, which
// permanently suppresses re-suggestion of the pair.
func (s *Service) Decide(ctx context.Context, tenantID string, suggestionID string, reviewer string, approve bool, notes string) (*models.MergeSuggestion, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Service.Decide")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":     tenantID,
		"suggestion_id": suggestionID,
		"reviewer":      reviewer,
		"approve":       approve,
	})

	suggestion, err := s.suggestions.Get(ctx, tenantID, suggestionID)
	if err != nil {
		return nil, err
	}
	if suggestion.Status != models.SuggestionStatusPending {
		return nil, fmt.Errorf("pending merge suggestion %s: %w", suggestionID, errs.ErrNotFound)
	}

	if suggestion.EntityKind == models.EntityKindIdentity {
		stale, err := s.pairIsStale(ctx, tenantID, suggestion)
		if err != nil {
			return nil, err
		}
		if stale {
			log.Info("suggestion pair no longer valid, marking obsolete")
			return s.transition(ctx, tenantID, suggestionID, models.SuggestionStatusObsolete, reviewer, "pair no longer valid at review time")
		}
	}

	if !approve {
		decided, err := s.transition(ctx, tenantID, suggestionID, models.SuggestionStatusRejected, reviewer, notes)
		if err != nil {
			return nil, err
		}
		s.emit(ctx, decided)
		log.Info("suggestion rejected")
		return decided, nil
	}

	if err := s.executeMerge(ctx, tenantID, suggestion, reviewer); err != nil {
		if errors.Is(err, errs.ErrAlreadyMerged) {
			// A concurrent merge beat the reviewer to it. The suggestion is
			// moot, not wrong.
			return s.transition(ctx, tenantID, suggestionID, models.SuggestionStatusObsolete, reviewer, "pair already merged")
		}
		return nil, err
	}

	decided, err := s.transition(ctx, tenantID, suggestionID, models.SuggestionStatusMerged, reviewer, notes)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, decided)
	log.Info("suggestion approved and merged")
	return decided, nil
}

// pairIsStale reports whether either side of the pair is no longer a live
// identity.
func (s *Service) pairIsStale(ctx context.Context, tenantID string, suggestion *models.MergeSuggestion) (bool, error) {
	for _, id := range []string{suggestion.IdentityAID, suggestion.IdentityBID} {
		identity, err := s.identities.Get(ctx, tenantID, id)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return true, nil
			}
			return false, err
		}
		if !identity.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) executeMerge(ctx context.Context, tenantID string, suggestion *models.MergeSuggestion, reviewer string) error {
	req := merging.Request{
		TenantID:     tenantID,
		Reason:       "approved merge suggestion " + suggestion.ID,
		Score:        suggestion.SimilarityScore,
		PerformedBy:  reviewer,
		SuggestionID: suggestion.ID,
	}

	if suggestion.EntityKind == models.EntityKindGraphEntity {
		req.SurvivorID = suggestion.IdentityAID
		req.DuplicateID = suggestion.IdentityBID
		_, err := s.merger.MergeGraphEntities(ctx, req)
		return err
	}

	survivor, duplicate, err := s.pickSurvivor(ctx, tenantID, suggestion)
	if err != nil {
		return err
	}
	req.SurvivorID = survivor
	req.DuplicateID = duplicate
	_, err = s.merger.MergeIdentities(ctx, req)
	return err
}

// pickSurvivor keeps the older identity, falling back to id order on equal
// creation times so the choice is deterministic.
func (s *Service) pickSurvivor(ctx context.Context, tenantID string, suggestion *models.MergeSuggestion) (string, string, error) {
	a, err := s.identities.Get(ctx, tenantID, suggestion.IdentityAID)
	if err != nil {
		return "", "", err
	}
	b, err := s.identities.Get(ctx, tenantID, suggestion.IdentityBID)
	if err != nil {
		return "", "", err
	}

	if b.CreatedAt.Before(a.CreatedAt) {
		return b.ID, a.ID, nil
	}
	if a.CreatedAt.Before(b.CreatedAt) {
		return a.ID, b.ID, nil
	}
	if b.ID < a.ID {
		return b.ID, a.ID, nil
	}
	return a.ID, b.ID, nil
}

func (s *Service) transition(ctx context.Context, tenantID string, id string, status string, reviewer string, notes string) (*models.MergeSuggestion, error) {
	if err := s.suggestions.UpdateStatus(ctx, tenantID, id, status, reviewer, notes); err != nil {
		return nil, err
	}
	return s.suggestions.Get(ctx, tenantID, id)
}

func (s *Service) emit(ctx context.Context, suggestion *models.MergeSuggestion) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.SuggestionDecided(ctx, suggestion); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("failed to publish suggestion decision")
	}
}
