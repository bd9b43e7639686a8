package review

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeSuggestionRepo struct {
	suggestions map[string]*models.MergeSuggestion
}

func (r *fakeSuggestionRepo) Get(ctx context.Context, tenantID string, id string) (*models.MergeSuggestion, error) {
	s, ok := r.suggestions[id]
	if !ok {
		return nil, fmt.Errorf("merge suggestion %s: %w", id, errs.ErrNotFound)
	}
	copied := *s
	return &copied, nil
}

func (r *fakeSuggestionRepo) List(ctx context.Context, tenantID string, status string, page int, pageSize int) ([]*models.MergeSuggestion, int, error) {
	var out []*models.MergeSuggestion
	for _, s := range r.suggestions {
		if status == "" || s.Status == status {
			out = append(out, s)
		}
	}
	return out, len(out), nil
}

func (r *fakeSuggestionRepo) UpdateStatus(ctx context.Context, tenantID string, id string, status string, reviewedBy string, notes string) error {
	s, ok := r.suggestions[id]
	if !ok || s.Status != models.SuggestionStatusPending {
		return fmt.Errorf("pending merge suggestion %s: %w", id, errs.ErrNotFound)
	}
	s.Status = status
	s.ReviewedBy = &reviewedBy
	s.ReviewNotes = &notes
	now := time.Now().UTC()
	s.ReviewedAt = &now
	return nil
}

type fakeIdentityReader struct {
	identities map[string]*models.CanonicalIdentity
}

func (r *fakeIdentityReader) Get(ctx context.Context, tenantID string, id string) (*models.CanonicalIdentity, error) {
	identity, ok := r.identities[id]
	if !ok {
		return nil, fmt.Errorf("canonical identity %s: %w", id, errs.ErrNotFound)
	}
	return identity, nil
}

type fakeMerger struct {
	identityCalls []merging.Request
	graphCalls    []merging.Request
	err           error
}

func (m *fakeMerger) MergeIdentities(ctx context.Context, req merging.Request) (*models.MergeAuditRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.identityCalls = append(m.identityCalls, req)
	return &models.MergeAuditRecord{SurvivorID: req.SurvivorID, DuplicateID: req.DuplicateID}, nil
}

func (m *fakeMerger) MergeGraphEntities(ctx context.Context, req merging.Request) (*models.MergeAuditRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.graphCalls = append(m.graphCalls, req)
	return &models.MergeAuditRecord{SurvivorID: req.SurvivorID, DuplicateID: req.DuplicateID}, nil
}

func activeIdentity(id string, createdAt time.Time) *models.CanonicalIdentity {
	return &models.CanonicalIdentity{
		ID:        id,
		TenantID:  "tenant-1",
		CreatedAt: createdAt,
	}
}

func pendingSuggestion(id, a, b string) *models.MergeSuggestion {
	a, b = models.OrderPair(a, b)
	return &models.MergeSuggestion{
		ID:              id,
		TenantID:        "tenant-1",
		IdentityAID:     a,
		IdentityBID:     b,
		EntityKind:      models.EntityKindIdentity,
		SimilarityScore: 0.85,
		Status:          models.SuggestionStatusPending,
	}
}

func newService(suggestions *fakeSuggestionRepo, identities *fakeIdentityReader, merger *fakeMerger) *Service {
	return NewService(suggestions, identities, merger, nil, testLogger())
}

func TestService_ApproveMergesOlderSurvivor(t *testing.T) {
	older := activeIdentity("id-a", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	newer := activeIdentity("id-b", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	repo := &fakeSuggestionRepo{suggestions: map[string]*models.MergeSuggestion{
		"sug-1": pendingSuggestion("sug-1", "id-b", "id-a"),
	}}
	merger := &fakeMerger{}
	svc := newService(repo, &fakeIdentityReader{identities: map[string]*models.CanonicalIdentity{
		"id-a": older, "id-b": newer,
	}}, merger)

	decided, err := svc.Decide(context.Background(), "tenant-1", "sug-1", "reviewer@acme.com", true, "same person")
	require.NoError(t, err)
	assert.Equal(t, models.SuggestionStatusMerged, decided.Status)

	require.Len(t, merger.identityCalls, 1)
	call := merger.identityCalls[0]
	assert.Equal(t, "id-a", call.SurvivorID, "older identity survives")
	assert.Equal(t, "id-b", call.DuplicateID)
	assert.Equal(t, "sug-1", call.SuggestionID)
	assert.Equal(t, "reviewer@acme.com", call.PerformedBy)
	assert.Equal(t, 0.85, call.Score)
}

func TestService_SurvivorTieBreaksOnID(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := &fakeSuggestionRepo{suggestions: map[string]*models.MergeSuggestion{
		"sug-1": pendingSuggestion("sug-1", "id-b", "id-a"),
	}}
	merger := &fakeMerger{}
	svc := newService(repo, &fakeIdentityReader{identities: map[string]*models.CanonicalIdentity{
		"id-a": activeIdentity("id-a", created),
		"id-b": activeIdentity("id-b", created),
	}}, merger)

	_, err := svc.Decide(context.Background(), "tenant-1", "sug-1", "reviewer", true, "")
	require.NoError(t, err)
	require.Len(t, merger.identityCalls, 1)
	assert.Equal(t, "id-a", merger.identityCalls[0].SurvivorID)
}

func TestService_RejectSuppressesPair(t *testing.T) {
	repo := &fakeSuggestionRepo{suggestions: map[string]*models.MergeSuggestion{
		"sug-1": pendingSuggestion("sug-1", "id-a", "id-b"),
	}}
	merger := &fakeMerger{}
	svc := newService(repo, &fakeIdentityReader{identities: map[string]*models.CanonicalIdentity{
		"id-a": activeIdentity("id-a", time.Now()),
		"id-b": activeIdentity("id-b", time.Now()),
	}}, merger)

	decided, err := svc.Decide(context.Background(), "tenant-1", "sug-1", "reviewer", false, "different people")
	require.NoError(t, err)
	assert.Equal(t, models.SuggestionStatusRejected, decided.Status)
	assert.Empty(t, merger.identityCalls)
	require.NotNil(t, decided.ReviewNotes)
	assert.Equal(t, "different people", *decided.ReviewNotes)
}

func TestService_StalePairGoesObsolete(t *testing.T) {
	survivorID := "id-c"
	mergedAway := activeIdentity("id-b", time.Now())
	mergedAway.MergedInto = &survivorID

	repo := &fakeSuggestionRepo{suggestions: map[string]*models.MergeSuggestion{
		"sug-1": pendingSuggestion("sug-1", "id-a", "id-b"),
	}}
	merger := &fakeMerger{}
	svc := newService(repo, &fakeIdentityReader{identities: map[string]*models.CanonicalIdentity{
		"id-a": activeIdentity("id-a", time.Now()),
		"id-b": mergedAway,
	}}, merger)

	decided, err := svc.Decide(context.Background(), "tenant-1", "sug-1", "reviewer", true, "")
	require.NoError(t, err)
	assert.Equal(t, models.SuggestionStatusObsolete, decided.Status)
	assert.Empty(t, merger.identityCalls, "no merge may run on a stale pair")
}

func TestService_ConcurrentMergeMarksObsolete(t *testing.T) {
	repo := &fakeSuggestionRepo{suggestions: map[string]*models.MergeSuggestion{
		"sug-1": pendingSuggestion("sug-1", "id-a", "id-b"),
	}}
	merger := &fakeMerger{err: errs.ErrAlreadyMerged}
	svc := newService(repo, &fakeIdentityReader{identities: map[string]*models.CanonicalIdentity{
		"id-a": activeIdentity("id-a", time.Now()),
		"id-b": activeIdentity("id-b", time.Now()),
	}}, merger)

	decided, err := svc.Decide(context.Background(), "tenant-1", "sug-1", "reviewer", true, "")
	require.NoError(t, err)
	assert.Equal(t, models.SuggestionStatusObsolete, decided.Status)
}

func TestService_DecidedSuggestionCannotBeDecidedAgain(t *testing.T) {
	s := pendingSuggestion("sug-1", "id-a", "id-b")
	s.Status = models.SuggestionStatusRejected
	repo := &fakeSuggestionRepo{suggestions: map[string]*models.MergeSuggestion{"sug-1": s}}
	svc := newService(repo, &fakeIdentityReader{identities: map[string]*models.CanonicalIdentity{}}, &fakeMerger{})

	_, err := svc.Decide(context.Background(), "tenant-1", "sug-1", "reviewer", true, "")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestService_GraphEntitySuggestion(t *testing.T) {
	s := pendingSuggestion("sug-1", "acme-corp", "acme-corporation")
	s.EntityKind = models.EntityKindGraphEntity
	repo := &fakeSuggestionRepo{suggestions: map[string]*models.MergeSuggestion{"sug-1": s}}
	merger := &fakeMerger{}
	// Graph entities have no identity rows to re-validate.
	svc := newService(repo, &fakeIdentityReader{identities: map[string]*models.CanonicalIdentity{}}, merger)

	decided, err := svc.Decide(context.Background(), "tenant-1", "sug-1", "reviewer", true, "")
	require.NoError(t, err)
	assert.Equal(t, models.SuggestionStatusMerged, decided.Status)
	require.Len(t, merger.graphCalls, 1)
	assert.Empty(t, merger.identityCalls)
}

func TestService_List(t *testing.T) {
	repo := &fakeSuggestionRepo{suggestions: map[string]*models.MergeSuggestion{
		"sug-1": pendingSuggestion("sug-1", "id-a", "id-b"),
	}}
	svc := newService(repo, &fakeIdentityReader{}, &fakeMerger{})

	resp, err := svc.List(context.Background(), "tenant-1", models.SuggestionStatusPending, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.TotalCount)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 50, resp.PageSize)
	require.Len(t, resp.Suggestions, 1)
}
