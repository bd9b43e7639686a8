package dedup

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/policy"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return math.Max(0, dot/(math.Sqrt(normA)*math.Sqrt(normB)))
}

// vec builds a unit vector at the given cosine from the x axis.
func vec(c float64) []float64 {
	return []float64{c, math.Sqrt(1 - c*c)}
}

// fakeRun is one dedup_job_runs row. seq stands in for started_at ordering.
type fakeRun struct {
	id         string
	status     string
	checkpoint *string
	seq        int
}

// fakeJobStore keeps the full run history so LatestCheckpoint can mirror the
// repository query: the newest interrupted checkpoint since the last
// completed pass, and Finish persisting the run's final checkpoint.
type fakeJobStore struct {
	mu            sync.Mutex
	conflict      bool
	runs          []*fakeRun
	checkpoints   []string
	onCheckpoint  func()
	leaseAttempts int
}

func (s *fakeJobStore) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaseAttempts
}

// finished returns the status of the most recently finished run.
func (s *fakeJobStore) finished() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].status != models.DedupRunStatusRunning {
			return s.runs[i].status
		}
	}
	return ""
}

// seed records a historical run, as if an earlier pass left it behind.
func (s *fakeJobStore) seed(status string, checkpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cp *string
	if checkpoint != "" {
		cp = &checkpoint
	}
	seq := len(s.runs) + 1
	s.runs = append(s.runs, &fakeRun{id: fmt.Sprintf("run-%d", seq), status: status, checkpoint: cp, seq: seq})
}

func (s *fakeJobStore) find(runID string) *fakeRun {
	for _, run := range s.runs {
		if run.id == runID {
			return run
		}
	}
	return nil
}

func (s *fakeJobStore) AcquireLease(ctx context.Context, tenantID string, dryRun bool, leaseDuration time.Duration) (*models.DedupJobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaseAttempts++
	if s.conflict {
		return nil, errs.NewConflictError("dedup_lease", fmt.Errorf("lease held"))
	}
	seq := len(s.runs) + 1
	row := &fakeRun{id: fmt.Sprintf("run-%d", seq), status: models.DedupRunStatusRunning, seq: seq}
	s.runs = append(s.runs, row)
	return &models.DedupJobRun{
		ID:       row.id,
		TenantID: tenantID,
		Status:   models.DedupRunStatusRunning,
		DryRun:   dryRun,
	}, nil
}

func (s *fakeJobStore) RenewLease(ctx context.Context, runID string, leaseDuration time.Duration) error {
	return nil
}

func (s *fakeJobStore) Checkpoint(ctx context.Context, run *models.DedupJobRun) error {
	s.mu.Lock()
	if row := s.find(run.ID); row != nil {
		row.checkpoint = run.Checkpoint
	}
	if run.Checkpoint != nil {
		s.checkpoints = append(s.checkpoints, *run.Checkpoint)
	}
	s.mu.Unlock()
	if s.onCheckpoint != nil {
		s.onCheckpoint()
	}
	return nil
}

func (s *fakeJobStore) Finish(ctx context.Context, run *models.DedupJobRun, status string, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row := s.find(run.ID); row != nil {
		row.status = status
		row.checkpoint = run.Checkpoint
	}
	return nil
}

func (s *fakeJobStore) LatestCheckpoint(ctx context.Context, tenantID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastCompleted := 0
	for _, run := range s.runs {
		if run.status == models.DedupRunStatusCompleted && run.seq > lastCompleted {
			lastCompleted = run.seq
		}
	}

	var best *fakeRun
	for _, run := range s.runs {
		interrupted := run.status == models.DedupRunStatusCancelled || run.status == models.DedupRunStatusFailed
		if !interrupted || run.checkpoint == nil || run.seq <= lastCompleted {
			continue
		}
		if best == nil || run.seq > best.seq {
			best = run
		}
	}
	if best == nil {
		return "", nil
	}
	return *best.checkpoint, nil
}

type fakeEntityGraph struct {
	partitions map[string][]*graph.EntityNode
	embedded   map[string][]float64
}

func newFakeEntityGraph() *fakeEntityGraph {
	return &fakeEntityGraph{
		partitions: map[string][]*graph.EntityNode{},
		embedded:   map[string][]float64{},
	}
}

func (g *fakeEntityGraph) add(entityType, id, name string, embedding []float64) {
	g.partitions[entityType] = append(g.partitions[entityType], &graph.EntityNode{
		ID:         id,
		TenantID:   "tenant-1",
		Name:       name,
		EntityType: entityType,
		Embedding:  embedding,
	})
}

func (g *fakeEntityGraph) ListEntityTypes(ctx context.Context, tenantID string) ([]string, error) {
	types := make([]string, 0, len(g.partitions))
	for t := range g.partitions {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, nil
}

func (g *fakeEntityGraph) EntitiesMissingEmbedding(ctx context.Context, tenantID string, entityType string, limit int) ([]*graph.EntityNode, error) {
	var out []*graph.EntityNode
	for _, node := range g.partitions[entityType] {
		if len(node.Embedding) == 0 {
			out = append(out, node)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (g *fakeEntityGraph) SetEmbedding(ctx context.Context, tenantID string, entityID string, embedding []float64) error {
	g.embedded[entityID] = embedding
	for _, nodes := range g.partitions {
		for _, node := range nodes {
			if node.ID == entityID {
				node.Embedding = embedding
			}
		}
	}
	return nil
}

func (g *fakeEntityGraph) ListWithEmbeddings(ctx context.Context, tenantID string, entityType string) ([]*graph.EntityNode, error) {
	var out []*graph.EntityNode
	for _, node := range g.partitions[entityType] {
		if len(node.Embedding) > 0 {
			out = append(out, node)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *fakeEntityGraph) FindSimilar(ctx context.Context, tenantID string, entityType string, embedding []float64, topK int, minScore float64) ([]graph.SimilarEntity, error) {
	var hits []graph.SimilarEntity
	for _, node := range g.partitions[entityType] {
		if len(node.Embedding) == 0 {
			continue
		}
		score := cosine(embedding, node.Embedding)
		if score >= minScore {
			hits = append(hits, graph.SimilarEntity{ID: node.ID, Name: node.Name, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

type fakeEmbedder struct {
	vectors map[string][]float64
	calls   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	f.calls++
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return vec(0.1), nil
}

type fakeMerger struct {
	calls []merging.Request
}

func (m *fakeMerger) MergeGraphEntities(ctx context.Context, req merging.Request) (*models.MergeAuditRecord, error) {
	m.calls = append(m.calls, req)
	return &models.MergeAuditRecord{SurvivorID: req.SurvivorID, DuplicateID: req.DuplicateID}, nil
}

type fakeSuggestions struct {
	created []*models.MergeSuggestion
}

func (s *fakeSuggestions) Create(ctx context.Context, sug *models.MergeSuggestion) (*models.MergeSuggestion, error) {
	sug.ID = fmt.Sprintf("sug-%d", len(s.created)+1)
	s.created = append(s.created, sug)
	return sug, nil
}

type dedupHarness struct {
	jobs        *fakeJobStore
	graph       *fakeEntityGraph
	merger      *fakeMerger
	suggestions *fakeSuggestions
	deduper     *Deduplicator
}

func newDedupHarness(t *testing.T, embedder Embedder) *dedupHarness {
	t.Helper()
	p, err := policy.New(0.92, 0.75, true)
	require.NoError(t, err)

	h := &dedupHarness{
		jobs:        &fakeJobStore{},
		graph:       newFakeEntityGraph(),
		merger:      &fakeMerger{},
		suggestions: &fakeSuggestions{},
	}
	h.deduper = NewDeduplicator(
		h.jobs, h.graph, embedder, h.merger, h.suggestions, p,
		Config{MaxEditDistance: 3},
		testLogger(),
	)
	return h
}

func TestDeduplicator_MergesAndQueuesByBand(t *testing.T) {
	h := newDedupHarness(t, nil)
	// Near-identical pair: auto-merge band.
	h.graph.add("company", "c1", "Acme Corp", vec(1.0))
	h.graph.add("company", "c2", "Acme Corp.", vec(0.97))
	// Review-band pair against c1.
	h.graph.add("company", "c5", "Acme Inc", vec(0.80))
	// Unrelated.
	h.graph.add("company", "c9", "Globex", vec(0.0))

	report, err := h.deduper.Run(context.Background(), "tenant-1", false)
	require.NoError(t, err)

	assert.Equal(t, models.DedupRunStatusCompleted, h.jobs.finished())
	assert.Equal(t, 1, report.MergesExecuted)
	require.Len(t, h.merger.calls, 1)
	assert.Equal(t, "c1", h.merger.calls[0].SurvivorID)
	assert.Equal(t, "c2", h.merger.calls[0].DuplicateID)

	require.NotEmpty(t, h.suggestions.created)
	for _, s := range h.suggestions.created {
		assert.Equal(t, models.EntityKindGraphEntity, s.EntityKind)
	}
	assert.Equal(t, report.SuggestionsCreated, len(h.suggestions.created))
}

func TestDeduplicator_EditDistanceGateQueuesInsteadOfMerging(t *testing.T) {
	h := newDedupHarness(t, nil)
	// Embeddings agree but the names are nothing alike.
	h.graph.add("company", "c1", "Acme Corporation", vec(1.0))
	h.graph.add("company", "c2", "Initech Global", vec(0.99))

	report, err := h.deduper.Run(context.Background(), "tenant-1", false)
	require.NoError(t, err)

	assert.Zero(t, report.MergesExecuted)
	assert.Empty(t, h.merger.calls)
	assert.Equal(t, 1, report.SuggestionsCreated)
}

func TestDeduplicator_DryRunExecutesNothing(t *testing.T) {
	h := newDedupHarness(t, nil)
	h.graph.add("company", "c1", "Acme Corp", vec(1.0))
	h.graph.add("company", "c2", "Acme Corp.", vec(0.97))
	h.graph.add("company", "c5", "Acme Inc", vec(0.80))

	report, err := h.deduper.Run(context.Background(), "tenant-1", true)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Zero(t, report.MergesExecuted)
	assert.Zero(t, report.SuggestionsCreated)
	assert.Empty(t, h.merger.calls)
	assert.Empty(t, h.suggestions.created)

	require.Len(t, report.PlannedMerges, 1)
	planned := report.PlannedMerges[0]
	assert.Equal(t, "c1", planned.SurvivorID)
	assert.Equal(t, "c2", planned.DuplicateID)
	assert.Equal(t, "company", planned.EntityType)
}

func TestDeduplicator_LeaseConflict(t *testing.T) {
	h := newDedupHarness(t, nil)
	h.jobs.conflict = true

	_, err := h.deduper.Run(context.Background(), "tenant-1", false)
	require.Error(t, err)
	assert.True(t, errs.IsConflict(err))
}

func TestDeduplicator_BackfillsEmbeddings(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float64{
		"Acme Corp": vec(1.0),
	}}
	h := newDedupHarness(t, embedder)
	h.graph.add("company", "c1", "Acme Corp", nil)

	_, err := h.deduper.Run(context.Background(), "tenant-1", false)
	require.NoError(t, err)

	assert.Equal(t, 1, embedder.calls)
	assert.Equal(t, vec(1.0), h.graph.embedded["c1"])
}

func TestDeduplicator_CancellationCheckpointsAndResumes(t *testing.T) {
	h := newDedupHarness(t, nil)
	h.graph.add("company", "c1", "Acme Corp", vec(1.0))
	h.graph.add("person", "p1", "Alex Thompson", vec(1.0))

	ctx, cancel := context.WithCancel(context.Background())
	h.jobs.onCheckpoint = cancel

	_, err := h.deduper.Run(ctx, "tenant-1", false)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, models.DedupRunStatusCancelled, h.jobs.finished())
	require.Len(t, h.jobs.checkpoints, 1)
	assert.Equal(t, "company", h.jobs.checkpoints[0])

	// A fresh run resumes after the checkpointed partition.
	h2 := newDedupHarness(t, nil)
	h2.graph.add("company", "c1", "Acme Corp", vec(1.0))
	h2.graph.add("company", "c2", "Acme Corp.", vec(0.97))
	h2.graph.add("person", "p1", "Alex Thompson", vec(1.0))
	h2.jobs.seed(models.DedupRunStatusCancelled, "company")

	report, err := h2.deduper.Run(context.Background(), "tenant-1", false)
	require.NoError(t, err)
	assert.Zero(t, report.MergesExecuted, "completed partitions are not rescanned")
	assert.Equal(t, 1, report.EntitiesScanned, "only the person partition is scanned")
}

func TestDeduplicator_CompletedRunResetsResumePoint(t *testing.T) {
	h := newDedupHarness(t, nil)
	h.graph.add("company", "c1", "Acme Corp", vec(1.0))
	h.graph.add("person", "p1", "Alex Thompson", vec(1.0))

	// Run 1 is cancelled right after the company partition checkpoints.
	ctx, cancel := context.WithCancel(context.Background())
	h.jobs.onCheckpoint = cancel
	_, err := h.deduper.Run(ctx, "tenant-1", false)
	require.ErrorIs(t, err, context.Canceled)
	h.jobs.onCheckpoint = nil

	// Run 2 resumes after company and finishes the pass.
	_, err = h.deduper.Run(context.Background(), "tenant-1", false)
	require.NoError(t, err)
	require.Equal(t, models.DedupRunStatusCompleted, h.jobs.finished())

	// New duplicates arrive in the partition the cancelled run checkpointed.
	h.graph.add("company", "c2", "Acme Corp.", vec(0.97))

	// Run 3 must rescan from the top: the completed pass superseded the
	// cancelled run's checkpoint, so no partition stays skipped forever.
	report, err := h.deduper.Run(context.Background(), "tenant-1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MergesExecuted)
	require.Len(t, h.merger.calls, 1)
	assert.Equal(t, "c1", h.merger.calls[0].SurvivorID)
	assert.Equal(t, "c2", h.merger.calls[0].DuplicateID)
}

func TestDeduplicator_MergedEntityNotRevisited(t *testing.T) {
	h := newDedupHarness(t, nil)
	// Three mutually similar entities: after c2 folds into c1, the c2/c3
	// pair must not be evaluated against a dead id.
	h.graph.add("company", "c1", "Acme Corp", vec(1.0))
	h.graph.add("company", "c2", "Acme Corp.", vec(0.99))
	h.graph.add("company", "c3", "Acme Corps", vec(0.98))

	report, err := h.deduper.Run(context.Background(), "tenant-1", false)
	require.NoError(t, err)

	assert.Equal(t, 2, report.MergesExecuted)
	for _, call := range h.merger.calls {
		assert.Equal(t, "c1", call.SurvivorID)
	}
}
