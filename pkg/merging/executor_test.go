package merging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// fakeTx records commit/rollback so tests can assert transaction outcomes.
type fakeTx struct {
	committed  bool
	rolledBack bool
}

func (t *fakeTx) IsOpen() bool { return !t.committed && !t.rolledBack }
func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}
func (t *fakeTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}
func (t *fakeTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, nil
}
func (t *fakeTx) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}
func (t *fakeTx) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}
func (t *fakeTx) QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	return nil, nil
}
func (t *fakeTx) NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error) {
	return nil, nil
}

type fakeDB struct {
	lastTx *fakeTx
}

func (db *fakeDB) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error) {
	db.lastTx = &fakeTx{}
	return ctx, db.lastTx, nil
}
func (db *fakeDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, nil
}
func (db *fakeDB) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}
func (db *fakeDB) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}
func (db *fakeDB) QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	return nil, nil
}
func (db *fakeDB) NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error) {
	return nil, nil
}
func (db *fakeDB) Ping() error                           { return nil }
func (db *fakeDB) PingContext(ctx context.Context) error { return nil }
func (db *fakeDB) Close() error                          { return nil }

type fakeIdentityStore struct {
	identities map[string]*models.CanonicalIdentity
}

func newFakeIdentityStore(identities ...*models.CanonicalIdentity) *fakeIdentityStore {
	s := &fakeIdentityStore{identities: map[string]*models.CanonicalIdentity{}}
	for _, i := range identities {
		s.identities[i.ID] = i
	}
	return s
}

func (s *fakeIdentityStore) Get(ctx context.Context, tenantID string, id string) (*models.CanonicalIdentity, error) {
	identity, ok := s.identities[id]
	if !ok {
		return nil, fmt.Errorf("canonical identity %s: %w", id, errs.ErrNotFound)
	}
	copied := *identity
	return &copied, nil
}

func (s *fakeIdentityStore) Update(ctx context.Context, identity *models.CanonicalIdentity) error {
	copied := *identity
	s.identities[identity.ID] = &copied
	return nil
}

func (s *fakeIdentityStore) MarkMerged(ctx context.Context, tenantID string, duplicateID string, survivorID string) error {
	identity, ok := s.identities[duplicateID]
	if !ok || identity.MergedInto != nil {
		return errs.ErrAlreadyMerged
	}
	identity.MergedInto = &survivorID
	return nil
}

type fakePlatformStore struct {
	items []*models.PlatformIdentity
}

func (s *fakePlatformStore) ListByIdentity(ctx context.Context, tenantID string, canonicalIdentityID string) ([]*models.PlatformIdentity, error) {
	var out []*models.PlatformIdentity
	for _, item := range s.items {
		if item.CanonicalIdentityID == canonicalIdentityID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *fakePlatformStore) CountByIdentity(ctx context.Context, tenantID string, canonicalIdentityID string) (int, error) {
	items, _ := s.ListByIdentity(ctx, tenantID, canonicalIdentityID)
	return len(items), nil
}

func (s *fakePlatformStore) Reparent(ctx context.Context, tenantID string, fromIdentityID string, toIdentityID string) (int, error) {
	moved := 0
	for _, item := range s.items {
		if item.CanonicalIdentityID == fromIdentityID {
			item.CanonicalIdentityID = toIdentityID
			moved++
		}
	}
	return moved, nil
}

type fakeAliasStore struct {
	items []*models.EmailAlias
}

func (s *fakeAliasStore) ListByIdentity(ctx context.Context, tenantID string, canonicalIdentityID string) ([]*models.EmailAlias, error) {
	var out []*models.EmailAlias
	for _, item := range s.items {
		if item.CanonicalIdentityID == canonicalIdentityID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *fakeAliasStore) CountByIdentity(ctx context.Context, tenantID string, canonicalIdentityID string) (int, error) {
	items, _ := s.ListByIdentity(ctx, tenantID, canonicalIdentityID)
	return len(items), nil
}

func (s *fakeAliasStore) Reparent(ctx context.Context, tenantID string, fromIdentityID string, toIdentityID string, survivorHasPrimary bool) (int, error) {
	moved := 0
	for _, item := range s.items {
		if item.CanonicalIdentityID == fromIdentityID {
			item.CanonicalIdentityID = toIdentityID
			if survivorHasPrimary {
				item.IsPrimary = false
			}
			moved++
		}
	}
	return moved, nil
}

type fakeSuggestionStore struct {
	obsoleted []string
}

func (s *fakeSuggestionStore) MarkObsoleteForIdentity(ctx context.Context, tenantID string, identityID string, exceptID string) (int, error) {
	s.obsoleted = append(s.obsoleted, identityID)
	return 0, nil
}

type fakeAuditStore struct {
	records []*models.MergeAuditRecord
}

func (s *fakeAuditStore) Create(ctx context.Context, record *models.MergeAuditRecord) (*models.MergeAuditRecord, error) {
	record.ID = fmt.Sprintf("audit-%d", len(s.records)+1)
	record.CreatedAt = time.Now().UTC()
	s.records = append(s.records, record)
	return record, nil
}

// edgeKey is one undirected edge, endpoints in sorted order.
type edgeKey struct {
	A, B, Type string
}

func newEdgeKey(a, b, typ string) edgeKey {
	if b < a {
		a, b = b, a
	}
	return edgeKey{A: a, B: b, Type: typ}
}

// fakeGraph mirrors the backend merge semantics over an in-memory edge set.
type fakeGraph struct {
	nodes  map[string]bool
	edges  map[edgeKey]bool
	tamper bool
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{nodes: map[string]bool{}, edges: map[edgeKey]bool{}}
}

func (g *fakeGraph) addNode(id string) { g.nodes[id] = true }

func (g *fakeGraph) addEdge(a, b, typ string) {
	g.nodes[a] = true
	g.nodes[b] = true
	g.edges[newEdgeKey(a, b, typ)] = true
}

func (g *fakeGraph) EdgeSignatures(ctx context.Context, tenantID string, entityID string) ([]graph.EdgeSignature, error) {
	seen := map[graph.EdgeSignature]bool{}
	for key := range g.edges {
		if key.A == entityID {
			seen[graph.EdgeSignature{Type: key.Type, OtherID: key.B}] = true
		}
		if key.B == entityID {
			seen[graph.EdgeSignature{Type: key.Type, OtherID: key.A}] = true
		}
	}
	sigs := make([]graph.EdgeSignature, 0, len(seen))
	for sig := range seen {
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

func (g *fakeGraph) MergeNodes(ctx context.Context, tenantID string, survivorID string, duplicateID string, expectedEdgeCount int) error {
	if !g.nodes[duplicateID] {
		return nil
	}

	beforeNodes := map[string]bool{}
	for k, v := range g.nodes {
		beforeNodes[k] = v
	}
	beforeEdges := map[edgeKey]bool{}
	for k, v := range g.edges {
		beforeEdges[k] = v
	}

	g.nodes[survivorID] = true
	rewired := map[edgeKey]bool{}
	for key := range g.edges {
		a, b := key.A, key.B
		if a == duplicateID {
			a = survivorID
		}
		if b == duplicateID {
			b = survivorID
		}
		rewired[newEdgeKey(a, b, key.Type)] = true
	}
	g.edges = rewired
	delete(g.nodes, duplicateID)

	sigs, _ := g.EdgeSignatures(ctx, tenantID, survivorID)
	actual := len(sigs)
	if g.tamper {
		actual++
	}
	if actual != expectedEdgeCount {
		g.nodes = beforeNodes
		g.edges = beforeEdges
		return &errs.MergeIntegrityError{
			SurvivorID:  survivorID,
			DuplicateID: duplicateID,
			Check:       "graph_edge_count",
			Expected:    expectedEdgeCount,
			Actual:      actual,
		}
	}
	return nil
}

type fixture struct {
	db          *fakeDB
	identities  *fakeIdentityStore
	platforms   *fakePlatformStore
	aliases     *fakeAliasStore
	suggestions *fakeSuggestionStore
	audits      *fakeAuditStore
	graph       *fakeGraph
	executor    *Executor
}

func newFixture(identities ...*models.CanonicalIdentity) *fixture {
	f := &fixture{
		db:          &fakeDB{},
		identities:  newFakeIdentityStore(identities...),
		platforms:   &fakePlatformStore{},
		aliases:     &fakeAliasStore{},
		suggestions: &fakeSuggestionStore{},
		audits:      &fakeAuditStore{},
		graph:       newFakeGraph(),
	}
	f.executor = NewExecutor(
		f.db, f.identities, f.platforms, f.aliases,
		f.suggestions, f.audits, f.graph, nil, testLogger(),
	)
	return f
}

func identityFixture(id, name string, email *string) *models.CanonicalIdentity {
	return &models.CanonicalIdentity{
		ID:             id,
		TenantID:       "tenant-1",
		CanonicalName:  name,
		CanonicalEmail: email,
		Metadata:       json.RawMessage(`{}`),
		CreatedAt:      time.Now().UTC(),
	}
}

func strPtr(s string) *string { return &s }

func TestExecutor_MergeIdentities(t *testing.T) {
	email := strPtr("alex@acme.com")
	f := newFixture(
		identityFixture("id-a", "Alex Thompson", email),
		identityFixture("id-b", "A. Thompson", nil),
	)
	f.identities.identities["id-b"].IsTeamMember = true
	f.platforms.items = []*models.PlatformIdentity{
		{ID: "p1", TenantID: "tenant-1", CanonicalIdentityID: "id-a", Platform: "slack", PlatformUserID: "U1"},
		{ID: "p2", TenantID: "tenant-1", CanonicalIdentityID: "id-b", Platform: "github", PlatformUserID: "athompson"},
	}
	f.aliases.items = []*models.EmailAlias{
		{ID: "e1", TenantID: "tenant-1", CanonicalIdentityID: "id-a", EmailAddress: "alex@acme.com", IsPrimary: true},
		{ID: "e2", TenantID: "tenant-1", CanonicalIdentityID: "id-b", EmailAddress: "athompson@acme.com", IsPrimary: true},
	}
	f.graph.addEdge("id-a", "doc-1", "MENTIONED_IN")
	f.graph.addEdge("id-b", "doc-2", "MENTIONED_IN")

	record, err := f.executor.MergeIdentities(context.Background(), Request{
		TenantID:    "tenant-1",
		SurvivorID:  "id-a",
		DuplicateID: "id-b",
		Reason:      "high name similarity",
		Score:       0.94,
		PerformedBy: "system",
	})
	require.NoError(t, err)
	require.NotNil(t, record)

	t.Run("transaction committed", func(t *testing.T) {
		require.NotNil(t, f.db.lastTx)
		assert.True(t, f.db.lastTx.committed)
	})

	t.Run("duplicate tombstoned", func(t *testing.T) {
		dup := f.identities.identities["id-b"]
		require.NotNil(t, dup.MergedInto)
		assert.Equal(t, "id-a", *dup.MergedInto)
	})

	t.Run("owned records re-parented", func(t *testing.T) {
		for _, p := range f.platforms.items {
			assert.Equal(t, "id-a", p.CanonicalIdentityID)
		}
		for _, a := range f.aliases.items {
			assert.Equal(t, "id-a", a.CanonicalIdentityID)
		}
	})

	t.Run("moved primary alias demoted", func(t *testing.T) {
		for _, a := range f.aliases.items {
			if a.ID == "e2" {
				assert.False(t, a.IsPrimary)
			}
			if a.ID == "e1" {
				assert.True(t, a.IsPrimary)
			}
		}
	})

	t.Run("scalars folded first writer wins", func(t *testing.T) {
		survivor := f.identities.identities["id-a"]
		assert.Equal(t, "Alex Thompson", survivor.CanonicalName)
		assert.Equal(t, "alex@acme.com", *survivor.CanonicalEmail)
		assert.True(t, survivor.IsTeamMember)
	})

	t.Run("graph edges re-targeted", func(t *testing.T) {
		sigs, err := f.graph.EdgeSignatures(context.Background(), "tenant-1", "id-a")
		require.NoError(t, err)
		assert.Len(t, sigs, 2)
		assert.False(t, f.graph.nodes["id-b"])
	})

	t.Run("pending suggestions obsoleted", func(t *testing.T) {
		assert.Contains(t, f.suggestions.obsoleted, "id-b")
	})

	t.Run("audit record written", func(t *testing.T) {
		require.Len(t, f.audits.records, 1)
		audit := f.audits.records[0]
		assert.Equal(t, "id-a", audit.SurvivorID)
		assert.Equal(t, "id-b", audit.DuplicateID)
		assert.Equal(t, models.EntityKindIdentity, audit.EntityKind)
		assert.Equal(t, 0.94, audit.SimilarityScore)

		var before map[string]*models.IdentitySnapshot
		require.NoError(t, json.Unmarshal(audit.BeforeState, &before))
		assert.Equal(t, "id-a", before["survivor"].Identity.ID)
		assert.Equal(t, "id-b", before["duplicate"].Identity.ID)

		var conflicts []models.MergeConflict
		require.NoError(t, json.Unmarshal(audit.Conflicts, &conflicts))
		require.Len(t, conflicts, 1)
		assert.Equal(t, "canonical_name", conflicts[0].Field)
	})
}

func TestExecutor_MergeIsIdempotent(t *testing.T) {
	f := newFixture(
		identityFixture("id-a", "Alex Thompson", nil),
		identityFixture("id-b", "A. Thompson", nil),
	)

	_, err := f.executor.MergeIdentities(context.Background(), Request{
		TenantID: "tenant-1", SurvivorID: "id-a", DuplicateID: "id-b",
	})
	require.NoError(t, err)

	_, err = f.executor.MergeIdentities(context.Background(), Request{
		TenantID: "tenant-1", SurvivorID: "id-a", DuplicateID: "id-b",
	})
	assert.ErrorIs(t, err, errs.ErrAlreadyMerged)
	assert.Len(t, f.audits.records, 1, "repeat merge must not write a second audit record")
}

func TestExecutor_ChainResolution(t *testing.T) {
	f := newFixture(
		identityFixture("id-a", "Alex", nil),
		identityFixture("id-b", "Alexander", nil),
		identityFixture("id-c", "Al", nil),
	)

	_, err := f.executor.MergeIdentities(context.Background(), Request{
		TenantID: "tenant-1", SurvivorID: "id-a", DuplicateID: "id-b",
	})
	require.NoError(t, err)

	// Referencing the merged-away id lands on its live root.
	record, err := f.executor.MergeIdentities(context.Background(), Request{
		TenantID: "tenant-1", SurvivorID: "id-b", DuplicateID: "id-c",
	})
	require.NoError(t, err)
	assert.Equal(t, "id-a", record.SurvivorID)
	assert.Equal(t, "id-c", record.DuplicateID)
}

func TestExecutor_ChainResolutionFromStore(t *testing.T) {
	// Chains written by another process are resolved through merged_into.
	a := identityFixture("id-a", "Alex", nil)
	b := identityFixture("id-b", "Alexander", nil)
	b.MergedInto = strPtr("id-a")
	c := identityFixture("id-c", "Al", nil)
	f := newFixture(a, b, c)

	record, err := f.executor.MergeIdentities(context.Background(), Request{
		TenantID: "tenant-1", SurvivorID: "id-b", DuplicateID: "id-c",
	})
	require.NoError(t, err)
	assert.Equal(t, "id-a", record.SurvivorID)
}

func TestExecutor_EdgeCountMismatchAborts(t *testing.T) {
	f := newFixture(
		identityFixture("id-a", "Alex Thompson", nil),
		identityFixture("id-b", "A. Thompson", nil),
	)
	f.graph.addEdge("id-a", "doc-1", "MENTIONED_IN")
	f.graph.addEdge("id-b", "doc-2", "MENTIONED_IN")
	f.graph.tamper = true

	_, err := f.executor.MergeIdentities(context.Background(), Request{
		TenantID: "tenant-1", SurvivorID: "id-a", DuplicateID: "id-b",
	})
	require.Error(t, err)
	assert.True(t, errs.IsMergeIntegrity(err))

	assert.False(t, f.db.lastTx.committed)
	assert.True(t, f.db.lastTx.rolledBack)
	assert.Empty(t, f.audits.records)
}

func TestExecutor_MissingIdentity(t *testing.T) {
	f := newFixture(identityFixture("id-a", "Alex", nil))

	_, err := f.executor.MergeIdentities(context.Background(), Request{
		TenantID: "tenant-1", SurvivorID: "id-a", DuplicateID: "missing",
	})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestExecutor_MergeGraphEntities(t *testing.T) {
	f := newFixture()
	f.graph.addEdge("acme-corp", "doc-1", "MENTIONED_IN")
	f.graph.addEdge("acme-corporation", "doc-1", "MENTIONED_IN")
	f.graph.addEdge("acme-corporation", "doc-2", "MENTIONED_IN")

	record, err := f.executor.MergeGraphEntities(context.Background(), Request{
		TenantID:    "tenant-1",
		SurvivorID:  "acme-corp",
		DuplicateID: "acme-corporation",
		Reason:      "embedding similarity",
		Score:       0.96,
	})
	require.NoError(t, err)
	assert.Equal(t, models.EntityKindGraphEntity, record.EntityKind)

	sigs, err := f.graph.EdgeSignatures(context.Background(), "tenant-1", "acme-corp")
	require.NoError(t, err)
	assert.Len(t, sigs, 2, "shared document mention must collapse")
	assert.False(t, f.graph.nodes["acme-corporation"])
}

func TestExpectedEdgeCount(t *testing.T) {
	sig := func(typ, other string) graph.EdgeSignature {
		return graph.EdgeSignature{Type: typ, OtherID: other}
	}

	t.Run("disjoint neighbors add up", func(t *testing.T) {
		got := expectedEdgeCount("s", "d",
			[]graph.EdgeSignature{sig("KNOWS", "x"), sig("KNOWS", "y")},
			[]graph.EdgeSignature{sig("KNOWS", "z")},
		)
		assert.Equal(t, 3, got)
	})

	t.Run("shared neighbor collapses", func(t *testing.T) {
		got := expectedEdgeCount("s", "d",
			[]graph.EdgeSignature{sig("KNOWS", "x")},
			[]graph.EdgeSignature{sig("KNOWS", "x")},
		)
		assert.Equal(t, 1, got)
	})

	t.Run("same neighbor different type stays distinct", func(t *testing.T) {
		got := expectedEdgeCount("s", "d",
			[]graph.EdgeSignature{sig("KNOWS", "x")},
			[]graph.EdgeSignature{sig("WORKS_WITH", "x")},
		)
		assert.Equal(t, 2, got)
	})

	t.Run("direct edge becomes one self reference", func(t *testing.T) {
		got := expectedEdgeCount("s", "d",
			[]graph.EdgeSignature{sig("KNOWS", "d")},
			[]graph.EdgeSignature{sig("KNOWS", "s")},
		)
		assert.Equal(t, 1, got)
	})
}

// TestExpectedEdgeCount_MatchesGraphMerge drives random graphs through the
// fake backend and checks the predictor against the actual post-merge count.
func TestExpectedEdgeCount_MatchesGraphMerge(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	types := []string{"KNOWS", "WORKS_WITH", "MENTIONED_IN"}

	for i := 0; i < 200; i++ {
		g := newFakeGraph()
		nodeCount := 2 + rng.Intn(8)
		nodes := make([]string, nodeCount)
		for n := range nodes {
			nodes[n] = fmt.Sprintf("n%d", n)
			g.addNode(nodes[n])
		}

		edgeCount := rng.Intn(20)
		for e := 0; e < edgeCount; e++ {
			a := nodes[rng.Intn(nodeCount)]
			b := nodes[rng.Intn(nodeCount)]
			g.addEdge(a, b, types[rng.Intn(len(types))])
		}

		survivor, duplicate := nodes[0], nodes[1]
		survivorSigs, err := g.EdgeSignatures(context.Background(), "tenant-1", survivor)
		require.NoError(t, err)
		duplicateSigs, err := g.EdgeSignatures(context.Background(), "tenant-1", duplicate)
		require.NoError(t, err)

		expected := expectedEdgeCount(survivor, duplicate, survivorSigs, duplicateSigs)
		err = g.MergeNodes(context.Background(), "tenant-1", survivor, duplicate, expected)
		require.NoError(t, err, "iteration %d: predictor disagreed with merge", i)

		sigs, err := g.EdgeSignatures(context.Background(), "tenant-1", survivor)
		require.NoError(t, err)
		assert.Equal(t, expected, len(sigs), "iteration %d", i)
	}
}
