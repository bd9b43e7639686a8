package graph

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// EntityNode is a knowledge-graph entity. Properties hold only intrinsic
// attributes: anything document-specific (titles, source ids) belongs on the
// document node, reached through MENTIONED_IN edges, so an entity's shape
// stays stable across every document that mentions it.
type EntityNode struct {
	ID         string
	TenantID   string
	Name       string
	EntityType string
	Embedding  []float64
	Properties map[string]any
}

// EdgeSignature identifies one distinct edge as (type, neighbor). Edge
// counting and the merge integrity check both work over these signatures, so
// parallel duplicate edges of identical type and target never inflate counts.
type EdgeSignature struct {
	Type    string
	OtherID string
}

// SimilarEntity is one nearest-neighbor search hit.
type SimilarEntity struct {
	ID    string
	Name  string
	Score float64
}

// EntityService owns all reads and writes of graph entities. Graph mutation
// for merges is confined to MergeNodes; no other component rewires edges.
type EntityService struct {
	client *Client
	logger ectologger.Logger
}

// NewEntityService creates a new graph entity service
func NewEntityService(client *Client, logger ectologger.Logger) *EntityService {
	return &EntityService{
		client: client,
		logger: logger,
	}
}

// UpsertEntity creates or updates an entity node keyed by id.
func (s *EntityService) UpsertEntity(ctx context.Context, node *EntityNode) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.UpsertEntity")
	defer span.End()

	props := map[string]any{
		"id":          node.ID,
		"tenant_id":   node.TenantID,
		"name":        node.Name,
		"entity_type": node.EntityType,
	}
	for k, v := range node.Properties {
		props[k] = v
	}
	if len(node.Embedding) > 0 {
		props["embedding"] = node.Embedding
	}

	query := `MERGE (e:Entity {id: $id, tenant_id: $tenant_id})
		SET e += $props`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, query, map[string]any{
			"id":        node.ID,
			"tenant_id": node.TenantID,
			"props":     props,
		})
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to upsert graph entity")
		return fmt.Errorf("failed to upsert graph entity: %w", err)
	}

	return nil
}

// UpsertMention links an entity to the document it was extracted from.
func (s *EntityService) UpsertMention(ctx context.Context, tenantID string, entityID string, documentID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.UpsertMention")
	defer span.End()

	query := `MATCH (e:Entity {id: $entity_id, tenant_id: $tenant_id})
		MERGE (d:Document {id: $document_id, tenant_id: $tenant_id})
		MERGE (e)-[:MENTIONED_IN]->(d)`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, query, map[string]any{
			"entity_id":   entityID,
			"document_id": documentID,
			"tenant_id":   tenantID,
		})
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to upsert mention edge")
		return fmt.Errorf("failed to upsert mention edge: %w", err)
	}
	return nil
}

// UpsertRelationship creates a typed edge between two entities, deduplicated
// by (type, endpoints).
func (s *EntityService) UpsertRelationship(ctx context.Context, tenantID string, fromID string, toID string, relType string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.UpsertRelationship")
	defer span.End()

	query := fmt.Sprintf(`MATCH (a:Entity {id: $from_id, tenant_id: $tenant_id})
		MATCH (b:Entity {id: $to_id, tenant_id: $tenant_id})
		MERGE (a)-[:%s]->(b)`, sanitizeLabel(relType))

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, query, map[string]any{
			"from_id":   fromID,
			"to_id":     toID,
			"tenant_id": tenantID,
		})
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to upsert relationship")
		return fmt.Errorf("failed to upsert relationship: %w", err)
	}
	return nil
}

// SetEmbedding stores an embedding vector on an entity node.
func (s *EntityService) SetEmbedding(ctx context.Context, tenantID string, entityID string, embedding []float64) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.SetEmbedding")
	defer span.End()

	query := `MATCH (e:Entity {id: $id, tenant_id: $tenant_id})
		SET e.embedding = $embedding`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, query, map[string]any{
			"id":        entityID,
			"tenant_id": tenantID,
			"embedding": embedding,
		})
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to set entity embedding")
		return fmt.Errorf("failed to set entity embedding: %w", err)
	}
	return nil
}

// ListEntityTypes returns the distinct entity types present for a tenant,
// sorted, the partitions a batch dedup run walks.
func (s *EntityService) ListEntityTypes(ctx context.Context, tenantID string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.ListEntityTypes")
	defer span.End()

	query := `MATCH (e:Entity {tenant_id: $tenant_id})
		WHERE e.entity_type IS NOT NULL
		RETURN DISTINCT e.entity_type AS entity_type
		ORDER BY entity_type`

	result, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"tenant_id": tenantID})
		if err != nil {
			return nil, err
		}

		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}

		types := make([]string, 0, len(records))
		for _, record := range records {
			if v, ok := record.Get("entity_type"); ok {
				if t, ok := v.(string); ok {
					types = append(types, t)
				}
			}
		}
		return types, nil
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list entity types")
		return nil, fmt.Errorf("failed to list entity types: %w", err)
	}

	return result.([]string), nil
}

// EntitiesMissingEmbedding returns entities of one type that still need an
// embedding, bounded by limit.
func (s *EntityService) EntitiesMissingEmbedding(ctx context.Context, tenantID string, entityType string, limit int) ([]*EntityNode, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.EntitiesMissingEmbedding")
	defer span.End()

	query := `MATCH (e:Entity {tenant_id: $tenant_id, entity_type: $entity_type})
		WHERE e.embedding IS NULL AND e.name IS NOT NULL
		RETURN e.id AS id, e.name AS name
		LIMIT $limit`

	result, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"tenant_id":   tenantID,
			"entity_type": entityType,
			"limit":       limit,
		})
		if err != nil {
			return nil, err
		}

		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}

		nodes := make([]*EntityNode, 0, len(records))
		for _, record := range records {
			node := &EntityNode{TenantID: tenantID, EntityType: entityType}
			if v, ok := record.Get("id"); ok {
				node.ID, _ = v.(string)
			}
			if v, ok := record.Get("name"); ok {
				node.Name, _ = v.(string)
			}
			nodes = append(nodes, node)
		}
		return nodes, nil
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list entities missing embeddings")
		return nil, fmt.Errorf("failed to list entities missing embeddings: %w", err)
	}

	return result.([]*EntityNode), nil
}

// FindSimilar runs a nearest-neighbor search over one entity-type partition
// and returns up to topK hits scoring at least minScore. The backend has no
// vector index, so similarity is computed over the partition's stored
// embeddings.
func (s *EntityService) FindSimilar(ctx context.Context, tenantID string, entityType string, embedding []float64, topK int, minScore float64) ([]SimilarEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.FindSimilar")
	defer span.End()

	candidates, err := s.ListWithEmbeddings(ctx, tenantID, entityType)
	if err != nil {
		return nil, err
	}

	hits := make([]SimilarEntity, 0, len(candidates))
	for _, candidate := range candidates {
		score := cosine(embedding, candidate.Embedding)
		if score >= minScore {
			hits = append(hits, SimilarEntity{ID: candidate.ID, Name: candidate.Name, Score: score})
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

// ListWithEmbeddings returns every embedded entity in one type partition,
// ordered by id for deterministic scans.
func (s *EntityService) ListWithEmbeddings(ctx context.Context, tenantID string, entityType string) ([]*EntityNode, error) {
	query := `MATCH (e:Entity {tenant_id: $tenant_id, entity_type: $entity_type})
		WHERE e.embedding IS NOT NULL
		RETURN e.id AS id, e.name AS name, e.embedding AS embedding
		ORDER BY id`

	result, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"tenant_id":   tenantID,
			"entity_type": entityType,
		})
		if err != nil {
			return nil, err
		}

		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}

		nodes := make([]*EntityNode, 0, len(records))
		for _, record := range records {
			node := &EntityNode{TenantID: tenantID, EntityType: entityType}
			if v, ok := record.Get("id"); ok {
				node.ID, _ = v.(string)
			}
			if v, ok := record.Get("name"); ok {
				node.Name, _ = v.(string)
			}
			if v, ok := record.Get("embedding"); ok {
				node.Embedding = toFloat64Slice(v)
			}
			nodes = append(nodes, node)
		}
		return nodes, nil
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list entities with embeddings")
		return nil, fmt.Errorf("failed to list entities with embeddings: %w", err)
	}

	return result.([]*EntityNode), nil
}

// EdgeSignatures returns the distinct (type, neighbor) pairs attached to an
// entity, in either direction.
func (s *EntityService) EdgeSignatures(ctx context.Context, tenantID string, entityID string) ([]EdgeSignature, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.EdgeSignatures")
	defer span.End()

	query := `MATCH (e {id: $id, tenant_id: $tenant_id})-[r]-(o)
		RETURN DISTINCT type(r) AS rel_type, o.id AS other_id`

	result, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"id":        entityID,
			"tenant_id": tenantID,
		})
		if err != nil {
			return nil, err
		}

		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}

		sigs := make([]EdgeSignature, 0, len(records))
		for _, record := range records {
			var sig EdgeSignature
			if v, ok := record.Get("rel_type"); ok {
				sig.Type, _ = v.(string)
			}
			if v, ok := record.Get("other_id"); ok {
				sig.OtherID, _ = v.(string)
			}
			sigs = append(sigs, sig)
		}
		return sigs, nil
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to read edge signatures")
		return nil, fmt.Errorf("failed to read edge signatures: %w", err)
	}

	return result.([]EdgeSignature), nil
}

// CountEdges returns the number of distinct (type, neighbor) edges on an
// entity.
func (s *EntityService) CountEdges(ctx context.Context, tenantID string, entityID string) (int, error) {
	sigs, err := s.EdgeSignatures(ctx, tenantID, entityID)
	if err != nil {
		return 0, err
	}
	return len(sigs), nil
}

// MergeNodes folds duplicate into survivor inside one write transaction:
// every edge of the duplicate is re-created on the survivor (existing edges
// of the same type and target combine rather than duplicate, direct edges
// between the pair collapse to one self-reference), properties merge
// first-writer-wins, then the duplicate is deleted. Before committing, the
// survivor's distinct edge count is checked against expectedEdgeCount; a
// mismatch aborts the whole transaction with errs.MergeIntegrityError.
func (s *EntityService) MergeNodes(ctx context.Context, tenantID string, survivorID string, duplicateID string, expectedEdgeCount int) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.MergeNodes")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":    tenantID,
		"survivor_id":  survivorID,
		"duplicate_id": duplicateID,
	})

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		survivorProps, err := nodeProps(ctx, tx, tenantID, survivorID)
		if err != nil {
			return nil, err
		}

		duplicateProps, err := nodeProps(ctx, tx, tenantID, duplicateID)
		if err != nil {
			return nil, err
		}

		// Identities without graph presence have nothing to fold. A missing
		// duplicate node also covers a previously folded one.
		if duplicateProps == nil {
			return nil, nil
		}

		// The duplicate has edges worth keeping but the survivor was never
		// written to the graph. Materialize it so re-targeting has a home.
		if survivorProps == nil {
			if _, err := tx.Run(ctx, `MERGE (s:Entity {id: $id, tenant_id: $tenant_id})`,
				map[string]any{"id": survivorID, "tenant_id": tenantID}); err != nil {
				return nil, err
			}
			survivorProps = map[string]any{"id": survivorID, "tenant_id": tenantID}
		}

		// Re-target the duplicate's edges onto the survivor.
		res, err := tx.Run(ctx, `MATCH (d {id: $id, tenant_id: $tenant_id})-[r]-(o)
			RETURN DISTINCT type(r) AS rel_type, o.id AS other_id,
				startNode(r).id = $id AS outgoing`,
			map[string]any{"id": duplicateID, "tenant_id": tenantID})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}

		for _, record := range records {
			relType := ""
			otherID := ""
			outgoing := true
			if v, ok := record.Get("rel_type"); ok {
				relType, _ = v.(string)
			}
			if v, ok := record.Get("other_id"); ok {
				otherID, _ = v.(string)
			}
			if v, ok := record.Get("outgoing"); ok {
				outgoing, _ = v.(bool)
			}

			if otherID == duplicateID || otherID == survivorID {
				// Direct edges between the pair become one self-reference.
				otherID = survivorID
			}

			pattern := fmt.Sprintf("MERGE (s)-[:%s]->(o)", sanitizeLabel(relType))
			if !outgoing {
				pattern = fmt.Sprintf("MERGE (o)-[:%s]->(s)", sanitizeLabel(relType))
			}
			query := `MATCH (s {id: $survivor_id, tenant_id: $tenant_id})
				MATCH (o {id: $other_id, tenant_id: $tenant_id}) ` + pattern

			if _, err := tx.Run(ctx, query, map[string]any{
				"survivor_id": survivorID,
				"other_id":    otherID,
				"tenant_id":   tenantID,
			}); err != nil {
				return nil, err
			}
		}

		// First-writer-wins property merge: the survivor keeps its values,
		// the duplicate only fills gaps.
		merged := duplicateProps
		for k, v := range survivorProps {
			merged[k] = v
		}
		merged["id"] = survivorID
		if _, err := tx.Run(ctx, `MATCH (s {id: $id, tenant_id: $tenant_id}) SET s = $props`,
			map[string]any{"id": survivorID, "tenant_id": tenantID, "props": merged}); err != nil {
			return nil, err
		}

		if _, err := tx.Run(ctx, `MATCH (d {id: $id, tenant_id: $tenant_id}) DETACH DELETE d`,
			map[string]any{"id": duplicateID, "tenant_id": tenantID}); err != nil {
			return nil, err
		}

		// Integrity check: abort the transaction on any mismatch so both
		// nodes remain intact.
		countRes, err := tx.Run(ctx, `MATCH (s {id: $id, tenant_id: $tenant_id})-[r]-(o)
			RETURN count(DISTINCT [type(r), o.id]) AS edge_count`,
			map[string]any{"id": survivorID, "tenant_id": tenantID})
		if err != nil {
			return nil, err
		}
		countRecord, err := countRes.Single(ctx)
		if err != nil {
			return nil, err
		}
		actual := 0
		if v, ok := countRecord.Get("edge_count"); ok {
			if n, ok := v.(int64); ok {
				actual = int(n)
			}
		}

		if actual != expectedEdgeCount {
			return nil, &errs.MergeIntegrityError{
				SurvivorID:  survivorID,
				DuplicateID: duplicateID,
				Check:       "graph_edge_count",
				Expected:    expectedEdgeCount,
				Actual:      actual,
			}
		}

		return nil, nil
	})
	if err != nil {
		if errs.IsMergeIntegrity(err) {
			log.WithError(err).Error("graph merge aborted by integrity check")
		}
		return err
	}

	log.WithField("edge_count", expectedEdgeCount).Info("merged graph nodes")
	return nil
}

func nodeProps(ctx context.Context, tx neo4j.ManagedTransaction, tenantID string, id string) (map[string]any, error) {
	res, err := tx.Run(ctx, `MATCH (n {id: $id, tenant_id: $tenant_id}) RETURN properties(n) AS props`,
		map[string]any{"id": id, "tenant_id": tenantID})
	if err != nil {
		return nil, err
	}
	records, err := res.Collect(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	if v, ok := records[0].Get("props"); ok {
		if props, ok := v.(map[string]any); ok {
			return props, nil
		}
	}
	return map[string]any{}, nil
}

func toFloat64Slice(v any) []float64 {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(list))
	for _, item := range list {
		if f, ok := item.(float64); ok {
			out = append(out, f)
		}
	}
	return out
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
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(0, math.Min(1, sim))
}
