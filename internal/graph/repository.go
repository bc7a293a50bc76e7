// Package graph implements the memory repository on Neo4j. One session per
// call; the database's own transaction isolation governs concurrent writers.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/neurolm/engram/internal/memory"
)

// Repository persists memories, users and RELATES_TO edges in Neo4j.
type Repository struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewRepository connects to Neo4j and applies schema constraints.
func NewRepository(ctx context.Context, uri, user, password string, logger *zap.Logger) (*Repository, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}

	r := &Repository{driver: driver, logger: logger}
	if err := r.ensureSchema(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	return r, nil
}

// Close shuts down the underlying driver.
func (r *Repository) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

func (r *Repository) ensureSchema(ctx context.Context) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	statements := []string{
		"CREATE CONSTRAINT user_id IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE",
		"CREATE CONSTRAINT memory_id IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE",
		"CREATE CONSTRAINT topic_id IF NOT EXISTS FOR (t:Topic) REQUIRE t.id IS UNIQUE",
		"CREATE CONSTRAINT connection_id IF NOT EXISTS FOR (c:Connection) REQUIRE c.id IS UNIQUE",
		"CREATE INDEX memory_category IF NOT EXISTS FOR (m:Memory) ON (m.category)",
		"CREATE INDEX memory_confidence IF NOT EXISTS FOR (m:Memory) ON (m.confidence)",
		"CREATE INDEX user_username IF NOT EXISTS FOR (u:User) ON (u.username)",
	}
	for _, stmt := range statements {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}

// CreateMemory persists a memory node and its HAS_MEMORY edge.
func (r *Repository) CreateMemory(ctx context.Context, m *memory.Memory) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MERGE (u:User {id: $userID})
		CREATE (m:Memory {
			id: $id,
			content: $content,
			confidence: $confidence,
			category: $category,
			topic: $topic,
			subtopic: $subtopic,
			embedding: $embedding,
			reinforcement: $reinforcement,
			timestamp: datetime($timestamp)
		})
		CREATE (u)-[:HAS_MEMORY]->(m)
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"userID":        m.UserID,
		"id":            m.ID,
		"content":       m.Content,
		"confidence":    m.Confidence,
		"category":      string(m.Category),
		"topic":         m.Topic,
		"subtopic":      m.Subtopic,
		"embedding":     encodeVector(m.Embedding),
		"reinforcement": m.Reinforcement,
		"timestamp":     m.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to create memory: %w", err)
	}

	r.logger.Debug("memory created",
		zap.String("memory_id", m.ID),
		zap.String("user_id", m.UserID),
		zap.String("category", string(m.Category)),
	)
	return nil
}

const memoryReturn = `
	RETURN m.id as id, m.content as content, m.confidence as confidence,
	       m.category as category, m.topic as topic, m.subtopic as subtopic,
	       m.embedding as embedding, m.reinforcement as reinforcement,
	       m.timestamp as timestamp, m.decayed_at as decayed_at,
	       u.id as user_id
`

// GetMemory returns the memory by id, or nil when absent.
func (r *Repository) GetMemory(ctx context.Context, id string) (*memory.Memory, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (m:Memory {id: $id})
		OPTIONAL MATCH (u:User)-[:HAS_MEMORY]->(m)
	` + memoryReturn

	result, err := session.Run(ctx, query, map[string]interface{}{"id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to get memory: %w", err)
	}

	if result.Next(ctx) {
		return memoryFromRecord(result.Record()), nil
	}
	return nil, nil
}

// DeleteMemory removes the memory node and its edges.
func (r *Repository) DeleteMemory(ctx context.Context, id string) (bool, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MATCH (m:Memory {id: $id})
		DETACH DELETE m
		RETURN count(m) as deleted
	`

	result, err := session.Run(ctx, query, map[string]interface{}{"id": id})
	if err != nil {
		return false, fmt.Errorf("failed to delete memory: %w", err)
	}

	if result.Next(ctx) {
		return getInt64FromRecord(result.Record(), "deleted") > 0, nil
	}
	return false, nil
}

// ListAll returns every memory in the store.
func (r *Repository) ListAll(ctx context.Context) ([]*memory.Memory, error) {
	query := `
		MATCH (m:Memory)
		OPTIONAL MATCH (u:User)-[:HAS_MEMORY]->(m)
	` + memoryReturn + ` ORDER BY m.id`
	return r.listMemories(ctx, query, nil)
}

// ListByUser returns all memories owned by userID.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]*memory.Memory, error) {
	query := `
		MATCH (u:User {id: $userID})-[:HAS_MEMORY]->(m:Memory)
	` + memoryReturn + ` ORDER BY m.id`
	return r.listMemories(ctx, query, map[string]interface{}{"userID": userID})
}

// ListByTopic returns the user's memories filed under topic, optionally
// narrowed by subtopic. Matching is case-insensitive.
func (r *Repository) ListByTopic(ctx context.Context, userID, topic, subtopic string) ([]*memory.Memory, error) {
	query := `
		MATCH (u:User {id: $userID})-[:HAS_MEMORY]->(m:Memory)
		WHERE toLower(m.topic) = toLower($topic)
		  AND ($subtopic = '' OR toLower(m.subtopic) = toLower($subtopic))
	` + memoryReturn + ` ORDER BY m.id`
	return r.listMemories(ctx, query, map[string]interface{}{
		"userID":   userID,
		"topic":    topic,
		"subtopic": subtopic,
	})
}

// UpsertRelationship merges a symmetric RELATES_TO pair, refreshing
// similarity and timestamp on re-link.
func (r *Repository) UpsertRelationship(ctx context.Context, aID, bID string, similarity float64, at time.Time) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MATCH (a:Memory {id: $aID})
		MATCH (b:Memory {id: $bID})
		MERGE (a)-[ab:RELATES_TO]->(b)
		SET ab.similarity = $similarity, ab.created_at = datetime($at)
		MERGE (b)-[ba:RELATES_TO]->(a)
		SET ba.similarity = $similarity, ba.created_at = datetime($at)
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"aID":        aID,
		"bID":        bID,
		"similarity": similarity,
		"at":         at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert relationship: %w", err)
	}
	return nil
}

// Relationships returns the RELATES_TO edges touching memoryID.
func (r *Repository) Relationships(ctx context.Context, memoryID string) ([]*memory.Relationship, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (a:Memory {id: $id})-[rel:RELATES_TO]->(b:Memory)
		WHERE a.id < b.id
		RETURN a.id as a_id, b.id as b_id, rel.similarity as similarity
		UNION
		MATCH (b:Memory)-[rel:RELATES_TO]->(a:Memory {id: $id})
		WHERE b.id < a.id
		RETURN b.id as a_id, a.id as b_id, rel.similarity as similarity
	`

	result, err := session.Run(ctx, query, map[string]interface{}{"id": memoryID})
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}

	var edges []*memory.Relationship
	for result.Next(ctx) {
		record := result.Record()
		edges = append(edges, &memory.Relationship{
			MemoryA:    getStringFromRecord(record, "a_id"),
			MemoryB:    getStringFromRecord(record, "b_id"),
			Similarity: getFloat64FromRecord(record, "similarity"),
		})
	}
	return edges, nil
}

// UpdateConfidence sets a memory's confidence to value.
func (r *Repository) UpdateConfidence(ctx context.Context, id string, value float64) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MATCH (m:Memory {id: $id})
		SET m.confidence = $value
		RETURN m.id as id
	`

	result, err := session.Run(ctx, query, map[string]interface{}{"id": id, "value": value})
	if err != nil {
		return fmt.Errorf("failed to update confidence: %w", err)
	}
	if !result.Next(ctx) {
		return fmt.Errorf("memory not found: %s", id)
	}
	return nil
}

// Reinforce raises confidence by amount (capped at 1.0) and adds the amount
// to the reinforcement counter.
func (r *Repository) Reinforce(ctx context.Context, id string, amount float64) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MATCH (m:Memory {id: $id})
		SET m.confidence = CASE
			WHEN m.confidence + $amount > 1.0 THEN 1.0
			ELSE m.confidence + $amount
		END,
		m.reinforcement = coalesce(m.reinforcement, 0.0) + $amount
		RETURN m.id as id
	`

	result, err := session.Run(ctx, query, map[string]interface{}{"id": id, "amount": amount})
	if err != nil {
		return fmt.Errorf("failed to reinforce memory: %w", err)
	}
	if !result.Next(ctx) {
		return fmt.Errorf("memory not found: %s", id)
	}
	return nil
}

// LowestConfidence returns up to limit memories ordered by ascending
// confidence.
func (r *Repository) LowestConfidence(ctx context.Context, limit int) ([]*memory.Memory, error) {
	if limit < 1 {
		limit = 100
	}
	query := `
		MATCH (m:Memory)
		OPTIONAL MATCH (u:User)-[:HAS_MEMORY]->(m)
	` + memoryReturn + `
		ORDER BY m.confidence ASC, m.id ASC
		LIMIT $limit
	`
	return r.listMemories(ctx, query, map[string]interface{}{"limit": limit})
}

// MarkDecayed stamps decayed_at on every unstamped memory at or below
// threshold. Returns how many were stamped.
func (r *Repository) MarkDecayed(ctx context.Context, threshold float64, at time.Time) (int, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MATCH (m:Memory)
		WHERE m.confidence <= $threshold AND m.decayed_at IS NULL
		SET m.decayed_at = datetime($at)
		RETURN count(m) as stamped
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"threshold": threshold,
		"at":        at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to mark decayed memories: %w", err)
	}
	if result.Next(ctx) {
		return int(getInt64FromRecord(result.Record(), "stamped")), nil
	}
	return 0, nil
}

// CountMemories returns the total number of stored memories.
func (r *Repository) CountMemories(ctx context.Context) (int, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, "MATCH (m:Memory) RETURN count(m) as total", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	if result.Next(ctx) {
		return int(getInt64FromRecord(result.Record(), "total")), nil
	}
	return 0, nil
}

// TopicOverview summarizes the user's memories grouped by topic.
func (r *Repository) TopicOverview(ctx context.Context, userID string) ([]*memory.TopicStats, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (u:User {id: $userID})-[:HAS_MEMORY]->(m:Memory)
		WHERE m.topic <> ''
		WITH toLower(m.topic) as topic,
		     count(m) as memory_count,
		     avg(m.confidence) as avg_confidence,
		     collect(DISTINCT toLower(m.subtopic)) as subtopics
		RETURN topic, memory_count, avg_confidence,
		       [s IN subtopics WHERE s <> ''] as subtopics
		ORDER BY topic
	`

	result, err := session.Run(ctx, query, map[string]interface{}{"userID": userID})
	if err != nil {
		return nil, fmt.Errorf("failed to get topic overview: %w", err)
	}

	var stats []*memory.TopicStats
	for result.Next(ctx) {
		record := result.Record()
		subs := getStringSliceFromRecord(record, "subtopics")
		stats = append(stats, &memory.TopicStats{
			Topic:         getStringFromRecord(record, "topic"),
			MemoryCount:   int(getInt64FromRecord(record, "memory_count")),
			SubtopicCount: len(subs),
			AvgConfidence: getFloat64FromRecord(record, "avg_confidence"),
			Subtopics:     subs,
		})
	}
	return stats, nil
}

func (r *Repository) listMemories(ctx context.Context, query string, params map[string]interface{}) ([]*memory.Memory, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}

	var memories []*memory.Memory
	for result.Next(ctx) {
		memories = append(memories, memoryFromRecord(result.Record()))
	}
	return memories, nil
}

func memoryFromRecord(record *neo4j.Record) *memory.Memory {
	m := &memory.Memory{
		ID:            getStringFromRecord(record, "id"),
		UserID:        getStringFromRecord(record, "user_id"),
		Content:       getStringFromRecord(record, "content"),
		Confidence:    getFloat64FromRecord(record, "confidence"),
		Category:      memory.Category(getStringFromRecord(record, "category")),
		Topic:         getStringFromRecord(record, "topic"),
		Subtopic:      getStringFromRecord(record, "subtopic"),
		Reinforcement: getFloat64FromRecord(record, "reinforcement"),
	}
	if vec, ok := record.Get("embedding"); ok {
		m.Embedding = decodeVector(vec)
	}
	if ts, ok := record.Get("timestamp"); ok {
		m.Timestamp = timeFromValue(ts)
	}
	if decayed, ok := record.Get("decayed_at"); ok && decayed != nil {
		t := timeFromValue(decayed)
		if !t.IsZero() {
			m.DecayedAt = &t
		}
	}
	return m
}

// encodeVector converts the embedding into a Neo4j list-of-float property.
func encodeVector(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}

func decodeVector(val interface{}) []float32 {
	list, ok := val.([]interface{})
	if !ok {
		return nil
	}
	out := make([]float32, 0, len(list))
	for _, item := range list {
		if f, ok := item.(float64); ok {
			out = append(out, float32(f))
		}
	}
	return out
}

func timeFromValue(val interface{}) time.Time {
	switch v := val.(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func getStringFromRecord(record *neo4j.Record, key string) string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return ""
}

func getInt64FromRecord(record *neo4j.Record, key string) int64 {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return 0
	}
	if i, ok := val.(int64); ok {
		return i
	}
	return 0
}

func getFloat64FromRecord(record *neo4j.Record, key string) float64 {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return 0.0
	}
	if f, ok := val.(float64); ok {
		return f
	}
	if i, ok := val.(int64); ok {
		return float64(i)
	}
	return 0.0
}

func getStringSliceFromRecord(record *neo4j.Record, key string) []string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return nil
	}
	list, ok := val.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
