package memory

import (
	"context"
	"time"
)

// Repository is the persistence contract for memories and their
// relationships. Retrieval and decay are written against this interface so
// they can be tested with the in-memory implementation.
type Repository interface {
	// CreateMemory persists m, linking it to its owning user.
	CreateMemory(ctx context.Context, m *Memory) error

	// GetMemory returns the memory by id, or nil when it does not exist.
	GetMemory(ctx context.Context, id string) (*Memory, error)

	// DeleteMemory removes a memory and its edges. Reports whether a
	// memory was actually deleted.
	DeleteMemory(ctx context.Context, id string) (bool, error)

	// ListAll returns every memory in the store.
	ListAll(ctx context.Context) ([]*Memory, error)

	// ListByUser returns all memories owned by userID.
	ListByUser(ctx context.Context, userID string) ([]*Memory, error)

	// ListByTopic returns the user's memories filed under topic,
	// optionally narrowed by subtopic. Matching is case-insensitive.
	ListByTopic(ctx context.Context, userID, topic, subtopic string) ([]*Memory, error)

	// UpsertRelationship merges a symmetric RELATES_TO edge between two
	// memories, refreshing similarity and timestamp on re-link.
	UpsertRelationship(ctx context.Context, aID, bID string, similarity float64, at time.Time) error

	// Relationships returns the edges touching the given memory.
	Relationships(ctx context.Context, memoryID string) ([]*Relationship, error)

	// UpdateConfidence sets a memory's confidence to value.
	UpdateConfidence(ctx context.Context, id string, value float64) error

	// Reinforce raises confidence by amount (clamped to 1.0) and adds the
	// same amount to the cumulative reinforcement counter.
	Reinforce(ctx context.Context, id string, amount float64) error

	// LowestConfidence returns up to limit memories ordered by ascending
	// confidence.
	LowestConfidence(ctx context.Context, limit int) ([]*Memory, error)

	// MarkDecayed stamps decayed_at on every memory whose confidence is at
	// or below threshold and has no stamp yet. Returns how many were
	// stamped.
	MarkDecayed(ctx context.Context, threshold float64, at time.Time) (int, error)

	// CountMemories returns the total number of stored memories.
	CountMemories(ctx context.Context) (int, error)

	// TopicOverview summarizes the user's memories grouped by topic.
	TopicOverview(ctx context.Context, userID string) ([]*TopicStats, error)
}
