package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryRepository is a map-backed Repository used by tests and by the
// offline CLI mode. Safe for concurrent use.
type InMemoryRepository struct {
	mu       sync.RWMutex
	memories map[string]*Memory
	edges    map[string]*Relationship
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		memories: make(map[string]*Memory),
		edges:    make(map[string]*Relationship),
	}
}

func (r *InMemoryRepository) CreateMemory(_ context.Context, m *Memory) error {
	if m.ID == "" {
		return fmt.Errorf("memory id is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.memories[m.ID]; exists {
		return fmt.Errorf("memory %s already exists", m.ID)
	}
	clone := *m
	r.memories[m.ID] = &clone
	return nil
}

func (r *InMemoryRepository) GetMemory(_ context.Context, id string) (*Memory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.memories[id]
	if !ok {
		return nil, nil
	}
	clone := *m
	return &clone, nil
}

func (r *InMemoryRepository) DeleteMemory(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.memories[id]; !ok {
		return false, nil
	}
	delete(r.memories, id)
	for key, edge := range r.edges {
		if edge.MemoryA == id || edge.MemoryB == id {
			delete(r.edges, key)
		}
	}
	return true, nil
}

func (r *InMemoryRepository) ListAll(_ context.Context) ([]*Memory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(*Memory) bool { return true }), nil
}

func (r *InMemoryRepository) ListByUser(_ context.Context, userID string) ([]*Memory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(m *Memory) bool { return m.UserID == userID }), nil
}

func (r *InMemoryRepository) ListByTopic(_ context.Context, userID, topic, subtopic string) ([]*Memory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(m *Memory) bool {
		if m.UserID != userID {
			return false
		}
		if !strings.EqualFold(m.Topic, topic) {
			return false
		}
		if subtopic != "" && !strings.EqualFold(m.Subtopic, subtopic) {
			return false
		}
		return true
	}), nil
}

func (r *InMemoryRepository) UpsertRelationship(_ context.Context, aID, bID string, similarity float64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.memories[aID]; !ok {
		return fmt.Errorf("memory %s not found", aID)
	}
	if _, ok := r.memories[bID]; !ok {
		return fmt.Errorf("memory %s not found", bID)
	}
	key := edgeKey(aID, bID)
	r.edges[key] = &Relationship{
		MemoryA:    min(aID, bID),
		MemoryB:    max(aID, bID),
		Similarity: similarity,
		CreatedAt:  at,
	}
	return nil
}

func (r *InMemoryRepository) Relationships(_ context.Context, memoryID string) ([]*Relationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Relationship
	for _, edge := range r.edges {
		if edge.MemoryA == memoryID || edge.MemoryB == memoryID {
			clone := *edge
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MemoryA != out[j].MemoryA {
			return out[i].MemoryA < out[j].MemoryA
		}
		return out[i].MemoryB < out[j].MemoryB
	})
	return out, nil
}

func (r *InMemoryRepository) UpdateConfidence(_ context.Context, id string, value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.memories[id]
	if !ok {
		return fmt.Errorf("memory %s not found", id)
	}
	m.Confidence = value
	return nil
}

func (r *InMemoryRepository) Reinforce(_ context.Context, id string, amount float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.memories[id]
	if !ok {
		return fmt.Errorf("memory %s not found", id)
	}
	m.Confidence += amount
	if m.Confidence > 1.0 {
		m.Confidence = 1.0
	}
	m.Reinforcement += amount
	return nil
}

func (r *InMemoryRepository) LowestConfidence(_ context.Context, limit int) ([]*Memory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.collect(func(*Memory) bool { return true })
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Confidence != all[j].Confidence {
			return all[i].Confidence < all[j].Confidence
		}
		return all[i].ID < all[j].ID
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *InMemoryRepository) MarkDecayed(_ context.Context, threshold float64, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stamped := 0
	for _, m := range r.memories {
		if m.Confidence <= threshold && m.DecayedAt == nil {
			t := at
			m.DecayedAt = &t
			stamped++
		}
	}
	return stamped, nil
}

func (r *InMemoryRepository) CountMemories(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.memories), nil
}

func (r *InMemoryRepository) TopicOverview(_ context.Context, userID string) ([]*TopicStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type agg struct {
		count     int
		sum       float64
		subtopics map[string]struct{}
	}
	byTopic := make(map[string]*agg)
	for _, m := range r.memories {
		if m.UserID != userID || m.Topic == "" {
			continue
		}
		topic := strings.ToLower(m.Topic)
		a, ok := byTopic[topic]
		if !ok {
			a = &agg{subtopics: make(map[string]struct{})}
			byTopic[topic] = a
		}
		a.count++
		a.sum += m.Confidence
		if m.Subtopic != "" {
			a.subtopics[strings.ToLower(m.Subtopic)] = struct{}{}
		}
	}

	out := make([]*TopicStats, 0, len(byTopic))
	for topic, a := range byTopic {
		subs := make([]string, 0, len(a.subtopics))
		for s := range a.subtopics {
			subs = append(subs, s)
		}
		sort.Strings(subs)
		out = append(out, &TopicStats{
			Topic:         topic,
			MemoryCount:   a.count,
			SubtopicCount: len(subs),
			AvgConfidence: a.sum / float64(a.count),
			Subtopics:     subs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

func (r *InMemoryRepository) collect(keep func(*Memory) bool) []*Memory {
	out := make([]*Memory, 0, len(r.memories))
	for _, m := range r.memories {
		if keep(m) {
			clone := *m
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func edgeKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}
