package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neurolm/engram/internal/embedding"
)

// CreateRequest carries the caller-supplied fields for a new memory.
type CreateRequest struct {
	Content    string
	Confidence float64
	UserID     string
	Topic      string
	Subtopic   string
	Category   Category
}

// Service owns memory writes: embedding, category detection, persistence
// and similarity linking.
type Service struct {
	repo     Repository
	provider embedding.Provider
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a memory service.
func NewService(repo Repository, provider embedding.Provider, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		provider: provider,
		logger:   logger,
		now:      time.Now,
	}
}

// Create embeds the content, persists the memory and links it to similar
// memories of the same user. An unavailable embedding provider degrades to
// a zero vector instead of failing the write.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Memory, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("memory content is empty")
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	confidence := req.Confidence
	if confidence <= 0 {
		confidence = 1.0
	}
	if confidence > 1.0 {
		confidence = 1.0
	}

	category := req.Category
	if category == "" {
		category = DetectCategory(content)
	} else if !category.Valid() {
		return nil, fmt.Errorf("unknown category %q", category)
	}

	vec, err := s.provider.Embed(ctx, content)
	if err != nil {
		s.logger.Warn("embedding provider unavailable, storing zero vector",
			zap.String("user_id", req.UserID),
			zap.Error(err))
		vec = embedding.ZeroVector(s.provider.Dimensions())
	}

	m := &Memory{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		Content:    content,
		Confidence: confidence,
		Category:   category,
		Topic:      strings.ToLower(strings.TrimSpace(req.Topic)),
		Subtopic:   strings.ToLower(strings.TrimSpace(req.Subtopic)),
		Embedding:  vec,
		Timestamp:  s.now(),
	}

	if err := s.repo.CreateMemory(ctx, m); err != nil {
		return nil, fmt.Errorf("persist memory: %w", err)
	}

	// Linking is best-effort; a failed scan never fails the write.
	if linked, err := s.LinkSimilar(ctx, m.ID, m.Embedding, m.UserID); err != nil {
		s.logger.Warn("similarity linking failed",
			zap.String("memory_id", m.ID),
			zap.Error(err))
	} else if linked > 0 {
		s.logger.Debug("linked similar memories",
			zap.String("memory_id", m.ID),
			zap.Int("edges", linked))
	}

	return m, nil
}

// Get returns a memory by id, or nil when absent.
func (s *Service) Get(ctx context.Context, id string) (*Memory, error) {
	return s.repo.GetMemory(ctx, id)
}

// Delete removes a memory by id. Reports whether anything was deleted.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := s.repo.DeleteMemory(ctx, id)
	if err != nil {
		s.logger.Error("delete memory failed", zap.String("memory_id", id), zap.Error(err))
		return false, err
	}
	return deleted, nil
}

// Reinforce bumps confidence and the reinforcement counter by amount.
func (s *Service) Reinforce(ctx context.Context, id string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("reinforcement amount must be positive")
	}
	return s.repo.Reinforce(ctx, id, amount)
}

// LinkSimilar scans the user's existing memories and merges a symmetric
// RELATES_TO edge for every candidate at or above LinkThreshold. Returns
// the number of edges written. O(n) in the user's memory count.
func (s *Service) LinkSimilar(ctx context.Context, memoryID string, vec []float32, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}

	candidates, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list user memories: %w", err)
	}

	now := s.now()
	linked := 0
	for _, candidate := range candidates {
		if candidate.ID == memoryID || len(candidate.Embedding) == 0 {
			continue
		}
		score := embedding.Cosine(vec, candidate.Embedding)
		if score < LinkThreshold {
			continue
		}
		if err := s.repo.UpsertRelationship(ctx, memoryID, candidate.ID, score, now); err != nil {
			return linked, fmt.Errorf("upsert relationship: %w", err)
		}
		linked++
	}
	return linked, nil
}

// TopicOverview summarizes the user's memories grouped by topic.
func (s *Service) TopicOverview(ctx context.Context, userID string) ([]*TopicStats, error) {
	if userID == "" {
		return nil, nil
	}
	return s.repo.TopicOverview(ctx, userID)
}
