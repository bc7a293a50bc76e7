package memory

import (
	"strings"
	"time"
)

const (
	// LinkThreshold is the minimum cosine similarity for a RELATES_TO edge.
	LinkThreshold = 0.7

	// ForgetThreshold marks a memory as decayed once confidence falls to it.
	ForgetThreshold = 0.1

	// ConfidenceFloor is the lowest value decay may drive confidence to.
	ConfidenceFloor = 0.1
)

// Category classifies a memory. The set is closed; switches over it are
// exhaustive so a new category cannot fall through silently.
type Category string

const (
	CategorySocialOrganizational Category = "social_organizational"
	CategoryEconomic             Category = "economic"
	CategoryTechnicalIssue       Category = "technical_issue"
	CategoryDocumentRelated      Category = "document_related"
	CategoryGeneralKnowledge     Category = "general_knowledge"
)

// Categories lists every valid category.
func Categories() []Category {
	return []Category{
		CategorySocialOrganizational,
		CategoryEconomic,
		CategoryTechnicalIssue,
		CategoryDocumentRelated,
		CategoryGeneralKnowledge,
	}
}

// Valid reports whether c is a member of the closed category set.
func (c Category) Valid() bool {
	switch c {
	case CategorySocialOrganizational, CategoryEconomic, CategoryTechnicalIssue,
		CategoryDocumentRelated, CategoryGeneralKnowledge:
		return true
	}
	return false
}

// categoryKeywords drives auto-detection at creation time. Matching is on
// whole words so "met" never fires on "method". First category with a hit
// wins; order matters.
var categoryKeywords = []struct {
	category Category
	keywords []string
}{
	{CategorySocialOrganizational, []string{
		"meet", "meets", "meeting", "meetings", "met", "appointment",
		"birthday", "party", "friend", "friends", "family", "colleague",
		"colleagues", "team", "schedule",
	}},
	{CategoryEconomic, []string{
		"price", "prices", "cost", "costs", "budget", "invoice",
		"payment", "salary", "money", "buy", "bought", "sell", "sold",
		"expense", "expenses", "euro", "dollar",
	}},
	{CategoryTechnicalIssue, []string{
		"error", "errors", "bug", "bugs", "crash", "crashed", "broken",
		"fix", "fixed", "failed", "failure", "timeout", "server",
		"deploy", "deployment", "install", "config",
	}},
	{CategoryDocumentRelated, []string{
		"document", "documents", "file", "files", "pdf", "report",
		"reports", "chapter", "page", "uploaded", "attachment",
	}},
}

// DetectCategory picks a category from content keywords. Content without a
// keyword hit falls back to general knowledge.
func DetectCategory(content string) Category {
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		words[w] = struct{}{}
	}
	for _, rule := range categoryKeywords {
		for _, kw := range rule.keywords {
			if _, ok := words[kw]; ok {
				return rule.category
			}
		}
	}
	return CategoryGeneralKnowledge
}

// Memory is a stored unit of content with confidence, category, embedding
// and topic scoping, owned by a user.
type Memory struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Content       string     `json:"content"`
	Confidence    float64    `json:"confidence"`
	Category      Category   `json:"category"`
	Topic         string     `json:"topic,omitempty"`
	Subtopic      string     `json:"subtopic,omitempty"`
	Embedding     []float32  `json:"-"`
	Reinforcement float64    `json:"reinforcement"`
	Timestamp     time.Time  `json:"timestamp"`
	DecayedAt     *time.Time `json:"decayed_at,omitempty"`
}

// Age returns how long the memory has existed relative to now.
func (m *Memory) Age(now time.Time) time.Duration {
	return now.Sub(m.Timestamp)
}

// Relationship is a symmetric RELATES_TO edge between two memories of the
// same user.
type Relationship struct {
	MemoryA    string
	MemoryB    string
	Similarity float64
	CreatedAt  time.Time
}

// TopicStats summarizes the memories filed under one topic.
type TopicStats struct {
	Topic         string   `json:"topic"`
	MemoryCount   int      `json:"memory_count"`
	SubtopicCount int      `json:"subtopic_count"`
	AvgConfidence float64  `json:"avg_confidence"`
	Subtopics     []string `json:"subtopics,omitempty"`
}
