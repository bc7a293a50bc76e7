// Package retrieval ranks a user's memories against a query, combining
// embedding similarity with a short-lived recency boost.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/neurolm/engram/internal/embedding"
	"github.com/neurolm/engram/internal/links"
	"github.com/neurolm/engram/internal/memory"
)

// Scope controls how wide a retrieval searches.
type Scope string

const (
	// ScopeConversation returns nothing. Fresh conversations carry no
	// memory context.
	ScopeConversation Scope = "conversation"

	// ScopeTopic restricts candidates to the current topic and subtopic.
	ScopeTopic Scope = "topic"

	// ScopeExplicitAll searches the user's entire history.
	ScopeExplicitAll Scope = "explicit_all"
)

const (
	// DefaultDepth is the primary result count when the caller gives none.
	DefaultDepth = 5

	// maxSupplemental caps the cross-topic memories appended after the
	// ranked set.
	maxSupplemental = 2

	// recencyBoostMax is the largest similarity bonus a brand-new memory
	// receives. It fades linearly to zero over recencyBoostWindow.
	recencyBoostMax    = 0.10
	recencyBoostWindow = 24 * time.Hour

	// reinforceAmount is added to each primary hit's confidence, so
	// retrieval itself counts as use.
	reinforceAmount = 0.1
)

// LinkSource supplies cross-topic links for supplemental results.
type LinkSource interface {
	RecentForTopic(ctx context.Context, topic, userID string, limit int) ([]*links.Link, error)
}

// Result is a retrieved memory with its boosted score. Supplemental
// results arrive via cross-topic links and carry no score.
type Result struct {
	Memory       *memory.Memory `json:"memory"`
	Score        float64        `json:"score"`
	Supplemental bool           `json:"supplemental,omitempty"`
}

// Request describes one retrieval.
type Request struct {
	Query           string
	UserID          string
	Depth           int
	CurrentTopic    string
	CurrentSubtopic string
	Scope           Scope
}

// Engine ranks memories for retrieval requests.
type Engine struct {
	repo     memory.Repository
	provider embedding.Provider
	links    LinkSource
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates a retrieval engine. links may be nil, which disables
// supplemental results.
func NewEngine(repo memory.Repository, provider embedding.Provider, linkSource LinkSource, logger *zap.Logger) *Engine {
	return &Engine{
		repo:     repo,
		provider: provider,
		links:    linkSource,
		logger:   logger,
		now:      time.Now,
	}
}

// Retrieve returns the most relevant memories for the request, ordered
// best-first, at most Depth primary results plus up to two supplemental
// cross-topic memories. A missing user id yields no results.
func (e *Engine) Retrieve(ctx context.Context, req Request) ([]Result, error) {
	if req.UserID == "" {
		return nil, nil
	}
	if req.Scope == ScopeConversation {
		return nil, nil
	}

	depth := req.Depth
	if depth <= 0 {
		depth = DefaultDepth
	}

	scope := e.resolveScope(req)

	candidates, err := e.candidates(ctx, req, scope)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return e.appendSupplemental(ctx, req, scope, nil)
	}

	queryVec, err := e.provider.Embed(ctx, req.Query)
	if err != nil {
		e.logger.Warn("query embedding failed, scoring without similarity",
			zap.String("user_id", req.UserID),
			zap.Error(err))
		queryVec = embedding.ZeroVector(e.provider.Dimensions())
	}

	now := e.now()
	results := make([]Result, 0, len(candidates))
	for _, m := range candidates {
		if len(m.Embedding) == 0 {
			continue
		}
		score := embedding.Cosine(queryVec, m.Embedding) + e.recencyBoost(m, now)
		if score > 1.0 {
			score = 1.0
		}
		results = append(results, Result{Memory: m, Score: score})
	}

	// Equal scores break on newest timestamp, then id, keeping the order
	// stable across runs.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		ti, tj := results[i].Memory.Timestamp, results[j].Memory.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})

	if len(results) > depth {
		results = results[:depth]
	}

	e.reinforce(ctx, results)

	return e.appendSupplemental(ctx, req, scope, results)
}

// resolveScope applies the default rule: topic when a current topic is
// given, otherwise the whole history.
func (e *Engine) resolveScope(req Request) Scope {
	switch req.Scope {
	case ScopeConversation, ScopeTopic, ScopeExplicitAll:
		return req.Scope
	}
	if strings.TrimSpace(req.CurrentTopic) != "" {
		return ScopeTopic
	}
	return ScopeExplicitAll
}

func (e *Engine) candidates(ctx context.Context, req Request, scope Scope) ([]*memory.Memory, error) {
	if scope == ScopeTopic && strings.TrimSpace(req.CurrentTopic) != "" {
		return e.repo.ListByTopic(ctx, req.UserID, req.CurrentTopic, req.CurrentSubtopic)
	}
	return e.repo.ListByUser(ctx, req.UserID)
}

func (e *Engine) recencyBoost(m *memory.Memory, now time.Time) float64 {
	age := now.Sub(m.Timestamp)
	if age < 0 {
		age = 0
	}
	if age >= recencyBoostWindow {
		return 0
	}
	return recencyBoostMax * (1 - float64(age)/float64(recencyBoostWindow))
}

// reinforce bumps each primary hit. Best-effort; a store failure is logged
// and never fails the retrieval.
func (e *Engine) reinforce(ctx context.Context, results []Result) {
	for _, res := range results {
		if err := e.repo.Reinforce(ctx, res.Memory.ID, reinforceAmount); err != nil {
			e.logger.Warn("reinforce on retrieval failed",
				zap.String("memory_id", res.Memory.ID),
				zap.Error(err))
		}
	}
}

// appendSupplemental adds up to two cross-topic memories linked to the
// current topic. They are ordered by link recency, not re-ranked.
func (e *Engine) appendSupplemental(ctx context.Context, req Request, scope Scope, results []Result) ([]Result, error) {
	if e.links == nil || scope != ScopeTopic || strings.TrimSpace(req.CurrentTopic) == "" {
		return results, nil
	}

	seen := make(map[string]struct{}, len(results))
	for _, res := range results {
		seen[res.Memory.ID] = struct{}{}
	}

	// Over-fetch so links to already-present or deleted memories still
	// leave room for two supplements.
	linked, err := e.links.RecentForTopic(ctx, req.CurrentTopic, req.UserID, maxSupplemental+len(results))
	if err != nil {
		e.logger.Warn("cross-topic link lookup failed",
			zap.String("topic", req.CurrentTopic),
			zap.Error(err))
		return results, nil
	}

	added := 0
	for _, link := range linked {
		if added >= maxSupplemental {
			break
		}
		if _, ok := seen[link.SourceMemoryID]; ok {
			continue
		}
		m, err := e.repo.GetMemory(ctx, link.SourceMemoryID)
		if err != nil || m == nil {
			continue
		}
		seen[m.ID] = struct{}{}
		results = append(results, Result{Memory: m, Supplemental: true})
		added++
	}

	return results, nil
}
