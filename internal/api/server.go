// Package api exposes the memory engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/neurolm/engram/internal/decay"
	"github.com/neurolm/engram/internal/links"
	"github.com/neurolm/engram/internal/memory"
	"github.com/neurolm/engram/internal/retrieval"
)

// Version is stamped by the main package at startup.
var Version = "dev"

// Server wires the engine's operations to HTTP handlers.
type Server struct {
	memories  *memory.Service
	retriever *retrieval.Engine
	decayer   *decay.Engine
	explainer *decay.Explainer
	links     *links.Store
	repo      memory.Repository
	logger    *zap.Logger
	router    chi.Router
}

// NewServer builds the HTTP surface.
func NewServer(
	memories *memory.Service,
	retriever *retrieval.Engine,
	decayer *decay.Engine,
	explainer *decay.Explainer,
	linkStore *links.Store,
	repo memory.Repository,
	logger *zap.Logger,
) *Server {
	s := &Server{
		memories:  memories,
		retriever: retriever,
		decayer:   decayer,
		explainer: explainer,
		links:     linkStore,
		repo:      repo,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Post("/memorize", s.handleMemorize)
	r.Post("/retrieve", s.handleRetrieve)
	r.Put("/enhance/{id}", s.handleEnhance)
	r.Put("/decay", s.handleDecay)
	r.Post("/forget/{id}", s.handleForget)
	r.Get("/explain/{id}", s.handleExplain)
	r.Post("/link", s.handleLink)
	r.Get("/topics", s.handleTopics)

	s.router = r
	return s
}

// Handler returns the router for mounting.
func (s *Server) Handler() http.Handler {
	return s.router
}

type memorizeRequest struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence,omitempty"`
	UserID     string  `json:"user_id"`
	Topic      string  `json:"topic,omitempty"`
	Subtopic   string  `json:"subtopic,omitempty"`
	Category   string  `json:"category,omitempty"`
}

func (s *Server) handleMemorize(w http.ResponseWriter, r *http.Request) {
	var req memorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	m, err := s.memories.Create(r.Context(), memory.CreateRequest{
		Content:    req.Content,
		Confidence: req.Confidence,
		UserID:     req.UserID,
		Topic:      req.Topic,
		Subtopic:   req.Subtopic,
		Category:   memory.Category(req.Category),
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, m)
}

type retrieveRequest struct {
	Query           string `json:"query"`
	UserID          string `json:"user_id"`
	Depth           int    `json:"depth,omitempty"`
	CurrentTopic    string `json:"current_topic,omitempty"`
	CurrentSubtopic string `json:"current_subtopic,omitempty"`
	Scope           string `json:"scope,omitempty"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	results, err := s.retriever.Retrieve(r.Context(), retrieval.Request{
		Query:           req.Query,
		UserID:          req.UserID,
		Depth:           req.Depth,
		CurrentTopic:    req.CurrentTopic,
		CurrentSubtopic: req.CurrentSubtopic,
		Scope:           retrieval.Scope(req.Scope),
	})
	if err != nil {
		s.logger.Error("retrieval failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "retrieval failed")
		return
	}
	if results == nil {
		results = []retrieval.Result{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

type enhanceRequest struct {
	Amount float64 `json:"amount"`
}

func (s *Server) handleEnhance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req enhanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		req.Amount = 0.1
	}

	m, err := s.memories.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if m == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("memory %s not found", id))
		return
	}

	if err := s.memories.Reinforce(r.Context(), id, req.Amount); err != nil {
		s.writeError(w, http.StatusInternalServerError, "reinforce failed")
		return
	}

	updated, err := s.memories.Get(r.Context(), id)
	if err != nil || updated == nil {
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"

	report, err := s.decayer.Run(r.Context(), force)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "decay run failed")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deleted, err := s.memories.Delete(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	if !deleted {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("memory %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true, "id": id})
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	text, err := s.explainer.Explain(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "explain failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "explanation": text})
}

type linkRequest struct {
	SourceMemoryID string `json:"source_memory_id"`
	LinkedTopic    string `json:"linked_topic"`
	UserID         string `json:"user_id"`
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	link, err := s.links.Add(r.Context(), req.SourceMemoryID, req.LinkedTopic, req.UserID, time.Now())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, link)
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"topics": []*memory.TopicStats{}})
		return
	}

	topics, err := s.memories.TopicOverview(r.Context(), userID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "topic overview failed")
		return
	}
	if topics == nil {
		topics = []*memory.TopicStats{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"topics": topics})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStats is best-effort: a failing store yields zero counts, not a
// failed response.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{}

	if total, err := s.countMemories(r.Context()); err != nil {
		s.logger.Warn("memory count failed", zap.Error(err))
		stats["memories"] = 0
	} else {
		stats["memories"] = total
	}

	if s.links != nil {
		if total, err := s.links.Count(r.Context()); err != nil {
			s.logger.Warn("link count failed", zap.Error(err))
			stats["topic_links"] = 0
		} else {
			stats["topic_links"] = total
		}
	}

	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) countMemories(ctx context.Context) (int, error) {
	return s.repo.CountMemories(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
