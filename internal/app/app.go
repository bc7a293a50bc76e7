// Package app constructs and owns the engine's components: config in,
// wired services out, one Close for the lot.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/neurolm/engram/internal/api"
	"github.com/neurolm/engram/internal/config"
	"github.com/neurolm/engram/internal/decay"
	"github.com/neurolm/engram/internal/embedding"
	"github.com/neurolm/engram/internal/graph"
	"github.com/neurolm/engram/internal/links"
	"github.com/neurolm/engram/internal/llm"
	"github.com/neurolm/engram/internal/logging"
	"github.com/neurolm/engram/internal/memory"
	"github.com/neurolm/engram/internal/retrieval"
	"github.com/neurolm/engram/internal/scheduler"
)

// App holds every constructed component and its lifecycle.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Repo      memory.Repository
	Links     *links.Store
	Provider  embedding.Provider
	Memories  *memory.Service
	Retriever *retrieval.Engine
	Decayer   *decay.Engine
	Explainer *decay.Explainer
	Scheduler *scheduler.Scheduler
	Completer llm.Completer

	graphRepo *graph.Repository
	linksDB   *sql.DB
	server    *http.Server
}

// New wires the application from configuration.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	a := &App{Config: cfg, Logger: logger}

	graphRepo, err := graph.NewRepository(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, logger)
	if err != nil {
		return nil, fmt.Errorf("connect graph store: %w", err)
	}
	a.graphRepo = graphRepo
	a.Repo = graphRepo

	linksDB, err := sql.Open("sqlite3", cfg.LinksDBPath)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("open links database: %w", err)
	}
	a.linksDB = linksDB

	linkStore, err := links.NewStore(linksDB)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("migrate links store: %w", err)
	}
	a.Links = linkStore

	client := embedding.NewClient(cfg.EmbeddingBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDims)
	cache, err := embedding.NewCache(linksDB, client, time.Duration(cfg.EmbedCacheTTLHours)*time.Hour)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("build embedding cache: %w", err)
	}
	a.Provider = cache

	a.Memories = memory.NewService(a.Repo, a.Provider, logger)
	a.Retriever = retrieval.NewEngine(a.Repo, a.Provider, a.Links, logger)
	a.Decayer = decay.NewEngine(a.Repo, logger)
	a.Explainer = decay.NewExplainer(a.Repo)
	a.Completer = llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)

	sched, err := scheduler.New(a.Decayer, logger)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("build scheduler: %w", err)
	}
	a.Scheduler = sched

	return a, nil
}

// Run starts the scheduler and serves HTTP until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	server := api.NewServer(a.Memories, a.Retriever, a.Decayer, a.Explainer, a.Links, a.Repo, a.Logger)

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.ListenPort),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.Scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", zap.Int("port", a.Config.ListenPort))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Close releases every resource the app holds. Safe on a partially
// constructed app.
func (a *App) Close(ctx context.Context) error {
	var firstErr error

	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Links != nil {
		if err := a.Links.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.linksDB = nil
	}
	if a.linksDB != nil {
		if err := a.linksDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.graphRepo != nil {
		if err := a.graphRepo.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return firstErr
}
