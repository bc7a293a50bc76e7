// Package docs declares the document-search collaborator contract. The
// chunking and parsing pipeline lives outside this service.
package docs

import "context"

// Hit is one chunk of an uploaded document matching a search.
type Hit struct {
	Filename     string  `json:"filename"`
	ChunkContent string  `json:"chunk_content"`
	ChunkIndex   int     `json:"chunk_index"`
	Similarity   float64 `json:"similarity"`
	DocID        string  `json:"doc_id"`
}

// Searcher finds document chunks relevant to a query.
type Searcher interface {
	Search(ctx context.Context, query, userID string, limit int) ([]Hit, error)
}
