// Package search indexes notebook cells and answers full-text queries.
// Meilisearch is preferred; PostgreSQL full-text search over the cells
// table serves as the fallback.
package search

import (
	"context"

	"codyx/collab/internal/protocol"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	NotebookID string `json:"notebookId"`
	Type       string `json:"type"`
	Position   string `json:"position"`
	Snippet    string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text       string
	NotebookID string // empty = every notebook
	Type       string // empty = every cell type
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Index is a Searcher that also accepts cell records.
type Index interface {
	Searcher
	Upsert(records []CellRecord) error
	Remove(id string) error
}

// CellRecord is the data we index for a cell.
type CellRecord struct {
	ID         string `json:"id"`
	NotebookID string `json:"notebookId"`
	Type       string `json:"type"`
	Position   string `json:"position"`
	Content    string `json:"content"`
}

func RecordFromCell(c protocol.Cell) CellRecord {
	return CellRecord{
		ID:         c.ID,
		NotebookID: c.NotebookID,
		Type:       c.Kind,
		Position:   c.Position,
		Content:    c.Content,
	}
}

const defaultLimit = 20
