package store

import (
	"time"

	"codyx/collab/internal/protocol"
)

type Notebook struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Cell rows are exchanged with peers unchanged.
type Cell = protocol.Cell
