package notebook

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-process Store. Peers sharing one MemStore behave like
// clients sharing a database.
type MemStore struct {
	mu    sync.Mutex
	cells map[string]map[string]Cell
	now   func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		cells: make(map[string]map[string]Cell),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemStore) ListCells(_ context.Context, notebookID string) ([]Cell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Cell, 0, len(m.cells[notebookID]))
	for _, c := range m.cells[notebookID] {
		out = append(out, c)
	}
	sortCells(out)
	return out, nil
}

func (m *MemStore) UpsertCell(_ context.Context, cell Cell) (Cell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.cells[cell.NotebookID]
	if !ok {
		rows = make(map[string]Cell)
		m.cells[cell.NotebookID] = rows
	}
	cell.UpdatedAt = m.now()
	rows[cell.ID] = cell
	return cell, nil
}

func (m *MemStore) DeleteCell(_ context.Context, notebookID, cellID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cells[notebookID], cellID)
	return nil
}
