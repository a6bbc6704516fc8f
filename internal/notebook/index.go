package notebook

import "context"

// Indexer receives every stored cell change. Implementations must not
// block the caller.
type Indexer interface {
	IndexCell(ctx context.Context, cell Cell)
	RemoveCell(ctx context.Context, notebookID, cellID string)
}

// WithIndex wraps a Store so successful writes are forwarded to idx.
func WithIndex(store Store, idx Indexer) Store {
	if idx == nil {
		return store
	}
	return &indexedStore{Store: store, idx: idx}
}

type indexedStore struct {
	Store
	idx Indexer
}

func (s *indexedStore) UpsertCell(ctx context.Context, cell Cell) (Cell, error) {
	saved, err := s.Store.UpsertCell(ctx, cell)
	if err != nil {
		return saved, err
	}
	s.idx.IndexCell(ctx, saved)
	return saved, nil
}

func (s *indexedStore) DeleteCell(ctx context.Context, notebookID, cellID string) error {
	if err := s.Store.DeleteCell(ctx, notebookID, cellID); err != nil {
		return err
	}
	s.idx.RemoveCell(ctx, notebookID, cellID)
	return nil
}
