package search

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"codyx/collab/internal/protocol"
)

// Service tries the primary index first and falls back to the secondary
// searcher. It also forwards cell writes to the index.
type Service struct {
	index    Index
	fallback Searcher
	log      zerolog.Logger
	wg       sync.WaitGroup
}

// NewService creates a search service. index or fallback may be nil.
func NewService(index Index, fallback Searcher, log zerolog.Logger) *Service {
	return &Service{index: index, fallback: fallback, log: log.With().Str("component", "search").Logger()}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("index search failed, falling back")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Msg("fallback search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexCell indexes a stored cell in the background.
func (s *Service) IndexCell(_ context.Context, cell protocol.Cell) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	record := RecordFromCell(cell)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.index.Upsert([]CellRecord{record}); err != nil {
			s.log.Warn().Err(err).Str("cell", record.ID).Msg("index cell")
		}
	}()
}

// RemoveCell drops a cell from the index in the background.
func (s *Service) RemoveCell(_ context.Context, _, cellID string) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.index.Remove(cellID); err != nil {
			s.log.Warn().Err(err).Str("cell", cellID).Msg("remove cell")
		}
	}()
}

// ReindexNotebook pushes every cell of a notebook to the index.
func (s *Service) ReindexNotebook(cells []protocol.Cell) error {
	if s.index == nil || !s.index.Healthy() {
		return nil
	}
	records := make([]CellRecord, 0, len(cells))
	for _, c := range cells {
		records = append(records, RecordFromCell(c))
	}
	return s.index.Upsert(records)
}

// Wait blocks until background index writes finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
