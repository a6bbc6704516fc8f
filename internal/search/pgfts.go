package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the generated cells.fts column.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres there are no cells to find.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks matching cells with ts_rank and builds snippets with
// ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	countSQL, dataSQL, args := buildFTSQuery(q)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.NotebookID, &r.Type, &r.Position, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func buildFTSQuery(q Query) (countSQL, dataSQL string, args []any) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	args = []any{q.Text}
	where := "c.fts @@ " + tsQuery
	if q.NotebookID != "" {
		args = append(args, q.NotebookID)
		where += fmt.Sprintf(" AND c.notebook_id = $%d", len(args))
	}
	if q.Type != "" {
		args = append(args, q.Type)
		where += fmt.Sprintf(" AND c.type = $%d", len(args))
	}

	countSQL = "SELECT count(*) FROM cells c WHERE " + where
	dataSQL = fmt.Sprintf(`SELECT c.id, c.notebook_id, c.type, c.position,
			ts_headline('simple', c.content, %s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet
		FROM cells c
		WHERE %s
		ORDER BY ts_rank(c.fts, %s) DESC, c.notebook_id, c.position
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)
	return countSQL, dataSQL, args
}

// LoadNotebook returns the records of one notebook for reindexing.
func (p *PgFTS) LoadNotebook(ctx context.Context, notebookID string) ([]CellRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, notebook_id, type, position, content
		FROM cells
		WHERE notebook_id = $1
	`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("load cells: %w", err)
	}
	defer rows.Close()

	records := make([]CellRecord, 0)
	for rows.Next() {
		var r CellRecord
		if err := rows.Scan(&r.ID, &r.NotebookID, &r.Type, &r.Position, &r.Content); err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cells: %w", err)
	}
	return records, nil
}
