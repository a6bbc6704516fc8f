package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"codyx/collab/internal/util"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrSlugTaken = errors.New("store: slug already in use")
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureNotebook returns the notebook with the slug, creating it on first use.
func (s *PostgresStore) EnsureNotebook(ctx context.Context, slug, title string) (Notebook, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return Notebook{}, fmt.Errorf("ensure notebook: empty slug")
	}
	nb, err := s.GetNotebookBySlug(ctx, slug)
	if err == nil {
		return nb, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Notebook{}, err
	}

	const insert = `
		INSERT INTO notebooks (id, slug, title)
		VALUES ($1, $2, $3)
		ON CONFLICT (slug) DO UPDATE SET slug = EXCLUDED.slug
		RETURNING id, slug, title, created_at, updated_at
	`
	err = s.db.QueryRowContext(ctx, insert, util.NewID("nb"), slug, title).
		Scan(&nb.ID, &nb.Slug, &nb.Title, &nb.CreatedAt, &nb.UpdatedAt)
	if err != nil {
		return Notebook{}, fmt.Errorf("insert notebook: %w", err)
	}
	return nb, nil
}

func (s *PostgresStore) GetNotebookBySlug(ctx context.Context, slug string) (Notebook, error) {
	return s.getNotebook(ctx, `SELECT id, slug, title, created_at, updated_at FROM notebooks WHERE slug=$1`, slug)
}

func (s *PostgresStore) GetNotebook(ctx context.Context, id string) (Notebook, error) {
	return s.getNotebook(ctx, `SELECT id, slug, title, created_at, updated_at FROM notebooks WHERE id=$1`, id)
}

func (s *PostgresStore) getNotebook(ctx context.Context, query, arg string) (Notebook, error) {
	var nb Notebook
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&nb.ID, &nb.Slug, &nb.Title, &nb.CreatedAt, &nb.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Notebook{}, fmt.Errorf("%w: notebook %s", ErrNotFound, arg)
	}
	if err != nil {
		return Notebook{}, fmt.Errorf("get notebook: %w", err)
	}
	return nb, nil
}

// ListCells returns a notebook's cells ordered by position.
func (s *PostgresStore) ListCells(ctx context.Context, notebookID string) ([]Cell, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, notebook_id, content, type, position, updated_at
		FROM cells
		WHERE notebook_id = $1
		ORDER BY position ASC, id ASC
	`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	defer rows.Close()

	cells := make([]Cell, 0)
	for rows.Next() {
		var c Cell
		if err := rows.Scan(&c.ID, &c.NotebookID, &c.Content, &c.Kind, &c.Position, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		c.UpdatedAt = c.UpdatedAt.UTC()
		cells = append(cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cells: %w", err)
	}
	return cells, nil
}

// UpsertCell writes the row and stamps updated_at.
func (s *PostgresStore) UpsertCell(ctx context.Context, c Cell) (Cell, error) {
	const upsert = `
		INSERT INTO cells (id, notebook_id, content, type, position, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			type = EXCLUDED.type,
			position = EXCLUDED.position,
			updated_at = NOW()
		WHERE cells.notebook_id = EXCLUDED.notebook_id
		RETURNING id, notebook_id, content, type, position, updated_at
	`
	var out Cell
	err := s.db.QueryRowContext(ctx, upsert, c.ID, c.NotebookID, c.Content, c.Kind, c.Position).
		Scan(&out.ID, &out.NotebookID, &out.Content, &out.Kind, &out.Position, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Cell{}, fmt.Errorf("%w: cell %s belongs to another notebook", ErrNotFound, c.ID)
	}
	if err != nil {
		return Cell{}, fmt.Errorf("upsert cell: %w", err)
	}
	out.UpdatedAt = out.UpdatedAt.UTC()
	return out, nil
}

func (s *PostgresStore) DeleteCell(ctx context.Context, notebookID, cellID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cells WHERE id=$1 AND notebook_id=$2`, cellID, notebookID); err != nil {
		return fmt.Errorf("delete cell: %w", err)
	}
	return nil
}

// CopyNotebook duplicates a notebook and its cells under a new slug. Cells
// get fresh ids and keep their positions.
func (s *PostgresStore) CopyNotebook(ctx context.Context, srcID, slug string) (Notebook, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return Notebook{}, fmt.Errorf("copy notebook: empty slug")
	}
	src, err := s.GetNotebook(ctx, srcID)
	if err != nil {
		return Notebook{}, err
	}
	cells, err := s.ListCells(ctx, srcID)
	if err != nil {
		return Notebook{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Notebook{}, fmt.Errorf("begin copy tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var nb Notebook
	err = tx.QueryRowContext(ctx, `
		INSERT INTO notebooks (id, slug, title)
		VALUES ($1, $2, $3)
		RETURNING id, slug, title, created_at, updated_at
	`, util.NewID("nb"), slug, src.Title).Scan(&nb.ID, &nb.Slug, &nb.Title, &nb.CreatedAt, &nb.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return Notebook{}, fmt.Errorf("%w: %s", ErrSlugTaken, slug)
	}
	if err != nil {
		return Notebook{}, fmt.Errorf("insert notebook copy: %w", err)
	}

	for _, c := range cells {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cells (id, notebook_id, content, type, position)
			VALUES ($1, $2, $3, $4, $5)
		`, util.NewID("cell"), nb.ID, c.Content, c.Kind, c.Position); err != nil {
			return Notebook{}, fmt.Errorf("copy cell %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Notebook{}, fmt.Errorf("commit copy: %w", err)
	}
	return nb, nil
}
