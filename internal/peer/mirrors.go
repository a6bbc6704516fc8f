// Package peer hosts the pieces a headless notebook peer runs next to its
// coordinator: text mirrors of every cell that write edits back to the row
// store.
package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"codyx/collab/internal/notebook"
	"codyx/collab/internal/textsync"
)

// Notebook is the part of a notebook.Coordinator the mirrors use.
type Notebook interface {
	Cell(id string) (notebook.Cell, error)
	Upsert(ctx context.Context, cell notebook.Cell) (notebook.Cell, error)
	OpenText(ctx context.Context, cellID string) (*textsync.Buffer, error)
}

var _ Notebook = (*notebook.Coordinator)(nil)

// Mirrors keeps one text buffer open per cell. Remote edits are collected
// and written back to the cell on each flush.
type Mirrors struct {
	nb         Notebook
	flushEvery time.Duration
	log        zerolog.Logger

	wake chan struct{}

	mu      sync.Mutex
	want    []notebook.Cell
	open    map[string]*textsync.Buffer
	dirty   map[string]string
	stopped bool
}

func NewMirrors(nb Notebook, flushEvery time.Duration, log zerolog.Logger) *Mirrors {
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	return &Mirrors{
		nb:         nb,
		flushEvery: flushEvery,
		log:        log.With().Str("component", "mirrors").Logger(),
		wake:       make(chan struct{}, 1),
		open:       make(map[string]*textsync.Buffer),
		dirty:      make(map[string]string),
	}
}

// Notify records the latest cell list. It never blocks, so it is safe to
// call from coordinator events.
func (m *Mirrors) Notify(cells []notebook.Cell) {
	m.mu.Lock()
	m.want = cells
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Changed records a remote edit of a cell's text.
func (m *Mirrors) Changed(cellID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.dirty[cellID] = text
}

// Run opens and closes buffers as cells come and go and flushes edits
// periodically. It returns when ctx is done.
func (m *Mirrors) Run(ctx context.Context) {
	ticker := time.NewTicker(m.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			m.sync(ctx)
		case <-ticker.C:
			if _, err := m.Flush(ctx); err != nil {
				m.log.Warn().Err(err).Msg("flush failed")
			}
		}
	}
}

func (m *Mirrors) sync(ctx context.Context) {
	m.mu.Lock()
	want := make(map[string]bool, len(m.want))
	for _, c := range m.want {
		want[c.ID] = true
	}
	var gone []*textsync.Buffer
	for id, b := range m.open {
		if !want[id] {
			gone = append(gone, b)
			delete(m.open, id)
			delete(m.dirty, id)
		}
	}
	var missing []string
	for id := range want {
		if _, ok := m.open[id]; !ok {
			missing = append(missing, id)
		}
	}
	m.mu.Unlock()

	for _, b := range gone {
		if err := b.Close(ctx); err != nil {
			m.log.Warn().Err(err).Msg("close mirror")
		}
	}
	for _, id := range missing {
		b, err := m.nb.OpenText(ctx, id)
		if err != nil {
			m.log.Warn().Err(err).Str("cell", id).Msg("open mirror")
			continue
		}
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			_ = b.Close(ctx)
			return
		}
		m.open[id] = b
		m.mu.Unlock()
	}
}

// Open reports the cells that currently have a buffer.
func (m *Mirrors) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// Text returns the mirrored text of a cell.
func (m *Mirrors) Text(cellID string) (string, bool) {
	m.mu.Lock()
	b, ok := m.open[cellID]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	return b.Text(), true
}

// Flush writes collected edits to their cells and returns how many cells
// changed.
func (m *Mirrors) Flush(ctx context.Context) (int, error) {
	m.mu.Lock()
	dirty := m.dirty
	m.dirty = make(map[string]string)
	m.mu.Unlock()

	var errs error
	written := 0
	for id, text := range dirty {
		cell, err := m.nb.Cell(id)
		if errors.Is(err, notebook.ErrCellNotFound) {
			continue
		}
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if cell.Content == text {
			continue
		}
		cell.Content = text
		// Keep whatever position the cell has by the time it is saved.
		cell.Position = ""
		if _, err := m.nb.Upsert(ctx, cell); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		written++
	}
	return written, errs
}

// Close flushes pending edits and closes every buffer.
func (m *Mirrors) Close(ctx context.Context) error {
	_, err := m.Flush(ctx)
	m.mu.Lock()
	m.stopped = true
	open := m.open
	m.open = make(map[string]*textsync.Buffer)
	m.mu.Unlock()
	for _, b := range open {
		err = errors.Join(err, b.Close(ctx))
	}
	return err
}
