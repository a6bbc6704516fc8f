// Package notebook keeps the set and order of a notebook's cells in sync
// between peers. Structural changes are announced on the notebook topic and
// persisted through a row store; a reconnecting peer asks the others for
// their full cell list and merges it.
package notebook

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"codyx/collab/internal/channel"
	"codyx/collab/internal/orderkey"
	"codyx/collab/internal/protocol"
	"codyx/collab/internal/util"
)

var (
	ErrCellNotFound      = errors.New("notebook: cell not found")
	ErrIndexOutOfRange   = errors.New("notebook: index out of range")
	ErrInvalidKind       = errors.New("notebook: invalid cell type")
	ErrCoordinatorClosed = errors.New("notebook: coordinator closed")
	// ErrPositionChange rejects an Upsert that would reposition an existing
	// cell; use Move, MoveUp or MoveDown instead.
	ErrPositionChange = errors.New("notebook: position changes go through Move")
)

type Cell = protocol.Cell

// Store is the row store holding cells, ordered by position.
type Store interface {
	ListCells(ctx context.Context, notebookID string) ([]Cell, error)
	// UpsertCell returns the stored row, including its new updated_at.
	UpsertCell(ctx context.Context, cell Cell) (Cell, error)
	DeleteCell(ctx context.Context, notebookID, cellID string) error
}

// Channel is the part of a channel.Session the coordinator uses.
type Channel interface {
	ClientID() string
	Send(ctx context.Context, event string, payload any) error
	SendNow(ctx context.Context, event string, payload any) error
	Handle(event string, fn func(protocol.Frame))
	OnConnected(fn func(context.Context))
}

var _ Channel = (*channel.Session)(nil)

type Options struct {
	NotebookID string
	// ResponseJitter spreads bootstrap answers from several peers.
	ResponseJitter time.Duration
	Text           TextOptions
}

// Events are invoked without the coordinator lock held.
type Events struct {
	CellsChanged func(cells []Cell)
	// Notice reports a structural change announced by a peer.
	Notice func(n protocol.CellSync)
}

type Coordinator struct {
	ch     Channel
	store  Store
	opts   Options
	events Events
	log    zerolog.Logger

	mu          sync.Mutex
	cells       []Cell
	lastApplied int64
	closed      bool
	answerSeq   uint64
	answers     map[uint64]*time.Timer
}

func New(ch Channel, store Store, opts Options, events Events, log zerolog.Logger) *Coordinator {
	if opts.ResponseJitter < 0 {
		opts.ResponseJitter = 0
	}
	c := &Coordinator{
		ch:      ch,
		store:   store,
		opts:    opts,
		events:  events,
		log:     log.With().Str("notebook", opts.NotebookID).Logger(),
		answers: make(map[uint64]*time.Timer),
	}
	ch.Handle(protocol.EventCellSync, c.onCellSync)
	ch.Handle(protocol.EventNotebookSyncRequest, c.onSyncRequest)
	ch.Handle(protocol.EventNotebookSyncResponse, c.onSyncResponse)
	ch.OnConnected(c.onConnected)
	return c
}

func (c *Coordinator) NotebookID() string { return c.opts.NotebookID }

// Cells returns the current cells in position order.
func (c *Coordinator) Cells() []Cell {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Cell(nil), c.cells...)
}

func (c *Coordinator) Cell(id string) (Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(id)
	if i < 0 {
		return Cell{}, fmt.Errorf("%w: %s", ErrCellNotFound, id)
	}
	return c.cells[i], nil
}

// Load replaces the local view with the store's rows. The lock is held
// across the read so a concurrent local write lands after it.
func (c *Coordinator) Load(ctx context.Context) error {
	c.mu.Lock()
	cells, err := c.store.ListCells(ctx, c.opts.NotebookID)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("list cells: %w", err)
	}
	sortCells(cells)
	changed := !equalCells(c.cells, cells)
	c.cells = cells
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	if changed {
		c.emit(snapshot)
	}
	return nil
}

// Upsert stores a cell's content and type. A new cell without a position
// goes to the end; an existing cell keeps its position, and asking for a
// different one fails with ErrPositionChange.
func (c *Coordinator) Upsert(ctx context.Context, cell Cell) (Cell, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Cell{}, ErrCoordinatorClosed
	}
	i := -1
	if cell.ID != "" {
		i = c.indexLocked(cell.ID)
	}
	if i >= 0 && cell.Position != "" && cell.Position != c.cells[i].Position {
		c.mu.Unlock()
		return Cell{}, fmt.Errorf("%w: %s", ErrPositionChange, cell.ID)
	}
	if cell.Position == "" {
		if i >= 0 {
			cell.Position = c.cells[i].Position
		} else {
			pos, err := c.placeLocked(len(c.cells)-1, len(c.cells))
			if err != nil {
				c.mu.Unlock()
				return Cell{}, err
			}
			cell.Position = pos
		}
	}
	action := protocol.ActionUpdated
	if i < 0 {
		action = protocol.ActionAdded
	}
	return c.finish(c.saveLocked(ctx, cell, action))
}

// Delete removes a cell locally, from the store, and announces it.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCoordinatorClosed
	}
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCellNotFound, id)
	}
	if err := c.store.DeleteCell(ctx, c.opts.NotebookID, id); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("delete cell %s: %w", id, err)
	}
	c.cells = append(c.cells[:i], c.cells[i+1:]...)
	c.noticeLocked(ctx, protocol.ActionDeleted, id)
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snapshot)
	return nil
}

// InsertAt places a new cell so that it becomes the index-th cell.
func (c *Coordinator) InsertAt(ctx context.Context, index int, cell Cell) (Cell, error) {
	return c.insert(ctx, cell, func() (int, error) {
		if index < 0 || index > len(c.cells) {
			return 0, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(c.cells))
		}
		return index, nil
	})
}

func (c *Coordinator) InsertAfter(ctx context.Context, id string, cell Cell) (Cell, error) {
	return c.insert(ctx, cell, func() (int, error) {
		i := c.indexLocked(id)
		if i < 0 {
			return 0, fmt.Errorf("%w: %s", ErrCellNotFound, id)
		}
		return i + 1, nil
	})
}

func (c *Coordinator) InsertBefore(ctx context.Context, id string, cell Cell) (Cell, error) {
	return c.insert(ctx, cell, func() (int, error) {
		i := c.indexLocked(id)
		if i < 0 {
			return 0, fmt.Errorf("%w: %s", ErrCellNotFound, id)
		}
		return i, nil
	})
}

// Push appends a new cell.
func (c *Coordinator) Push(ctx context.Context, cell Cell) (Cell, error) {
	return c.insert(ctx, cell, func() (int, error) { return len(c.cells), nil })
}

func (c *Coordinator) insert(ctx context.Context, cell Cell, at func() (int, error)) (Cell, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Cell{}, ErrCoordinatorClosed
	}
	index, err := at()
	if err != nil {
		c.mu.Unlock()
		return Cell{}, err
	}
	if cell.Position, err = c.placeLocked(index-1, index); err != nil {
		c.mu.Unlock()
		return Cell{}, err
	}
	if cell.ID != "" && c.indexLocked(cell.ID) >= 0 {
		cell.ID = ""
	}
	return c.finish(c.saveLocked(ctx, cell, protocol.ActionAdded))
}

// Move places a cell between two others; an empty id stands for the start
// or the end of the notebook.
func (c *Coordinator) Move(ctx context.Context, id, prevID, nextID string) (Cell, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Cell{}, ErrCoordinatorClosed
	}
	saved, err := c.moveLocked(ctx, id, prevID, nextID)
	return c.finish(saved, err)
}

// finish unlocks and reports the new cell list after a successful change.
func (c *Coordinator) finish(saved Cell, err error) (Cell, error) {
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	if err != nil {
		return Cell{}, err
	}
	c.emit(snapshot)
	return saved, nil
}

func (c *Coordinator) MoveUp(ctx context.Context, id string) (Cell, error) {
	return c.shift(ctx, id, -1)
}

func (c *Coordinator) MoveDown(ctx context.Context, id string) (Cell, error) {
	return c.shift(ctx, id, 1)
}

func (c *Coordinator) shift(ctx context.Context, id string, dir int) (Cell, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Cell{}, ErrCoordinatorClosed
	}
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return Cell{}, fmt.Errorf("%w: %s", ErrCellNotFound, id)
	}
	target := i + dir
	if target < 0 || target >= len(c.cells) {
		cell := c.cells[i]
		c.mu.Unlock()
		return cell, nil
	}
	// Moving up lands between target-1 and target; down between target
	// and target+1.
	lo, hi := target-1, target
	if dir > 0 {
		lo, hi = target, target+1
	}
	saved, err := c.moveLocked(ctx, id, c.idAtLocked(lo), c.idAtLocked(hi))
	return c.finish(saved, err)
}

func (c *Coordinator) moveLocked(ctx context.Context, id, prevID, nextID string) (Cell, error) {
	i := c.indexLocked(id)
	if i < 0 {
		return Cell{}, fmt.Errorf("%w: %s", ErrCellNotFound, id)
	}
	lo, hi := -1, len(c.cells)
	if prevID != "" {
		if lo = c.indexLocked(prevID); lo < 0 {
			return Cell{}, fmt.Errorf("%w: %s", ErrCellNotFound, prevID)
		}
	}
	if nextID != "" {
		if hi = c.indexLocked(nextID); hi < 0 {
			return Cell{}, fmt.Errorf("%w: %s", ErrCellNotFound, nextID)
		}
	}
	pos, err := c.placeLocked(lo, hi)
	if err != nil {
		return Cell{}, err
	}
	cell := c.cells[i]
	cell.Position = pos
	return c.saveLocked(ctx, cell, protocol.ActionMoved)
}

// placeLocked is the single positioning primitive: a key strictly between
// the cells at indexes lo and hi, where -1 and len(cells) are the open ends.
func (c *Coordinator) placeLocked(lo, hi int) (string, error) {
	var before, after string
	if lo >= 0 && lo < len(c.cells) {
		before = c.cells[lo].Position
	}
	if hi >= 0 && hi < len(c.cells) {
		after = c.cells[hi].Position
	}
	pos, err := orderkey.Between(before, after)
	if err != nil {
		return "", fmt.Errorf("place between %q and %q: %w", before, after, err)
	}
	return pos, nil
}

// Import replaces every cell with the given ones, in order, with freshly
// spread positions.
func (c *Coordinator) Import(ctx context.Context, cells []Cell) ([]Cell, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCoordinatorClosed
	}
	keys, err := orderkey.GenerateKeys("", "", len(cells))
	if err != nil && len(cells) > 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("import positions: %w", err)
	}
	for _, old := range append([]Cell(nil), c.cells...) {
		if err := c.store.DeleteCell(ctx, c.opts.NotebookID, old.ID); err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("delete cell %s: %w", old.ID, err)
		}
		c.cells = c.cells[1:]
		c.noticeLocked(ctx, protocol.ActionDeleted, old.ID)
	}
	out := make([]Cell, 0, len(cells))
	for i, cell := range cells {
		cell.Position = keys[i]
		saved, err := c.saveLocked(ctx, cell, protocol.ActionAdded)
		if err != nil {
			snapshot := c.snapshotLocked()
			c.mu.Unlock()
			c.emit(snapshot)
			return out, err
		}
		out = append(out, saved)
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snapshot)
	return out, nil
}

// saveLocked normalizes and stores a cell, updates the local view, and
// announces the change.
func (c *Coordinator) saveLocked(ctx context.Context, cell Cell, action string) (Cell, error) {
	if cell.ID == "" {
		cell.ID = util.NewID("cell")
	}
	cell.NotebookID = c.opts.NotebookID
	cell.Kind = strings.ToLower(strings.TrimSpace(cell.Kind))
	if cell.Kind == "" {
		cell.Kind = protocol.KindText
	}
	if !protocol.ValidKind(cell.Kind) {
		return Cell{}, fmt.Errorf("%w: %q", ErrInvalidKind, cell.Kind)
	}
	saved, err := c.store.UpsertCell(ctx, cell)
	if err != nil {
		return Cell{}, fmt.Errorf("save cell %s: %w", cell.ID, err)
	}
	if i := c.indexLocked(saved.ID); i >= 0 {
		c.cells[i] = saved
	} else {
		c.cells = append(c.cells, saved)
	}
	sortCells(c.cells)
	c.noticeLocked(ctx, action, saved.ID)
	return saved, nil
}

// noticeLocked announces a structural change. Notices sent while offline
// are queued by the session and replayed in order.
func (c *Coordinator) noticeLocked(ctx context.Context, action, cellID string) {
	err := c.ch.Send(ctx, protocol.EventCellSync, protocol.CellSync{
		Action:     action,
		CellID:     cellID,
		NotebookID: c.opts.NotebookID,
		Timestamp:  protocol.Millis(time.Now()),
	})
	switch {
	case err == nil:
	case errors.Is(err, channel.ErrQueued):
		c.log.Debug().Str("action", action).Str("cell", cellID).Msg("notice queued")
	default:
		c.log.Warn().Err(err).Str("action", action).Msg("notice not sent")
	}
}

func (c *Coordinator) onCellSync(f protocol.Frame) {
	var n protocol.CellSync
	if err := f.Bind(&n); err != nil {
		c.log.Warn().Err(err).Msg("dropping cell_sync")
		return
	}
	if n.NotebookID != c.opts.NotebookID {
		return
	}
	c.log.Debug().Str("action", n.Action).Str("cell", n.CellID).Str("from", f.Sender).Msg("peer changed cells")
	if err := c.Load(context.Background()); err != nil {
		c.log.Warn().Err(err).Msg("reload after notice failed")
	}
	if c.events.Notice != nil {
		c.events.Notice(n)
	}
}

func (c *Coordinator) onConnected(ctx context.Context) {
	if err := c.Load(ctx); err != nil {
		c.log.Warn().Err(err).Msg("reload on connect failed")
	}
	err := c.ch.SendNow(ctx, protocol.EventNotebookSyncRequest, protocol.NotebookSync{
		RequesterID: c.ch.ClientID(),
		NotebookID:  c.opts.NotebookID,
		Timestamp:   protocol.Millis(time.Now()),
	})
	if err != nil {
		c.log.Debug().Err(err).Msg("notebook sync request not sent")
	}
}

func (c *Coordinator) onSyncRequest(f protocol.Frame) {
	var req protocol.NotebookSync
	if err := f.Bind(&req); err != nil {
		c.log.Warn().Err(err).Msg("dropping notebook sync request")
		return
	}
	if req.NotebookID != c.opts.NotebookID || req.RequesterID == "" || req.RequesterID == c.ch.ClientID() {
		return
	}
	delay := time.Duration(0)
	if c.opts.ResponseJitter > 0 {
		delay = time.Duration(rand.Int63n(int64(c.opts.ResponseJitter)))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.answerSeq++
	seq := c.answerSeq
	c.answers[seq] = time.AfterFunc(delay, func() { c.answer(seq, req.RequesterID) })
}

// answer sends our full list. A peer that knows no cells stays quiet so it
// cannot erase the requester's notebook.
func (c *Coordinator) answer(seq uint64, requester string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.answers, seq)
	if c.closed || len(c.cells) == 0 {
		return
	}
	err := c.ch.SendNow(context.Background(), protocol.EventNotebookSyncResponse, protocol.NotebookSync{
		RequesterID: requester,
		ResponderID: c.ch.ClientID(),
		NotebookID:  c.opts.NotebookID,
		Cells:       append([]Cell{}, c.cells...),
		Timestamp:   protocol.Millis(time.Now()),
	})
	if err != nil {
		c.log.Debug().Err(err).Msg("notebook sync response not sent")
	}
}

func (c *Coordinator) onSyncResponse(f protocol.Frame) {
	var resp protocol.NotebookSync
	if err := f.Bind(&resp); err != nil {
		c.log.Warn().Err(err).Msg("dropping notebook sync response")
		return
	}
	if resp.NotebookID != c.opts.NotebookID || resp.RequesterID != c.ch.ClientID() || resp.Cells == nil {
		return
	}
	c.ApplyResponse(resp)
}

// ApplyResponse merges a bootstrap response. Responses not newer than the
// last one applied are ignored. It reports whether the cells changed.
func (c *Coordinator) ApplyResponse(resp protocol.NotebookSync) bool {
	c.mu.Lock()
	if c.closed || resp.Timestamp <= c.lastApplied {
		c.mu.Unlock()
		c.log.Debug().Int64("timestamp", resp.Timestamp).Msg("ignoring stale notebook sync response")
		return false
	}
	c.lastApplied = resp.Timestamp
	merged := Merge(c.cells, resp.Cells)
	changed := !equalCells(c.cells, merged)
	c.cells = merged
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if changed {
		c.log.Info().Str("from", resp.ResponderID).Int("cells", len(snapshot)).Msg("merged peer cells")
		c.emit(snapshot)
	}
	return changed
}

func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, t := range c.answers {
		t.Stop()
	}
	c.answers = nil
}

func (c *Coordinator) indexLocked(id string) int {
	for i, cell := range c.cells {
		if cell.ID == id {
			return i
		}
	}
	return -1
}

func (c *Coordinator) idAtLocked(i int) string {
	if i < 0 || i >= len(c.cells) {
		return ""
	}
	return c.cells[i].ID
}

func (c *Coordinator) snapshotLocked() []Cell {
	return append([]Cell(nil), c.cells...)
}

func (c *Coordinator) emit(cells []Cell) {
	if c.events.CellsChanged != nil {
		c.events.CellsChanged(cells)
	}
}
