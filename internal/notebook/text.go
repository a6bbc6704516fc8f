package notebook

import (
	"context"
	"fmt"
	"time"

	"codyx/collab/internal/channel"
	"codyx/collab/internal/protocol"
	"codyx/collab/internal/textsync"
	"codyx/collab/internal/textsync/crdt"
	"codyx/collab/internal/textsync/ot"
	"codyx/collab/internal/transport"
)

// TextOptions configure the buffers returned by OpenText.
type TextOptions struct {
	Mode      textsync.Mode
	Transport transport.Transport
	Session   channel.Options
	UserID    string

	Debounce     time.Duration
	SeedTimeout  time.Duration
	Snapshots    crdt.SnapshotStore
	SnapshotEach int
	// Changed receives a cell's text after a remote change.
	Changed func(cellID, text string)
}

// OpenText joins the text topic of a cell. The strategy is fixed by the
// coordinator's mode; the returned buffer owns its session.
func (c *Coordinator) OpenText(ctx context.Context, cellID string) (*textsync.Buffer, error) {
	cell, err := c.Cell(cellID)
	if err != nil {
		return nil, err
	}
	opts := c.opts.Text
	if opts.Mode == textsync.ModeNone {
		return textsync.NewPlain(cell.Content), nil
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("open text %s: no transport", cellID)
	}
	changed := func(text string) {
		if opts.Changed != nil {
			opts.Changed(cellID, text)
		}
	}
	log := c.log.With().Str("cell", cellID).Logger()

	switch opts.Mode {
	case textsync.ModeOT:
		s := channel.New(opts.Transport, protocol.OTTopic(cellID), c.ch.ClientID(), opts.Session, log)
		e := ot.New(s, ot.Options{
			DocID:          cellID,
			UserID:         opts.UserID,
			Text:           cell.Content,
			Version:        cell.UpdatedAt,
			Debounce:       opts.Debounce,
			ResponseJitter: c.opts.ResponseJitter,
		}, ot.Events{Patched: changed}, log)
		s.Start(context.Background())
		return textsync.NewOT(e, s), nil
	case textsync.ModeCRDT:
		s := channel.New(opts.Transport, protocol.CRDTTopic(cellID), c.ch.ClientID(), opts.Session, log)
		t := crdt.New(s, crdt.Options{
			DocID:         cellID,
			UserID:        opts.UserID,
			Seed:          cell.Content,
			SeedTimeout:   opts.SeedTimeout,
			Snapshots:     opts.Snapshots,
			SnapshotEvery: opts.SnapshotEach,
		}, crdt.Events{Changed: changed}, log)
		if err := t.Load(ctx); err != nil {
			return nil, err
		}
		s.Start(context.Background())
		return textsync.NewCRDT(t, s), nil
	}
	return nil, fmt.Errorf("open text %s: %w: %v", cellID, textsync.ErrUnknownMode, opts.Mode)
}
