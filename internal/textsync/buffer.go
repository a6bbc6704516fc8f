// Package textsync selects how a cell's text is shared. A Buffer is fixed to
// one strategy when it is created: none (local only), diff/patch, or the
// replicated operation log.
package textsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"codyx/collab/internal/textsync/crdt"
	"codyx/collab/internal/textsync/ot"
)

var ErrUnknownMode = errors.New("textsync: unknown mode")

type Mode int

const (
	ModeNone Mode = iota
	ModeOT
	ModeCRDT
)

func (m Mode) String() string {
	switch m {
	case ModeOT:
		return "ot"
	case ModeCRDT:
		return "crdt"
	default:
		return "none"
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off":
		return ModeNone, nil
	case "ot":
		return ModeOT, nil
	case "crdt", "yjs":
		return ModeCRDT, nil
	}
	return ModeNone, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Buffer holds exactly one of the strategies. The optional closer (usually
// the channel session) is closed after the engine.
type Buffer struct {
	mode   Mode
	ot     *ot.Engine
	crdt   *crdt.Text
	closer io.Closer

	mu    sync.Mutex
	plain string
}

func NewPlain(text string) *Buffer {
	return &Buffer{mode: ModeNone, plain: text}
}

func NewOT(e *ot.Engine, closer io.Closer) *Buffer {
	return &Buffer{mode: ModeOT, ot: e, closer: closer}
}

func NewCRDT(t *crdt.Text, closer io.Closer) *Buffer {
	return &Buffer{mode: ModeCRDT, crdt: t, closer: closer}
}

func (b *Buffer) Mode() Mode { return b.mode }

func (b *Buffer) OT() (*ot.Engine, bool) { return b.ot, b.mode == ModeOT }

func (b *Buffer) CRDT() (*crdt.Text, bool) { return b.crdt, b.mode == ModeCRDT }

func (b *Buffer) Text() string {
	switch b.mode {
	case ModeOT:
		return b.ot.Text()
	case ModeCRDT:
		return b.crdt.Text()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.plain
}

// SetText records a local edit: debounced patch for OT, an immediate
// update for CRDT.
func (b *Buffer) SetText(text string) {
	switch b.mode {
	case ModeOT:
		b.ot.LocalEdit(text)
	case ModeCRDT:
		b.crdt.Replace(text)
	default:
		b.mu.Lock()
		b.plain = text
		b.mu.Unlock()
	}
}

func (b *Buffer) Close(ctx context.Context) error {
	var err error
	switch b.mode {
	case ModeOT:
		b.ot.Flush(ctx)
		b.ot.Close()
	case ModeCRDT:
		err = b.crdt.Close(ctx)
	}
	if b.closer != nil {
		err = errors.Join(err, b.closer.Close())
	}
	return err
}
