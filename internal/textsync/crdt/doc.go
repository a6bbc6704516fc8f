// Package crdt keeps one shared text buffer consistent between peers with a
// replicated operation log. The log is an RGA sequence: every character is
// an item with a Lamport id, inserted after an origin item; deletes leave
// tombstones. Applying the same operations in any order, any number of
// times, yields the same text.
package crdt

import (
	"strings"
	"unicode/utf8"
)

// ID orders items. Clock is a Lamport timestamp; Client breaks ties.
type ID struct {
	Clock  uint64
	Client string
}

func (a ID) IsZero() bool { return a.Clock == 0 && a.Client == "" }

// Less is the total order used to place concurrent inserts.
func (a ID) Less(b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Client < b.Client
}

type OpKind uint8

const (
	OpInsert OpKind = 1
	OpDelete OpKind = 2
)

// Op is one replicated operation. An insert places Value after Ref (zero
// Ref means the start of the text); a delete tombstones the item Ref.
type Op struct {
	Kind  OpKind
	ID    ID
	Ref   ID
	Value rune
}

type item struct {
	id      ID
	origin  ID
	value   rune
	deleted bool
}

// Doc is not safe for concurrent use; Text serializes access.
type Doc struct {
	client string
	clock  uint64
	items  []*item
	byID   map[ID]*item
	// pending holds ops whose Ref has not arrived yet.
	pending []Op
	// deletes seen for items, kept so a replayed insert stays deleted
	deleted map[ID]bool
}

func NewDoc(client string) *Doc {
	return &Doc{
		client:  client,
		byID:    make(map[ID]*item),
		deleted: make(map[ID]bool),
	}
}

func (d *Doc) Client() string { return d.client }

// Empty reports whether the log has never seen an insert.
func (d *Doc) Empty() bool { return len(d.items) == 0 }

// Pending reports operations waiting for their reference item.
func (d *Doc) Pending() int { return len(d.pending) }

func (d *Doc) Text() string {
	var b strings.Builder
	for _, it := range d.items {
		if !it.deleted {
			b.WriteRune(it.value)
		}
	}
	return b.String()
}

// Len is the visible length in runes.
func (d *Doc) Len() int {
	n := 0
	for _, it := range d.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

func (d *Doc) tick() ID {
	d.clock++
	return ID{Clock: d.clock, Client: d.client}
}

// visibleAt returns the item holding the index-th visible rune, or nil.
func (d *Doc) visibleAt(index int) *item {
	if index < 0 {
		return nil
	}
	n := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if n == index {
			return it
		}
		n++
	}
	return nil
}

// Insert types text so that it starts at visible rune index and returns the
// generated operations, already applied.
func (d *Doc) Insert(index int, text string) []Op {
	if text == "" {
		return nil
	}
	if index < 0 {
		index = 0
	}
	var origin ID
	if index > 0 {
		if prev := d.visibleAt(index - 1); prev != nil {
			origin = prev.id
		} else if last := d.lastVisible(); last != nil {
			origin = last.id
		}
	}
	ops := make([]Op, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		op := Op{Kind: OpInsert, ID: d.tick(), Ref: origin, Value: r}
		d.integrate(op)
		ops = append(ops, op)
		origin = op.ID
	}
	return ops
}

func (d *Doc) lastVisible() *item {
	for i := len(d.items) - 1; i >= 0; i-- {
		if !d.items[i].deleted {
			return d.items[i]
		}
	}
	return nil
}

// Delete removes length visible runes starting at index and returns the
// generated operations, already applied.
func (d *Doc) Delete(index, length int) []Op {
	var targets []ID
	n := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if n >= index && n < index+length {
			targets = append(targets, it.id)
		}
		n++
	}
	ops := make([]Op, 0, len(targets))
	for _, target := range targets {
		op := Op{Kind: OpDelete, ID: d.tick(), Ref: target}
		d.integrate(op)
		ops = append(ops, op)
	}
	return ops
}

// Apply merges remote operations. Duplicates are ignored and operations
// referring to unknown items wait until those arrive. It reports whether
// the visible text may have changed.
func (d *Doc) Apply(ops []Op) bool {
	changed := false
	for _, op := range ops {
		if d.observe(op) {
			changed = true
		}
	}
	if changed && len(d.pending) > 0 {
		d.drainPending()
	}
	return changed
}

func (d *Doc) observe(op Op) bool {
	if op.Kind != OpInsert && op.Kind != OpDelete {
		return false
	}
	if op.Kind == OpDelete && op.Ref.IsZero() {
		return false
	}
	if op.ID.Clock > d.clock {
		d.clock = op.ID.Clock
	}
	if !d.ready(op) {
		d.pending = append(d.pending, op)
		return false
	}
	return d.integrate(op)
}

func (d *Doc) ready(op Op) bool {
	if op.Ref.IsZero() {
		return op.Kind == OpInsert
	}
	_, ok := d.byID[op.Ref]
	return ok
}

func (d *Doc) drainPending() {
	for progress := true; progress; {
		progress = false
		rest := d.pending[:0]
		for _, op := range d.pending {
			if d.ready(op) {
				d.integrate(op)
				progress = true
				continue
			}
			rest = append(rest, op)
		}
		d.pending = rest
	}
}

func (d *Doc) integrate(op Op) bool {
	switch op.Kind {
	case OpInsert:
		if _, dup := d.byID[op.ID]; dup {
			return false
		}
		pos := 0
		if !op.Ref.IsZero() {
			pos = d.indexOf(op.Ref) + 1
		}
		// Later concurrent inserts at the same origin, and everything
		// typed after them, sort first.
		for pos < len(d.items) && op.ID.Less(d.items[pos].id) {
			pos++
		}
		it := &item{id: op.ID, origin: op.Ref, value: op.Value, deleted: d.deleted[op.ID]}
		d.items = append(d.items, nil)
		copy(d.items[pos+1:], d.items[pos:])
		d.items[pos] = it
		d.byID[op.ID] = it
		return true
	case OpDelete:
		it, ok := d.byID[op.Ref]
		if !ok || it.deleted {
			return false
		}
		it.deleted = true
		d.deleted[op.Ref] = true
		return true
	}
	return false
}

func (d *Doc) indexOf(id ID) int {
	for i, it := range d.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

// Snapshot is the whole log as operations: every insert in sequence order
// followed by a delete per tombstone. Applying it to any replica merges the
// full state.
func (d *Doc) Snapshot() []Op {
	ops := make([]Op, 0, len(d.items))
	var tombstones []Op
	for _, it := range d.items {
		ops = append(ops, Op{Kind: OpInsert, ID: it.id, Ref: it.origin, Value: it.value})
		if it.deleted {
			tombstones = append(tombstones, Op{Kind: OpDelete, ID: it.id, Ref: it.id})
		}
	}
	ops = append(ops, tombstones...)
	ops = append(ops, d.pending...)
	return ops
}
