package crdt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/sergi/go-diff/diffmatchpatch"

	"codyx/collab/internal/channel"
	"codyx/collab/internal/protocol"
)

// Channel is the part of a channel.Session the engine uses.
type Channel interface {
	ClientID() string
	SendNow(ctx context.Context, event string, payload any) error
	Handle(event string, fn func(protocol.Frame))
	OnConnected(fn func(context.Context))
	OnDisconnected(fn func())
}

var _ Channel = (*channel.Session)(nil)

// SnapshotStore persists encoded snapshots between runs. Load returns nil
// data when nothing was saved yet.
type SnapshotStore interface {
	Load(ctx context.Context, docID string) ([]byte, error)
	Save(ctx context.Context, docID string, snapshot []byte) error
}

type Options struct {
	DocID  string
	UserID string
	// Seed is inserted once if no peer supplied any content within
	// SeedTimeout of connecting.
	Seed        string
	SeedTimeout time.Duration
	TypingIdle  time.Duration
	// AwarenessTTL hides peers that have not refreshed their state.
	AwarenessTTL time.Duration
	// SnapshotEvery saves a snapshot after that many merged changes; zero
	// saves only on Close.
	SnapshotEvery int
	Snapshots     SnapshotStore
}

func (o Options) withDefaults() Options {
	if o.SeedTimeout <= 0 {
		o.SeedTimeout = time.Second
	}
	if o.TypingIdle <= 0 {
		o.TypingIdle = 1200 * time.Millisecond
	}
	if o.AwarenessTTL <= 0 {
		o.AwarenessTTL = 30 * time.Second
	}
	return o
}

// Peer is the last awareness state received from another client.
type Peer struct {
	ClientID string
	UserID   string
	Editing  bool
	Typing   bool
	Seen     time.Time

	stamp int64
}

// Events are invoked without the engine lock held.
type Events struct {
	// Changed receives the text after remote operations changed it.
	Changed   func(text string)
	Awareness func(peers []Peer)
}

// Text is a shared text buffer replicated as an operation log.
type Text struct {
	ch     Channel
	opts   Options
	events Events
	log    zerolog.Logger
	dmp    *diffmatchpatch.DiffMatchPatch

	mu        sync.Mutex
	doc       *Doc
	offline   [][]byte
	connected bool
	seeded    bool
	local     protocol.AwarenessState
	peers     map[string]Peer
	changes   int
	closed    bool

	seedTimer   *time.Timer
	typingTimer *time.Timer

	saves sync.WaitGroup
}

func New(ch Channel, opts Options, events Events, log zerolog.Logger) *Text {
	opts = opts.withDefaults()
	t := &Text{
		ch:     ch,
		opts:   opts,
		events: events,
		log:    log.With().Str("doc", opts.DocID).Str("engine", "crdt").Logger(),
		dmp:    diffmatchpatch.New(),
		doc:    NewDoc(ch.ClientID()),
		peers:  make(map[string]Peer),
		local:  protocol.AwarenessState{UserID: opts.UserID},
	}
	ch.Handle(protocol.EventUpdate, t.onUpdate)
	ch.Handle(protocol.EventSync, t.onSync)
	ch.Handle(protocol.EventAwareness, t.onAwareness)
	ch.OnConnected(t.onConnected)
	ch.OnDisconnected(t.onDisconnected)
	return t
}

func (t *Text) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc.Text()
}

// Queued reports updates waiting for the channel to come back.
func (t *Text) Queued() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.offline)
}

// Load merges the stored snapshot, if any. Call it before the channel
// starts so a restored log suppresses seeding.
func (t *Text) Load(ctx context.Context) error {
	if t.opts.Snapshots == nil {
		return nil
	}
	data, err := t.opts.Snapshots.Load(ctx, t.opts.DocID)
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", t.opts.DocID, err)
	}
	if len(data) == 0 {
		return nil
	}
	ops, err := DecodeSnapshot(data)
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", t.opts.DocID, err)
	}
	t.merge(ops)
	return nil
}

// Replace makes the buffer read next. The difference to the current text
// is applied and broadcast as a single update.
func (t *Text) Replace(next string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	cur := t.doc.Text()
	if cur == next {
		return
	}
	var ops []Op
	idx := 0
	for _, d := range t.dmp.DiffMain(cur, next, false) {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			idx += n
		case diffmatchpatch.DiffDelete:
			ops = append(ops, t.doc.Delete(idx, n)...)
		case diffmatchpatch.DiffInsert:
			ops = append(ops, t.doc.Insert(idx, d.Text)...)
			idx += n
		}
	}
	t.broadcastLocked(ops)
	t.countChangeLocked()
}

func (t *Text) broadcastLocked(ops []Op) {
	if len(ops) == 0 {
		return
	}
	update := EncodeUpdate(ops)
	if !t.connected {
		t.offline = append(t.offline, update)
		return
	}
	if err := t.sendUpdate(update); err != nil {
		t.log.Debug().Err(err).Msg("update queued")
		t.offline = append(t.offline, update)
	}
}

func (t *Text) sendUpdate(update []byte) error {
	return t.ch.SendNow(context.Background(), protocol.EventUpdate, protocol.Update{
		DocID:     t.opts.DocID,
		Update:    update,
		ClientID:  t.ch.ClientID(),
		UserID:    t.opts.UserID,
		Timestamp: protocol.Millis(time.Now()),
	})
}

func (t *Text) flushOfflineLocked() {
	for len(t.offline) > 0 {
		if err := t.sendUpdate(t.offline[0]); err != nil {
			t.log.Debug().Err(err).Int("queued", len(t.offline)).Msg("offline flush interrupted")
			return
		}
		t.offline = t.offline[1:]
	}
	t.offline = nil
}

// merge applies remote operations and reports the change to listeners.
func (t *Text) merge(ops []Op) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	changed := t.doc.Apply(ops)
	text := t.doc.Text()
	if changed {
		t.countChangeLocked()
	}
	t.mu.Unlock()

	if changed && t.events.Changed != nil {
		t.events.Changed(text)
	}
}

func (t *Text) onUpdate(f protocol.Frame) {
	var p protocol.Update
	if err := f.Bind(&p); err != nil {
		t.log.Warn().Err(err).Msg("dropping update")
		return
	}
	if p.DocID != t.opts.DocID {
		return
	}
	ops, err := DecodeUpdate(p.Update)
	if err != nil {
		t.log.Warn().Err(err).Str("from", p.ClientID).Msg("dropping update")
		return
	}
	t.merge(ops)
}

func (t *Text) onConnected(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.connected = true
	t.flushOfflineLocked()

	err := t.ch.SendNow(ctx, protocol.EventSync, protocol.CRDTSync{
		Type:        protocol.SyncRequest,
		DocID:       t.opts.DocID,
		ClientID:    t.ch.ClientID(),
		RequesterID: t.ch.ClientID(),
	})
	if err != nil {
		t.log.Debug().Err(err).Msg("state request not sent")
	}
	if t.local.Typing || t.local.Editing {
		t.broadcastAwarenessLocked()
	}
	if !t.seeded && t.opts.Seed != "" {
		if t.seedTimer != nil {
			t.seedTimer.Stop()
		}
		t.seedTimer = time.AfterFunc(t.opts.SeedTimeout, t.seed)
	}
}

func (t *Text) onDisconnected() {
	t.mu.Lock()
	t.connected = false
	hadPeers := len(t.peers) > 0
	t.peers = make(map[string]Peer)
	t.mu.Unlock()

	if hadPeers && t.events.Awareness != nil {
		t.events.Awareness(nil)
	}
}

func (t *Text) onSync(f protocol.Frame) {
	var p protocol.CRDTSync
	if err := f.Bind(&p); err != nil {
		t.log.Warn().Err(err).Msg("dropping sync")
		return
	}
	if p.DocID != t.opts.DocID {
		return
	}
	switch p.Type {
	case protocol.SyncRequest:
		t.answer(p)
	case protocol.SyncResponse:
		if p.RequesterID != t.ch.ClientID() || len(p.DocumentUpdate) == 0 {
			return
		}
		ops, err := DecodeSnapshot(p.DocumentUpdate)
		if err != nil {
			t.log.Warn().Err(err).Str("from", p.ClientID).Msg("dropping snapshot")
			return
		}
		t.merge(ops)
	}
}

func (t *Text) answer(req protocol.CRDTSync) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.doc.Empty() {
		return
	}
	err := t.ch.SendNow(context.Background(), protocol.EventSync, protocol.CRDTSync{
		Type:           protocol.SyncResponse,
		DocID:          t.opts.DocID,
		ClientID:       t.ch.ClientID(),
		RequesterID:    req.ClientID,
		TargetID:       req.ClientID,
		DocumentUpdate: EncodeSnapshot(t.doc),
	})
	if err != nil {
		t.log.Debug().Err(err).Msg("snapshot not sent")
	}
}

// seed inserts the initial text when nobody else had any. Seed operations
// carry ids derived from the text itself, so peers that seed concurrently
// produce the same operations and the merge keeps a single copy.
func (t *Text) seed() {
	t.mu.Lock()
	if t.closed || t.seeded {
		t.mu.Unlock()
		return
	}
	t.seeded = true
	if !t.doc.Empty() {
		t.mu.Unlock()
		return
	}
	ops := SeedOps(t.opts.Seed)
	t.doc.Apply(ops)
	t.broadcastLocked(ops)
	t.countChangeLocked()
	text := t.doc.Text()
	t.mu.Unlock()

	t.log.Debug().Int("runes", len(ops)).Msg("seeded")
	if t.events.Changed != nil {
		t.events.Changed(text)
	}
}

// SeedOps returns the insert operations for text under the seed client id
// derived from it.
func SeedOps(text string) []Op {
	client := fmt.Sprintf("seed-%016x", xxhash.Sum64String(text))
	ops := make([]Op, 0, utf8.RuneCountInString(text))
	var origin ID
	var clock uint64
	for _, r := range text {
		clock++
		op := Op{Kind: OpInsert, ID: ID{Clock: clock, Client: client}, Ref: origin, Value: r}
		ops = append(ops, op)
		origin = op.ID
	}
	return ops
}

func (t *Text) SetTyping() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.local.Typing = true
	t.broadcastAwarenessLocked()
	if t.typingTimer != nil {
		t.typingTimer.Stop()
	}
	t.typingTimer = time.AfterFunc(t.opts.TypingIdle, t.ClearTyping)
}

func (t *Text) ClearTyping() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.typingTimer != nil {
		t.typingTimer.Stop()
		t.typingTimer = nil
	}
	if t.closed || !t.local.Typing {
		return
	}
	t.local.Typing = false
	t.broadcastAwarenessLocked()
}

func (t *Text) SetEditing(editing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.local.Editing == editing {
		return
	}
	t.local.Editing = editing
	t.broadcastAwarenessLocked()
}

func (t *Text) broadcastAwarenessLocked() {
	t.local.Timestamp = protocol.Millis(time.Now())
	state := t.local
	t.sendAwarenessLocked(&state)
}

func (t *Text) sendAwarenessLocked(state *protocol.AwarenessState) {
	if !t.connected {
		return
	}
	err := t.ch.SendNow(context.Background(), protocol.EventAwareness, protocol.Awareness{
		DocID:    t.opts.DocID,
		ClientID: t.ch.ClientID(),
		UserID:   t.opts.UserID,
		State:    state,
	})
	if err != nil {
		t.log.Debug().Err(err).Msg("awareness not sent")
	}
}

func (t *Text) onAwareness(f protocol.Frame) {
	var p protocol.Awareness
	if err := f.Bind(&p); err != nil {
		t.log.Warn().Err(err).Msg("dropping awareness")
		return
	}
	if p.DocID != t.opts.DocID || p.ClientID == "" || p.ClientID == t.ch.ClientID() {
		return
	}
	t.mu.Lock()
	if p.State == nil {
		delete(t.peers, p.ClientID)
	} else {
		if prev, ok := t.peers[p.ClientID]; ok && prev.stamp > p.State.Timestamp {
			t.mu.Unlock()
			return
		}
		t.peers[p.ClientID] = Peer{
			ClientID: p.ClientID,
			UserID:   p.UserID,
			Editing:  p.State.Editing,
			Typing:   p.State.Typing,
			Seen:     time.Now(),
			stamp:    p.State.Timestamp,
		}
	}
	peers := t.peersLocked()
	t.mu.Unlock()

	if t.events.Awareness != nil {
		t.events.Awareness(peers)
	}
}

// Peers lists clients whose awareness state is still fresh, by client id.
func (t *Text) Peers() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peersLocked()
}

func (t *Text) peersLocked() []Peer {
	cutoff := time.Now().Add(-t.opts.AwarenessTTL)
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		if p.Seen.Before(cutoff) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (t *Text) countChangeLocked() {
	t.changes++
	if t.opts.Snapshots == nil || t.opts.SnapshotEvery <= 0 || t.changes%t.opts.SnapshotEvery != 0 {
		return
	}
	snapshot := EncodeSnapshot(t.doc)
	t.saves.Add(1)
	go func() {
		defer t.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.opts.Snapshots.Save(ctx, t.opts.DocID, snapshot); err != nil {
			t.log.Warn().Err(err).Msg("snapshot save failed")
		}
	}()
}

// Close announces departure, stops timers, and saves a final snapshot when
// a store is configured.
func (t *Text) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.sendAwarenessLocked(nil)
	t.closed = true
	for _, tm := range []*time.Timer{t.seedTimer, t.typingTimer} {
		if tm != nil {
			tm.Stop()
		}
	}
	var snapshot []byte
	if t.opts.Snapshots != nil && !t.doc.Empty() {
		snapshot = EncodeSnapshot(t.doc)
	}
	t.mu.Unlock()

	t.saves.Wait()
	if snapshot == nil {
		return nil
	}
	if err := t.opts.Snapshots.Save(ctx, t.opts.DocID, snapshot); err != nil {
		return fmt.Errorf("save snapshot %s: %w", t.opts.DocID, err)
	}
	return nil
}
