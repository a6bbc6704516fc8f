// Package ot keeps one shared text buffer consistent between peers by
// exchanging diff-match-patch patches. Each peer holds the canonical text
// (last state exchanged with peers) and an unsent local draft; incoming
// patches are applied to the canonical text and the draft is rebased on top.
package ot

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/sergi/go-diff/diffmatchpatch"

	"codyx/collab/internal/channel"
	"codyx/collab/internal/protocol"
)

var ErrPatchConflict = errors.New("ot: patch does not apply cleanly")

// recentPatches bounds how many applied patch keys are remembered for
// duplicate suppression.
const recentPatches = 256

// Channel is the part of a channel.Session the engine uses.
type Channel interface {
	ClientID() string
	SendNow(ctx context.Context, event string, payload any) error
	Handle(event string, fn func(protocol.Frame))
	OnConnected(fn func(context.Context))
}

type Options struct {
	DocID  string
	UserID string
	// Text and Version describe the canonical state known at creation, for
	// example the row loaded from the store.
	Text    string
	Version time.Time

	Debounce   time.Duration
	TypingIdle time.Duration
	// SyncWait bounds how long a reconnecting peer waits for a sync
	// response before flushing its unsent draft.
	SyncWait time.Duration
	// ResponseJitter spreads sync responses from several peers.
	ResponseJitter time.Duration
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = 500 * time.Millisecond
	}
	if o.TypingIdle <= 0 {
		o.TypingIdle = 1200 * time.Millisecond
	}
	if o.SyncWait <= 0 {
		o.SyncWait = time.Second
	}
	if o.ResponseJitter < 0 {
		o.ResponseJitter = 0
	}
	return o
}

type TypingSignal struct {
	ClientID string
	UserID   string
	Typing   bool
}

// Events are invoked without the engine lock held.
type Events struct {
	// Patched receives the visible text after a remote change.
	Patched func(text string)
	Typing  func(TypingSignal)
}

type Engine struct {
	ch     Channel
	opts   Options
	events Events
	log    zerolog.Logger
	dmp    *diffmatchpatch.DiffMatchPatch

	mu        sync.Mutex
	canonical string
	local     string
	dirty     bool
	version   time.Time
	// seen holds keys of recently applied remote patches; order is the
	// eviction ring for it.
	seen  map[uint64]struct{}
	order []uint64
	slot  int
	seq   uint64
	// syncing is set from a sync request until a response is accepted or
	// SyncWait passes.
	syncing  bool
	accepted bool
	typing   bool
	closed   bool

	debounce   *time.Timer
	typingIdle *time.Timer
	syncTimer  *time.Timer
}

func New(ch Channel, opts Options, events Events, log zerolog.Logger) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		ch:        ch,
		opts:      opts,
		events:    events,
		log:       log.With().Str("doc", opts.DocID).Str("engine", "ot").Logger(),
		dmp:       diffmatchpatch.New(),
		canonical: opts.Text,
		local:     opts.Text,
		version:   opts.Version,
		seen:      make(map[uint64]struct{}, recentPatches),
	}
	ch.Handle(protocol.EventPatch, e.onPatch)
	ch.Handle(protocol.EventTyping, e.onTyping)
	ch.Handle(protocol.EventSync, e.onSync)
	ch.OnConnected(e.onConnected)
	return e
}

// Text is what the local user sees: the draft if there is one.
func (e *Engine) Text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visibleLocked()
}

func (e *Engine) Canonical() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canonical
}

func (e *Engine) Dirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

func (e *Engine) Version() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

func (e *Engine) visibleLocked() string {
	if e.dirty {
		return e.local
	}
	return e.canonical
}

// LocalEdit records the user's full text. The patch is sent once edits
// settle for Debounce.
func (e *Engine) LocalEdit(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.local = text
	e.dirty = true

	if !e.typing {
		e.typing = true
		e.sendTypingLocked(true)
	}
	if e.typingIdle != nil {
		e.typingIdle.Stop()
	}
	e.typingIdle = time.AfterFunc(e.opts.TypingIdle, e.typingExpired)

	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = time.AfterFunc(e.opts.Debounce, func() { e.Flush(context.Background()) })
}

func (e *Engine) typingExpired() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.typing || e.closed {
		return
	}
	e.typing = false
	e.sendTypingLocked(false)
}

func (e *Engine) sendTypingLocked(typing bool) {
	_ = e.ch.SendNow(context.Background(), protocol.EventTyping, protocol.Typing{
		DocID:    e.opts.DocID,
		Typing:   typing,
		ClientID: e.ch.ClientID(),
		UserID:   e.opts.UserID,
	})
}

// Flush sends the pending draft now. A draft that cannot be sent stays
// dirty and is flushed again after the next bootstrap.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked(ctx)
}

func (e *Engine) flushLocked(ctx context.Context) {
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	if !e.dirty || e.closed {
		return
	}
	patches := e.dmp.PatchMake(e.canonical, e.local)
	if len(patches) == 0 {
		e.dirty = false
		return
	}
	text := e.dmp.PatchToText(patches)
	e.seq++
	err := e.ch.SendNow(ctx, protocol.EventPatch, protocol.Patch{
		DocID:    e.opts.DocID,
		Patch:    text,
		ClientID: e.ch.ClientID(),
		UserID:   e.opts.UserID,
		Seq:      e.seq,
	})
	if err != nil {
		e.log.Debug().Err(err).Msg("patch not sent, keeping draft")
		return
	}
	e.canonical = e.local
	e.dirty = false
	e.version = time.Now().UTC()
}

// ApplyRemotePatch applies a serialized patch to the canonical text and
// rebases any unsent draft onto the result. It fails with ErrPatchConflict
// when the patch does not apply cleanly; the buffer is then out of sync
// and must be bootstrapped again. If only the rebase fails, the draft is
// discarded and the remote text wins. A patch that was already applied
// recently is ignored.
func (e *Engine) ApplyRemotePatch(patch string) (string, error) {
	return e.applyRemote(patchKey(protocol.Patch{Patch: patch}), patch)
}

func (e *Engine) applyRemote(key uint64, patch string) (string, error) {
	e.mu.Lock()
	text, changed, err := e.applyLocked(key, patch)
	e.mu.Unlock()
	if err != nil {
		return "", err
	}
	if changed {
		e.emitPatched(text)
	}
	return text, nil
}

// patchKey identifies one delivery of a sender's patch, so a redelivered
// frame is recognized while the same edit typed again is not.
func patchKey(p protocol.Patch) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(p.ClientID)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.FormatUint(p.Seq, 10))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(p.Patch)
	return d.Sum64()
}

func (e *Engine) remember(key uint64) {
	if len(e.order) < recentPatches {
		e.order = append(e.order, key)
	} else {
		delete(e.seen, e.order[e.slot])
		e.order[e.slot] = key
		e.slot = (e.slot + 1) % recentPatches
	}
	e.seen[key] = struct{}{}
}

func (e *Engine) applyLocked(key uint64, patch string) (string, bool, error) {
	if _, dup := e.seen[key]; dup {
		return e.visibleLocked(), false, nil
	}
	remote, err := e.dmp.PatchFromText(patch)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", protocol.ErrMalformedEnvelope, err)
	}

	var draft []diffmatchpatch.Patch
	if e.dirty {
		draft = e.dmp.PatchMake(e.canonical, e.local)
	}

	next, results := e.dmp.PatchApply(remote, e.canonical)
	if !allApplied(results) {
		return "", false, ErrPatchConflict
	}
	e.canonical = next
	e.remember(key)
	e.version = time.Now().UTC()

	if e.dirty {
		rebased, ok := e.dmp.PatchApply(draft, e.canonical)
		if allApplied(ok) {
			e.local = rebased
		} else {
			e.log.Info().Msg("unsent edit could not be rebased, discarding")
			e.discardDraftLocked()
		}
	}
	return e.visibleLocked(), true, nil
}

func (e *Engine) discardDraftLocked() {
	e.local = e.canonical
	e.dirty = false
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
}

func allApplied(results []bool) bool {
	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}

func (e *Engine) emitPatched(text string) {
	if e.events.Patched != nil {
		e.events.Patched(text)
	}
}

func (e *Engine) onPatch(f protocol.Frame) {
	var p protocol.Patch
	if err := f.Bind(&p); err != nil {
		e.log.Warn().Err(err).Msg("dropping patch")
		return
	}
	if p.DocID != e.opts.DocID {
		return
	}
	_, err := e.applyRemote(patchKey(p), p.Patch)
	switch {
	case err == nil:
	case errors.Is(err, ErrPatchConflict):
		e.log.Warn().Str("from", p.ClientID).Msg("patch conflict, resynchronizing")
		e.resync()
	default:
		e.log.Warn().Err(err).Msg("dropping patch")
	}
}

// resync drops local state that can no longer be trusted and asks peers
// for the document again.
func (e *Engine) resync() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discardDraftLocked()
	e.version = time.Time{}
	e.requestSyncLocked(context.Background())
}

func (e *Engine) onTyping(f protocol.Frame) {
	var p protocol.Typing
	if err := f.Bind(&p); err != nil {
		e.log.Warn().Err(err).Msg("dropping typing")
		return
	}
	if p.DocID != e.opts.DocID || e.events.Typing == nil {
		return
	}
	e.events.Typing(TypingSignal{ClientID: p.ClientID, UserID: p.UserID, Typing: p.Typing})
}

func (e *Engine) onConnected(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requestSyncLocked(ctx)
}

func (e *Engine) requestSyncLocked(ctx context.Context) {
	if e.closed {
		return
	}
	e.syncing = true
	e.accepted = false
	err := e.ch.SendNow(ctx, protocol.EventSync, protocol.OTSync{
		Type:        protocol.SyncRequest,
		DocID:       e.opts.DocID,
		Version:     formatVersion(e.version),
		ClientID:    e.ch.ClientID(),
		UserID:      e.opts.UserID,
		RequesterID: e.ch.ClientID(),
	})
	if err != nil {
		e.log.Debug().Err(err).Msg("sync request not sent")
	}
	if e.syncTimer != nil {
		e.syncTimer.Stop()
	}
	e.syncTimer = time.AfterFunc(e.opts.SyncWait, e.syncSettled)
}

// syncSettled ends the bootstrap window and sends whatever the user typed
// while offline.
func (e *Engine) syncSettled() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.syncing {
		return
	}
	e.syncing = false
	e.flushLocked(context.Background())
}

func (e *Engine) onSync(f protocol.Frame) {
	var p protocol.OTSync
	if err := f.Bind(&p); err != nil {
		e.log.Warn().Err(err).Msg("dropping sync")
		return
	}
	if p.DocID != e.opts.DocID {
		return
	}
	switch p.Type {
	case protocol.SyncRequest:
		e.answer(p)
	case protocol.SyncResponse:
		if p.RequesterID != e.ch.ClientID() || p.Text == nil {
			return
		}
		e.consider(p)
	}
}

func (e *Engine) answer(req protocol.OTSync) {
	delay := time.Duration(0)
	if e.opts.ResponseJitter > 0 {
		delay = time.Duration(rand.Int63n(int64(e.opts.ResponseJitter)))
	}
	time.AfterFunc(delay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed || (e.canonical == "" && e.version.IsZero()) {
			return
		}
		text := e.canonical
		err := e.ch.SendNow(context.Background(), protocol.EventSync, protocol.OTSync{
			Type:        protocol.SyncResponse,
			DocID:       e.opts.DocID,
			Version:     formatVersion(e.version),
			ClientID:    e.ch.ClientID(),
			UserID:      e.opts.UserID,
			RequesterID: req.ClientID,
			Text:        &text,
			Timestamp:   protocol.Millis(time.Now()),
		})
		if err != nil {
			e.log.Debug().Err(err).Msg("sync response not sent")
		}
	})
}

// consider decides whether a sync response replaces the canonical text.
// The first response wins unless it is older than what we hold; later ones
// only if strictly newer than the accepted version.
func (e *Engine) consider(resp protocol.OTSync) {
	e.mu.Lock()
	remote := parseVersion(resp.Version)
	text := *resp.Text
	adopt := false
	switch {
	case text == e.canonical:
		if remote.After(e.version) {
			e.version = remote
		}
	case !e.accepted:
		adopt = remote.IsZero() || e.version.IsZero() || !remote.Before(e.version)
	default:
		adopt = remote.After(e.version)
	}
	e.accepted = true

	var visible string
	if adopt {
		old := e.canonical
		e.canonical = text
		e.version = remote
		if e.dirty {
			draft := e.dmp.PatchMake(old, e.local)
			rebased, ok := e.dmp.PatchApply(draft, e.canonical)
			if allApplied(ok) {
				e.local = rebased
			} else {
				e.discardDraftLocked()
			}
		}
		visible = e.visibleLocked()
	}
	if e.syncing {
		e.syncing = false
		if e.syncTimer != nil {
			e.syncTimer.Stop()
		}
		e.flushLocked(context.Background())
	}
	e.mu.Unlock()

	if adopt {
		e.emitPatched(visible)
	}
}

func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for _, t := range []*time.Timer{e.debounce, e.typingIdle, e.syncTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

func formatVersion(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseVersion(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ Channel = (*channel.Session)(nil)
