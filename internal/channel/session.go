// Package channel wraps one transport topic in a self-healing session:
// connect with capped exponential backoff, heartbeat while connected,
// reconnect when peers go quiet, and queue frames sent while offline.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"codyx/collab/internal/protocol"
	"codyx/collab/internal/transport"
)

var (
	// ErrQueued reports that the frame was kept for replay after reconnect.
	ErrQueued        = errors.New("channel: not connected, frame queued")
	ErrNotConnected  = errors.New("channel: not connected")
	ErrSessionClosed = errors.New("channel: session closed")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Options struct {
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
	JoinTimeout      time.Duration
	QueueSize        int
}

func DefaultOptions() Options {
	return Options{
		BackoffBase:      time.Second,
		BackoffCap:       30 * time.Second,
		HeartbeatEvery:   5 * time.Second,
		HeartbeatTimeout: 10 * time.Second,
		JoinTimeout:      5 * time.Second,
		QueueSize:        256,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffCap < o.BackoffBase {
		o.BackoffCap = o.BackoffBase
		if d.BackoffCap > o.BackoffCap {
			o.BackoffCap = d.BackoffCap
		}
	}
	if o.HeartbeatEvery <= 0 {
		o.HeartbeatEvery = d.HeartbeatEvery
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = d.JoinTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	return o
}

// Session is one client's membership of one topic. Handlers and listeners
// run on the session goroutine, never while the session lock is held, so
// they may call back into Send.
type Session struct {
	transport transport.Transport
	topic     string
	clientID  string
	opts      Options
	log       zerolog.Logger

	mu       sync.Mutex
	state    State
	sub      transport.Subscription
	gen      uint64
	kick     chan struct{}
	queue    *ring
	handlers map[string][]func(protocol.Frame)

	onConnected    []func(context.Context)
	onDisconnected []func()
	onState        []func(State)

	heartbeat *time.Timer
	watchdog  *time.Timer

	cancel  context.CancelFunc
	stopped chan struct{}
	closed  bool
}

func New(t transport.Transport, topic, clientID string, opts Options, log zerolog.Logger) *Session {
	opts = opts.withDefaults()
	return &Session{
		transport: t,
		topic:     topic,
		clientID:  clientID,
		opts:      opts,
		log:       log.With().Str("topic", topic).Str("client", clientID).Logger(),
		state:     Connecting,
		queue:     newRing(opts.QueueSize),
		handlers:  make(map[string][]func(protocol.Frame)),
	}
}

func (s *Session) Topic() string    { return s.topic }
func (s *Session) ClientID() string { return s.clientID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Queued reports how many frames wait for the next connection.
func (s *Session) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Handle registers fn for frames of one event. Frames we sent ourselves are
// never delivered.
func (s *Session) Handle(event string, fn func(protocol.Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], fn)
}

// OnConnected listeners run after the queue has been flushed.
func (s *Session) OnConnected(fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnected = append(s.onConnected, fn)
}

func (s *Session) OnDisconnected(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnected = append(s.onDisconnected, fn)
}

func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = append(s.onState, fn)
}

// Start begins connecting in the background. It returns immediately; the
// session retries until ctx is cancelled or Close is called.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil || s.closed {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, stopped := s.cancel, s.stopped
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
	s.setState(Disconnected)
	return nil
}

// Send publishes when connected. Otherwise, or when the publish fails, the
// frame is queued and ErrQueued returned; queued frames are replayed in
// order on the next connection.
func (s *Session) Send(ctx context.Context, event string, payload any) error {
	data, err := protocol.Encode(event, s.clientID, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != Connected {
		s.queue.push(data)
		s.mu.Unlock()
		return ErrQueued
	}
	sub, gen := s.sub, s.gen
	s.mu.Unlock()

	if err := sub.Publish(ctx, data); err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("publish failed, queued")
		s.mu.Lock()
		s.queue.push(data)
		s.mu.Unlock()
		s.drop(gen)
		return ErrQueued
	}
	return nil
}

// SendNow publishes only if connected and never queues.
func (s *Session) SendNow(ctx context.Context, event string, payload any) error {
	data, err := protocol.Encode(event, s.clientID, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != Connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	sub, gen := s.sub, s.gen
	s.mu.Unlock()

	if err := sub.Publish(ctx, data); err != nil {
		s.drop(gen)
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer close(s.stopped)
	b := newBackoff(s.opts.BackoffBase, s.opts.BackoffCap)

	for attempt := 1; ; attempt++ {
		s.setState(Connecting)
		sub, err := s.subscribe(ctx)
		if err == nil {
			b.Reset()
			attempt = 0
			s.serve(ctx, sub)
		} else {
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("connect failed")
			s.setState(Disconnected)
		}
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		s.log.Debug().Dur("wait", wait).Msg("reconnect scheduled")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Session) subscribe(ctx context.Context) (transport.Subscription, error) {
	joinCtx, cancel := context.WithTimeout(ctx, s.opts.JoinTimeout)
	defer cancel()
	sub, err := s.transport.Subscribe(joinCtx, s.topic)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// serve owns one connection from join to loss.
func (s *Session) serve(ctx context.Context, sub transport.Subscription) {
	kick, gen, err := s.attach(ctx, sub)
	if err != nil {
		s.log.Warn().Err(err).Msg("flush failed")
		s.detach(gen, sub, "flush failed")
		return
	}
	s.log.Info().Msg("connected")
	for _, fn := range s.connectedListeners() {
		fn(ctx)
	}

	reason := "closed"
	for {
		select {
		case <-ctx.Done():
			s.detach(gen, sub, "session closed")
			return
		case <-sub.Done():
			reason = "transport closed"
		case <-kick:
			reason = "connection dropped"
		case data := <-sub.Messages():
			s.dispatch(gen, data)
			continue
		}
		break
	}
	s.detach(gen, sub, reason)
}

// attach flushes the queue through sub before declaring the session
// connected, so replayed frames precede anything sent afterwards.
func (s *Session) attach(ctx context.Context, sub transport.Subscription) (chan struct{}, uint64, error) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.sub = sub
	kick := make(chan struct{}, 1)
	s.kick = kick
	s.mu.Unlock()

	for {
		s.mu.Lock()
		pending := s.queue.drain()
		if len(pending) == 0 {
			s.state = Connected
			s.armHeartbeatLocked(gen)
			listeners := append([]func(State){}, s.onState...)
			s.mu.Unlock()
			for _, fn := range listeners {
				fn(Connected)
			}
			return kick, gen, nil
		}
		s.mu.Unlock()

		for i, frame := range pending {
			if err := sub.Publish(ctx, frame); err != nil {
				s.mu.Lock()
				s.queue.requeue(pending[i:])
				s.mu.Unlock()
				return kick, gen, err
			}
		}
		s.log.Debug().Int("frames", len(pending)).Msg("queue flushed")
	}
}

func (s *Session) detach(gen uint64, sub transport.Subscription, reason string) {
	_ = sub.Close()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.sub = nil
	s.kick = nil
	s.stopTimersLocked()
	wasConnected := s.state == Connected
	s.state = Disconnected
	stateListeners := append([]func(State){}, s.onState...)
	lost := append([]func(){}, s.onDisconnected...)
	s.mu.Unlock()

	for _, fn := range stateListeners {
		fn(Disconnected)
	}
	if !wasConnected {
		return
	}
	s.log.Info().Str("reason", reason).Msg("disconnected")
	for _, fn := range lost {
		fn()
	}
}

// drop asks the session goroutine to abandon connection gen.
func (s *Session) drop(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.kick == nil {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Session) dispatch(gen uint64, data []byte) {
	f, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("dropping frame")
		return
	}
	if f.Sender == s.clientID {
		return
	}

	s.mu.Lock()
	if f.Event == protocol.EventHeartbeat && s.gen == gen {
		s.armWatchdogLocked(gen)
	}
	handlers := append([]func(protocol.Frame){}, s.handlers[f.Event]...)
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(f)
	}
}

func (s *Session) armHeartbeatLocked(gen uint64) {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
	s.heartbeat = time.AfterFunc(s.opts.HeartbeatEvery, func() { s.beat(gen) })
}

func (s *Session) beat(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state != Connected {
		s.mu.Unlock()
		return
	}
	sub := s.sub
	s.armHeartbeatLocked(gen)
	s.mu.Unlock()

	data, err := protocol.Encode(protocol.EventHeartbeat, s.clientID, protocol.Heartbeat{
		ClientID: s.clientID,
		TS:       protocol.Millis(time.Now()),
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HeartbeatEvery)
	defer cancel()
	if err := sub.Publish(ctx, data); err != nil {
		s.log.Warn().Err(err).Msg("heartbeat failed")
		s.drop(gen)
	}
}

// armWatchdogLocked is first called on the first peer heartbeat; a lone
// client has nobody to hear from.
func (s *Session) armWatchdogLocked(gen uint64) {
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	s.watchdog = time.AfterFunc(s.opts.HeartbeatTimeout, func() {
		s.log.Warn().Dur("timeout", s.opts.HeartbeatTimeout).Msg("no peer heartbeat")
		s.drop(gen)
	})
}

func (s *Session) stopTimersLocked() {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	listeners := append([]func(State){}, s.onState...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

func (s *Session) connectedListeners() []func(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]func(context.Context){}, s.onConnected...)
}
