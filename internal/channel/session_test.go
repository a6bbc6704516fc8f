package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codyx/collab/internal/protocol"
	"codyx/collab/internal/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func fastOptions() Options {
	return Options{
		BackoffBase:      5 * time.Millisecond,
		BackoffCap:       20 * time.Millisecond,
		HeartbeatEvery:   20 * time.Millisecond,
		HeartbeatTimeout: time.Second,
		JoinTimeout:      200 * time.Millisecond,
		QueueSize:        16,
	}
}

// gate fails Subscribe while closed, independently of other clients on the
// same hub.
type gate struct {
	transport.Transport
	closed atomic.Bool
}

func (g *gate) Subscribe(ctx context.Context, topic string) (transport.Subscription, error) {
	if g.closed.Load() {
		return nil, transport.ErrTransportFailure
	}
	return g.Transport.Subscribe(ctx, topic)
}

type collector struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (c *collector) add(f protocol.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
}

func (c *collector) payloads(t *testing.T) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var p map[string]string
		require.NoError(t, f.Bind(&p))
		out = append(out, p["n"])
	}
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func startSession(t *testing.T, tr transport.Transport, client string, opts Options) *Session {
	t.Helper()
	s := New(tr, "notebook_n1", client, opts, zerolog.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitConnected(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == Connected }, waitFor, tick)
}

func TestSessionDeliversPeerFramesOnly(t *testing.T) {
	hub := transport.NewHub()
	a := New(hub, "notebook_n1", "a", fastOptions(), zerolog.Nop())
	b := New(hub, "notebook_n1", "b", fastOptions(), zerolog.Nop())
	var gotA, gotB collector
	a.Handle("note", gotA.add)
	b.Handle("note", gotB.add)
	a.Start(context.Background())
	b.Start(context.Background())
	defer a.Close()
	defer b.Close()
	waitConnected(t, a)
	waitConnected(t, b)

	require.NoError(t, a.Send(context.Background(), "note", map[string]string{"n": "1"}))
	require.NoError(t, a.Send(context.Background(), "note", map[string]string{"n": "2"}))

	require.Eventually(t, func() bool { return gotB.len() == 2 }, waitFor, tick)
	assert.Equal(t, []string{"1", "2"}, gotB.payloads(t))
	assert.Zero(t, gotA.len(), "own frames must not be delivered")
}

func TestSendWhileDisconnectedQueuesAndReplaysInOrder(t *testing.T) {
	hub := transport.NewHub()
	raw, err := hub.Subscribe(context.Background(), "notebook_n1")
	require.NoError(t, err)

	g := &gate{Transport: hub}
	g.closed.Store(true)
	s := startSession(t, g, "a", fastOptions())

	for _, n := range []string{"1", "2", "3"} {
		err := s.Send(context.Background(), "note", map[string]string{"n": n})
		require.ErrorIs(t, err, ErrQueued)
	}
	assert.Equal(t, 3, s.Queued())
	assert.ErrorIs(t, s.SendNow(context.Background(), "note", map[string]string{"n": "x"}), ErrNotConnected)

	g.closed.Store(false)
	waitConnected(t, s)
	assert.Zero(t, s.Queued())

	var got []string
	for len(got) < 3 {
		select {
		case data := <-raw.Messages():
			f, err := protocol.Decode(data)
			require.NoError(t, err)
			if f.Event != "note" {
				continue
			}
			var p map[string]string
			require.NoError(t, f.Bind(&p))
			got = append(got, p["n"])
		case <-time.After(waitFor):
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	opts := fastOptions()
	opts.QueueSize = 2
	g := &gate{Transport: transport.NewHub()}
	g.closed.Store(true)
	s := New(g, "t", "a", opts, zerolog.Nop())

	for _, n := range []string{"1", "2", "3"} {
		require.ErrorIs(t, s.Send(context.Background(), "note", map[string]string{"n": n}), ErrQueued)
	}
	frames := s.queue.drain()
	require.Len(t, frames, 2)
	f, err := protocol.Decode(frames[0])
	require.NoError(t, err)
	var p map[string]string
	require.NoError(t, f.Bind(&p))
	assert.Equal(t, "2", p["n"])
}

func TestReconnectsAfterTransportLoss(t *testing.T) {
	hub := transport.NewHub()
	s := New(hub, "notebook_n1", "a", fastOptions(), zerolog.Nop())
	var connects, losses atomic.Int32
	var states []State
	var statesMu sync.Mutex
	s.OnConnected(func(context.Context) { connects.Add(1) })
	s.OnDisconnected(func() { losses.Add(1) })
	s.OnStateChange(func(st State) {
		statesMu.Lock()
		states = append(states, st)
		statesMu.Unlock()
	})
	s.Start(context.Background())
	defer s.Close()
	waitConnected(t, s)

	hub.SetDown(true)
	require.Eventually(t, func() bool { return losses.Load() == 1 }, waitFor, tick)
	assert.NotEqual(t, Connected, s.State())
	hub.SetDown(false)

	require.Eventually(t, func() bool { return connects.Load() == 2 }, waitFor, tick)
	waitConnected(t, s)

	statesMu.Lock()
	defer statesMu.Unlock()
	require.GreaterOrEqual(t, len(states), 4)
	// The session is born connecting, so the first transition is to connected.
	assert.Equal(t, []State{Connected, Disconnected, Connecting}, states[:3])
}

func TestHeartbeatIsBroadcast(t *testing.T) {
	hub := transport.NewHub()
	raw, err := hub.Subscribe(context.Background(), "notebook_n1")
	require.NoError(t, err)
	startSession(t, hub, "a", fastOptions())

	deadline := time.After(waitFor)
	for {
		select {
		case data := <-raw.Messages():
			f, err := protocol.Decode(data)
			require.NoError(t, err)
			if f.Event != protocol.EventHeartbeat {
				continue
			}
			var hb protocol.Heartbeat
			require.NoError(t, f.Bind(&hb))
			assert.Equal(t, "a", hb.ClientID)
			assert.NotZero(t, hb.TS)
			return
		case <-deadline:
			t.Fatal("no heartbeat seen")
		}
	}
}

func TestSilentPeerForcesReconnect(t *testing.T) {
	hub := transport.NewHub()
	opts := fastOptions()
	opts.HeartbeatTimeout = 50 * time.Millisecond
	s := New(hub, "notebook_n1", "a", opts, zerolog.Nop())
	var connects atomic.Int32
	s.OnConnected(func(context.Context) { connects.Add(1) })
	s.Start(context.Background())
	defer s.Close()
	waitConnected(t, s)

	// A lone client never times out.
	time.Sleep(3 * opts.HeartbeatTimeout)
	assert.Equal(t, int32(1), connects.Load())

	peer, err := hub.Subscribe(context.Background(), "notebook_n1")
	require.NoError(t, err)
	hb, err := protocol.Encode(protocol.EventHeartbeat, "peer", protocol.Heartbeat{ClientID: "peer", TS: 1})
	require.NoError(t, err)
	require.NoError(t, peer.Publish(context.Background(), hb))

	require.Eventually(t, func() bool { return connects.Load() >= 2 }, waitFor, tick)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	hub := transport.NewHub()
	s := New(hub, "notebook_n1", "a", fastOptions(), zerolog.Nop())
	var got collector
	s.Handle("note", got.add)
	s.Start(context.Background())
	defer s.Close()
	waitConnected(t, s)

	peer, err := hub.Subscribe(context.Background(), "notebook_n1")
	require.NoError(t, err)
	require.NoError(t, peer.Publish(context.Background(), []byte("{not json")))
	good, err := protocol.Encode("note", "peer", map[string]string{"n": "ok"})
	require.NoError(t, err)
	require.NoError(t, peer.Publish(context.Background(), good))

	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"ok"}, got.payloads(t))
	assert.Equal(t, Connected, s.State())
}

func TestNewSessionIsConnecting(t *testing.T) {
	hub := transport.NewHub()
	hub.SetDown(true)
	s := New(hub, "notebook_n1", "a", fastOptions(), zerolog.Nop())
	assert.Equal(t, Connecting, s.State())
	assert.ErrorIs(t, s.Send(context.Background(), "note", nil), ErrQueued)
	assert.ErrorIs(t, s.SendNow(context.Background(), "note", nil), ErrNotConnected)
	assert.Equal(t, 1, s.Queued())

	require.NoError(t, s.Close())
	assert.Equal(t, Disconnected, s.State())
}

func TestCloseStopsSession(t *testing.T) {
	hub := transport.NewHub()
	s := New(hub, "notebook_n1", "a", fastOptions(), zerolog.Nop())
	s.Start(context.Background())
	waitConnected(t, s)

	require.NoError(t, s.Close())
	assert.Equal(t, Disconnected, s.State())
	assert.Zero(t, hub.Subscribers("notebook_n1"))
	assert.ErrorIs(t, s.Send(context.Background(), "note", nil), ErrSessionClosed)
	require.NoError(t, s.Close())
}

func TestBackoffSchedule(t *testing.T) {
	b := newBackoff(100*time.Millisecond, time.Second)
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, b.NextBackOff(), "attempt %d", i+1)
	}
	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
}

func TestRingRequeueKeepsOrder(t *testing.T) {
	r := newRing(4)
	r.push([]byte("c"))
	r.requeue([][]byte{[]byte("a"), []byte("b")})
	got := r.drain()
	require.Len(t, got, 3)
	assert.Equal(t, "a", string(got[0]))
	assert.Equal(t, "b", string(got[1]))
	assert.Equal(t, "c", string(got[2]))

	r.push([]byte("x"))
	r.push([]byte("y"))
	r.push([]byte("z"))
	r.requeue([][]byte{[]byte("v"), []byte("w")})
	got = r.drain()
	assert.Equal(t, []string{"w", "x", "y", "z"}, []string{string(got[0]), string(got[1]), string(got[2]), string(got[3])})
	assert.Equal(t, 1, r.dropped)
}
