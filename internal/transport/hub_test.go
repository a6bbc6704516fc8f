package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, s Subscription) []byte {
	t.Helper()
	select {
	case msg := <-s.Messages():
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestHubFanOutInOrder(t *testing.T) {
	ctx := context.Background()
	h := NewHub()
	a, err := h.Subscribe(ctx, "doc")
	require.NoError(t, err)
	b, err := h.Subscribe(ctx, "doc")
	require.NoError(t, err)
	other, err := h.Subscribe(ctx, "other")
	require.NoError(t, err)

	for _, msg := range []string{"1", "2", "3"} {
		require.NoError(t, a.Publish(ctx, []byte(msg)))
	}
	for _, want := range []string{"1", "2", "3"} {
		assert.Equal(t, want, string(recv(t, b)))
		assert.Equal(t, want, string(recv(t, a)), "publisher receives its own frames")
	}
	select {
	case msg := <-other.Messages():
		t.Fatalf("unexpected cross-topic delivery %q", msg)
	default:
	}
	assert.Equal(t, 2, h.Subscribers("doc"))
}

func TestHubClosesSlowSubscriber(t *testing.T) {
	ctx := context.Background()
	h := NewHubWithBuffer(2)
	fast, err := h.Subscribe(ctx, "doc")
	require.NoError(t, err)
	slow, err := h.Subscribe(ctx, "doc")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, fast.Publish(ctx, []byte{byte('a' + i)}))
		<-fast.Messages()
	}
	select {
	case <-slow.Done():
	default:
		t.Fatal("slow subscriber should have been closed")
	}
	assert.ErrorIs(t, slow.Publish(ctx, []byte("x")), ErrClosed)
}

func TestHubSetDown(t *testing.T) {
	ctx := context.Background()
	h := NewHub()
	s, err := h.Subscribe(ctx, "doc")
	require.NoError(t, err)

	h.SetDown(true)
	<-s.Done()
	_, err = h.Subscribe(ctx, "doc")
	require.ErrorIs(t, err, ErrTransportFailure)

	h.SetDown(false)
	s2, err := h.Subscribe(ctx, "doc")
	require.NoError(t, err)
	require.NoError(t, s2.Publish(ctx, []byte("back")))
	assert.Equal(t, "back", string(recv(t, s2)))
	require.NoError(t, s2.Close())
	assert.Zero(t, h.Subscribers("doc"))
}
