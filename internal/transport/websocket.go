package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"codyx/collab/internal/protocol"
)

const wsWriteWait = 10 * time.Second

// Websocket dials a relay at <base>/ws/{topic}?client=<id>. The relay
// confirms the join with a "joined" frame before anything else.
type Websocket struct {
	base     string
	clientID string
	dialer   *websocket.Dialer
	token    func() (string, error)
}

func NewWebsocket(baseURL, clientID string) *Websocket {
	return &Websocket{
		base:     strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

// WithToken makes every dial carry a join token from fn.
func (w *Websocket) WithToken(fn func() (string, error)) *Websocket {
	w.token = fn
	return w
}

func (w *Websocket) topicURL(topic string) (string, error) {
	q := url.Values{}
	q.Set("client", w.clientID)
	if w.token != nil {
		token, err := w.token()
		if err != nil {
			return "", fmt.Errorf("join token: %w", err)
		}
		q.Set("token", token)
	}
	return w.base + "/ws/" + url.PathEscape(topic) + "?" + q.Encode(), nil
}

func (w *Websocket) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	target, err := w.topicURL(topic)
	if err != nil {
		return nil, err
	}
	conn, _, err := w.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransportFailure, topic, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	_, first, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: join %s: %v", ErrTransportFailure, topic, err)
	}
	if f, err := protocol.Decode(first); err != nil || f.Event != protocol.EventJoined {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: join %s: unexpected first frame", ErrTransportFailure, topic)
	}
	_ = conn.SetReadDeadline(time.Time{})

	s := &wsSub{
		conn:  conn,
		topic: topic,
		msgs:  make(chan []byte, defaultHubBuffer),
		done:  make(chan struct{}),
	}
	go s.read()
	return s, nil
}

type wsSub struct {
	conn  *websocket.Conn
	topic string
	msgs  chan []byte
	done  chan struct{}
	once  sync.Once
	// gorilla allows one concurrent writer
	writeMu sync.Mutex
}

func (s *wsSub) read() {
	defer s.shutdown()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case s.msgs <- data:
		default:
			return
		}
	}
}

func (s *wsSub) Messages() <-chan []byte { return s.msgs }

func (s *wsSub) Done() <-chan struct{} { return s.done }

func (s *wsSub) Publish(ctx context.Context, frame []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.shutdown()
		return fmt.Errorf("%w: publish %s: %v", ErrTransportFailure, s.topic, err)
	}
	return nil
}

func (s *wsSub) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.shutdown()
	return nil
}

func (s *wsSub) shutdown() {
	s.once.Do(func() {
		_ = s.conn.Close()
		close(s.done)
	})
}
