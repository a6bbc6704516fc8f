package relay

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"codyx/collab/internal/auth"
	"codyx/collab/internal/protocol"
	"codyx/collab/internal/rbac"
	"codyx/collab/internal/util"
)

const (
	maxFrameSize = 1 << 20
	writeWait    = 10 * time.Second
)

type joined struct {
	Topic    string `json:"topic"`
	ClientID string `json:"clientId"`
}

// handleSocket bridges one websocket to one topic subscription. The join is
// confirmed with a "joined" frame only after the backend subscription is
// live, so nothing the client publishes afterwards can be missed by it.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	clientID := strings.TrimSpace(r.URL.Query().Get("client"))
	if clientID == "" {
		clientID = util.NewClientID()
	}
	userID := r.URL.Query().Get("user")
	role := rbac.RoleEditor
	if len(s.deps.Secret) > 0 {
		claims, err := auth.ParseToken(s.deps.Secret, joinToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token", nil)
			return
		}
		if !claims.Allows(topic) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", auth.ErrOutOfScope.Error(), nil)
			return
		}
		userID = claims.Sub
		role = rbac.Normalize(claims.Role)
	}
	log := s.log.With().Str("topic", topic).Str("client", clientID).Logger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := s.deps.Transport.Subscribe(ctx, topic)
	if err != nil {
		log.Warn().Err(err).Msg("subscribe failed")
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Topic unavailable", nil)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	s.touch(ctx, topic, clientID, userID)
	defer s.leave(topic, clientID)

	frame, err := protocol.Encode(protocol.EventJoined, "relay", joined{Topic: topic, ClientID: clientID})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return
	}
	log.Debug().Msg("joined")

	go s.pump(ctx, conn, sub.Messages(), sub.Done())

	conn.SetReadLimit(maxFrameSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("client left")
			return
		}
		if !mayPublish(role, data) {
			log.Debug().Str("role", string(role)).Msg("dropping frame")
			continue
		}
		if err := sub.Publish(ctx, data); err != nil {
			log.Warn().Err(err).Msg("publish failed")
			return
		}
		s.touch(ctx, topic, clientID, userID)
	}
}

// joinToken reads the token from the query, where browsers can set it, or
// from a bearer header.
func joinToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
}

func mayPublish(role rbac.Role, data []byte) bool {
	if rbac.Can(role, rbac.ActionWrite) {
		return true
	}
	f, err := protocol.Decode(data)
	return err == nil && rbac.Can(role, rbac.FrameAction(f))
}

// pump is the only writer on conn once the join frame is out.
func (s *Server) pump(ctx context.Context, conn *websocket.Conn, msgs <-chan []byte, done <-chan struct{}) {
	ping := time.NewTicker(s.pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "backend closed"),
				time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		case data := <-msgs:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Server) touch(ctx context.Context, topic, clientID, userID string) {
	if s.deps.Presence == nil {
		return
	}
	if err := s.deps.Presence.Touch(ctx, topic, clientID, userID); err != nil {
		s.log.Debug().Err(err).Str("topic", topic).Msg("presence touch")
	}
}

func (s *Server) leave(topic, clientID string) {
	if s.deps.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.deps.Presence.Remove(ctx, topic, clientID); err != nil {
		s.log.Debug().Err(err).Str("topic", topic).Msg("presence remove")
	}
}
