// Package relay serves the websocket bridge that carries topic frames
// between browsers and the pub/sub backend, plus a small read API over
// notebooks, search, history, exports and presence.
package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"codyx/collab/internal/history"
	"codyx/collab/internal/presence"
	"codyx/collab/internal/protocol"
	"codyx/collab/internal/search"
	"codyx/collab/internal/store"
	"codyx/collab/internal/transport"
)

type Store interface {
	Ping(ctx context.Context) error
	GetNotebookBySlug(ctx context.Context, slug string) (store.Notebook, error)
	ListCells(ctx context.Context, notebookID string) ([]protocol.Cell, error)
	CopyNotebook(ctx context.Context, srcID, slug string) (store.Notebook, error)
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type History interface {
	History(notebookID string, limit int) ([]history.Commit, error)
	EntriesAt(notebookID, hash string) ([]history.Entry, error)
	Checkpoint(notebookID string, cells []protocol.Cell, author, message string) (history.Commit, bool, error)
}

type Presence interface {
	Touch(ctx context.Context, topic, clientID, userID string) error
	Remove(ctx context.Context, topic, clientID string) error
	List(ctx context.Context, topic string) ([]presence.Member, error)
}

// Deps are the backends behind the routes. Only Transport is required;
// routes whose backend is nil answer 503.
type Deps struct {
	Transport transport.Transport
	Store     Store
	Search    Searcher
	History   History
	Presence  Presence
	// Secret, when set, makes /ws require a signed join token.
	Secret []byte
}

type Server struct {
	deps       Deps
	corsOrigin string
	log        zerolog.Logger
	upgrader   websocket.Upgrader
	pingEvery  time.Duration
}

func New(deps Deps, corsOrigin string, log zerolog.Logger) *Server {
	return &Server{
		deps:       deps,
		corsOrigin: corsOrigin,
		log:        log.With().Str("component", "relay").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pingEvery: 30 * time.Second,
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.withMiddleware)

	r.HandleFunc("/ws/{topic}", s.handleSocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/notebooks/{slug}/cells", s.handleCells).Methods(http.MethodGet)
	api.HandleFunc("/notebooks/{slug}/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/notebooks/{slug}/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/notebooks/{slug}/history/{hash}", s.handleCheckpointCells).Methods(http.MethodGet)
	api.HandleFunc("/notebooks/{slug}/history/{from}/diff/{to}", s.handleHistoryDiff).Methods(http.MethodGet)
	api.HandleFunc("/notebooks/{slug}/checkpoints", s.handleCheckpoint).Methods(http.MethodPost)
	api.HandleFunc("/notebooks/{slug}/export", s.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/notebooks/{slug}/copies", s.handleCopy).Methods(http.MethodPost)
	api.HandleFunc("/topics/{topic}/presence", s.handlePresence).Methods(http.MethodGet)

	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}
