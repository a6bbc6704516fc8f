package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codyx/collab/internal/auth"
	"codyx/collab/internal/history"
	"codyx/collab/internal/presence"
	"codyx/collab/internal/protocol"
	"codyx/collab/internal/search"
	"codyx/collab/internal/store"
	"codyx/collab/internal/transport"
)

type fakeStore struct {
	pingErr error
	cells   map[string][]protocol.Cell
	listErr error
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) GetNotebookBySlug(_ context.Context, slug string) (store.Notebook, error) {
	if _, ok := f.cells["nb-"+slug]; !ok {
		return store.Notebook{}, fmt.Errorf("%w: notebook %s", store.ErrNotFound, slug)
	}
	return store.Notebook{ID: "nb-" + slug, Slug: slug, Title: slug}, nil
}

func (f *fakeStore) ListCells(_ context.Context, notebookID string) ([]protocol.Cell, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.cells[notebookID], nil
}

func (f *fakeStore) CopyNotebook(_ context.Context, srcID, slug string) (store.Notebook, error) {
	if _, ok := f.cells["nb-"+slug]; ok {
		return store.Notebook{}, fmt.Errorf("%w: %s", store.ErrSlugTaken, slug)
	}
	src := f.cells[srcID]
	copied := make([]protocol.Cell, len(src))
	for i, c := range src {
		c.ID = c.ID + "-copy"
		c.NotebookID = "nb-" + slug
		copied[i] = c
	}
	f.cells["nb-"+slug] = copied
	return store.Notebook{ID: "nb-" + slug, Slug: slug, Title: slug}, nil
}

type fakeSearch struct{ got search.Query }

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.got = q
	return search.Response{Results: []search.Result{{ID: "c1", NotebookID: q.NotebookID}}, Total: 1, Query: q.Text}
}

func demoStore() *fakeStore {
	return &fakeStore{cells: map[string][]protocol.Cell{
		"nb-demo": {
			{ID: "c1", NotebookID: "nb-demo", Content: "hello", Kind: protocol.KindText, Position: "h"},
			{ID: "c2", NotebookID: "nb-demo", Content: "print(1)", Kind: protocol.KindPython, Position: "p"},
		},
	}}
}

func newTestServer(deps Deps) *Server {
	if deps.Transport == nil {
		deps.Transport = transport.NewHub()
	}
	return New(deps, "*", zerolog.New(io.Discard))
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	var payload map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	rr, payload := do(t, newTestServer(Deps{}), http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, payload["ok"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestReadyEndpoint(t *testing.T) {
	fs := demoStore()
	s := newTestServer(Deps{Store: fs})
	rr, payload := do(t, s, http.MethodGet, "/api/ready", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", payload["status"])

	fs.pingErr = errors.New("connection refused")
	rr, payload = do(t, s, http.MethodGet, "/api/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "not_ready", payload["status"])
	db := payload["checks"].(map[string]any)["database"].(map[string]any)
	assert.Equal(t, "connection refused", db["error"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	newTestServer(Deps{}).Handler().ServeHTTP(rr, req)
	assert.Equal(t, "req-42", rr.Header().Get("X-Request-ID"))
}

func TestUnknownRouteAndPreflight(t *testing.T) {
	s := newTestServer(Deps{})
	rr, payload := do(t, s, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", payload["code"])

	rr, _ = do(t, s, http.MethodOptions, "/api/notebooks/demo/cells", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestCellsEndpoint(t *testing.T) {
	s := newTestServer(Deps{Store: demoStore()})
	rr, payload := do(t, s, http.MethodGet, "/api/notebooks/demo/cells", "")
	require.Equal(t, http.StatusOK, rr.Code)
	cells := payload["cells"].([]any)
	require.Len(t, cells, 2)
	assert.Equal(t, "code-python", cells[1].(map[string]any)["type"])

	rr, _ = do(t, s, http.MethodGet, "/api/notebooks/missing/cells", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = do(t, newTestServer(Deps{}), http.MethodGet, "/api/notebooks/demo/cells", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCellsEndpointStoreError(t *testing.T) {
	fs := demoStore()
	fs.listErr = errors.New("boom")
	rr, payload := do(t, newTestServer(Deps{Store: fs}), http.MethodGet, "/api/notebooks/demo/cells", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "INTERNAL", payload["code"])
}

func TestSearchEndpoint(t *testing.T) {
	fsearch := &fakeSearch{}
	s := newTestServer(Deps{Store: demoStore(), Search: fsearch})

	rr, _ := do(t, s, http.MethodGet, "/api/notebooks/demo/search", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr, payload := do(t, s, http.MethodGet, "/api/notebooks/demo/search?q=hello&type=text&limit=5&offset=bad", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(1), payload["total"])
	assert.Equal(t, search.Query{Text: "hello", NotebookID: "nb-demo", Type: "text", Limit: 5, Offset: 0}, fsearch.got)
}

func TestCheckpointAndHistoryEndpoints(t *testing.T) {
	s := newTestServer(Deps{Store: demoStore(), History: history.New(t.TempDir())})

	rr, _ := do(t, s, http.MethodPost, "/api/notebooks/demo/checkpoints", `{"message":"m"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr, _ = do(t, s, http.MethodPost, "/api/notebooks/demo/checkpoints", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, payload := do(t, s, http.MethodPost, "/api/notebooks/demo/checkpoints", `{"author":"Avery","message":"First"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, true, payload["created"])
	hash := payload["commit"].(map[string]any)["hash"].(string)

	rr, payload = do(t, s, http.MethodPost, "/api/notebooks/demo/checkpoints", `{"author":"Avery"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, payload["created"])

	rr, payload = do(t, s, http.MethodGet, "/api/notebooks/demo/history", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, payload["commits"], 1)

	rr, payload = do(t, s, http.MethodGet, "/api/notebooks/demo/history/"+hash, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, payload["cells"], 2)

	rr, _ = do(t, s, http.MethodGet, "/api/notebooks/demo/history/0000000", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHistoryDiffEndpoint(t *testing.T) {
	fs := demoStore()
	s := newTestServer(Deps{Store: fs, History: history.New(t.TempDir())})

	checkpoint := func() string {
		rr, payload := do(t, s, http.MethodPost, "/api/notebooks/demo/checkpoints", `{"author":"Avery"}`)
		require.Equal(t, http.StatusCreated, rr.Code)
		return payload["commit"].(map[string]any)["hash"].(string)
	}
	first := checkpoint()
	fs.cells["nb-demo"] = []protocol.Cell{
		{ID: "c1", NotebookID: "nb-demo", Content: "hello there", Kind: protocol.KindText, Position: "h"},
		{ID: "c3", NotebookID: "nb-demo", Content: "new", Kind: protocol.KindR, Position: "m"},
	}
	second := checkpoint()

	rr, payload := do(t, s, http.MethodGet, "/api/notebooks/demo/history/"+first+"/diff/"+second, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{
		map[string]any{"cellId": "c1", "kind": "edited"},
		map[string]any{"cellId": "c2", "kind": "removed"},
		map[string]any{"cellId": "c3", "kind": "added"},
	}, payload["changes"])

	rr, payload = do(t, s, http.MethodGet, "/api/notebooks/demo/history/"+second+"/diff/"+second, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{}, payload["changes"])

	rr, _ = do(t, s, http.MethodGet, "/api/notebooks/demo/history/"+first+"/diff/0000000", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = do(t, newTestServer(Deps{Store: fs}), http.MethodGet, "/api/notebooks/demo/history/"+first+"/diff/"+second, "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCopyEndpoint(t *testing.T) {
	fs := demoStore()
	s := newTestServer(Deps{Store: fs})

	rr, payload := do(t, s, http.MethodPost, "/api/notebooks/demo/copies", `{"slug":"demo-fork"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "demo-fork", payload["notebook"].(map[string]any)["slug"])

	rr, payload = do(t, s, http.MethodGet, "/api/notebooks/demo-fork/cells", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, payload["cells"], 2)

	rr, _ = do(t, s, http.MethodPost, "/api/notebooks/demo/copies", `{"slug":"demo-fork"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr, _ = do(t, s, http.MethodPost, "/api/notebooks/demo/copies", `{"slug":"  "}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr, _ = do(t, s, http.MethodPost, "/api/notebooks/missing/copies", `{"slug":"x"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCopyNeedsEditorTokenWhenSecretIsSet(t *testing.T) {
	secret := []byte("relay-secret")
	s := newTestServer(Deps{Store: demoStore(), Secret: secret})

	rr, _ := do(t, s, http.MethodPost, "/api/notebooks/demo/copies", `{"slug":"demo-fork"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	viewer, err := auth.IssueToken(secret, auth.Claims{Sub: "v", Role: "viewer", JTI: "j", Exp: time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/notebooks/demo/copies", strings.NewReader(`{"slug":"demo-fork"}`))
	req.Header.Set("Authorization", "Bearer "+viewer)
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestPresenceEndpoint(t *testing.T) {
	reg := presence.NewMemoryStore(time.Minute)
	require.NoError(t, reg.Touch(context.Background(), "notebook_nb", "client-1", "alice"))
	s := newTestServer(Deps{Presence: reg})

	rr, payload := do(t, s, http.MethodGet, "/api/topics/notebook_nb/presence", "")
	require.Equal(t, http.StatusOK, rr.Code)
	members := payload["members"].([]any)
	require.Len(t, members, 1)
	assert.Equal(t, "alice", members[0].(map[string]any)["userId"])

	rr, _ = do(t, newTestServer(Deps{}), http.MethodGet, "/api/topics/notebook_nb/presence", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestExportEndpoint(t *testing.T) {
	s := newTestServer(Deps{Store: demoStore(), History: history.New(t.TempDir())})

	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr
	}

	rr := get("/api/notebooks/demo/export?format=md")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/markdown; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="demo.md"`, rr.Header().Get("Content-Disposition"))
	assert.Equal(t, "# demo\n\nhello\n\n```python\nprint(1)\n```\n", rr.Body.String())

	rr = get("/api/notebooks/demo/export")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `<pre><code class="language-python">print(1)</code></pre>`)

	rr = get("/api/notebooks/demo/export?format=odt")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = get("/api/notebooks/missing/export")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = get("/api/notebooks/demo/export?version=0000000")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	_, payload := do(t, s, http.MethodPost, "/api/notebooks/demo/checkpoints", `{"author":"Avery"}`)
	hash := payload["commit"].(map[string]any)["hash"].(string)
	rr = get("/api/notebooks/demo/export?format=md&version=" + hash)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `attachment; filename="demo-`+hash+`.md"`, rr.Header().Get("Content-Disposition"))
	assert.Contains(t, rr.Body.String(), "_Checkpoint "+hash+"_")
	assert.Contains(t, rr.Body.String(), "print(1)")
}

func TestCheckpointNeedsEditorTokenWhenSecretIsSet(t *testing.T) {
	secret := []byte("relay-secret")
	s := newTestServer(Deps{Store: demoStore(), History: history.New(t.TempDir()), Secret: secret})

	post := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/notebooks/demo/checkpoints", strings.NewReader(`{"author":"Avery"}`))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusUnauthorized, post("").Code)

	viewer, err := auth.IssueToken(secret, auth.Claims{Sub: "v", Role: "viewer", JTI: "j", Exp: time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, post(viewer).Code)

	editor, err := auth.PeerToken(secret, "peer-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, post(editor).Code)
}
