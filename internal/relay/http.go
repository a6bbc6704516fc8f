package relay

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"codyx/collab/internal/auth"
	"codyx/collab/internal/history"
	"codyx/collab/internal/rbac"
	"codyx/collab/internal/search"
	"codyx/collab/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if s.deps.Store == nil {
		checks["database"] = map[string]any{"status": "disabled"}
	} else if err := s.deps.Store.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *Server) handleCells(w http.ResponseWriter, r *http.Request) {
	nb, ok := s.notebook(w, r)
	if !ok {
		return
	}
	cells, err := s.deps.Store.ListCells(r.Context(), nb.ID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notebook": nb, "cells": cells})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Search == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Search is not configured", nil)
		return
	}
	nb, ok := s.notebook(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	text := strings.TrimSpace(q.Get("q"))
	if text == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	resp := s.deps.Search.Search(r.Context(), search.Query{
		Text:       text,
		NotebookID: nb.ID,
		Type:       q.Get("type"),
		Limit:      queryInt(q.Get("limit"), 20),
		Offset:     queryInt(q.Get("offset"), 0),
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "History is not configured", nil)
		return
	}
	nb, ok := s.notebook(w, r)
	if !ok {
		return
	}
	commits, err := s.deps.History.History(nb.ID, queryInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *Server) handleCheckpointCells(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "History is not configured", nil)
		return
	}
	nb, ok := s.notebook(w, r)
	if !ok {
		return
	}
	entries, err := s.deps.History.EntriesAt(nb.ID, mux.Vars(r)["hash"])
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Checkpoint not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cells": entries})
}

func (s *Server) handleHistoryDiff(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "History is not configured", nil)
		return
	}
	nb, ok := s.notebook(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	from, err := s.deps.History.EntriesAt(nb.ID, vars["from"])
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Checkpoint not found", map[string]string{"hash": vars["from"]})
		return
	}
	to, err := s.deps.History.EntriesAt(nb.ID, vars["to"])
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Checkpoint not found", map[string]string{"hash": vars["to"]})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": history.Diff(from, to)})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "History is not configured", nil)
		return
	}
	if !s.authorize(w, r, rbac.ActionCheckpoint) {
		return
	}
	nb, ok := s.notebook(w, r)
	if !ok {
		return
	}
	var body struct {
		Author  string `json:"author"`
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Author) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "author is required", nil)
		return
	}
	cells, err := s.deps.Store.ListCells(r.Context(), nb.ID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	commit, created, err := s.deps.History.Checkpoint(nb.ID, cells, body.Author, body.Message)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"commit": commit, "created": created})
}

// handleCopy forks a notebook under a new slug.
func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, rbac.ActionWrite) {
		return
	}
	src, ok := s.notebook(w, r)
	if !ok {
		return
	}
	var body struct {
		Slug string `json:"slug"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	slug := strings.TrimSpace(body.Slug)
	if slug == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slug is required", nil)
		return
	}
	nb, err := s.deps.Store.CopyNotebook(r.Context(), src.ID, slug)
	if errors.Is(err, store.ErrSlugTaken) {
		writeError(w, http.StatusConflict, "CONFLICT", "Slug already in use", nil)
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"notebook": nb})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if s.deps.Presence == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Presence is not configured", nil)
		return
	}
	members, err := s.deps.Presence.List(r.Context(), mux.Vars(r)["topic"])
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

// authorize checks the bearer token when the relay has a secret.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, action rbac.Action) bool {
	if len(s.deps.Secret) == 0 {
		return true
	}
	claims, err := auth.ParseToken(s.deps.Secret, joinToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token", nil)
		return false
	}
	if !rbac.Can(rbac.Normalize(claims.Role), action) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return false
	}
	return true
}

// notebook resolves the {slug} route variable, writing the error response
// when it cannot.
func (s *Server) notebook(w http.ResponseWriter, r *http.Request) (store.Notebook, bool) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Database is not configured", nil)
		return store.Notebook{}, false
	}
	nb, err := s.deps.Store.GetNotebookBySlug(r.Context(), mux.Vars(r)["slug"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Notebook not found", nil)
		return store.Notebook{}, false
	}
	if err != nil {
		s.internalError(w, r, err)
		return store.Notebook{}, false
	}
	return nb, true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error().Err(err).Str("request_id", requestID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "INTERNAL", "Internal error", nil)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", reqID)

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("relay: response writer cannot hijack")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
