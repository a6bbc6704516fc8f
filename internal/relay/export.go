package relay

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"codyx/collab/internal/export"
	"codyx/collab/internal/protocol"
)

// handleExport renders the live notebook, or a checkpoint when ?version
// names one, as a downloadable file.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be html, md, pdf or docx", nil)
		return
	}
	nb, ok := s.notebook(w, r)
	if !ok {
		return
	}

	doc := export.Notebook{Title: nb.Title, Slug: nb.Slug, UpdatedAt: nb.UpdatedAt}
	if version := strings.TrimSpace(r.URL.Query().Get("version")); version != "" && version != "latest" {
		if s.deps.History == nil {
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "History is not configured", nil)
			return
		}
		entries, err := s.deps.History.EntriesAt(nb.ID, version)
		if err != nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Checkpoint not found", nil)
			return
		}
		doc.Version = version
		doc.UpdatedAt = time.Time{}
		for _, e := range entries {
			doc.Cells = append(doc.Cells, protocol.Cell{
				ID:         e.ID,
				NotebookID: nb.ID,
				Content:    e.Content,
				Kind:       e.Type,
				Position:   e.Position,
			})
		}
	} else {
		doc.Cells, err = s.deps.Store.ListCells(r.Context(), nb.ID)
		if err != nil {
			s.internalError(w, r, err)
			return
		}
	}

	result, err := export.Export(r.Context(), doc, format)
	switch {
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		writeError(w, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil)
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	w.Header().Set("Content-Type", result.MimeType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}
