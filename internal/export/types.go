// Package export renders a notebook, live or at a checkpoint, as a
// standalone HTML, Markdown, PDF or DOCX document.
package export

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"codyx/collab/internal/protocol"
)

type Format string

const (
	FormatHTML     Format = "html"
	FormatMarkdown Format = "md"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
)

// ParseFormat accepts a format name case-insensitively; "markdown" is an
// alias for md and empty selects HTML.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "html":
		return FormatHTML, nil
	case "md", "markdown":
		return FormatMarkdown, nil
	case "pdf":
		return FormatPDF, nil
	case "docx":
		return FormatDOCX, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
}

// Notebook is what gets rendered. Version is empty for the live notebook
// and a checkpoint hash otherwise.
type Notebook struct {
	Title     string
	Slug      string
	Version   string
	UpdatedAt time.Time
	Cells     []protocol.Cell
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("export: unsupported format")
	// ErrPDFDependencyMissing means no chromium binary was found.
	ErrPDFDependencyMissing = errors.New("export: pdf dependency missing")
	// ErrDOCXDependencyMissing means pandoc was not found.
	ErrDOCXDependencyMissing = errors.New("export: docx dependency missing")
)
