package export

import (
	"context"
	"fmt"
)

// Export renders nb in the requested format. PDF and DOCX need chromium
// and pandoc on the PATH respectively.
func Export(ctx context.Context, nb Notebook, format Format) (*Result, error) {
	name := sanitizeFilename(title(nb))
	if nb.Version != "" {
		name += "-" + sanitizeFilename(nb.Version)
	}

	if format == FormatMarkdown {
		return &Result{
			Data:     []byte(RenderMarkdown(nb)),
			Filename: name + ".md",
			MimeType: "text/markdown; charset=utf-8",
		}, nil
	}

	html, err := RenderNotebookHTML(nb)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	switch format {
	case FormatHTML:
		return &Result{Data: []byte(html), Filename: name + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		return exportPDF(ctx, html, name)
	case FormatDOCX:
		return exportDOCX(ctx, html, name)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}
