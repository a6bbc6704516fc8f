package export

import (
	"html/template"
	"strings"

	"codyx/collab/internal/protocol"
)

// language returns the fence language of a code cell, or "" for text.
func language(kind string) string {
	switch kind {
	case protocol.KindPython:
		return "python"
	case protocol.KindR:
		return "r"
	}
	return ""
}

// cellHTML renders one cell. Text cells become paragraphs split on blank
// lines; code cells become a pre block tagged with their language.
func cellHTML(c protocol.Cell) template.HTML {
	var b strings.Builder
	if lang := language(c.Kind); lang != "" {
		b.WriteString(`<pre><code class="language-`)
		b.WriteString(lang)
		b.WriteString(`">`)
		b.WriteString(template.HTMLEscapeString(c.Content))
		b.WriteString("</code></pre>")
		return template.HTML(b.String())
	}
	for _, para := range strings.Split(strings.ReplaceAll(c.Content, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		lines := strings.Split(para, "\n")
		for i, line := range lines {
			lines[i] = template.HTMLEscapeString(line)
		}
		b.WriteString("<p>")
		b.WriteString(strings.Join(lines, "<br>"))
		b.WriteString("</p>")
	}
	return template.HTML(b.String())
}

// RenderMarkdown writes text cells verbatim and code cells as fenced
// blocks. A fence is always longer than any backtick run in its content.
func RenderMarkdown(nb Notebook) string {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(title(nb))
	b.WriteString("\n")
	if nb.Version != "" {
		b.WriteString("\n_Checkpoint ")
		b.WriteString(nb.Version)
		b.WriteString("_\n")
	}
	for _, c := range nb.Cells {
		b.WriteString("\n")
		lang := language(c.Kind)
		if lang == "" {
			b.WriteString(strings.TrimRight(c.Content, "\n"))
			b.WriteString("\n")
			continue
		}
		fence := strings.Repeat("`", max(3, longestRun(c.Content, '`')+1))
		b.WriteString(fence)
		b.WriteString(lang)
		b.WriteString("\n")
		b.WriteString(strings.TrimRight(c.Content, "\n"))
		b.WriteString("\n")
		b.WriteString(fence)
		b.WriteString("\n")
	}
	return b.String()
}

func longestRun(s string, r rune) int {
	best, run := 0, 0
	for _, c := range s {
		if c == r {
			run++
			best = max(best, run)
			continue
		}
		run = 0
	}
	return best
}

func title(nb Notebook) string {
	if t := strings.TrimSpace(nb.Title); t != "" {
		return t
	}
	if nb.Slug != "" {
		return nb.Slug
	}
	return "Notebook"
}
